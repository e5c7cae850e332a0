package sector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// loginRequest is the body of /api/Login/Login.
type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

// twoFactorRequest is the body of /api/Login/ValidateTwoWayVerificationCode.
type twoFactorRequest struct {
	UserID   string `json:"UserId"`
	Password string `json:"Password"`
	Code     string `json:"Code"`
}

// tokenResponse is returned by both login endpoints on success.
type tokenResponse struct {
	AuthorizationToken string `json:"AuthorizationToken"`
}

// panelRequest is the body of the temperature and arm/disarm endpoints.
type panelRequest struct {
	PanelCode string `json:"PanelCode,omitempty"`
	PanelID   string `json:"PanelId"`
}

// logsResponse is the panel event log, newest first. The endpoint returns a
// bare array; some API versions wrap it in {"Logs": [...]}.
type logsResponse []logEntry

// UnmarshalJSON implements json.Unmarshaler.
func (l *logsResponse) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Logs []logEntry `json:"Logs"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return err
		}
		*l = wrapped.Logs
		return nil
	}
	var entries []logEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*l = entries
	return nil
}

type logEntry struct {
	EventType string `json:"EventType"`
	Time      string `json:"Time"`
	User      string `json:"User"`
}

// housecheckResponse is the Sections > Places > Components tree returned by
// the temperature and humidity endpoints.
type housecheckResponse struct {
	Sections []struct {
		Places []struct {
			Components []component `json:"Components"`
		} `json:"Places"`
	} `json:"Sections"`
}

// component values stay raw until mergeSensors so one bad value cannot fail
// the whole response.
type component struct {
	SerialNo    string          `json:"SerialNo"`
	Label       string          `json:"Label"`
	Temperature json.RawMessage `json:"Temperature"`
	Humidity    json.RawMessage `json:"Humidity"`
}

// components flattens the tree.
func (h *housecheckResponse) components() []component {
	var out []component
	for _, s := range h.Sections {
		for _, p := range s.Places {
			out = append(out, p.Components...)
		}
	}
	return out
}

// flexFloat decodes a JSON number or a numeric string. The vendor sends both.
type flexFloat float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.Replace(s, ",", ".", 1))
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("flexFloat: %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// reading parses a component value. Absent, null, empty and unparseable
// values report false.
func reading(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var f flexFloat
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return float64(f), true
}
