package mqtt

import (
	"fmt"
	"strings"
)

// Default topic roots.
const (
	DefaultNamespace       = "sector"
	DefaultDiscoveryPrefix = "homeassistant"
)

// Topics builds every topic the bridge publishes or consumes.
//
//	topics := mqtt.Topics{Namespace: "sector", DiscoveryPrefix: "homeassistant"}
//	topics.PanelState("01234567")  // "sector/01234567/state"
//	topics.SensorState("AB:CD:01") // "sector/sensor/ABCD01/state"
//
// A zero value uses the default roots.
type Topics struct {
	Namespace       string
	DiscoveryPrefix string
}

func (t Topics) ns() string {
	if t.Namespace == "" {
		return DefaultNamespace
	}
	return t.Namespace
}

func (t Topics) discovery() string {
	if t.DiscoveryPrefix == "" {
		return DefaultDiscoveryPrefix
	}
	return t.DiscoveryPrefix
}

// =============================================================================
// Panel Topics
// =============================================================================

// PanelState carries armed_away, armed_home or disarmed.
//
// Example: sector/01234567/state
func (t Topics) PanelState(panelID string) string {
	return fmt.Sprintf("%s/%s/state", t.ns(), panelID)
}

// PanelSet receives ARM_AWAY, ARM_HOME or DISARM.
//
// Example: sector/01234567/set
func (t Topics) PanelSet(panelID string) string {
	return fmt.Sprintf("%s/%s/set", t.ns(), panelID)
}

// AllPanelSets is the wildcard subscription for command topics.
//
// Example: sector/+/set
func (t Topics) AllPanelSets() string {
	return t.ns() + "/+/set"
}

// PanelStatus carries the bridge's view of the session and snapshot freshness.
//
// Example: sector/01234567/status
func (t Topics) PanelStatus(panelID string) string {
	return fmt.Sprintf("%s/%s/status", t.ns(), panelID)
}

// CommandResult carries the outcome of each command received on PanelSet.
//
// Example: sector/01234567/command_result
func (t Topics) CommandResult(panelID string) string {
	return fmt.Sprintf("%s/%s/command_result", t.ns(), panelID)
}

// ParsePanelSet extracts the panel id from a command topic.
func (t Topics) ParsePanelSet(topic string) (panelID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.ns()+"/")
	if !found {
		return "", false
	}
	panelID, found = strings.CutSuffix(rest, "/set")
	if !found || panelID == "" || strings.Contains(panelID, "/") {
		return "", false
	}
	return panelID, true
}

// =============================================================================
// Sensor Topics
// =============================================================================

// SensorState carries {"temperature":..,"humidity":..} for one sensor.
//
// Example: sector/sensor/ABCD01/state
func (t Topics) SensorState(serial string) string {
	return fmt.Sprintf("%s/sensor/%s/state", t.ns(), SafeSegment(serial))
}

// =============================================================================
// Bridge Topics
// =============================================================================

// Availability carries online/offline and is the LWT topic.
//
// Example: sector/bridge/availability
func (t Topics) Availability() string {
	return t.ns() + "/bridge/availability"
}

// Health carries the bridge's periodic health report.
//
// Example: sector/bridge/health
func (t Topics) Health() string {
	return t.ns() + "/bridge/health"
}

// Discovery returns a Home Assistant discovery config topic.
//
// Example: homeassistant/alarm_control_panel/sa_01234567/config
func (t Topics) Discovery(component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", t.discovery(), component, objectID)
}

// SafeSegment strips characters that are not usable inside one topic level
// (level separator, wildcards, colons from MAC-style serials, spaces).
func SafeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '+', '#', ' ':
			return -1
		}
		return r
	}, s)
}
