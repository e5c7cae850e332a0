package sector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/sector-bridge/internal/alarm"
)

// Default client settings.
const (
	DefaultBaseURL = "https://mypagesapi.sectoralarm.net"

	defaultTimeout  = 15 * time.Second
	defaultTokenTTL = 12 * time.Hour

	// maxResponseBytes caps how much of a response body is decoded.
	maxResponseBytes = 1 << 20
)

// Vendor endpoints.
const (
	pathLogin        = "/api/Login/Login"
	pathTwoFactor    = "/api/Login/ValidateTwoWayVerificationCode"
	pathLogs         = "/api/panel/GetLogs"
	pathTemperatures = "/api/v2/housecheck/temperatures"
	pathHumidity     = "/api/housecheck/panels/%s/humidity"
	pathCommand      = "/api/panel/%s"
)

// commandEndpoints maps bridge actions to the vendor's endpoint names.
var commandEndpoints = map[alarm.Action]string{
	alarm.ActionArmAway: "Arm",
	alarm.ActionArmHome: "PartialArm",
	alarm.ActionDisarm:  "Disarm",
}

// Logger is the logging interface used by the client.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
}

// Options configures a Client.
type Options struct {
	// BaseURL is the API root. Default: DefaultBaseURL.
	BaseURL string

	// Timeout bounds each HTTP request. Default: 15s.
	Timeout time.Duration

	// TokenTTL is assumed when a token carries no exp claim. Default: 12h.
	TokenTTL time.Duration

	// PanelCode is sent with arm/disarm requests. Without it every command
	// is rejected locally.
	PanelCode string

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	Logger Logger
}

// pendingChallenge holds the credentials the vendor expects to be repeated
// alongside the 2FA code.
type pendingChallenge struct {
	id    string
	creds alarm.Credentials
}

// Client talks to the Sector Alarm cloud API. It implements
// alarm.RemoteAlarmClient.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokenTTL   time.Duration
	panelCode  string
	logger     Logger
	now        func() time.Time

	mu      sync.Mutex
	pending *pendingChallenge
}

var _ alarm.RemoteAlarmClient = (*Client)(nil)

// New creates a client. It performs no I/O.
func New(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokenTTL:   ttl,
		panelCode:  opts.PanelCode,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// Login posts the account credentials.
//
// A 200 with a token authenticates. A 204 means the vendor sent a 2FA code
// to the account owner; the returned ChallengeID must be passed to
// SubmitTwoFactor. 400/401/403 reject the credentials.
func (c *Client) Login(ctx context.Context, creds alarm.Credentials) (alarm.LoginResult, error) {
	resp, err := c.do(ctx, http.MethodPost, pathLogin, "", loginRequest{
		UserID:   creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return alarm.LoginResult{}, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return c.tokenResult(resp, "login")
	case http.StatusNoContent:
		id := uuid.NewString()
		c.mu.Lock()
		c.pending = &pendingChallenge{id: id, creds: creds}
		c.mu.Unlock()
		c.logDebug("login requires two-factor code", "challenge_id", id)
		return alarm.LoginResult{Outcome: alarm.LoginNeeds2FA, ChallengeID: id}, nil
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return alarm.LoginResult{Outcome: alarm.LoginRejected}, nil
	}
	return alarm.LoginResult{}, classifyStatus("login", resp.StatusCode)
}

// SubmitTwoFactor completes a login that returned LoginNeeds2FA.
// The challenge is consumed by an authenticated or rejected answer; a
// transient failure keeps it so the same code can be retried.
func (c *Client) SubmitTwoFactor(ctx context.Context, challengeID, code string) (alarm.LoginResult, error) {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil || pending.id != challengeID {
		return alarm.LoginResult{}, ErrUnknownChallenge
	}

	resp, err := c.do(ctx, http.MethodPost, pathTwoFactor, "", twoFactorRequest{
		UserID:   pending.creds.Username,
		Password: pending.creds.Password,
		Code:     strings.TrimSpace(code),
	})
	if err != nil {
		return alarm.LoginResult{}, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		res, err := c.tokenResult(resp, "two-factor")
		if err == nil {
			c.clearChallenge(challengeID)
		}
		return res, err
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		c.clearChallenge(challengeID)
		return alarm.LoginResult{Outcome: alarm.LoginRejected}, nil
	}
	return alarm.LoginResult{}, classifyStatus("two-factor", resp.StatusCode)
}

// GetStatus fetches the armed state and housecheck sensors for one panel.
func (c *Client) GetStatus(ctx context.Context, token, panelID string) (*alarm.PanelSnapshot, error) {
	var logs logsResponse
	if err := c.getJSON(ctx, http.MethodGet, pathLogs+"?panelId="+url.QueryEscape(panelID), token, nil, &logs); err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("get logs: empty event log: %w", alarm.ErrProtocol)
	}

	temps, err := c.housecheck(ctx, http.MethodPost, pathTemperatures, token, panelRequest{PanelID: panelID})
	if err != nil {
		return nil, err
	}
	humidity, err := c.housecheck(ctx, http.MethodGet, fmt.Sprintf(pathHumidity, url.PathEscape(panelID)), token, nil)
	if err != nil {
		return nil, err
	}

	return &alarm.PanelSnapshot{
		PanelID:    panelID,
		ArmedState: armedStateFromEvent(logs[0].EventType),
		Sensors:    mergeSensors(temps, humidity),
		FetchedAt:  c.now().UTC(),
	}, nil
}

// housecheck fetches one sensor endpoint. Only auth and transient failures
// are returned. Anything else, such as the 404 a panel without humidity
// sensors answers with, yields no components so the armed state still
// gets through.
func (c *Client) housecheck(ctx context.Context, method, path, token string, body any) ([]component, error) {
	var resp housecheckResponse
	err := c.getJSON(ctx, method, path, token, body, &resp)
	switch {
	case err == nil:
		return resp.components(), nil
	case errors.Is(err, alarm.ErrUnauthorized), errors.Is(err, alarm.ErrTransient):
		return nil, err
	}
	c.logDebug("housecheck unavailable", "path", path, "error", err)
	return nil, nil
}

// SendCommand arms or disarms a panel. The call is never retried.
func (c *Client) SendCommand(ctx context.Context, token, panelID string, action alarm.Action) (alarm.CommandResult, error) {
	endpoint, ok := commandEndpoints[action]
	if !ok {
		return alarm.CommandRejected, alarm.ErrInvalidCommand
	}
	if c.panelCode == "" {
		return alarm.CommandRejected, fmt.Errorf("panel code not configured: %w", alarm.ErrCommandRejected)
	}

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf(pathCommand, endpoint), token, panelRequest{
		PanelCode: c.panelCode,
		PanelID:   panelID,
	})
	if err != nil {
		return alarm.CommandTransient, err
	}
	defer drain(resp)

	status := resp.StatusCode
	switch {
	case status == http.StatusOK || status == http.StatusNoContent:
		return alarm.CommandAck, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return alarm.CommandRejected, classifyStatus("command", status)
	case status == http.StatusTooManyRequests || status >= 500:
		return alarm.CommandTransient, classifyStatus("command", status)
	default:
		return alarm.CommandRejected, fmt.Errorf("command %s: status %d: %w", endpoint, status, alarm.ErrCommandRejected)
	}
}

// do sends one request. Transport failures, including timeouts, wrap
// alarm.ErrTransient.
func (c *Client) do(ctx context.Context, method, path, token string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, alarm.ErrTransient, err)
	}
	return resp, nil
}

// getJSON performs an authenticated call and decodes the body into out.
// 204 leaves out untouched.
func (c *Client) getJSON(ctx context.Context, method, path, token string, body, out any) error {
	resp, err := c.do(ctx, method, path, token, body)
	if err != nil {
		return err
	}
	defer drain(resp)

	if err := classifyStatus(path, resp.StatusCode); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s: %w: %w", path, alarm.ErrProtocol, err)
	}
	return nil
}

// tokenResult decodes a login success body.
func (c *Client) tokenResult(resp *http.Response, op string) (alarm.LoginResult, error) {
	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&tr); err != nil {
		return alarm.LoginResult{}, fmt.Errorf("%s: decode token: %w: %w", op, alarm.ErrProtocol, err)
	}
	if tr.AuthorizationToken == "" {
		return alarm.LoginResult{}, fmt.Errorf("%s: response has no token: %w", op, alarm.ErrProtocol)
	}
	return alarm.LoginResult{
		Outcome: alarm.LoginAuthenticated,
		Token:   tr.AuthorizationToken,
		Expiry:  c.tokenExpiry(tr.AuthorizationToken),
	}, nil
}

// tokenExpiry reads the exp claim without verifying the signature; we only
// need to know when to stop using the token. Tokens without one get TokenTTL.
func (c *Client) tokenExpiry(raw string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time.UTC()
	}
	return c.now().Add(c.tokenTTL).UTC()
}

func (c *Client) clearChallenge(id string) {
	c.mu.Lock()
	if c.pending != nil && c.pending.id == id {
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *Client) logDebug(msg string, kv ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, kv...)
	}
}

// armedStateFromEvent derives the panel state from the newest log event.
// "partial" wins over "armed"; anything that is not armed is disarmed.
func armedStateFromEvent(eventType string) alarm.ArmedState {
	e := strings.ToLower(eventType)
	switch {
	case strings.Contains(e, "partial"):
		return alarm.ArmedHome
	case strings.Contains(e, "armed") && !strings.Contains(e, "disarmed"):
		return alarm.ArmedAway
	default:
		return alarm.Disarmed
	}
}

// mergeSensors joins temperature and humidity components by serial.
// Components without a usable temperature are dropped; an unusable
// humidity is left out of the reading.
func mergeSensors(temps, humidity []component) map[string]alarm.SensorReading {
	sensors := make(map[string]alarm.SensorReading)
	for _, comp := range temps {
		t, ok := reading(comp.Temperature)
		if comp.SerialNo == "" || !ok {
			continue
		}
		sensors[comp.SerialNo] = alarm.SensorReading{
			Serial:      comp.SerialNo,
			Label:       comp.Label,
			Temperature: t,
		}
	}
	for _, comp := range humidity {
		r, ok := sensors[comp.SerialNo]
		if !ok {
			continue
		}
		h, ok := reading(comp.Humidity)
		if !ok {
			continue
		}
		r.Humidity = &h
		sensors[comp.SerialNo] = r
	}
	return sensors
}

// drain discards the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
}
