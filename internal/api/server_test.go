package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/sector-bridge/internal/alarm"
	"github.com/nerrad567/sector-bridge/internal/bridge"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/config"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/sector-bridge/internal/session"
)

// mockSession is a SessionController with injectable results.
type mockSession struct {
	mu      sync.Mutex
	snap    session.Snapshot
	changes chan struct{}
	calls   atomic.Int32

	loginErr     error
	codeErr      error
	retriggerErr error

	loginCreds alarm.Credentials
	gotCode    string
	retriggers int
}

func newMockSession() *mockSession {
	return &mockSession{
		snap:    session.Snapshot{State: alarm.StateUnauthenticated},
		changes: make(chan struct{}),
	}
}

func (m *mockSession) Snapshot() session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *mockSession) Changes() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Add(1)
	return m.changes
}

func (m *mockSession) setState(state alarm.SessionState) {
	m.mu.Lock()
	m.snap.State = state
	close(m.changes)
	m.changes = make(chan struct{})
	m.mu.Unlock()
}

func (m *mockSession) TriggerLogin(_ context.Context, creds alarm.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginCreds = creds
	if m.loginErr != nil {
		return m.loginErr
	}
	m.snap.State = alarm.StateWaiting2FA
	return nil
}

func (m *mockSession) SubmitCode(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gotCode = code
	if m.codeErr != nil {
		return m.codeErr
	}
	m.snap.State = alarm.StateAuthenticated
	return nil
}

func (m *mockSession) ManualRetrigger(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retriggers++
	return m.retriggerErr
}

// mockBridge is a BridgeView over fixed values.
type mockBridge struct {
	snap    *alarm.PanelSnapshot
	status  bridge.StatusMessage
	updates chan struct{}
}

func (b *mockBridge) PanelID() string { return "01234567" }
func (b *mockBridge) Snapshot() *alarm.PanelSnapshot { return b.snap }
func (b *mockBridge) Status() bridge.StatusMessage { return b.status }
func (b *mockBridge) Metrics() bridge.Counters { return bridge.Counters{PollsOK: 3} }
func (b *mockBridge) Updates() <-chan struct{} { return b.updates }

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
}

func testServer(t *testing.T, checks map[string]HealthChecker) (*Server, *mockSession, *mockBridge) {
	t.Helper()

	sess := newMockSession()
	br := &mockBridge{
		updates: make(chan struct{}),
		status:  bridge.StatusMessage{SessionState: alarm.StateUnauthenticated, Stale: true},
	}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
			WebSocket: config.WebSocketConfig{
				MaxMessageSize: 4096,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logger:      testLogger(),
		Session:     sess,
		Bridge:      br,
		Credentials: alarm.Credentials{Username: "owner@example.com", Password: "hunter2"},
		Checks:      checks,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, sess, br
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal error body %q: %v", w.Body.String(), err)
	}
	return e
}

func TestNew_Validation(t *testing.T) {
	sess := newMockSession()
	br := &mockBridge{updates: make(chan struct{})}

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Session: sess, Bridge: br}},
		{"no session", Deps{Logger: testLogger(), Bridge: br}},
		{"no bridge", Deps{Logger: testLogger(), Session: sess}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil")
			}
		})
	}
}

// ─── Health ────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t, map[string]HealthChecker{
		"database": checkFunc(func(context.Context) error { return nil }),
		"influxdb": nil,
	})

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Checks["database"] != "ok" {
		t.Errorf("checks = %v", resp.Checks)
	}
	if _, ok := resp.Checks["influxdb"]; ok {
		t.Error("nil checker should be skipped")
	}
}

func TestHealth_Degraded(t *testing.T) {
	srv, _, _ := testServer(t, map[string]HealthChecker{
		"database": checkFunc(func(context.Context) error { return nil }),
		"mqtt":     checkFunc(func(context.Context) error { return errors.New("mqtt: not connected") }),
	})

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "degraded" || resp.Checks["mqtt"] != "mqtt: not connected" {
		t.Errorf("resp = %+v", resp)
	}
}

// ─── Status ────────────────────────────────────────────────────────

func TestStatus(t *testing.T) {
	srv, _, br := testServer(t, nil)
	hum := 41.5
	fetched := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	br.snap = &alarm.PanelSnapshot{
		PanelID:    "01234567",
		ArmedState: alarm.ArmedAway,
		FetchedAt:  fetched,
		Sensors: map[string]alarm.SensorReading{
			"BB02": {Serial: "BB02", Label: "Hall", Temperature: 19.5, Humidity: &hum},
			"AA01": {Serial: "AA01", Label: "Kitchen", Temperature: 21},
		},
	}

	w := do(t, srv, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var v StatusView
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.PanelID != "01234567" || v.Session.State != alarm.StateUnauthenticated || v.Metrics.PollsOK != 3 {
		t.Errorf("view = %+v", v)
	}
	if v.Panel == nil || v.Panel.ArmedState != alarm.ArmedAway || !v.Panel.FetchedAt.Equal(fetched) {
		t.Fatalf("panel = %+v", v.Panel)
	}
	if len(v.Panel.Sensors) != 2 || v.Panel.Sensors[0].Serial != "AA01" || v.Panel.Sensors[1].Serial != "BB02" {
		t.Errorf("sensors not ordered by serial: %+v", v.Panel.Sensors)
	}
	if v.Panel.Sensors[1].Humidity == nil || *v.Panel.Sensors[1].Humidity != 41.5 {
		t.Errorf("humidity = %v", v.Panel.Sensors[1].Humidity)
	}
}

func TestStatus_NoSnapshot(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	w := do(t, srv, http.MethodGet, "/api/v1/status", "")
	if strings.Contains(w.Body.String(), `"panel"`) {
		t.Errorf("body = %s, want no panel before the first poll", w.Body.String())
	}
}

// ─── Auth ──────────────────────────────────────────────────────────

func TestLogin(t *testing.T) {
	srv, sess, _ := testServer(t, nil)

	w := do(t, srv, http.MethodPost, "/api/v1/auth/login", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if sess.loginCreds.Username != "owner@example.com" {
		t.Errorf("login creds = %+v", sess.loginCreds)
	}

	var snap session.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.State != alarm.StateWaiting2FA {
		t.Errorf("state = %s, want WAITING_2FA", snap.State)
	}
}

func TestLogin_LoginFailedIsConflict(t *testing.T) {
	srv, sess, _ := testServer(t, nil)
	sess.loginErr = fmt.Errorf("%w: login failed; manual retrigger required", alarm.ErrInvalidState)

	w := do(t, srv, http.MethodPost, "/api/v1/auth/login", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestSubmitCode(t *testing.T) {
	srv, sess, _ := testServer(t, nil)

	w := do(t, srv, http.MethodPost, "/api/v1/auth/code", `{"code":" 482913 "}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if sess.gotCode != "482913" {
		t.Errorf("code = %q, want trimmed 482913", sess.gotCode)
	}
}

func TestSubmitCode_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"code":`},
		{"missing code", `{}`},
		{"blank code", `{"code":"   "}`},
		{"too long", `{"code":"12345678901234567"}`},
		{"oversized body", `{"code":"` + strings.Repeat("1", maxRequestBodySize) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, sess, _ := testServer(t, nil)

			w := do(t, srv, http.MethodPost, "/api/v1/auth/code", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if e := decodeError(t, w); e.Code != ErrCodeBadRequest {
				t.Errorf("code = %q", e.Code)
			}
			if sess.gotCode != "" {
				t.Error("session should not see an invalid code")
			}
		})
	}
}

func TestSubmitCode_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "not waiting",
			err:        fmt.Errorf("%w: no two-factor challenge (state UNAUTHENTICATED)", alarm.ErrInvalidState),
			wantStatus: http.StatusConflict,
			wantCode:   ErrCodeConflict,
		},
		{"attempt outstanding", alarm.ErrAuthInProgress, http.StatusConflict, ErrCodeConflict},
		{"code rejected", alarm.ErrAuthRejected, http.StatusUnauthorized, ErrCodeUnauthorized},
		{"window elapsed", alarm.ErrTwoFactorTimeout, http.StatusGone, ErrCodeExpired},
		{"vendor unreachable", fmt.Errorf("submit code: %w", alarm.ErrTransient), http.StatusBadGateway, ErrCodeUpstream},
		{"vendor garbage", fmt.Errorf("submit code: %w", alarm.ErrProtocol), http.StatusBadGateway, ErrCodeUpstream},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, sess, _ := testServer(t, nil)
			sess.codeErr = tt.err

			w := do(t, srv, http.MethodPost, "/api/v1/auth/code", `{"code":"482913"}`)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if e := decodeError(t, w); e.Code != tt.wantCode || e.Status != tt.wantStatus {
				t.Errorf("error = %+v", e)
			}
		})
	}
}

func TestRetrigger(t *testing.T) {
	srv, sess, _ := testServer(t, nil)

	w := do(t, srv, http.MethodPost, "/api/v1/auth/retrigger", "")
	if w.Code != http.StatusOK || sess.retriggers != 1 {
		t.Errorf("status = %d, retriggers = %d", w.Code, sess.retriggers)
	}

	sess.retriggerErr = alarm.ErrAuthInProgress
	w = do(t, srv, http.MethodPost, "/api/v1/auth/retrigger", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestAuthRoutes_MethodNotAllowed(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	w := do(t, srv, http.MethodGet, "/api/v1/auth/login", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	w := do(t, srv, http.MethodGet, "/api/v1/status", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	w := do(t, srv, http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return f
}

func TestWebSocket_StatusStream(t *testing.T) {
	srv, sess, _ := testServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.Run(ctx)
	go srv.relayStatus(ctx)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	f := readFrame(t, conn)
	if f.Type != FrameStatus || f.Status == nil {
		t.Fatalf("first frame = %+v, want status", f)
	}
	if f.Status.Session.State != alarm.StateUnauthenticated {
		t.Errorf("initial state = %s", f.Status.Session.State)
	}

	// Ping is answered with a pong carrying the same id.
	if err := conn.WriteJSON(Frame{Type: FramePing, ID: "p1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if f := readFrame(t, conn); f.Type != FramePong || f.ID != "p1" {
		t.Errorf("reply = %+v, want pong p1", f)
	}

	// The relay has picked up a Changes channel once the mock saw the call.
	deadline := time.Now().Add(2 * time.Second)
	for sess.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sess.setState(alarm.StateWaiting2FA)

	f = readFrame(t, conn)
	if f.Type != FrameStatus || f.Status == nil || f.Status.Session.State != alarm.StateWaiting2FA {
		t.Errorf("pushed frame = %+v", f)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if f := readFrame(t, conn); f.Type != FrameError {
		t.Errorf("reply to garbage = %+v, want error", f)
	}
}

func TestHub_LatestStatusWins(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	c := newStreamClient(hub, nil)
	hub.add(c)

	for _, state := range []alarm.SessionState{alarm.StateLoginPending, alarm.StateWaiting2FA, alarm.StateAuthenticated} {
		hub.Publish(StatusView{Session: session.Snapshot{State: state}})
	}

	var f Frame
	if err := json.Unmarshal(<-c.status, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Status.Session.State != alarm.StateAuthenticated {
		t.Errorf("pending state = %s, want the latest (AUTHENTICATED)", f.Status.Session.State)
	}
	select {
	case <-c.status:
		t.Error("more than one pending status frame")
	default:
	}
}

func TestHub_RunDisconnectsClients(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	c := newStreamClient(hub, nil)
	hub.add(c)
	if hub.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", hub.ClientCount())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hub.Run(ctx)

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after Run returned", hub.ClientCount())
	}
	select {
	case <-c.done:
	default:
		t.Error("client not closed")
	}

	// Publishing to a closed client neither blocks nor panics.
	c.offer([]byte("x"))
	hub.remove(c)
}

func TestStreamClient_ReplyDropsWhenFull(t *testing.T) {
	c := newStreamClient(NewHub(config.WebSocketConfig{}, testLogger()), nil)
	for i := range replyBufferSize + 3 {
		c.reply(Frame{Type: FramePong, ID: fmt.Sprint(i)})
	}
	if len(c.replies) != replyBufferSize {
		t.Errorf("queued replies = %d, want %d", len(c.replies), replyBufferSize)
	}
}
