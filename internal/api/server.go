package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/sector-bridge/internal/alarm"
	"github.com/nerrad567/sector-bridge/internal/audit"
	"github.com/nerrad567/sector-bridge/internal/bridge"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/config"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/sector-bridge/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// SessionController is the session surface the operator drives.
// *session.Manager implements it.
type SessionController interface {
	Snapshot() session.Snapshot
	Changes() <-chan struct{}
	TriggerLogin(ctx context.Context, creds alarm.Credentials) error
	SubmitCode(ctx context.Context, code string) error
	ManualRetrigger(ctx context.Context) error
}

// BridgeView exposes the engine's read side. *bridge.Engine implements it.
type BridgeView interface {
	PanelID() string
	Snapshot() *alarm.PanelSnapshot
	Status() bridge.StatusMessage
	Metrics() bridge.Counters
	Updates() <-chan struct{}
}

// HealthChecker is a dependency reported by GET /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	Logger      *logging.Logger
	Session     SessionController
	Bridge      BridgeView
	Credentials alarm.Credentials

	// Checks are named dependencies for GET /health. Nil entries are skipped.
	Checks map[string]HealthChecker

	// Audit is optional. Without it operator actions are not recorded and
	// GET /audit answers 500.
	Audit audit.Repository

	Version string
}

// Server is the operator HTTP API.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket hub
// that streams status to the dashboard.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	session SessionController
	bridge  BridgeView
	creds   alarm.Credentials
	checks  map[string]HealthChecker
	version string
	started time.Time

	auditRepo audit.Repository
	auditCh   chan *audit.Entry

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc
}

// New creates a new API server. It is not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	s := &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		session: deps.Session,
		bridge:  deps.Bridge,
		creds:   deps.Credentials,
		checks:  deps.Checks,
		version: deps.Version,
		started: time.Now(),
	}
	if deps.Audit != nil {
		s.auditRepo = deps.Audit
		s.auditCh = make(chan *audit.Entry, auditChanSize)
	}
	s.hub = NewHub(deps.Config.WebSocket, deps.Logger)
	return s, nil
}

// Start launches the WebSocket hub, the status relay and the HTTP listener
// in background goroutines. Stop with Close.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	if s.auditCh != nil {
		go s.drainAuditLog(srvCtx)
	}
	go s.relayStatus(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// relayStatus broadcasts a status event whenever the session or the bridge
// reports a change.
func (s *Server) relayStatus(ctx context.Context) {
	for {
		sessionCh := s.session.Changes()
		bridgeCh := s.bridge.Updates()

		select {
		case <-ctx.Done():
			return
		case <-sessionCh:
		case <-bridgeCh:
		}

		s.hub.Publish(s.statusView())
	}
}
