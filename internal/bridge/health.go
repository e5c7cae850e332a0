package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/sector-bridge/internal/alarm"
)

const defaultHealthInterval = 30 * time.Second

// HealthReporter publishes a retained health report on <ns>/bridge/health:
// once at start, on every interval, and a final "stopping" on Stop.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	loop    chan struct{} // closed when the report loop exits
	stopped bool
	logger  Logger
}

// HealthPublisher is satisfied by the MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthSource supplies the figures in each report. *Engine implements it.
type HealthSource interface {
	Status() StatusMessage
	Metrics() Counters
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	Version   string
	Interval  time.Duration // default 30s
	Topic     string
	Publisher HealthPublisher
	Source    HealthSource // optional
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{cfg: cfg, started: time.Now()}
}

// Start publishes a report now and then on every interval until ctx is
// done or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil || h.stopped {
		return
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.loop = make(chan struct{})
	go h.run(ctx, h.loop)
}

// Stop ends the loop and publishes "stopping". Later calls do nothing.
func (h *HealthReporter) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	cancel, loop := h.cancel, h.loop
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-loop
	}
	//nolint:errcheck // best effort on the way out
	h.publish(HealthStopping, "")
}

// SetLogger sets the logger for publish failures.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

// PublishStarting publishes the "starting" report.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes a report for the current state.
func (h *HealthReporter) PublishNow() error {
	var st *StatusMessage
	if h.cfg.Source != nil {
		s := h.cfg.Source.Status()
		st = &s
	}
	status, reason := assess(h.cfg.Publisher != nil && h.cfg.Publisher.IsConnected(), st)
	return h.publish(status, reason)
}

func (h *HealthReporter) run(ctx context.Context, loop chan struct{}) {
	defer close(loop)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.mu.Lock()
			logger := h.logger
			h.mu.Unlock()
			if logger != nil {
				logger.Error("failed to publish health", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// assess ranks problems: no broker, then no session, then stale data.
// st is nil when there is no source to ask.
func assess(brokerUp bool, st *StatusMessage) (HealthStatus, string) {
	switch {
	case !brokerUp:
		return HealthDegraded, "MQTT disconnected"
	case st == nil:
		return HealthHealthy, ""
	case st.SessionState != alarm.StateAuthenticated:
		return HealthAuthRequired, "session " + string(st.SessionState)
	case st.Stale && st.LastError != "":
		return HealthDegraded, st.LastError
	case st.Stale:
		return HealthDegraded, "snapshot stale"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	msg := HealthMessage{
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Reason:        reason,
	}
	if src := h.cfg.Source; src != nil {
		msg.SessionState = src.Status().SessionState
		msg.Statistics = src.Metrics()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(h.cfg.Topic, payload, 1, true)
}
