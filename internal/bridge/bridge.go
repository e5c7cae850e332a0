package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/sector-bridge/internal/alarm"
	"github.com/nerrad567/sector-bridge/internal/audit"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/sector-bridge/internal/session"
)

// Engine defaults.
const (
	defaultPollInterval   = 60 * time.Second
	defaultRetryInitial   = 5 * time.Second
	defaultRetryMax       = 5 * time.Minute
	defaultReauthCooldown = time.Minute
	defaultCommandTimeout = 15 * time.Second
	defaultPollTimeout    = 45 * time.Second
	auditTimeout          = 5 * time.Second
)

// Engine polls the panel, publishes what changed and executes commands.
// It handles:
//   - The poll loop, paced by the poll interval, backoff and session changes
//   - Diff-based publishing of panel and sensor state
//   - Commands from <ns>/<panel_id>/set, one in flight per panel
//   - Discovery republish on new sensors and broker reconnect
//
// Thread Safety: All methods are safe for concurrent use.
type Engine struct {
	panelID   string
	creds     alarm.Credentials
	remote    alarm.RemoteAlarmClient
	session   Session
	mqtt      MQTTClient
	topics    mqtt.Topics
	discovery DiscoveryPublisher
	metrics   Metrics
	audit     AuditLog
	health    *HealthReporter
	qos       byte
	now       func() time.Time

	pollInterval   time.Duration
	retryInitial   time.Duration
	retryMax       time.Duration
	reauthCooldown time.Duration
	commandTimeout time.Duration
	pollTimeout    time.Duration

	// snapshot is replaced wholesale after each successful poll.
	snapshot atomic.Pointer[alarm.PanelSnapshot]

	// Publish bookkeeping, guarded by pubMu.
	pubMu         sync.Mutex
	lastPublished map[string]string
	knownSerials  map[string]bool
	stale         bool
	lastErr       string
	lastStatus    []byte
	lastReauth    time.Time

	counters struct {
		pollsOK, pollsFailed, pollsSkipped         atomic.Uint64
		messagesSent                               atomic.Uint64
		commandsAcked, commandsRejected, cmdFailed atomic.Uint64
	}

	pollNow chan struct{}
	updates *signal

	// Shutdown coordination
	dispatchMu sync.RWMutex
	stopped    bool
	done       chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
	ctx        context.Context
	ctxCancel  context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the logging interface used by the engine.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the broker surface the engine needs. *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Session is the authentication surface the engine needs. *session.Manager
// satisfies it.
type Session interface {
	EnsureValid() (string, error)
	Invalidate(token string)
	Recover(ctx context.Context, creds alarm.Credentials) error
	Snapshot() session.Snapshot
	Changes() <-chan struct{}
	BeginCommand(cmd alarm.Command) (string, error)
	EndCommand(panelID string)
}

// DiscoveryPublisher publishes discovery descriptors. *discovery.Publisher
// satisfies it.
type DiscoveryPublisher interface {
	Publish(panelID string, serials []string) error
}

// Metrics records engine activity. Optional.
type Metrics interface {
	RecordPoll(panelID, outcome string, duration time.Duration)
	RecordSnapshot(snap *alarm.PanelSnapshot)
	RecordCommand(panelID string, action alarm.Action, result alarm.CommandResult, duration time.Duration)
}

// AuditLog stores the command trail. *audit.SQLiteRepository satisfies it.
type AuditLog interface {
	Create(ctx context.Context, entry *audit.Entry) error
}

// Options holds configuration for creating an engine.
type Options struct {
	// PanelID is the only panel this engine polls and accepts commands for.
	PanelID string

	// Credentials are handed to Session.Recover when re-authenticating.
	Credentials alarm.Credentials

	Remote    alarm.RemoteAlarmClient
	Session   Session
	MQTT      MQTTClient
	Topics    mqtt.Topics
	Discovery DiscoveryPublisher

	// Metrics is optional.
	Metrics Metrics

	// Audit is optional.
	Audit AuditLog

	// Logger is optional.
	Logger Logger

	// QoS for every publish and the command subscription. Default: 1.
	QoS byte

	PollInterval   time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	ReauthCooldown time.Duration
	CommandTimeout time.Duration
	PollTimeout    time.Duration

	// HealthInterval enables the periodic health report when > 0.
	HealthInterval time.Duration

	// Version is reported in health messages.
	Version string

	// Now overrides the clock (tests).
	Now func() time.Time
}

// NewEngine creates an engine. Call Start to begin operation.
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.PanelID == "":
		return nil, fmt.Errorf("panel id is required")
	case opts.Remote == nil:
		return nil, fmt.Errorf("remote client is required")
	case opts.Session == nil:
		return nil, fmt.Errorf("session is required")
	case opts.MQTT == nil:
		return nil, fmt.Errorf("MQTT client is required")
	case opts.Discovery == nil:
		return nil, fmt.Errorf("discovery publisher is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	e := &Engine{
		panelID:        opts.PanelID,
		creds:          opts.Credentials,
		remote:         opts.Remote,
		session:        opts.Session,
		mqtt:           opts.MQTT,
		topics:         opts.Topics,
		discovery:      opts.Discovery,
		metrics:        opts.Metrics,
		audit:          opts.Audit,
		qos:            opts.QoS,
		now:            opts.Now,
		pollInterval:   orDefault(opts.PollInterval, defaultPollInterval),
		retryInitial:   orDefault(opts.RetryInitial, defaultRetryInitial),
		retryMax:       orDefault(opts.RetryMax, defaultRetryMax),
		reauthCooldown: orDefault(opts.ReauthCooldown, defaultReauthCooldown),
		commandTimeout: orDefault(opts.CommandTimeout, defaultCommandTimeout),
		pollTimeout:    orDefault(opts.PollTimeout, defaultPollTimeout),
		lastPublished:  make(map[string]string),
		knownSerials:   make(map[string]bool),
		stale:          true,
		pollNow:        make(chan struct{}, 1),
		updates:        newSignal(),
		done:           make(chan struct{}),
		ctx:            ctx,
		ctxCancel:      ctxCancel,
		logger:         opts.Logger,
	}
	if e.qos == 0 {
		e.qos = 1
	}
	if e.now == nil {
		e.now = time.Now
	}

	if opts.HealthInterval > 0 {
		e.health = NewHealthReporter(HealthReporterConfig{
			Version:   opts.Version,
			Interval:  opts.HealthInterval,
			Topic:     opts.Topics.Health(),
			Publisher: opts.MQTT,
			Source:    e,
		})
		if opts.Logger != nil {
			e.health.SetLogger(opts.Logger)
		}
	}

	return e, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start subscribes to the command topics, publishes discovery and starts
// the poll loop. The first poll runs immediately.
func (e *Engine) Start(ctx context.Context) error {
	if e.health != nil {
		if err := e.health.PublishStarting(); err != nil {
			e.logError("failed to publish starting status", err)
		}
	}

	commandTopic := e.topics.AllPanelSets()
	if err := e.mqtt.Subscribe(commandTopic, e.qos, e.handleMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	e.logInfo("subscribed to commands", "topic", commandTopic)

	e.publishDiscovery(nil)
	e.publishStatus()

	e.wg.Add(1)
	go e.pollLoop(ctx)

	if e.health != nil {
		e.health.Start(ctx)
	}

	e.logInfo("bridge started", "panel_id", e.panelID, "poll_interval", e.pollInterval)
	return nil
}

// Stop shuts the engine down and waits for in-flight commands.
// Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.dispatchMu.Lock()
		e.stopped = true
		e.dispatchMu.Unlock()

		close(e.done)
		e.ctxCancel()

		if e.health != nil {
			e.health.Stop()
		}

		e.wg.Wait()
		e.logInfo("bridge stopped")
	})
}

// HandleReconnect republishes discovery and the current status after the
// broker connection is re-established. Wire it to the MQTT on-connect hook.
func (e *Engine) HandleReconnect() {
	e.dispatchMu.RLock()
	defer e.dispatchMu.RUnlock()
	if e.stopped {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.publishDiscovery(nil)
		e.pubMu.Lock()
		e.lastStatus = nil
		e.pubMu.Unlock()
		e.publishStatus()
	}()
}

// PollNow asks the poll loop to run a tick as soon as possible.
func (e *Engine) PollNow() {
	select {
	case e.pollNow <- struct{}{}:
	default:
	}
}

// Snapshot returns the last successful poll result, or nil.
func (e *Engine) Snapshot() *alarm.PanelSnapshot {
	return e.snapshot.Load()
}

// Updates returns a channel closed the next time the snapshot or status
// changes.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates.Wait()
}

// PanelID returns the panel this engine serves.
func (e *Engine) PanelID() string { return e.panelID }

// Status returns the current status message for the panel.
func (e *Engine) Status() StatusMessage {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	return e.statusLocked()
}

// Metrics returns cumulative counters.
func (e *Engine) Metrics() Counters {
	return Counters{
		PollsOK:          e.counters.pollsOK.Load(),
		PollsFailed:      e.counters.pollsFailed.Load(),
		PollsSkipped:     e.counters.pollsSkipped.Load(),
		MessagesSent:     e.counters.messagesSent.Load(),
		CommandsAcked:    e.counters.commandsAcked.Load(),
		CommandsRejected: e.counters.commandsRejected.Load(),
		CommandsFailed:   e.counters.cmdFailed.Load(),
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.loggerMu.Lock()
	e.logger = logger
	e.loggerMu.Unlock()

	if e.health != nil {
		e.health.SetLogger(logger)
	}
}

func (e *Engine) getLogger() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

func (e *Engine) logInfo(msg string, keysAndValues ...any) {
	if logger := e.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (e *Engine) logWarn(msg string, keysAndValues ...any) {
	if logger := e.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (e *Engine) logError(msg string, err error) {
	if logger := e.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (e *Engine) logDebug(msg string, keysAndValues ...any) {
	if logger := e.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// signal is a broadcast: Wait returns a channel closed at the next Notify.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}
