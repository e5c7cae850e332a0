package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/sector-bridge/internal/infrastructure/config"
)

// Client is the bridge's broker connection.
//
// It owns the availability topic (LWT "offline", "online" on every
// connect) and re-subscribes the command topic after a reconnect, then
// runs the OnConnect hook so the engine can republish discovery.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	paho   pahomqtt.Client
	qos    byte
	topics Topics

	connected atomic.Bool

	// routes are re-subscribed on every connect.
	routesMu sync.Mutex
	routes   map[string]route

	hooksMu      sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type route struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message.
//
// Handlers run on the paho router goroutine and must not block on network
// I/O; hand long work to a goroutine. A returned error is logged only.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and blocks until the first CONNACK or
// defaultConnectTimeout. Auto-reconnect is on from then on.
func Connect(cfg config.MQTTConfig, topics Topics) (*Client, error) {
	c := &Client{
		qos:    byte(cfg.QoS),
		topics: topics,
		routes: make(map[string]route),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, topics.Availability())
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connectionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.connectionDown(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.warn("MQTT reconnecting", "client_id", cfg.Broker.ClientID)
	})

	c.paho = pahomqtt.NewClient(opts)
	if err := await(c.paho.Connect(), defaultConnectTimeout, ErrConnect); err != nil {
		return nil, err
	}

	// The paho connect handler runs on its own goroutine; callers may
	// publish as soon as Connect returns.
	c.connected.Store(true)
	return c, nil
}

func (c *Client) connectionUp() {
	c.connected.Store(true)

	c.routesMu.Lock()
	for topic, r := range c.routes {
		// Failures surface on the token; the next reconnect retries.
		c.paho.Subscribe(topic, r.qos, c.deliver(r.handler))
	}
	c.routesMu.Unlock()

	c.paho.Publish(c.topics.Availability(), c.qos, true, availabilityOnline)

	c.hooksMu.RLock()
	hook := c.onConnect
	c.hooksMu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (c *Client) connectionDown(err error) {
	c.connected.Store(false)

	c.hooksMu.RLock()
	hook := c.onDisconnect
	c.hooksMu.RUnlock()
	if hook != nil {
		hook(err)
	}
}

// Close marks the bridge offline and disconnects.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		c.paho.Publish(c.topics.Availability(), c.qos, true, availabilityOffline).WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the link state as last seen by paho.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.connected.Load() && c.paho.IsConnected()
}

// SetOnConnect runs fn after the initial connect and every reconnect, once
// subscriptions are restored.
func (c *Client) SetOnConnect(fn func()) {
	c.hooksMu.Lock()
	c.onConnect = fn
	c.hooksMu.Unlock()
}

// SetOnDisconnect runs fn when the connection is lost.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.hooksMu.Lock()
	c.onDisconnect = fn
	c.hooksMu.Unlock()
}

// SetLogger sets the logger for handler failures and reconnects.
func (c *Client) SetLogger(logger Logger) {
	c.hooksMu.Lock()
	c.logger = logger
	c.hooksMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.logger
}

func (c *Client) warn(msg string, args ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, args...)
	}
}
