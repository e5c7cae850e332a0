package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps a single publish. Discovery descriptors are the
// largest payloads the bridge sends.
const maxPayloadSize = 64 << 10

// Publish sends payload and waits for the broker acknowledgement.
//
// State, status and discovery are published retained so Home Assistant sees
// the current value on subscribe; command results are not.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkRequest(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrBadRequest, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.paho.Publish(topic, qos, retained, payload), defaultPublishTimeout, ErrPublish)
}

// PublishRetained publishes a retained payload at the configured QoS.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, c.qos, true)
}

// Subscribe routes messages on topic (wildcards allowed) to handler. The
// route survives reconnects. A failed subscribe leaves no route behind.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkRequest(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrBadRequest)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.routesMu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.routesMu.Unlock()

	if err := await(c.paho.Subscribe(topic, qos, c.deliver(handler)), defaultPublishTimeout, ErrSubscribe); err != nil {
		c.routesMu.Lock()
		delete(c.routes, topic)
		c.routesMu.Unlock()
		return err
	}
	return nil
}

// deliver adapts a MessageHandler to paho, recovering panics so one bad
// payload cannot take down the router goroutine.
func (c *Client) deliver(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}

func checkRequest(topic string, qos byte) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrBadRequest)
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: qos %d", ErrBadRequest, qos)
	}
	return nil
}

// await waits for a paho token and wraps its failure in kind.
func await(token pahomqtt.Token, timeout time.Duration, kind error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: no response after %v", kind, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}
