package mqtt

import "errors"

// Errors returned by the client. Match with errors.Is.
var (
	// ErrNotConnected means the broker link is down. Publishes are not
	// queued; the bridge republishes on its next tick.
	ErrNotConnected = errors.New("mqtt: not connected")

	ErrConnect   = errors.New("mqtt: connect failed")
	ErrPublish   = errors.New("mqtt: publish failed")
	ErrSubscribe = errors.New("mqtt: subscribe failed")

	// ErrBadRequest covers an empty topic, QoS above 2, a nil handler or an
	// oversized payload.
	ErrBadRequest = errors.New("mqtt: bad request")
)
