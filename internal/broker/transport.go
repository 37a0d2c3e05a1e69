package broker

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized is returned by a Transport when the broker refuses the credentials.
var ErrUnauthorized = errors.New("broker refused credentials")

// Will is the last-will registered with the broker before connecting.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Handlers receive transport callbacks. They must not block for long.
type Handlers struct {
	OnMessage func(topic string, payload []byte)
	OnLost    func(err error)
}

// Transport is the broker wire capability. Implementations deliver inbound
// messages and connection loss through the Handlers given to Connect.
type Transport interface {
	Connect(ctx context.Context, will Will, h Handlers) error
	Subscribe(ctx context.Context, filters []string, qos byte) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Disconnect(quiesce time.Duration)
}
