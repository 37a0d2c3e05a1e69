package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	"droneops-edge/internal/config"
)

// PahoTransport implements Transport on the Eclipse Paho MQTT client.
// Reconnection is left to the Manager so every new session gets a birth.
type PahoTransport struct {
	cfg       config.MQTT
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

// NewPahoTransport returns a transport for the configured broker.
func NewPahoTransport(cfg config.MQTT) *PahoTransport {
	if cfg.ClientID == "" {
		cfg.ClientID = cfg.EdgeID + "-" + uuid.NewString()[:8]
	}
	return &PahoTransport{cfg: cfg, newClient: mqtt.NewClient}
}

func (p *PahoTransport) options(will Will, h Handlers) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL()).
		SetClientID(p.cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(p.cfg.KeepAlive).
		SetConnectTimeout(p.cfg.ConnectTimeout).
		SetWriteTimeout(p.cfg.PublishTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetBinaryWill(will.Topic, will.Payload, will.QoS, will.Retained).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			if h.OnMessage != nil {
				h.OnMessage(msg.Topic(), msg.Payload())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if h.OnLost != nil {
				h.OnLost(err)
			}
		})
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// Connect dials the broker with will registered.
func (p *PahoTransport) Connect(ctx context.Context, will Will, h Handlers) error {
	client := p.newClient(p.options(will, h))
	if err := wait(ctx, client.Connect()); err != nil {
		// stop a dial still running after the deadline
		client.Disconnect(0)
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return err
	}
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

func (p *PahoTransport) current() (mqtt.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || !p.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return p.client, nil
}

// Subscribe subscribes every filter; messages arrive on the default handler.
func (p *PahoTransport) Subscribe(ctx context.Context, filters []string, qos byte) error {
	c, err := p.current()
	if err != nil {
		return err
	}
	m := make(map[string]byte, len(filters))
	for _, f := range filters {
		m[f] = qos
	}
	return wait(ctx, c.SubscribeMultiple(m, nil))
}

// Publish sends one message and waits for the broker acknowledgement.
func (p *PahoTransport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	c, err := p.current()
	if err != nil {
		return err
	}
	return wait(ctx, c.Publish(topic, qos, retained, payload))
}

// Disconnect closes the client after waiting up to quiesce for in-flight work.
func (p *PahoTransport) Disconnect(quiesce time.Duration) {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.mu.Unlock()
	if c != nil {
		c.Disconnect(uint(quiesce.Milliseconds()))
	}
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
