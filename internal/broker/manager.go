// Package broker owns the broker session: last-will, connect with backoff,
// birth and subscriptions on every connect, and graceful death on disconnect.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"droneops-edge/internal/config"
)

// ErrNotConnected is returned by Publish when there is no live session.
var ErrNotConnected = errors.New("broker not connected")

// State is the session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventKind distinguishes entries on the event channel.
type EventKind int

const (
	EventMessage EventKind = iota
	EventConnected
	EventDisconnected
)

// Event is an inbound message or a state change.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	Err     error
}

// BirthFunc renders the birth payload for a fresh session.
type BirthFunc func(ctx context.Context) ([]byte, error)

// Status is a point-in-time view of the session.
type Status struct {
	State          string     `json:"state"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
	Connects       int        `json:"connects"`
	LastError      string     `json:"last_error,omitempty"`
}

// Manager drives a Transport through the session lifecycle.
type Manager struct {
	transport Transport
	topics    Topics
	birth     BirthFunc
	policy    config.Backoff
	qos       byte
	timeout   time.Duration
	// failures in a row before a live session is declared lost
	failureLimit int
	logger       *slog.Logger
	now          func() time.Time

	events chan Event
	lost   chan error

	mu        sync.Mutex
	state     State
	since     time.Time
	connects  int
	failures  int
	lastErr   error
	sessionID uint64
	// set when the transport reports a loss before the session is declared Connected
	earlyLoss error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithBackoff sets the reconnect policy.
func WithBackoff(b config.Backoff) Option { return func(m *Manager) { m.policy = b } }

// WithQoS sets the QoS used for publishes and subscriptions.
func WithQoS(q byte) Option { return func(m *Manager) { m.qos = q } }

// WithPublishTimeout bounds every broker round trip.
func WithPublishTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// WithFailureLimit sets how many consecutive publish failures drop the session.
func WithFailureLimit(n int) Option { return func(m *Manager) { m.failureLimit = n } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager returns a disconnected manager.
func NewManager(t Transport, topics Topics, birth BirthFunc, opts ...Option) *Manager {
	m := &Manager{
		transport:    t,
		topics:       topics,
		birth:        birth,
		policy:       config.Backoff{Initial: time.Second, MaxInterval: 30 * time.Second},
		qos:          1,
		timeout:      5 * time.Second,
		failureLimit: 3,
		logger:       slog.Default(),
		now:          time.Now,
		events:       make(chan Event, 256),
		lost:         make(chan error, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Events delivers inbound messages and state changes.
func (m *Manager) Events() <-chan Event { return m.events }

// Topics returns the manager's topic builder.
func (m *Manager) Topics() Topics { return m.topics }

// Will returns the standard last-will for this edge.
func (m *Manager) Will() Will {
	return Will{
		Topic:    m.topics.Death(),
		Payload:  NewDeath(m.topics.Edge, StatusOffline, m.now()),
		QoS:      1,
		Retained: true,
	}
}

// IsConnected reports whether a session is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected
}

// Status returns the current session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state.String(), Connects: m.connects}
	if m.state == Connected {
		since := m.since
		st.ConnectedSince = &since
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Connect registers will and dials with capped exponential backoff. On
// success it publishes birth and subscribes the fixed topic set.
func (m *Manager) Connect(ctx context.Context, will Will) error {
	m.setState(Connecting, nil)

	b := backoff.NewExponentialBackOff()
	if m.policy.Initial > 0 {
		b.InitialInterval = m.policy.Initial
	}
	if m.policy.MaxInterval > 0 {
		b.MaxInterval = m.policy.MaxInterval
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := m.establish(ctx, will)
		if errors.Is(err, ErrUnauthorized) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(m.policy.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("broker connect failed", "attempt", attempt, "retry_in", next, "err", err)
		}),
	)
	if err != nil {
		m.setState(Disconnected, err)
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

// establish runs one connect, birth and subscribe sequence.
func (m *Manager) establish(ctx context.Context, will Will) error {
	m.mu.Lock()
	m.sessionID++
	session := m.sessionID
	m.earlyLoss = nil
	m.mu.Unlock()

	h := Handlers{
		OnMessage: m.deliver,
		OnLost:    func(err error) { m.connectionLost(session, err) },
	}
	cctx, cancel := context.WithTimeout(ctx, m.timeout*2)
	defer cancel()
	if err := m.transport.Connect(cctx, will, h); err != nil {
		return err
	}

	birth, err := m.birth(ctx)
	if err != nil {
		m.transport.Disconnect(0)
		return fmt.Errorf("build birth: %w", err)
	}
	pctx, pcancel := context.WithTimeout(ctx, m.timeout)
	defer pcancel()
	if err := m.transport.Publish(pctx, m.topics.Birth(), birth, m.qos, true); err != nil {
		m.transport.Disconnect(0)
		return fmt.Errorf("publish birth: %w", err)
	}
	if err := m.transport.Subscribe(pctx, m.topics.Subscriptions(), m.qos); err != nil {
		m.transport.Disconnect(0)
		return fmt.Errorf("subscribe: %w", err)
	}

	// drop a loss signal left over from the previous session
	select {
	case <-m.lost:
	default:
	}

	m.mu.Lock()
	if lost := m.earlyLoss; lost != nil {
		m.mu.Unlock()
		m.transport.Disconnect(0)
		return fmt.Errorf("connection lost during setup: %w", lost)
	}
	m.state = Connected
	m.since = m.now()
	m.connects++
	m.failures = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("broker connected", "birth_topic", m.topics.Birth(), "subscriptions", m.topics.Subscriptions())
	m.emit(Event{Kind: EventConnected})
	return nil
}

// Run keeps the session alive until ctx ends, reconnecting after every loss.
// It returns nil on cancellation and an error when the policy gives up.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if !m.IsConnected() {
			if err := m.Connect(ctx, m.Will()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-m.lost:
			m.logger.Warn("broker connection lost", "err", err)
		}
	}
}

// Publish sends payload on topic. It fails fast with ErrNotConnected when
// there is no live session.
func (m *Manager) Publish(topic string, payload []byte) error {
	return m.publish(topic, payload, false)
}

// PublishRetained is Publish with the retain flag set.
func (m *Manager) PublishRetained(topic string, payload []byte) error {
	return m.publish(topic, payload, true)
}

func (m *Manager) publish(topic string, payload []byte, retained bool) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	err := m.transport.Publish(ctx, topic, payload, m.qos, retained)
	m.mu.Lock()
	if err == nil {
		m.failures = 0
		m.mu.Unlock()
		return nil
	}
	m.failures++
	tooMany := m.failureLimit > 0 && m.failures >= m.failureLimit
	session := m.sessionID
	m.mu.Unlock()
	if tooMany {
		m.transport.Disconnect(0)
		m.connectionLost(session, fmt.Errorf("%d consecutive publish failures: %w", m.failureLimit, err))
	}
	return err
}

// Disconnect publishes the death message and tears the transport down.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	wasConnected := m.state == Connected
	m.state = Disconnected
	m.sessionID++
	m.mu.Unlock()

	var err error
	if wasConnected {
		death := NewDeath(m.topics.Edge, StatusDisconnect, m.now())
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		err = m.transport.Publish(pctx, m.topics.Death(), death, 1, true)
		cancel()
		if err != nil {
			m.logger.Error("publish death failed", "err", err)
			err = fmt.Errorf("publish death: %w", err)
		}
	}
	m.transport.Disconnect(250 * time.Millisecond)
	if wasConnected {
		m.emit(Event{Kind: EventDisconnected})
	}
	m.logger.Info("broker disconnected", "graceful", wasConnected)
	return err
}

// connectionLost handles an unclean drop. The broker delivers the last-will.
func (m *Manager) connectionLost(session uint64, err error) {
	m.mu.Lock()
	if session != m.sessionID {
		m.mu.Unlock()
		return
	}
	if m.state != Connected {
		if m.earlyLoss == nil {
			m.earlyLoss = err
			if m.earlyLoss == nil {
				m.earlyLoss = ErrNotConnected
			}
		}
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	m.lastErr = err
	m.mu.Unlock()

	m.emit(Event{Kind: EventDisconnected, Err: err})
	select {
	case m.lost <- err:
	default:
	}
}

func (m *Manager) deliver(topic string, payload []byte) {
	m.emit(Event{Kind: EventMessage, Topic: topic, Payload: payload})
}

// emit never blocks the transport; a full queue drops the event.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event queue full, dropping event", "kind", ev.Kind, "topic", ev.Topic)
	}
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	m.state = s
	if err != nil {
		m.lastErr = err
	}
	m.mu.Unlock()
}
