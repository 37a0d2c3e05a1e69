// Package forward publishes telemetry directly when possible and through the
// durable outbox otherwise.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"droneops-edge/internal/outbox"
	"droneops-edge/internal/telemetry"
)

// Publisher is the broker capability the forwarder needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
	IsConnected() bool
}

// Outbox is the durable queue the forwarder falls back to.
type Outbox interface {
	Enqueue(ctx context.Context, topic string, payload []byte) (int64, error)
	Drain(ctx context.Context, max int) ([]outbox.Record, error)
	Remove(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
}

// Sink receives a copy of every handled message (archive, time-series mirror).
type Sink interface {
	Write(msg telemetry.Message) error
}

// Observer is notified of forwarding outcomes.
type Observer interface {
	Published(n int)
	Buffered()
	Replayed(n int)
	FlushFailed()
	BufferDepth(n int)
	DecodeFailed()
}

type nopObserver struct{}

func (nopObserver) Published(int)   {}
func (nopObserver) Buffered()       {}
func (nopObserver) Replayed(int)    {}
func (nopObserver) FlushFailed()    {}
func (nopObserver) BufferDepth(int) {}
func (nopObserver) DecodeFailed()   {}

// ErrUnencodable marks a message whose fields cannot be rendered as a payload,
// such as a NaN float. The message is dropped; the relay keeps running.
var ErrUnencodable = errors.New("message cannot be encoded")

// Outcome tells a caller whether a message went out, was queued or was dropped.
type Outcome int

const (
	Published Outcome = iota
	Buffered
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Published:
		return "published"
	case Dropped:
		return "dropped"
	default:
		return "buffered"
	}
}

// Forwarder implements handle, flush and the flush loop.
type Forwarder struct {
	pub      Publisher
	box      Outbox
	topic    func(device string) string
	sinks    []Sink
	obs      Observer
	logger   *slog.Logger
	batch    int
	interval time.Duration

	flights singleflight.Group
	kick    chan struct{}
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithSinks adds message sinks.
func WithSinks(s ...Sink) Option { return func(f *Forwarder) { f.sinks = append(f.sinks, s...) } }

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option { return func(f *Forwarder) { f.obs = o } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Forwarder) { f.logger = l } }

// WithBatch sets the maximum records replayed per flush.
func WithBatch(n int) Option { return func(f *Forwarder) { f.batch = n } }

// WithInterval sets the flush cadence.
func WithInterval(d time.Duration) Option { return func(f *Forwarder) { f.interval = d } }

// New returns a Forwarder. topic maps a device name to its DDATA topic.
func New(pub Publisher, box Outbox, topic func(device string) string, opts ...Option) *Forwarder {
	f := &Forwarder{
		pub:      pub,
		box:      box,
		topic:    topic,
		obs:      nopObserver{},
		logger:   slog.Default(),
		batch:    10,
		interval: time.Second,
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Handle publishes msg on the device data topic, buffering it on failure.
// An error means the message could not be buffered either.
func (f *Forwarder) Handle(ctx context.Context, msg telemetry.Message) (Outcome, error) {
	payload, err := telemetry.EncodePayload(msg)
	if err != nil {
		f.obs.DecodeFailed()
		return Dropped, fmt.Errorf("%w: %w", ErrUnencodable, err)
	}
	for _, s := range f.sinks {
		if err := s.Write(msg); err != nil {
			f.logger.Warn("sink write failed", "type", msg.Type, "err", err)
		}
	}
	device := ""
	if msg.Type == telemetry.TypeFlight {
		device = "flight"
	}
	return f.Send(ctx, f.topic(device), payload)
}

// Send publishes payload on topic or enqueues it.
func (f *Forwarder) Send(ctx context.Context, topic string, payload []byte) (Outcome, error) {
	err := f.pub.Publish(topic, payload)
	if err == nil {
		f.obs.Published(1)
		return Published, nil
	}
	f.logger.Debug("direct publish failed, buffering", "topic", topic, "err", err)
	if _, err := f.box.Enqueue(ctx, topic, payload); err != nil {
		return Buffered, fmt.Errorf("buffer message for %s: %w", topic, err)
	}
	f.obs.Buffered()
	return Buffered, nil
}

// Flush replays up to the batch size of outbox records in order, stopping at
// the first publish failure. Concurrent calls share one run.
func (f *Forwarder) Flush(ctx context.Context) (int, error) {
	v, err, _ := f.flights.Do("flush", func() (any, error) {
		return f.flush(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (f *Forwarder) flush(ctx context.Context) (int, error) {
	if !f.pub.IsConnected() {
		return 0, nil
	}
	recs, err := f.box.Drain(ctx, f.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, r := range recs {
		if err := f.pub.Publish(r.Topic, r.Payload); err != nil {
			f.obs.FlushFailed()
			f.logger.Warn("replay stopped", "id", r.ID, "topic", r.Topic, "err", err)
			break
		}
		// a crash here replays r again: at-least-once
		if err := f.box.Remove(ctx, r.ID); err != nil {
			f.obs.Replayed(sent)
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		f.obs.Replayed(sent)
		f.logger.Info("flushed outbox", "count", sent)
	}
	return sent, nil
}

// Kick requests a flush before the next tick.
func (f *Forwarder) Kick() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Run flushes on every tick (or Kick) while connected, until ctx ends.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-f.kick:
		}
		if _, err := f.Flush(ctx); err != nil && ctx.Err() == nil {
			f.logger.Error("flush failed", "err", err)
		}
		if n, err := f.box.Count(ctx); err == nil {
			f.obs.BufferDepth(n)
		}
	}
}
