// Package relay assembles the edge relay: vehicle ingestion, flight tracking,
// forwarding through the outbox, the broker session and command routing.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"droneops-edge/internal/broker"
	"droneops-edge/internal/command"
	"droneops-edge/internal/config"
	"droneops-edge/internal/flight"
	"droneops-edge/internal/forward"
	"droneops-edge/internal/metrics"
	"droneops-edge/internal/outbox"
	"droneops-edge/internal/sysinfo"
	"droneops-edge/internal/telemetry"
)

var (
	ErrAlreadyRunning = errors.New("relay already running")
	ErrNotRunning     = errors.New("relay not running")
	// ErrStartFailed wraps the cause when the vehicle link never produced a heartbeat.
	ErrStartFailed = errors.New("relay start failed")
)

type runState int

const (
	stopped runState = iota
	starting
	running
	stopping
)

func (s runState) String() string {
	switch s {
	case starting:
		return "starting"
	case running:
		return "running"
	case stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Deps are the collaborators a Service is built from. Link, Transport and
// Outbox are required; the rest default to no-ops.
type Deps struct {
	Config       *config.Config
	Link         telemetry.Link
	Transport    broker.Transport
	Outbox       *outbox.Store
	Collaborator command.Collaborator
	Sinks        []forward.Sink
	Metrics      *metrics.Relay
	Logger       *slog.Logger
	// SystemInfo overrides sysinfo.Collect for birth payloads.
	SystemInfo func(ctx context.Context) (sysinfo.Snapshot, error)
	Now        func() time.Time
}

// Service is the relay process object. It is safe for concurrent use.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	now     func() time.Time
	sysinfo func(ctx context.Context) (sysinfo.Snapshot, error)
	collab  command.Collaborator
	metrics *metrics.Relay

	source    *telemetry.Source
	tracker   *flight.Tracker
	box       *outbox.Store
	manager   *broker.Manager
	forwarder *forward.Forwarder
	router    *command.Router

	mu      sync.Mutex
	state   runState
	started time.Time
	run     *runHandle
	lastErr error
}

type runHandle struct {
	cancelLoops context.CancelFunc
	loops       *errgroup.Group
	cancelMgr   context.CancelFunc
	mgrDone     chan struct{}
}

// New wires the components. Nothing runs until Start.
func New(d Deps) (*Service, error) {
	if d.Link == nil || d.Transport == nil || d.Outbox == nil {
		return nil, errors.New("relay: link, transport and outbox are required")
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Service{
		cfg:     cfg,
		logger:  d.Logger,
		now:     d.Now,
		sysinfo: d.SystemInfo,
		collab:  d.Collaborator,
		metrics: d.Metrics,
		box:     d.Outbox,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sysinfo == nil {
		s.sysinfo = sysinfo.Collect
	}

	topics := broker.TopicsFor(cfg.MQTT)

	s.source = telemetry.NewSource(d.Link, telemetry.NewAllowList(cfg.MAVLink.AllowList), s.now)
	s.tracker = flight.NewTracker(
		flight.WithClock(s.now),
		flight.WithTransitionHook(s.onTransition),
	)
	s.manager = broker.NewManager(d.Transport, topics, s.birth,
		broker.WithLogger(s.logger.With("component", "broker")),
		broker.WithBackoff(cfg.MQTT.Backoff),
		broker.WithQoS(byte(cfg.MQTT.QoS)),
		broker.WithPublishTimeout(cfg.MQTT.PublishTimeout),
		broker.WithClock(s.now),
	)

	fopts := []forward.Option{
		forward.WithLogger(s.logger.With("component", "forwarder")),
		forward.WithBatch(cfg.Outbox.FlushBatch),
		forward.WithInterval(cfg.Outbox.FlushInterval),
		forward.WithSinks(d.Sinks...),
	}
	ropts := []command.RouterOption{command.WithLogger(s.logger.With("component", "commands"))}
	if d.Metrics != nil {
		fopts = append(fopts, forward.WithObserver(d.Metrics))
		ropts = append(ropts, command.WithObserver(d.Metrics))
	}
	s.forwarder = forward.New(s.manager, d.Outbox, topics.Data, fopts...)
	if s.collab != nil {
		s.router = command.NewRouter(topics, s.collab, ropts...)
	}
	return s, nil
}

// birth renders the NBIRTH payload for a fresh broker session.
func (s *Service) birth(ctx context.Context) ([]byte, error) {
	sys, err := s.sysinfo(ctx)
	if err != nil {
		s.logger.Warn("system snapshot incomplete", "err", err)
	}
	var deployments []any
	if s.collab != nil {
		deployments, err = command.Deployments(ctx, s.collab)
		if err != nil {
			s.logger.Warn("deployment list unavailable", "err", err)
		}
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started.IsZero() {
		started = s.now()
	}
	return broker.NewBirth(s.cfg.MQTT.EdgeID, started, sys, deployments)
}

// Start waits for the vehicle link and launches the relay loops. A link
// that never produces a heartbeat fails with ErrStartFailed and leaves the
// service stopped so a later Start can retry.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = starting
	s.mu.Unlock()

	mc := s.cfg.MAVLink
	s.logger.Info("waiting for vehicle heartbeat", "retries", mc.HeartbeatRetries, "timeout", mc.HeartbeatTimeout)
	if err := s.source.WaitHeartbeat(ctx, mc.HeartbeatRetries, mc.HeartbeatTimeout); err != nil {
		s.mu.Lock()
		s.state = stopped
		s.lastErr = err
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	mgrCtx, cancelMgr := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, cancelLoops := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(loopCtx)
	h := &runHandle{cancelLoops: cancelLoops, loops: g, cancelMgr: cancelMgr, mgrDone: make(chan struct{})}

	s.mu.Lock()
	s.started = s.now()
	s.lastErr = nil
	s.run = h
	s.state = running
	s.mu.Unlock()

	go func() {
		defer close(h.mgrDone)
		if err := s.manager.Run(mgrCtx); err != nil {
			s.logger.Error("broker session abandoned", "err", err)
			s.setErr(err)
		}
	}()
	g.Go(func() error { return s.ingest(gctx) })
	g.Go(func() error { return s.forwarder.Run(gctx) })
	g.Go(func() error { return s.dispatch(gctx) })
	if s.cfg.FlightReportInterval > 0 {
		g.Go(func() error { return s.reportFlight(gctx) })
	}
	go func() {
		if err := g.Wait(); err != nil {
			s.logger.Error("relay loop stopped", "err", err)
			s.fail(h, err)
		}
	}()

	s.logger.Info("relay started", "edge", s.cfg.MQTT.EdgeID, "broker", s.cfg.MQTT.BrokerURL())
	return nil
}

// Stop shuts down in order: ingestion and flush loops, the open flight
// session, the broker run loop, then a graceful disconnect with death.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = stopping
	h := s.run
	s.mu.Unlock()

	h.cancelLoops()
	_ = h.loops.Wait()
	err := s.teardown(ctx, h)
	s.logger.Info("relay stopped")
	return err
}

// fail stops a run whose loops exited with err, so status reports it and a
// later Start can recover.
func (s *Service) fail(h *runHandle, err error) {
	s.mu.Lock()
	s.lastErr = err
	if s.state != running || s.run != h {
		s.mu.Unlock()
		return
	}
	s.state = stopping
	s.mu.Unlock()

	h.cancelLoops()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if derr := s.teardown(ctx, h); derr != nil {
		s.logger.Warn("disconnect after failure", "err", derr)
	}
	s.setErr(err)
	s.logger.Error("relay stopped after failure", "err", err)
}

// teardown runs the shutdown sequence that follows the loops: the open
// flight session, the broker run loop, then a graceful disconnect with death.
func (s *Service) teardown(ctx context.Context, h *runHandle) error {
	if s.tracker.Close() {
		s.logger.Info("closed open flight session on shutdown")
	}
	s.publishFlight(ctx)

	h.cancelMgr()
	select {
	case <-h.mgrDone:
	case <-ctx.Done():
	}

	err := s.manager.Disconnect(ctx)

	if s.router != nil {
		done := make(chan struct{})
		go func() {
			s.router.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("background commands still running at shutdown")
		}
	}

	s.mu.Lock()
	s.state = stopped
	s.run = nil
	s.mu.Unlock()
	return err
}

func (s *Service) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// ingest polls the link and hands allow-listed messages to the forwarder.
func (s *Service) ingest(ctx context.Context) error {
	timeout := s.cfg.MAVLink.PollTimeout
	for {
		res := s.source.Poll(ctx, timeout)
		if ctx.Err() != nil {
			return nil
		}
		switch res.Status {
		case telemetry.StatusTimeout:
			s.logger.Debug("no telemetry within poll window", "timeout", timeout)
			continue
		case telemetry.StatusError:
			if errors.Is(res.Err, telemetry.ErrLinkClosed) {
				return res.Err
			}
			if s.metrics != nil {
				s.metrics.DecodeFailed()
			}
			s.logger.Warn("telemetry poll failed", "err", res.Err)
			continue
		}
		msg := res.Message
		if s.metrics != nil {
			s.metrics.Received(msg.Type)
		}
		if armed, ok := s.source.Armed(msg); ok {
			s.tracker.UpdateAt(armed, msg.CapturedAt)
		}
		if _, err := s.forwarder.Handle(ctx, msg); err != nil {
			if errors.Is(err, forward.ErrUnencodable) {
				s.logger.Warn("dropping message", "type", msg.Type, "err", err)
				continue
			}
			// the outbox refused the message: storage is broken
			return fmt.Errorf("forward %s: %w", msg.Type, err)
		}
	}
}

// dispatch consumes broker events.
func (s *Service) dispatch(ctx context.Context) error {
	events := s.manager.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Kind {
			case broker.EventConnected:
				if s.metrics != nil {
					s.metrics.Connected()
				}
				s.forwarder.Kick()
			case broker.EventDisconnected:
				if s.metrics != nil {
					s.metrics.Disconnected()
				}
			case broker.EventMessage:
				if s.router == nil {
					continue
				}
				action, err := s.router.Route(ctx, ev.Topic, ev.Payload)
				if action == "" && err == nil {
					s.logger.Debug("ignored inbound message", "topic", ev.Topic)
				}
			}
		}
	}
}

func (s *Service) reportFlight(ctx context.Context) error {
	t := time.NewTicker(s.cfg.FlightReportInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.publishFlight(ctx)
			if s.metrics != nil {
				if hb := s.source.Heartbeat(); hb.LastHeartbeat != nil {
					s.metrics.HeartbeatAge(hb.AgeSeconds)
				}
			}
		}
	}
}

func (s *Service) onTransition(tr flight.Transition) {
	s.logger.Info("flight state changed", "from", tr.From, "to", tr.To, "closed_session", tr.Closed)
	if s.metrics != nil {
		s.metrics.Flight(tr.To == flight.Armed, s.tracker.CurrentTotalSeconds())
	}
}

// FlightStatus is the externally visible flight-time view.
type FlightStatus struct {
	State        string     `json:"state"`
	ArmedAt      *time.Time `json:"armed_at,omitempty"`
	TotalSeconds float64    `json:"total_seconds"`
}

// Flight returns the current flight-time totals.
func (s *Service) Flight() FlightStatus {
	snap := s.tracker.Snapshot()
	return FlightStatus{
		State:        s.tracker.State().String(),
		ArmedAt:      snap.ArmedAt,
		TotalSeconds: s.tracker.CurrentTotalSeconds(),
	}
}

// publishFlight sends a FLIGHT_TIME message through the forwarder so it is
// buffered like any other telemetry while the broker is away.
func (s *Service) publishFlight(ctx context.Context) {
	fs := s.Flight()
	fields := map[string]any{
		"total_seconds": fs.TotalSeconds,
		"armed":         fs.State == flight.Armed.String(),
	}
	if fs.ArmedAt != nil {
		fields["armed_at"] = fs.ArmedAt.UTC().Format(time.RFC3339Nano)
	}
	if s.metrics != nil {
		s.metrics.Flight(fs.State == flight.Armed.String(), fs.TotalSeconds)
	}
	msg := telemetry.Message{Type: telemetry.TypeFlight, Fields: fields, CapturedAt: s.now()}
	if _, err := s.forwarder.Handle(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Error("flight report lost", "err", err)
	}
}

// Publish sends an arbitrary JSON message, buffering it when the broker is
// unavailable. An empty topic uses the device data topic.
func (s *Service) Publish(ctx context.Context, topic string, message json.RawMessage) (forward.Outcome, error) {
	if topic == "" {
		topic = s.manager.Topics().Data("")
	}
	return s.forwarder.Send(ctx, topic, message)
}

// Flush runs one flush cycle immediately.
func (s *Service) Flush(ctx context.Context) (int, error) {
	return s.forwarder.Flush(ctx)
}

// Status is the control-surface view of the relay.
type Status struct {
	Running       bool                      `json:"running"`
	State         string                    `json:"state"`
	MQTTConnected bool                      `json:"mqtt_connected"`
	DroneID       string                    `json:"drone_id"`
	StartedAt     *time.Time                `json:"started_at,omitempty"`
	Broker        broker.Status             `json:"broker"`
	Heartbeat     telemetry.HeartbeatStatus `json:"heartbeat"`
	Telemetry     telemetry.Stats           `json:"telemetry"`
	Flight        FlightStatus              `json:"flight"`
	Buffered      int                       `json:"buffered_messages"`
	LastError     string                    `json:"last_error,omitempty"`
}

// Status reports the current running and connection flags.
func (s *Service) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		Running: s.state == running,
		State:   s.state.String(),
		DroneID: s.cfg.MQTT.EdgeID,
	}
	if !s.started.IsZero() && s.state == running {
		at := s.started
		st.StartedAt = &at
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.MQTTConnected = s.manager.IsConnected()
	st.Broker = s.manager.Status()
	st.Heartbeat = s.source.Heartbeat()
	st.Telemetry = s.source.Stats()
	st.Flight = s.Flight()
	if n, err := s.box.Count(ctx); err == nil {
		st.Buffered = n
	}
	return st
}

// Heartbeat reports vehicle-link liveness.
func (s *Service) Heartbeat() telemetry.HeartbeatStatus { return s.source.Heartbeat() }

// Buffer reports the outbox backlog.
func (s *Service) Buffer(ctx context.Context) (outbox.Stats, error) { return s.box.Stats(ctx) }

// Running reports whether the relay loops are active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == running
}

// Connected reports whether the broker session is live.
func (s *Service) Connected() bool { return s.manager.IsConnected() }
