// Package metrics exposes relay counters and gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"droneops-edge/internal/command"
)

// Relay holds every relay collector. It satisfies forward.Observer and
// command.Observer.
type Relay struct {
	gatherer prometheus.Gatherer

	published   prometheus.Counter
	buffered    prometheus.Counter
	replayed    prometheus.Counter
	flushFailed prometheus.Counter
	decodeFail  prometheus.Counter
	bufferDepth prometheus.Gauge

	received   *prometheus.CounterVec
	commands   *prometheus.CounterVec
	cmdDropped prometheus.Counter

	connected   prometheus.Gauge
	connects    prometheus.Counter
	armed       prometheus.Gauge
	flightTotal prometheus.Gauge
	hbAge       prometheus.Gauge
}

// New registers the relay collectors on reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Relay {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	r := &Relay{
		gatherer: gatherer,
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_messages_published_total",
			Help: "Telemetry messages published directly to the broker.",
		}),
		buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_messages_buffered_total",
			Help: "Telemetry messages written to the outbox after a failed publish.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_outbox_replayed_total",
			Help: "Outbox records published and removed by the flush cycle.",
		}),
		flushFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_outbox_flush_failures_total",
			Help: "Flush cycles stopped early by a publish failure.",
		}),
		decodeFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_decode_failures_total",
			Help: "Telemetry messages dropped because they could not be decoded or encoded.",
		}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_outbox_depth",
			Help: "Records pending in the outbox.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_telemetry_received_total",
			Help: "Allow-listed telemetry messages received from the vehicle link.",
		}, []string{"type"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_commands_total",
			Help: "Inbound commands forwarded to a collaborator.",
		}, []string{"action", "result"}),
		cmdDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_commands_dropped_total",
			Help: "Inbound commands dropped as malformed or unknown.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_broker_connected",
			Help: "1 while the broker session is up.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_broker_connects_total",
			Help: "Successful broker sessions, including reconnects.",
		}),
		armed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_vehicle_armed",
			Help: "1 while the vehicle reports armed.",
		}),
		flightTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_flight_seconds",
			Help: "Cumulative armed time including the open session.",
		}),
		hbAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_heartbeat_age_seconds",
			Help: "Seconds since the last vehicle heartbeat.",
		}),
	}
	reg.MustRegister(
		r.published, r.buffered, r.replayed, r.flushFailed, r.decodeFail, r.bufferDepth,
		r.received, r.commands, r.cmdDropped,
		r.connected, r.connects, r.armed, r.flightTotal, r.hbAge,
	)
	return r
}

// Handler serves the registry the collectors were registered on.
func (r *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Relay) Published(n int)   { r.published.Add(float64(n)) }
func (r *Relay) Buffered()         { r.buffered.Inc() }
func (r *Relay) Replayed(n int)    { r.replayed.Add(float64(n)) }
func (r *Relay) FlushFailed()      { r.flushFailed.Inc() }
func (r *Relay) BufferDepth(n int) { r.bufferDepth.Set(float64(n)) }
func (r *Relay) DecodeFailed()     { r.decodeFail.Inc() }

// Received counts one telemetry message of typ.
func (r *Relay) Received(typ string) { r.received.WithLabelValues(typ).Inc() }

// Routed counts a forwarded command by outcome.
func (r *Relay) Routed(a command.Action, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.commands.WithLabelValues(string(a), result).Inc()
}

// Dropped counts a rejected command.
func (r *Relay) Dropped() { r.cmdDropped.Inc() }

// Connected records a new broker session.
func (r *Relay) Connected() {
	r.connects.Inc()
	r.connected.Set(1)
}

// Disconnected records a session loss.
func (r *Relay) Disconnected() { r.connected.Set(0) }

// Flight records the tracker state.
func (r *Relay) Flight(armed bool, totalSeconds float64) {
	if armed {
		r.armed.Set(1)
	} else {
		r.armed.Set(0)
	}
	r.flightTotal.Set(totalSeconds)
}

// HeartbeatAge records the link liveness.
func (r *Relay) HeartbeatAge(seconds float64) { r.hbAge.Set(seconds) }
