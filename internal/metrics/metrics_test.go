package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"droneops-edge/internal/command"
)

func TestRelayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Published(3)
	m.Buffered()
	m.Buffered()
	m.Replayed(2)
	m.FlushFailed()
	m.BufferDepth(7)
	m.DecodeFailed()

	if got := testutil.ToFloat64(m.published); got != 3 {
		t.Fatalf("expected published 3, got %f", got)
	}
	if got := testutil.ToFloat64(m.buffered); got != 2 {
		t.Fatalf("expected buffered 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.replayed); got != 2 {
		t.Fatalf("expected replayed 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.bufferDepth); got != 7 {
		t.Fatalf("expected depth 7, got %f", got)
	}

	m.Received("ATTITUDE")
	m.Received("ATTITUDE")
	if got := testutil.ToFloat64(m.received.WithLabelValues("ATTITUDE")); got != 2 {
		t.Fatalf("expected 2 ATTITUDE, got %f", got)
	}

	m.Routed(command.ActionDeploy, nil)
	m.Routed(command.ActionDeploy, errors.New("boom"))
	m.Dropped()
	if got := testutil.ToFloat64(m.commands.WithLabelValues("deploy", "error")); got != 1 {
		t.Fatalf("expected 1 failed deploy, got %f", got)
	}
	if got := testutil.ToFloat64(m.cmdDropped); got != 1 {
		t.Fatalf("expected 1 dropped, got %f", got)
	}

	m.Connected()
	m.Connected()
	m.Disconnected()
	if got := testutil.ToFloat64(m.connects); got != 2 {
		t.Fatalf("expected 2 connects, got %f", got)
	}
	if got := testutil.ToFloat64(m.connected); got != 0 {
		t.Fatalf("expected disconnected gauge, got %f", got)
	}

	m.Flight(true, 42.5)
	if got := testutil.ToFloat64(m.armed); got != 1 {
		t.Fatalf("expected armed, got %f", got)
	}
	if got := testutil.ToFloat64(m.flightTotal); got != 42.5 {
		t.Fatalf("expected 42.5s, got %f", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.HeartbeatAge(1.5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "edge_heartbeat_age_seconds 1.5") {
		t.Fatalf("metrics output missing heartbeat gauge:\n%s", body)
	}
}

func TestNewUsesDefaultRegistry(t *testing.T) {
	origReg := prometheus.DefaultRegisterer
	origGatherer := prometheus.DefaultGatherer
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGatherer
	})
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := New(nil)
	m.Published(1)
	if n := testutil.CollectAndCount(reg, "edge_messages_published_total"); n != 1 {
		t.Fatalf("expected published counter on default registry, got %d", n)
	}
}
