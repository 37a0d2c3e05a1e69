package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"droneops-edge/internal/forward"
	"droneops-edge/internal/outbox"
	"droneops-edge/internal/relay"
	"droneops-edge/internal/telemetry"
)

type fakeRelay struct {
	running   bool
	connected bool
	startErr  error
	buffered  int
	published []string
}

func (f *fakeRelay) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return relay.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeRelay) Stop(context.Context) error {
	if !f.running {
		return relay.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeRelay) Status(context.Context) relay.Status {
	state := "stopped"
	if f.running {
		state = "running"
	}
	return relay.Status{
		Running:       f.running,
		State:         state,
		MQTTConnected: f.connected,
		DroneID:       "E1",
		Heartbeat:     telemetry.HeartbeatStatus{Status: "alive"},
		Buffered:      f.buffered,
	}
}

func (f *fakeRelay) Buffer(context.Context) (outbox.Stats, error) {
	return outbox.Stats{Pending: f.buffered}, nil
}

func (f *fakeRelay) Heartbeat() telemetry.HeartbeatStatus {
	return telemetry.HeartbeatStatus{Status: "alive", AgeSeconds: 1}
}

func (f *fakeRelay) Flight() relay.FlightStatus {
	return relay.FlightStatus{State: "armed", TotalSeconds: 42}
}

func (f *fakeRelay) Publish(_ context.Context, topic string, msg json.RawMessage) (forward.Outcome, error) {
	f.published = append(f.published, topic+" "+string(msg))
	if !f.connected {
		f.buffered++
		return forward.Buffered, nil
	}
	return forward.Published, nil
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStartStop(t *testing.T) {
	fr := &fakeRelay{}
	server := NewServer(fr, nil, nil)

	// Start the relay
	if w := do(t, server, http.MethodPost, "/start", ""); w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %v", w.Code)
	}
	if !fr.running {
		t.Errorf("Expected relay to be running")
	}

	// A second start conflicts
	if w := do(t, server, http.MethodPost, "/start", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected status Conflict, got %v", w.Code)
	}

	if w := do(t, server, http.MethodPost, "/stop", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status OK on stop, got %v", w.Code)
	}
	if w := do(t, server, http.MethodPost, "/stop", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected status Conflict on second stop, got %v", w.Code)
	}
}

func TestStartFailureKeepsServing(t *testing.T) {
	fr := &fakeRelay{startErr: fmt.Errorf("%w: no heartbeat after 10 attempts", relay.ErrStartFailed)}
	server := NewServer(fr, nil, nil)

	w := do(t, server, http.MethodPost, "/start", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status ServiceUnavailable, got %v", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if !strings.Contains(body["error"], "no heartbeat") {
		t.Errorf("Expected heartbeat error, got %q", body["error"])
	}

	// Status still answers
	if w := do(t, server, http.MethodGet, "/status", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status OK, got %v", w.Code)
	}
}

func TestStatusAndHealth(t *testing.T) {
	fr := &fakeRelay{running: true, connected: true, buffered: 3}
	server := NewServer(fr, nil, nil)

	w := do(t, server, http.MethodGet, "/status", "")
	var st relay.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Running || !st.MQTTConnected || st.Buffered != 3 {
		t.Errorf("Unexpected status %+v", st)
	}

	w = do(t, server, http.MethodGet, "/health", "")
	var health map[string]any
	json.NewDecoder(w.Body).Decode(&health)
	if health["status"] != "ok" || health["mqtt_connected"] != true {
		t.Errorf("Unexpected health %v", health)
	}

	w = do(t, server, http.MethodGet, "/buffer/status", "")
	var buf map[string]any
	json.NewDecoder(w.Body).Decode(&buf)
	if buf["buffered_messages"] != float64(3) {
		t.Errorf("Expected 3 buffered messages, got %v", buf)
	}
}

func TestPublishCodes(t *testing.T) {
	fr := &fakeRelay{connected: true}
	server := NewServer(fr, nil, nil)

	if w := do(t, server, http.MethodPost, "/publish", `{"message":{"a":1}}`); w.Code != http.StatusOK {
		t.Errorf("Expected 200 when published, got %v", w.Code)
	}

	fr.connected = false
	w := do(t, server, http.MethodPost, "/publish", `{"topic":"x/y","message":{"a":2}}`)
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected 202 when buffered, got %v", w.Code)
	}
	if fr.published[1] != `x/y {"a":2}` {
		t.Errorf("Unexpected publish %q", fr.published[1])
	}

	for _, body := range []string{`not json`, `{}`, `{"message":null}`} {
		if w := do(t, server, http.MethodPost, "/publish", body); w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %v", body, w.Code)
		}
	}
	if len(fr.published) != 2 {
		t.Errorf("Bad requests must not publish, got %d publishes", len(fr.published))
	}
}

type failingRelay struct{ fakeRelay }

func (failingRelay) Publish(context.Context, string, json.RawMessage) (forward.Outcome, error) {
	return forward.Buffered, errors.New("disk full")
}

func TestPublishStorageFailure(t *testing.T) {
	server := NewServer(&failingRelay{}, nil, nil)
	if w := do(t, server, http.MethodPost, "/publish", `{"message":"x"}`); w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %v", w.Code)
	}
}

func TestIndexAndExtras(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("edge_up 1\n")) })
	server := NewServer(&fakeRelay{running: true}, metrics, nil)

	w := do(t, server, http.MethodGet, "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Edge relay E1") {
		t.Errorf("Unexpected index: %v %s", w.Code, w.Body.String())
	}
	if w := do(t, server, http.MethodGet, "/heartbeat/status", ""); !strings.Contains(w.Body.String(), "alive") {
		t.Errorf("Unexpected heartbeat body %s", w.Body.String())
	}
	if w := do(t, server, http.MethodGet, "/flight", ""); !strings.Contains(w.Body.String(), `"total_seconds":42`) {
		t.Errorf("Unexpected flight body %s", w.Body.String())
	}
	if w := do(t, server, http.MethodGet, "/metrics", ""); w.Body.String() != "edge_up 1\n" {
		t.Errorf("Unexpected metrics body %s", w.Body.String())
	}
	if w := do(t, server, http.MethodGet, "/start", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET /start, got %v", w.Code)
	}
}
