package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"droneops-edge/internal/relay"
	"droneops-edge/internal/telemetry"
)

type stubFetcher struct {
	st  relay.Status
	err error
}

func (s stubFetcher) Fetch(context.Context) (relay.Status, error) { return s.st, s.err }

func sampleStatus() relay.Status {
	return relay.Status{
		Running:       true,
		State:         "running",
		MQTTConnected: true,
		DroneID:       "E1",
		Heartbeat:     telemetry.HeartbeatStatus{Status: "alive", AgeSeconds: 0.4},
		Flight:        relay.FlightStatus{State: "armed", TotalSeconds: 125.5},
		Buffered:      7,
	}
}

func TestStatusUpdatesTable(t *testing.T) {
	m := newModel(stubFetcher{}, time.Second)
	mi, cmd := m.Update(statusMsg{sampleStatus()})
	m = mi.(model)
	if cmd == nil {
		t.Fatalf("expected a tick to be scheduled")
	}
	view := m.View()
	for _, want := range []string{"Edge relay E1", "armed 125.5s", "alive", "7"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestPollProducesMessages(t *testing.T) {
	m := newModel(stubFetcher{st: sampleStatus()}, time.Second)
	msg := m.Init()()
	if _, ok := msg.(statusMsg); !ok {
		t.Fatalf("expected statusMsg, got %T", msg)
	}
	m = newModel(stubFetcher{err: errors.New("connection refused")}, time.Second)
	msg = m.poll()()
	em, ok := msg.(errMsg)
	if !ok {
		t.Fatalf("expected errMsg, got %T", msg)
	}
	mi, _ := m.Update(em)
	if !strings.Contains(mi.(model).View(), "connection refused") {
		t.Fatalf("expected fetch error in view")
	}
}

func TestWrapToggle(t *testing.T) {
	st := sampleStatus()
	st.LastError = "one two three four five six seven eight"
	m := newModel(stubFetcher{}, time.Second)
	mi, _ := m.Update(tea.WindowSizeMsg{Width: 12, Height: 30})
	m = mi.(model)
	mi, _ = m.Update(statusMsg{st})
	m = mi.(model)
	if strings.Contains(m.View(), st.LastError) {
		t.Fatalf("expected error line to be wrapped:\n%s", m.View())
	}
	mi, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'w'}})
	m = mi.(model)
	if m.wrap {
		t.Fatalf("wrap not toggled")
	}
	if !strings.Contains(m.View(), st.LastError) {
		t.Fatalf("expected unwrapped error line")
	}
}

func TestQuitKey(t *testing.T) {
	m := newModel(stubFetcher{}, time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected QuitMsg")
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(sampleStatus())
	}))
	defer srv.Close()

	st, err := HTTPFetcher{BaseURL: srv.URL + "/"}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if st.DroneID != "E1" || st.Buffered != 7 {
		t.Fatalf("unexpected status %+v", st)
	}

	_, err = HTTPFetcher{BaseURL: srv.URL + "/missing"}.Fetch(context.Background())
	if err == nil {
		t.Fatalf("expected error for non-200")
	}
}
