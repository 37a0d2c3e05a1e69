// Package monitor is a terminal view of a running relay's control surface.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"droneops-edge/internal/relay"
)

// Fetcher returns the relay status.
type Fetcher interface {
	Fetch(ctx context.Context) (relay.Status, error)
}

// HTTPFetcher reads GET /status from a relay control surface.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// Fetch implements Fetcher.
func (h HTTPFetcher) Fetch(ctx context.Context) (relay.Status, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(h.BaseURL, "/")+"/status", nil)
	if err != nil {
		return relay.Status{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return relay.Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return relay.Status{}, fmt.Errorf("GET /status: %s", resp.Status)
	}
	var st relay.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return relay.Status{}, err
	}
	return st, nil
}

type tickMsg struct{}

type statusMsg struct{ relay.Status }

type errMsg struct{ err error }

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type model struct {
	fetch    Fetcher
	interval time.Duration
	table    table.Model
	status   relay.Status
	err      error
	updated  time.Time
	width    int
	wrap     bool
}

func newModel(f Fetcher, interval time.Duration) model {
	cols := []table.Column{
		{Title: "Field", Width: 20},
		{Title: "Value", Width: 40},
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(12))
	return model{fetch: f, interval: interval, table: t, wrap: true}
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := m.fetch.Fetch(ctx)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg{st}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m model) Init() tea.Cmd { return m.poll() }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		valueWidth := msg.Width - 24
		if valueWidth < 20 {
			valueWidth = 20
		}
		m.table.SetColumns([]table.Column{
			{Title: "Field", Width: 20},
			{Title: "Value", Width: valueWidth},
		})
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		case "w":
			m.wrap = !m.wrap
		}
	case tickMsg:
		return m, m.poll()
	case statusMsg:
		m.status = msg.Status
		m.err = nil
		m.updated = time.Now()
		m.table.SetRows(rows(msg.Status))
		return m, m.tick()
	case errMsg:
		m.err = msg.err
		return m, m.tick()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func rows(st relay.Status) []table.Row {
	started := "-"
	if st.StartedAt != nil {
		started = st.StartedAt.Local().Format(time.DateTime)
	}
	return []table.Row{
		{"Drone", st.DroneID},
		{"State", st.State},
		{"Broker", fmt.Sprintf("%s (%d connects)", st.Broker.State, st.Broker.Connects)},
		{"Started", started},
		{"Heartbeat", fmt.Sprintf("%s %.1fs", st.Heartbeat.Status, st.Heartbeat.AgeSeconds)},
		{"Flight", fmt.Sprintf("%s %.1fs", st.Flight.State, st.Flight.TotalSeconds)},
		{"Buffered", fmt.Sprintf("%d", st.Buffered)},
		{"Received", fmt.Sprintf("%d", st.Telemetry.Received)},
		{"Filtered", fmt.Sprintf("%d", st.Telemetry.Dropped)},
		{"Decode errors", fmt.Sprintf("%d", st.Telemetry.DecodeErrors)},
	}
}

func indicator(label string, on bool) string {
	color := lipgloss.Color("9")
	if on {
		color = lipgloss.Color("10")
	}
	return lipgloss.NewStyle().Foreground(color).Render("●") + " " + label
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Edge relay " + m.status.DroneID))
	b.WriteString("\n")
	b.WriteString(indicator("running", m.status.Running) + "   " + indicator("broker", m.status.MQTTConnected))
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	for _, e := range []string{m.status.LastError, errText(m.err)} {
		if e == "" {
			continue
		}
		if m.wrap && m.width > 0 {
			e = wordwrap.String(e, m.width)
		}
		b.WriteString(errStyle.Render(e))
		b.WriteString("\n")
	}
	updated := "never"
	if !m.updated.IsZero() {
		updated = m.updated.Format(time.TimeOnly)
	}
	b.WriteString(helpStyle.Render("updated " + updated + "  q quit  r refresh  w wrap"))
	return b.String()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return "fetch: " + err.Error()
}

// Run shows the monitor until the user quits or ctx ends.
func Run(ctx context.Context, f Fetcher, interval time.Duration) error {
	p := tea.NewProgram(newModel(f, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
