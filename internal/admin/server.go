package admin

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"droneops-edge/internal/forward"
	"droneops-edge/internal/outbox"
	"droneops-edge/internal/relay"
	"droneops-edge/internal/telemetry"
)

// Relay is the service the control surface drives.
type Relay interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) relay.Status
	Buffer(ctx context.Context) (outbox.Stats, error)
	Heartbeat() telemetry.HeartbeatStatus
	Flight() relay.FlightStatus
	Publish(ctx context.Context, topic string, message json.RawMessage) (forward.Outcome, error)
}

type Server struct {
	Relay   Relay
	Metrics http.Handler
	logger  *slog.Logger
	tpl     *template.Template
	mux     *http.ServeMux
	srv     *http.Server
}

//go:embed templates/index.html
var content embed.FS

// NewServer builds the control surface. metrics may be nil.
func NewServer(r Relay, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	tpl := template.Must(template.New("index.html").ParseFS(content, "templates/index.html"))
	s := &Server{Relay: r, Metrics: metrics, logger: logger, tpl: tpl, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("POST /start", s.handleStart)
	s.mux.HandleFunc("POST /stop", s.handleStop)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /buffer/status", s.handleBuffer)
	s.mux.HandleFunc("POST /publish", s.handlePublish)
	s.mux.HandleFunc("GET /heartbeat/status", s.handleHeartbeat)
	s.mux.HandleFunc("GET /flight", s.handleFlight)
	if s.Metrics != nil {
		s.mux.Handle("GET /metrics", s.Metrics)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("control surface listening", "addr", addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Status relay.Status
	}{
		Status: s.Relay.Status(r.Context()),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tpl.Execute(w, data); err != nil {
		s.logger.Error("render index", "err", err)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.Relay.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	case errors.Is(err, relay.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, relay.ErrStartFailed):
		s.logger.Error("start failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	err := s.Relay.Stop(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case errors.Is(err, relay.ErrNotRunning):
		writeError(w, http.StatusConflict, err)
	default:
		// stopped, but the death message could not be delivered
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "warning": err.Error()})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Relay.Status(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.Relay.Status(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"running":        st.Running,
		"mqtt_connected": st.MQTTConnected,
		"heartbeat":      st.Heartbeat.Status,
	})
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	st, err := s.Relay.Buffer(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type publishRequest struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Message) == 0 || string(req.Message) == "null" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	out, err := s.Relay.Publish(r.Context(), req.Topic, req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	code := http.StatusOK
	if out == forward.Buffered {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]string{"status": out.String()})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Relay.Heartbeat())
}

func (s *Server) handleFlight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Relay.Flight())
}
