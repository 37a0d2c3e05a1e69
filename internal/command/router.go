// Package command routes inbound broker commands to sibling services.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"droneops-edge/internal/broker"
)

var (
	// ErrUnknownAction is returned for a command topic or CMD value with no mapping.
	ErrUnknownAction = errors.New("unknown command action")
	// ErrMalformed is returned when a command payload cannot be decoded.
	ErrMalformed = errors.New("malformed command payload")
)

// Action names a routed command.
type Action string

const (
	ActionDeploy     Action = "deploy"
	ActionStart      Action = "start"
	ActionStop       Action = "stop"
	ActionRestart    Action = "restart"
	ActionHealth     Action = "health"
	ActionStatus     Action = "status"
	ActionContainers Action = "containers"
	ActionBinFile    Action = "bin_file"
)

// CmdBinFile is the device command requesting a log file pull.
const CmdBinFile = "BIN_FILE"

// Deployment is the body of node-level container commands.
type Deployment struct {
	Action  string          `json:"action,omitempty"`
	Name    string          `json:"name"`
	Image   string          `json:"image,omitempty"`
	Version string          `json:"version,omitempty"`
	Ports   map[string]Port `json:"ports,omitempty"`
}

// Port is a published container port, either a number (8554) or a string
// with a protocol ("14550/udp"). It is forwarded exactly as received.
type Port struct {
	raw json.RawMessage
}

// UnmarshalJSON accepts a JSON number or string.
func (p *Port) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v.(type) {
	case float64, string:
	default:
		return fmt.Errorf("port must be a number or a string, got %s", b)
	}
	p.raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON writes the port as it was received.
func (p Port) MarshalJSON() ([]byte, error) {
	if p.raw == nil {
		return []byte("null"), nil
	}
	return p.raw, nil
}

type deviceCommand struct {
	CMD string `json:"CMD"`
}

type route struct {
	method string
	path   string
	// body carries the deployment payload; otherwise no body is sent
	body  bool
	async bool
}

var routes = map[Action]route{
	ActionDeploy:     {method: http.MethodPost, path: "/deploy", body: true, async: true},
	ActionStart:      {method: http.MethodPost, path: "/start", body: true},
	ActionStop:       {method: http.MethodPost, path: "/stop", body: true},
	ActionRestart:    {method: http.MethodPost, path: "/restart", body: true},
	ActionHealth:     {method: http.MethodGet, path: "/health"},
	ActionStatus:     {method: http.MethodGet, path: "/status"},
	ActionContainers: {method: http.MethodGet, path: "/containers"},
}

// Observer is told about every routed or dropped command.
type Observer interface {
	Routed(a Action, err error)
	Dropped()
}

type nopObserver struct{}

func (nopObserver) Routed(Action, error) {}
func (nopObserver) Dropped()             {}

// Router maps command topics onto collaborator calls.
type Router struct {
	topics broker.Topics
	collab Collaborator
	obs    Observer
	logger *slog.Logger

	wg sync.WaitGroup
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithObserver sets the command observer.
func WithObserver(o Observer) RouterOption { return func(r *Router) { r.obs = o } }

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }

// NewRouter returns a router for commands addressed to topics.Edge.
func NewRouter(topics broker.Topics, collab Collaborator, opts ...RouterOption) *Router {
	r := &Router{topics: topics, collab: collab, obs: nopObserver{}, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route dispatches one inbound message. An empty Action with a nil error means
// the topic is not a command for this edge. Long actions run in the background;
// Wait joins them.
func (r *Router) Route(ctx context.Context, topic string, payload []byte) (Action, error) {
	p, ok := r.topics.Parse(topic)
	if !ok || p.Edge != r.topics.Edge {
		return "", nil
	}
	switch p.Class {
	case broker.ClassNCmd:
		return r.node(ctx, p.Rest, payload)
	case broker.ClassDCmd:
		if len(p.Rest) != 1 || p.Rest[0] != r.topics.Device {
			return "", nil
		}
		return r.device(ctx, payload)
	default:
		return "", nil
	}
}

func (r *Router) node(ctx context.Context, rest []string, payload []byte) (Action, error) {
	var d Deployment
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &d); err != nil {
			return r.drop("", fmt.Errorf("%w: %v", ErrMalformed, err))
		}
	}
	var action Action
	switch len(rest) {
	case 0:
		action = Action(d.Action)
	case 1:
		action = Action(rest[0])
	default:
		return "", nil
	}
	rt, ok := routes[action]
	if !ok {
		return r.drop(action, fmt.Errorf("%w: %q", ErrUnknownAction, action))
	}
	if rt.body && d.Name == "" {
		return r.drop(action, fmt.Errorf("%w: %s requires a name", ErrMalformed, action))
	}
	if action == ActionDeploy && d.Image == "" {
		return r.drop(action, fmt.Errorf("%w: deploy requires an image", ErrMalformed))
	}
	d.Action = ""
	c := Call{Service: ServiceOTA, Method: rt.method, Path: rt.path}
	if rt.body {
		c.Body = d
	}
	if rt.async {
		r.background(ctx, action, c)
		return action, nil
	}
	return action, r.call(ctx, action, c)
}

func (r *Router) device(ctx context.Context, payload []byte) (Action, error) {
	var dc deviceCommand
	if err := json.Unmarshal(payload, &dc); err != nil {
		return r.drop(ActionBinFile, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if dc.CMD != CmdBinFile {
		return r.drop("", fmt.Errorf("%w: CMD %q", ErrUnknownAction, dc.CMD))
	}
	r.background(ctx, ActionBinFile, Call{
		Service: ServiceMAVLink,
		Method:  http.MethodPost,
		Path:    "/drone/readSendBinFile",
		Body:    dc,
	})
	return ActionBinFile, nil
}

func (r *Router) drop(a Action, err error) (Action, error) {
	r.obs.Dropped()
	r.logger.Warn("command dropped", "action", a, "err", err)
	return a, err
}

func (r *Router) background(ctx context.Context, a Action, c Call) {
	// detached from the dispatch loop so shutdown does not abort a running deploy
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.call(ctx, a, c)
	}()
}

func (r *Router) call(ctx context.Context, a Action, c Call) error {
	res, err := r.collab.Call(ctx, c)
	r.obs.Routed(a, err)
	if err != nil {
		r.logger.Error("command failed", "action", a, "service", c.Service, "err", err)
		return err
	}
	r.logger.Info("command done", "action", a, "service", c.Service, "status", res.StatusCode, "body", string(res.Body))
	return nil
}

// Wait blocks until background actions finish.
func (r *Router) Wait() { r.wg.Wait() }
