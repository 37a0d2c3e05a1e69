package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Service names a sibling service.
type Service string

const (
	ServiceOTA     Service = "ota"
	ServiceMAVLink Service = "mavlink"
)

// Call is one request to a collaborator.
type Call struct {
	Service Service
	Method  string
	Path    string
	Body    any
}

// Result is the collaborator's reply.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// Collaborator executes calls against sibling services.
type Collaborator interface {
	Call(ctx context.Context, c Call) (Result, error)
}

// HTTPCollaborator calls sibling services over HTTP with JSON bodies.
type HTTPCollaborator struct {
	base   map[Service]string
	client *http.Client
}

// NewHTTPCollaborator builds a collaborator for the OTA and MAVLink services.
func NewHTTPCollaborator(otaURL, mavlinkURL string, timeout time.Duration) *HTTPCollaborator {
	return &HTTPCollaborator{
		base: map[Service]string{
			ServiceOTA:     strings.TrimRight(otaURL, "/"),
			ServiceMAVLink: strings.TrimRight(mavlinkURL, "/"),
		},
		client: &http.Client{Timeout: timeout},
	}
}

// Call sends the request. Non-2xx replies are returned as errors with the result filled in.
func (h *HTTPCollaborator) Call(ctx context.Context, c Call) (Result, error) {
	base, ok := h.base[c.Service]
	if !ok || base == "" {
		return Result{}, fmt.Errorf("no endpoint for service %q", c.Service)
	}
	var body io.Reader
	if c.Body != nil {
		b, err := json.Marshal(c.Body)
		if err != nil {
			return Result{}, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, base+c.Path, body)
	if err != nil {
		return Result{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{StatusCode: resp.StatusCode}, err
	}
	res := Result{StatusCode: resp.StatusCode}
	if json.Valid(raw) {
		res.Body = raw
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, fmt.Errorf("%s %s%s: %s", c.Method, c.Service, c.Path, resp.Status)
	}
	return res, nil
}

// Deployments fetches the OTA deployment list for the birth message.
func Deployments(ctx context.Context, c Collaborator) ([]any, error) {
	res, err := c.Call(ctx, Call{Service: ServiceOTA, Method: http.MethodGet, Path: "/status"})
	if err != nil {
		return nil, err
	}
	if len(res.Body) == 0 {
		return []any{}, nil
	}
	var v any
	if err := json.Unmarshal(res.Body, &v); err != nil {
		return nil, err
	}
	switch d := v.(type) {
	case []any:
		return d, nil
	case map[string]any:
		if list, ok := d["deployments"].([]any); ok {
			return list, nil
		}
		return []any{d}, nil
	default:
		return []any{}, nil
	}
}
