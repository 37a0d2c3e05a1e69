package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLinkClosed is returned by a Link after Close.
var ErrLinkClosed = errors.New("vehicle link closed")

// DecodeError wraps a frame the link could not decode. It is transient.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return "decode: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Link is the vehicle-link collaborator. Next blocks until a decoded message
// is available or ctx ends. Armed extracts the arm state from a heartbeat;
// ok is false for messages that carry no arm state.
type Link interface {
	Next(ctx context.Context) (Message, error)
	Armed(msg Message) (armed, ok bool)
	Close() error
}

// PollStatus classifies the outcome of a Poll.
type PollStatus int

const (
	StatusOK PollStatus = iota
	StatusTimeout
	StatusError
)

func (s PollStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// PollResult carries a message on StatusOK and the cause on StatusError.
type PollResult struct {
	Status  PollStatus
	Message Message
	Err     error
}

// Source filters link messages through an allow-list and tracks heartbeat liveness.
type Source struct {
	link  Link
	allow AllowList
	now   func() time.Time

	mu            sync.RWMutex
	lastHeartbeat time.Time
	received      uint64
	dropped       uint64
	decodeErrors  uint64
}

// NewSource wraps link. A nil now uses time.Now.
func NewSource(link Link, allow AllowList, now func() time.Time) *Source {
	if now == nil {
		now = time.Now
	}
	return &Source{link: link, allow: allow, now: now}
}

// Poll waits up to timeout for the next allow-listed message.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) PollResult {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		msg, err := s.link.Next(pctx)
		if err != nil {
			var de *DecodeError
			switch {
			case errors.As(err, &de):
				s.count(&s.decodeErrors)
				return PollResult{Status: StatusError, Err: err}
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				return PollResult{Status: StatusTimeout}
			default:
				return PollResult{Status: StatusError, Err: err}
			}
		}
		if msg.CapturedAt.IsZero() {
			msg.CapturedAt = s.now()
		}
		if msg.Type == TypeHeartbeat {
			s.mu.Lock()
			s.lastHeartbeat = msg.CapturedAt
			s.mu.Unlock()
		}
		if !s.allow.Allows(msg.Type) {
			s.count(&s.dropped)
			continue
		}
		s.count(&s.received)
		return PollResult{Status: StatusOK, Message: msg}
	}
}

func (s *Source) count(c *uint64) {
	s.mu.Lock()
	*c++
	s.mu.Unlock()
}

// WaitHeartbeat blocks until the first HEARTBEAT arrives, trying up to retries
// windows of timeout each.
func (s *Source) WaitHeartbeat(ctx context.Context, retries int, timeout time.Duration) error {
	for attempt := 1; attempt <= retries; attempt++ {
		deadline := time.Now().Add(timeout)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			res := s.Poll(ctx, remaining)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if res.Status == StatusError && errors.Is(res.Err, ErrLinkClosed) {
				return res.Err
			}
			if !s.LastHeartbeat().IsZero() {
				return nil
			}
		}
	}
	return fmt.Errorf("no heartbeat after %d attempts", retries)
}

// LastHeartbeat returns when the last HEARTBEAT was seen, or zero.
func (s *Source) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// HeartbeatAliveWindow is how recent a heartbeat must be to count as alive.
const HeartbeatAliveWindow = 10 * time.Second

// HeartbeatStatus summarises vehicle-link liveness.
type HeartbeatStatus struct {
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	AgeSeconds    float64    `json:"age_seconds,omitempty"`
}

// Heartbeat reports alive, stale or never received.
func (s *Source) Heartbeat() HeartbeatStatus {
	last := s.LastHeartbeat()
	if last.IsZero() {
		return HeartbeatStatus{Status: "never received"}
	}
	age := s.now().Sub(last)
	st := HeartbeatStatus{LastHeartbeat: &last, AgeSeconds: age.Seconds()}
	if age < HeartbeatAliveWindow {
		st.Status = "alive"
	} else {
		st.Status = "stale"
	}
	return st
}

// Stats are cumulative counters since the source was created.
type Stats struct {
	Received     uint64 `json:"received"`
	Dropped      uint64 `json:"dropped"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// Stats returns the counters.
func (s *Source) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Received: s.received, Dropped: s.dropped, DecodeErrors: s.decodeErrors}
}

// Armed delegates arm-state extraction to the link.
func (s *Source) Armed(msg Message) (armed, ok bool) {
	return s.link.Armed(msg)
}
