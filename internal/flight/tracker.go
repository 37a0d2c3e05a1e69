// Package flight accumulates armed time across arm/disarm transitions.
package flight

import (
	"sync"
	"time"
)

// State is the vehicle arm state as seen by the tracker.
type State int

const (
	Disarmed State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "disarmed"
}

// Session is a snapshot of the flight-time bookkeeping.
type Session struct {
	ArmedAt           *time.Time `json:"armed_at,omitempty"`
	CumulativeSeconds float64    `json:"cumulative_seconds"`
}

// Transition describes an edge applied by Update.
type Transition struct {
	From, To State
	At       time.Time
	// Closed is the duration of the session that ended, if To is Disarmed.
	Closed time.Duration
}

// Tracker derives arm/disarm edges from heartbeats and sums armed time.
type Tracker struct {
	mu         sync.Mutex
	now        func() time.Time
	armedAt    time.Time
	armed      bool
	cumulative float64
	lastRead   float64
	onChange   func(Transition)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTransitionHook registers fn to run after each edge, outside the lock.
func WithTransitionHook(fn func(Transition)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// NewTracker returns a tracker in the Disarmed state.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Update applies a heartbeat's arm bit. It reports whether a transition occurred.
// Heartbeats that repeat the current state are ignored.
func (t *Tracker) Update(armed bool) bool {
	return t.UpdateAt(armed, t.now())
}

// UpdateAt is Update with an explicit observation time.
func (t *Tracker) UpdateAt(armed bool, at time.Time) bool {
	t.mu.Lock()
	if armed == t.armed {
		t.mu.Unlock()
		return false
	}
	tr := t.transitionLocked(armed, at)
	hook := t.onChange
	t.mu.Unlock()
	if hook != nil {
		hook(tr)
	}
	return true
}

func (t *Tracker) transitionLocked(armed bool, at time.Time) Transition {
	tr := Transition{At: at}
	if armed {
		tr.From, tr.To = Disarmed, Armed
		t.armed = true
		t.armedAt = at
		return tr
	}
	tr.From, tr.To = Armed, Disarmed
	d := at.Sub(t.armedAt)
	if d < 0 {
		d = 0
	}
	t.cumulative += d.Seconds()
	t.armed = false
	t.armedAt = time.Time{}
	tr.Closed = d
	return tr
}

// CurrentTotalSeconds returns closed-session time plus the open session's
// elapsed time. Successive calls never return a smaller value.
func (t *Tracker) CurrentTotalSeconds() float64 {
	return t.totalAt(t.now())
}

// TotalAt is CurrentTotalSeconds evaluated at a given time.
func (t *Tracker) TotalAt(at time.Time) float64 {
	return t.totalAt(at)
}

func (t *Tracker) totalAt(at time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.cumulative
	if t.armed {
		if d := at.Sub(t.armedAt); d > 0 {
			total += d.Seconds()
		}
	}
	if total < t.lastRead {
		total = t.lastRead
	}
	t.lastRead = total
	return total
}

// State returns the current arm state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		return Armed
	}
	return Disarmed
}

// Snapshot returns the stored session fields without the open-session time.
func (t *Tracker) Snapshot() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Session{CumulativeSeconds: t.cumulative}
	if t.armed {
		at := t.armedAt
		s.ArmedAt = &at
	}
	return s
}

// Close forces an open session closed. It is used on controlled shutdown.
func (t *Tracker) Close() bool {
	return t.UpdateAt(false, t.now())
}
