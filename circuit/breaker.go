// Package circuit isolates failing webhook receivers.
//
// Each key (a webhook ID) owns a three-state breaker. Closed passes
// traffic and counts consecutive failures; reaching the threshold opens the
// circuit. Open rejects traffic until the cool-down ends, then half-open
// admits exactly one probe. A successful probe closes the circuit, a failed
// one opens it again.
package circuit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// State is the breaker state for one key.
type State string

// Breaker states.
const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Defaults applied to zero Config fields.
const (
	DefaultFailureThreshold = 5
	DefaultCoolDown         = 60 * time.Second
	DefaultProbeWait        = 5 * time.Second
)

// Config tunes a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// CoolDown is how long an open circuit rejects traffic before probing.
	CoolDown time.Duration

	// ProbeWait is the retry hint handed to callers rejected while a
	// half-open probe is outstanding.
	ProbeWait time.Duration

	// OnStateChange, when set, is called after every transition.
	OnStateChange func(key string, from, to State)

	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// Decision is the answer to Allow.
type Decision struct {
	Allowed     bool
	State       State
	Probe       bool
	NextProbeAt time.Time
}

// Snapshot is the observable state of one key.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	NextProbeAt         time.Time `json:"next_probe_at,omitzero"`
}

// Breaker holds a circuit per key. Operations on one key are serialized;
// different keys never block each other.
type Breaker struct {
	cfg     Config
	entries *xsync.MapOf[string, *entry]
}

type entry struct {
	mu           sync.Mutex
	state        State
	failures     int
	lastFailure  time.Time
	openedAt     time.Time
	nextProbe    time.Time
	probing      bool
	probeStarted time.Time
}

type transition struct {
	from, to State
}

// New creates a Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCoolDown
	}
	if cfg.ProbeWait <= 0 {
		cfg.ProbeWait = DefaultProbeWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		cfg:     cfg,
		entries: xsync.NewMapOf[string, *entry](),
	}
}

func (b *Breaker) get(key string) *entry {
	e, _ := b.entries.LoadOrCompute(key, func() *entry { return &entry{state: Closed} })
	return e
}

// Allow reports whether a request to key may proceed. In half-open state
// only the first caller gets through; it must report back through
// RecordSuccess, RecordFailure or Release.
func (b *Breaker) Allow(key string) Decision {
	e := b.get(key)
	e.mu.Lock()

	now := b.cfg.Now()
	var tr *transition
	var d Decision

	switch e.state {
	case Open:
		if now.Before(e.nextProbe) {
			d = Decision{State: Open, NextProbeAt: e.nextProbe}
			break
		}
		tr = e.moveTo(HalfOpen)
		e.probing = true
		e.probeStarted = now
		d = Decision{Allowed: true, State: HalfOpen, Probe: true}
	case HalfOpen:
		// A probe that never reported back is abandoned after a cool-down.
		if e.probing && now.Sub(e.probeStarted) < b.cfg.CoolDown {
			d = Decision{State: HalfOpen, NextProbeAt: now.Add(b.cfg.ProbeWait)}
			break
		}
		e.probing = true
		e.probeStarted = now
		d = Decision{Allowed: true, State: HalfOpen, Probe: true}
	default:
		d = Decision{Allowed: true, State: Closed}
	}

	e.mu.Unlock()
	b.notify(key, tr)
	return d
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(key string) {
	e := b.get(key)
	e.mu.Lock()
	tr := e.moveTo(Closed)
	e.failures = 0
	e.probing = false
	e.nextProbe = time.Time{}
	e.mu.Unlock()
	b.notify(key, tr)
}

// Release hands back a half-open trial slot that was granted but never
// used to contact the receiver, so the next Allow is admitted at once.
func (b *Breaker) Release(key string) {
	e, ok := b.entries.Load(key)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state == HalfOpen {
		e.probing = false
	}
	e.mu.Unlock()
}

// RecordFailure counts a failed request. It opens the circuit at the
// threshold, or immediately when the failure was a half-open probe.
func (b *Breaker) RecordFailure(key string) {
	e := b.get(key)
	e.mu.Lock()

	now := b.cfg.Now()
	e.failures++
	e.lastFailure = now

	var tr *transition
	switch e.state {
	case HalfOpen:
		tr = b.open(e, now)
	case Closed:
		if e.failures >= b.cfg.FailureThreshold {
			tr = b.open(e, now)
		}
	}

	e.mu.Unlock()
	b.notify(key, tr)
}

// State returns a snapshot for key. Unknown keys are closed.
func (b *Breaker) State(key string) Snapshot {
	e, ok := b.entries.Load(key)
	if !ok {
		return Snapshot{State: Closed}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:               e.state,
		ConsecutiveFailures: e.failures,
		LastFailureAt:       e.lastFailure,
		OpenedAt:            e.openedAt,
		NextProbeAt:         e.nextProbe,
	}
}

// Reset forgets key, closing its circuit.
func (b *Breaker) Reset(key string) {
	b.entries.Delete(key)
}

// OpenCount returns how many keys are open or half-open.
func (b *Breaker) OpenCount() int {
	n := 0
	b.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if e.state != Closed {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

func (b *Breaker) open(e *entry, now time.Time) *transition {
	tr := e.moveTo(Open)
	e.openedAt = now
	e.nextProbe = now.Add(b.cfg.CoolDown)
	e.probing = false
	return tr
}

func (e *entry) moveTo(to State) *transition {
	if e.state == to {
		return nil
	}
	tr := &transition{from: e.state, to: to}
	e.state = to
	return tr
}

func (b *Breaker) notify(key string, tr *transition) {
	if tr != nil && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(key, tr.from, tr.to)
	}
}
