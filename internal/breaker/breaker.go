// Package breaker isolates failing generation backends.
//
// Each named backend gets an independent circuit:
//
//	closed    → calls flow; FailureThreshold consecutive failures open it
//	open      → calls are rejected without touching the backend
//	half_open → observed once RecoveryTimeout has elapsed since opening;
//	            up to HalfOpenMaxCalls concurrent trial calls are admitted,
//	            SuccessThreshold successes close the circuit and any single
//	            failure re-opens it
//
// All circuits live in one map behind one mutex. The lock is held only for
// map and counter updates, never across the guarded call.
package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// State represents the state of a circuit.
type State int

const (
	// StateClosed is the normal operating state - requests flow through.
	StateClosed State = iota
	// StateOpen means the circuit has tripped - requests are rejected.
	StateOpen
	// StateHalfOpen admits a bounded number of trial requests.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures circuit behavior. Zero fields take the defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a closed circuit.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`

	// RecoveryTimeout is how long an open circuit rejects calls before half-opening.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" mapstructure:"recovery_timeout"`

	// SuccessThreshold is the number of half-open successes that closes the circuit.
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold"`

	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" mapstructure:"half_open_max_calls"`

	// OnStateChange is called after a circuit changes state, outside the lock.
	OnStateChange func(name string, from, to State) `yaml:"-" mapstructure:"-"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// OpenError is returned when a circuit rejects a call.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	return fmt.Sprintf("circuit open for %s, retry after %d seconds", e.Name, secs)
}

// circuit is the per-name state. stored is closed, open or half_open; an
// open circuit past its recovery timeout is observed as half_open before
// the stored value catches up.
type circuit struct {
	stored        State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time
	lastFailure   time.Time
	lastChange    time.Time
	// generation changes on every open/close so completions of calls
	// admitted under an earlier state are not counted twice.
	generation uint64
}

// Breaker holds the circuits of every named backend.
type Breaker struct {
	cfg   Config
	now   func() time.Time
	gauge *prometheus.GaugeVec

	mu       sync.Mutex
	circuits map[string]*circuit
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateGauge exports each circuit's state (0 closed, 1 open, 2 half_open).
func WithStateGauge(g *prometheus.GaugeVec) Option {
	return func(b *Breaker) {
		b.gauge = g
	}
}

// NewStateGauge creates and registers the circuit state gauge.
func NewStateGauge(reg prometheus.Registerer) (*prometheus.GaugeVec, error) {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cortex_rag",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit state per backend (0 closed, 1 open, 2 half_open).",
	}, []string{"name"})
	if reg == nil {
		return g, nil
	}
	if err := reg.Register(g); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return g, nil
}

// New creates a breaker.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// transition is a state change to announce once the lock is released.
type transition struct {
	name     string
	from, to State
}

// ticket identifies an admitted call.
type ticket struct {
	name       string
	generation uint64
	trial      bool
}

// get returns the circuit for name, creating it closed (must hold lock).
func (b *Breaker) get(name string) *circuit {
	c, ok := b.circuits[name]
	if !ok {
		c = &circuit{stored: StateClosed, lastChange: b.now()}
		b.circuits[name] = c
	}
	return c
}

// observed computes the read-time state (must hold lock).
func (b *Breaker) observed(c *circuit, now time.Time) State {
	if c.stored == StateOpen && now.Sub(c.openedAt) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return c.stored
}

// retryAfter is the remaining open time, at least one second.
func (b *Breaker) retryAfter(c *circuit, now time.Time) time.Duration {
	d := b.cfg.RecoveryTimeout - now.Sub(c.openedAt)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// admit reserves the right to call name. Half-open slots are reserved here,
// under the lock, so racing callers never exceed HalfOpenMaxCalls.
func (b *Breaker) admit(name string) (ticket, error) {
	var changes []transition
	defer func() { b.announce(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c := b.get(name)

	switch b.observed(c, now) {
	case StateClosed:
		return ticket{name: name, generation: c.generation}, nil

	case StateHalfOpen:
		if c.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return ticket{}, &OpenError{Name: name, RetryAfter: time.Second}
		}
		if c.stored != StateHalfOpen {
			changes = append(changes, b.setState(name, c, StateHalfOpen, now))
		}
		c.halfOpenCalls++
		return ticket{name: name, generation: c.generation, trial: true}, nil

	default:
		return ticket{}, &OpenError{Name: name, RetryAfter: b.retryAfter(c, now)}
	}
}

// record applies the outcome of an admitted call. Trial slots are released
// on completion.
func (b *Breaker) record(t ticket, err error) {
	var changes []transition
	defer func() { b.announce(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c := b.get(t.name)
	if err != nil {
		c.lastFailure = now
	}
	if t.generation != c.generation {
		// The circuit opened or closed since this call was admitted.
		return
	}

	if t.trial {
		if c.halfOpenCalls > 0 {
			c.halfOpenCalls--
		}
		if err != nil {
			changes = append(changes, b.open(t.name, c, now))
			return
		}
		c.successes++
		if c.successes >= b.cfg.SuccessThreshold {
			changes = append(changes, b.close(t.name, c, now))
		}
		return
	}

	if err != nil {
		c.failures++
		if c.failures >= b.cfg.FailureThreshold {
			changes = append(changes, b.open(t.name, c, now))
		}
		return
	}
	c.failures = 0
}

// open trips the circuit (must hold lock).
func (b *Breaker) open(name string, c *circuit, now time.Time) transition {
	tr := b.setState(name, c, StateOpen, now)
	c.openedAt = now
	c.successes = 0
	c.halfOpenCalls = 0
	c.generation++
	return tr
}

// close resets the circuit (must hold lock).
func (b *Breaker) close(name string, c *circuit, now time.Time) transition {
	tr := b.setState(name, c, StateClosed, now)
	c.failures = 0
	c.successes = 0
	c.halfOpenCalls = 0
	c.generation++
	return tr
}

func (b *Breaker) setState(name string, c *circuit, to State, now time.Time) transition {
	from := c.stored
	c.stored = to
	c.lastChange = now
	return transition{name: name, from: from, to: to}
}

// announce logs transitions, updates the gauge and calls OnStateChange.
// Must be called without the lock.
func (b *Breaker) announce(changes []transition) {
	for _, tr := range changes {
		if tr.from == tr.to {
			continue
		}
		ev := log.Info()
		if tr.to == StateOpen {
			ev = log.Warn()
		}
		ev.Str("circuit", tr.name).Str("from", tr.from.String()).Str("to", tr.to.String()).Msg("circuit state changed")

		if b.gauge != nil {
			b.gauge.WithLabelValues(tr.name).Set(float64(tr.to))
		}
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(tr.name, tr.from, tr.to)
		}
	}
}

// State returns the observed state of a circuit. Unknown names are closed.
func (b *Breaker) State(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[name]
	if !ok {
		return StateClosed
	}
	return b.observed(c, b.now())
}

// IsOpen reports whether calls to name are currently rejected outright.
func (b *Breaker) IsOpen(name string) bool {
	return b.State(name) == StateOpen
}

// Stats contains circuit statistics.
type Stats struct {
	Name            string        `json:"name"`
	State           string        `json:"state"`
	Failures        int           `json:"failures"`
	Successes       int           `json:"successes"`
	HalfOpenCalls   int           `json:"half_open_calls"`
	OpenedAt        time.Time     `json:"opened_at,omitempty"`
	LastFailure     time.Time     `json:"last_failure,omitempty"`
	LastStateChange time.Time     `json:"last_state_change"`
	RetryAfter      time.Duration `json:"retry_after,omitempty"`
}

// Stats returns statistics for one circuit.
func (b *Breaker) Stats(name string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[name]
	if !ok {
		return Stats{Name: name, State: StateClosed.String()}
	}
	return b.stats(name, c, b.now())
}

// AllStats returns statistics for every known circuit, sorted by name.
func (b *Breaker) AllStats() []Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]Stats, 0, len(b.circuits))
	for name, c := range b.circuits {
		out = append(out, b.stats(name, c, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Breaker) stats(name string, c *circuit, now time.Time) Stats {
	st := b.observed(c, now)
	s := Stats{
		Name:            name,
		State:           st.String(),
		Failures:        c.failures,
		Successes:       c.successes,
		HalfOpenCalls:   c.halfOpenCalls,
		LastFailure:     c.lastFailure,
		LastStateChange: c.lastChange,
	}
	if st != StateClosed {
		s.OpenedAt = c.openedAt
	}
	if st == StateOpen {
		s.RetryAfter = b.retryAfter(c, now)
	}
	return s
}

// Reset forces a circuit closed (operator action).
func (b *Breaker) Reset(name string) {
	var changes []transition
	defer func() { b.announce(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[name]
	if !ok {
		return
	}
	changes = append(changes, b.close(name, c, b.now()))
}

// ResetAll forces every circuit closed.
func (b *Breaker) ResetAll() {
	var changes []transition
	defer func() { b.announce(changes) }()

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for name, c := range b.circuits {
		changes = append(changes, b.close(name, c, now))
	}
}
