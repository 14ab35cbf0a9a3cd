// Package breaker implements the per-venue circuit breaker guarding venue calls.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // venue suspended
	StateHalfOpen              // one trial call allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds breaker tuning shared by every venue.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultConfig returns the stock breaker settings.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	return c
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Venue            string        `json:"venue"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failure_count"`
	LastFailureTime  time.Time     `json:"last_failure_time"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

// Listener observes breaker state changes.
type Listener func(venue string, from, to State)

// Option customises a breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger used for state change reports.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithListener registers a state change callback. It runs outside the breaker lock.
func WithListener(fn Listener) Option {
	return func(b *Breaker) {
		b.listener = fn
	}
}

// Breaker tracks failures for a single venue. Safe for concurrent use.
type Breaker struct {
	venue    string
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	listener Listener

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailure   time.Time
	trialInFlight bool
	trialStarted  time.Time
}

// New creates a closed breaker for venue.
func New(venue string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		venue:  venue,
		cfg:    cfg.normalize(),
		now:    time.Now,
		logger: slog.Default(),
		state:  StateClosed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Allow reports whether a venue call may proceed. Once the recovery timeout has
// elapsed an open breaker moves to half-open and grants a single trial call; further
// callers are refused until the trial outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var (
		allowed bool
		changed bool
		from    State
	)
	now := b.now()
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if now.Sub(b.lastFailure) > b.cfg.RecoveryTimeout {
			from, changed = b.state, true
			b.state = StateHalfOpen
			b.trialInFlight = true
			b.trialStarted = now
			allowed = true
		}
	case StateHalfOpen:
		// A trial call whose caller never reported back is reclaimed after another recovery window.
		if !b.trialInFlight || now.Sub(b.trialStarted) > b.cfg.RecoveryTimeout {
			b.trialInFlight = true
			b.trialStarted = now
			allowed = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return allowed
}

// IsOpen reports whether callers must not contact the venue. A false result in
// half-open state consumes the trial call.
func (b *Breaker) IsOpen() bool {
	return !b.Allow()
}

// RecordSuccess closes a half-open breaker and clears accumulated failures.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failureCount = 0
	b.trialInFlight = false
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// RecordFailure counts a failed venue call, tripping the breaker at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	now := b.now()
	b.failureCount++
	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.lastFailure = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.lastFailure = now
		b.trialInFlight = false
	}
	to := b.state
	count := b.failureCount
	b.mu.Unlock()

	if from != to {
		b.logger.Warn("circuit breaker opened",
			slog.String("venue", b.venue),
			slog.String("from", from.String()),
			slog.Int("failures", count))
		b.notify(from, to)
	}
}

// State returns the current state without granting a trial call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Venue:            b.venue,
		State:            b.state,
		FailureCount:     b.failureCount,
		LastFailureTime:  b.lastFailure,
		FailureThreshold: b.cfg.FailureThreshold,
		RecoveryTimeout:  b.cfg.RecoveryTimeout,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.trialInFlight = false
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

func (b *Breaker) notify(from, to State) {
	if to != StateOpen {
		b.logger.Info("circuit breaker state change",
			slog.String("venue", b.venue),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
	if b.listener != nil {
		b.listener(b.venue, from, to)
	}
}
