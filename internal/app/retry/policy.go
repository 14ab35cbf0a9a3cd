// Package retry classifies venue failures and computes backoff delays between attempts.
package retry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/execgate/errs"
)

// Class is the retry classification of a failed venue call.
type Class string

const (
	// ClassTransient covers timeouts, connectivity failures and venue 5xx responses.
	ClassTransient Class = "transient"
	// ClassRateLimited covers venue throttling, optionally with a Retry-After hint.
	ClassRateLimited Class = "rate_limited"
	// ClassNonRetryable terminates the attempt sequence immediately.
	ClassNonRetryable Class = "non_retryable"
)

// Retryable reports whether the class consumes an attempt and retries.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

const (
	defaultMaxAttempts    = 5
	defaultBaseDelay      = 100 * time.Millisecond
	defaultMaxDelay       = 10 * time.Second
	defaultAttemptTimeout = 5 * time.Second
	jitterFraction        = 0.25
)

// Config tunes the retry policy.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// Seed fixes the jitter sequence; zero seeds from the clock.
	Seed int64
}

// DefaultConfig returns the stock retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    defaultMaxAttempts,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	return c
}

// Policy decides whether and how long to wait before re-attempting a venue call.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy constructs a policy from cfg, filling unset fields with defaults.
func NewPolicy(cfg Config) *Policy {
	cfg = cfg.normalize()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Policy{
		cfg: cfg,
		// #nosec G404 -- jitter does not need a cryptographic source.
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Config returns the normalized configuration.
func (p *Policy) Config() Config { return p.cfg }

// MaxAttempts returns the total number of venue calls allowed per order.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// AttemptTimeout returns the timeout applied to each individual venue call.
func (p *Policy) AttemptTimeout() time.Duration { return p.cfg.AttemptTimeout }

// Classify maps a venue call failure onto a retry class.
func (p *Policy) Classify(err error) Class {
	return Classify(err)
}

// Classify maps a venue call failure onto a retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassNonRetryable
	}
	if errors.Is(err, context.Canceled) {
		return ClassNonRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	switch errs.CodeOf(err) {
	case errs.CodeRateLimited:
		return ClassRateLimited
	case errs.CodeTransient, errs.CodeUnavailable:
		return ClassTransient
	case errs.CodeValidation, errs.CodeRejected, errs.CodeAuth, errs.CodeCircuitOpen,
		errs.CodeInvalidTransition, errs.CodeNotFound, errs.CodeConflict:
		return ClassNonRetryable
	}

	if status := errs.HTTPOf(err); status > 0 {
		switch {
		case status == http.StatusTooManyRequests:
			return ClassRateLimited
		case status >= http.StatusInternalServerError:
			return ClassTransient
		case status >= http.StatusBadRequest:
			return ClassNonRetryable
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ClassTransient
	}
	return ClassNonRetryable
}

// CalculateDelay returns the jittered wait before attempt. Attempt 0 is immediate.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	p.mu.Lock()
	r := p.rng.Float64()
	p.mu.Unlock()
	return Jitter(NominalDelay(attempt, p.cfg.BaseDelay, p.cfg.MaxDelay), r)
}

// DelayFor returns the wait before attempt given the error that ended the previous one.
// A venue supplied Retry-After takes precedence over the computed backoff.
func (p *Policy) DelayFor(attempt int, err error) time.Duration {
	if Classify(err) == ClassRateLimited {
		if hint := errs.RetryAfterOf(err); hint > 0 {
			return hint
		}
	}
	return p.CalculateDelay(attempt)
}

// CalculateMaxTotalTime returns the sum of nominal delays across all attempts.
func (p *Policy) CalculateMaxTotalTime() time.Duration {
	return MaxTotalTime(p.cfg.MaxAttempts, p.cfg.BaseDelay, p.cfg.MaxDelay)
}

// Budget bounds the wall time of a full attempt sequence: every delay at its
// jitter ceiling plus every call running to its timeout.
func (p *Policy) Budget() time.Duration {
	delays := time.Duration(float64(p.CalculateMaxTotalTime()) * (1 + jitterFraction))
	return delays + time.Duration(p.cfg.MaxAttempts)*p.cfg.AttemptTimeout
}

// NominalDelay returns min(base*2^(attempt-1), max) without jitter.
func NominalDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= maxDelay || delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Jitter spreads delay uniformly across ±25% using r in [0, 1).
func Jitter(delay time.Duration, r float64) time.Duration {
	if delay <= 0 {
		return 0
	}
	factor := 1 + jitterFraction*(2*r-1)
	return time.Duration(float64(delay) * factor)
}

// MaxTotalTime sums the nominal delays preceding attempts 1..maxAttempts-1.
func MaxTotalTime(maxAttempts int, base, maxDelay time.Duration) time.Duration {
	var total time.Duration
	for attempt := 1; attempt < maxAttempts; attempt++ {
		total += NominalDelay(attempt, base, maxDelay)
	}
	return total
}

// Schedule returns a backoff.BackOff that yields this policy's delays and stops
// once the attempt budget is spent.
func (p *Policy) Schedule() backoff.BackOff {
	return &schedule{policy: p}
}

type schedule struct {
	policy  *Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	if s.attempt >= s.policy.cfg.MaxAttempts {
		return backoff.Stop
	}
	return s.policy.CalculateDelay(s.attempt)
}

func (s *schedule) Reset() { s.attempt = 0 }
