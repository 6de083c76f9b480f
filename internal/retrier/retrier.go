// Package retrier runs operations against a backing medium with bounded,
// backed-off retries.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const (
	minMaxAttempts = 1
	minFactor      = 1.0
	maxJitter      = 1.0
	maxDelayCap    = time.Minute
)

// Backoff strategies.
const (
	ExponentialBackoff BackoffStrategy = iota
	LinearBackoff
)

var (
	// ErrInvalidMaxAttempts is returned when the max attempts parameter is invalid.
	ErrInvalidMaxAttempts = errors.New("retrier: max attempts must be at least 1")
	// ErrInvalidBaseDelay is returned when the base delay is negative.
	ErrInvalidBaseDelay = errors.New("retrier: base delay must not be negative")
	// ErrInvalidFactor is returned when the factor parameter is invalid.
	ErrInvalidFactor = errors.New("retrier: factor must be at least 1.0")
	// ErrInvalidJitter is returned when the jitter parameter is invalid.
	ErrInvalidJitter = errors.New("retrier: jitter must be between 0 and 1")
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy int

// Temporary indicates if an error condition is temporary and may succeed if retried.
type Temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err, or any error it wraps, reports itself temporary.
func IsTemporary(err error) bool {
	var temp Temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

// Config holds retry parameters.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
	Strategy    BackoffStrategy

	// Retryable decides whether an error is worth another attempt.
	// If nil, IsTemporary is used.
	Retryable func(error) bool
}

// DefaultConfig returns three attempts with exponential backoff starting at 50ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Factor:      2,
		Jitter:      0.2,
		Strategy:    ExponentialBackoff,
	}
}

// Retrier executes a function with retry logic.
type Retrier struct {
	cfg Config
}

// New validates cfg and returns a Retrier.
func New(cfg Config) (*Retrier, error) {
	if cfg.MaxAttempts < minMaxAttempts {
		return nil, ErrInvalidMaxAttempts
	}
	if cfg.BaseDelay < 0 {
		return nil, ErrInvalidBaseDelay
	}
	if cfg.Factor < minFactor {
		return nil, ErrInvalidFactor
	}
	if cfg.Jitter < 0 || cfg.Jitter > maxJitter {
		return nil, ErrInvalidJitter
	}
	if cfg.MaxDelay <= 0 || cfg.MaxDelay > maxDelayCap {
		cfg.MaxDelay = maxDelayCap
	}
	if cfg.Retryable == nil {
		cfg.Retryable = IsTemporary
	}
	return &Retrier{cfg: cfg}, nil
}

// Run executes fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done.
func (r *Retrier) Run(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !r.cfg.Retryable(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(r.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts reached: %w", err)
}

// delay computes the backoff before the attempt following attempt.
func (r *Retrier) delay(attempt int) time.Duration {
	var d float64
	switch r.cfg.Strategy {
	case LinearBackoff:
		d = float64(r.cfg.BaseDelay) * float64(attempt+1)
	default:
		d = float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Factor, float64(attempt))
	}

	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	d += rand.Float64() * r.cfg.Jitter * d
	return time.Duration(d)
}
