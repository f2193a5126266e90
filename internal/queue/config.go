package queue

import (
	"errors"
	"fmt"
	"time"
)

// Config holds DelayedReleaseQueue configuration. Immutable after
// construction via New.
type Config struct {
	// WorkerCount is the number of goroutines polling for due jobs.
	// Default: 4.
	WorkerCount int

	// PollInterval bounds scheduling precision; a skew of a few seconds
	// against the scheduled run_at is acceptable. Default: 2s.
	PollInterval time.Duration

	// MaxAttempts is the number of delivery attempts before a job is
	// marked failed and stops retrying. Default: 3.
	MaxAttempts int

	// BaseBackoff is the base of the exponential backoff applied between
	// retries: attempt N is delayed by BaseBackoff * 2^(N-1). Default: 5s.
	BaseBackoff time.Duration
}

// DefaultConfig returns reasonable defaults for production use.
func DefaultConfig() Config {
	return Config{
		WorkerCount:  4,
		PollInterval: 2 * time.Second,
		MaxAttempts:  3,
		BaseBackoff:  5 * time.Second,
	}
}

// Validate checks every Config invariant, reporting all violations via
// errors.Join.
func (c Config) Validate() error {
	var errs []error
	if c.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("worker count must be greater than 0, got %d", c.WorkerCount))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be greater than 0, got %s", c.PollInterval))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max attempts must be greater than 0, got %d", c.MaxAttempts))
	}
	if c.BaseBackoff <= 0 {
		errs = append(errs, fmt.Errorf("base backoff must be greater than 0, got %s", c.BaseBackoff))
	}
	return errors.Join(errs...)
}
