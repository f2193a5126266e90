package tokenmanager

import (
	"errors"
	"fmt"
	"time"

	"github.com/gabrielangelo/token-manager/internal/allocator"
	"github.com/gabrielangelo/token-manager/internal/queue"
)

// defaultReconcileInterval is how often the state cache reloads wholesale
// from the Repository to bound drift from any missed update.
const defaultReconcileInterval = 5 * time.Minute

// Config holds Service configuration. Immutable after construction via
// New; build one with DefaultConfig and the With... options.
type Config struct {
	// DatabasePath is the SQLite file Store opens, or ":memory:" for an
	// ephemeral database (tests, single-shot tooling).
	DatabasePath string

	Allocator allocator.Config
	Queue     queue.Config

	// ReconcileInterval is how often the state cache reloads from the
	// Repository. Default: 5 minutes.
	ReconcileInterval time.Duration
}

// DefaultConfig returns reasonable defaults for every sub-config.
func DefaultConfig() Config {
	return Config{
		DatabasePath:      "token-manager.db",
		Allocator:         allocator.DefaultConfig(),
		Queue:             queue.DefaultConfig(),
		ReconcileInterval: defaultReconcileInterval,
	}
}

// Validate checks every Config invariant, aggregating violations from
// every sub-config via errors.Join.
func (c Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, fmt.Errorf("database path must not be empty"))
	}
	if err := c.Allocator.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("allocator config: %w", err))
	}
	if err := c.Queue.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("queue config: %w", err))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("reconcile interval must be greater than 0, got %s", c.ReconcileInterval))
	}
	return errors.Join(errs...)
}
