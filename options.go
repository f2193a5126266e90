package tokenmanager

import (
	"fmt"
	"time"
)

// requirePositive panics if v <= 0 with a descriptive message.
func requirePositive[T int | time.Duration](name string, v T) {
	if v <= 0 {
		panic(fmt.Sprintf("token-manager: %s must be greater than 0, got %v", name, v))
	}
}

// requireNonEmpty panics if s is empty with a descriptive message.
func requireNonEmpty(name, s string) {
	if s == "" {
		panic(fmt.Sprintf("token-manager: %s must not be empty", name))
	}
}

// Option configures a Service during construction via New. Several With*
// functions panic on invalid input: option values are typically
// compile-time constants, so an invalid value is a programmer error
// caught at construction, mirroring regexp.MustCompile.
type Option func(*Config)

// WithDatabasePath sets the SQLite file Service opens. Pass ":memory:"
// for an ephemeral, process-local database.
//
// Panics if path is empty.
func WithDatabasePath(path string) Option {
	requireNonEmpty("database path", path)
	return func(c *Config) {
		c.DatabasePath = path
	}
}

// WithPoolSize sets the fixed number of tokens in the pool.
//
// Default: 100.
//
// Panics if size <= 0.
func WithPoolSize(size int) Option {
	requirePositive("pool size", size)
	return func(c *Config) {
		c.Allocator.PoolSize = size
	}
}

// WithTokenLifetime sets how long a token may be held before it becomes a
// candidate for automatic expiration.
//
// Default: 120 seconds.
//
// Panics if d <= 0.
func WithTokenLifetime(d time.Duration) Option {
	requirePositive("token lifetime", d)
	return func(c *Config) {
		c.Allocator.TokenLifetime = d
	}
}

// WithQueueWorkerCount sets the number of goroutines polling the delayed
// release queue for due jobs.
//
// Default: 4.
//
// Panics if n <= 0.
func WithQueueWorkerCount(n int) Option {
	requirePositive("queue worker count", n)
	return func(c *Config) {
		c.Queue.WorkerCount = n
	}
}

// WithQueuePollInterval sets how often queue workers poll for due jobs.
//
// Default: 2 seconds.
//
// Panics if d <= 0.
func WithQueuePollInterval(d time.Duration) Option {
	requirePositive("queue poll interval", d)
	return func(c *Config) {
		c.Queue.PollInterval = d
	}
}

// WithQueueMaxAttempts sets how many delivery attempts a release job
// gets, the first one included, before it is marked failed.
//
// Default: 3.
//
// Panics if n <= 0.
func WithQueueMaxAttempts(n int) Option {
	requirePositive("queue max attempts", n)
	return func(c *Config) {
		c.Queue.MaxAttempts = n
	}
}

// WithReconcileInterval sets how often the state cache reloads wholesale
// from the repository.
//
// Default: 5 minutes.
//
// Panics if d <= 0.
func WithReconcileInterval(d time.Duration) Option {
	requirePositive("reconcile interval", d)
	return func(c *Config) {
		c.ReconcileInterval = d
	}
}
