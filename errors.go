package tokenmanager

import (
	"github.com/gabrielangelo/token-manager/internal/allocator"
	"github.com/gabrielangelo/token-manager/internal/queue"
	"github.com/gabrielangelo/token-manager/internal/sentinel"
)

// Error kinds surfaced by Service, re-exported from the internal
// packages that define them so callers outside this module never need
// to know the package layout.
const (
	ErrAlreadyHasActiveToken = allocator.ErrAlreadyHasActiveToken
	ErrNoTokensAvailable     = allocator.ErrNoTokensAvailable
	ErrTokenNotFound         = allocator.ErrTokenNotFound
	ErrInvalidTokenState     = allocator.ErrInvalidTokenState
	ErrDatabaseError         = allocator.ErrDatabaseError
	ErrNotExpired            = allocator.ErrNotExpired
	ErrScheduleFailed        = queue.ErrScheduleFailed
)

// ErrNotInitialized is returned by every request method when called
// before Initialize has completed successfully.
const ErrNotInitialized = sentinel.Error("tokenmanager: service not initialized")

// ErrShuttingDown is returned by every request method once Shutdown has
// been called.
const ErrShuttingDown = sentinel.Error("tokenmanager: service is shutting down")
