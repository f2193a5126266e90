package allocator

import "github.com/gabrielangelo/token-manager/internal/sentinel"

// ErrAlreadyHasActiveToken is returned by Activate when the requesting
// user already holds an active token. The partial unique index on
// tokens(current_user_id) is the second line of defense against this.
const ErrAlreadyHasActiveToken = sentinel.Error("allocator: user already has an active token")

// ErrNoTokensAvailable is returned by Activate in the rare race where no
// available token was picked and no active token could be preempted.
const ErrNoTokensAvailable = sentinel.Error("allocator: no tokens available")

// ErrTokenNotFound is returned by Release and ExpireIfDue when the given
// token id does not exist.
const ErrTokenNotFound = sentinel.Error("allocator: token not found")

// ErrInvalidTokenState is returned when a token's persisted state
// violates an invariant the allocator relies on (e.g. active with a nil
// activated_at) and the operation cannot proceed safely.
const ErrInvalidTokenState = sentinel.Error("allocator: invalid token state")

// ErrDatabaseError wraps any repository failure that isn't one of the
// domain kinds above.
const ErrDatabaseError = sentinel.Error("allocator: database error")

// ErrNotExpired is returned by ExpireIfDue when the token is not a
// candidate for expiration: it is no longer active, its usage is
// already closed, or its activation epoch has not reached its
// lifetime yet. Callers (the queue) treat this as a successful no-op,
// never as a failure to retry.
const ErrNotExpired = sentinel.Error("allocator: token not due for expiration")
