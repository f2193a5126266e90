package storage

import "github.com/gabrielangelo/token-manager/internal/sentinel"

// ErrTokenNotFound is returned by GetToken when no token with the given
// id exists. Token rows are seeded once at startup and never deleted,
// so this indicates a caller passed an id that was never issued.
const ErrTokenNotFound = sentinel.Error("storage: token not found")

// ErrActiveUserConflict is returned when an insert or update would
// violate the partial unique index on (current_user_id) WHERE
// status='active'. Repository translates the underlying driver's
// constraint-violation error into this sentinel so callers never need
// to parse SQLite error text.
const ErrActiveUserConflict = sentinel.Error("storage: user already holds an active token")
