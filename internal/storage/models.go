package storage

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Token.
type Status string

const (
	// StatusAvailable means no current holder.
	StatusAvailable Status = "available"
	// StatusActive means a token currently assigned to a user with a
	// non-null ActivatedAt.
	StatusActive Status = "active"
)

// Token is one fungible slot in the allocation pool.
//
// Invariants, enforced jointly by the schema (partial unique index) and
// the allocator (transactional mutation):
//
//   - Status == StatusActive    <=> CurrentUserID != nil && ActivatedAt != nil
//   - Status == StatusAvailable <=> CurrentUserID == nil && ActivatedAt == nil
//   - no two active tokens share CurrentUserID
type Token struct {
	ID            uuid.UUID
	Status        Status
	CurrentUserID *uuid.UUID
	ActivatedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsActive reports whether the token is currently held by a user.
func (t Token) IsActive() bool {
	return t.Status == StatusActive
}

// Usage is an immutable-once-closed record of one activation epoch.
// EndedAt is nil while the usage is open.
type Usage struct {
	ID        uuid.UUID
	TokenID   uuid.UUID
	UserID    uuid.UUID
	StartedAt time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
}

// IsOpen reports whether the usage has not yet been closed.
func (u Usage) IsOpen() bool {
	return u.EndedAt == nil
}
