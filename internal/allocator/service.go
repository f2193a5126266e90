package allocator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gabrielangelo/token-manager/internal/logging"
	"github.com/gabrielangelo/token-manager/internal/storage"
)

// Scheduler enqueues a delayed-release job. Implemented by
// internal/queue.Queue.
type Scheduler interface {
	Schedule(ctx context.Context, tokenID uuid.UUID, delay time.Duration) error
}

// Cache is the subset of the state cache the allocator updates as a
// post-commit side effect. Implemented by internal/statecache.Cache.
type Cache interface {
	MarkActive(tokenID, userID uuid.UUID, activatedAt time.Time)
	MarkAvailable(tokenID uuid.UUID)
	BulkMarkAvailable(tokenIDs []uuid.UUID)
}

// Publisher is the subset of the event bus the allocator publishes
// through. Implemented by internal/eventbus.Bus.
type Publisher interface {
	PublishActivated(tokenID, userID uuid.UUID, activatedAt time.Time)
	PublishReleased(tokenID uuid.UUID)
}

// Activation is the result of a successful Activate call.
type Activation struct {
	Token storage.Token
	Usage storage.Usage
}

// Allocator implements the transactional token lifecycle: activation
// (with LRU preemption), release, bulk clear, and expiration.
//
// Safe for concurrent use. All persistence-affecting work runs inside a
// single Repository transaction; Scheduler/Cache/Publisher calls happen
// only after that transaction commits, so a post-commit failure never
// rolls back persisted state — it is logged, not propagated as an
// operation failure.
type Allocator struct {
	repo  *storage.Repository
	queue Scheduler
	cache Cache
	bus   Publisher
	cfg   Config

	now func() time.Time
}

// New constructs an Allocator. Panics if cfg.Validate() reports any
// errors: an invalid configuration is a programmer error, caught at
// construction rather than surfaced per call.
func New(repo *storage.Repository, queue Scheduler, cache Cache, bus Publisher, cfg Config) *Allocator {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("token-manager: invalid allocator config: %v", err))
	}
	if repo == nil {
		panic("token-manager: allocator repository must not be nil")
	}
	return &Allocator{
		repo:  repo,
		queue: queue,
		cache: cache,
		bus:   bus,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Activate grants userID a token: an available one if the pool has room,
// otherwise the oldest active token is preempted.
func (a *Allocator) Activate(ctx context.Context, userID uuid.UUID) (Activation, error) {
	var result Activation

	err := a.repo.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		existing, err := a.repo.GetUserActiveToken(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		if existing != nil {
			return ErrAlreadyHasActiveToken
		}

		tok, err := a.repo.PickAvailableForUpdate(ctx, tx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}

		for i := 0; tok == nil && i < a.cfg.MaxPickRetries; i++ {
			active, err := a.repo.CountActive(ctx, tx)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrDatabaseError, err)
			}
			if active >= a.cfg.PoolSize {
				break
			}
			tok, err = a.repo.PickAvailableForUpdate(ctx, tx)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrDatabaseError, err)
			}
		}

		if tok == nil {
			tok, err = a.preempt(ctx, tx)
			if err != nil {
				return err
			}
		}

		now := a.now()
		tok.Status = storage.StatusActive
		tok.CurrentUserID = &userID
		tok.ActivatedAt = &now
		tok.UpdatedAt = now
		if err := a.repo.UpdateToken(ctx, tx, *tok); err != nil {
			if errors.Is(err, storage.ErrActiveUserConflict) {
				return ErrAlreadyHasActiveToken
			}
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}

		usage := storage.Usage{
			ID:        uuid.New(),
			TokenID:   tok.ID,
			UserID:    userID,
			StartedAt: now,
			CreatedAt: now,
		}
		if err := a.repo.InsertUsage(ctx, tx, usage); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}

		result = Activation{Token: *tok, Usage: usage}
		return nil
	})
	if err != nil {
		return Activation{}, err
	}

	a.afterActivate(ctx, result)
	return result, nil
}

// preempt releases the oldest active token in-line, within the caller's
// transaction, and returns it ready for reassignment. Returns
// ErrNoTokensAvailable if the pool is genuinely exhausted at this
// instant.
func (a *Allocator) preempt(ctx context.Context, tx *sql.Tx) (*storage.Token, error) {
	active, err := a.repo.CountActive(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if active < a.cfg.PoolSize {
		return nil, ErrNoTokensAvailable
	}

	oldest, err := a.repo.PickOldestActiveForUpdate(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if oldest == nil {
		return nil, ErrNoTokensAvailable
	}

	usage, err := a.repo.GetOpenUsage(ctx, tx, oldest.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	now := a.now()
	if usage != nil {
		usage.EndedAt = &now
		if err := a.repo.UpdateUsage(ctx, tx, *usage); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
	}

	oldest.Status = storage.StatusAvailable
	oldest.CurrentUserID = nil
	oldest.ActivatedAt = nil
	oldest.UpdatedAt = now
	if err := a.repo.UpdateToken(ctx, tx, *oldest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	return oldest, nil
}

// afterActivate runs Activate's post-commit side effects in commit →
// schedule → cache → event order. Failures are logged, never
// propagated: the operation already succeeded.
func (a *Allocator) afterActivate(ctx context.Context, result Activation) {
	if a.queue != nil {
		if err := a.queue.Schedule(ctx, result.Token.ID, a.cfg.TokenLifetime); err != nil {
			logging.Logger().Warn("schedule delayed release failed",
				"token_id", result.Token.ID, "error", err)
		}
	}
	if a.cache != nil {
		a.cache.MarkActive(result.Token.ID, result.Usage.UserID, result.Usage.StartedAt)
	}
	if a.bus != nil {
		a.bus.PublishActivated(result.Token.ID, result.Usage.UserID, result.Usage.StartedAt)
	}
}

// Release closes tokenID's open usage and returns it to the pool.
// Idempotent: releasing an already-available token succeeds as a no-op.
func (a *Allocator) Release(ctx context.Context, tokenID uuid.UUID) (storage.Token, error) {
	var result storage.Token
	var released bool

	err := a.repo.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		tok, err := a.repo.GetToken(ctx, tx, tokenID)
		if errors.Is(err, storage.ErrTokenNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		if !tok.IsActive() {
			result = tok
			return nil
		}

		usage, err := a.repo.GetOpenUsage(ctx, tx, tokenID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		now := a.now()
		if usage != nil {
			usage.EndedAt = &now
			if err := a.repo.UpdateUsage(ctx, tx, *usage); err != nil {
				return fmt.Errorf("%w: %v", ErrDatabaseError, err)
			}
		}

		tok.Status = storage.StatusAvailable
		tok.CurrentUserID = nil
		tok.ActivatedAt = nil
		tok.UpdatedAt = now
		if err := a.repo.UpdateToken(ctx, tx, tok); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}

		result = tok
		released = true
		return nil
	})
	if err != nil {
		return storage.Token{}, err
	}

	if released {
		if a.cache != nil {
			a.cache.MarkAvailable(tokenID)
		}
		if a.bus != nil {
			a.bus.PublishReleased(tokenID)
		}
	}
	return result, nil
}

// ClearActive resets every active token to available in one transaction
// and reports how many were cleared.
func (a *Allocator) ClearActive(ctx context.Context) (int, error) {
	var cleared []uuid.UUID

	err := a.repo.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := a.now()
		ids, err := a.repo.ClearAllActive(ctx, tx, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		cleared = ids
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(cleared) > 0 {
		if a.cache != nil {
			a.cache.BulkMarkAvailable(cleared)
		}
		if a.bus != nil {
			for _, id := range cleared {
				a.bus.PublishReleased(id)
			}
		}
	}
	return len(cleared), nil
}

// ExpireIfDue releases tokenID if it is still active under the usage the
// triggering job was scheduled for and its lifetime has elapsed.
// Returns ErrNotExpired (not an operational failure) when the token was
// already released, reactivated, or simply isn't due yet — the queue
// treats that as job completion.
func (a *Allocator) ExpireIfDue(ctx context.Context, tokenID uuid.UUID) error {
	var released bool

	err := a.repo.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		tok, err := a.repo.GetToken(ctx, tx, tokenID)
		if errors.Is(err, storage.ErrTokenNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		if !tok.IsActive() {
			return ErrNotExpired
		}

		usage, err := a.repo.GetOpenUsage(ctx, tx, tokenID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		if usage == nil {
			return ErrNotExpired
		}
		if tok.ActivatedAt == nil {
			return ErrInvalidTokenState
		}

		expiresAt := tok.ActivatedAt.Add(a.cfg.TokenLifetime)
		now := a.now()
		if now.Before(expiresAt) {
			return ErrNotExpired
		}

		usage.EndedAt = &now
		if err := a.repo.UpdateUsage(ctx, tx, *usage); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}

		tok.Status = storage.StatusAvailable
		tok.CurrentUserID = nil
		tok.ActivatedAt = nil
		tok.UpdatedAt = now
		if err := a.repo.UpdateToken(ctx, tx, tok); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}

		released = true
		return nil
	})
	if err != nil {
		return err
	}

	if released {
		if a.cache != nil {
			a.cache.MarkAvailable(tokenID)
		}
		if a.bus != nil {
			a.bus.PublishReleased(tokenID)
		}
	}
	return nil
}
