package allocator

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gabrielangelo/token-manager/internal/storage"
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[uuid.UUID]time.Duration
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[uuid.UUID]time.Duration)}
}

func (f *fakeScheduler) Schedule(_ context.Context, tokenID uuid.UUID, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[tokenID] = delay
	return nil
}

type fakeCache struct {
	mu        sync.Mutex
	active    map[uuid.UUID]bool
	available map[uuid.UUID]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{active: map[uuid.UUID]bool{}, available: map[uuid.UUID]bool{}}
}

func (f *fakeCache) MarkActive(tokenID, _ uuid.UUID, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[tokenID] = true
	delete(f.available, tokenID)
}

func (f *fakeCache) MarkAvailable(tokenID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[tokenID] = true
	delete(f.active, tokenID)
}

func (f *fakeCache) BulkMarkAvailable(tokenIDs []uuid.UUID) {
	for _, id := range tokenIDs {
		f.MarkAvailable(id)
	}
}

type fakeBus struct {
	mu        sync.Mutex
	activated int
	released  int
}

func (f *fakeBus) PublishActivated(uuid.UUID, uuid.UUID, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated++
}

func (f *fakeBus) PublishReleased(uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func newTestAllocator(t *testing.T, poolSize int) (*Allocator, *storage.Repository, *fakeScheduler, *fakeCache, *fakeBus) {
	t.Helper()
	store, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	repo := storage.NewRepository(store)
	now := time.Now().UTC()
	if err := repo.EnsureSeeded(context.Background(), func() time.Time { return now }, poolSize); err != nil {
		t.Fatalf("EnsureSeeded failed: %v", err)
	}

	sched := newFakeScheduler()
	cache := newFakeCache()
	bus := &fakeBus{}
	cfg := DefaultConfig()
	cfg.PoolSize = poolSize
	a := New(repo, sched, cache, bus, cfg)
	return a, repo, sched, cache, bus
}

func TestActivateFreshPool(t *testing.T) {
	t.Parallel()

	a, repo, sched, cache, bus := newTestAllocator(t, 100)
	userID := uuid.New()

	result, err := a.Activate(context.Background(), userID)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if result.Token.Status != storage.StatusActive {
		t.Errorf("token status = %v, want active", result.Token.Status)
	}
	if *result.Token.CurrentUserID != userID {
		t.Errorf("token user = %v, want %v", *result.Token.CurrentUserID, userID)
	}

	active, err := repo.CountActive(context.Background(), nil)
	if err != nil {
		t.Fatalf("CountActive failed: %v", err)
	}
	if active != 1 {
		t.Errorf("CountActive = %d, want 1", active)
	}

	sched.mu.Lock()
	_, scheduled := sched.scheduled[result.Token.ID]
	sched.mu.Unlock()
	if !scheduled {
		t.Error("expected a delayed-release job to be scheduled")
	}

	cache.mu.Lock()
	isActive := cache.active[result.Token.ID]
	cache.mu.Unlock()
	if !isActive {
		t.Error("expected cache.MarkActive to have been called")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.activated != 1 {
		t.Errorf("bus.activated = %d, want 1", bus.activated)
	}
}

func TestActivateDuplicateUserFails(t *testing.T) {
	t.Parallel()

	a, _, _, _, _ := newTestAllocator(t, 100)
	userID := uuid.New()

	if _, err := a.Activate(context.Background(), userID); err != nil {
		t.Fatalf("first Activate failed: %v", err)
	}

	_, err := a.Activate(context.Background(), userID)
	if !errors.Is(err, ErrAlreadyHasActiveToken) {
		t.Errorf("second Activate error = %v, want ErrAlreadyHasActiveToken", err)
	}
}

func TestActivatePreemptsOldestWhenSaturated(t *testing.T) {
	t.Parallel()

	a, repo, _, _, _ := newTestAllocator(t, 3)
	ctx := context.Background()

	var first storage.Token
	for i := 0; i < 3; i++ {
		result, err := a.Activate(ctx, uuid.New())
		if err != nil {
			t.Fatalf("activation %d failed: %v", i, err)
		}
		if i == 0 {
			first = result.Token
		}
		time.Sleep(time.Millisecond) // ensure distinct activated_at ordering
	}

	newUser := uuid.New()
	result, err := a.Activate(ctx, newUser)
	if err != nil {
		t.Fatalf("preempting Activate failed: %v", err)
	}
	if result.Token.ID != first.ID {
		t.Errorf("preempted token = %v, want oldest token %v", result.Token.ID, first.ID)
	}
	if *result.Token.CurrentUserID != newUser {
		t.Errorf("preempted token user = %v, want %v", *result.Token.CurrentUserID, newUser)
	}

	history, err := repo.GetTokenHistory(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetTokenHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2 usage epochs", len(history))
	}

	active, err := repo.CountActive(ctx, nil)
	if err != nil {
		t.Fatalf("CountActive failed: %v", err)
	}
	if active != 3 {
		t.Errorf("CountActive after preemption = %d, want 3 (pool stays saturated)", active)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	a, _, _, _, _ := newTestAllocator(t, 5)
	ctx := context.Background()

	result, err := a.Activate(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	released, err := a.Release(ctx, result.Token.ID)
	if err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if released.Status != storage.StatusAvailable {
		t.Errorf("released token status = %v, want available", released.Status)
	}

	releasedAgain, err := a.Release(ctx, result.Token.ID)
	if err != nil {
		t.Fatalf("second Release (no-op) failed: %v", err)
	}
	if releasedAgain.Status != storage.StatusAvailable {
		t.Errorf("second release status = %v, want available", releasedAgain.Status)
	}
}

func TestClearActiveResetsEveryActiveToken(t *testing.T) {
	t.Parallel()

	a, repo, _, cache, bus := newTestAllocator(t, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := a.Activate(ctx, uuid.New()); err != nil {
			t.Fatalf("activation %d failed: %v", i, err)
		}
	}

	n, err := a.ClearActive(ctx)
	if err != nil {
		t.Fatalf("ClearActive failed: %v", err)
	}
	if n != 3 {
		t.Errorf("ClearActive returned %d, want 3", n)
	}

	active, err := repo.CountActive(ctx, nil)
	if err != nil {
		t.Fatalf("CountActive failed: %v", err)
	}
	if active != 0 {
		t.Errorf("CountActive after clear = %d, want 0", active)
	}

	bus.mu.Lock()
	released := bus.released
	bus.mu.Unlock()
	if released != 3 {
		t.Errorf("bus.released = %d, want 3", released)
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if len(cache.available) != 3 {
		t.Errorf("cache.available entries = %d, want 3", len(cache.available))
	}
}

func TestExpireIfDueReleasesAfterLifetime(t *testing.T) {
	t.Parallel()

	a, repo, _, _, _ := newTestAllocator(t, 5)
	ctx := context.Background()

	result, err := a.Activate(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	// Simulate elapsed lifetime by moving activated_at into the past.
	tok, err := repo.GetToken(ctx, nil, result.Token.ID)
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	past := tok.ActivatedAt.Add(-a.cfg.TokenLifetime - time.Second)
	err = repo.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		tok.ActivatedAt = &past
		return repo.UpdateToken(ctx, tx, tok)
	})
	if err != nil {
		t.Fatalf("backdate activation failed: %v", err)
	}

	if err := a.ExpireIfDue(ctx, result.Token.ID); err != nil {
		t.Fatalf("ExpireIfDue failed: %v", err)
	}

	active, err := repo.CountActive(ctx, nil)
	if err != nil {
		t.Fatalf("CountActive failed: %v", err)
	}
	if active != 0 {
		t.Errorf("CountActive after expiration = %d, want 0", active)
	}
}

func TestExpireIfDueIsIdempotent(t *testing.T) {
	t.Parallel()

	a, repo, _, _, _ := newTestAllocator(t, 5)
	ctx := context.Background()

	result, err := a.Activate(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	tok, _ := repo.GetToken(ctx, nil, result.Token.ID)
	past := tok.ActivatedAt.Add(-a.cfg.TokenLifetime - time.Second)
	_ = repo.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		tok.ActivatedAt = &past
		return repo.UpdateToken(ctx, tx, tok)
	})

	if err := a.ExpireIfDue(ctx, result.Token.ID); err != nil {
		t.Fatalf("first ExpireIfDue failed: %v", err)
	}
	if err := a.ExpireIfDue(ctx, result.Token.ID); !errors.Is(err, ErrNotExpired) {
		t.Errorf("second ExpireIfDue error = %v, want ErrNotExpired", err)
	}
}

func TestExpireIfDueNotDueYet(t *testing.T) {
	t.Parallel()

	a, _, _, _, _ := newTestAllocator(t, 5)
	ctx := context.Background()

	result, err := a.Activate(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	err = a.ExpireIfDue(ctx, result.Token.ID)
	if !errors.Is(err, ErrNotExpired) {
		t.Errorf("ExpireIfDue immediately after activation error = %v, want ErrNotExpired", err)
	}
}

func TestActivateConcurrentUnderContentionKeepsPoolInvariants(t *testing.T) {
	t.Parallel()

	const poolSize = 10
	a, repo, _, _, _ := newTestAllocator(t, poolSize)
	ctx := context.Background()

	for i := 0; i < poolSize-2; i++ {
		if _, err := a.Activate(ctx, uuid.New()); err != nil {
			t.Fatalf("warm-up activation %d failed: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}

	const newUsers = 5
	var wg sync.WaitGroup
	for i := 0; i < newUsers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Activate(ctx, uuid.New())
		}()
	}
	wg.Wait()

	active, err := repo.CountActive(ctx, nil)
	if err != nil {
		t.Fatalf("CountActive failed: %v", err)
	}
	if active != poolSize {
		t.Errorf("CountActive = %d, want %d (pool saturated, none double-assigned)", active, poolSize)
	}

	tokens, err := repo.ListTokens(ctx)
	if err != nil {
		t.Fatalf("ListTokens failed: %v", err)
	}
	seenUsers := map[uuid.UUID]bool{}
	for _, tok := range tokens {
		if !tok.IsActive() {
			continue
		}
		if seenUsers[*tok.CurrentUserID] {
			t.Fatalf("user %v holds more than one active token", *tok.CurrentUserID)
		}
		seenUsers[*tok.CurrentUserID] = true
	}
}
