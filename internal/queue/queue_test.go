package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gabrielangelo/token-manager/internal/allocator"
	"github.com/gabrielangelo/token-manager/internal/storage"
)

type fakeExpirer struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	fail  map[uuid.UUID]error
}

func newFakeExpirer() *fakeExpirer {
	return &fakeExpirer{calls: map[uuid.UUID]int{}, fail: map[uuid.UUID]error{}}
}

func (f *fakeExpirer) ExpireIfDue(_ context.Context, tokenID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[tokenID]++
	if err, ok := f.fail[tokenID]; ok {
		return err
	}
	return nil
}

func (f *fakeExpirer) callCount(tokenID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tokenID]
}

func openTestQueueStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScheduleUpsertsSingleRowPerToken(t *testing.T) {
	t.Parallel()

	store := openTestQueueStore(t)
	q := New(store.WriteDB(), newFakeExpirer(), DefaultConfig())
	tokenID := uuid.New()
	ctx := context.Background()

	if err := q.Schedule(ctx, tokenID, time.Minute); err != nil {
		t.Fatalf("first Schedule failed: %v", err)
	}
	if err := q.Schedule(ctx, tokenID, 2*time.Minute); err != nil {
		t.Fatalf("second Schedule failed: %v", err)
	}

	var count int
	if err := store.ReadDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM release_jobs WHERE token_id = ?`, tokenID.String()).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("release_jobs rows for token = %d, want 1 (upsert dedup)", count)
	}
}

func TestScheduleAfterStopFails(t *testing.T) {
	t.Parallel()

	store := openTestQueueStore(t)
	q := New(store.WriteDB(), newFakeExpirer(), DefaultConfig())
	if err := q.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	err := q.Schedule(context.Background(), uuid.New(), time.Minute)
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Schedule after Stop error = %v, want ErrQueueClosed", err)
	}
}

func TestWorkerFiresDueJob(t *testing.T) {
	t.Parallel()

	store := openTestQueueStore(t)
	expirer := newFakeExpirer()
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	q := New(store.WriteDB(), expirer, cfg)

	tokenID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Schedule(ctx, tokenID, 0); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	q.Start(ctx)
	defer q.Stop() //nolint:errcheck // test cleanup

	deadline := time.After(2 * time.Second)
	for expirer.callCount(tokenID) == 0 {
		select {
		case <-deadline:
			t.Fatal("worker never fired the due job within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerRetriesThenMarksFailed(t *testing.T) {
	t.Parallel()

	store := openTestQueueStore(t)
	expirer := newFakeExpirer()
	tokenID := uuid.New()
	expirer.fail[tokenID] = errors.New("boom")

	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxAttempts = 2
	cfg.BaseBackoff = 10 * time.Millisecond
	q := New(store.WriteDB(), expirer, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Schedule(ctx, tokenID, 0); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	q.Start(ctx)
	defer q.Stop() //nolint:errcheck // test cleanup

	deadline := time.After(3 * time.Second)
	for {
		stats, err := q.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Failed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never reached failed status, last stats: %+v", stats)
		case <-time.After(20 * time.Millisecond):
		}
	}

	if calls := expirer.callCount(tokenID); calls != cfg.MaxAttempts {
		t.Errorf("ExpireIfDue called %d times, want %d (bounded retries)", calls, cfg.MaxAttempts)
	}
}

func TestWorkerTreatsNotExpiredAsDone(t *testing.T) {
	t.Parallel()

	store := openTestQueueStore(t)
	expirer := newFakeExpirer()
	tokenID := uuid.New()
	expirer.fail[tokenID] = allocator.ErrNotExpired

	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	q := New(store.WriteDB(), expirer, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Schedule(ctx, tokenID, 0); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	q.Start(ctx)
	defer q.Stop() //nolint:errcheck // test cleanup

	deadline := time.After(2 * time.Second)
	for {
		stats, err := q.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Done == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job never reached done status, last stats: %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
