package statecache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gabrielangelo/token-manager/internal/eventbus"
	"github.com/gabrielangelo/token-manager/internal/logging"
	"github.com/gabrielangelo/token-manager/internal/storage"
)

// Snapshot is the cached view of one token, including its open usage
// when active.
type Snapshot struct {
	Token       storage.Token
	ActiveUsage *storage.Usage
}

// Stats is a point-in-time count of cached tokens by status.
type Stats struct {
	Total     int
	Active    int
	Available int
}

// Cache is a lock-free-read, single-writer state mirror. Reads (Get,
// ListActive, ListAvailable, Stats) load the current snapshot map with a
// single atomic operation and never block. Writes (MarkActive,
// MarkAvailable, BulkMarkAvailable, Reload) serialize through writeMu
// and swap in a freshly copied map, so concurrent writers never observe
// or produce a torn snapshot.
type Cache struct {
	repo *storage.Repository
	bus  *eventbus.Bus

	snapshot atomic.Pointer[map[uuid.UUID]Snapshot]
	writeMu  sync.Mutex
}

// New constructs an empty Cache. Call Reload before serving reads: an
// unreloaded Cache reports zero tokens.
func New(repo *storage.Repository, bus *eventbus.Bus) *Cache {
	empty := make(map[uuid.UUID]Snapshot)
	c := &Cache{repo: repo, bus: bus}
	c.snapshot.Store(&empty)
	return c
}

func (c *Cache) load() map[uuid.UUID]Snapshot {
	m := c.snapshot.Load()
	if m == nil {
		return nil
	}
	return *m
}

// Get returns the cached snapshot for tokenID.
func (c *Cache) Get(tokenID uuid.UUID) (Snapshot, bool) {
	snap, ok := c.load()[tokenID]
	return snap, ok
}

// ListActive returns every active token's snapshot, sorted by
// ActivatedAt descending.
func (c *Cache) ListActive() []Snapshot {
	var out []Snapshot
	for _, snap := range c.load() {
		if snap.Token.IsActive() {
			out = append(out, snap)
		}
	}
	sortByActivatedAtDesc(out)
	return out
}

// ListAvailable returns every available token's snapshot.
func (c *Cache) ListAvailable() []Snapshot {
	var out []Snapshot
	for _, snap := range c.load() {
		if !snap.Token.IsActive() {
			out = append(out, snap)
		}
	}
	return out
}

// ListAll returns every cached token's snapshot.
func (c *Cache) ListAll() []Snapshot {
	m := c.load()
	out := make([]Snapshot, 0, len(m))
	for _, snap := range m {
		out = append(out, snap)
	}
	return out
}

func sortByActivatedAtDesc(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		ai, aj := snaps[i].Token.ActivatedAt, snaps[j].Token.ActivatedAt
		if ai == nil {
			return false
		}
		if aj == nil {
			return true
		}
		return ai.After(*aj)
	})
}

// Stats reports total/active/available counts from the cached snapshot.
func (c *Cache) Stats() Stats {
	m := c.load()
	s := Stats{Total: len(m)}
	for _, snap := range m {
		if snap.Token.IsActive() {
			s.Active++
		} else {
			s.Available++
		}
	}
	return s
}

// MarkActive updates tokenID's cached snapshot to reflect a successful
// activation. Implements allocator.Cache.
func (c *Cache) MarkActive(tokenID, userID uuid.UUID, activatedAt time.Time) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := copyMap(c.load())
	snap := next[tokenID]
	snap.Token.ID = tokenID
	snap.Token.Status = storage.StatusActive
	uid := userID
	at := activatedAt
	snap.Token.CurrentUserID = &uid
	snap.Token.ActivatedAt = &at
	snap.ActiveUsage = &storage.Usage{TokenID: tokenID, UserID: userID, StartedAt: activatedAt}
	next[tokenID] = snap
	c.snapshot.Store(&next)
}

// MarkAvailable updates tokenID's cached snapshot to reflect a release.
// Implements allocator.Cache.
func (c *Cache) MarkAvailable(tokenID uuid.UUID) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.markAvailableLocked(tokenID)
}

// BulkMarkAvailable updates every listed token's cached snapshot in a
// single write-lock window. Implements allocator.Cache.
func (c *Cache) BulkMarkAvailable(tokenIDs []uuid.UUID) {
	if len(tokenIDs) == 0 {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, id := range tokenIDs {
		c.markAvailableLocked(id)
	}
}

// markAvailableLocked must be called with writeMu held.
func (c *Cache) markAvailableLocked(tokenID uuid.UUID) {
	next := copyMap(c.load())
	snap := next[tokenID]
	snap.Token.ID = tokenID
	snap.Token.Status = storage.StatusAvailable
	snap.Token.CurrentUserID = nil
	snap.Token.ActivatedAt = nil
	snap.ActiveUsage = nil
	next[tokenID] = snap
	c.snapshot.Store(&next)
}

func copyMap(m map[uuid.UUID]Snapshot) map[uuid.UUID]Snapshot {
	next := make(map[uuid.UUID]Snapshot, len(m))
	for k, v := range m {
		next[k] = v
	}
	return next
}

// Reload rebuilds the cache wholesale from the Repository.
func (c *Cache) Reload(ctx context.Context) error {
	tokens, err := c.repo.ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("statecache: reload: %w", err)
	}

	next := make(map[uuid.UUID]Snapshot, len(tokens))
	for _, tok := range tokens {
		snap := Snapshot{Token: tok}
		if tok.IsActive() {
			usage, err := c.repo.GetOpenUsage(ctx, nil, tok.ID)
			if err != nil {
				return fmt.Errorf("statecache: reload: load open usage for %s: %w", tok.ID, err)
			}
			snap.ActiveUsage = usage
		}
		next[tok.ID] = snap
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.snapshot.Store(&next)
	return nil
}

// RunReconciler blocks, calling Reload every interval until ctx is
// canceled. Callers run it in its own goroutine. Corrects drift caused
// by any missed direct cache update.
func (c *Cache) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil {
				logging.Logger().Warn("statecache: periodic reconcile failed", "error", err)
			}
		}
	}
}

// Subscribe is an EventBus passthrough for tokenID's topic.
func (c *Cache) Subscribe(tokenID uuid.UUID) (<-chan eventbus.Event, func()) {
	return c.bus.SubscribeToken(tokenID)
}

// SubscribeAll is an EventBus passthrough for the global topic.
func (c *Cache) SubscribeAll() (<-chan eventbus.Event, func()) {
	return c.bus.SubscribeAll()
}
