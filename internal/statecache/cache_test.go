package statecache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gabrielangelo/token-manager/internal/eventbus"
	"github.com/gabrielangelo/token-manager/internal/storage"
)

func openTestCache(t *testing.T) (*Cache, *storage.Repository) {
	t.Helper()
	store, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	repo := storage.NewRepository(store)
	if err := repo.EnsureSeeded(context.Background(), time.Now, 3); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return New(repo, eventbus.New()), repo
}

func TestReloadPopulatesAllSeededTokensAsAvailable(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t)
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	stats := c.Stats()
	if stats.Total != 3 || stats.Available != 3 || stats.Active != 0 {
		t.Fatalf("stats = %+v, want {3 0 3}", stats)
	}
	if len(c.ListAvailable()) != 3 {
		t.Fatalf("ListAvailable = %d, want 3", len(c.ListAvailable()))
	}
}

func TestMarkActiveThenMarkAvailableRoundTrips(t *testing.T) {
	t.Parallel()

	c, repo := openTestCache(t)
	ctx := context.Background()
	if err := c.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	tokens, err := repo.ListTokens(ctx)
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	tokenID := tokens[0].ID
	userID := uuid.New()
	now := time.Now().UTC()

	c.MarkActive(tokenID, userID, now)

	snap, ok := c.Get(tokenID)
	if !ok {
		t.Fatal("expected snapshot present after MarkActive")
	}
	if !snap.Token.IsActive() {
		t.Fatal("expected token active after MarkActive")
	}
	if snap.Token.CurrentUserID == nil || *snap.Token.CurrentUserID != userID {
		t.Fatalf("CurrentUserID = %v, want %v", snap.Token.CurrentUserID, userID)
	}
	if snap.ActiveUsage == nil || snap.ActiveUsage.UserID != userID {
		t.Fatalf("ActiveUsage = %+v, want usage for %v", snap.ActiveUsage, userID)
	}

	active := c.ListActive()
	if len(active) != 1 || active[0].Token.ID != tokenID {
		t.Fatalf("ListActive = %+v, want single entry for %v", active, tokenID)
	}

	c.MarkAvailable(tokenID)
	snap, ok = c.Get(tokenID)
	if !ok {
		t.Fatal("expected snapshot present after MarkAvailable")
	}
	if snap.Token.IsActive() {
		t.Fatal("expected token available after MarkAvailable")
	}
	if snap.Token.CurrentUserID != nil || snap.ActiveUsage != nil {
		t.Fatalf("expected cleared holder fields, got %+v", snap)
	}
}

func TestBulkMarkAvailableClearsEveryListedToken(t *testing.T) {
	t.Parallel()

	c, repo := openTestCache(t)
	ctx := context.Background()
	if err := c.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	tokens, err := repo.ListTokens(ctx)
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	var ids []uuid.UUID
	for _, tok := range tokens {
		ids = append(ids, tok.ID)
		c.MarkActive(tok.ID, uuid.New(), time.Now().UTC())
	}
	if c.Stats().Active != len(tokens) {
		t.Fatalf("expected all %d tokens active before bulk clear", len(tokens))
	}

	c.BulkMarkAvailable(ids)

	stats := c.Stats()
	if stats.Active != 0 || stats.Available != len(tokens) {
		t.Fatalf("stats after bulk clear = %+v, want all available", stats)
	}
}

func TestListActiveSortsByActivatedAtDescending(t *testing.T) {
	t.Parallel()

	c, repo := openTestCache(t)
	ctx := context.Background()
	if err := c.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	tokens, err := repo.ListTokens(ctx)
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	base := time.Now().UTC()
	for i, tok := range tokens {
		c.MarkActive(tok.ID, uuid.New(), base.Add(time.Duration(i)*time.Minute))
	}

	active := c.ListActive()
	if len(active) != len(tokens) {
		t.Fatalf("ListActive len = %d, want %d", len(active), len(tokens))
	}
	for i := 1; i < len(active); i++ {
		if active[i-1].Token.ActivatedAt.Before(*active[i].Token.ActivatedAt) {
			t.Fatalf("ListActive not sorted descending at index %d", i)
		}
	}
}

func TestSubscribePassesThroughToBus(t *testing.T) {
	t.Parallel()

	c, repo := openTestCache(t)
	ctx := context.Background()
	tokens, err := repo.ListTokens(ctx)
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	tokenID := tokens[0].ID

	ch, unsubscribe := c.Subscribe(tokenID)
	defer unsubscribe()

	globalCh, unsubAll := c.SubscribeAll()
	defer unsubAll()

	c.MarkActive(tokenID, uuid.New(), time.Now().UTC())
	// MarkActive only updates the cache snapshot; it does not itself
	// publish. Publishing is the allocator's responsibility through the
	// Publisher interface, exercised in the allocator package's tests.
	select {
	case <-ch:
		t.Fatal("unexpected event: Cache never publishes on its own")
	case <-globalCh:
		t.Fatal("unexpected event: Cache never publishes on its own")
	case <-time.After(50 * time.Millisecond):
	}

	// An event published on the underlying bus reaches both passthrough
	// subscriptions.
	c.bus.PublishReleased(tokenID)
	select {
	case ev := <-ch:
		if ev.Type != eventbus.EventReleased || ev.TokenID != tokenID {
			t.Fatalf("token event = %+v, want released for %v", ev, tokenID)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscribe channel did not receive the bus event")
	}
	select {
	case ev := <-globalCh:
		if ev.Type != eventbus.EventReleased || ev.TokenID != tokenID {
			t.Fatalf("global event = %+v, want released for %v", ev, tokenID)
		}
	case <-time.After(time.Second):
		t.Fatal("SubscribeAll channel did not receive the bus event")
	}
}

func TestRunReconcilerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	c, _ := openTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.RunReconciler(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunReconciler did not return after context cancel")
	}

	if c.Stats().Total != 3 {
		t.Fatalf("expected reconciler to have reloaded tokens, stats = %+v", c.Stats())
	}
}
