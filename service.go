package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gabrielangelo/token-manager/internal/allocator"
	"github.com/gabrielangelo/token-manager/internal/eventbus"
	"github.com/gabrielangelo/token-manager/internal/logging"
	"github.com/gabrielangelo/token-manager/internal/queue"
	"github.com/gabrielangelo/token-manager/internal/statecache"
	"github.com/gabrielangelo/token-manager/internal/storage"
)

// serviceState is the lifecycle state of a Service.
type serviceState uint32

const (
	serviceCreated      serviceState = iota // zero value; New returns in this state
	serviceInitializing                     // Initialize in progress
	serviceReady                            // request methods allowed
	serviceShuttingDown                     // Shutdown called
)

// shutdownDrainTimeout bounds how long Shutdown waits for in-flight
// request methods to complete before proceeding with teardown anyway.
const shutdownDrainTimeout = 30 * time.Second

// Service is the concrete facade over the token pool: it owns the
// Store, Repository, Allocator, DelayedReleaseQueue, StateCache, and
// EventBus, and exposes the operations a process entry point needs.
//
// Synchronization strategy:
//   - state is an atomic serviceState enum (created → initializing →
//     ready → shuttingDown). Request methods read it with a single
//     atomic load for the fast path.
//   - inflight counts goroutines inside a request method's state-checked
//     window. Shutdown sets serviceShuttingDown then waits on
//     inflightDone for inflight to reach zero before closing the Store.
//   - initMu serializes concurrent Initialize calls.
type Service struct {
	cfg Config

	store *storage.Store
	repo  *storage.Repository
	alloc *allocator.Allocator
	q     *queue.Queue
	cache *statecache.Cache
	bus   *eventbus.Bus

	state atomic.Uint32

	inflight         atomic.Int64
	inflightDone     chan struct{}
	inflightDoneOnce sync.Once

	initMu sync.Mutex

	reconcileCancel context.CancelFunc
}

func (s *Service) loadState() serviceState {
	return serviceState(s.state.Load())
}

func (s *Service) storeState(v serviceState) {
	s.state.Store(uint32(v))
}

// New constructs a Service from DefaultConfig overridden by opts.
// Performs no I/O; call Initialize before using any request method.
//
// Panics if the resulting Config fails validation.
func New(opts ...Option) *Service {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("token-manager: invalid service config: %v", err))
	}
	return &Service{
		cfg:          cfg,
		inflightDone: make(chan struct{}),
	}
}

// Initialize opens the Store (migrating and seeding the token pool),
// builds the Allocator/Queue/StateCache/EventBus, performs the initial
// cache load, and starts the queue workers and the periodic cache
// reconciler. Safe to call multiple times: after a successful
// initialization, subsequent calls return nil immediately.
func (s *Service) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	switch s.loadState() {
	case serviceReady:
		return nil
	case serviceShuttingDown:
		return ErrShuttingDown
	case serviceCreated, serviceInitializing:
	}

	s.storeState(serviceInitializing)

	if err := s.doInitialize(ctx); err != nil {
		if s.store != nil {
			_ = s.store.Close() //nolint:errcheck // best-effort cleanup on failed init
			s.store = nil
		}
		s.storeState(serviceCreated)
		return fmt.Errorf("token-manager: initialize: %w", err)
	}

	s.storeState(serviceReady)
	return nil
}

func (s *Service) doInitialize(ctx context.Context) error {
	store, err := storage.Open(ctx, s.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = store
	s.repo = storage.NewRepository(store)

	if err := s.repo.EnsureSeeded(ctx, func() time.Time { return time.Now().UTC() }, s.cfg.Allocator.PoolSize); err != nil {
		return fmt.Errorf("seed token pool: %w", err)
	}

	s.bus = eventbus.New()
	s.cache = statecache.New(s.repo, s.bus)

	// The Queue's Expirer is the Allocator this same Queue feeds into
	// Activate's Scheduler slot. Break the construction cycle with a
	// thin shim that forwards to s.alloc, set right after.
	s.q = queue.New(store.WriteDB(), expirerFunc(func(ctx context.Context, tokenID uuid.UUID) error {
		return s.alloc.ExpireIfDue(ctx, tokenID)
	}), s.cfg.Queue)
	s.alloc = allocator.New(s.repo, s.q, s.cache, s.bus, s.cfg.Allocator)

	if err := s.cache.Reload(ctx); err != nil {
		return fmt.Errorf("initial cache load: %w", err)
	}

	s.q.Start(ctx)

	reconcileCtx, cancel := context.WithCancel(context.Background())
	s.reconcileCancel = cancel
	go s.cache.RunReconciler(reconcileCtx, s.cfg.ReconcileInterval)

	return nil
}

// expirerFunc adapts a function to queue.Expirer.
type expirerFunc func(ctx context.Context, tokenID uuid.UUID) error

func (f expirerFunc) ExpireIfDue(ctx context.Context, tokenID uuid.UUID) error {
	return f(ctx, tokenID)
}

// enter checks the service is ready to accept a request and increments
// the inflight counter for the duration of the caller's operation. The
// returned leave function must be called exactly once.
func (s *Service) enter() (leave func(), err error) {
	switch s.loadState() {
	case serviceCreated, serviceInitializing:
		return nil, ErrNotInitialized
	case serviceShuttingDown:
		return nil, ErrShuttingDown
	}

	s.inflight.Add(1)
	return func() {
		if s.inflight.Add(-1) == 0 && s.loadState() == serviceShuttingDown {
			s.inflightDoneOnce.Do(func() { close(s.inflightDone) })
		}
	}, nil
}

// Activate grants userID a token.
func (s *Service) Activate(ctx context.Context, userID uuid.UUID) (allocator.Activation, error) {
	leave, err := s.enter()
	if err != nil {
		return allocator.Activation{}, err
	}
	defer leave()
	return s.alloc.Activate(ctx, userID)
}

// Release returns tokenID to the pool.
func (s *Service) Release(ctx context.Context, tokenID uuid.UUID) (storage.Token, error) {
	leave, err := s.enter()
	if err != nil {
		return storage.Token{}, err
	}
	defer leave()
	return s.alloc.Release(ctx, tokenID)
}

// ClearActive resets every active token to available.
func (s *Service) ClearActive(ctx context.Context) (int, error) {
	leave, err := s.enter()
	if err != nil {
		return 0, err
	}
	defer leave()
	return s.alloc.ClearActive(ctx)
}

// ListTokens returns every token's current snapshot, preferring the
// cache over the Repository.
func (s *Service) ListTokens(ctx context.Context) ([]statecache.Snapshot, error) {
	leave, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	if snaps := s.cache.ListAll(); len(snaps) > 0 {
		return snaps, nil
	}

	tokens, err := s.repo.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	out := make([]statecache.Snapshot, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, statecache.Snapshot{Token: tok})
	}
	return out, nil
}

// GetToken returns one token's current snapshot, preferring the cache.
func (s *Service) GetToken(ctx context.Context, tokenID uuid.UUID) (statecache.Snapshot, error) {
	leave, err := s.enter()
	if err != nil {
		return statecache.Snapshot{}, err
	}
	defer leave()

	if snap, ok := s.cache.Get(tokenID); ok {
		return snap, nil
	}

	tok, err := s.repo.GetToken(ctx, nil, tokenID)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return statecache.Snapshot{}, ErrTokenNotFound
	}
	if err != nil {
		return statecache.Snapshot{}, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	snap := statecache.Snapshot{Token: tok}
	if tok.IsActive() {
		usage, err := s.repo.GetOpenUsage(ctx, nil, tokenID)
		if err != nil {
			return statecache.Snapshot{}, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		snap.ActiveUsage = usage
	}
	return snap, nil
}

// GetTokenHistory returns every usage epoch for tokenID, most recent
// first.
func (s *Service) GetTokenHistory(ctx context.Context, tokenID uuid.UUID) ([]storage.Usage, error) {
	leave, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	if _, err := s.repo.GetToken(ctx, nil, tokenID); err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	history, err := s.repo.GetTokenHistory(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return history, nil
}

// QueueStats reports the delayed-release queue's job counts by status,
// an operator escape hatch for monitoring the release pipeline.
func (s *Service) QueueStats(ctx context.Context) (queue.Stats, error) {
	leave, err := s.enter()
	if err != nil {
		return queue.Stats{}, err
	}
	defer leave()
	return s.q.Stats(ctx)
}

// Shutdown stops accepting new request-method calls, drains in-flight
// ones, stops the queue workers and the cache reconciler, and closes
// the Store. Safe to call once; a second call is a no-op returning nil.
func (s *Service) Shutdown(ctx context.Context) error {
	prev := serviceState(s.state.Swap(uint32(serviceShuttingDown)))
	if prev == serviceShuttingDown {
		return nil
	}
	if prev == serviceCreated {
		return nil
	}

	if s.inflight.Load() == 0 {
		s.inflightDoneOnce.Do(func() { close(s.inflightDone) })
	}

	select {
	case <-s.inflightDone:
	case <-ctx.Done():
		logging.Logger().Warn("shutdown: context canceled while draining in-flight requests",
			"inflight", s.inflight.Load())
	case <-time.After(shutdownDrainTimeout):
		logging.Logger().Warn("shutdown: timed out waiting for in-flight requests to drain",
			"inflight", s.inflight.Load())
	}

	if s.reconcileCancel != nil {
		s.reconcileCancel()
	}

	var errs []error
	if s.q != nil {
		if err := s.q.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop queue: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
