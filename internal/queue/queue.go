package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gabrielangelo/token-manager/internal/allocator"
	"github.com/gabrielangelo/token-manager/internal/logging"
)

// Expirer is the single operation the queue drives at fire time.
// Implemented by internal/allocator.Allocator.
type Expirer interface {
	ExpireIfDue(ctx context.Context, tokenID uuid.UUID) error
}

// Queue is a durable delayed-release scheduler: Schedule persists a job
// row keyed by token_id, and a fixed pool of workers polls release_jobs
// for due work.
//
// Safe for concurrent use. Schedule may be called from any goroutine;
// Start/Stop bracket the worker pool's lifetime using an errgroup for
// parallel, cancelable shutdown.
type Queue struct {
	db      *sql.DB
	expirer Expirer
	cfg     Config
	now     func() time.Time

	closed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Queue against db (the Store's write handle, obtained
// via storage.Store.WriteDB — release_jobs is this package's own table
// but shares the database file). Panics if cfg.Validate() reports any
// errors.
func New(db *sql.DB, expirer Expirer, cfg Config) *Queue {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("token-manager: invalid queue config: %v", err))
	}
	if db == nil {
		panic("token-manager: queue db must not be nil")
	}
	if expirer == nil {
		panic("token-manager: queue expirer must not be nil")
	}
	return &Queue{
		db:      db,
		expirer: expirer,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Schedule upserts a pending job for tokenID due after delay. Duplicate
// schedules for the same token collapse into the single row, resetting
// its attempt count and run_at.
func (q *Queue) Schedule(ctx context.Context, tokenID uuid.UUID, delay time.Duration) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	now := q.now()
	runAt := now.Add(delay)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO release_jobs (token_id, run_at, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, 'pending', 0, NULL, ?, ?)
		ON CONFLICT(token_id) DO UPDATE SET
			run_at = excluded.run_at,
			status = 'pending',
			attempts = 0,
			last_error = NULL,
			updated_at = excluded.updated_at`,
		tokenID.String(), runAt, now, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScheduleFailed, err)
	}
	return nil
}

// Start launches the worker pool. Workers stop when ctx is canceled or
// Stop is called.
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	q.mu.Lock()
	q.cancel = cancel
	q.group = group
	q.mu.Unlock()

	for i := 0; i < q.cfg.WorkerCount; i++ {
		group.Go(func() error {
			q.workerLoop(groupCtx)
			return nil
		})
	}
}

// Stop signals every worker to exit and waits for them to drain.
func (q *Queue) Stop() error {
	q.closed.Store(true)

	q.mu.Lock()
	cancel := q.cancel
	group := q.group
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		return group.Wait()
	}
	return nil
}

func (q *Queue) workerLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainDueJobs(ctx)
		}
	}
}

// drainDueJobs claims and processes due jobs one at a time until none
// remain, bounding each tick's work to whatever was due at tick time.
func (q *Queue) drainDueJobs(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.claimNextDue(ctx)
		if err != nil {
			logging.Logger().Warn("queue: claim failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		q.process(ctx, *job)
	}
}

// claimNextDue atomically claims the earliest due pending job, setting
// its status to running, and returns it. Returns nil, nil if none are
// due. Single UPDATE ... RETURNING, safe under the single write
// connection described in storage/doc.go.
func (q *Queue) claimNextDue(ctx context.Context) (*Job, error) {
	now := q.now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE release_jobs SET status = 'running', updated_at = ?
		WHERE token_id = (
			SELECT token_id FROM release_jobs
			WHERE status = 'pending' AND run_at <= ?
			ORDER BY run_at ASC LIMIT 1
		)
		RETURNING token_id, run_at, status, attempts, last_error, created_at, updated_at`,
		now, now)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next due job: %w", err)
	}
	return &job, nil
}

// process invokes the Expirer for job and records the outcome. A
// success or ErrNotExpired result marks the job done — the expiration
// already happened or no longer applies, either way there's nothing
// left to retry. Any other error retries with exponential backoff up to
// cfg.MaxAttempts, after which the job is marked failed but never
// blocks the queue.
func (q *Queue) process(ctx context.Context, job Job) {
	err := q.expirer.ExpireIfDue(ctx, job.TokenID)
	if err == nil || errors.Is(err, allocator.ErrNotExpired) {
		q.markDone(ctx, job.TokenID)
		return
	}

	attempts := job.Attempts + 1
	if attempts >= q.cfg.MaxAttempts {
		q.markFailed(ctx, job.TokenID, attempts, err)
		return
	}
	backoff := q.cfg.BaseBackoff * time.Duration(1<<uint(attempts-1))
	q.markRetry(ctx, job.TokenID, attempts, backoff, err)
}

func (q *Queue) markDone(ctx context.Context, tokenID uuid.UUID) {
	now := q.now()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE release_jobs SET status = 'done', updated_at = ? WHERE token_id = ?`,
		now, tokenID.String()); err != nil {
		logging.Logger().Warn("queue: mark done failed", "token_id", tokenID, "error", err)
	}
}

func (q *Queue) markRetry(ctx context.Context, tokenID uuid.UUID, attempts int, backoff time.Duration, cause error) {
	now := q.now()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE release_jobs
		SET status = 'pending', attempts = ?, run_at = ?, last_error = ?, updated_at = ?
		WHERE token_id = ?`,
		attempts, now.Add(backoff), cause.Error(), now, tokenID.String()); err != nil {
		logging.Logger().Warn("queue: mark retry failed", "token_id", tokenID, "error", err)
	}
}

func (q *Queue) markFailed(ctx context.Context, tokenID uuid.UUID, attempts int, cause error) {
	now := q.now()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE release_jobs
		SET status = 'failed', attempts = ?, last_error = ?, updated_at = ?
		WHERE token_id = ?`,
		attempts, cause.Error(), now, tokenID.String()); err != nil {
		logging.Logger().Warn("queue: mark failed failed", "token_id", tokenID, "error", err)
	}
	logging.Logger().Warn("queue: job exhausted retries", "token_id", tokenID, "attempts", attempts, "error", cause)
}

// Stats returns a point-in-time count of jobs by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM release_jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("queue: stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = count
		case StatusRunning:
			s.Running = count
		case StatusDone:
			s.Done = count
		case StatusFailed:
			s.Failed = count
		}
	}
	return s, rows.Err()
}

func scanJob(row *sql.Row) (Job, error) {
	var (
		j         Job
		tokenID   string
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(&tokenID, &j.RunAt, &status, &j.Attempts, &lastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return Job{}, err
	}
	id, err := uuid.Parse(tokenID)
	if err != nil {
		return Job{}, fmt.Errorf("parse token_id: %w", err)
	}
	j.TokenID = id
	j.Status = Status(status)
	j.LastError = lastError.String
	return j, nil
}
