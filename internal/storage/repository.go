package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// querier is satisfied by both *sql.DB and *sql.Tx, so every Repository
// method can run either standalone against the read handle or inside a
// write transaction without duplicating SQL.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the narrow query layer the allocator is built on. Every
// method that mutates state takes an explicit querier so it can be
// composed inside WithTransaction; read-only methods default to the
// Store's read handle when called standalone.
type Repository struct {
	store *Store
}

// NewRepository wraps store.
func NewRepository(store *Store) *Repository {
	return &Repository{store: store}
}

// WithTransaction runs fn inside a write transaction on the single write
// connection. Because that connection is capped at one open connection
// (db.go), and the DSN requests BEGIN IMMEDIATE semantics (_txlock=immediate),
// no other write transaction can be in flight while fn runs: this is the
// substitute for row-level locking described in doc.go.
func (r *Repository) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := r.store.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback() //nolint:errcheck // best-effort; tx is abandoned either way
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit transaction: %w", err)
	}
	committed = true
	return nil
}

// CountTotal returns the number of rows in tokens.
func (r *Repository) CountTotal(ctx context.Context, q querier) (int, error) {
	if q == nil {
		q = r.store.read
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count total: %w", err)
	}
	return n, nil
}

// CountActive returns the number of tokens currently active. Used both
// standalone (operator visibility) and as an advisory fast-path check
// inside a transaction before a caller commits to a more expensive query.
func (r *Repository) CountActive(ctx context.Context, q querier) (int, error) {
	if q == nil {
		q = r.store.read
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens WHERE status = 'active'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count active: %w", err)
	}
	return n, nil
}

// CountOpenUsages returns the number of token_usages rows with a null
// ended_at. In a healthy system this always equals CountActive.
func (r *Repository) CountOpenUsages(ctx context.Context, q querier) (int, error) {
	if q == nil {
		q = r.store.read
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_usages WHERE ended_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count open usages: %w", err)
	}
	return n, nil
}

// ListTokens returns every token row, ordered by id for stable pagination.
func (r *Repository) ListTokens(ctx context.Context) ([]Token, error) {
	rows, err := r.store.read.QueryContext(ctx, `
		SELECT id, status, current_user_id, activated_at, created_at, updated_at
		FROM tokens ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tokens: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list tokens: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetToken returns the token with the given id, or ErrTokenNotFound.
func (r *Repository) GetToken(ctx context.Context, q querier, id uuid.UUID) (Token, error) {
	if q == nil {
		q = r.store.read
	}
	row := q.QueryRowContext(ctx, `
		SELECT id, status, current_user_id, activated_at, created_at, updated_at
		FROM tokens WHERE id = ?`, id.String())
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("storage: get token: %w", err)
	}
	return t, nil
}

// GetUserActiveToken returns the token currently active for userID, if
// any. A nil, nil result means the user holds no active token.
func (r *Repository) GetUserActiveToken(ctx context.Context, q querier, userID uuid.UUID) (*Token, error) {
	if q == nil {
		q = r.store.read
	}
	row := q.QueryRowContext(ctx, `
		SELECT id, status, current_user_id, activated_at, created_at, updated_at
		FROM tokens WHERE status = 'active' AND current_user_id = ?`, userID.String())
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get user active token: %w", err)
	}
	return &t, nil
}

// PickAvailableForUpdate returns an arbitrary available token, or nil if
// none remain. Must be called with a transaction querier: the pick is
// only safe because the caller holds the single write connection for
// the remainder of the transaction (no concurrent writer can claim the
// same row between pick and update).
func (r *Repository) PickAvailableForUpdate(ctx context.Context, tx *sql.Tx) (*Token, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, status, current_user_id, activated_at, created_at, updated_at
		FROM tokens WHERE status = 'available' ORDER BY id ASC LIMIT 1`)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: pick available token: %w", err)
	}
	return &t, nil
}

// PickOldestActiveForUpdate returns the active token that has been held
// longest, breaking ties by id for determinism, or nil if none are
// active. Used by the preemption path.
func (r *Repository) PickOldestActiveForUpdate(ctx context.Context, tx *sql.Tx) (*Token, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, status, current_user_id, activated_at, created_at, updated_at
		FROM tokens WHERE status = 'active' ORDER BY activated_at ASC, id ASC LIMIT 1`)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: pick oldest active token: %w", err)
	}
	return &t, nil
}

// UpdateToken persists every mutable field of t. A unique-constraint
// violation on (current_user_id) is translated to ErrActiveUserConflict
// so callers never parse driver error text.
func (r *Repository) UpdateToken(ctx context.Context, tx *sql.Tx, t Token) error {
	var userID any
	if t.CurrentUserID != nil {
		userID = t.CurrentUserID.String()
	}
	var activatedAt any
	if t.ActivatedAt != nil {
		activatedAt = *t.ActivatedAt
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE tokens SET status = ?, current_user_id = ?, activated_at = ?, updated_at = ?
		WHERE id = ?`,
		string(t.Status), userID, activatedAt, t.UpdatedAt, t.ID.String())
	if isUniqueConstraintViolation(err) {
		return ErrActiveUserConflict
	}
	if err != nil {
		return fmt.Errorf("storage: update token: %w", err)
	}
	return nil
}

// InsertUsage records a new activation epoch.
func (r *Repository) InsertUsage(ctx context.Context, tx *sql.Tx, u Usage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_usages (id, token_id, user_id, started_at, ended_at, created_at)
		VALUES (?, ?, ?, ?, NULL, ?)`,
		u.ID.String(), u.TokenID.String(), u.UserID.String(), u.StartedAt, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert usage: %w", err)
	}
	return nil
}

// UpdateUsage closes (or otherwise updates) an existing usage row.
func (r *Repository) UpdateUsage(ctx context.Context, tx *sql.Tx, u Usage) error {
	var endedAt any
	if u.EndedAt != nil {
		endedAt = *u.EndedAt
	}
	_, err := tx.ExecContext(ctx, `UPDATE token_usages SET ended_at = ? WHERE id = ?`, endedAt, u.ID.String())
	if err != nil {
		return fmt.Errorf("storage: update usage: %w", err)
	}
	return nil
}

// GetOpenUsage returns the currently-open usage row for tokenID, if any.
func (r *Repository) GetOpenUsage(ctx context.Context, q querier, tokenID uuid.UUID) (*Usage, error) {
	if q == nil {
		q = r.store.read
	}
	row := q.QueryRowContext(ctx, `
		SELECT id, token_id, user_id, started_at, ended_at, created_at
		FROM token_usages WHERE token_id = ? AND ended_at IS NULL LIMIT 1`, tokenID.String())
	u, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get open usage: %w", err)
	}
	return &u, nil
}

// GetTokenHistory returns every usage epoch for tokenID, most recent
// first, open epoch included.
func (r *Repository) GetTokenHistory(ctx context.Context, id uuid.UUID) ([]Usage, error) {
	rows, err := r.store.read.QueryContext(ctx, `
		SELECT id, token_id, user_id, started_at, ended_at, created_at
		FROM token_usages WHERE token_id = ? ORDER BY started_at DESC`, id.String())
	if err != nil {
		return nil, fmt.Errorf("storage: get token history: %w", err)
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: get token history: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ClearAllActive resets every active token to available and closes its
// open usage row, all at the single timestamp now. It returns the ids
// of the tokens that were reset, so callers can propagate per-token
// cache and event updates without a second query.
func (r *Repository) ClearAllActive(ctx context.Context, tx *sql.Tx, now time.Time) ([]uuid.UUID, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tokens WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("storage: clear all active: list: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: clear all active: scan: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: clear all active: parse id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("storage: clear all active: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE token_usages SET ended_at = ?
		WHERE ended_at IS NULL AND token_id IN (SELECT id FROM tokens WHERE status = 'active')`, now); err != nil {
		return nil, fmt.Errorf("storage: clear all active: close usages: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tokens SET status = 'available', current_user_id = NULL, activated_at = NULL, updated_at = ?
		WHERE status = 'active'`, now); err != nil {
		return nil, fmt.Errorf("storage: clear all active: reset tokens: %w", err)
	}

	return ids, nil
}

// EnsureSeeded tops the token pool up to exactly target rows if it is
// short. The count and the inserts run in one write transaction (not
// under the migration lock, which Open releases after migrating), so
// two concurrent callers never both insert. Run once at boot.
func (r *Repository) EnsureSeeded(ctx context.Context, now func() time.Time, target int) error {
	return r.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		count, err := r.CountTotal(ctx, tx)
		if err != nil {
			return err
		}
		if count >= target {
			return nil
		}

		ts := now()
		for i := count; i < target; i++ {
			id := uuid.New()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tokens (id, status, current_user_id, activated_at, created_at, updated_at)
				VALUES (?, 'available', NULL, NULL, ?, ?)`, id.String(), ts, ts); err != nil {
				return fmt.Errorf("storage: seed token: %w", err)
			}
		}
		return nil
	})
}

func scanToken(row interface{ Scan(dest ...any) error }) (Token, error) {
	var (
		t           Token
		id          string
		status      string
		userID      sql.NullString
		activatedAt sql.NullTime
	)
	if err := row.Scan(&id, &status, &userID, &activatedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Token{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Token{}, fmt.Errorf("parse token id: %w", err)
	}
	t.ID = parsed
	t.Status = Status(status)
	if userID.Valid {
		u, err := uuid.Parse(userID.String)
		if err != nil {
			return Token{}, fmt.Errorf("parse current_user_id: %w", err)
		}
		t.CurrentUserID = &u
	}
	if activatedAt.Valid {
		at := activatedAt.Time
		t.ActivatedAt = &at
	}
	return t, nil
}

func scanUsage(row interface{ Scan(dest ...any) error }) (Usage, error) {
	var (
		u        Usage
		id       string
		tokenID  string
		userID   string
		endedAt  sql.NullTime
	)
	if err := row.Scan(&id, &tokenID, &userID, &u.StartedAt, &endedAt, &u.CreatedAt); err != nil {
		return Usage{}, err
	}
	var err error
	if u.ID, err = uuid.Parse(id); err != nil {
		return Usage{}, fmt.Errorf("parse usage id: %w", err)
	}
	if u.TokenID, err = uuid.Parse(tokenID); err != nil {
		return Usage{}, fmt.Errorf("parse token_id: %w", err)
	}
	if u.UserID, err = uuid.Parse(userID); err != nil {
		return Usage{}, fmt.Errorf("parse user_id: %w", err)
	}
	if endedAt.Valid {
		at := endedAt.Time
		u.EndedAt = &at
	}
	return u, nil
}

// isUniqueConstraintViolation reports whether err came from a SQLite
// UNIQUE constraint failure. modernc.org/sqlite does not export a typed
// error for this, so the check is a substring match against its message,
// mirroring the driver's own documented error text.
func isUniqueConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
