package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"

	"github.com/gabrielangelo/token-manager/internal/fileutil"
)

// sqliteBusyTimeoutMs bounds how long a connection waits for a lock held
// by another connection before returning SQLITE_BUSY. WAL mode keeps
// writer/reader contention rare, but a generous timeout absorbs the
// occasional checkpoint stall without surfacing spurious errors to callers.
const sqliteBusyTimeoutMs = 5000

// maxReadConns bounds the read pool. SQLite readers do not block each
// other under WAL, so this can comfortably exceed 1; it is not meant to
// scale with load, only to avoid serializing unrelated read paths
// (list/get/history) behind each other.
const maxReadConns = 8

// Store owns the durable record: a SQLite database split into a
// single-connection write handle and a multi-connection read handle
// (for ":memory:" the two are the same single-connection handle).
//
// The write handle's SetMaxOpenConns(1) is the mechanism described in
// doc.go: it makes every write transaction fully serialized, standing
// in for the row-level locking a general relational database would
// provide natively.
type Store struct {
	write *sql.DB
	read  *sql.DB
	path  string
}

func dsn(path string, mode string) string {
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&mode=%s",
		path, sqliteBusyTimeoutMs, mode,
	)
}

// Open opens (creating if necessary) the SQLite database at path and
// migrates its schema under a cross-process file lock. It does not seed
// the token pool; that is Repository.EnsureSeeded. Returns a
// ready-to-use Store.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: database path must not be empty")
	}
	if path != ":memory:" {
		if err := fileutil.EnsureDirForFile(path); err != nil {
			return nil, fmt.Errorf("storage: prepare data directory: %w", err)
		}
	}

	write, err := sql.Open("sqlite", dsn(path, "rwc")+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("storage: open write handle: %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetConnMaxLifetime(0)

	// An in-memory SQLite database is private to the connection that
	// opened it, so ":memory:" serves reads from the write handle.
	read := write
	if path != ":memory:" {
		read, err = sql.Open("sqlite", dsn(path, "ro")+"&_pragma=query_only(1)")
		if err != nil {
			write.Close() //nolint:errcheck // best-effort cleanup on open failure
			return nil, fmt.Errorf("storage: open read handle: %w", err)
		}
		read.SetMaxOpenConns(maxReadConns)
	}

	s := &Store{write: write, read: read, path: path}

	if err := s.migrate(ctx); err != nil {
		s.Close() //nolint:errcheck // best-effort cleanup on migration failure
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return s, nil
}

// Close releases both database handles.
func (s *Store) Close() error {
	readErr := s.read.Close()
	writeErr := s.write.Close()
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

// Ping verifies the write handle is reachable, bounded by ctx.
func (s *Store) Ping(ctx context.Context) error {
	return s.write.PingContext(ctx)
}

// WriteDB exposes the single-connection write handle to packages that own
// their own tables in this database (the queue package's release_jobs)
// without needing a Repository of their own.
func (s *Store) WriteDB() *sql.DB {
	return s.write
}

// ReadDB exposes the multi-connection read handle, for the same reason as
// WriteDB but for read-only queries.
func (s *Store) ReadDB() *sql.DB {
	return s.read
}

// migrate applies schema (idempotent) under the cross-process migration
// lock described in lock.go, so that two processes booting against the
// same database file concurrently never race on table creation.
func (s *Store) migrate(ctx context.Context) error {
	lockPath := s.path + ".migrate.lock"
	if s.path == ":memory:" {
		lockPath = ""
	}

	return withMigrationLock(ctx, lockPath, func() error {
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := s.write.ExecContext(migrateCtx, schema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
}
