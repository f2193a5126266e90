// Package storage owns the durable record: the tokens and token_usages
// tables, and the narrow locking-aware query layer (Repository) the
// allocator needs on top of them.
//
// The database is SQLite via modernc.org/sqlite (pure Go, no cgo). SQLite
// has no SELECT ... FOR UPDATE SKIP LOCKED, so row-level locking is
// obtained differently: the write handle is opened with
// SetMaxOpenConns(1) and WAL journaling, so every write transaction is
// already fully serialized at the connection-pool level.
// "Pick available, skip locked" and "pick oldest active, block" therefore
// reduce to plain SELECT ... LIMIT 1 queries inside the caller's write
// transaction, followed by UpdateToken: there is no concurrent writer
// left to skip or block against, and the BEGIN IMMEDIATE/COMMIT
// transaction boundary supplies the serializable-or-stronger guarantee
// on its own.
package storage
