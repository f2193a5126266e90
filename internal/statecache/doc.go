// Package statecache implements an in-memory mirror of token state: an
// atomic.Pointer-backed snapshot map offering lock-free reads, updated
// by Allocator side effects through a single mutex-serialized writer,
// and periodically reconciled from the Repository to bound drift from
// any missed update.
//
// The copy-on-write atomic.Pointer[map[...]Snapshot] field gives many
// concurrent lock-free readers exactly one field of mutable state,
// swapped wholesale on every write.
package statecache
