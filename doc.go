// Package tokenmanager is the public facade over the token pool
// allocator: a fixed pool of fungible tokens checked out by user
// identifier, held for a bounded lifetime, and reclaimed automatically
// or on demand.
//
// Service wires internal/storage, internal/allocator, internal/queue,
// internal/statecache, and internal/eventbus together and exposes the
// lifecycle and request operations a process entry point needs:
// Initialize, Activate, Release, ClearActive, the read paths, and
// Shutdown. Callers that only need the lower-level pieces (for example
// to embed the allocator behind a different transport) can import the
// internal packages directly from within this module.
package tokenmanager
