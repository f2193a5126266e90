// Package allocator implements the transactional lifecycle operations over
// the token pool: activation (with LRU preemption once the pool is
// saturated), release, bulk clear, and delayed-release expiration.
//
// Allocator depends only on the Repository for persistence and on three
// small interfaces (Scheduler, Cache, Publisher) for its post-commit side
// effects, so the queue, cache, and event-bus packages can each implement
// the narrow slice they provide without Allocator importing any of them.
package allocator
