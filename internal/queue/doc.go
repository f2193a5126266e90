// Package queue implements the durable delayed-release scheduler: a job
// row per token_id in the release_jobs table (storage/schema.go), polled
// by a small fixed worker pool that invokes an Expirer when a job comes
// due, with bounded retries and exponential backoff on failure.
//
// One row per token_id rather than one row per schedule call gives the
// "at most one enqueued-or-running job per token_id" uniqueness for
// free: Schedule upserts the row.
package queue
