package queue

import "github.com/gabrielangelo/token-manager/internal/sentinel"

// ErrQueueClosed is returned by Schedule once Stop has been called.
const ErrQueueClosed = sentinel.Error("queue: closed")

// ErrScheduleFailed wraps a persistence failure while upserting a job row.
const ErrScheduleFailed = sentinel.Error("queue: schedule failed")
