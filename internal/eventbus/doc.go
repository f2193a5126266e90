// Package eventbus implements a process-local pub/sub broker: a global
// token_states topic and a per-token topic, delivering at-most-once,
// best-effort notifications so subscribers can stay loosely coupled to
// the allocator's writers.
//
// Deliberately thin: no ACL layer (this system has no per-subscriber
// authorization) and no durable replay buffer (subscribers are
// in-process and re-check the Store or Cache for authoritative state
// rather than relying on buffered history).
package eventbus
