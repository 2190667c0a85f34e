// Package queue defines the durable queue contract the job subsystem runs
// against, plus a Redis-backed engine implementing it.
package queue

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by engine implementations.
var (
	// ErrDuplicateJob is returned by Enqueue when an in-flight entry already
	// holds the same deduplication key.
	ErrDuplicateJob = errors.New("duplicate job: an entry with the same dedup key is already in flight")
	// ErrEntryNotFound is returned when the engine has no record of the entry id.
	ErrEntryNotFound = errors.New("queue entry not found")
	// ErrWorkerRegistered is returned when a second consumer is registered on
	// the same engine handle.
	ErrWorkerRegistered = errors.New("a worker is already registered on this queue")
)

// EntryState is the engine's view of a queue entry. It is secondary to the
// job store and consulted only for disambiguation during recovery and
// cancellation.
type EntryState string

// Entry states
const (
	// EntryStateCreated means the entry is waiting to be claimed
	EntryStateCreated EntryState = "created"
	// EntryStateRetry means the entry failed and is waiting for its retry delay
	EntryStateRetry EntryState = "retry"
	// EntryStateActive means a consumer currently holds a lease on the entry
	EntryStateActive EntryState = "active"
	// EntryStateCompleted means the entry was processed and acknowledged
	EntryStateCompleted EntryState = "completed"
	// EntryStateCancelled means the entry was cancelled before being claimed
	EntryStateCancelled EntryState = "cancelled"
	// EntryStateFailed means the entry exhausted its retry limit
	EntryStateFailed EntryState = "failed"
)

// Job is a single queue entry delivered to a consumer batch.
type Job struct {
	ID         string
	Payload    []byte
	Priority   int
	RetryCount int
}

// Handler is the batch consumer callback. Returning an error re-raises the
// whole batch to the engine, which retries every entry after the configured
// delay until the retry limit is reached.
type Handler func(ctx context.Context, jobs []*Job) error

// EnqueueOptions control a single enqueue call.
type EnqueueOptions struct {
	// Priority is an advisory dispatch-ordering hint, 1 (lowest) to 10.
	Priority int
	// DedupKey, when non-empty, rejects the enqueue with ErrDuplicateJob if
	// another in-flight entry holds the same key.
	DedupKey string
	// RetryLimit bounds engine-level retries of this entry.
	RetryLimit int
	// RetryDelay is the backoff between engine-level retries.
	RetryDelay time.Duration
	// TTL is how long terminal entry metadata stays queryable.
	TTL time.Duration
}

// Depth reports the engine's backlog.
type Depth struct {
	Pending int64 `json:"pending"`
	Active  int64 `json:"active"`
}

// Engine is the durable queue contract. Implementations must provide
// at-least-once delivery with a lease timeout, bounded automatic retry with a
// configurable delay, and best-effort per-key duplicate rejection.
type Engine interface {
	Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (string, error)
	Status(ctx context.Context, id string) (EntryState, error)
	Cancel(ctx context.Context, id string) (bool, error)
	RegisterWorker(batchSize int, handler Handler) error
	Depth(ctx context.Context) (Depth, error)
	Close() error
}
