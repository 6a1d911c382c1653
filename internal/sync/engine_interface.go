// Package sync drains the pending-order queue against the order service.
package sync

import (
	"context"

	"github.com/kimhsiao/posync/internal/sync/delivery"
	"github.com/kimhsiao/posync/internal/sync/queue"
)

// Flusher is the flush entry point shared by every trigger source.
type Flusher interface {
	// Flush runs one complete pass over the queue. A call made while a run
	// is in flight returns ErrSyncInProgress without touching the store.
	Flush(ctx context.Context) (*RunResult, error)

	// IsSyncing reports whether a run is in flight.
	IsSyncing() bool
}

// StatusReporter exposes engine state to the status endpoint.
type StatusReporter interface {
	Status() SyncStatus
	LastRun() *RunResult
	LastError() error
	IsSyncing() bool
}

// Store is the subset of the queue the engine uses.
type Store interface {
	Pending(ctx context.Context) ([]*queue.Item, error)
	Ack(ctx context.Context, localID int64) error
	Fail(ctx context.Context, localID int64, status int, message string, permanent bool) (int, error)
	Quarantine(ctx context.Context, localID int64) error
}

// Deliverer sends one sale.
type Deliverer interface {
	Deliver(ctx context.Context, key string, payload []byte) delivery.Result
}

// Broadcaster fans a message out to every open foreground context.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{})
}

var (
	_ Flusher        = (*Engine)(nil)
	_ StatusReporter = (*Engine)(nil)
	_ Store          = (*queue.Queue)(nil)
	_ Deliverer      = (*delivery.Client)(nil)
)
