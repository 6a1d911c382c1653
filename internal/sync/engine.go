package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/sync/delivery"
	"github.com/kimhsiao/posync/internal/telemetry"
	"github.com/kimhsiao/posync/internal/uuid"
)

// Broadcast message types.
const (
	MessageSyncResult = "sync-result"
	MessageSyncError  = "sync-error"
)

// ErrSyncInProgress is returned by Flush while another run holds the engine.
var ErrSyncInProgress = apperrors.New(apperrors.ErrSyncInProgress, "a sync run is already in progress")

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// ResultMessage is the sync-result payload.
type ResultMessage struct {
	Success     int `json:"success"`
	Failed      int `json:"failed"`
	Quarantined int `json:"quarantined,omitempty"`
}

// ErrorMessage is the sync-error payload.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Outcome is the result of one record in a run.
type Outcome struct {
	LocalID     int64          `json:"localId"`
	StatusCode  int            `json:"status,omitempty"`
	Class       delivery.Class `json:"class"`
	Error       string         `json:"error,omitempty"`
	Quarantined bool           `json:"quarantined,omitempty"`
}

// RunResult summarises one flush. It is not persisted.
type RunResult struct {
	RunID       string    `json:"runId"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Success     int       `json:"success"`
	Failed      int       `json:"failed"`
	Quarantined int       `json:"quarantined"`
	Outcomes    []Outcome `json:"outcomes"`
	Error       string    `json:"error,omitempty"`
}

// Message returns the sync-result payload for this run.
func (r *RunResult) Message() ResultMessage {
	return ResultMessage{Success: r.Success, Failed: r.Failed, Quarantined: r.Quarantined}
}

// Config configures an Engine.
type Config struct {
	// PermanentFailureLimit is the number of permanent rejections after
	// which a record is quarantined.
	PermanentFailureLimit int
	Logger                *logging.Logger
	Telemetry             *telemetry.Collector
	Now                   func() time.Time
}

// Engine owns the flush algorithm and the isSyncing flag.
type Engine struct {
	store       Store
	client      Deliverer
	broadcaster Broadcaster
	limit       int
	logger      *logging.Logger
	stats       *telemetry.Collector
	now         func() time.Time

	syncing atomic.Bool

	mu      stdsync.RWMutex
	status  SyncStatus
	lastRun *RunResult
	lastErr error
}

// NewEngine creates an Engine.
func NewEngine(store Store, client Deliverer, broadcaster Broadcaster, cfg Config) *Engine {
	if cfg.PermanentFailureLimit < 1 {
		cfg.PermanentFailureLimit = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:       store,
		client:      client,
		broadcaster: broadcaster,
		limit:       cfg.PermanentFailureLimit,
		logger:      cfg.Logger,
		stats:       cfg.Telemetry,
		now:         cfg.Now,
		status:      SyncStatusIdle,
	}
}

// Flush drains the queue once, strictly sequentially in creation order.
//
// The flag is taken with a compare-and-swap before anything can block, so a
// concurrent call returns ErrSyncInProgress with no store access and no
// broadcast. A failed record never stops the loop. The outcome is broadcast
// before the flag is released, and the flag is released on every path.
//
// A cancelled ctx stops the loop before the next record; records not yet
// attempted stay queued and are not counted.
func (e *Engine) Flush(ctx context.Context) (*RunResult, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		e.stats.RecordSkipped()
		e.logger.Debug("sync already in progress, trigger ignored")
		return nil, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	e.setStatus(SyncStatusSyncing)
	result := &RunResult{
		RunID:     uuid.New(),
		StartedAt: e.now(),
		Outcomes:  []Outcome{},
	}

	items, err := e.store.Pending(ctx)
	if err != nil {
		result.FinishedAt = e.now()
		result.Error = err.Error()
		e.logger.ErrorWithCode("sync run could not start", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"run_id": result.RunID,
		})
		e.broadcast(MessageSyncError, ErrorMessage{Message: fmt.Sprintf("cannot read pending orders: %v", err)})
		e.finish(result, err)
		return result, apperrors.Wrap(apperrors.ErrSyncFailed, "cannot read pending orders", err)
	}

	// Store writes after a delivery must land even if ctx is cancelled
	// mid-run, otherwise a delivered sale could be left unacknowledged.
	storeCtx := context.WithoutCancel(ctx)

	var runErr error
	for _, item := range items {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}

		res := e.client.Deliver(ctx, item.Key, item.Payload)
		if !res.Delivered() && ctx.Err() != nil {
			// interrupted by shutdown, not a verdict on the record
			runErr = ctx.Err()
			break
		}

		outcome := Outcome{LocalID: item.LocalID, StatusCode: res.StatusCode, Class: res.Class}

		if res.Delivered() {
			if err := e.store.Ack(storeCtx, item.LocalID); err != nil {
				// The service has the sale; it is re-sent under the same
				// idempotency key next run.
				e.logger.Error("delivered order could not be removed", err, map[string]interface{}{
					"local_id": item.LocalID,
				})
			}
			result.Success++
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}

		result.Failed++
		if res.Err != nil {
			outcome.Error = res.Err.Error()
		}
		e.recordFailure(storeCtx, item.LocalID, res, &outcome)
		if outcome.Quarantined {
			result.Quarantined++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	result.FinishedAt = e.now()
	if runErr != nil {
		result.Error = runErr.Error()
	}

	e.logger.Info("sync run finished", map[string]interface{}{
		"run_id":      result.RunID,
		"success":     result.Success,
		"failed":      result.Failed,
		"quarantined": result.Quarantined,
		"pending":     len(items),
		"duration_ms": result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	})
	e.stats.RecordRun(result.FinishedAt, result.Success, result.Failed, result.Quarantined)
	e.broadcast(MessageSyncResult, result.Message())
	e.finish(result, runErr)
	return result, runErr
}

// recordFailure stores the failure and quarantines the record once it has
// been permanently rejected limit times. Transient failures never count.
func (e *Engine) recordFailure(ctx context.Context, localID int64, res delivery.Result, outcome *Outcome) {
	permanent := res.Class == delivery.ClassPermanent
	message := ""
	if res.Err != nil {
		message = res.Err.Error()
	}

	attempts, err := e.store.Fail(ctx, localID, res.StatusCode, message, permanent)
	if err != nil {
		e.logger.Error("failed to record delivery failure", err, map[string]interface{}{
			"local_id": localID,
		})
		return
	}

	e.logger.Warn("order delivery failed", map[string]interface{}{
		"local_id": localID,
		"status":   res.StatusCode,
		"class":    string(res.Class),
		"attempts": attempts,
	})

	if !permanent || attempts < e.limit {
		return
	}
	if err := e.store.Quarantine(ctx, localID); err != nil {
		e.logger.Error("failed to quarantine order", err, map[string]interface{}{
			"local_id": localID,
		})
		return
	}
	outcome.Quarantined = true
}

func (e *Engine) broadcast(msgType string, payload interface{}) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.Broadcast(msgType, payload)
}

func (e *Engine) setStatus(s SyncStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Engine) finish(result *RunResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRun = result
	e.lastErr = err
	if err != nil {
		e.status = SyncStatusFailed
	} else {
		e.status = SyncStatusIdle
	}
}

// IsSyncing reports whether a run is in flight.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastRun returns a copy of the most recent run, or nil before the first.
func (e *Engine) LastRun() *RunResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastRun == nil {
		return nil
	}
	cp := *e.lastRun
	cp.Outcomes = append([]Outcome(nil), e.lastRun.Outcomes...)
	return &cp
}

// LastError returns the error of the most recent run.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}
