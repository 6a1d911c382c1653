// Package queue is the durable pending-order queue: the record codec and a
// facade over the store used by checkout, the sync engine and the operator
// surfaces.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/posync/internal/db"
	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/models"
	"github.com/kimhsiao/posync/internal/telemetry"
)

// Receipt confirms that a sale is durably queued.
type Receipt struct {
	LocalID   int64     `json:"localId"`
	Key       string    `json:"idempotencyKey"`
	CreatedAt time.Time `json:"createdAt"`
	Duplicate bool      `json:"duplicate"`
}

// DeferredRegistrar records a deferred sync request under a tag.
type DeferredRegistrar interface {
	RegisterDeferred(ctx context.Context, tag string) error
}

// Queue manages pending orders.
type Queue struct {
	repo   db.PendingOrderRepository
	logger *logging.Logger
	stats  *telemetry.Collector
	now    func() time.Time

	tag       string
	registrar atomic.Pointer[registrarBinding]
}

type registrarBinding struct {
	reg    DeferredRegistrar
	online func() bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithTelemetry counts new enqueues in c.
func WithTelemetry(c *telemetry.Collector) Option {
	return func(q *Queue) { q.stats = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithDeferredTag sets the tag registered after offline enqueues.
func WithDeferredTag(tag string) Option {
	return func(q *Queue) { q.tag = tag }
}

// New creates a Queue over repo.
func New(repo db.PendingOrderRepository, opts ...Option) *Queue {
	q := &Queue{
		repo:   repo,
		logger: logging.Get(),
		now:    time.Now,
		tag:    "sync-pending-orders",
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// BindDeferred connects the queue to the trigger registry. online reports the
// current connectivity view; registration only happens while offline.
func (q *Queue) BindDeferred(reg DeferredRegistrar, online func() bool) {
	q.registrar.Store(&registrarBinding{reg: reg, online: online})
}

// Enqueue durably stores a sale and returns its receipt. A store failure is
// always returned to the caller; the sale must not be treated as saved.
func (q *Queue) Enqueue(ctx context.Context, sale []byte, key string) (*Receipt, error) {
	order, err := Encode(sale, key, q.now())
	if err != nil {
		return nil, err
	}

	duplicate, err := q.repo.EnqueuePendingOrder(ctx, order)
	if err != nil {
		q.logger.ErrorWithCode("sale not queued", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"idempotency_key": order.IdempotencyKey,
		})
		return nil, apperrors.Wrap(apperrors.ErrEnqueueFailed, "sale not queued", err)
	}

	receipt := &Receipt{
		LocalID:   order.LocalID,
		Key:       order.IdempotencyKey,
		CreatedAt: time.UnixMilli(order.CreatedAt),
		Duplicate: duplicate,
	}
	if !duplicate && q.stats != nil {
		q.stats.RecordEnqueued()
	}
	q.logger.Info("sale queued", map[string]interface{}{
		"local_id":  receipt.LocalID,
		"duplicate": duplicate,
	})

	q.registerIfOffline(ctx)
	return receipt, nil
}

// registerIfOffline re-registers the deferred trigger on every offline
// enqueue. The sale is already durable, so a failure here is only logged.
func (q *Queue) registerIfOffline(ctx context.Context) {
	b := q.registrar.Load()
	if b == nil || b.online() {
		return
	}
	if err := b.reg.RegisterDeferred(ctx, q.tag); err != nil {
		q.logger.Warn("failed to register deferred sync", map[string]interface{}{
			"tag":   q.tag,
			"error": err.Error(),
		})
	}
}

// Pending returns the active queue in delivery order. Rows whose payload no
// longer decodes are quarantined instead of failing the whole read.
func (q *Queue) Pending(ctx context.Context) ([]*Item, error) {
	orders, err := q.repo.ListPendingOrders(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(orders))
	for _, order := range orders {
		item, err := Decode(order)
		if err != nil {
			q.logger.Error("quarantining undecodable pending order", err, map[string]interface{}{
				"local_id": order.LocalID,
			})
			if qerr := q.repo.QuarantinePendingOrder(ctx, order.LocalID, q.now()); qerr != nil {
				q.logger.Error("failed to quarantine pending order", qerr, map[string]interface{}{
					"local_id": order.LocalID,
				})
			}
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Ack removes a delivered order. Acking twice is harmless.
func (q *Queue) Ack(ctx context.Context, localID int64) error {
	return q.repo.RemovePendingOrder(ctx, localID)
}

// Fail records a failed delivery and returns the permanent rejection count.
func (q *Queue) Fail(ctx context.Context, localID int64, status int, message string, permanent bool) (int, error) {
	return q.repo.RecordDeliveryFailure(ctx, localID, status, message, permanent, q.now())
}

// Quarantine parks an order outside normal flushes.
func (q *Queue) Quarantine(ctx context.Context, localID int64) error {
	if err := q.repo.QuarantinePendingOrder(ctx, localID, q.now()); err != nil {
		return err
	}
	q.logger.Warn("pending order quarantined", map[string]interface{}{"local_id": localID})
	return nil
}

// List returns the active queue in delivery order without side effects.
// Rows that no longer decode are included with the decode error as their
// last error; only Pending quarantines them.
func (q *Queue) List(ctx context.Context) ([]*Item, error) {
	orders, err := q.repo.ListPendingOrders(ctx)
	if err != nil {
		return nil, err
	}
	return describeAll(orders), nil
}

// Get returns one order, active or quarantined.
func (q *Queue) Get(ctx context.Context, localID int64) (*Item, error) {
	order, err := q.repo.GetPendingOrder(ctx, localID)
	if err != nil {
		return nil, err
	}
	return describe(order), nil
}

// Quarantined lists parked orders.
func (q *Queue) Quarantined(ctx context.Context) ([]*Item, error) {
	orders, err := q.repo.ListQuarantinedOrders(ctx)
	if err != nil {
		return nil, err
	}
	return describeAll(orders), nil
}

func describeAll(orders []*models.PendingOrder) []*Item {
	items := make([]*Item, 0, len(orders))
	for _, order := range orders {
		items = append(items, describe(order))
	}
	return items
}

// describe decodes order for display. An undecodable row is still listable,
// the operator needs to see it.
func describe(order *models.PendingOrder) *Item {
	item, err := Decode(order)
	if err == nil {
		return item
	}
	item = &Item{
		LocalID:    order.LocalID,
		Key:        order.IdempotencyKey,
		Payload:    order.Payload,
		CreatedAt:  time.UnixMilli(order.CreatedAt),
		Attempts:   order.Attempts,
		LastStatus: order.LastStatus,
		LastError:  err.Error(),
	}
	if order.QuarantinedAt != 0 {
		t := time.UnixMilli(order.QuarantinedAt)
		item.QuarantinedAt = &t
	}
	return item
}

// Requeue returns a quarantined order to the queue.
func (q *Queue) Requeue(ctx context.Context, localID int64) error {
	if err := q.repo.RequeuePendingOrder(ctx, localID); err != nil {
		return err
	}
	q.logger.Info("pending order requeued", map[string]interface{}{"local_id": localID})
	return nil
}

// Len returns the number of active and quarantined orders.
func (q *Queue) Len(ctx context.Context) (active, quarantined int, err error) {
	return q.repo.CountPendingOrders(ctx)
}
