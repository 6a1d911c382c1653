package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/sync/delivery"
	"github.com/kimhsiao/posync/internal/sync/queue"
)

// Checkout states.
const (
	CheckoutDelivered = "delivered"
	CheckoutQueued    = "queued"
)

// Enqueuer durably stores a sale for later delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, sale []byte, key string) (*queue.Receipt, error)
}

// CheckoutResult describes what happened to a submitted sale.
type CheckoutResult struct {
	State      string         `json:"state"`
	Key        string         `json:"idempotencyKey"`
	StatusCode int            `json:"status,omitempty"`
	Receipt    *queue.Receipt `json:"receipt,omitempty"`
}

// Checkout is the live path a till takes when a sale completes: deliver now
// if possible, queue otherwise.
type Checkout struct {
	queue  Enqueuer
	client Deliverer
	online func() bool
	logger *logging.Logger
}

// NewCheckout creates a Checkout. online reports the current connectivity
// view; nil means always try the network first.
func NewCheckout(q Enqueuer, client Deliverer, online func() bool, logger *logging.Logger) *Checkout {
	if online == nil {
		online = func() bool { return true }
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Checkout{queue: q, client: client, online: online, logger: logger}
}

// Submit delivers sale in real time when online. A permanent rejection is
// returned to the caller so the till can correct the sale. A transient
// failure, or being offline, queues the sale under the same idempotency key.
func (c *Checkout) Submit(ctx context.Context, sale []byte, key string) (*CheckoutResult, error) {
	// Validate and pin the key before anything leaves the device, so a live
	// attempt and its queued retry share one key.
	order, err := queue.Encode(sale, key, time.Now())
	if err != nil {
		return nil, err
	}
	key = order.IdempotencyKey

	if c.online() {
		res := c.client.Deliver(ctx, key, order.Payload)
		switch res.Class {
		case delivery.ClassDelivered:
			return &CheckoutResult{State: CheckoutDelivered, Key: key, StatusCode: res.StatusCode}, nil
		case delivery.ClassPermanent:
			return nil, res.Err
		}
		c.logger.Info("live checkout failed, queueing sale", map[string]interface{}{
			"idempotency_key": key,
			"status":          res.StatusCode,
		})
	}

	receipt, err := c.queue.Enqueue(ctx, order.Payload, key)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{State: CheckoutQueued, Key: key, Receipt: receipt}, nil
}
