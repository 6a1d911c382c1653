// Package models provides data model definitions for the till daemon.
package models

import "encoding/json"

// PendingOrder is a sale that has not yet been acknowledged by the order
// service. Timestamps are unix milliseconds. Attempts counts permanent
// rejections only; transient failures just update the Last* fields.
type PendingOrder struct {
	LocalID        int64           `db:"local_id" json:"localId"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotencyKey"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	CreatedAt      int64           `db:"created_at" json:"createdAt"`
	Attempts       int             `db:"attempts" json:"attempts"`
	LastStatus     int             `db:"last_status" json:"lastStatus,omitempty"`
	LastError      string          `db:"last_error" json:"lastError,omitempty"`
	LastAttemptAt  int64           `db:"last_attempt_at" json:"lastAttemptAt,omitempty"`
	QuarantinedAt  int64           `db:"quarantined_at" json:"quarantinedAt,omitempty"`
}
