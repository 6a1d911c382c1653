package models

// DeferredTrigger is a durable named request to flush once connectivity
// returns.
type DeferredTrigger struct {
	Tag          string `db:"tag" json:"tag"`
	RegisteredAt int64  `db:"registered_at" json:"registeredAt"`
	FiredCount   int    `db:"fired_count" json:"firedCount"`
	LastFiredAt  int64  `db:"last_fired_at" json:"lastFiredAt,omitempty"`
}
