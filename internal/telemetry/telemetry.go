// Package telemetry keeps local sync counters for the status endpoint and the
// CLI. Nothing here is ever transmitted off the device.
package telemetry

import (
	"sync/atomic"
	"time"
)

// Collector counts sync activity.
type Collector struct {
	runs        atomic.Int64
	skipped     atomic.Int64
	delivered   atomic.Int64
	failed      atomic.Int64
	quarantined atomic.Int64
	enqueued    atomic.Int64
	lastRunAt   atomic.Int64 // unix ms
}

// New creates a Collector.
func New() *Collector {
	return &Collector{}
}

// RecordRun counts a completed flush and its tallies.
func (c *Collector) RecordRun(at time.Time, delivered, failed, quarantined int) {
	c.runs.Add(1)
	c.delivered.Add(int64(delivered))
	c.failed.Add(int64(failed))
	c.quarantined.Add(int64(quarantined))
	c.lastRunAt.Store(at.UnixMilli())
}

// RecordSkipped counts a trigger that found a flush already running.
func (c *Collector) RecordSkipped() {
	c.skipped.Add(1)
}

// RecordEnqueued counts a sale written to the queue.
func (c *Collector) RecordEnqueued() {
	c.enqueued.Add(1)
}

// Stats is a point-in-time copy of the counters.
type Stats struct {
	Runs        int64      `json:"runs"`
	Skipped     int64      `json:"skipped"`
	Delivered   int64      `json:"delivered"`
	Failed      int64      `json:"failed"`
	Quarantined int64      `json:"quarantined"`
	Enqueued    int64      `json:"enqueued"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Stats {
	s := Stats{
		Runs:        c.runs.Load(),
		Skipped:     c.skipped.Load(),
		Delivered:   c.delivered.Load(),
		Failed:      c.failed.Load(),
		Quarantined: c.quarantined.Load(),
		Enqueued:    c.enqueued.Load(),
	}
	if ms := c.lastRunAt.Load(); ms != 0 {
		t := time.UnixMilli(ms)
		s.LastRunAt = &t
	}
	return s
}

// Reset zeroes every counter.
func (c *Collector) Reset() {
	c.runs.Store(0)
	c.skipped.Store(0)
	c.delivered.Store(0)
	c.failed.Store(0)
	c.quarantined.Store(0)
	c.enqueued.Store(0)
	c.lastRunAt.Store(0)
}
