// Package telemetry provides unit tests for the local counters.
package telemetry

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_RecordRun(t *testing.T) {
	c := New()
	at := time.UnixMilli(5_000)

	c.RecordRun(at, 3, 1, 0)
	c.RecordRun(at.Add(time.Second), 0, 2, 1)
	c.RecordSkipped()
	c.RecordEnqueued()

	s := c.Snapshot()
	if s.Runs != 2 || s.Delivered != 3 || s.Failed != 3 || s.Quarantined != 1 {
		t.Errorf("Snapshot() = %+v", s)
	}
	if s.Skipped != 1 || s.Enqueued != 1 {
		t.Errorf("Snapshot() = %+v", s)
	}
	if s.LastRunAt == nil || !s.LastRunAt.Equal(time.UnixMilli(6_000)) {
		t.Errorf("LastRunAt = %v, want 6s", s.LastRunAt)
	}
}

func TestCollector_emptySnapshot(t *testing.T) {
	s := New().Snapshot()
	if s.LastRunAt != nil {
		t.Errorf("LastRunAt = %v, want nil before any run", s.LastRunAt)
	}
}

func TestCollector_Reset(t *testing.T) {
	c := New()
	c.RecordRun(time.Now(), 1, 1, 1)
	c.Reset()
	if s := c.Snapshot(); s != (Stats{}) {
		t.Errorf("Snapshot() after Reset = %+v", s)
	}
}

func TestCollector_concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordSkipped()
			c.RecordRun(time.Now(), 1, 0, 0)
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.Skipped != 50 || s.Runs != 50 || s.Delivered != 50 {
		t.Errorf("Snapshot() = %+v", s)
	}
}
