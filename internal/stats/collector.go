package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector tracks coordinator statistics using lock-free atomic counters.
type Collector struct {
	startTime          time.Time
	sessionsServed     atomic.Int64
	sessionsExpired    atomic.Int64
	sessionsFailed     atomic.Int64
	crashes            atomic.Int64
	consecutiveCrashes atomic.Int64
	workersRegistered  atomic.Int64
	workersExpired     atomic.Int64
	batchesSent        atomic.Int64
	batchesReturned    atomic.Int64
	batchesRejected    atomic.Int64
	batchesLost        atomic.Int64
	batchesReleased    atomic.Int64
	bytesSent          atomic.Int64
	bytesReceived      atomic.Int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	SessionsServed     int64
	SessionsExpired    int64
	SessionsFailed     int64
	Crashes            int64
	ConsecutiveCrashes int64
	WorkersRegistered  int64
	WorkersExpired     int64
	BatchesSent        int64
	BatchesReturned    int64
	BatchesRejected    int64
	BatchesLost        int64
	BatchesReleased    int64
	BytesSent          int64
	BytesReceived      int64
	Elapsed            time.Duration
}

func (c *Collector) AddSessionsServed(n int64)    { c.sessionsServed.Add(n) }
func (c *Collector) AddSessionsExpired(n int64)   { c.sessionsExpired.Add(n) }
func (c *Collector) AddSessionsFailed(n int64)    { c.sessionsFailed.Add(n) }
func (c *Collector) AddWorkersRegistered(n int64) { c.workersRegistered.Add(n) }
func (c *Collector) AddWorkersExpired(n int64)    { c.workersExpired.Add(n) }
func (c *Collector) AddBatchesSent(n int64)       { c.batchesSent.Add(n) }
func (c *Collector) AddBatchesReturned(n int64)   { c.batchesReturned.Add(n) }
func (c *Collector) AddBatchesRejected(n int64)   { c.batchesRejected.Add(n) }
func (c *Collector) AddBatchesLost(n int64)       { c.batchesLost.Add(n) }
func (c *Collector) AddBatchesReleased(n int64)   { c.batchesReleased.Add(n) }
func (c *Collector) AddBytesSent(n int64)         { c.bytesSent.Add(n) }
func (c *Collector) AddBytesReceived(n int64)     { c.bytesReceived.Add(n) }

// RecordCrash counts a failed session and returns the new consecutive
// crash count.
func (c *Collector) RecordCrash() int64 {
	c.crashes.Add(1)
	return c.consecutiveCrashes.Add(1)
}

// ResetCrashes clears the consecutive crash count after a clean session.
func (c *Collector) ResetCrashes() {
	c.consecutiveCrashes.Store(0)
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		SessionsServed:     c.sessionsServed.Load(),
		SessionsExpired:    c.sessionsExpired.Load(),
		SessionsFailed:     c.sessionsFailed.Load(),
		Crashes:            c.crashes.Load(),
		ConsecutiveCrashes: c.consecutiveCrashes.Load(),
		WorkersRegistered:  c.workersRegistered.Load(),
		WorkersExpired:     c.workersExpired.Load(),
		BatchesSent:        c.batchesSent.Load(),
		BatchesReturned:    c.batchesReturned.Load(),
		BatchesRejected:    c.batchesRejected.Load(),
		BatchesLost:        c.batchesLost.Load(),
		BatchesReleased:    c.batchesReleased.Load(),
		BytesSent:          c.bytesSent.Load(),
		BytesReceived:      c.bytesReceived.Load(),
		Elapsed:            c.Elapsed(),
	}
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"sessions=%d expired=%d failed=%d crashes=%d sent=%d returned=%d rejected=%d lost=%d released=%d",
		s.SessionsServed, s.SessionsExpired, s.SessionsFailed, s.Crashes,
		s.BatchesSent, s.BatchesReturned, s.BatchesRejected, s.BatchesLost, s.BatchesReleased,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
