package grid

import "time"

// BatchEntry is one row of the batch table.
type BatchEntry struct {
	LastSent      time.Time
	LastCompleted time.Time
	Number        uint32
	Worker        WorkerID
	Status        Status
}

// Worker is one row of the worker table.
type Worker struct {
	LastContacted time.Time
	ID            WorkerID
}

// Stamp truncates t to the millisecond precision the tables persist, so
// an in-memory value equals its reloaded copy. The zero time stays zero.
func Stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.UnixMilli(t.UnixMilli())
}
