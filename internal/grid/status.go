// Package grid defines the batch and worker records shared by the
// coordinator, its persistence layer and the worker client.
package grid

import "fmt"

// Status is the lifecycle state of a batch. The ordinals are persisted and
// must not be reordered.
type Status uint8

const (
	StatusNone Status = iota
	StatusScheduledWaiting
	StatusStoredReady
	StatusSentWaiting
	StatusStoredArchived
	StatusLost
	StatusReceivedProcessing
	StatusReturnedProcessing
)

var statusNames = [...]string{
	StatusNone:               "None",
	StatusScheduledWaiting:   "ScheduledWaiting",
	StatusStoredReady:        "StoredReady",
	StatusSentWaiting:        "SentWaiting",
	StatusStoredArchived:     "StoredArchived",
	StatusLost:               "Lost",
	StatusReceivedProcessing: "ReceivedProcessing",
	StatusReturnedProcessing: "ReturnedProcessing",
}

// Statuses lists every known status in ordinal order.
func Statuses() []Status {
	out := make([]Status, len(statusNames))
	for i := range statusNames {
		out[i] = Status(i)
	}
	return out
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Assigned reports whether a batch in this status is held by a worker.
func (s Status) Assigned() bool {
	switch s {
	case StatusSentWaiting, StatusReceivedProcessing, StatusReturnedProcessing:
		return true
	default:
		return false
	}
}

// ParseStatus resolves a status name as printed by String.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return StatusNone, fmt.Errorf("unknown batch status %q", name)
}
