package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	SessionStarted Type = iota + 1
	SessionCompleted
	SessionExpired
	SessionFailed
	WorkerRegistered
	WorkerExpired
	BatchesSent
	BatchesReturned
	ReturnRejected
	BatchLost
	BatchReleased
	BatchPromoted
)

var typeNames = [...]string{
	SessionStarted:   "SessionStarted",
	SessionCompleted: "SessionCompleted",
	SessionExpired:   "SessionExpired",
	SessionFailed:    "SessionFailed",
	WorkerRegistered: "WorkerRegistered",
	WorkerExpired:    "WorkerExpired",
	BatchesSent:      "BatchesSent",
	BatchesReturned:  "BatchesReturned",
	ReturnRejected:   "ReturnRejected",
	BatchLost:        "BatchLost",
	BatchReleased:    "BatchReleased",
	BatchPromoted:    "BatchPromoted",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single coordinator event.
type Event struct {
	Timestamp time.Time
	Error     error
	Session   string
	Worker    string
	Batches   []uint32
	Type      Type
}

// Emit delivers ev on ch without blocking. A nil channel or a full
// buffer drops the event.
func Emit(ch chan<- Event, ev Event) {
	if ch == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case ch <- ev:
	default:
	}
}
