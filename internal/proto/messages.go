package proto

import "fmt"

// MsgType is the one-byte discriminator that leads every frame.
type MsgType byte

// Message type constants for the coordinator wire protocol.
const (
	MsgWelcomeWait          MsgType = 0x01
	MsgRequestWorkerID      MsgType = 0x02
	MsgWorkerID             MsgType = 0x03
	MsgStateRequest         MsgType = 0x04
	MsgClientRequest        MsgType = 0x05
	MsgBatchNotAvailable    MsgType = 0x06
	MsgBatchSend            MsgType = 0x07
	MsgBatchReceived        MsgType = 0x08
	MsgBatchReturnListening MsgType = 0x09
	MsgClientBatchSend      MsgType = 0x0A
	MsgServerBatchReceived  MsgType = 0x0B
	MsgFailedTransfer       MsgType = 0x0C
	MsgCloseConnection      MsgType = 0x0D

	// MsgSegment carries one block of a segmented transfer.
	MsgSegment MsgType = 0x10
)

var msgTypeNames = map[MsgType]string{
	MsgWelcomeWait:          "WelcomeWait",
	MsgRequestWorkerID:      "RequestWorkerID",
	MsgWorkerID:             "WorkerID",
	MsgStateRequest:         "StateRequest",
	MsgClientRequest:        "ClientRequest",
	MsgBatchNotAvailable:    "BatchNotAvailable",
	MsgBatchSend:            "BatchSend",
	MsgBatchReceived:        "BatchReceived",
	MsgBatchReturnListening: "BatchReturnListening",
	MsgClientBatchSend:      "ClientBatchSend",
	MsgServerBatchReceived:  "ServerBatchReceived",
	MsgFailedTransfer:       "FailedTransfer",
	MsgCloseConnection:      "CloseConnection",
	MsgSegment:              "Segment",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(0x%02x)", byte(t))
}

// RequestKind selects what a worker wants from a session.
type RequestKind uint8

const (
	RequestNewBatch      RequestKind = 1
	RequestReturnBatch   RequestKind = 2
	RequestResyncBatches RequestKind = 3
)

func (k RequestKind) String() string {
	switch k {
	case RequestNewBatch:
		return "NewBatch"
	case RequestReturnBatch:
		return "ReturnBatch"
	case RequestResyncBatches:
		return "ResyncBatches"
	default:
		return fmt.Sprintf("RequestKind(%d)", uint8(k))
	}
}

// Reason is the typed cause carried by BatchNotAvailable and FailedTransfer.
type Reason uint8

const (
	ReasonUnspecified Reason = iota
	ReasonBatchLimitReached
	ReasonNoAvailableBatches
	ReasonNoBatchesAssigned
	ReasonBatchNotAssigned
	ReasonInvalidWorkerID
	ReasonCouldNotDetermineBatchNumber
	ReasonCorruptPayload
	ReasonArchiveFailed
	ReasonProtocolViolation
	ReasonExpired
)

var reasonNames = [...]string{
	ReasonUnspecified:                  "Unspecified",
	ReasonBatchLimitReached:            "BatchLimitReached",
	ReasonNoAvailableBatches:           "NoAvailableBatches",
	ReasonNoBatchesAssigned:            "NoBatchesAssigned",
	ReasonBatchNotAssigned:             "BatchNotAssigned",
	ReasonInvalidWorkerID:              "InvalidWorkerID",
	ReasonCouldNotDetermineBatchNumber: "CouldNotDetermineBatchNumber",
	ReasonCorruptPayload:               "CorruptPayload",
	ReasonArchiveFailed:                "ArchiveFailed",
	ReasonProtocolViolation:            "ProtocolViolation",
	ReasonExpired:                      "Expired",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", uint8(r))
}

// Message is one decoded protocol message. The set is closed: only the
// types in this package implement it.
type Message interface {
	Type() MsgType
	MarshalMsg(b []byte) ([]byte, error)
	UnmarshalMsg(bts []byte) ([]byte, error)
	sealed()
}

// WelcomeWait tells a freshly accepted client it is queued.
type WelcomeWait struct{}

// RequestWorkerID asks the client to identify itself.
type RequestWorkerID struct{}

// WorkerID is the client's claimed identity; "----" when it has none.
type WorkerID struct {
	ID string `msg:"id"`
}

// StateRequest carries the id the server resolved for this session and
// asks for the client's request.
type StateRequest struct {
	ID string `msg:"id"`
}

// ClientRequest names the work the client wants.
type ClientRequest struct {
	Kind  RequestKind `msg:"kind"`
	Count int32       `msg:"count"`
}

// BatchNotAvailable refuses a NewBatch or Resync request.
type BatchNotAvailable struct {
	Reason Reason `msg:"reason"`
}

// BatchSend announces a segmented blob holding the listed batches.
type BatchSend struct {
	Digest  string   `msg:"digest"`
	Batches []uint32 `msg:"batches"`
	Size    int64    `msg:"size"`
	Count   int32    `msg:"count"`
	Blocks  int32    `msg:"blocks"`
}

// BatchReceived acknowledges that a BatchSend blob was stored.
type BatchReceived struct{}

// BatchReturnListening invites the client to upload its results.
type BatchReturnListening struct{}

// ClientBatchSend announces a segmented blob of returned batches.
type ClientBatchSend struct {
	Digest string `msg:"digest"`
	Size   int64  `msg:"size"`
	Count  int32  `msg:"count"`
	Blocks int32  `msg:"blocks"`
}

// ServerBatchReceived reports the outcome of a return per batch.
type ServerBatchReceived struct {
	Accepted []uint32 `msg:"accepted"`
	Rejected []uint32 `msg:"rejected"`
	Lost     []uint32 `msg:"lost"`
}

// FailedTransfer aborts the current request.
type FailedTransfer struct {
	Message string `msg:"message"`
	Reason  Reason `msg:"reason"`
}

// CloseConnection is the last message of every session.
type CloseConnection struct{}

// Segment is one block of a segmented transfer. Remaining counts the
// blocks that follow this one.
type Segment struct {
	Data      []byte
	Remaining int32
}

func (*WelcomeWait) Type() MsgType          { return MsgWelcomeWait }
func (*RequestWorkerID) Type() MsgType      { return MsgRequestWorkerID }
func (*WorkerID) Type() MsgType             { return MsgWorkerID }
func (*StateRequest) Type() MsgType         { return MsgStateRequest }
func (*ClientRequest) Type() MsgType        { return MsgClientRequest }
func (*BatchNotAvailable) Type() MsgType    { return MsgBatchNotAvailable }
func (*BatchSend) Type() MsgType            { return MsgBatchSend }
func (*BatchReceived) Type() MsgType        { return MsgBatchReceived }
func (*BatchReturnListening) Type() MsgType { return MsgBatchReturnListening }
func (*ClientBatchSend) Type() MsgType      { return MsgClientBatchSend }
func (*ServerBatchReceived) Type() MsgType  { return MsgServerBatchReceived }
func (*FailedTransfer) Type() MsgType       { return MsgFailedTransfer }
func (*CloseConnection) Type() MsgType      { return MsgCloseConnection }
func (*Segment) Type() MsgType              { return MsgSegment }

func (*WelcomeWait) sealed()          {}
func (*RequestWorkerID) sealed()      {}
func (*WorkerID) sealed()             {}
func (*StateRequest) sealed()         {}
func (*ClientRequest) sealed()        {}
func (*BatchNotAvailable) sealed()    {}
func (*BatchSend) sealed()            {}
func (*BatchReceived) sealed()        {}
func (*BatchReturnListening) sealed() {}
func (*ClientBatchSend) sealed()      {}
func (*ServerBatchReceived) sealed()  {}
func (*FailedTransfer) sealed()       {}
func (*CloseConnection) sealed()      {}
func (*Segment) sealed()              {}
