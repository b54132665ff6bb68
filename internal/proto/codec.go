package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

var (
	// ErrUnknownMessage is returned when a frame's type byte is not part
	// of the protocol.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrMalformedMessage is returned when a known message's payload
	// cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
)

// Encode marshals m into a frame.
func Encode(m Message) (Frame, error) {
	payload, err := m.MarshalMsg(nil)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return Frame{Type: m.Type(), Payload: payload}, nil
}

// Decode unmarshals a frame into its message. Unknown type bytes yield
// ErrUnknownMessage and undecodable payloads ErrMalformedMessage.
func Decode(f Frame) (Message, error) {
	m := newMessage(f.Type)
	if m == nil {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(f.Type))
	}
	if len(f.Payload) == 0 && f.Type != MsgSegment {
		return m, nil
	}
	if _, err := m.UnmarshalMsg(f.Payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedMessage, f.Type, err)
	}
	return m, nil
}

//nolint:ireturn,gocyclo // closed message set, one case per type
func newMessage(t MsgType) Message {
	switch t {
	case MsgWelcomeWait:
		return &WelcomeWait{}
	case MsgRequestWorkerID:
		return &RequestWorkerID{}
	case MsgWorkerID:
		return &WorkerID{}
	case MsgStateRequest:
		return &StateRequest{}
	case MsgClientRequest:
		return &ClientRequest{}
	case MsgBatchNotAvailable:
		return &BatchNotAvailable{}
	case MsgBatchSend:
		return &BatchSend{}
	case MsgBatchReceived:
		return &BatchReceived{}
	case MsgBatchReturnListening:
		return &BatchReturnListening{}
	case MsgClientBatchSend:
		return &ClientBatchSend{}
	case MsgServerBatchReceived:
		return &ServerBatchReceived{}
	case MsgFailedTransfer:
		return &FailedTransfer{}
	case MsgCloseConnection:
		return &CloseConnection{}
	case MsgSegment:
		return &Segment{}
	default:
		return nil
	}
}

// decodeFields walks a msgp map, handing each value to field. Fields
// should skip keys they do not recognize.
func decodeFields(bts []byte, name string, field func(key string, bts []byte) ([]byte, error)) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, fmt.Errorf("decode %s: %w", name, err)
	}
	for range n {
		var key []byte
		key, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, fmt.Errorf("decode %s: %w", name, err)
		}
		bts, err = field(string(key), bts)
		if err != nil {
			return bts, fmt.Errorf("decode %s.%s: %w", name, key, err)
		}
	}
	return bts, nil
}

func skipField(_ string, bts []byte) ([]byte, error) {
	return msgp.Skip(bts)
}

func appendUint32s(b []byte, vals []uint32) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(vals))) //nolint:gosec // G115: bounded by MaxFrameSize
	for _, v := range vals {
		b = msgp.AppendUint32(b, v)
	}
	return b
}

func readUint32s(bts []byte) ([]uint32, []byte, error) {
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, bts, err
	}
	if n == 0 {
		return nil, bts, nil
	}
	if int(n) > len(bts) {
		return nil, bts, msgp.ErrShortBytes
	}
	out := make([]uint32, n)
	for i := range out {
		out[i], bts, err = msgp.ReadUint32Bytes(bts)
		if err != nil {
			return nil, bts, err
		}
	}
	return out, bts, nil
}

// MarshalMsg implements msgp.Marshaler
func (*WelcomeWait) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendMapHeader(b, 0), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (*WelcomeWait) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "WelcomeWait", skipField)
}

// MarshalMsg implements msgp.Marshaler
func (*RequestWorkerID) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendMapHeader(b, 0), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (*RequestWorkerID) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "RequestWorkerID", skipField)
}

// MarshalMsg implements msgp.Marshaler
func (z *WorkerID) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 1)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, z.ID)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *WorkerID) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "WorkerID", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "id":
			z.ID, o, err = msgp.ReadStringBytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler
func (z *StateRequest) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 1)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, z.ID)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *StateRequest) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "StateRequest", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "id":
			z.ID, o, err = msgp.ReadStringBytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler
func (z *ClientRequest) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "kind")
	b = msgp.AppendUint8(b, uint8(z.Kind))
	b = msgp.AppendString(b, "count")
	b = msgp.AppendInt32(b, z.Count)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *ClientRequest) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "ClientRequest", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "kind":
			var k uint8
			k, o, err = msgp.ReadUint8Bytes(bts)
			z.Kind = RequestKind(k)
		case "count":
			z.Count, o, err = msgp.ReadInt32Bytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler
func (z *BatchNotAvailable) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 1)
	b = msgp.AppendString(b, "reason")
	b = msgp.AppendUint8(b, uint8(z.Reason))
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *BatchNotAvailable) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "BatchNotAvailable", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "reason":
			var r uint8
			r, o, err = msgp.ReadUint8Bytes(bts)
			z.Reason = Reason(r)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler
func (z *BatchSend) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 5)
	b = msgp.AppendString(b, "count")
	b = msgp.AppendInt32(b, z.Count)
	b = msgp.AppendString(b, "batches")
	b = appendUint32s(b, z.Batches)
	b = msgp.AppendString(b, "size")
	b = msgp.AppendInt64(b, z.Size)
	b = msgp.AppendString(b, "digest")
	b = msgp.AppendString(b, z.Digest)
	b = msgp.AppendString(b, "blocks")
	b = msgp.AppendInt32(b, z.Blocks)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *BatchSend) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "BatchSend", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "count":
			z.Count, o, err = msgp.ReadInt32Bytes(bts)
		case "batches":
			z.Batches, o, err = readUint32s(bts)
		case "size":
			z.Size, o, err = msgp.ReadInt64Bytes(bts)
		case "digest":
			z.Digest, o, err = msgp.ReadStringBytes(bts)
		case "blocks":
			z.Blocks, o, err = msgp.ReadInt32Bytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler
func (*BatchReceived) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendMapHeader(b, 0), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (*BatchReceived) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "BatchReceived", skipField)
}

// MarshalMsg implements msgp.Marshaler
func (*BatchReturnListening) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendMapHeader(b, 0), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (*BatchReturnListening) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "BatchReturnListening", skipField)
}

// MarshalMsg implements msgp.Marshaler
func (z *ClientBatchSend) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "count")
	b = msgp.AppendInt32(b, z.Count)
	b = msgp.AppendString(b, "size")
	b = msgp.AppendInt64(b, z.Size)
	b = msgp.AppendString(b, "digest")
	b = msgp.AppendString(b, z.Digest)
	b = msgp.AppendString(b, "blocks")
	b = msgp.AppendInt32(b, z.Blocks)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *ClientBatchSend) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "ClientBatchSend", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "count":
			z.Count, o, err = msgp.ReadInt32Bytes(bts)
		case "size":
			z.Size, o, err = msgp.ReadInt64Bytes(bts)
		case "digest":
			z.Digest, o, err = msgp.ReadStringBytes(bts)
		case "blocks":
			z.Blocks, o, err = msgp.ReadInt32Bytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler
func (z *ServerBatchReceived) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 3)
	b = msgp.AppendString(b, "accepted")
	b = appendUint32s(b, z.Accepted)
	b = msgp.AppendString(b, "rejected")
	b = appendUint32s(b, z.Rejected)
	b = msgp.AppendString(b, "lost")
	b = appendUint32s(b, z.Lost)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *ServerBatchReceived) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "ServerBatchReceived", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "accepted":
			z.Accepted, o, err = readUint32s(bts)
		case "rejected":
			z.Rejected, o, err = readUint32s(bts)
		case "lost":
			z.Lost, o, err = readUint32s(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler
func (z *FailedTransfer) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "reason")
	b = msgp.AppendUint8(b, uint8(z.Reason))
	b = msgp.AppendString(b, "message")
	b = msgp.AppendString(b, z.Message)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *FailedTransfer) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "FailedTransfer", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "reason":
			var r uint8
			r, o, err = msgp.ReadUint8Bytes(bts)
			z.Reason = Reason(r)
		case "message":
			z.Message, o, err = msgp.ReadStringBytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler
func (*CloseConnection) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendMapHeader(b, 0), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (*CloseConnection) UnmarshalMsg(bts []byte) ([]byte, error) {
	return decodeFields(bts, "CloseConnection", skipField)
}

// ErrBadSegment is returned for segment payloads whose header does not
// match their contents.
var ErrBadSegment = errors.New("malformed segment")

// MarshalMsg appends the raw block: remaining(int32 LE) | length(int32 LE) | data.
//
//nolint:gosec // G115: block length bounded by MaxBlockSize
func (z *Segment) MarshalMsg(b []byte) ([]byte, error) {
	if len(z.Data) > MaxBlockSize {
		return b, fmt.Errorf("%w: block of %d bytes exceeds %d", ErrBadSegment, len(z.Data), MaxBlockSize)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(z.Remaining))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(z.Data)))
	return append(b, z.Data...), nil
}

// UnmarshalMsg parses a raw block. The whole input must be one block.
//
//nolint:gosec // G115: sign of both fields is checked
func (z *Segment) UnmarshalMsg(bts []byte) ([]byte, error) {
	if len(bts) < SegmentHeaderSize {
		return bts, fmt.Errorf("%w: %d byte payload", ErrBadSegment, len(bts))
	}
	remaining := int32(binary.LittleEndian.Uint32(bts[0:4]))
	n := int32(binary.LittleEndian.Uint32(bts[4:8]))
	if remaining < 0 || n < 0 || int(n) != len(bts)-SegmentHeaderSize {
		return bts, fmt.Errorf("%w: remaining=%d length=%d payload=%d",
			ErrBadSegment, remaining, n, len(bts)-SegmentHeaderSize)
	}
	z.Remaining = remaining
	z.Data = append([]byte(nil), bts[SegmentHeaderSize:]...)
	return nil, nil
}
