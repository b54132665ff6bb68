// Package proto implements the coordinator wire protocol: length-prefixed
// frames carrying a closed set of messages, plus segmented blob transfer.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FrameHeaderSize is the size of the frame header in bytes:
	// 4 bytes length + 1 byte message type.
	FrameHeaderSize = 5

	// MaxFrameSize is the maximum allowed frame size (including header).
	MaxFrameSize = 4 * 1024 * 1024 // 4 MB

	// SegmentHeaderSize is blocksRemaining(4) + bytesInBlock(4).
	SegmentHeaderSize = 8

	// MaxBlockSize is the largest block that fits in one segment frame.
	MaxBlockSize = MaxFrameSize - FrameHeaderSize - SegmentHeaderSize

	// DefaultBlockSize is the block size used when none is configured.
	DefaultBlockSize = 256 * 1024 // 256 KB
)

// Frame is a single protocol message on the wire.
type Frame struct {
	Payload []byte
	Type    MsgType
}

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes a length-prefixed frame to w.
// Wire format: [4-byte length (little-endian)][1-byte msg type][payload]
// The length field covers the type byte and payload.
//
//nolint:gosec // G115: payload length bounded by MaxFrameSize check
func WriteFrame(w io.Writer, f Frame) error {
	if FrameHeaderSize+len(f.Payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	// Header and payload go out in one Write.
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(1+len(f.Payload)))
	buf[4] = byte(f.Type)
	copy(buf[FrameHeaderSize:], f.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	if length < 1 {
		return Frame{}, fmt.Errorf("frame too small: length %d", length)
	}
	if uint64(length)+4 > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	f := Frame{Type: MsgType(header[4])}
	if payloadLen := length - 1; payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return f, nil
}
