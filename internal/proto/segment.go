package proto

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Sender writes messages to a peer.
type Sender interface {
	SendMsg(m Message) error
}

// Receiver reads the next message from a peer.
type Receiver interface {
	Recv(ctx context.Context) (Message, error)
}

// BlockCount returns how many segments a blob of size bytes needs.
// An empty blob still travels as one empty block.
func BlockCount(size, blockSize int) int {
	if size <= 0 {
		return 1
	}
	return (size + blockSize - 1) / blockSize
}

// SendSegments streams data as consecutive Segment messages of at most
// blockSize bytes. limiter may be nil.
//
//nolint:gosec // G115: block counts are bounded by MaxFrameSize-sized blobs
func SendSegments(ctx context.Context, s Sender, data []byte, blockSize int, limiter *rate.Limiter) error {
	if blockSize <= 0 || blockSize > MaxBlockSize {
		return fmt.Errorf("%w: block size %d", ErrBadSegment, blockSize)
	}

	blocks := BlockCount(len(data), blockSize)
	for i := range blocks {
		lo := min(i*blockSize, len(data))
		hi := min(lo+blockSize, len(data))
		chunk := data[lo:hi]

		if err := waitN(ctx, limiter, len(chunk)); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		seg := &Segment{Remaining: int32(blocks - 1 - i), Data: chunk}
		if err := s.SendMsg(seg); err != nil {
			return fmt.Errorf("send block %d/%d: %w", i+1, blocks, err)
		}
	}
	return nil
}

// ReceiveSegments collects Segment messages until the block with zero
// remaining arrives. maxSize bounds the assembled blob; limiter may be nil.
func ReceiveSegments(ctx context.Context, r Receiver, maxSize int64, limiter *rate.Limiter) ([]byte, error) {
	var (
		buf  []byte
		prev int32 = -1
	)
	for {
		m, err := r.Recv(ctx)
		if err != nil {
			return nil, err
		}
		seg, ok := m.(*Segment)
		if !ok {
			return nil, fmt.Errorf("%w: expected Segment, got %s", ErrUnexpectedMessage, m.Type())
		}
		if prev >= 0 && seg.Remaining != prev-1 {
			return nil, fmt.Errorf("%w: remaining went from %d to %d", ErrBadSegment, prev, seg.Remaining)
		}
		prev = seg.Remaining

		if int64(len(buf))+int64(len(seg.Data)) > maxSize {
			return nil, fmt.Errorf("%w: transfer exceeds %d bytes", ErrBadSegment, maxSize)
		}
		if err := waitN(ctx, limiter, len(seg.Data)); err != nil {
			return nil, err
		}
		buf = append(buf, seg.Data...)

		if seg.Remaining == 0 {
			return buf, nil
		}
	}
}

// waitN takes n tokens from limiter in burst-sized steps, so a peer
// using a larger block size than ours cannot trip the burst check.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}
	for n > 0 {
		step := min(n, limiter.Burst())
		if err := limiter.WaitN(ctx, step); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		n -= step
	}
	return nil
}
