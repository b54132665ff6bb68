package proto

import (
	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps transfer throughput to
// bytesPerSec. A non-positive rate returns nil, meaning unlimited.
// The burst is at least one full block so WaitN never rejects a segment.
func NewBWLimiter(bytesPerSec int64, blockSize int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := max(blockSize, 1<<20) // 1 MB
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
