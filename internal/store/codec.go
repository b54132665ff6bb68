package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/bamsammich/grid/internal/grid"
)

const (
	// BatchRecordSize is number(4) + status(1) + worker(4) + lastSent(8) + lastCompleted(8).
	BatchRecordSize = 25

	// WorkerRecordSize is id(4) + lastContacted(8).
	WorkerRecordSize = 12

	// headerSize is the int32 record count leading every table file.
	headerSize = 4
)

// ErrCorrupt is returned when a persisted table cannot be decoded.
var ErrCorrupt = errors.New("corrupt table")

// MarshalBatchEntry encodes e as a fixed 25-byte little-endian record.
func MarshalBatchEntry(e grid.BatchEntry) []byte {
	buf := make([]byte, BatchRecordSize)
	putBatchEntry(buf, e)
	return buf
}

func putBatchEntry(buf []byte, e grid.BatchEntry) {
	binary.LittleEndian.PutUint32(buf[0:4], e.Number)
	buf[4] = byte(e.Status)
	copy(buf[5:9], e.Worker[:])
	binary.LittleEndian.PutUint64(buf[9:17], uint64(encodeTime(e.LastSent)))       //nolint:gosec // G115: round-trips through int64
	binary.LittleEndian.PutUint64(buf[17:25], uint64(encodeTime(e.LastCompleted))) //nolint:gosec // G115: round-trips through int64
}

// UnmarshalBatchEntry decodes one batch record and validates it.
func UnmarshalBatchEntry(buf []byte) (grid.BatchEntry, error) {
	if len(buf) < BatchRecordSize {
		return grid.BatchEntry{}, fmt.Errorf("%w: batch record is %d bytes, want %d",
			ErrCorrupt, len(buf), BatchRecordSize)
	}

	var e grid.BatchEntry
	e.Number = binary.LittleEndian.Uint32(buf[0:4])
	e.Status = grid.Status(buf[4])
	copy(e.Worker[:], buf[5:9])
	e.LastSent = decodeTime(int64(binary.LittleEndian.Uint64(buf[9:17])))       //nolint:gosec // G115: round-trips through int64
	e.LastCompleted = decodeTime(int64(binary.LittleEndian.Uint64(buf[17:25]))) //nolint:gosec // G115: round-trips through int64

	if err := validateBatchEntry(e); err != nil {
		return grid.BatchEntry{}, err
	}
	return e, nil
}

// MarshalWorker encodes w as a fixed 12-byte little-endian record.
func MarshalWorker(w grid.Worker) []byte {
	buf := make([]byte, WorkerRecordSize)
	putWorker(buf, w)
	return buf
}

func putWorker(buf []byte, w grid.Worker) {
	copy(buf[0:4], w.ID[:])
	binary.LittleEndian.PutUint64(buf[4:12], uint64(encodeTime(w.LastContacted))) //nolint:gosec // G115: round-trips through int64
}

// UnmarshalWorker decodes one worker record and validates it.
func UnmarshalWorker(buf []byte) (grid.Worker, error) {
	if len(buf) < WorkerRecordSize {
		return grid.Worker{}, fmt.Errorf("%w: worker record is %d bytes, want %d",
			ErrCorrupt, len(buf), WorkerRecordSize)
	}

	var w grid.Worker
	copy(w.ID[:], buf[0:4])
	w.LastContacted = decodeTime(int64(binary.LittleEndian.Uint64(buf[4:12]))) //nolint:gosec // G115: round-trips through int64
	if !w.ID.Valid() {
		return grid.Worker{}, fmt.Errorf("%w: worker id %q", ErrCorrupt, w.ID.String())
	}
	return w, nil
}

// MarshalBatchTable encodes a record count followed by every entry.
//
//nolint:gosec // G115: table sizes are bounded far below MaxInt32
func MarshalBatchTable(entries []grid.BatchEntry) []byte {
	buf := make([]byte, headerSize+len(entries)*BatchRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(len(entries))))
	for i, e := range entries {
		off := headerSize + i*BatchRecordSize
		putBatchEntry(buf[off:off+BatchRecordSize], e)
	}
	return buf
}

// UnmarshalBatchTable decodes a batch table, rejecting truncated or
// trailing data and duplicate batch numbers.
func UnmarshalBatchTable(buf []byte) ([]grid.BatchEntry, error) {
	count, err := recordCount(buf, BatchRecordSize)
	if err != nil {
		return nil, err
	}

	entries := make([]grid.BatchEntry, 0, count)
	seen := make(map[uint32]struct{}, count)
	for i := range count {
		off := headerSize + i*BatchRecordSize
		e, err := UnmarshalBatchEntry(buf[off : off+BatchRecordSize])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if _, dup := seen[e.Number]; dup {
			return nil, fmt.Errorf("%w: duplicate batch %d", ErrCorrupt, e.Number)
		}
		seen[e.Number] = struct{}{}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarshalWorkerTable encodes a record count followed by every worker.
//
//nolint:gosec // G115: table sizes are bounded far below MaxInt32
func MarshalWorkerTable(workers []grid.Worker) []byte {
	buf := make([]byte, headerSize+len(workers)*WorkerRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(len(workers))))
	for i, w := range workers {
		off := headerSize + i*WorkerRecordSize
		putWorker(buf[off:off+WorkerRecordSize], w)
	}
	return buf
}

// UnmarshalWorkerTable decodes a worker table.
func UnmarshalWorkerTable(buf []byte) ([]grid.Worker, error) {
	count, err := recordCount(buf, WorkerRecordSize)
	if err != nil {
		return nil, err
	}

	workers := make([]grid.Worker, 0, count)
	seen := make(map[grid.WorkerID]struct{}, count)
	for i := range count {
		off := headerSize + i*WorkerRecordSize
		w, err := UnmarshalWorker(buf[off : off+WorkerRecordSize])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if _, dup := seen[w.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate worker %s", ErrCorrupt, w.ID)
		}
		seen[w.ID] = struct{}{}
		workers = append(workers, w)
	}
	return workers, nil
}

func recordCount(buf []byte, recSize int) (int, error) {
	if len(buf) < headerSize {
		return 0, fmt.Errorf("%w: missing record count", ErrCorrupt)
	}
	count := int(int32(binary.LittleEndian.Uint32(buf[0:4]))) //nolint:gosec // G115: sign is checked below
	if count < 0 {
		return 0, fmt.Errorf("%w: negative record count %d", ErrCorrupt, count)
	}
	if want := headerSize + count*recSize; len(buf) != want {
		return 0, fmt.Errorf("%w: %d records need %d bytes, file has %d",
			ErrCorrupt, count, want, len(buf))
	}
	return count, nil
}

func validateBatchEntry(e grid.BatchEntry) error {
	if !e.Status.Valid() {
		return fmt.Errorf("%w: batch %d has unknown status %d", ErrCorrupt, e.Number, uint8(e.Status))
	}
	if e.Status.Assigned() {
		if !e.Worker.Valid() {
			return fmt.Errorf("%w: batch %d is %s with worker %q",
				ErrCorrupt, e.Number, e.Status, e.Worker.String())
		}
		return nil
	}
	if !e.Worker.IsBlank() {
		return fmt.Errorf("%w: batch %d is %s but names worker %q",
			ErrCorrupt, e.Number, e.Status, e.Worker.String())
	}
	return nil
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func decodeTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
