package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/bamsammich/grid/internal/archive"
	"github.com/bamsammich/grid/internal/spool"
)

// Queue is the worker's local copy of the batches it holds, one
// directory per batch under dir/queue.
type Queue struct {
	dir     string
	staging string
}

// NewQueue returns the queue kept under the worker directory dir.
func NewQueue(dir string) *Queue {
	return &Queue{
		dir:     filepath.Join(dir, "queue"),
		staging: filepath.Join(dir, "incoming"),
	}
}

// Dir returns the queue directory.
func (q *Queue) Dir() string {
	return q.dir
}

// Path returns where batch n lives.
func (q *Queue) Path(n uint32) string {
	return filepath.Join(q.dir, strconv.FormatUint(uint64(n), 10))
}

// List returns the queued batch numbers in ascending order. Entries not
// named like batches are ignored.
func (q *Queue) List() ([]uint32, error) {
	entries, err := os.ReadDir(q.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	var out []uint32
	for _, e := range entries {
		if n, err := spool.ParseBatchNumber(e.Name()); err == nil {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Len returns the number of queued batches.
func (q *Queue) Len() int {
	l, _ := q.List() //nolint:errcheck // unreadable queue counts as empty
	return len(l)
}

// Clear discards every queued batch.
func (q *Queue) Clear() error {
	if err := os.RemoveAll(q.dir); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// Remove discards batch n.
func (q *Queue) Remove(n uint32) error {
	if err := os.RemoveAll(q.Path(n)); err != nil {
		return fmt.Errorf("remove batch %d: %w", n, err)
	}
	return nil
}

// Store unpacks blob, which must hold exactly batches, and adds them to
// the queue. With replace set the queue is emptied first.
func (q *Queue) Store(ctx context.Context, a archive.Archiver, blob []byte, batches []uint32, replace bool) error {
	if err := os.RemoveAll(q.staging); err != nil {
		return fmt.Errorf("clear staging: %w", err)
	}
	if err := os.MkdirAll(q.staging, 0o755); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}
	defer os.RemoveAll(q.staging) //nolint:errcheck // best-effort cleanup

	if err := a.Unpack(ctx, blob, q.staging); err != nil {
		return err
	}

	got, err := listStrict(q.staging)
	if err != nil {
		return err
	}
	want := slices.Sorted(slices.Values(batches))
	if !slices.Equal(got, want) {
		return fmt.Errorf("received batches %v, announced %v", got, want)
	}

	if replace {
		if err := q.Clear(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	for _, n := range got {
		name := strconv.FormatUint(uint64(n), 10)
		if err := os.RemoveAll(q.Path(n)); err != nil {
			return fmt.Errorf("replace batch %d: %w", n, err)
		}
		if err := os.Rename(filepath.Join(q.staging, name), q.Path(n)); err != nil {
			return fmt.Errorf("queue batch %d: %w", n, err)
		}
	}
	return nil
}

func listStrict(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	out := make([]uint32, 0, len(entries))
	for _, e := range entries {
		n, err := spool.ParseBatchNumber(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out, nil
}
