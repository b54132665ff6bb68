package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bamsammich/grid/internal/grid"
)

const (
	// BatchTableFile holds the batch table in the data directory.
	BatchTableFile = "batches.tbl"

	// WorkerTableFile holds the worker table in the data directory.
	WorkerTableFile = "workers.tbl"
)

var (
	// ErrNotInitialized is returned when a data directory has no tables.
	ErrNotInitialized = errors.New("tables not initialized")

	// ErrReadOnly is returned by Save on a backend opened read-only.
	ErrReadOnly = errors.New("backend opened read-only")
)

// FileBackend persists the tables as two fixed-record binary files.
type FileBackend struct {
	lock     *Lock
	dir      string
	readOnly bool
}

// OpenFile opens the file backend in dir. Read-write opens hold the data
// directory lock until Close.
func OpenFile(dir string, readOnly bool) (*FileBackend, error) {
	b := &FileBackend{dir: dir, readOnly: readOnly}
	if readOnly {
		return b, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock, err := AcquireLock(dir)
	if err != nil {
		return nil, err
	}
	b.lock = lock
	return b, nil
}

// Load reads both table files.
func (b *FileBackend) Load() (Tables, error) {
	batchBuf, err := os.ReadFile(filepath.Join(b.dir, BatchTableFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Tables{}, fmt.Errorf("%w: %s", ErrNotInitialized, b.dir)
		}
		return Tables{}, fmt.Errorf("read batch table: %w", err)
	}
	batches, err := UnmarshalBatchTable(batchBuf)
	if err != nil {
		return Tables{}, fmt.Errorf("%s: %w", BatchTableFile, err)
	}

	workerBuf, err := os.ReadFile(filepath.Join(b.dir, WorkerTableFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Tables{}, fmt.Errorf("%w: %s missing", ErrCorrupt, WorkerTableFile)
		}
		return Tables{}, fmt.Errorf("read worker table: %w", err)
	}
	workers, err := UnmarshalWorkerTable(workerBuf)
	if err != nil {
		return Tables{}, fmt.Errorf("%s: %w", WorkerTableFile, err)
	}

	return Tables{Batches: batches, Workers: workers}, nil
}

// Save replaces both table files atomically.
func (b *FileBackend) Save(t Tables) error {
	if b.readOnly {
		return ErrReadOnly
	}
	if err := writeAtomic(filepath.Join(b.dir, BatchTableFile), MarshalBatchTable(t.Batches)); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(b.dir, WorkerTableFile), MarshalWorkerTable(t.Workers))
}

// Close releases the data directory lock.
func (b *FileBackend) Close() error {
	return b.lock.Release()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// validWorkerOrBlank is shared by backends that store ids as text.
func validWorkerOrBlank(s string) (grid.WorkerID, error) {
	id, err := grid.ParseWorkerID(s)
	if err != nil {
		return grid.BlankID, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return id, nil
}
