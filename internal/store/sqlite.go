package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/bamsammich/grid/internal/grid"
)

// SQLiteFile is the database name used by the sqlite backend.
const SQLiteFile = "grid.db"

// SQLiteBackend persists the tables in a SQLite database.
type SQLiteBackend struct {
	db       *sql.DB
	lock     *Lock
	readOnly bool
}

// OpenSQLite opens (or creates, for read-write opens) dir/grid.db.
func OpenSQLite(dir string, readOnly bool) (*SQLiteBackend, error) {
	path := filepath.Join(dir, SQLiteFile)

	b := &SQLiteBackend{readOnly: readOnly}
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNotInitialized, dir)
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		lock, err := AcquireLock(dir)
		if err != nil {
			return nil, err
		}
		b.lock = lock
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		b.lock.Release() //nolint:errcheck // already failing
		return nil, fmt.Errorf("open table db: %w", err)
	}
	b.db = db

	if !readOnly {
		if err := b.init(); err != nil {
			b.Close() //nolint:errcheck // already failing
			return nil, err
		}
	}
	return b, nil
}

func (b *SQLiteBackend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS batches (
			number         INTEGER PRIMARY KEY,
			status         INTEGER NOT NULL,
			worker         TEXT NOT NULL,
			last_sent      INTEGER NOT NULL,
			last_completed INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS workers (
			id             TEXT PRIMARY KEY,
			last_contacted INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Load reads both tables. A database that was never saved reports
// ErrNotInitialized.
func (b *SQLiteBackend) Load() (Tables, error) {
	var marker string
	err := b.db.QueryRow("SELECT value FROM meta WHERE key = 'initialized'").Scan(&marker)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tables{}, ErrNotInitialized
		}
		return Tables{}, fmt.Errorf("read meta: %w", err)
	}

	batches, err := b.loadBatches()
	if err != nil {
		return Tables{}, err
	}
	workers, err := b.loadWorkers()
	if err != nil {
		return Tables{}, err
	}
	return Tables{Batches: batches, Workers: workers}, nil
}

func (b *SQLiteBackend) loadBatches() ([]grid.BatchEntry, error) {
	rows, err := b.db.Query(
		"SELECT number, status, worker, last_sent, last_completed FROM batches ORDER BY number",
	)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []grid.BatchEntry
	for rows.Next() {
		var (
			number, status         int64
			worker                 string
			lastSent, lastComplete int64
		)
		if err := rows.Scan(&number, &status, &worker, &lastSent, &lastComplete); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if number < 0 || number > int64(^uint32(0)) || status < 0 || status > 255 {
			return nil, fmt.Errorf("%w: batch row %d status %d", ErrCorrupt, number, status)
		}
		id, err := validWorkerOrBlank(worker)
		if err != nil {
			return nil, err
		}
		e := grid.BatchEntry{
			Number:        uint32(number), //nolint:gosec // G115: range checked above
			Status:        grid.Status(status),
			Worker:        id,
			LastSent:      decodeTime(lastSent),
			LastCompleted: decodeTime(lastComplete),
		}
		if err := validateBatchEntry(e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) loadWorkers() ([]grid.Worker, error) {
	rows, err := b.db.Query("SELECT id, last_contacted FROM workers")
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var out []grid.Worker
	for rows.Next() {
		var (
			idStr     string
			contacted int64
		)
		if err := rows.Scan(&idStr, &contacted); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		id, err := validWorkerOrBlank(idStr)
		if err != nil {
			return nil, err
		}
		if id.IsBlank() {
			return nil, fmt.Errorf("%w: blank worker id", ErrCorrupt)
		}
		out = append(out, grid.Worker{ID: id, LastContacted: decodeTime(contacted)})
	}
	return out, rows.Err()
}

// Save writes both tables in one transaction. Batch rows are upserted;
// the worker table is replaced because expiry deletes workers.
func (b *SQLiteBackend) Save(t Tables) error {
	if b.readOnly {
		return ErrReadOnly
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := saveTables(tx, t); err != nil {
		tx.Rollback() //nolint:errcheck // already failing
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func saveTables(tx *sql.Tx, t Tables) error {
	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO batches (number, status, worker, last_sent, last_completed) VALUES (?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("prepare batches: %w", err)
	}
	defer stmt.Close()

	for _, e := range t.Batches {
		_, err := stmt.Exec(int64(e.Number), int64(e.Status), e.Worker.String(),
			encodeTime(e.LastSent), encodeTime(e.LastCompleted))
		if err != nil {
			return fmt.Errorf("insert batch %d: %w", e.Number, err)
		}
	}

	if _, err := tx.Exec("DELETE FROM workers"); err != nil {
		return fmt.Errorf("clear workers: %w", err)
	}
	wstmt, err := tx.Prepare("INSERT INTO workers (id, last_contacted) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare workers: %w", err)
	}
	defer wstmt.Close()

	for _, w := range t.Workers {
		if _, err := wstmt.Exec(w.ID.String(), encodeTime(w.LastContacted)); err != nil {
			return fmt.Errorf("insert worker %s: %w", w.ID, err)
		}
	}

	if _, err := tx.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('initialized', '1')"); err != nil {
		return fmt.Errorf("store meta: %w", err)
	}
	return nil
}

// Close closes the database and releases the data directory lock.
func (b *SQLiteBackend) Close() error {
	var dbErr error
	if b.db != nil {
		dbErr = b.db.Close()
	}
	return errors.Join(dbErr, b.lock.Release())
}
