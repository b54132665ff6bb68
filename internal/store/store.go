// Package store holds the authoritative batch and worker tables and
// persists them through a pluggable Backend.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bamsammich/grid/internal/grid"
)

// DefaultFlushEvery is the number of mutations buffered before the store
// saves itself when Options.FlushEvery is unset.
const DefaultFlushEvery = 16

var (
	// ErrUnknownBatch is returned for batch numbers not in the table.
	ErrUnknownBatch = errors.New("unknown batch")

	// ErrWrongStatus is returned when a transition is attempted from a
	// status that does not allow it.
	ErrWrongStatus = errors.New("batch in wrong status")

	// ErrNotAssigned is returned when a batch is not held by the worker
	// acting on it.
	ErrNotAssigned = errors.New("batch not assigned to worker")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrSave is returned when the backend fails to save. The mutation
	// that triggered the save stays applied in memory and the next flush
	// retries it.
	ErrSave = errors.New("save tables")
)

// Tables is a full copy of both tables, the unit a Backend loads and saves.
// Batches are ordered by number and workers by id value.
type Tables struct {
	Batches []grid.BatchEntry
	Workers []grid.Worker
}

// Backend loads and saves tables. Implementations need not be safe for
// concurrent use; the Store serializes every call.
type Backend interface {
	Load() (Tables, error)
	Save(t Tables) error
	Close() error
}

// Options tunes a Store.
type Options struct {
	// FlushEvery is the number of mutations after which the store saves.
	FlushEvery int
}

// Store is the in-memory batch and worker tables behind a single mutex.
// The tables are loaded when the store is opened and flushed when it is
// closed.
type Store struct {
	backend    Backend
	index      map[uint32]int
	workers    map[grid.WorkerID]grid.Worker
	batches    []grid.BatchEntry
	flushEvery int
	pending    int
	mu         sync.Mutex
	closed     bool
}

// Open loads both tables from b. A table that fails to decode is fatal:
// the error wraps ErrCorrupt and the caller should refuse to start.
func Open(b Backend, opts Options) (*Store, error) {
	t, err := b.Load()
	if err != nil {
		return nil, fmt.Errorf("load tables: %w", err)
	}

	s := &Store{
		backend:    b,
		flushEvery: opts.FlushEvery,
	}
	if s.flushEvery <= 0 {
		s.flushEvery = DefaultFlushEvery
	}
	if err := s.reset(t); err != nil {
		return nil, err
	}
	return s, nil
}

// Initialize writes fresh tables holding entries and no workers.
func Initialize(b Backend, entries []grid.BatchEntry) error {
	t := Tables{Batches: slices.Clone(entries)}
	sortBatches(t.Batches)
	for i := 1; i < len(t.Batches); i++ {
		if t.Batches[i].Number == t.Batches[i-1].Number {
			return fmt.Errorf("duplicate batch %d", t.Batches[i].Number)
		}
	}
	for _, e := range t.Batches {
		if err := validateBatchEntry(e); err != nil {
			return err
		}
	}
	if err := b.Save(t); err != nil {
		return fmt.Errorf("save tables: %w", err)
	}
	return nil
}

func (s *Store) reset(t Tables) error {
	s.batches = slices.Clone(t.Batches)
	sortBatches(s.batches)
	s.index = make(map[uint32]int, len(s.batches))
	for i, e := range s.batches {
		if _, dup := s.index[e.Number]; dup {
			return fmt.Errorf("%w: duplicate batch %d", ErrCorrupt, e.Number)
		}
		s.index[e.Number] = i
	}
	s.workers = make(map[grid.WorkerID]grid.Worker, len(t.Workers))
	for _, w := range t.Workers {
		if _, dup := s.workers[w.ID]; dup {
			return fmt.Errorf("%w: duplicate worker %s", ErrCorrupt, w.ID)
		}
		s.workers[w.ID] = w
	}
	return nil
}

// ResolveWorker refreshes a known worker's contact time, or registers the
// lowest free id when claimed is blank, malformed or unknown. fresh is
// true when a new id was issued.
func (s *Store) ResolveWorker(claimed grid.WorkerID, now time.Time) (grid.WorkerID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return grid.BlankID, false, ErrClosed
	}

	if w, ok := s.workers[claimed]; ok {
		w.LastContacted = grid.Stamp(now)
		s.workers[claimed] = w
		return claimed, false, s.changedLocked(1)
	}

	id, err := s.lowestFreeLocked()
	if err != nil {
		return grid.BlankID, false, err
	}
	s.workers[id] = grid.Worker{ID: id, LastContacted: grid.Stamp(now)}
	return id, true, s.changedLocked(1)
}

// LowestFreeID returns one past the highest id in the worker table.
// Ids below the maximum that were freed by expiry are not reissued.
func (s *Store) LowestFreeID() (grid.WorkerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lowestFreeLocked()
}

func (s *Store) lowestFreeLocked() (grid.WorkerID, error) {
	if len(s.workers) == 0 {
		return grid.ValueToID(0)
	}
	var highest uint32
	for id := range s.workers {
		v, err := grid.IDToValue(id)
		if err != nil {
			return grid.BlankID, err
		}
		highest = max(highest, v)
	}
	if highest+1 >= grid.IDSpace {
		return grid.BlankID, grid.ErrIDSpaceExhausted
	}
	return grid.ValueToID(highest + 1)
}

// Worker returns the worker table row for id.
func (s *Store) Worker(id grid.WorkerID) (grid.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	return w, ok
}

// Batch returns the batch table row for n.
func (s *Store) Batch(n uint32) (grid.BatchEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[n]
	if !ok {
		return grid.BatchEntry{}, false
	}
	return s.batches[i], true
}

// AssignedCount returns how many batches id currently holds.
func (s *Store) AssignedCount(id grid.WorkerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, e := range s.batches {
		if e.Status.Assigned() && e.Worker == id {
			n++
		}
	}
	return n
}

// AssignedTo returns the SentWaiting batches held by id in ascending order.
func (s *Store) AssignedTo(id grid.WorkerID) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for _, e := range s.batches {
		if e.Status == grid.StatusSentWaiting && e.Worker == id {
			out = append(out, e.Number)
		}
	}
	return out
}

// SelectReady returns up to n of the lowest-numbered StoredReady batches
// without changing them. The scan is linear in the table size.
func (s *Store) SelectReady(n int) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for _, e := range s.batches {
		if len(out) >= n {
			break
		}
		if e.Status == grid.StatusStoredReady {
			out = append(out, e.Number)
		}
	}
	return out
}

// CommitSent assigns batches to id after the worker acknowledged receipt.
// Nothing changes unless every batch is still StoredReady.
func (s *Store) CommitSent(id grid.WorkerID, batches []uint32, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for _, n := range batches {
		e, err := s.entryLocked(n)
		if err != nil {
			return err
		}
		if e.Status != grid.StatusStoredReady {
			return fmt.Errorf("commit batch %d: %w: %s", n, ErrWrongStatus, e.Status)
		}
	}

	stamp := grid.Stamp(now)
	for _, n := range batches {
		e := &s.batches[s.index[n]]
		e.Status = grid.StatusSentWaiting
		e.Worker = id
		e.LastSent = stamp
	}
	return s.changedLocked(len(batches))
}

// RenewSent restamps the send time of batches id already holds.
func (s *Store) RenewSent(id grid.WorkerID, batches []uint32, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for _, n := range batches {
		e, err := s.entryLocked(n)
		if err != nil {
			return err
		}
		if e.Status != grid.StatusSentWaiting || e.Worker != id {
			return fmt.Errorf("renew batch %d: %w", n, ErrNotAssigned)
		}
	}

	stamp := grid.Stamp(now)
	for _, n := range batches {
		s.batches[s.index[n]].LastSent = stamp
	}
	return s.changedLocked(len(batches))
}

// ClaimReturned moves every batch in numbers that id holds in SentWaiting
// to ReceivedProcessing. Numbers id does not hold are reported in
// rejected and left untouched.
func (s *Store) ClaimReturned(id grid.WorkerID, numbers []uint32) (owned, rejected []uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}

	seen := make(map[uint32]struct{}, len(numbers))
	for _, n := range numbers {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}

		i, ok := s.index[n]
		if !ok || s.batches[i].Status != grid.StatusSentWaiting || s.batches[i].Worker != id {
			rejected = append(rejected, n)
			continue
		}
		s.batches[i].Status = grid.StatusReceivedProcessing
		owned = append(owned, n)
	}
	if len(owned) == 0 {
		return nil, rejected, nil
	}
	return owned, rejected, s.changedLocked(len(owned))
}

// MarkReturned records that the archive copy of a claimed batch exists.
func (s *Store) MarkReturned(n uint32) error {
	return s.transition(n, []grid.Status{grid.StatusReceivedProcessing}, func(e *grid.BatchEntry) {
		e.Status = grid.StatusReturnedProcessing
	})
}

// MarkArchived completes a returned batch.
func (s *Store) MarkArchived(n uint32, now time.Time) error {
	stamp := grid.Stamp(now)
	return s.transition(n,
		[]grid.Status{grid.StatusReceivedProcessing, grid.StatusReturnedProcessing},
		func(e *grid.BatchEntry) {
			e.Status = grid.StatusStoredArchived
			e.Worker = grid.BlankID
			e.LastCompleted = stamp
		})
}

// MarkLost records that a claimed batch could not be archived.
func (s *Store) MarkLost(n uint32) error {
	return s.transition(n,
		[]grid.Status{grid.StatusReceivedProcessing, grid.StatusReturnedProcessing},
		func(e *grid.BatchEntry) {
			e.Status = grid.StatusLost
			e.Worker = grid.BlankID
		})
}

// Unclaim hands a claimed batch back to its worker as SentWaiting.
func (s *Store) Unclaim(n uint32) error {
	return s.transition(n, []grid.Status{grid.StatusReceivedProcessing}, func(e *grid.BatchEntry) {
		e.Status = grid.StatusSentWaiting
	})
}

// Promote marks a scheduled batch whose job files now exist as ready.
func (s *Store) Promote(n uint32) error {
	return s.transition(n, []grid.Status{grid.StatusScheduledWaiting}, func(e *grid.BatchEntry) {
		e.Status = grid.StatusStoredReady
	})
}

// Requeue returns a Lost batch to StoredReady.
func (s *Store) Requeue(n uint32) error {
	return s.transition(n, []grid.Status{grid.StatusLost}, func(e *grid.BatchEntry) {
		e.Status = grid.StatusStoredReady
	})
}

func (s *Store) transition(n uint32, from []grid.Status, apply func(*grid.BatchEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e, err := s.entryLocked(n)
	if err != nil {
		return err
	}
	if !slices.Contains(from, e.Status) {
		return fmt.Errorf("batch %d: %w: %s", n, ErrWrongStatus, e.Status)
	}
	apply(e)
	return s.changedLocked(1)
}

// WithStatus returns the batches currently in any of statuses.
func (s *Store) WithStatus(statuses ...grid.Status) []grid.BatchEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []grid.BatchEntry
	for _, e := range s.batches {
		if slices.Contains(statuses, e.Status) {
			out = append(out, e)
		}
	}
	return out
}

// SweepResult lists what one Expire call changed.
type SweepResult struct {
	ExpiredWorkers []grid.WorkerID
	// Released holds batches freed because their worker expired.
	Released []uint32
	// ExpiredBatches holds batches freed because they were out too long.
	ExpiredBatches []uint32
}

// Empty reports whether the sweep changed nothing.
func (r SweepResult) Empty() bool {
	return len(r.ExpiredWorkers) == 0 && len(r.Released) == 0 && len(r.ExpiredBatches) == 0
}

// Expire removes workers silent for longer than workerTTL, releasing their
// SentWaiting batches, then releases any SentWaiting batch sent more than
// batchTTL ago. A non-positive TTL disables that half of the sweep.
func (s *Store) Expire(now time.Time, workerTTL, batchTTL time.Duration) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SweepResult{}, ErrClosed
	}

	var res SweepResult
	if workerTTL > 0 {
		cutoff := now.Add(-workerTTL)
		for id, w := range s.workers {
			if w.LastContacted.Before(cutoff) {
				res.ExpiredWorkers = append(res.ExpiredWorkers, id)
			}
		}
		slices.SortFunc(res.ExpiredWorkers, compareIDs)

		for _, id := range res.ExpiredWorkers {
			for i := range s.batches {
				e := &s.batches[i]
				if e.Status == grid.StatusSentWaiting && e.Worker == id {
					release(e)
					res.Released = append(res.Released, e.Number)
				}
			}
			delete(s.workers, id)
		}
		slices.Sort(res.Released)
	}

	if batchTTL > 0 {
		cutoff := now.Add(-batchTTL)
		for i := range s.batches {
			e := &s.batches[i]
			if e.Status == grid.StatusSentWaiting && e.LastSent.Before(cutoff) {
				release(e)
				res.ExpiredBatches = append(res.ExpiredBatches, e.Number)
			}
		}
	}

	changed := len(res.ExpiredWorkers) + len(res.Released) + len(res.ExpiredBatches)
	if changed == 0 {
		return res, nil
	}
	return res, s.changedLocked(changed)
}

func release(e *grid.BatchEntry) {
	e.Status = grid.StatusStoredReady
	e.Worker = grid.BlankID
}

// Counts returns the number of batches in each status.
func (s *Store) Counts() map[grid.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[grid.Status]int)
	for _, e := range s.batches {
		out[e.Status]++
	}
	return out
}

// Snapshot returns a copy of both tables.
func (s *Store) Snapshot() Tables {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Tables {
	t := Tables{
		Batches: slices.Clone(s.batches),
		Workers: make([]grid.Worker, 0, len(s.workers)),
	}
	for _, w := range s.workers {
		t.Workers = append(t.Workers, w)
	}
	slices.SortFunc(t.Workers, func(a, b grid.Worker) int { return compareIDs(a.ID, b.ID) })
	return t
}

// Flush saves both tables now.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

// Close flushes the tables and releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.flushLocked()
	closeErr := s.backend.Close()
	return errors.Join(flushErr, closeErr)
}

func (s *Store) changedLocked(n int) error {
	s.pending += n
	if s.pending < s.flushEvery {
		return nil
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if err := s.backend.Save(s.snapshotLocked()); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	s.pending = 0
	return nil
}

func (s *Store) entryLocked(n uint32) (*grid.BatchEntry, error) {
	i, ok := s.index[n]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBatch, n)
	}
	return &s.batches[i], nil
}

func sortBatches(b []grid.BatchEntry) {
	slices.SortFunc(b, func(x, y grid.BatchEntry) int { return cmp.Compare(x.Number, y.Number) })
}

// compareIDs orders ids by numeric value. Invalid ids sort last.
func compareIDs(a, b grid.WorkerID) int {
	av, aerr := grid.IDToValue(a)
	if aerr != nil {
		av = grid.IDSpace
	}
	bv, berr := grid.IDToValue(b)
	if berr != nil {
		bv = grid.IDSpace
	}
	return cmp.Compare(av, bv)
}
