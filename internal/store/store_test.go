package store_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/grid/internal/grid"
	"github.com/bamsammich/grid/internal/store"
)

// memBackend keeps saved tables in memory and counts saves.
type memBackend struct {
	loadErr error
	saveErr error
	saved   store.Tables
	saves   int
	closed  bool
}

func (m *memBackend) Load() (store.Tables, error) {
	if m.loadErr != nil {
		return store.Tables{}, m.loadErr
	}
	return m.saved, nil
}

func (m *memBackend) Save(t store.Tables) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = t
	m.saves++
	return nil
}

func (m *memBackend) Close() error {
	m.closed = true
	return nil
}

func ready(numbers ...uint32) []grid.BatchEntry {
	out := make([]grid.BatchEntry, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, grid.BatchEntry{Number: n, Status: grid.StatusStoredReady, Worker: grid.BlankID})
	}
	return out
}

func openStore(t *testing.T, b *memBackend, opts store.Options) *store.Store {
	t.Helper()
	s, err := store.Open(b, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.UnixMilli(1_700_000_000_000)

func TestResolveWorker(t *testing.T) {
	t.Parallel()

	s := openStore(t, &memBackend{}, store.Options{})

	id, fresh, err := s.ResolveWorker(grid.BlankID, t0)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "0000", id.String())

	again, fresh, err := s.ResolveWorker(id, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, id, again)

	w, ok := s.Worker(id)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), w.LastContacted)

	// A well-formed id the table has never seen is replaced.
	sub, fresh, err := s.ResolveWorker(mustID(t, "zzzz"), t0)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "1000", sub.String())
}

func TestLowestFreeIDUsesMaximum(t *testing.T) {
	t.Parallel()

	b := &memBackend{saved: store.Tables{Workers: []grid.Worker{
		{ID: mustID(t, "0000")},
		{ID: mustID(t, "5000")},
	}}}
	s := openStore(t, b, store.Options{})

	id, err := s.LowestFreeID()
	require.NoError(t, err)
	assert.Equal(t, "6000", id.String())
}

func TestLowestFreeIDExhausted(t *testing.T) {
	t.Parallel()

	b := &memBackend{saved: store.Tables{Workers: []grid.Worker{{ID: mustID(t, "ZZZZ")}}}}
	s := openStore(t, b, store.Options{})

	_, err := s.LowestFreeID()
	require.ErrorIs(t, err, grid.ErrIDSpaceExhausted)
}

func TestAllocationGrantsLowestReady(t *testing.T) {
	t.Parallel()

	b := &memBackend{saved: store.Tables{Batches: ready(2, 1)}}
	s := openStore(t, b, store.Options{})
	bbbb := mustID(t, "bbbb")

	picked := s.SelectReady(5)
	assert.Equal(t, []uint32{1, 2}, picked)

	require.NoError(t, s.CommitSent(bbbb, picked, t0))
	for _, n := range picked {
		e, ok := s.Batch(n)
		require.True(t, ok)
		assert.Equal(t, grid.StatusSentWaiting, e.Status)
		assert.Equal(t, bbbb, e.Worker)
		assert.Equal(t, t0, e.LastSent)
	}
	assert.Equal(t, 2, s.AssignedCount(bbbb))
	assert.Equal(t, []uint32{1, 2}, s.AssignedTo(bbbb))
	assert.Empty(t, s.SelectReady(1))
}

func TestCommitSentIsExclusive(t *testing.T) {
	t.Parallel()

	s := openStore(t, &memBackend{saved: store.Tables{Batches: ready(1, 2)}}, store.Options{})
	w1, w2 := mustID(t, "1000"), mustID(t, "2000")

	require.NoError(t, s.CommitSent(w1, []uint32{1}, t0))

	err := s.CommitSent(w2, []uint32{2, 1}, t0)
	require.ErrorIs(t, err, store.ErrWrongStatus)

	// The failed commit changed nothing, including batch 2.
	e, _ := s.Batch(2)
	assert.Equal(t, grid.StatusStoredReady, e.Status)
	e, _ = s.Batch(1)
	assert.Equal(t, w1, e.Worker)

	err = s.CommitSent(w2, []uint32{99}, t0)
	require.ErrorIs(t, err, store.ErrUnknownBatch)
}

func TestClaimReturnedRejectsForeignBatches(t *testing.T) {
	t.Parallel()

	s := openStore(t, &memBackend{saved: store.Tables{Batches: ready(3, 7)}}, store.Options{})
	aaaa, bbbb := mustID(t, "aaaa"), mustID(t, "bbbb")
	require.NoError(t, s.CommitSent(aaaa, []uint32{3}, t0))
	require.NoError(t, s.CommitSent(bbbb, []uint32{7}, t0))

	owned, rejected, err := s.ClaimReturned(aaaa, []uint32{7})
	require.NoError(t, err)
	assert.Empty(t, owned)
	assert.Equal(t, []uint32{7}, rejected)

	e, _ := s.Batch(7)
	assert.Equal(t, grid.StatusSentWaiting, e.Status)
	assert.Equal(t, bbbb, e.Worker)

	owned, rejected, err = s.ClaimReturned(aaaa, []uint32{3, 3, 7, 42})
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, owned)
	assert.Equal(t, []uint32{7, 42}, rejected)

	e, _ = s.Batch(3)
	assert.Equal(t, grid.StatusReceivedProcessing, e.Status)
	assert.Equal(t, 1, s.AssignedCount(aaaa))
}

func TestReturnLifecycle(t *testing.T) {
	t.Parallel()

	s := openStore(t, &memBackend{saved: store.Tables{Batches: ready(3, 4)}}, store.Options{})
	aaaa := mustID(t, "aaaa")
	require.NoError(t, s.CommitSent(aaaa, []uint32{3, 4}, t0))
	_, _, err := s.ClaimReturned(aaaa, []uint32{3, 4})
	require.NoError(t, err)

	require.NoError(t, s.MarkReturned(3))
	done := t0.Add(time.Hour)
	require.NoError(t, s.MarkArchived(3, done))
	e, _ := s.Batch(3)
	assert.Equal(t, grid.StatusStoredArchived, e.Status)
	assert.True(t, e.Worker.IsBlank())
	assert.Equal(t, done, e.LastCompleted)

	require.NoError(t, s.MarkLost(4))
	e, _ = s.Batch(4)
	assert.Equal(t, grid.StatusLost, e.Status)
	assert.True(t, e.Worker.IsBlank())

	require.ErrorIs(t, s.MarkArchived(4, done), store.ErrWrongStatus)

	require.NoError(t, s.Requeue(4))
	e, _ = s.Batch(4)
	assert.Equal(t, grid.StatusStoredReady, e.Status)
	require.ErrorIs(t, s.Requeue(3), store.ErrWrongStatus)
}

func TestUnclaim(t *testing.T) {
	t.Parallel()

	s := openStore(t, &memBackend{saved: store.Tables{Batches: ready(1)}}, store.Options{})
	w := mustID(t, "0000")
	require.NoError(t, s.CommitSent(w, []uint32{1}, t0))
	_, _, err := s.ClaimReturned(w, []uint32{1})
	require.NoError(t, err)

	require.NoError(t, s.Unclaim(1))
	e, _ := s.Batch(1)
	assert.Equal(t, grid.StatusSentWaiting, e.Status)
	assert.Equal(t, w, e.Worker)
}

func TestPromote(t *testing.T) {
	t.Parallel()

	b := &memBackend{saved: store.Tables{Batches: []grid.BatchEntry{
		{Number: 1, Status: grid.StatusScheduledWaiting, Worker: grid.BlankID},
	}}}
	s := openStore(t, b, store.Options{})

	assert.Empty(t, s.SelectReady(1))
	require.NoError(t, s.Promote(1))
	assert.Equal(t, []uint32{1}, s.SelectReady(1))
	require.ErrorIs(t, s.Promote(1), store.ErrWrongStatus)
}

func TestExpireWorkerReleasesBatches(t *testing.T) {
	t.Parallel()

	s := openStore(t, &memBackend{saved: store.Tables{Batches: ready(1, 2, 3)}}, store.Options{})

	stale, _, err := s.ResolveWorker(grid.BlankID, t0)
	require.NoError(t, err)
	live, _, err := s.ResolveWorker(grid.BlankID, t0)
	require.NoError(t, err)
	require.NoError(t, s.CommitSent(stale, []uint32{1, 2}, t0))
	require.NoError(t, s.CommitSent(live, []uint32{3}, t0))

	now := t0.Add(10 * time.Hour)
	_, _, err = s.ResolveWorker(live, now)
	require.NoError(t, err)

	res, err := s.Expire(now, time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, []grid.WorkerID{stale}, res.ExpiredWorkers)
	assert.Equal(t, []uint32{1, 2}, res.Released)
	assert.Empty(t, res.ExpiredBatches)

	_, ok := s.Worker(stale)
	assert.False(t, ok)
	for _, n := range []uint32{1, 2} {
		e, _ := s.Batch(n)
		assert.Equal(t, grid.StatusStoredReady, e.Status)
		assert.True(t, e.Worker.IsBlank())
	}
	e, _ := s.Batch(3)
	assert.Equal(t, grid.StatusSentWaiting, e.Status)
}

func TestExpireBatchReleasesRegardlessOfWorker(t *testing.T) {
	t.Parallel()

	s := openStore(t, &memBackend{saved: store.Tables{Batches: ready(1, 2)}}, store.Options{})
	w, _, err := s.ResolveWorker(grid.BlankID, t0)
	require.NoError(t, err)
	require.NoError(t, s.CommitSent(w, []uint32{1}, t0))
	require.NoError(t, s.CommitSent(w, []uint32{2}, t0.Add(90*time.Minute)))

	now := t0.Add(2 * time.Hour)
	_, _, err = s.ResolveWorker(w, now)
	require.NoError(t, err)

	res, err := s.Expire(now, time.Hour, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, res.ExpiredWorkers)
	assert.Equal(t, []uint32{1}, res.ExpiredBatches)

	e, _ := s.Batch(1)
	assert.Equal(t, grid.StatusStoredReady, e.Status)
	e, _ = s.Batch(2)
	assert.Equal(t, grid.StatusSentWaiting, e.Status)
}

func TestExpireSkipsProcessingBatches(t *testing.T) {
	t.Parallel()

	s := openStore(t, &memBackend{saved: store.Tables{Batches: ready(1)}}, store.Options{})
	w, _, err := s.ResolveWorker(grid.BlankID, t0)
	require.NoError(t, err)
	require.NoError(t, s.CommitSent(w, []uint32{1}, t0))
	_, _, err = s.ClaimReturned(w, []uint32{1})
	require.NoError(t, err)

	res, err := s.Expire(t0.Add(time.Hour*100), 0, time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestFlushAfterBoundedMutations(t *testing.T) {
	t.Parallel()

	b := &memBackend{saved: store.Tables{Batches: ready(1, 2, 3, 4)}}
	s := openStore(t, b, store.Options{FlushEvery: 3})

	w, _, err := s.ResolveWorker(grid.BlankID, t0)
	require.NoError(t, err)
	require.NoError(t, s.CommitSent(w, []uint32{1}, t0))
	assert.Equal(t, 0, b.saves)

	require.NoError(t, s.CommitSent(w, []uint32{2}, t0))
	assert.Equal(t, 1, b.saves)
	assert.Len(t, b.saved.Workers, 1)

	require.NoError(t, s.CommitSent(w, []uint32{3}, t0))
	assert.Equal(t, 1, b.saves)

	require.NoError(t, s.Close())
	assert.Equal(t, 2, b.saves)
	assert.True(t, b.closed)
	idx := slices.IndexFunc(b.saved.Batches, func(e grid.BatchEntry) bool { return e.Number == 3 })
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, grid.StatusSentWaiting, b.saved.Batches[idx].Status)

	require.ErrorIs(t, s.CommitSent(w, []uint32{4}, t0), store.ErrClosed)
	require.NoError(t, s.Close())
}

func TestFailedSaveKeepsChange(t *testing.T) {
	t.Parallel()

	b := &memBackend{saved: store.Tables{Batches: ready(3)}}
	s := openStore(t, b, store.Options{FlushEvery: 1})
	aaaa := mustID(t, "aaaa")
	require.NoError(t, s.CommitSent(aaaa, []uint32{3}, t0))
	_, _, err := s.ClaimReturned(aaaa, []uint32{3})
	require.NoError(t, err)

	b.saveErr = errors.New("disk full")
	require.ErrorIs(t, s.MarkReturned(3), store.ErrSave)
	e, _ := s.Batch(3)
	assert.Equal(t, grid.StatusReturnedProcessing, e.Status)
	assert.Equal(t, grid.StatusReceivedProcessing, b.saved.Batches[0].Status)

	b.saveErr = nil
	require.NoError(t, s.Flush())
	assert.Equal(t, grid.StatusReturnedProcessing, b.saved.Batches[0].Status)
}

func TestOpenPropagatesLoadError(t *testing.T) {
	t.Parallel()

	loadErr := errors.Join(store.ErrCorrupt, errors.New("bad bytes"))
	_, err := store.Open(&memBackend{loadErr: loadErr}, store.Options{})
	require.ErrorIs(t, err, store.ErrCorrupt)
}

func TestInitializeRejectsDuplicates(t *testing.T) {
	t.Parallel()

	b := &memBackend{}
	require.Error(t, store.Initialize(b, ready(1, 1)))
	assert.Equal(t, 0, b.saves)

	require.NoError(t, store.Initialize(b, ready(3, 1, 2)))
	assert.Equal(t, []uint32{1, 2, 3}, []uint32{
		b.saved.Batches[0].Number, b.saved.Batches[1].Number, b.saved.Batches[2].Number,
	})
}

func TestCounts(t *testing.T) {
	t.Parallel()

	s := openStore(t, &memBackend{saved: store.Tables{Batches: ready(1, 2, 3)}}, store.Options{})
	require.NoError(t, s.CommitSent(mustID(t, "0000"), []uint32{1}, t0))

	counts := s.Counts()
	assert.Equal(t, 2, counts[grid.StatusStoredReady])
	assert.Equal(t, 1, counts[grid.StatusSentWaiting])
}
