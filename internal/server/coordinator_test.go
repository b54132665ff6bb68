package server_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/grid/internal/archive"
	"github.com/bamsammich/grid/internal/event"
	"github.com/bamsammich/grid/internal/grid"
	"github.com/bamsammich/grid/internal/proto"
	"github.com/bamsammich/grid/internal/server"
	"github.com/bamsammich/grid/internal/spool"
	"github.com/bamsammich/grid/internal/store"
	"github.com/bamsammich/grid/internal/worker"
)

func TestNewBatchGrantsLowestReady(t *testing.T) {
	t.Parallel()

	now := time.Now()
	aaaa, bbbb := mustID(t, "aaaa"), mustID(t, "bbbb")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{readyEntry(1), readyEntry(2), sentEntry(3, aaaa, now)},
		Workers: []grid.Worker{{ID: aaaa, LastContacted: now}, {ID: bbbb, LastContacted: now}},
	}, func(c *server.Config) { c.MaxBatchesPerWorker = 5 })
	f.writeBatch(t, spool.Pending, 1)
	f.writeBatch(t, spool.Pending, 2)
	f.writeBatch(t, spool.Sent, 3)
	f.start(t)

	held := f.batch(t, 3)

	c := f.client(t, "bbbb")
	got, err := c.RequestBatches(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, got)

	f.waitEvent(t, event.SessionCompleted)
	for _, n := range []uint32{1, 2} {
		e := f.batch(t, n)
		assert.Equal(t, grid.StatusSentWaiting, e.Status)
		assert.Equal(t, bbbb, e.Worker)
		assert.False(t, e.LastSent.IsZero())
		assert.True(t, f.spool.Exists(spool.Sent, n))
		assert.False(t, f.spool.Exists(spool.Pending, n))
	}

	queued, err := c.Queue().List()
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, queued)
	data, err := os.ReadFile(filepath.Join(c.Queue().Path(2), "job.txt"))
	require.NoError(t, err)
	assert.Equal(t, "job 2", string(data))

	_, err = c.RequestBatches(context.Background(), 1)
	require.ErrorIs(t, err, worker.ErrNoAvailableBatches)

	assert.Equal(t, held, f.batch(t, 3))
	assert.True(t, f.spool.Exists(spool.Sent, 3))
}

func TestNewBatchRespectsWorkerCap(t *testing.T) {
	t.Parallel()

	now := time.Now()
	aaaa := mustID(t, "aaaa")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{sentEntry(1, aaaa, now), readyEntry(2), readyEntry(3)},
		Workers: []grid.Worker{{ID: aaaa, LastContacted: now}},
	}, func(c *server.Config) { c.MaxBatchesPerWorker = 2 })
	f.writeBatch(t, spool.Sent, 1)
	f.writeBatch(t, spool.Pending, 2)
	f.writeBatch(t, spool.Pending, 3)
	f.start(t)

	c := f.client(t, "aaaa")
	got, err := c.RequestBatches(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, got)

	_, err = c.RequestBatches(context.Background(), 1)
	require.ErrorIs(t, err, worker.ErrLimitReached)
	assert.Equal(t, grid.StatusStoredReady, f.batch(t, 3).Status)
}

func TestFreshWorkerGetsNewID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{readyEntry(1)},
		Workers: []grid.Worker{{ID: mustID(t, "aaaa"), LastContacted: time.Now()}},
	}, nil)
	f.writeBatch(t, spool.Pending, 1)
	f.start(t)

	c := f.client(t, "")
	got, err := c.RequestBatches(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, got)

	ev := f.waitEvent(t, event.WorkerRegistered)
	id := c.ID()
	assert.False(t, id.IsBlank())
	assert.Equal(t, id.String(), ev.Worker)
	assert.Equal(t, id, f.batch(t, 1).Worker)

	_, ok := f.store.Worker(id)
	assert.True(t, ok)
}

func TestUnknownIDDiscardsLocalQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, store.Tables{}, nil)
	f.start(t)

	c := f.client(t, "zzzz")
	require.NoError(t, os.MkdirAll(c.Queue().Path(9), 0o755))

	_, err := c.RequestBatches(context.Background(), 1)
	require.ErrorIs(t, err, worker.ErrNoAvailableBatches)

	assert.NotEqual(t, mustID(t, "zzzz"), c.ID())
	assert.Zero(t, c.Queue().Len())
}

func TestReturnArchivesOwnedBatch(t *testing.T) {
	t.Parallel()

	now := time.Now()
	aaaa := mustID(t, "aaaa")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{sentEntry(3, aaaa, now)},
		Workers: []grid.Worker{{ID: aaaa, LastContacted: now}},
	}, nil)
	f.writeBatch(t, spool.Sent, 3)
	f.start(t)

	c := f.client(t, "aaaa")
	result := filepath.Join(t.TempDir(), "3")
	require.NoError(t, os.MkdirAll(result, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(result, "out.txt"), []byte("answer"), 0o644))

	res, err := c.ReturnBatches(context.Background(), []string{result})
	require.NoError(t, err)
	assert.Equal(t, worker.ReturnSuccess, res.Status)
	assert.Equal(t, []uint32{3}, res.Accepted)
	assert.Empty(t, res.Rejected)
	assert.Empty(t, res.Lost)

	f.waitEvent(t, event.SessionCompleted)
	e := f.batch(t, 3)
	assert.Equal(t, grid.StatusStoredArchived, e.Status)
	assert.True(t, e.Worker.IsBlank())
	assert.False(t, e.LastCompleted.IsZero())
	assert.False(t, f.spool.Exists(spool.Sent, 3))

	data, err := os.ReadFile(filepath.Join(f.spool.Path(spool.Archive, 3), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "answer", string(data))
}

func TestReturnOfForeignBatchRejected(t *testing.T) {
	t.Parallel()

	now := time.Now()
	aaaa, bbbb := mustID(t, "aaaa"), mustID(t, "bbbb")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{sentEntry(7, bbbb, now)},
		Workers: []grid.Worker{{ID: aaaa, LastContacted: now}, {ID: bbbb, LastContacted: now}},
	}, nil)
	f.writeBatch(t, spool.Sent, 7)
	f.start(t)

	before := f.batch(t, 7)

	c := f.client(t, "aaaa")
	result := filepath.Join(t.TempDir(), "7")
	require.NoError(t, os.MkdirAll(result, 0o755))

	res, err := c.ReturnBatches(context.Background(), []string{result})
	require.NoError(t, err)
	assert.Equal(t, worker.ReturnBatchNotAssigned, res.Status)

	ev := f.waitEvent(t, event.ReturnRejected)
	assert.Equal(t, []uint32{7}, ev.Batches)
	f.waitEvent(t, event.SessionFailed)

	assert.Equal(t, before, f.batch(t, 7))
	assert.True(t, f.spool.Exists(spool.Sent, 7))
	assert.False(t, f.spool.Exists(spool.Archive, 7))
}

func TestReturnPartiallyOwned(t *testing.T) {
	t.Parallel()

	now := time.Now()
	aaaa, bbbb := mustID(t, "aaaa"), mustID(t, "bbbb")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{sentEntry(3, aaaa, now), sentEntry(7, bbbb, now)},
		Workers: []grid.Worker{{ID: aaaa, LastContacted: now}, {ID: bbbb, LastContacted: now}},
	}, nil)
	f.start(t)

	c := f.client(t, "aaaa")
	tmp := t.TempDir()
	paths := []string{filepath.Join(tmp, "3"), filepath.Join(tmp, "7")}
	for _, p := range paths {
		require.NoError(t, os.MkdirAll(p, 0o755))
	}

	res, err := c.ReturnBatches(context.Background(), paths)
	require.NoError(t, err)
	assert.Equal(t, worker.ReturnSuccess, res.Status)
	assert.Equal(t, []uint32{3}, res.Accepted)
	assert.Equal(t, []uint32{7}, res.Rejected)

	f.waitEvent(t, event.SessionCompleted)
	assert.Equal(t, grid.StatusStoredArchived, f.batch(t, 3).Status)
	assert.Equal(t, grid.StatusSentWaiting, f.batch(t, 7).Status)
	assert.False(t, f.spool.Exists(spool.Archive, 7))
}

func TestReturnLosesOnlyFailedBatch(t *testing.T) {
	t.Parallel()

	now := time.Now()
	aaaa := mustID(t, "aaaa")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{sentEntry(3, aaaa, now), sentEntry(4, aaaa, now)},
		Workers: []grid.Worker{{ID: aaaa, LastContacted: now}},
	}, nil)
	f.writeBatch(t, spool.Sent, 3)
	f.writeBatch(t, spool.Sent, 4)
	server.SetMove(f.coord, func(n uint32, from, to spool.Area) error {
		if n == 4 && to == spool.Archive {
			return errors.New("no space left on device")
		}
		return f.spool.Move(n, from, to)
	})
	f.start(t)

	c := f.client(t, "aaaa")
	tmp := t.TempDir()
	paths := []string{filepath.Join(tmp, "3"), filepath.Join(tmp, "4")}
	for _, p := range paths {
		require.NoError(t, os.MkdirAll(p, 0o755))
	}

	res, err := c.ReturnBatches(context.Background(), paths)
	require.NoError(t, err)
	assert.Equal(t, worker.ReturnSuccess, res.Status)
	assert.Equal(t, []uint32{3}, res.Accepted)
	assert.Equal(t, []uint32{4}, res.Lost)
	assert.Empty(t, res.Rejected)

	ev := f.waitEvent(t, event.BatchLost)
	assert.Equal(t, []uint32{4}, ev.Batches)
	f.waitEvent(t, event.SessionCompleted)

	lost := f.batch(t, 4)
	assert.Equal(t, grid.StatusLost, lost.Status)
	assert.True(t, lost.Worker.IsBlank())
	assert.False(t, f.spool.Exists(spool.Archive, 4))

	assert.Equal(t, grid.StatusStoredArchived, f.batch(t, 3).Status)
	assert.True(t, f.spool.Exists(spool.Archive, 3))
	assert.Equal(t, int64(1), f.coord.Stats().Snapshot().BatchesLost)
}

// archiveSaveFailure refuses to save tables once a batch has reached
// the archive, leaving earlier saves alone.
type archiveSaveFailure struct {
	store.Backend
}

func (b archiveSaveFailure) Save(t store.Tables) error {
	for _, e := range t.Batches {
		if e.Status == grid.StatusReturnedProcessing || e.Status == grid.StatusStoredArchived {
			return errors.New("disk full")
		}
	}
	return b.Backend.Save(t)
}

func TestReturnSaveFailureKeepsArchivedBatch(t *testing.T) {
	t.Parallel()

	now := time.Now()
	aaaa := mustID(t, "aaaa")
	dir := t.TempDir()
	fb, err := store.OpenFile(dir, false)
	require.NoError(t, err)
	require.NoError(t, fb.Save(store.Tables{
		Batches: []grid.BatchEntry{sentEntry(3, aaaa, now)},
		Workers: []grid.Worker{{ID: aaaa, LastContacted: now}},
	}))
	f := newFixtureOn(t, dir, archiveSaveFailure{Backend: fb}, store.Options{FlushEvery: 1}, nil)
	f.writeBatch(t, spool.Sent, 3)
	f.start(t)

	c := f.client(t, "aaaa")
	result := filepath.Join(t.TempDir(), "3")
	require.NoError(t, os.MkdirAll(result, 0o755))

	res, err := c.ReturnBatches(context.Background(), []string{result})
	require.NoError(t, err)
	assert.Equal(t, worker.ReturnUnspecified, res.Status)

	f.waitEvent(t, event.SessionFailed)
	e := f.batch(t, 3)
	assert.Equal(t, grid.StatusStoredArchived, e.Status)
	assert.True(t, f.spool.Exists(spool.Archive, 3))

	snap := f.coord.Stats().Snapshot()
	assert.Zero(t, snap.BatchesLost)
	assert.Equal(t, int64(1), snap.Crashes)
}

func TestReturnUnparseableBatchName(t *testing.T) {
	t.Parallel()

	now := time.Now()
	aaaa := mustID(t, "aaaa")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{sentEntry(3, aaaa, now)},
		Workers: []grid.Worker{{ID: aaaa, LastContacted: now}},
	}, nil)
	f.start(t)

	c := f.client(t, "aaaa")
	result := filepath.Join(t.TempDir(), "results")
	require.NoError(t, os.MkdirAll(result, 0o755))

	res, err := c.ReturnBatches(context.Background(), []string{result})
	require.NoError(t, err)
	assert.Equal(t, worker.ReturnCouldNotDetermineBatchNumber, res.Status)
	assert.Equal(t, grid.StatusSentWaiting, f.batch(t, 3).Status)

	entries, err := os.ReadDir(f.spool.Dir(spool.Cache))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReturnFromFreshWorkerRefused(t *testing.T) {
	t.Parallel()

	f := newFixture(t, store.Tables{Batches: []grid.BatchEntry{readyEntry(1)}}, nil)
	f.start(t)

	c := f.client(t, "")
	result := filepath.Join(t.TempDir(), "1")
	require.NoError(t, os.MkdirAll(result, 0o755))

	res, err := c.ReturnBatches(context.Background(), []string{result})
	require.NoError(t, err)
	assert.Equal(t, worker.ReturnInvalidWorkerID, res.Status)
	assert.Equal(t, grid.StatusStoredReady, f.batch(t, 1).Status)
}

func TestResyncReplacesLocalQueue(t *testing.T) {
	t.Parallel()

	sentAt := time.Now().Add(-time.Hour)
	bbbb := mustID(t, "bbbb")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{sentEntry(1, bbbb, grid.Stamp(sentAt)), readyEntry(2)},
		Workers: []grid.Worker{{ID: bbbb, LastContacted: time.Now()}},
	}, nil)
	f.writeBatch(t, spool.Sent, 1)
	f.writeBatch(t, spool.Pending, 2)
	f.start(t)

	c := f.client(t, "bbbb")
	require.NoError(t, os.MkdirAll(c.Queue().Path(9), 0o755))

	res, err := c.ResyncAllAssignments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.ResyncSuccess, res.Status)
	assert.Equal(t, []uint32{1}, res.Batches)

	queued, err := c.Queue().List()
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, queued)

	f.waitEvent(t, event.SessionCompleted)
	e := f.batch(t, 1)
	assert.Equal(t, grid.StatusSentWaiting, e.Status)
	assert.True(t, e.LastSent.After(grid.Stamp(sentAt)))
	assert.True(t, f.spool.Exists(spool.Sent, 1))
}

func TestResyncWithNothingAssigned(t *testing.T) {
	t.Parallel()

	bbbb := mustID(t, "bbbb")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{readyEntry(1)},
		Workers: []grid.Worker{{ID: bbbb, LastContacted: time.Now()}},
	}, nil)
	f.start(t)

	c := f.client(t, "bbbb")
	require.NoError(t, os.MkdirAll(c.Queue().Path(4), 0o755))

	res, err := c.ResyncAllAssignments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.ResyncNoBatchesAssigned, res.Status)
	assert.Zero(t, c.Queue().Len())
}

func TestCommitOnlyOnAck(t *testing.T) {
	t.Parallel()

	bbbb := mustID(t, "bbbb")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{readyEntry(1)},
		Workers: []grid.Worker{{ID: bbbb, LastContacted: time.Now()}},
	}, nil)
	f.writeBatch(t, spool.Pending, 1)
	f.start(t)

	ctx := context.Background()
	conn := f.rawConn(t)
	require.NoError(t, conn.SendMsg(&proto.WorkerID{ID: "bbbb"}))
	_, err := proto.Expect[*proto.StateRequest](ctx, conn)
	require.NoError(t, err)
	require.NoError(t, conn.SendMsg(&proto.ClientRequest{Kind: proto.RequestNewBatch, Count: 1}))

	hdr, err := proto.Expect[*proto.BatchSend](ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, hdr.Batches)
	require.NoError(t, conn.Close())

	f.waitEvent(t, event.SessionFailed)
	assert.Equal(t, grid.StatusStoredReady, f.batch(t, 1).Status)
	assert.True(t, f.spool.Exists(spool.Pending, 1))
	assert.False(t, f.spool.Exists(spool.Sent, 1))
	assert.Zero(t, f.coord.Stats().Snapshot().Crashes)
}

func TestSessionExpires(t *testing.T) {
	t.Parallel()

	f := newFixture(t, store.Tables{Batches: []grid.BatchEntry{readyEntry(1)}},
		func(c *server.Config) { c.MessageTimeout = 150 * time.Millisecond })
	f.start(t)

	conn := f.rawConn(t)
	fail, err := proto.Expect[*proto.FailedTransfer](context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, proto.ReasonExpired, fail.Reason)

	f.waitEvent(t, event.SessionExpired)
	snap := f.coord.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.SessionsExpired)
	assert.Zero(t, snap.Crashes)
	assert.Empty(t, f.store.Snapshot().Workers)
}

func TestProtocolViolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, store.Tables{Batches: []grid.BatchEntry{readyEntry(1)}}, nil)
	f.start(t)

	conn := f.rawConn(t)
	require.NoError(t, conn.SendMsg(&proto.ClientRequest{Kind: proto.RequestNewBatch, Count: 1}))

	fail, err := proto.Expect[*proto.FailedTransfer](context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, proto.ReasonProtocolViolation, fail.Reason)
	_, err = proto.Expect[*proto.CloseConnection](context.Background(), conn)
	require.NoError(t, err)

	f.waitEvent(t, event.SessionFailed)
	assert.Zero(t, f.coord.Stats().Snapshot().Crashes)
	assert.Equal(t, grid.StatusStoredReady, f.batch(t, 1).Status)
}

func TestMalformedPayloadIsViolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, store.Tables{Batches: []grid.BatchEntry{readyEntry(1)}}, func(c *server.Config) {
		c.CrashThreshold = 1
	})
	f.start(t)

	for range 3 {
		conn := f.rawConn(t)
		require.NoError(t, conn.Send(proto.Frame{Type: proto.MsgWorkerID, Payload: []byte{0xc1}}))

		fail, err := proto.Expect[*proto.FailedTransfer](context.Background(), conn)
		require.NoError(t, err)
		assert.Equal(t, proto.ReasonProtocolViolation, fail.Reason)
		f.waitEvent(t, event.SessionFailed)
	}

	assert.Zero(t, f.coord.Stats().Snapshot().Crashes)
	select {
	case err := <-f.done:
		t.Fatalf("Serve stopped: %v", err)
	default:
	}
	assert.True(t, f.client(t, "").IsReachable(context.Background()))
}

// panicArchiver blows up on Pack to simulate a crashing session.
type panicArchiver struct {
	archive.Archiver
}

func (panicArchiver) Pack(context.Context, []archive.Entry) ([]byte, error) {
	panic("pack exploded")
}

func TestCrashThresholdStopsServe(t *testing.T) {
	t.Parallel()

	bbbb := mustID(t, "bbbb")
	f := newFixture(t, store.Tables{
		Batches: []grid.BatchEntry{readyEntry(1)},
		Workers: []grid.Worker{{ID: bbbb, LastContacted: time.Now()}},
	}, func(c *server.Config) {
		c.Archiver = panicArchiver{Archiver: archive.NewTarZstd(3)}
		c.CrashThreshold = 1
	})
	f.writeBatch(t, spool.Pending, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.coord.Serve(ctx) }()

	c := f.client(t, "bbbb")
	for range 2 {
		_, err := c.RequestBatches(context.Background(), 1)
		var remote *proto.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, proto.ReasonUnspecified, remote.Reason)
	}

	select {
	case err := <-done:
		require.ErrorIs(t, err, server.ErrCrashThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after repeated crashes")
	}

	snap := f.coord.Stats().Snapshot()
	assert.Equal(t, int64(2), snap.Crashes)
	assert.Equal(t, grid.StatusStoredReady, f.batch(t, 1).Status)
}

func TestIsReachable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, store.Tables{}, nil)
	f.start(t)

	c := f.client(t, "")
	assert.True(t, c.IsReachable(context.Background()))

	f.cancel()
	select {
	case err := <-f.done:
		require.NoError(t, err)
		f.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
	assert.False(t, c.IsReachable(context.Background()))
}

func TestServeStopsCleanly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, store.Tables{Batches: []grid.BatchEntry{readyEntry(1)}}, nil)
	f.start(t)

	// The in-flight session waits out its message timeout.
	f.rawConn(t)
	f.cancel()

	select {
	case err := <-f.done:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "unexpected error %v", err)
		f.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}
