package server_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

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

var t0 = time.UnixMilli(1_700_000_000_000)

func mustID(t *testing.T, s string) grid.WorkerID {
	t.Helper()
	id, err := grid.ParseWorkerID(s)
	require.NoError(t, err)
	return id
}

// fixture is a data dir with tables and spool, plus an unstarted
// coordinator over them.
type fixture struct {
	store  *store.Store
	spool  *spool.Spool
	coord  *server.Coordinator
	events chan event.Event
	done   chan error
	cancel context.CancelFunc
	dir    string
}

func newFixture(t *testing.T, tables store.Tables, mutate func(*server.Config)) *fixture {
	t.Helper()

	dir := t.TempDir()
	b, err := store.OpenFile(dir, false)
	require.NoError(t, err)
	require.NoError(t, b.Save(tables))
	return newFixtureOn(t, dir, b, store.Options{}, mutate)
}

// newFixtureOn builds a fixture whose store runs on b, already holding
// the tables.
func newFixtureOn(t *testing.T, dir string, b store.Backend, opts store.Options, mutate func(*server.Config)) *fixture {
	t.Helper()

	st, err := store.Open(b, opts)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck // test cleanup

	sp := spool.New(filepath.Join(dir, "spool"))
	require.NoError(t, sp.Init())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck // Serve may have closed it

	f := &fixture{
		store:  st,
		spool:  sp,
		events: make(chan event.Event, 256),
		dir:    dir,
	}

	cfg := server.Config{
		Store:          st,
		Spool:          sp,
		Archiver:       archive.NewTarZstd(3),
		Events:         f.events,
		Listener:       ln,
		BlockSize:      1024,
		MessageTimeout: 2 * time.Second,
		SweepInterval:  time.Hour,
		WorkerExpire:   72 * time.Hour,
		BatchExpire:    168 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.coord, err = server.New(cfg)
	require.NoError(t, err)
	return f
}

// start runs Serve until the test ends.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan error, 1)
	go func() { f.done <- f.coord.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(10 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
}

// waitEvent returns the first event of type typ, skipping others.
func (f *fixture) waitEvent(t *testing.T, typ event.Type) event.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return event.Event{}
		}
	}
}

// writeBatch creates a batch directory with one job file in area.
func (f *fixture) writeBatch(t *testing.T, area spool.Area, n uint32) {
	t.Helper()
	p := f.spool.Path(area, n)
	require.NoError(t, os.MkdirAll(p, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, "job.txt"),
		[]byte("job "+strconv.Itoa(int(n))), 0o644))
}

func (f *fixture) batch(t *testing.T, n uint32) grid.BatchEntry {
	t.Helper()
	e, ok := f.store.Batch(n)
	require.True(t, ok, "batch %d missing", n)
	return e
}

// client returns a worker client whose directory claims id ("" for a
// worker that was never issued one).
func (f *fixture) client(t *testing.T, id string) *worker.Client {
	t.Helper()
	dir := t.TempDir()
	if id != "" {
		require.NoError(t, worker.SaveID(dir, mustID(t, id)))
	}
	c, err := worker.New(worker.Options{
		Archiver:       archive.NewTarZstd(3),
		Server:         f.coord.Addr().String(),
		Dir:            dir,
		MessageTimeout: 5 * time.Second,
		QueueTimeout:   5 * time.Second,
		BlockSize:      1024,
	})
	require.NoError(t, err)
	return c
}

// rawConn dials the coordinator and consumes WelcomeWait and
// RequestWorkerID.
func (f *fixture) rawConn(t *testing.T) *proto.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", f.coord.Addr().String())
	require.NoError(t, err)
	conn := proto.NewConn(nc, 0, 5*time.Second)
	go conn.Run()                      //nolint:errcheck // test connection
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck // test cleanup

	ctx := context.Background()
	_, err = proto.Expect[*proto.WelcomeWait](ctx, conn)
	require.NoError(t, err)
	_, err = proto.Expect[*proto.RequestWorkerID](ctx, conn)
	require.NoError(t, err)
	return conn
}

func readyEntry(n uint32) grid.BatchEntry {
	return grid.BatchEntry{Number: n, Status: grid.StatusStoredReady, Worker: grid.BlankID}
}

func sentEntry(n uint32, id grid.WorkerID, at time.Time) grid.BatchEntry {
	return grid.BatchEntry{Number: n, Status: grid.StatusSentWaiting, Worker: id, LastSent: at}
}
