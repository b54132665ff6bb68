// Package server runs the coordinator: it accepts worker connections,
// serves them one session at a time against the batch and worker tables,
// and sweeps expired workers and batches.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bamsammich/grid/internal/archive"
	"github.com/bamsammich/grid/internal/event"
	"github.com/bamsammich/grid/internal/proto"
	"github.com/bamsammich/grid/internal/spool"
	"github.com/bamsammich/grid/internal/stats"
	"github.com/bamsammich/grid/internal/store"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxBatchesPerWorker = 5
	DefaultMessageTimeout      = 30 * time.Second
	DefaultCrashThreshold      = 5
	DefaultSweepInterval       = time.Minute
)

// Config configures a Coordinator.
type Config struct {
	Store    *store.Store
	Spool    *spool.Spool
	Archiver archive.Archiver
	Stats    *stats.Collector
	// Listener is used as-is when set; otherwise New listens on ListenAddr.
	Listener net.Listener
	// Events receives coordinator events without blocking. May be nil.
	Events chan<- event.Event
	// Now overrides the clock. Intended for tests.
	Now        func() time.Time
	ListenAddr string

	MaxBatchesPerWorker int
	BlockSize           int
	BWLimit             int64
	// MaxTransfer bounds one returned blob.
	MaxTransfer    int64
	MessageTimeout time.Duration
	InboxDepth     int
	CrashThreshold int

	SweepInterval time.Duration
	WorkerExpire  time.Duration
	BatchExpire   time.Duration
}

// Coordinator owns the listener, the session queue, the session loop and
// the sweeper.
type Coordinator struct {
	listener net.Listener
	queue    *sessionQueue
	limiter  *rate.Limiter
	stats    *stats.Collector
	// move relocates spool entries; replaced in tests.
	move  func(n uint32, from, to spool.Area) error
	cfg   Config
	conns sync.WaitGroup
	// opMu serializes sessions, sweeps and recovery, so spool moves
	// always match the table state they follow.
	opMu sync.Mutex
}

// New validates cfg and binds the listener.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Spool == nil || cfg.Archiver == nil {
		return nil, errors.New("coordinator needs a store, a spool and an archiver")
	}
	if cfg.MaxBatchesPerWorker <= 0 {
		cfg.MaxBatchesPerWorker = DefaultMaxBatchesPerWorker
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = proto.DefaultBlockSize
	}
	if cfg.BlockSize > proto.MaxBlockSize {
		return nil, fmt.Errorf("block size %d exceeds %d", cfg.BlockSize, proto.MaxBlockSize)
	}
	if cfg.MaxTransfer <= 0 {
		cfg.MaxTransfer = archive.DefaultMaxUnpacked
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.InboxDepth <= 0 {
		cfg.InboxDepth = proto.DefaultInboxDepth
	}
	if cfg.CrashThreshold <= 0 {
		cfg.CrashThreshold = DefaultCrashThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}

	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
	}

	return &Coordinator{
		listener: ln,
		queue:    newSessionQueue(),
		limiter:  proto.NewBWLimiter(cfg.BWLimit, cfg.BlockSize),
		stats:    cfg.Stats,
		move:     cfg.Spool.Move,
		cfg:      cfg,
	}, nil
}

// Addr returns the listener's address (useful when listening on :0).
func (c *Coordinator) Addr() net.Addr {
	return c.listener.Addr()
}

// Stats returns the coordinator's counters.
func (c *Coordinator) Stats() *stats.Collector {
	return c.stats
}

// Serve recovers interrupted work, then accepts and serves sessions until
// ctx is cancelled or too many sessions crash in a row. On return the
// listener is closed, queued sessions are dropped and the store is
// flushed. The in-flight session is allowed to finish or expire.
func (c *Coordinator) Serve(ctx context.Context) error {
	if err := c.Recover(ctx); err != nil {
		c.listener.Close()
		return fmt.Errorf("startup recovery: %w", err)
	}

	slog.Info("coordinator listening", "addr", c.listener.Addr(),
		"max_batches_per_worker", c.cfg.MaxBatchesPerWorker)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() { c.accept(ctx) })
	wg.Go(func() { c.sweepLoop(ctx) })
	go func() {
		<-ctx.Done()
		c.listener.Close()
	}()

	loopErr := c.serveSessions(ctx)
	cancel()
	wg.Wait()

	for _, s := range c.queue.Close() {
		s.Conn.Close() //nolint:errcheck // shutting down
	}
	c.conns.Wait()

	flushErr := c.cfg.Store.Flush()
	if flushErr != nil {
		slog.Error("final flush failed", "error", flushErr)
	}
	slog.Info("coordinator stopped", "stats", c.stats.Snapshot().String())
	return errors.Join(loopErr, flushErr)
}

func (c *Coordinator) now() time.Time {
	return c.cfg.Now()
}

func (c *Coordinator) emit(ev event.Event) {
	event.Emit(c.cfg.Events, ev)
}
