package server

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bamsammich/grid/internal/event"
	"github.com/bamsammich/grid/internal/grid"
	"github.com/bamsammich/grid/internal/spool"
)

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(); err != nil {
				slog.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep expires silent workers and overdue batches, returns released
// batches to the pending area, promotes scheduled batches whose job files
// have appeared, and flushes the tables.
func (c *Coordinator) Sweep() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	res, err := c.cfg.Store.Expire(c.now(), c.cfg.WorkerExpire, c.cfg.BatchExpire)
	if err != nil {
		return fmt.Errorf("expire: %w", err)
	}

	for _, id := range res.ExpiredWorkers {
		slog.Info("worker expired", "worker", id)
		c.emit(event.Event{Type: event.WorkerExpired, Worker: id.String()})
	}
	c.stats.AddWorkersExpired(int64(len(res.ExpiredWorkers)))

	released := slices.Concat(res.Released, res.ExpiredBatches)
	if len(released) > 0 {
		c.returnToPending(released)
		c.stats.AddBatchesReleased(int64(len(released)))
		c.emit(event.Event{Type: event.BatchReleased, Batches: released})
		slog.Info("batches released",
			"from_expired_workers", res.Released, "overdue", res.ExpiredBatches)
	}

	c.promoteScheduled()

	if err := c.cfg.Store.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// returnToPending moves the sent copies of released batches back to
// pending.
func (c *Coordinator) returnToPending(batches []uint32) {
	for _, n := range batches {
		if !c.cfg.Spool.Exists(spool.Sent, n) {
			continue
		}
		if err := c.move(n, spool.Sent, spool.Pending); err != nil {
			slog.Error("return released batch to pending", "batch", n, "error", err)
		}
	}
}

// promoteScheduled marks ScheduledWaiting batches ready once their pending
// directory exists.
func (c *Coordinator) promoteScheduled() {
	var promoted []uint32
	for _, e := range c.cfg.Store.WithStatus(grid.StatusScheduledWaiting) {
		if !c.cfg.Spool.Exists(spool.Pending, e.Number) {
			continue
		}
		if err := c.cfg.Store.Promote(e.Number); err != nil {
			slog.Error("promote batch", "batch", e.Number, "error", err)
			continue
		}
		promoted = append(promoted, e.Number)
	}
	if len(promoted) > 0 {
		c.emit(event.Event{Type: event.BatchPromoted, Batches: promoted})
		slog.Info("batches ready", "batches", promoted)
	}
}
