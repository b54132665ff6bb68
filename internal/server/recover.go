package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bamsammich/grid/internal/grid"
	"github.com/bamsammich/grid/internal/spool"
)

// Recover repairs work a previous run left half done. The cache is
// cleared; claimed batches go back to their worker unless their archive
// copy was already written, in which case archival is completed; spool
// moves that did not follow a table change are redone. Serve calls it
// before accepting connections.
func (c *Coordinator) Recover(_ context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	sp, st := c.cfg.Spool, c.cfg.Store
	if err := sp.Init(); err != nil {
		return err
	}
	if err := sp.Clear(spool.Cache); err != nil {
		return err
	}

	for _, e := range st.WithStatus(grid.StatusReceivedProcessing) {
		if !sp.Exists(spool.Archive, e.Number) {
			if err := st.Unclaim(e.Number); err != nil {
				return fmt.Errorf("unclaim batch %d: %w", e.Number, err)
			}
			slog.Info("recovered claimed batch", "batch", e.Number, "worker", e.Worker)
			continue
		}
		if err := st.MarkReturned(e.Number); err != nil {
			return fmt.Errorf("recover batch %d: %w", e.Number, err)
		}
	}

	for _, e := range st.WithStatus(grid.StatusReturnedProcessing) {
		if err := sp.Remove(spool.Sent, e.Number); err != nil {
			return err
		}
		if err := st.MarkArchived(e.Number, c.now()); err != nil {
			return fmt.Errorf("complete batch %d: %w", e.Number, err)
		}
		slog.Info("completed interrupted archival", "batch", e.Number)
	}

	for _, e := range st.WithStatus(grid.StatusSentWaiting) {
		if sp.Exists(spool.Pending, e.Number) && !sp.Exists(spool.Sent, e.Number) {
			if err := c.move(e.Number, spool.Pending, spool.Sent); err != nil {
				return err
			}
			slog.Info("redid move to sent", "batch", e.Number)
		}
	}
	for _, e := range st.WithStatus(grid.StatusStoredReady) {
		if sp.Exists(spool.Sent, e.Number) && !sp.Exists(spool.Pending, e.Number) {
			if err := c.move(e.Number, spool.Sent, spool.Pending); err != nil {
				return err
			}
			slog.Info("redid move to pending", "batch", e.Number)
		}
	}

	c.promoteScheduled()

	if err := st.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
