package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/grid/internal/config"
	"github.com/bamsammich/grid/internal/grid"
	"github.com/bamsammich/grid/internal/store"
	"github.com/bamsammich/grid/internal/ui"
)

func newStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show batch progress and registered workers",
		Long: `Show how many batches are in each state and, with --workers, which
batches each registered worker holds. The tables are read without taking
the data directory lock, so status works while a coordinator runs; the
counts reflect the tables as last flushed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStatus(cmd)
		},
	}
	addDataDirFlags(cmd)
	cmd.Flags().Bool("workers", false, "list registered workers and their batches")
	return cmd
}

func (a *app) runStatus(cmd *cobra.Command) error {
	if err := applyServerFlags(cmd, &a.cfg.Server); err != nil {
		return err
	}
	sc := a.cfg.Server
	showWorkers, _ := cmd.Flags().GetBool("workers") //nolint:errcheck // flag name is hardcoded

	b, err := store.OpenBackend(sc.Backend, sc.DataDir, true)
	if err != nil {
		return err
	}
	defer b.Close() //nolint:errcheck // read-only
	tables, err := b.Load()
	if err != nil {
		return err
	}

	report := buildStatusReport(tables, showWorkers)
	report.MaxPerWorker = sc.MaxBatchesPerWorker

	d, err := config.ReadDiscovery(sc.DataDir)
	switch {
	case err == nil:
		report.Addr, report.PID, report.Started = d.Addr, d.PID, d.Started
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	styled := ui.Styled(os.Stdout)
	width := ui.TermWidth(os.Stdout.Fd())
	fmt.Fprint(os.Stdout, ui.RenderStatus(report, time.Now(), styled, width))
	return nil
}

func buildStatusReport(t store.Tables, withWorkers bool) ui.StatusReport {
	r := ui.StatusReport{Counts: make(map[grid.Status]int)}
	held := make(map[grid.WorkerID][]uint32)
	for _, e := range t.Batches {
		r.Counts[e.Status]++
		if e.Status.Assigned() {
			held[e.Worker] = append(held[e.Worker], e.Number)
		}
	}
	if !withWorkers {
		return r
	}

	r.Workers = make([]ui.WorkerRow, 0, len(t.Workers))
	for _, w := range t.Workers {
		r.Workers = append(r.Workers, ui.WorkerRow{
			ID:            w.ID,
			LastContacted: w.LastContacted,
			Assigned:      held[w.ID],
		})
	}
	// Most recently seen first.
	slices.SortFunc(r.Workers, func(x, y ui.WorkerRow) int {
		return y.LastContacted.Compare(x.LastContacted)
	})
	return r
}
