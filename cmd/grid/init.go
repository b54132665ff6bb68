package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bamsammich/grid/internal/grid"
	"github.com/bamsammich/grid/internal/spool"
	"github.com/bamsammich/grid/internal/store"
)

func newInitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the batch and worker tables",
		Long: `Create a data directory with its spool areas and tables holding batches
first..first+batches-1.

A batch whose directory already exists under spool/pending starts ready;
the others wait until their job files appear there, which grid serve
checks on every sweep. Existing tables are never overwritten.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runInit(cmd)
		},
	}
	addDataDirFlags(cmd)
	cmd.Flags().Int("batches", 0, "number of batches to create")
	cmd.Flags().Uint32("first", 1, "number of the first batch")
	cmd.MarkFlagRequired("batches") //nolint:errcheck // flag name is hardcoded
	return cmd
}

func (a *app) runInit(cmd *cobra.Command) error {
	if err := applyServerFlags(cmd, &a.cfg.Server); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	count, _ := cmd.Flags().GetInt("batches")  //nolint:errcheck // flag name is hardcoded
	first, _ := cmd.Flags().GetUint32("first") //nolint:errcheck // flag name is hardcoded
	if count <= 0 {
		return errors.New("--batches must be positive")
	}
	if uint64(first)+uint64(count)-1 > math.MaxUint32 {
		return fmt.Errorf("batches %d..%d overflow the batch number range", first, uint64(first)+uint64(count)-1)
	}

	sc := a.cfg.Server
	if store.Exists(sc.Backend, sc.DataDir) {
		return fmt.Errorf("%s already holds tables; refusing to overwrite", sc.DataDir)
	}
	if err := os.MkdirAll(sc.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	sp := spool.New(filepath.Join(sc.DataDir, spoolDir))
	if err := sp.Init(); err != nil {
		return err
	}

	entries := make([]grid.BatchEntry, count)
	ready := 0
	for i := range entries {
		n := first + uint32(i) //nolint:gosec // G115: range checked above
		status := grid.StatusScheduledWaiting
		if sp.Exists(spool.Pending, n) {
			status = grid.StatusStoredReady
			ready++
		}
		entries[i] = grid.BatchEntry{Number: n, Status: status, Worker: grid.BlankID}
	}

	b, err := store.OpenBackend(sc.Backend, sc.DataDir, false)
	if err != nil {
		return err
	}
	if err := store.Initialize(b, entries); err != nil {
		b.Close() //nolint:errcheck // already failing
		return err
	}
	if err := b.Close(); err != nil {
		return err
	}

	if !a.quiet {
		fmt.Fprintf(os.Stdout, "initialized %d batches in %s (%d ready, %d scheduled)\n",
			count, sc.DataDir, ready, count-ready)
	}
	return nil
}
