package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bamsammich/grid/internal/spool"
)

func newRequeueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue BATCH...",
		Short: "Make lost batches available again",
		Long: `Return batches that were lost while being archived to the ready state,
moving their sent copy back to the pending area. The coordinator must be
stopped: requeue takes the data directory lock.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRequeue(cmd, args)
		},
	}
	addDataDirFlags(cmd)
	return cmd
}

func (a *app) runRequeue(cmd *cobra.Command, args []string) error {
	if err := applyServerFlags(cmd, &a.cfg.Server); err != nil {
		return err
	}
	batches := make([]uint32, len(args))
	for i, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid batch number %q", arg)
		}
		batches[i] = uint32(n)
	}

	sc := a.cfg.Server
	st, err := openStore(sc)
	if err != nil {
		return err
	}
	sp := spool.New(filepath.Join(sc.DataDir, spoolDir))

	var errs []error
	for _, n := range batches {
		if err := st.Requeue(n); err != nil {
			errs = append(errs, err)
			continue
		}
		if sp.Exists(spool.Sent, n) && !sp.Exists(spool.Pending, n) {
			if err := sp.Move(n, spool.Sent, spool.Pending); err != nil {
				errs = append(errs, fmt.Errorf("batch %d: %w", n, err))
				continue
			}
		}
		if !sp.Exists(spool.Pending, n) {
			slog.Warn("requeued batch has no job files in pending", "batch", n)
		}
		if !a.quiet {
			fmt.Fprintf(os.Stdout, "requeued %d\n", n)
		}
	}

	if err := st.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
