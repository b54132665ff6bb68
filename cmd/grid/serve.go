package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/grid/internal/archive"
	"github.com/bamsammich/grid/internal/config"
	"github.com/bamsammich/grid/internal/event"
	"github.com/bamsammich/grid/internal/server"
	"github.com/bamsammich/grid/internal/spool"
	"github.com/bamsammich/grid/internal/stats"
	"github.com/bamsammich/grid/internal/store"
	"github.com/bamsammich/grid/internal/ui"
)

// spoolDir is where the batch directories live inside a data dir.
const spoolDir = "spool"

// exitCrashed is returned when serve stops after too many crashed
// sessions in a row.
const exitCrashed = 4

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `Run the coordinator over an initialized data directory.

Connections are accepted at any time but served one at a time in arrival
order. Silent workers and overdue batches are swept periodically and their
batches become available again. The coordinator's address and pid are
written to <data-dir>/coordinator.toml while it runs.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd)
		},
	}
	addDataDirFlags(cmd)
	cmd.Flags().String("listen", "", "listen address (host:port)")
	cmd.Flags().Int("max-per-worker", 0, "most batches one worker may hold")
	cmd.Flags().String("bwlimit", "", "bandwidth limit for batch transfers (e.g. 10M)")
	cmd.Flags().String("block-size", "", "segment size for batch transfers (e.g. 256K)")
	return cmd
}

// addDataDirFlags registers the flags that locate the tables.
func addDataDirFlags(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", "", "coordinator data directory")
	cmd.Flags().String("backend", "", "table backend (file or sqlite)")
}

// applyServerFlags overrides config values with flags set on the command
// line. Flags a command does not define are skipped.
func applyServerFlags(cmd *cobra.Command, sc *config.ServerConfig) error {
	flags := cmd.Flags()
	overrideString(flags, "data-dir", &sc.DataDir)
	overrideString(flags, "backend", &sc.Backend)
	overrideString(flags, "listen", &sc.Listen)
	if changed(flags, "max-per-worker") {
		sc.MaxBatchesPerWorker, _ = flags.GetInt("max-per-worker") //nolint:errcheck // flag name is hardcoded
	}
	if err := overrideSize(flags, "bwlimit", &sc.BWLimit); err != nil {
		return err
	}
	return overrideSize(flags, "block-size", &sc.BlockSize)
}

func changed(flags *pflag.FlagSet, name string) bool {
	return flags.Lookup(name) != nil && flags.Changed(name)
}

func overrideString(flags *pflag.FlagSet, name string, dst *string) {
	if changed(flags, name) {
		*dst, _ = flags.GetString(name) //nolint:errcheck // flag name is hardcoded
	}
}

func overrideSize(flags *pflag.FlagSet, name string, dst *config.Size) error {
	if !changed(flags, name) {
		return nil
	}
	raw, _ := flags.GetString(name) //nolint:errcheck // flag name is hardcoded
	n, err := config.ParseSize(raw)
	if err != nil {
		return fmt.Errorf("invalid --%s: %w", name, err)
	}
	*dst = config.Size(n)
	return nil
}

// openStore opens the tables for read-write use, holding the data dir
// lock until the store is closed.
func openStore(sc config.ServerConfig) (*store.Store, error) {
	b, err := store.OpenBackend(sc.Backend, sc.DataDir, false)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, fmt.Errorf("%s is in use (is a coordinator running?): %w", sc.DataDir, err)
		}
		return nil, err
	}
	st, err := store.Open(b, store.Options{FlushEvery: sc.FlushEvery})
	if err != nil {
		b.Close() //nolint:errcheck // already failing
		if errors.Is(err, store.ErrNotInitialized) {
			return nil, fmt.Errorf("%w (run grid init first)", err)
		}
		return nil, err
	}
	return st, nil
}

//nolint:revive,funlen // cognitive-complexity: wiring of store, coordinator, presenter and discovery
func (a *app) runServe(cmd *cobra.Command) error {
	if err := applyServerFlags(cmd, &a.cfg.Server); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	sc, sw := a.cfg.Server, a.cfg.Sweep

	st, err := openStore(sc)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("close tables", "error", err)
		}
	}()

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)

	coord, err := server.New(server.Config{
		Store:               st,
		Spool:               spool.New(filepath.Join(sc.DataDir, spoolDir)),
		Archiver:            archive.NewTarZstd(sc.CompressionLevel),
		Stats:               collector,
		Events:              events,
		ListenAddr:          sc.Listen,
		MaxBatchesPerWorker: sc.MaxBatchesPerWorker,
		BlockSize:           int(sc.BlockSize),
		BWLimit:             int64(sc.BWLimit),
		MessageTimeout:      sc.MessageTimeout.Duration,
		InboxDepth:          sc.InboxDepth,
		CrashThreshold:      sc.CrashThreshold,
		SweepInterval:       sw.Interval.Duration,
		WorkerExpire:        sw.WorkerExpire.Duration,
		BatchExpire:         sw.BatchExpire.Duration,
	})
	if err != nil {
		return err
	}

	if err := config.WriteDiscovery(sc.DataDir, config.Discovery{
		Addr:    coord.Addr().String(),
		PID:     os.Getpid(),
		Started: time.Now(),
	}); err != nil {
		slog.Warn("failed to write discovery file", "error", err)
	}
	defer config.RemoveDiscovery(sc.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// With a log file, every event also becomes a structured record.
	presenterEvents := (<-chan event.Event)(events)
	if a.cfg.Log.File != "" {
		teed := make(chan event.Event, 256)
		go func() {
			for ev := range events {
				logEvent(ev)
				teed <- ev
			}
			close(teed)
		}()
		presenterEvents = teed
	}

	presenter := ui.NewPresenter(ui.Config{
		Writer: os.Stdout,
		Stats:  collector,
		Quiet:  a.quiet,
	})
	var presenterErr error
	var presenterWg sync.WaitGroup
	presenterWg.Go(func() {
		presenterErr = presenter.Run(presenterEvents)
	})

	serveErr := coord.Serve(ctx)
	stop()
	close(events)
	presenterWg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(os.Stderr, "presenter: %v\n", presenterErr)
	}

	if !a.quiet {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(os.Stderr, summary)
		}
	}

	if errors.Is(serveErr, server.ErrCrashThreshold) {
		return &exitError{code: exitCrashed, err: serveErr}
	}
	return serveErr
}

func logEvent(ev event.Event) {
	attrs := []slog.Attr{
		slog.String("type", ev.Type.String()),
		slog.String("session", ev.Session),
		slog.String("worker", ev.Worker),
	}
	if len(ev.Batches) > 0 {
		attrs = append(attrs, slog.Any("batches", ev.Batches))
	}
	if ev.Error != nil {
		attrs = append(attrs, slog.String("error", ev.Error.Error()))
	}
	slog.LogAttrs(context.Background(), slog.LevelInfo, "grid.event", attrs...)
}
