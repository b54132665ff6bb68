package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/grid/internal/archive"
	"github.com/bamsammich/grid/internal/ui"
	"github.com/bamsammich/grid/internal/worker"
)

// exitNothingToDo is returned by fetch when the coordinator has no batch
// for this worker, so scripts can tell it apart from a failure.
const exitNothingToDo = 3

func newWorkerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Talk to a coordinator as a worker",
		Long: `Fetch batches into the local queue, return results, resynchronize the
local queue with the coordinator, or check that a coordinator is up.

The worker directory holds the id the coordinator issued (worker.id) and
the queue of batches this worker holds (queue/<n>).`,
	}
	pf := cmd.PersistentFlags()
	pf.String("server", "", "coordinator address (host:port)")
	pf.String("dir", "", "worker directory")
	pf.String("bwlimit", "", "bandwidth limit for batch transfers (e.g. 10M)")

	fetch := &cobra.Command{
		Use:           "fetch",
		Short:         "Request batches into the local queue",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runFetch(cmd)
		},
	}
	fetch.Flags().IntP("batches", "n", 0, "number of batches to request")

	ret := &cobra.Command{
		Use:   "return DIR...",
		Short: "Upload result directories named by batch number",
		Long: `Upload result directories to the coordinator. Each directory's base
name must be the batch number it holds results for. Batches the
coordinator accepts are dropped from the local queue.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runReturn(cmd, args)
		},
	}

	resync := &cobra.Command{
		Use:           "resync",
		Short:         "Replace the local queue with the batches the coordinator assigns this worker",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runResync(cmd)
		},
	}

	ping := &cobra.Command{
		Use:           "ping",
		Short:         "Check that the coordinator accepts connections",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPing(cmd)
		},
	}

	cmd.AddCommand(fetch, ret, resync, ping)
	return cmd
}

// workerClient builds a client from the [worker] config section and the
// flags set on cmd.
func (a *app) workerClient(cmd *cobra.Command) (*worker.Client, error) {
	wc := a.cfg.Worker
	flags := cmd.Flags()
	overrideString(flags, "server", &wc.Server)
	overrideString(flags, "dir", &wc.Dir)
	if err := overrideSize(flags, "bwlimit", &wc.BWLimit); err != nil {
		return nil, err
	}
	if changed(flags, "batches") {
		wc.Batches, _ = flags.GetInt("batches") //nolint:errcheck // flag name is hardcoded
	}
	a.cfg.Worker = wc
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}

	return worker.New(worker.Options{
		Archiver:       archive.NewTarZstd(a.cfg.Server.CompressionLevel),
		Server:         wc.Server,
		Dir:            wc.Dir,
		MessageTimeout: wc.MessageTimeout.Duration,
		QueueTimeout:   wc.QueueTimeout.Duration,
		BWLimit:        int64(wc.BWLimit),
		BlockSize:      int(a.cfg.Server.BlockSize),
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) runFetch(cmd *cobra.Command) error {
	c, err := a.workerClient(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	batches, err := c.RequestBatches(ctx, a.cfg.Worker.Batches)
	switch {
	case errors.Is(err, worker.ErrNoAvailableBatches), errors.Is(err, worker.ErrLimitReached):
		return &exitError{code: exitNothingToDo, err: err}
	case err != nil:
		return err
	}
	if !a.quiet {
		fmt.Fprintf(os.Stdout, "worker %s fetched %s into %s\n",
			c.ID(), batchList(batches), c.Queue().Dir())
	}
	return nil
}

func (a *app) runReturn(cmd *cobra.Command, paths []string) error {
	c, err := a.workerClient(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	res, err := c.ReturnBatches(ctx, paths)
	if err != nil {
		return err
	}
	if res.Status != worker.ReturnSuccess {
		return fmt.Errorf("coordinator refused the return: %s", res.Status)
	}
	if !a.quiet {
		fmt.Fprintf(os.Stdout, "accepted %s\n", batchList(res.Accepted))
		if len(res.Rejected) > 0 {
			fmt.Fprintf(os.Stdout, "rejected %s (not assigned to worker %s)\n", batchList(res.Rejected), c.ID())
		}
	}
	if len(res.Lost) > 0 {
		return fmt.Errorf("coordinator failed to archive %s; they need grid requeue", batchList(res.Lost))
	}
	return nil
}

func (a *app) runResync(cmd *cobra.Command) error {
	c, err := a.workerClient(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	res, err := c.ResyncAllAssignments(ctx)
	if err != nil {
		return err
	}
	switch res.Status {
	case worker.ResyncSuccess:
		if !a.quiet {
			fmt.Fprintf(os.Stdout, "worker %s holds %s\n", c.ID(), batchList(res.Batches))
		}
	case worker.ResyncNoBatchesAssigned:
		if !a.quiet {
			fmt.Fprintf(os.Stdout, "worker %s holds no batches\n", c.ID())
		}
	default:
		return fmt.Errorf("coordinator refused the resync: %s", res.Status)
	}
	return nil
}

func (a *app) runPing(cmd *cobra.Command) error {
	c, err := a.workerClient(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	if !c.IsReachable(ctx) {
		return &exitError{code: 1, err: fmt.Errorf("coordinator at %s is not reachable", a.cfg.Worker.Server)}
	}
	if !a.quiet {
		fmt.Fprintf(os.Stdout, "coordinator at %s is up\n", a.cfg.Worker.Server)
	}
	return nil
}

func batchList(batches []uint32) string {
	if len(batches) == 0 {
		return "nothing"
	}
	return ui.FormatBatchList(batches)
}
