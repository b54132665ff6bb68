package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/grid/internal/config"
	"github.com/bamsammich/grid/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// app is the state shared by every subcommand: the loaded config and the
// global output flags.
type app struct {
	logFile  io.Closer
	cfgPath  string
	logLevel string
	logPath  string
	cfg      config.Config
	verbose  bool
	quiet    bool
}

func run() int {
	a := &app{}
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:   "grid",
		Short: "Hand out batches of work to a grid of workers and collect the results",
		Long: `grid runs a coordinator that owns a table of numbered batches. Workers
connect, are served one at a time, and either fetch batches to compute or
return finished results, which the coordinator archives.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "grid %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (default: $XDG_CONFIG_HOME/grid/config.toml)")
	pf.StringVar(&a.logLevel, "log-level", "", "stderr log level (debug, info, warn, error)")
	pf.StringVar(&a.logPath, "log", "", "write structured JSON log to FILE")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress all output except errors")

	rootCmd.AddCommand(
		newServeCmd(a),
		newInitCmd(a),
		newStatusCmd(a),
		newRequeueCmd(a),
		newWorkerCmd(a),
		docsCmd,
	)

	err := rootCmd.Execute()
	a.teardown()
	if err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.err)
			}
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// setup loads the config file, applies the global flags over it and
// configures logging and the status theme.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("log") {
		cfg.Log.File = a.logPath
	}
	switch {
	case a.verbose:
		cfg.Log.Level = "debug"
	case a.quiet:
		cfg.Log.Level = "error"
	}
	a.cfg = cfg

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	var logHandler slog.Handler = textHandler
	if cfg.Log.File != "" {
		lf, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFile = lf
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	slog.SetDefault(slog.New(logHandler))

	ui.ApplyTheme(cfg.Theme)
	return nil
}

func (a *app) teardown() {
	if a.logFile != nil {
		a.logFile.Close() //nolint:errcheck // log file, nothing left to report to
		a.logFile = nil
	}
}

// exitError carries a specific process exit code. err, when set, is
// printed before exiting.
type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }
