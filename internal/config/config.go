// Package config loads the grid TOML configuration and the coordinator
// discovery file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bamsammich/grid/internal/proto"
	"github.com/bamsammich/grid/internal/store"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Config represents the grid configuration file.
type Config struct {
	Log    LogConfig    `toml:"log"`
	Server ServerConfig `toml:"server"`
	Worker WorkerConfig `toml:"worker"`
	Sweep  SweepConfig  `toml:"sweep"`
	Theme  ThemeConfig  `toml:"theme"`
}

// ServerConfig holds coordinator settings.
type ServerConfig struct {
	Listen              string   `toml:"listen"`
	DataDir             string   `toml:"data_dir"`
	Backend             string   `toml:"backend"`
	MaxBatchesPerWorker int      `toml:"max_batches_per_worker"`
	BlockSize           Size     `toml:"block_size"`
	BWLimit             Size     `toml:"bwlimit"`
	MessageTimeout      Duration `toml:"message_timeout"`
	InboxDepth          int      `toml:"inbox_depth"`
	CrashThreshold      int      `toml:"crash_threshold"`
	FlushEvery          int      `toml:"flush_every"`
	CompressionLevel    int      `toml:"compression_level"`
}

// SweepConfig holds expiry sweep settings.
type SweepConfig struct {
	Interval     Duration `toml:"interval"`
	WorkerExpire Duration `toml:"worker_expire"`
	BatchExpire  Duration `toml:"batch_expire"`
}

// WorkerConfig holds settings for the worker-side commands.
type WorkerConfig struct {
	Server         string   `toml:"server"`
	Dir            string   `toml:"dir"`
	Batches        int      `toml:"batches"`
	MessageTimeout Duration `toml:"message_timeout"`
	QueueTimeout   Duration `toml:"queue_timeout"`
	BWLimit        Size     `toml:"bwlimit"`
}

// LogConfig selects the stderr level and an optional JSON log file.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, l.Level)
	}
	return lvl, nil
}

// ThemeConfig holds optional color overrides for grid status.
type ThemeConfig struct {
	Green  *string `toml:"green"`
	Blue   *string `toml:"blue"`
	Yellow *string `toml:"yellow"`
	Red    *string `toml:"red"`
	Mauve  *string `toml:"mauve"`
	Muted  *string `toml:"muted"`
	Bright *string `toml:"bright"`
}

// Duration is a time.Duration that decodes from Go duration strings.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:              ":7420",
			DataDir:             "grid-data",
			Backend:             store.BackendFile,
			MaxBatchesPerWorker: 5,
			BlockSize:           proto.DefaultBlockSize,
			MessageTimeout:      Duration{30 * time.Second},
			InboxDepth:          proto.DefaultInboxDepth,
			CrashThreshold:      5,
			FlushEvery:          store.DefaultFlushEvery,
			CompressionLevel:    3,
		},
		Sweep: SweepConfig{
			Interval:     Duration{time.Minute},
			WorkerExpire: Duration{72 * time.Hour},
			BatchExpire:  Duration{168 * time.Hour},
		},
		Worker: WorkerConfig{
			Server:         "127.0.0.1:7420",
			Dir:            "grid-worker",
			Batches:        1,
			MessageTimeout: Duration{30 * time.Second},
			QueueTimeout:   Duration{10 * time.Minute},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Path returns the resolved path to the default config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "grid", "config.toml")
}

// Load decodes the config file at path on top of Default. An empty path
// means the XDG location, where a missing file is not an error. An
// explicitly named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = Path()
		if path == "" {
			return cfg, nil
		}
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges that decoding cannot.
//
//nolint:revive // cyclomatic: flat list of independent checks
func (c Config) Validate() error {
	s := c.Server
	switch {
	case s.Listen == "":
		return fmt.Errorf("%w: server.listen is empty", ErrInvalid)
	case s.DataDir == "":
		return fmt.Errorf("%w: server.data_dir is empty", ErrInvalid)
	case s.Backend != store.BackendFile && s.Backend != store.BackendSQLite:
		return fmt.Errorf("%w: unknown server.backend %q", ErrInvalid, s.Backend)
	case s.MaxBatchesPerWorker <= 0:
		return fmt.Errorf("%w: server.max_batches_per_worker must be positive", ErrInvalid)
	case s.BlockSize <= 0 || s.BlockSize > proto.MaxBlockSize:
		return fmt.Errorf("%w: server.block_size must be in (0, %d]", ErrInvalid, proto.MaxBlockSize)
	case s.BWLimit < 0:
		return fmt.Errorf("%w: server.bwlimit is negative", ErrInvalid)
	case s.MessageTimeout.Duration <= 0:
		return fmt.Errorf("%w: server.message_timeout must be positive", ErrInvalid)
	case s.InboxDepth <= 0:
		return fmt.Errorf("%w: server.inbox_depth must be positive", ErrInvalid)
	case s.CrashThreshold <= 0:
		return fmt.Errorf("%w: server.crash_threshold must be positive", ErrInvalid)
	case s.FlushEvery <= 0:
		return fmt.Errorf("%w: server.flush_every must be positive", ErrInvalid)
	case s.CompressionLevel < 1 || s.CompressionLevel > 22:
		return fmt.Errorf("%w: server.compression_level must be in [1, 22]", ErrInvalid)
	}

	w := c.Sweep
	switch {
	case w.Interval.Duration <= 0:
		return fmt.Errorf("%w: sweep.interval must be positive", ErrInvalid)
	case w.WorkerExpire.Duration <= 0:
		return fmt.Errorf("%w: sweep.worker_expire must be positive", ErrInvalid)
	case w.BatchExpire.Duration <= 0:
		return fmt.Errorf("%w: sweep.batch_expire must be positive", ErrInvalid)
	}

	k := c.Worker
	switch {
	case k.Server == "":
		return fmt.Errorf("%w: worker.server is empty", ErrInvalid)
	case k.Dir == "":
		return fmt.Errorf("%w: worker.dir is empty", ErrInvalid)
	case k.Batches <= 0:
		return fmt.Errorf("%w: worker.batches must be positive", ErrInvalid)
	case k.MessageTimeout.Duration <= 0:
		return fmt.Errorf("%w: worker.message_timeout must be positive", ErrInvalid)
	case k.QueueTimeout.Duration <= 0:
		return fmt.Errorf("%w: worker.queue_timeout must be positive", ErrInvalid)
	case k.BWLimit < 0:
		return fmt.Errorf("%w: worker.bwlimit is negative", ErrInvalid)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}
