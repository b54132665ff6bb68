package ui

import (
	"io"
	"time"

	"github.com/bamsammich/grid/internal/event"
	"github.com/bamsammich/grid/internal/stats"
)

// Presenter consumes coordinator events and displays them.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer   io.Writer
	Stats    *stats.Collector
	Interval time.Duration
	Quiet    bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory function returns interface by design
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet || cfg.Writer == nil {
		return &quietPresenter{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &plainPresenter{
		w:        cfg.Writer,
		stats:    cfg.Stats,
		interval: interval,
	}
}
