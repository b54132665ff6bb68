package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/grid/internal/event"
	"github.com/bamsammich/grid/internal/stats"
)

// plainPresenter writes one line per coordinator event, plus a periodic
// counters line.
type plainPresenter struct {
	w        io.Writer
	stats    *stats.Collector
	interval time.Duration
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.printProgress()
		}
	}
}

//nolint:revive // cyclomatic: one case per event type
func (p *plainPresenter) handleEvent(ev event.Event) {
	ts := ev.Timestamp.Format(time.TimeOnly)
	batches := FormatBatchList(ev.Batches)
	switch ev.Type {
	case event.WorkerRegistered:
		fmt.Fprintf(p.w, "%s  %s  registered\n", ts, ev.Worker)
	case event.BatchesSent:
		fmt.Fprintf(p.w, "%s  %s  sent %s\n", ts, ev.Worker, batches)
	case event.BatchesReturned:
		fmt.Fprintf(p.w, "%s  %s  returned %s\n", ts, ev.Worker, batches)
	case event.ReturnRejected:
		fmt.Fprintf(p.w, "%s  %s  rejected %s\n", ts, ev.Worker, batches)
	case event.BatchLost:
		fmt.Fprintf(p.w, "%s  %s  LOST %s: %v\n", ts, ev.Worker, batches, ev.Error)
	case event.WorkerExpired:
		fmt.Fprintf(p.w, "%s  %s  expired\n", ts, ev.Worker)
	case event.BatchReleased:
		fmt.Fprintf(p.w, "%s  released %s\n", ts, batches)
	case event.BatchPromoted:
		fmt.Fprintf(p.w, "%s  ready %s\n", ts, batches)
	case event.SessionFailed:
		fmt.Fprintf(p.w, "%s  %s  session failed: %v\n", ts, ev.Worker, ev.Error)
	case event.SessionStarted, event.SessionCompleted, event.SessionExpired:
		// counted, not printed
	}
}

func (p *plainPresenter) printProgress() {
	if p.stats == nil {
		return
	}
	snap := p.stats.Snapshot()
	fmt.Fprintf(p.w, "progress: %s  rate out %s  in %s\n", snap,
		FormatRate(snap.BytesSent, snap.Elapsed), FormatRate(snap.BytesReceived, snap.Elapsed))
}

func (p *plainPresenter) Summary() string {
	if p.stats == nil {
		return ""
	}
	return completionSummary(p.stats.Snapshot())
}
