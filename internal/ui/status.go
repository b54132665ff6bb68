package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bamsammich/grid/internal/grid"
)

// StatusReport is everything grid status prints.
type StatusReport struct {
	Started      time.Time
	Counts       map[grid.Status]int
	Addr         string
	Workers      []WorkerRow
	PID          int
	MaxPerWorker int
}

// WorkerRow is one line of the worker table.
type WorkerRow struct {
	LastContacted time.Time
	Assigned      []uint32
	ID            grid.WorkerID
}

// RenderStatus renders r as text. styled enables lipgloss colors; width
// bounds the progress bar.
//
//nolint:revive // cognitive-complexity: linear report layout
func RenderStatus(r StatusReport, now time.Time, styled bool, width int) string {
	paint := func(st lipgloss.Style, s string) string {
		if !styled {
			return s
		}
		return st.Render(s)
	}

	var b strings.Builder

	b.WriteString(paint(styleHeaderLabel, "coordinator"))
	b.WriteString("  ")
	if r.Addr == "" {
		b.WriteString(paint(styleMuted, "not running"))
	} else {
		fmt.Fprintf(&b, "%s  pid %d  up %s",
			paint(styleHeader, r.Addr), r.PID, FormatDuration(now.Sub(r.Started)))
	}
	b.WriteString("\n\n")

	total := 0
	for _, n := range r.Counts {
		total += n
	}
	archived := r.Counts[grid.StatusStoredArchived]

	b.WriteString(paint(styleHeaderLabel, "batches"))
	fmt.Fprintf(&b, "  %s total\n", FormatCount(int64(total)))
	for _, st := range grid.Statuses() {
		if st == grid.StatusNone {
			continue
		}
		label := fmt.Sprintf("  %-20s", st)
		fmt.Fprintf(&b, "%s %8s\n", paint(styleStatus[st], label), FormatCount(int64(r.Counts[st])))
	}

	barWidth := min(max(width-30, 10), 50)
	pct := 0.0
	if total > 0 {
		pct = float64(archived) / float64(total)
	}
	fmt.Fprintf(&b, "  %s %5.1f%%\n",
		paint(styleProgress, ProgressBar(pct, barWidth)), pct*100)

	if r.Workers == nil {
		return b.String()
	}

	b.WriteString("\n")
	b.WriteString(paint(styleHeaderLabel, "workers"))
	fmt.Fprintf(&b, "  %d registered\n", len(r.Workers))
	for _, w := range r.Workers {
		slots := SlotIndicator(len(w.Assigned), r.MaxPerWorker)
		fmt.Fprintf(&b, "  %s  %s  %-16s %s\n",
			paint(styleHeader, w.ID.String()),
			paint(styleSlotBusy, slots),
			FormatAge(w.LastContacted, now),
			paint(styleMuted, FormatBatchList(w.Assigned)),
		)
	}
	return b.String()
}

// FormatBatchList joins batch numbers with commas; "-" for none.
func FormatBatchList(batches []uint32) string {
	if len(batches) == 0 {
		return "-"
	}
	parts := make([]string, len(batches))
	for i, n := range batches {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}
