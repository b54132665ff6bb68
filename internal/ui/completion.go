package ui

import (
	"fmt"

	"github.com/bamsammich/grid/internal/stats"
)

// completionSummary builds a final summary line from a snapshot.
// Format: done ✓  sessions 1,204  sent 310  returned 298  out 1.2 GiB  in 880 MiB  time 3h 17m 02s  lost 0  crashes 0
func completionSummary(snap stats.Snapshot) string {
	icon := "✓"
	if snap.BatchesLost > 0 || snap.Crashes > 0 {
		icon = "✗"
	}

	return fmt.Sprintf("done %s  sessions %s  sent %s  returned %s  out %s  in %s  time %s  lost %d  crashes %d",
		icon,
		FormatCount(snap.SessionsServed),
		FormatCount(snap.BatchesSent),
		FormatCount(snap.BatchesReturned),
		FormatBytes(snap.BytesSent),
		FormatBytes(snap.BytesReceived),
		FormatDuration(snap.Elapsed),
		snap.BatchesLost,
		snap.Crashes,
	)
}
