package reporter

import (
	"fmt"
	"io"
	"text/tabwriter"

	"netprobe/internal/models"
	"netprobe/internal/session"
)

// PrintTable prints a summary line and one row per result, sorted by port.
// Closed ports are left out unless showClosed is set.
func PrintTable(w io.Writer, snap session.Snapshot, showClosed bool) {
	fmt.Fprintf(w, "Target %s %v  status=%s  open=%d closed=%d filtered=%d total=%d\n",
		snap.Target, snap.Addresses, snap.Status,
		snap.Summary.Open, snap.Summary.Closed, snap.Summary.Filtered, snap.Summary.Total)
	if snap.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", snap.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT/PROTO\tSTATE\tSERVICE\tVERSION\tRTT")
	proto := "tcp"
	if snap.ScanType == models.ScanUDP {
		proto = "udp"
	}
	for _, r := range snap.Results {
		if r.Status == models.StatusClosed && !showClosed {
			continue
		}
		fmt.Fprintf(tw, "%d/%s\t%s\t%s\t%s\t%.1fms\n", r.Port, proto, r.Status, r.Service, r.Version, r.LatencyMs)
	}
	_ = tw.Flush()
}
