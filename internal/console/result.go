package console

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/SkylerRankin/speedtest_gui/internal/optional"
	"github.com/SkylerRankin/speedtest_gui/internal/types"
	"github.com/dustin/go-humanize"
)

const notAvailable = "Not available"

type Row struct {
	Label string
	Value string
}

// ResultRows lists the fields of a result in display order.
func ResultRows(r types.MeasurementResult) []Row {
	return []Row{
		{"Download", fmt.Sprintf("%.2f Mbps", r.DownloadMbps)},
		{"Upload", fmt.Sprintf("%.2f Mbps", r.UploadMbps)},
		{"Ping", fmt.Sprintf("%.2f ms", r.PingMS)},
		{"Jitter", fmt.Sprintf("%.2f ms", r.JitterMS)},
		{"Packet loss", formatPacketLoss(r.PacketLoss)},
		{"ISP", r.ISP},
		{"Server", r.ServerLabel()},
		{"Location", r.ServerLocation},
		{"Result URL", r.ResultURL.Else(notAvailable)},
	}
}

func formatPacketLoss(loss optional.Opt[float64]) string {
	v, err := loss.Get()
	if err != nil {
		return notAvailable
	}
	return fmt.Sprintf("%.1f%%", v)
}

func WriteResult(w io.Writer, r types.MeasurementResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, row := range ResultRows(r) {
		fmt.Fprintf(tw, "  %s:\t%s\n", row.Label, row.Value)
	}
	tw.Flush()
}

// WriteHistory prints one line per result, with times relative to now.
func WriteHistory(w io.Writer, results []types.MeasurementResult, now time.Time) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No measurements recorded yet")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tDOWNLOAD\tUPLOAD\tPING\tSERVER")
	for _, r := range results {
		when := humanize.RelTime(time.UnixMilli(r.Timestamp), now, "ago", "from now")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f ms\t%s\n",
			when, FormatRate(r.DownloadMbps), FormatRate(r.UploadMbps), r.PingMS, r.ServerLabel())
	}
	tw.Flush()
}
