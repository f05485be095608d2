package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/srxops/srxops/pkg/engine"
)

// printJSON writes v indented to the command output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes aligned columns; call flush when done.
type table struct {
	w *tabwriter.Writer
}

func newTable(out io.Writer, headers ...string) *table {
	t := &table{w: tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)}
	t.row(headers...)
	return t
}

func (t *table) row(cols ...string) {
	fmt.Fprintln(t.w, strings.Join(cols, "\t"))
}

func (t *table) flush() error {
	return t.w.Flush()
}

func when(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return "-"
	}
	return humanize.Time(*ts)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortToken(token string) string {
	if len(token) > 12 {
		return token[:12]
	}
	return token
}

// printJob writes one job in the selected format.
func printJob(cmd *cobra.Command, job *engine.Job) error {
	if jsonOutput {
		return printJSON(cmd, job)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:        %s\n", job.ID)
	fmt.Fprintf(out, "Type:       %s\n", job.Type)
	fmt.Fprintf(out, "Device:     %s\n", job.DeviceID)
	fmt.Fprintf(out, "Status:     %s\n", job.Status)
	fmt.Fprintf(out, "Phase:      %s\n", orDash(job.Phase))
	fmt.Fprintf(out, "Requested:  %s by %s\n", humanize.Time(job.QueuedAt), job.RequestedBy.Label())
	if job.StartedAt != nil {
		fmt.Fprintf(out, "Duration:   %s\n", job.Duration().Round(time.Second))
	}
	if job.CancelRequested && !job.Status.IsTerminal() {
		fmt.Fprintln(out, "Cancel:     requested")
	}
	if job.Error != "" {
		fmt.Fprintf(out, "Error:      %s\n", job.Error)
	}
	if len(job.Result) > 0 {
		var pretty any
		if err := json.Unmarshal(job.Result, &pretty); err == nil {
			data, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintf(out, "Result:\n%s\n", data)
		}
	}
	return nil
}
