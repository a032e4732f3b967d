// internal/ui/summary.go
package ui

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/reza-ameri/converge/internal/report"
)

func statusColor(s report.Status) func(a ...interface{}) string {
	switch s {
	case report.Changed:
		return yellow
	case report.Failed:
		return red
	case report.Skipped:
		return cyan
	}
	return green
}

// skipReason renders a skip cause. Causes normally name the failed
// predecessor task; cancellation is not a task.
func skipReason(cause string) string {
	if cause == "canceled" {
		return cause
	}
	return cause + " failed"
}

// Summary prints the per-host, per-task outcome table followed by the first
// error detail for each failure.
func Summary(run *report.Run) {
	Header("Summary")

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  HOST\tTASK\tRESULT")
	for _, h := range run.Hosts() {
		for _, r := range h.Results {
			result := statusColor(r.Status)(r.Status.String())
			if r.Status == report.Skipped && r.Cause != "" {
				result = fmt.Sprintf("%s (%s)", result, skipReason(r.Cause))
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", h.Host, r.Task, result)
		}
	}
	w.Flush()

	for _, h := range run.Hosts() {
		for _, r := range h.Results {
			if r.Status == report.Failed && r.Err != nil {
				Error(fmt.Sprintf("%s/%s: %v", h.Host, r.Task, r.Err))
			}
		}
	}

	counts := run.Counts()
	fmt.Printf("\n  %d unchanged, %d changed, %d skipped, %d failed\n\n",
		counts[report.Unchanged], counts[report.Changed],
		counts[report.Skipped], counts[report.Failed])
}
