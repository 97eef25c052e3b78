package render

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sourceplane/podci/internal/history"
)

// RunsTable renders indexed runs, newest first, as an aligned table
func RunsTable(entries []history.Entry) string {
	if len(entries) == 0 {
		return "No runs recorded\n"
	}

	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tJOB\tPROFILE\tSTEPS\tRESULT")
	for _, e := range entries {
		result := "ok"
		if !e.OK {
			result = fmt.Sprintf("failed (exit %d)", e.ExitCode)
			if e.FailedStep != "" {
				result += " at " + e.FailedStep
			}
		}
		started := "-"
		if !e.StartedAt.IsZero() {
			started = e.StartedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%d\t%s\n", e.RunID, started, e.Project, e.Job, e.Profile, e.StepCount, result)
	}
	tw.Flush()
	return sb.String()
}
