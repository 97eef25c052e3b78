package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/sourceplane/podci/internal/prune"
)

// PrunePlan renders every namespace with its keep/delete decision
func PrunePlan(plan prune.Plan) string {
	if len(plan.Groups) == 0 {
		return "No podci-managed volumes found\n"
	}

	var sb strings.Builder
	for i, g := range plan.Groups {
		prefix, connector := "├─ ", "│  "
		if i == len(plan.Groups)-1 {
			prefix, connector = "└─ ", "   "
		}
		verdict := "keep"
		if g.Delete {
			verdict = "delete"
		}
		sb.WriteString(fmt.Sprintf("%s%s [%s] newest %s\n", prefix, short(g.Namespace), verdict, g.Newest.UTC().Format(time.RFC3339)))
		for j, v := range g.Volumes {
			vp := "├─ "
			if j == len(g.Volumes)-1 {
				vp = "└─ "
			}
			sb.WriteString(fmt.Sprintf("%s%s%s\n", connector, vp, v))
		}
	}

	sb.WriteString(rule)
	deleting := plan.Deleting()
	sb.WriteString(fmt.Sprintf("Summary: %d namespaces, %d to delete (%d volumes), keep=%d",
		len(plan.Groups), len(deleting), len(plan.Volumes()), plan.Policy.Keep))
	if plan.Policy.OlderThan > 0 {
		sb.WriteString(fmt.Sprintf(", older than %s", formatDays(plan.Policy.OlderThan)))
	}
	sb.WriteString("\n")
	return sb.String()
}

// PruneOutcomes renders the per-volume result of applying a plan
func PruneOutcomes(outcomes []prune.Outcome) string {
	var sb strings.Builder
	counts := map[prune.Status]int{}
	for _, o := range outcomes {
		counts[o.Status]++
		switch o.Status {
		case prune.StatusDeleted:
			sb.WriteString(fmt.Sprintf("✓ deleted %s\n", o.Volume))
		case prune.StatusAlreadyAbsent:
			sb.WriteString(fmt.Sprintf("- already absent %s\n", o.Volume))
		default:
			sb.WriteString(fmt.Sprintf("✗ failed %s: %v\n", o.Volume, o.Err))
		}
	}
	sb.WriteString(fmt.Sprintf("Deleted %d, already absent %d, failed %d\n",
		counts[prune.StatusDeleted], counts[prune.StatusAlreadyAbsent], counts[prune.StatusError]))
	return sb.String()
}

func formatDays(d time.Duration) string {
	days := d / (24 * time.Hour)
	if days*24*time.Hour == d {
		return fmt.Sprintf("%dd", days)
	}
	return d.String()
}
