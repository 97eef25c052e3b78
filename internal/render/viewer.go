package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/sourceplane/podci/internal/driver"
	"github.com/sourceplane/podci/internal/model"
)

const rule = "═══════════════════════════════════════════════════════════\n"

// RunViewer renders a manifest for humans
type RunViewer struct {
	m *model.Manifest
}

// NewRunViewer creates a viewer for m
func NewRunViewer(m *model.Manifest) *RunViewer {
	return &RunViewer{m: m}
}

// ViewSteps returns a tree of the run's steps with their outcomes
func (rv *RunViewer) ViewSteps() string {
	m := rv.m
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s/%s [%s]\n", m.Project, m.Job, m.Profile))
	sb.WriteString(fmt.Sprintf("  run:    %s\n", m.RunID))
	sb.WriteString(fmt.Sprintf("  image:  %s\n", imageLine(m)))
	sb.WriteString(fmt.Sprintf("  env_id: %s\n", short(m.EnvID)))
	if m.Source != nil {
		dirty := ""
		if m.Source.Dirty {
			dirty = " (dirty)"
		}
		sb.WriteString(fmt.Sprintf("  source: %s%s\n", short(m.Source.Revision), dirty))
	}

	if len(m.Steps) == 0 {
		sb.WriteString("No steps recorded\n")
	}
	counts := map[model.StepStatus]int{}
	for i, s := range m.Steps {
		prefix := "├─ "
		if i == len(m.Steps)-1 {
			prefix = "└─ "
		}
		counts[s.Status]++
		line := fmt.Sprintf("%s%s %s", prefix, s.Name, stepOutcome(s))
		if s.Status != model.StepSkipped && len(s.Argv) > 0 {
			cmd := driver.ShellQuote(s.Argv)
			if len(cmd) > 60 {
				cmd = cmd[:57] + "..."
			}
			line += " | " + cmd
		}
		sb.WriteString(line + "\n")
	}

	sb.WriteString(rule)
	status := "ok"
	if !m.Result.OK {
		status = fmt.Sprintf("failed (exit %d)", m.Result.ExitCode)
	}
	sb.WriteString(fmt.Sprintf("Summary: %d steps, %d succeeded, %d failed, %d skipped; %s\n",
		len(m.Steps), counts[model.StepSucceeded], counts[model.StepFailed], counts[model.StepSkipped], status))
	if m.Result.Error != nil {
		sb.WriteString(fmt.Sprintf("Error: %s\n", *m.Result.Error))
	}
	return sb.String()
}

func stepOutcome(s model.StepResult) string {
	switch s.Status {
	case model.StepSucceeded:
		return fmt.Sprintf("✓ %s", s.Duration().Round(time.Millisecond))
	case model.StepFailed:
		switch {
		case s.Failure == model.FailureInterrupted:
			return "✗ interrupted"
		case s.ExitCode != nil && s.Failure == model.FailureExit:
			return fmt.Sprintf("✗ exit %d", *s.ExitCode)
		default:
			return "✗ error"
		}
	case model.StepSkipped:
		return "- skipped"
	default:
		return "?"
	}
}

func imageLine(m *model.Manifest) string {
	img := m.BaseImage
	if img == "" {
		img = "(unknown)"
	}
	if m.BaseImageDigest != nil {
		return img + " @ " + short(*m.BaseImageDigest)
	}
	return fmt.Sprintf("%s (digest %s)", img, m.BaseImageDigestStatus)
}

func short(id string) string {
	if strings.HasPrefix(id, "sha256:") && len(id) > 19 {
		return id[:19]
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
