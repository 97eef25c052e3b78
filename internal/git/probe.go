// Package git reads the source revision a run executes against.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotRepository is returned when dir is not inside a git work tree, or
// git itself is not installed.
var ErrNotRepository = errors.New("not a git repository")

// Revision identifies the checked-out commit
type Revision struct {
	Commit string
	// Dirty is true when tracked or untracked changes are present.
	Dirty bool
	// Changed lists paths git reports as modified, staged or untracked.
	Changed []string
}

// Probe runs git in a fixed directory
type Probe struct {
	dir string
	run func(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// NewProbe returns a probe for the repository containing dir.
func NewProbe(dir string) *Probe {
	return &Probe{dir: dir, run: runGit}
}

// Revision returns HEAD and the work tree's dirty state.
func (p *Probe) Revision(ctx context.Context) (Revision, error) {
	head, err := p.run(ctx, p.dir, "rev-parse", "HEAD")
	if err != nil {
		return Revision{}, err
	}

	status, err := p.run(ctx, p.dir, "status", "--porcelain")
	if err != nil {
		return Revision{}, err
	}

	changed := parsePorcelain(status)
	return Revision{
		Commit:  strings.TrimSpace(string(head)),
		Dirty:   len(changed) > 0,
		Changed: changed,
	}, nil
}

// parsePorcelain extracts paths from `git status --porcelain` v1 output.
// Renames report the destination path.
func parsePorcelain(out []byte) []string {
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+len(" -> "):]
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files
}

func runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("%w: git not found on PATH", ErrNotRepository)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not a git repository") {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, dir)
		}
		return nil, fmt.Errorf("failed to run git %s: %w: %s", strings.Join(args, " "), err, msg)
	}
	return out, nil
}
