package driver

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies an engine failure for operator guidance
type FailureKind string

const (
	FailureNotInstalled     FailureKind = "not-installed"
	FailurePermissionDenied FailureKind = "permission-denied"
	FailureStorage          FailureKind = "storage"
	FailureCommandFailed    FailureKind = "command-failed"
)

// EngineError is a failed engine command with its classification
type EngineError struct {
	Kind     FailureKind
	Command  string
	ExitCode int
	Stderr   string
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s (%s, exit %d)", e.Command, e.Kind, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Is lets errors.Is(err, ErrEngineUnavailable) match a missing engine.
func (e *EngineError) Is(target error) bool {
	return target == ErrEngineUnavailable && e.Kind == FailureNotInstalled
}

// Classify maps an exit code and stderr text to a FailureKind.
func Classify(exitCode int, stderr string) FailureKind {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "permission denied"):
		return FailurePermissionDenied
	case strings.Contains(s, "creating container storage"), strings.Contains(s, "containers/storage"):
		return FailureStorage
	case exitCode == 127, strings.Contains(s, "not found"):
		return FailureNotInstalled
	default:
		return FailureCommandFailed
	}
}

// ClassifyStepExit classifies a container that ran and exited non-zero. The
// step's own exit code and output say nothing about the engine, except exit
// 125, which podman and docker reserve for their own failures.
func ClassifyStepExit(exitCode int, stderr string) FailureKind {
	if exitCode != 125 {
		return FailureCommandFailed
	}
	if kind := Classify(exitCode, stderr); kind != FailureNotInstalled {
		return kind
	}
	return FailureCommandFailed
}

func newStepExitError(command string, exitCode int, stderr string) *EngineError {
	return &EngineError{
		Kind:     ClassifyStepExit(exitCode, stderr),
		Command:  command,
		ExitCode: exitCode,
		Stderr:   stderr,
	}
}

func newEngineError(command string, exitCode int, stderr string) *EngineError {
	return &EngineError{
		Kind:     Classify(exitCode, stderr),
		Command:  command,
		ExitCode: exitCode,
		Stderr:   stderr,
	}
}

// Hint returns a short remediation hint for classified engine failures
// anywhere in err's chain, or "" when there is none.
func Hint(err error) string {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return ""
	}
	switch ee.Kind {
	case FailureNotInstalled:
		return "the container engine is not installed or not on PATH. Install Podman and make sure `podman` runs in your shell."
	case FailurePermissionDenied:
		return "the engine returned a permission error. Check that rootless Podman works for your user (`podman info`). With SELinux enforcing, mounts need the `:Z` label and the storage directory must be writable."
	case FailureStorage:
		return "container storage looks unhealthy. Check free disk space and inodes, then run `podman system check`. `podman system reset` fixes corrupt storage but deletes everything."
	default:
		return "the container step failed. Review the step stderr/stdout logs and re-run with --log-level debug for more context."
	}
}
