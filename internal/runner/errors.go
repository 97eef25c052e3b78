package runner

import (
	"fmt"

	"github.com/sourceplane/podci/internal/driver"
	"github.com/sourceplane/podci/internal/model"
)

// ErrInterrupted is matched by a StepError for a step stopped by
// cancellation.
var ErrInterrupted = driver.ErrInterrupted

// StepError is the fatal error for the step that halted a run. The run's
// manifest has already been written when it is returned.
type StepError struct {
	Step     string
	Failure  model.FailureKind
	ExitCode int
	RunID    string
	// StdoutPath and StderrPath are absolute paths to the captured logs,
	// empty when the step produced none.
	StdoutPath string
	StderrPath string
	Err        error
}

func (e *StepError) Error() string {
	switch e.Failure {
	case model.FailureInterrupted:
		return fmt.Sprintf("step %q was interrupted", e.Step)
	case model.FailureExit:
		return fmt.Sprintf("step %q failed with exit code %d", e.Step, e.ExitCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
		}
		return fmt.Sprintf("step %q failed", e.Step)
	}
}

func (e *StepError) Unwrap() error {
	return e.Err
}
