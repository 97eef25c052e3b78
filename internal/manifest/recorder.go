package manifest

import (
	"errors"
	"time"

	"github.com/sourceplane/podci/internal/model"
)

// ErrFinalized is returned when a recorder is used after Finalize
var ErrFinalized = errors.New("manifest already finalized")

// Recorder accumulates step results for one run. Steps can only be
// appended, and nothing changes after Finalize.
type Recorder struct {
	m         model.Manifest
	finalized bool
}

// NewRecorder starts a manifest for runID. base supplies the context
// fields; schema, run id and steps are owned by the recorder.
func NewRecorder(runID string, base model.Manifest) *Recorder {
	base.Schema = model.ManifestSchemaV1
	base.RunID = runID
	if base.TimestampUTC == "" {
		base.TimestampUTC = time.Now().UTC().Format(time.RFC3339)
	}
	if base.BaseImageDigestStatus == "" {
		base.BaseImageDigestStatus = model.DigestUnavailable
	}
	base.Steps = []model.StepResult{}
	return &Recorder{m: base}
}

// RunID is the id the recorder was created with.
func (r *Recorder) RunID() string { return r.m.RunID }

// Append records one step outcome.
func (r *Recorder) Append(step model.StepResult) error {
	if r.finalized {
		return ErrFinalized
	}
	if step.Argv == nil {
		step.Argv = []string{}
	}
	r.m.Steps = append(r.m.Steps, step)
	return nil
}

// Steps returns a copy of the steps recorded so far.
func (r *Recorder) Steps() []model.StepResult {
	return append([]model.StepResult(nil), r.m.Steps...)
}

// Finalize seals the manifest with the overall result.
func (r *Recorder) Finalize(result model.ManifestResult) (*model.Manifest, error) {
	if r.finalized {
		return nil, ErrFinalized
	}
	r.finalized = true
	r.m.Result = result
	m := r.m
	m.Steps = append([]model.StepResult(nil), r.m.Steps...)
	return &m, nil
}
