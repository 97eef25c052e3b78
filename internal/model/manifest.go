package model

import "time"

// ManifestSchemaV1 identifies the manifest layout. Fields may be added under
// the same version; removals or semantic changes need a new version string.
const ManifestSchemaV1 = "podci-manifest.v1"

// DigestStatus classifies how the base image digest was captured
type DigestStatus string

const (
	DigestPresent     DigestStatus = "present"
	DigestUnavailable DigestStatus = "unavailable"
	DigestError       DigestStatus = "error"
)

// StepStatus is the terminal state a step was recorded in
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// FailureKind distinguishes why a failed step failed
type FailureKind string

const (
	FailureExit        FailureKind = "exit"
	FailureInterrupted FailureKind = "interrupted"
	FailureError       FailureKind = "error"
)

// Manifest is the versioned record of one run
type Manifest struct {
	Schema                string         `json:"schema" yaml:"schema"`
	RunID                 string         `json:"run_id" yaml:"run_id"`
	PodciVersion          string         `json:"podci_version" yaml:"podci_version"`
	TimestampUTC          string         `json:"timestamp_utc" yaml:"timestamp_utc"`
	Project               string         `json:"project" yaml:"project"`
	Job                   string         `json:"job" yaml:"job"`
	Profile               string         `json:"profile" yaml:"profile"`
	Namespace             string         `json:"namespace" yaml:"namespace"`
	EnvID                 string         `json:"env_id" yaml:"env_id"`
	BaseImage             string         `json:"base_image,omitempty" yaml:"base_image,omitempty"`
	BaseImageDigest       *string        `json:"base_image_digest" yaml:"base_image_digest"`
	BaseImageDigestStatus DigestStatus   `json:"base_image_digest_status" yaml:"base_image_digest_status"`
	Source                *SourceInfo    `json:"source,omitempty" yaml:"source,omitempty"`
	Steps                 []StepResult   `json:"steps" yaml:"steps"`
	Result                ManifestResult `json:"result" yaml:"result"`
}

// SourceInfo records the repository revision a run was executed against
type SourceInfo struct {
	Revision string `json:"revision" yaml:"revision"`
	Dirty    bool   `json:"dirty" yaml:"dirty"`
}

// StepResult is one step's outcome. Paths are relative to the run directory.
type StepResult struct {
	Name       string      `json:"name" yaml:"name"`
	Argv       []string    `json:"argv" yaml:"argv"`
	Status     StepStatus  `json:"status" yaml:"status"`
	Failure    FailureKind `json:"failure,omitempty" yaml:"failure,omitempty"`
	DurationMS *int64      `json:"duration_ms" yaml:"duration_ms"`
	ExitCode   *int        `json:"exit_code" yaml:"exit_code"`
	StdoutPath *string     `json:"stdout_path" yaml:"stdout_path"`
	StderrPath *string     `json:"stderr_path" yaml:"stderr_path"`
}

// ManifestResult is the overall run outcome
type ManifestResult struct {
	OK       bool    `json:"ok" yaml:"ok"`
	ExitCode int     `json:"exit_code" yaml:"exit_code"`
	Error    *string `json:"error" yaml:"error"`
}

// CacheVolume is a cache volume keyed by (namespace, env_id, kind)
type CacheVolume struct {
	Name      string
	Namespace string
	EnvID     string
	Kind      string
	Managed   bool
	CreatedAt time.Time // zero when the engine did not report it
}

// Duration returns the recorded step duration, zero when not run.
func (s StepResult) Duration() time.Duration {
	if s.DurationMS == nil {
		return 0
	}
	return time.Duration(*s.DurationMS) * time.Millisecond
}
