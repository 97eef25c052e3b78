// Package driver is the boundary to the container engine. Everything the
// runner and cache manager need from podman or Docker goes through Driver so
// tests can swap in drivertest.Fake.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sourceplane/podci/internal/model"
	"github.com/sourceplane/podci/internal/templates"
)

var (
	// ErrEngineUnavailable means the engine binary or daemon cannot be reached.
	ErrEngineUnavailable = errors.New("container engine unavailable")
	// ErrVolumeNotFound is returned by InspectVolume for an absent volume.
	ErrVolumeNotFound = errors.New("volume not found")
	// ErrInterrupted is returned by RunContainer when ctx is cancelled and
	// the container was terminated.
	ErrInterrupted = errors.New("container run interrupted")
)

// Driver is the narrow engine surface podci depends on
type Driver interface {
	// Name is the engine binary name used when rendering invocations.
	Name() string
	Ping(ctx context.Context) error
	ResolveImage(ctx context.Context, ref model.ContainerRef, opts ImageOptions) (ResolvedImage, error)
	RunContainer(ctx context.Context, spec RunSpec) (RunResult, error)
	CreateVolume(ctx context.Context, name string, labels map[string]string) (Volume, error)
	InspectVolume(ctx context.Context, name string) (Volume, error)
	// RemoveVolume reports removed=false with a nil error when the volume
	// was already absent.
	RemoveVolume(ctx context.Context, name string) (bool, error)
	ListVolumes(ctx context.Context, labelFilter map[string]string) ([]Volume, error)
	// Invocation renders the full engine command RunContainer would issue,
	// without touching the engine.
	Invocation(spec RunSpec) []string
}

// ImageOptions controls image resolution
type ImageOptions struct {
	Pull    bool
	Rebuild bool
	// DryRun resolves names only; nothing is built, pulled or inspected.
	DryRun bool
	// Output receives build progress. Nil discards it.
	Output io.Writer
}

// ResolvedImage is the image a run will use
type ResolvedImage struct {
	Ref          string
	Digest       string
	DigestStatus model.DigestStatus
	// DigestError carries the engine message when DigestStatus is error.
	DigestError string
	Built       bool
}

// DigestPtr returns the digest for the manifest, nil when not present.
func (r ResolvedImage) DigestPtr() *string {
	if r.DigestStatus != model.DigestPresent || r.Digest == "" {
		return nil
	}
	d := r.Digest
	return &d
}

// Mount binds a named volume or host path into the container
type Mount struct {
	Source string
	Target string
	// Bind marks Source as a host path rather than a volume name.
	Bind bool
}

// RunSpec is one fully resolved container invocation
type RunSpec struct {
	Name    string
	Image   string
	Argv    []string
	Env     map[string]string
	Workdir string
	Mounts  []Mount
	Stdout  io.Writer
	Stderr  io.Writer
}

// RunResult is the outcome of a container that ran to completion
type RunResult struct {
	ExitCode int
	Duration time.Duration
	// Diagnosis classifies a non-zero exit from the engine's stderr. It is
	// nil on success.
	Diagnosis *EngineError
}

// Volume is an engine volume with its labels
type Volume struct {
	Name      string
	Labels    map[string]string
	CreatedAt time.Time
}

// TemplateTag is the deterministic local tag for a template image. The
// definition digest is part of the tag so editing a template never reuses a
// stale build.
func TemplateTag(def templates.Definition, version string) string {
	d := def.Digest
	if len(d) > 12 {
		d = d[:12]
	}
	return fmt.Sprintf("localhost/podci-%s:v%s-%s", def.Name, version, d)
}

// SortedEnv renders env as KEY=VALUE pairs in key order.
func SortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// MergeEnv layers maps left to right; later maps win on key collision.
func MergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
