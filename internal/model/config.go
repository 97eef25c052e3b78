package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SupportedConfigVersion is the only config schema version accepted by the validator.
const SupportedConfigVersion = 1

// ErrAmbiguousImageReference is returned when a container value is neither a
// known template name nor an explicit image reference.
var ErrAmbiguousImageReference = errors.New("ambiguous image reference")

// Config is the validated, fully-typed job graph loaded from podci.yaml
type Config struct {
	Version  int
	Project  string
	Profiles map[string]Profile
	Jobs     map[string]Job
}

// Profile describes the container a job runs in and its base environment
type Profile struct {
	Name      string
	Container ContainerRef
	Env       map[string]string
}

// Job is an ordered list of steps bound to a profile
type Job struct {
	Name      string
	Profile   string
	StepOrder []string
	Steps     map[string]Step
}

// Step is a single container invocation within a job
type Step struct {
	Name    string
	Argv    []string
	Workdir string // relative to the repo root, empty for the root itself
	Env     map[string]string
}

// OrderedSteps returns the job's steps in step_order sequence.
func (j Job) OrderedSteps() []Step {
	out := make([]Step, 0, len(j.StepOrder))
	for _, name := range j.StepOrder {
		out = append(out, j.Steps[name])
	}
	return out
}

// LookupJob returns the named job.
func (c *Config) LookupJob(name string) (Job, error) {
	job, ok := c.Jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("unknown job %q (available: %s)", name, strings.Join(sortedKeys(c.Jobs), ", "))
	}
	return job, nil
}

// LookupProfile returns the named profile.
func (c *Config) LookupProfile(name string) (Profile, error) {
	profile, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q (available: %s)", name, strings.Join(sortedKeys(c.Profiles), ", "))
	}
	return profile, nil
}

// ContainerKind tags which variant a ContainerRef holds
type ContainerKind int

const (
	// ContainerTemplate is a system-maintained image definition built on demand.
	ContainerTemplate ContainerKind = iota + 1
	// ContainerImage is an explicit image reference used as-is.
	ContainerImage
)

func (k ContainerKind) String() string {
	switch k {
	case ContainerTemplate:
		return "template"
	case ContainerImage:
		return "image"
	default:
		return "unresolved"
	}
}

// ContainerRef is the resolved form of a profile's container field.
// The zero value is unresolved and must never reach the fingerprint engine.
type ContainerRef struct {
	Kind  ContainerKind
	Value string // template name or image reference
}

// TemplateRef builds a ContainerRef for a known template name.
func TemplateRef(name string) ContainerRef {
	return ContainerRef{Kind: ContainerTemplate, Value: name}
}

// ImageRef builds a ContainerRef for an explicit image reference.
func ImageRef(ref string) ContainerRef {
	return ContainerRef{Kind: ContainerImage, Value: ref}
}

// IsResolved reports whether the ref holds one of the two known variants.
func (r ContainerRef) IsResolved() bool {
	return (r.Kind == ContainerTemplate || r.Kind == ContainerImage) && r.Value != ""
}

// PinnedDigest returns the "sha256:..." part of an explicit reference of the
// form name@sha256:..., or "" when the reference is not pinned.
func (r ContainerRef) PinnedDigest() string {
	if r.Kind != ContainerImage {
		return ""
	}
	if i := strings.Index(r.Value, "@sha256:"); i >= 0 {
		return r.Value[i+1:]
	}
	return ""
}

func (r ContainerRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.Value)
}

// ResolveContainerRef classifies a raw container value. Known template names
// win; anything else must look like an explicit image reference.
func ResolveContainerRef(raw string, isTemplate func(string) bool) (ContainerRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ContainerRef{}, fmt.Errorf("container must be non-empty")
	}
	if isTemplate != nil && isTemplate(raw) {
		return TemplateRef(raw), nil
	}
	if !strings.ContainsAny(raw, "/:@") {
		return ContainerRef{}, fmt.Errorf("%w: %q is not a known template; use an explicit image reference such as docker.io/library/%s:latest", ErrAmbiguousImageReference, raw, raw)
	}
	for _, c := range raw {
		if !isImageRefChar(c) {
			return ContainerRef{}, fmt.Errorf("invalid image reference %q: only ASCII letters, digits and . - _ / @ : are allowed", raw)
		}
	}
	return ImageRef(raw), nil
}

func isImageRefChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.ContainsRune("._-/@:", c)
}

// RunContext identifies one invocation. Computed once, immutable afterwards.
type RunContext struct {
	Project   string
	Job       string
	Profile   string
	Namespace string
	EnvID     string
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
