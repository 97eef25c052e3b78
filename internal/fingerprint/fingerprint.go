// Package fingerprint derives the namespace and env_id identifiers that key
// cache isolation. Everything here is pure: no engine calls, no filesystem.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sourceplane/podci/internal/model"
	"github.com/sourceplane/podci/internal/templates"
)

// Domain prefixes keep the two identifiers from ever colliding with each
// other. Bump the version suffix when the canonical layout changes.
const (
	DomainEnvID     = "podci/env_id/v1"
	DomainNamespace = "podci/namespace/v1"
)

// ErrUnresolvedImage is returned when an identity is requested for a
// container reference that never went through validation.
var ErrUnresolvedImage = errors.New("image identity is unresolved")

// Definitions resolves a template name to its embedded definition
type Definitions interface {
	Lookup(name string) (templates.Definition, error)
}

// ImageIdentity is what the env_id knows about a profile's image
type ImageIdentity struct {
	Kind string // "template" or "image"
	// Name is the template name or the explicit image reference.
	Name string
	// Digest is the sha256 pinned in an explicit reference, if any.
	Digest string
	// DefinitionDigest is the sha256 of a template's image definition.
	DefinitionDigest string
}

func (id ImageIdentity) canonical() map[string]any {
	return map[string]any{
		"kind":              id.Kind,
		"name":              id.Name,
		"digest":            id.Digest,
		"definition_digest": id.DefinitionDigest,
	}
}

// StepInput is the part of a step that affects the build environment
type StepInput struct {
	Argv    []string
	Workdir string
	Env     map[string]string
}

// RunIdentity bundles the derived identifiers for one job/profile pairing
type RunIdentity struct {
	Context model.RunContext
	Image   ImageIdentity
}

// IdentityFor turns a resolved container reference into an ImageIdentity.
func IdentityFor(ref model.ContainerRef, defs Definitions) (ImageIdentity, error) {
	if !ref.IsResolved() {
		return ImageIdentity{}, ErrUnresolvedImage
	}

	switch ref.Kind {
	case model.ContainerTemplate:
		if defs == nil {
			return ImageIdentity{}, fmt.Errorf("template %q requires a template registry", ref.Value)
		}
		def, err := defs.Lookup(ref.Value)
		if err != nil {
			return ImageIdentity{}, err
		}
		return ImageIdentity{Kind: ref.Kind.String(), Name: ref.Value, DefinitionDigest: def.Digest}, nil
	default:
		return ImageIdentity{Kind: ref.Kind.String(), Name: ref.Value, Digest: ref.PinnedDigest()}, nil
	}
}

// EnvID hashes the image identity, profile env and ordered steps.
func EnvID(image ImageIdentity, profileEnv map[string]string, steps []StepInput) (string, error) {
	if image.Kind == "" || image.Name == "" {
		return "", ErrUnresolvedImage
	}
	if profileEnv == nil {
		profileEnv = map[string]string{}
	}

	stepList := make([]any, 0, len(steps))
	for _, s := range steps {
		env := s.Env
		if env == nil {
			env = map[string]string{}
		}
		argv := s.Argv
		if argv == nil {
			argv = []string{}
		}
		stepList = append(stepList, map[string]any{
			"argv":    argv,
			"workdir": s.Workdir,
			"env":     env,
		})
	}

	canonical, err := marshalCanonical(map[string]any{
		"image":       image.canonical(),
		"profile_env": profileEnv,
		"steps":       stepList,
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize env inputs: %w", err)
	}
	return hashWithDomain(DomainEnvID, canonical), nil
}

// Namespace hashes project and job only, so it survives env_id churn.
func Namespace(project, job string) string {
	canonical, err := marshalCanonical([]any{project, job})
	if err != nil {
		// Two strings always serialize.
		panic(err)
	}
	return hashWithDomain(DomainNamespace, canonical)
}

// ForJob derives the RunContext for running jobName under profileName. The
// env_id always covers the job's full step_order, so running a single step
// shares caches with the full job.
func ForJob(cfg *model.Config, jobName, profileName string, defs Definitions) (RunIdentity, error) {
	job, err := cfg.LookupJob(jobName)
	if err != nil {
		return RunIdentity{}, err
	}
	if profileName == "" {
		profileName = job.Profile
	}
	profile, err := cfg.LookupProfile(profileName)
	if err != nil {
		return RunIdentity{}, err
	}

	image, err := IdentityFor(profile.Container, defs)
	if err != nil {
		return RunIdentity{}, fmt.Errorf("profile %q: %w", profileName, err)
	}

	steps := make([]StepInput, 0, len(job.StepOrder))
	for _, s := range job.OrderedSteps() {
		steps = append(steps, StepInput{Argv: s.Argv, Workdir: s.Workdir, Env: s.Env})
	}

	envID, err := EnvID(image, profile.Env, steps)
	if err != nil {
		return RunIdentity{}, err
	}

	return RunIdentity{
		Context: model.RunContext{
			Project:   cfg.Project,
			Job:       jobName,
			Profile:   profileName,
			Namespace: Namespace(cfg.Project, jobName),
			EnvID:     envID,
		},
		Image: image,
	}, nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data) as lowercase hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Short returns the first n characters of an identifier.
func Short(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}
