package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isRustDebian(name string) bool { return name == "rust-debian" }

func TestResolveContainerRefPrefersTemplates(t *testing.T) {
	ref, err := ResolveContainerRef("rust-debian", isRustDebian)
	require.NoError(t, err)
	assert.Equal(t, TemplateRef("rust-debian"), ref)
	assert.True(t, ref.IsResolved())
}

func TestResolveContainerRefAcceptsExplicitImages(t *testing.T) {
	for _, raw := range []string{
		"docker.io/library/ubuntu:24.04",
		"ubuntu:24.04",
		"ghcr.io/org/img@sha256:deadbeef",
	} {
		ref, err := ResolveContainerRef(raw, isRustDebian)
		require.NoError(t, err, raw)
		assert.Equal(t, ContainerImage, ref.Kind, raw)
		assert.Equal(t, raw, ref.Value)
	}
}

func TestResolveContainerRefRejectsBareNames(t *testing.T) {
	_, err := ResolveContainerRef("ubuntu", isRustDebian)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAmbiguousImageReference))
	assert.Contains(t, err.Error(), "explicit image reference")
}

func TestResolveContainerRefRejectsOddCharacters(t *testing.T) {
	_, err := ResolveContainerRef("ubuntu:24.04 latest", isRustDebian)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAmbiguousImageReference))
}

func TestZeroContainerRefIsUnresolved(t *testing.T) {
	assert.False(t, ContainerRef{}.IsResolved())
	assert.Equal(t, "unresolved", ContainerRef{}.Kind.String())
}

func TestOrderedStepsFollowsStepOrder(t *testing.T) {
	job := Job{
		StepOrder: []string{"b", "a"},
		Steps: map[string]Step{
			"a": {Name: "a"},
			"b": {Name: "b"},
		},
	}
	steps := job.OrderedSteps()
	require.Len(t, steps, 2)
	assert.Equal(t, "b", steps[0].Name)
	assert.Equal(t, "a", steps[1].Name)
}
