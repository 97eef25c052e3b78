package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/podci/internal/driver"
	"github.com/sourceplane/podci/internal/driver/drivertest"
	"github.com/sourceplane/podci/internal/model"
)

var rc = model.RunContext{
	Project:   "demo",
	Job:       "default",
	Profile:   "dev",
	Namespace: strings.Repeat("a", 64),
	EnvID:     strings.Repeat("b", 64),
}

func TestVolumeName(t *testing.T) {
	assert.Equal(t, "podci_aaaaaaaaaaaa_bbbbbbbbbbbb_target", VolumeName(rc.Namespace, rc.EnvID, "target"))
}

func TestPlanIsPure(t *testing.T) {
	fake := drivertest.New()
	m := NewManager(fake, nil)

	plan := m.Plan(rc)
	require.Len(t, plan, 3)
	assert.Equal(t, "registry", plan[0].Kind)
	assert.Equal(t, 0, fake.Mutations())
	assert.Empty(t, fake.VolumeNames())
}

func TestEnsureCreatesLabeledVolumesOnce(t *testing.T) {
	fake := drivertest.New()
	m := NewManager(fake, nil)
	ctx := context.Background()

	mounts, warnings, err := m.Ensure(ctx, rc)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []driver.Mount{
		{Source: "podci_aaaaaaaaaaaa_bbbbbbbbbbbb_registry", Target: "/usr/local/cargo/registry"},
		{Source: "podci_aaaaaaaaaaaa_bbbbbbbbbbbb_git", Target: "/usr/local/cargo/git"},
		{Source: "podci_aaaaaaaaaaaa_bbbbbbbbbbbb_target", Target: "/work/target"},
	}, mounts)
	assert.Equal(t, 3, fake.Mutations())

	v, err := fake.InspectVolume(ctx, "podci_aaaaaaaaaaaa_bbbbbbbbbbbb_git")
	require.NoError(t, err)
	assert.Equal(t, Labels(rc, "git"), v.Labels)

	_, _, err = m.Ensure(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.Mutations(), "second ensure must not create anything")
}

func TestEnsureWarnsOnUnlabeledVolume(t *testing.T) {
	fake := drivertest.New()
	name := VolumeName(rc.Namespace, rc.EnvID, "target")
	fake.AddVolume(driver.Volume{Name: name, Labels: map[string]string{"owner": "someone-else"}})
	m := NewManager(fake, nil)

	mounts, warnings, err := m.Ensure(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, name, warnings[0].Volume)
	assert.Equal(t, []string{LabelEnvID, LabelManaged, LabelNamespace, LabelKind}, warnings[0].Mismatched)
	assert.Len(t, mounts, 3)

	v, err := fake.InspectVolume(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"owner": "someone-else"}, v.Labels, "existing volume must not be relabeled")

	managed, err := m.ListManaged(context.Background())
	require.NoError(t, err)
	for _, mv := range managed {
		assert.NotEqual(t, name, mv.Name)
	}
}

func TestListManagedSkipsPartialLabels(t *testing.T) {
	fake := drivertest.New()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fake.AddVolume(driver.Volume{Name: "full", Labels: Labels(rc, "target"), CreatedAt: created})
	fake.AddVolume(driver.Volume{Name: "partial", Labels: map[string]string{LabelManaged: "true", LabelNamespace: rc.Namespace}})
	fake.AddVolume(driver.Volume{Name: "foreign", Labels: map[string]string{}})

	got, err := NewManager(fake, nil).ListManaged(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.CacheVolume{
		Name:      "full",
		Namespace: rc.Namespace,
		EnvID:     rc.EnvID,
		Kind:      "target",
		Managed:   true,
		CreatedAt: created,
	}, got[0])
}
