// Package cache maps a run's (namespace, env_id) onto labeled engine volumes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/sourceplane/podci/internal/driver"
	"github.com/sourceplane/podci/internal/model"
)

// Ownership labels. Prune acts only on volumes carrying all four.
const (
	LabelManaged   = "podci.managed"
	LabelNamespace = "podci.namespace"
	LabelEnvID     = "podci.env_id"
	LabelKind      = "podci.volume_kind"
)

// Kind is a cache volume role and where it is mounted in the container
type Kind struct {
	Name   string
	Target string
}

// DefaultKinds are the Rust toolchain caches every run gets.
var DefaultKinds = []Kind{
	{Name: "registry", Target: "/usr/local/cargo/registry"},
	{Name: "git", Target: "/usr/local/cargo/git"},
	{Name: "target", Target: "/work/target"},
}

// VolumeName is podci_<ns12>_<env12>_<kind>.
func VolumeName(namespace, envID, kind string) string {
	return fmt.Sprintf("podci_%s_%s_%s", short(namespace), short(envID), kind)
}

// Labels is the ownership label set for one volume.
func Labels(rc model.RunContext, kind string) map[string]string {
	return map[string]string{
		LabelManaged:   "true",
		LabelNamespace: rc.Namespace,
		LabelEnvID:     rc.EnvID,
		LabelKind:      kind,
	}
}

// OwnershipWarning flags an existing volume whose labels do not prove podci
// owns it. The volume is still mounted but never relabeled.
type OwnershipWarning struct {
	Volume string
	// Mismatched lists label keys that are missing or hold another value.
	Mismatched []string
}

func (w OwnershipWarning) String() string {
	return fmt.Sprintf("volume %s exists without podci ownership labels (%s); it is used as-is and will not be pruned", w.Volume, strings.Join(w.Mismatched, ", "))
}

// Manager ensures cache volumes exist and lists the managed ones
type Manager struct {
	drv    driver.Driver
	kinds  []Kind
	logger *slog.Logger
}

// NewManager uses DefaultKinds when kinds is empty.
func NewManager(drv driver.Driver, logger *slog.Logger, kinds ...Kind) *Manager {
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{drv: drv, kinds: kinds, logger: logger}
}

// Plan lists the volumes a run needs without touching the engine.
func (m *Manager) Plan(rc model.RunContext) []model.CacheVolume {
	out := make([]model.CacheVolume, 0, len(m.kinds))
	for _, k := range m.kinds {
		out = append(out, model.CacheVolume{
			Name:      VolumeName(rc.Namespace, rc.EnvID, k.Name),
			Namespace: rc.Namespace,
			EnvID:     rc.EnvID,
			Kind:      k.Name,
			Managed:   true,
		})
	}
	return out
}

// Mounts returns the cache mounts for rc without touching the engine.
func (m *Manager) Mounts(rc model.RunContext) []driver.Mount {
	out := make([]driver.Mount, 0, len(m.kinds))
	for _, k := range m.kinds {
		out = append(out, driver.Mount{Source: VolumeName(rc.Namespace, rc.EnvID, k.Name), Target: k.Target})
	}
	return out
}

// Ensure creates any missing cache volume for rc and returns the mounts.
func (m *Manager) Ensure(ctx context.Context, rc model.RunContext) ([]driver.Mount, []OwnershipWarning, error) {
	var warnings []OwnershipWarning
	for _, k := range m.kinds {
		name := VolumeName(rc.Namespace, rc.EnvID, k.Name)
		want := Labels(rc, k.Name)

		existing, err := m.drv.InspectVolume(ctx, name)
		switch {
		case err == nil:
			if bad := mismatched(existing.Labels, want); len(bad) > 0 {
				w := OwnershipWarning{Volume: name, Mismatched: bad}
				m.logger.Warn("cache volume is not owned by podci", "volume", name, "labels", strings.Join(bad, ","))
				warnings = append(warnings, w)
			}
		case errors.Is(err, driver.ErrVolumeNotFound):
			if _, err := m.drv.CreateVolume(ctx, name, want); err != nil {
				return nil, warnings, fmt.Errorf("failed to create cache volume %s: %w", name, err)
			}
			m.logger.Debug("created cache volume", "volume", name, "kind", k.Name)
		default:
			return nil, warnings, fmt.Errorf("failed to inspect cache volume %s: %w", name, err)
		}
	}
	return m.Mounts(rc), warnings, nil
}

// ListManaged returns every volume carrying the full ownership label set.
func (m *Manager) ListManaged(ctx context.Context) ([]model.CacheVolume, error) {
	vols, err := m.drv.ListVolumes(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return nil, err
	}

	out := make([]model.CacheVolume, 0, len(vols))
	for _, v := range vols {
		// Engines have been known to ignore filters; re-check locally.
		ns, env, kind := v.Labels[LabelNamespace], v.Labels[LabelEnvID], v.Labels[LabelKind]
		if v.Labels[LabelManaged] != "true" || ns == "" || env == "" || kind == "" {
			m.logger.Debug("skipping volume without full ownership labels", "volume", v.Name)
			continue
		}
		out = append(out, model.CacheVolume{
			Name:      v.Name,
			Namespace: ns,
			EnvID:     env,
			Kind:      kind,
			Managed:   true,
			CreatedAt: v.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func mismatched(have, want map[string]string) []string {
	var bad []string
	for k, v := range want {
		if have[k] != v {
			bad = append(bad, k)
		}
	}
	sort.Strings(bad)
	return bad
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
