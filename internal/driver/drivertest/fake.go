// Package drivertest provides an in-memory driver.Driver for tests.
package drivertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourceplane/podci/internal/driver"
	"github.com/sourceplane/podci/internal/model"
)

// Fake records every call and keeps volumes in memory. The zero value is
// not usable; call New.
type Fake struct {
	mu sync.Mutex

	volumes map[string]driver.Volume
	runs    []driver.RunSpec
	resolve []model.ContainerRef

	creates int
	removes int

	// PingErr is returned from Ping.
	PingErr error
	// RunFunc decides each container's outcome. Nil means exit 0.
	RunFunc func(ctx context.Context, spec driver.RunSpec) (driver.RunResult, error)
	// RemoveErr injects per-volume removal failures.
	RemoveErr map[string]error
	// Digest is reported for every resolved image; empty means unavailable.
	Digest string
	// Now stamps created volumes.
	Now func() time.Time
}

var _ driver.Driver = (*Fake)(nil)

// New returns an empty fake engine.
func New() *Fake {
	return &Fake{
		volumes:   make(map[string]driver.Volume),
		RemoveErr: make(map[string]error),
		Digest:    "sha256:0000000000000000000000000000000000000000000000000000000000000000",
		Now:       time.Now,
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Ping(context.Context) error { return f.PingErr }

func (f *Fake) ResolveImage(_ context.Context, ref model.ContainerRef, opts driver.ImageOptions) (driver.ResolvedImage, error) {
	f.mu.Lock()
	f.resolve = append(f.resolve, ref)
	f.mu.Unlock()

	res := driver.ResolvedImage{Ref: ref.Value, DigestStatus: model.DigestUnavailable}
	switch ref.Kind {
	case model.ContainerTemplate:
		res.Ref = fmt.Sprintf("localhost/podci-%s:fake", ref.Value)
		res.Built = !opts.DryRun
	case model.ContainerImage:
	default:
		return driver.ResolvedImage{}, fmt.Errorf("cannot resolve unresolved container reference")
	}
	if !opts.DryRun && f.Digest != "" {
		res.Digest, res.DigestStatus = f.Digest, model.DigestPresent
	}
	return res, nil
}

func (f *Fake) RunContainer(ctx context.Context, spec driver.RunSpec) (driver.RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, spec)
	run := f.RunFunc
	f.mu.Unlock()

	if ctx.Err() != nil {
		return driver.RunResult{ExitCode: 130}, driver.ErrInterrupted
	}
	if run == nil {
		return driver.RunResult{ExitCode: 0, Duration: time.Millisecond}, nil
	}
	return run(ctx, spec)
}

func (f *Fake) CreateVolume(_ context.Context, name string, labels map[string]string) (driver.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := f.volumes[name]; ok {
		return v, nil
	}
	v := driver.Volume{Name: name, Labels: copyLabels(labels), CreatedAt: f.Now().UTC()}
	f.volumes[name] = v
	f.creates++
	return v, nil
}

func (f *Fake) InspectVolume(_ context.Context, name string) (driver.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.volumes[name]
	if !ok {
		return driver.Volume{}, fmt.Errorf("%w: %s", driver.ErrVolumeNotFound, name)
	}
	return v, nil
}

func (f *Fake) RemoveVolume(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.RemoveErr[name]; err != nil {
		return false, err
	}
	if _, ok := f.volumes[name]; !ok {
		return false, nil
	}
	delete(f.volumes, name)
	f.removes++
	return true, nil
}

func (f *Fake) ListVolumes(_ context.Context, labelFilter map[string]string) ([]driver.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []driver.Volume
	for _, v := range f.volumes {
		if matches(v.Labels, labelFilter) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) Invocation(spec driver.RunSpec) []string {
	args := []string{"fake", "run", "--rm"}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m.Source+":"+m.Target)
	}
	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}
	for _, kv := range driver.SortedEnv(spec.Env) {
		args = append(args, "--env", kv)
	}
	args = append(args, spec.Image)
	return append(args, spec.Argv...)
}

// AddVolume seeds a volume as if it already existed in the engine.
func (f *Fake) AddVolume(v driver.Volume) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v.Labels = copyLabels(v.Labels)
	f.volumes[v.Name] = v
}

// Runs returns every RunSpec passed to RunContainer, in order.
func (f *Fake) Runs() []driver.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.RunSpec(nil), f.runs...)
}

// Resolved returns every reference passed to ResolveImage.
func (f *Fake) Resolved() []model.ContainerRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ContainerRef(nil), f.resolve...)
}

// Mutations counts volume creations and removals.
func (f *Fake) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + f.removes
}

// VolumeNames lists current volumes in name order.
func (f *Fake) VolumeNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.volumes))
	for n := range f.volumes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func matches(labels, filter map[string]string) bool {
	for k, v := range filter {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
