package driver

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sourceplane/podci/internal/model"
	"github.com/sourceplane/podci/internal/templates"
)

// DockerOptions configures the Docker Engine API driver
type DockerOptions struct {
	Templates *templates.Registry
	Version   string
	Logger    *slog.Logger
}

// Docker drives a Docker-compatible engine through its HTTP API. The
// connection comes from the standard DOCKER_HOST environment, which also
// lets it talk to podman's docker-compatible socket.
type Docker struct {
	client    *client.Client
	templates *templates.Registry
	version   string
	logger    *slog.Logger
}

// NewDocker creates a Docker driver. The daemon is not contacted until Ping.
func NewDocker(opts DockerOptions) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reg := opts.Templates
	if reg == nil {
		reg = templates.Builtin()
	}
	return &Docker{client: cli, templates: reg, version: opts.Version, logger: logger}, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	return nil
}

func (d *Docker) ResolveImage(ctx context.Context, ref model.ContainerRef, opts ImageOptions) (ResolvedImage, error) {
	switch ref.Kind {
	case model.ContainerImage:
		res := ResolvedImage{Ref: ref.Value, DigestStatus: model.DigestUnavailable}
		if opts.DryRun {
			if dg := ref.PinnedDigest(); dg != "" {
				res.Digest, res.DigestStatus = dg, model.DigestPresent
			}
			return res, nil
		}
		exists, err := d.imageExists(ctx, ref.Value)
		if err != nil {
			return ResolvedImage{}, err
		}
		// The API does not pull on create the way the CLI does.
		if opts.Pull || !exists {
			if err := d.pull(ctx, ref.Value, opts.Output); err != nil {
				return ResolvedImage{}, err
			}
		}
		d.captureDigest(ctx, &res)
		return res, nil

	case model.ContainerTemplate:
		def, err := d.templates.Lookup(ref.Value)
		if err != nil {
			return ResolvedImage{}, err
		}
		tag := TemplateTag(def, d.version)
		res := ResolvedImage{Ref: tag, DigestStatus: model.DigestUnavailable}
		if opts.DryRun {
			return res, nil
		}

		exists, err := d.imageExists(ctx, tag)
		if err != nil {
			return ResolvedImage{}, err
		}
		if opts.Rebuild && exists {
			if _, err := d.client.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil && !errdefs.IsNotFound(err) {
				return ResolvedImage{}, fmt.Errorf("failed to remove image %s: %w", tag, err)
			}
		}
		if opts.Rebuild || !exists {
			if err := d.build(ctx, def, tag, opts); err != nil {
				return ResolvedImage{}, err
			}
			res.Built = true
		}
		d.captureDigest(ctx, &res)
		return res, nil

	default:
		return ResolvedImage{}, fmt.Errorf("cannot resolve unresolved container reference")
	}
}

func (d *Docker) imageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
}

func (d *Docker) pull(ctx context.Context, ref string, w io.Writer) error {
	body, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer body.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(body, writerOrDiscard(w), 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (d *Docker) build(ctx context.Context, def templates.Definition, tag string, opts ImageOptions) error {
	buildContext, err := containerfileTar(def.Containerfile)
	if err != nil {
		return err
	}

	resp, err := d.client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Containerfile",
		PullParent:  opts.Pull,
		NoCache:     opts.Rebuild,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build template image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, writerOrDiscard(opts.Output), 0, false, nil); err != nil {
		return fmt.Errorf("failed to build template image %s: %w", tag, err)
	}
	return nil
}

// containerfileTar packs a single Containerfile as a build context
func containerfileTar(containerfile []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    "Containerfile",
		Mode:    0o644,
		Size:    int64(len(containerfile)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to write build context: %w", err)
	}
	if _, err := tw.Write(containerfile); err != nil {
		return nil, fmt.Errorf("failed to write build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to write build context: %w", err)
	}
	return &buf, nil
}

func (d *Docker) captureDigest(ctx context.Context, res *ResolvedImage) {
	inspect, _, err := d.client.ImageInspectWithRaw(ctx, res.Ref)
	if err != nil {
		res.DigestStatus, res.DigestError = model.DigestError, err.Error()
		d.logger.Warn("base image digest capture failed", "image", res.Ref, "error", err)
		return
	}
	for _, rd := range inspect.RepoDigests {
		if i := strings.Index(rd, "@"); i >= 0 {
			res.Digest, res.DigestStatus = rd[i+1:], model.DigestPresent
			return
		}
	}
	res.DigestStatus = model.DigestUnavailable
}

func (d *Docker) RunContainer(ctx context.Context, spec RunSpec) (RunResult, error) {
	if err := ctx.Err(); err != nil {
		return RunResult{ExitCode: 130}, ErrInterrupted
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		typ := mount.TypeVolume
		if m.Bind {
			typ = mount.TypeBind
		}
		mounts = append(mounts, mount.Mount{Type: typ, Source: m.Source, Target: m.Target})
	}

	start := time.Now()
	created, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Argv,
			Env:        SortedEnv(spec.Env),
			WorkingDir: spec.Workdir,
		},
		&container.HostConfig{Mounts: mounts},
		nil, nil, spec.Name)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to create container: %w", err)
	}

	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		rmCtx, cancel := context.WithTimeout(cleanupCtx, 30*time.Second)
		defer cancel()
		if err := d.client.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			d.logger.Warn("failed to remove container", "container", spec.Name, "error", err)
		}
	}()

	waitCh, waitErrCh := d.client.ContainerWait(cleanupCtx, created.ID, container.WaitConditionNextExit)

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return RunResult{}, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := d.client.ContainerLogs(cleanupCtx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to attach to container logs: %w", err)
	}
	defer logs.Close()

	stderr := newTailBuffer(stderrTail)
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(writerOrDiscard(spec.Stdout), io.MultiWriter(writerOrDiscard(spec.Stderr), stderr), logs)
		copied <- err
	}()

	select {
	case status := <-waitCh:
		if err := <-copied; err != nil {
			d.logger.Warn("container log stream ended with error", "container", spec.Name, "error", err)
		}
		res := RunResult{ExitCode: int(status.StatusCode), Duration: time.Since(start)}
		if ctx.Err() != nil {
			res.ExitCode = 130
			return res, ErrInterrupted
		}
		if status.Error != nil {
			return res, fmt.Errorf("container wait failed: %s", status.Error.Message)
		}
		if res.ExitCode != 0 {
			res.Diagnosis = newStepExitError(ShellQuote(d.Invocation(spec)), res.ExitCode, stderr.String())
		}
		return res, nil

	case err := <-waitErrCh:
		return RunResult{Duration: time.Since(start)}, fmt.Errorf("container wait failed: %w", err)

	case <-ctx.Done():
		d.logger.Warn("interrupt received, killing container", "container", spec.Name)
		killCtx, cancel := context.WithTimeout(cleanupCtx, 30*time.Second)
		defer cancel()
		if err := d.client.ContainerKill(killCtx, created.ID, "KILL"); err != nil && !errdefs.IsNotFound(err) {
			d.logger.Warn("failed to kill container", "container", spec.Name, "error", err)
		}
		return RunResult{ExitCode: 130, Duration: time.Since(start)}, ErrInterrupted
	}
}

// Invocation renders the docker CLI equivalent of the API calls RunContainer
// makes.
func (d *Docker) Invocation(spec RunSpec) []string {
	args := []string{"docker", "run", "--rm"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	for _, m := range spec.Mounts {
		typ := "volume"
		if m.Bind {
			typ = "bind"
		}
		args = append(args, "--mount", fmt.Sprintf("type=%s,source=%s,target=%s", typ, m.Source, m.Target))
	}
	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}
	for _, kv := range SortedEnv(spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.Image)
	return append(args, spec.Argv...)
}

func (d *Docker) CreateVolume(ctx context.Context, name string, labels map[string]string) (Volume, error) {
	existing, err := d.InspectVolume(ctx, name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrVolumeNotFound) {
		return Volume{}, err
	}
	v, err := d.client.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels})
	if err != nil {
		return Volume{}, fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return fromDockerVolume(v), nil
}

func (d *Docker) InspectVolume(ctx context.Context, name string) (Volume, error) {
	v, err := d.client.VolumeInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Volume{}, fmt.Errorf("%w: %s", ErrVolumeNotFound, name)
		}
		return Volume{}, fmt.Errorf("failed to inspect volume %s: %w", name, err)
	}
	return fromDockerVolume(v), nil
}

func (d *Docker) RemoveVolume(ctx context.Context, name string) (bool, error) {
	if err := d.client.VolumeRemove(ctx, name, false); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return true, nil
}

func (d *Docker) ListVolumes(ctx context.Context, labelFilter map[string]string) ([]Volume, error) {
	args := filters.NewArgs()
	for _, kv := range SortedEnv(labelFilter) {
		args.Add("label", kv)
	}
	resp, err := d.client.VolumeList(ctx, volume.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	vols := make([]Volume, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v != nil {
			vols = append(vols, fromDockerVolume(*v))
		}
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].Name < vols[j].Name })
	return vols, nil
}

func fromDockerVolume(v volume.Volume) Volume {
	labels := v.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	return Volume{Name: v.Name, Labels: labels, CreatedAt: parseEngineTime(v.CreatedAt)}
}
