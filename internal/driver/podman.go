package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sourceplane/podci/internal/model"
	"github.com/sourceplane/podci/internal/templates"
)

const stderrTail = 16 << 10

// commander runs one engine command to completion and reports its exit
// code. err is non-nil only when the command could not be run at all.
type commander interface {
	Run(ctx context.Context, stdout, stderr io.Writer, args ...string) (int, error)
}

type execCommander struct {
	bin string
}

func (c execCommander) Run(ctx context.Context, stdout, stderr io.Writer, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Stdout = writerOrDiscard(stdout)
	cmd.Stderr = writerOrDiscard(stderr)

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return 127, &EngineError{Kind: FailureNotInstalled, Command: c.bin, ExitCode: 127, Stderr: err.Error()}
	}
	return -1, fmt.Errorf("failed to run %s: %w", c.bin, err)
}

// PodmanOptions configures the podman CLI driver
type PodmanOptions struct {
	// Binary defaults to "podman" looked up on PATH.
	Binary    string
	Templates *templates.Registry
	// BuildDir receives template build contexts.
	BuildDir string
	// Version is the podci version baked into template tags.
	Version string
	Logger  *slog.Logger
}

// Podman drives a rootless podman through its CLI
type Podman struct {
	bin       string
	cmd       commander
	templates *templates.Registry
	buildDir  string
	version   string
	logger    *slog.Logger
}

// NewPodman builds a podman driver. It does not contact the engine; call
// Ping for that, so dry runs work on machines without podman.
func NewPodman(opts PodmanOptions) *Podman {
	bin := opts.Binary
	if bin == "" {
		bin = "podman"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reg := opts.Templates
	if reg == nil {
		reg = templates.Builtin()
	}
	return &Podman{
		bin:       bin,
		cmd:       execCommander{bin: bin},
		templates: reg,
		buildDir:  opts.BuildDir,
		version:   opts.Version,
		logger:    logger,
	}
}

func (p *Podman) Name() string { return "podman" }

// Ping checks that podman is installed and answers.
func (p *Podman) Ping(ctx context.Context) error {
	if _, ok := p.cmd.(execCommander); ok {
		if _, err := exec.LookPath(p.bin); err != nil {
			return &EngineError{Kind: FailureNotInstalled, Command: p.bin, ExitCode: 127, Stderr: err.Error()}
		}
	}
	if _, err := p.output(ctx, "version", "--format", "{{.Client.Version}}"); err != nil {
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	return nil
}

// ResolveImage makes sure the image for ref exists locally and captures its
// digest on a best-effort basis.
func (p *Podman) ResolveImage(ctx context.Context, ref model.ContainerRef, opts ImageOptions) (ResolvedImage, error) {
	switch ref.Kind {
	case model.ContainerImage:
		res := ResolvedImage{Ref: ref.Value, DigestStatus: model.DigestUnavailable}
		if opts.DryRun {
			if d := ref.PinnedDigest(); d != "" {
				res.Digest, res.DigestStatus = d, model.DigestPresent
			}
			return res, nil
		}
		if opts.Pull {
			if err := p.stream(ctx, opts.Output, "pull", ref.Value); err != nil {
				return ResolvedImage{}, fmt.Errorf("failed to pull image %s: %w", ref.Value, err)
			}
		}
		p.captureDigest(ctx, &res)
		return res, nil

	case model.ContainerTemplate:
		def, err := p.templates.Lookup(ref.Value)
		if err != nil {
			return ResolvedImage{}, err
		}
		tag := TemplateTag(def, p.version)
		res := ResolvedImage{Ref: tag, DigestStatus: model.DigestUnavailable}
		if opts.DryRun {
			return res, nil
		}

		exists, err := p.imageExists(ctx, tag)
		if err != nil {
			return ResolvedImage{}, err
		}
		if opts.Rebuild && exists {
			if _, err := p.output(ctx, "rmi", "-f", tag); err != nil {
				return ResolvedImage{}, fmt.Errorf("failed to remove image %s: %w", tag, err)
			}
		}
		if opts.Rebuild || !exists {
			if err := p.build(ctx, def, tag, opts); err != nil {
				return ResolvedImage{}, err
			}
			res.Built = true
		}
		p.captureDigest(ctx, &res)
		return res, nil

	default:
		return ResolvedImage{}, fmt.Errorf("cannot resolve unresolved container reference")
	}
}

func (p *Podman) imageExists(ctx context.Context, tag string) (bool, error) {
	code, err := p.cmd.Run(ctx, nil, nil, "image", "exists", tag)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

func (p *Podman) build(ctx context.Context, def templates.Definition, tag string, opts ImageOptions) error {
	dir := filepath.Join(p.buildDir, "images", def.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	containerfile := filepath.Join(dir, "Containerfile")
	if err := os.WriteFile(containerfile, def.Containerfile, 0o644); err != nil {
		return fmt.Errorf("failed to write Containerfile: %w", err)
	}

	args := []string{"build"}
	if opts.Pull {
		args = append(args, "--pull")
	}
	if opts.Rebuild {
		args = append(args, "--no-cache")
	}
	args = append(args, "-f", containerfile, "-t", tag, dir)

	if err := p.stream(ctx, opts.Output, args...); err != nil {
		return fmt.Errorf("failed to build template image %s: %w", tag, err)
	}
	return nil
}

func (p *Podman) captureDigest(ctx context.Context, res *ResolvedImage) {
	var stdout bytes.Buffer
	stderr := newTailBuffer(stderrTail)
	code, err := p.cmd.Run(ctx, &stdout, stderr, "image", "inspect", "--format", "{{.Digest}}", res.Ref)
	switch {
	case err != nil:
		res.DigestStatus, res.DigestError = model.DigestError, err.Error()
	case code != 0:
		res.DigestStatus, res.DigestError = model.DigestError, strings.TrimSpace(stderr.String())
	default:
		d := strings.TrimSpace(stdout.String())
		if d == "" || d == "<no value>" {
			res.DigestStatus = model.DigestUnavailable
			return
		}
		res.Digest, res.DigestStatus = d, model.DigestPresent
	}
	if res.DigestStatus == model.DigestError {
		p.logger.Warn("base image digest capture failed", "image", res.Ref, "error", res.DigestError)
	}
}

// RunContainer runs spec to completion. Cancelling ctx removes the container
// with `rm -f` and returns ErrInterrupted.
func (p *Podman) RunContainer(ctx context.Context, spec RunSpec) (RunResult, error) {
	if err := ctx.Err(); err != nil {
		return RunResult{ExitCode: 130}, ErrInterrupted
	}

	args := p.runArgs(spec)
	stderr := newTailBuffer(stderrTail)
	stdout := writerOrDiscard(spec.Stdout)
	stderrW := io.MultiWriter(writerOrDiscard(spec.Stderr), stderr)

	type outcome struct {
		code int
		err  error
	}
	done := make(chan outcome, 1)

	start := time.Now()
	p.logger.Debug("engine command", "cmd", ShellQuote(p.Invocation(spec)))
	go func() {
		// The process itself is not tied to ctx; termination goes through
		// rm -f so the engine tears the container down cleanly.
		code, err := p.cmd.Run(context.WithoutCancel(ctx), stdout, stderrW, args...)
		done <- outcome{code, err}
	}()

	select {
	case out := <-done:
		res := RunResult{ExitCode: out.code, Duration: time.Since(start)}
		if ctx.Err() != nil {
			// SIGINT from the terminal reached podman too and it exited first.
			res.ExitCode = 130
			return res, ErrInterrupted
		}
		if out.err != nil {
			return res, out.err
		}
		if out.code != 0 {
			res.Diagnosis = newStepExitError(ShellQuote(p.Invocation(spec)), out.code, stderr.String())
		}
		p.logger.Debug("engine command finished", "exit_code", out.code, "duration_ms", res.Duration.Milliseconds())
		return res, nil

	case <-ctx.Done():
		p.logger.Warn("interrupt received, removing container", "container", spec.Name)
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if spec.Name != "" {
			if _, err := p.cmd.Run(cleanup, nil, nil, "rm", "-f", spec.Name); err != nil {
				p.logger.Warn("failed to remove container", "container", spec.Name, "error", err)
			}
		}
		select {
		case <-done:
		case <-cleanup.Done():
		}
		return RunResult{ExitCode: 130, Duration: time.Since(start)}, ErrInterrupted
	}
}

// Invocation renders the podman command line for spec.
func (p *Podman) Invocation(spec RunSpec) []string {
	return append([]string{p.bin}, p.runArgs(spec)...)
}

func (p *Podman) runArgs(spec RunSpec) []string {
	args := []string{"run", "--rm"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	args = append(args, "--userns=keep-id")

	// :Z relabels for SELinux; harmless elsewhere.
	for _, m := range spec.Mounts {
		args = append(args, "-v", m.Source+":"+m.Target+":Z")
	}
	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}
	for _, kv := range SortedEnv(spec.Env) {
		args = append(args, "--env", kv)
	}
	args = append(args, spec.Image)
	return append(args, spec.Argv...)
}

type podmanVolume struct {
	Name      string            `json:"Name"`
	Labels    map[string]string `json:"Labels"`
	CreatedAt string            `json:"CreatedAt"`
}

func (v podmanVolume) toVolume() Volume {
	labels := v.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	return Volume{Name: v.Name, Labels: labels, CreatedAt: parseEngineTime(v.CreatedAt)}
}

// CreateVolume creates name with labels, or returns the existing volume
// untouched when it is already there.
func (p *Podman) CreateVolume(ctx context.Context, name string, labels map[string]string) (Volume, error) {
	existing, err := p.InspectVolume(ctx, name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrVolumeNotFound) {
		return Volume{}, err
	}

	args := []string{"volume", "create"}
	for _, kv := range SortedEnv(labels) {
		args = append(args, "--label", kv)
	}
	args = append(args, name)
	if _, err := p.output(ctx, args...); err != nil {
		return Volume{}, fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return p.InspectVolume(ctx, name)
}

func (p *Podman) InspectVolume(ctx context.Context, name string) (Volume, error) {
	out, err := p.output(ctx, "volume", "inspect", "--format", "json", name)
	if err != nil {
		if isNoSuchVolume(err) {
			return Volume{}, fmt.Errorf("%w: %s", ErrVolumeNotFound, name)
		}
		return Volume{}, fmt.Errorf("failed to inspect volume %s: %w", name, err)
	}
	rows, err := decodeVolumes(out)
	if err != nil {
		return Volume{}, err
	}
	if len(rows) == 0 {
		return Volume{}, fmt.Errorf("%w: %s", ErrVolumeNotFound, name)
	}
	return rows[0].toVolume(), nil
}

func (p *Podman) RemoveVolume(ctx context.Context, name string) (bool, error) {
	if _, err := p.output(ctx, "volume", "rm", name); err != nil {
		if isNoSuchVolume(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return true, nil
}

func (p *Podman) ListVolumes(ctx context.Context, labelFilter map[string]string) ([]Volume, error) {
	args := []string{"volume", "ls", "--format", "json"}
	for _, kv := range SortedEnv(labelFilter) {
		args = append(args, "--filter", "label="+kv)
	}
	out, err := p.output(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	rows, err := decodeVolumes(out)
	if err != nil {
		return nil, err
	}
	vols := make([]Volume, 0, len(rows))
	for _, r := range rows {
		vols = append(vols, r.toVolume())
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].Name < vols[j].Name })
	return vols, nil
}

func decodeVolumes(out []byte) ([]podmanVolume, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 || bytes.Equal(out, []byte("null")) {
		return nil, nil
	}
	var rows []podmanVolume
	if err := json.Unmarshal(out, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse podman volume json: %w", err)
	}
	return rows, nil
}

func isNoSuchVolume(err error) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return false
	}
	s := strings.ToLower(ee.Stderr)
	return strings.Contains(s, "no such volume") || strings.Contains(s, "no volume with name")
}

// output runs a short engine command and returns stdout. A non-zero exit
// becomes a classified *EngineError.
func (p *Podman) output(ctx context.Context, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	stderr := newTailBuffer(stderrTail)
	start := time.Now()
	code, err := p.cmd.Run(ctx, &stdout, stderr, args...)
	p.logger.Debug("engine command", "cmd", ShellQuote(append([]string{p.bin}, args...)), "exit_code", code, "duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, newEngineError(ShellQuote(append([]string{p.bin}, args...)), code, stderr.String())
	}
	return stdout.Bytes(), nil
}

// stream runs a long engine command with its output forwarded to w.
func (p *Podman) stream(ctx context.Context, w io.Writer, args ...string) error {
	stderr := newTailBuffer(stderrTail)
	out := writerOrDiscard(w)
	code, err := p.cmd.Run(ctx, out, io.MultiWriter(out, stderr), args...)
	if err != nil {
		return err
	}
	if code != 0 {
		return newEngineError(ShellQuote(append([]string{p.bin}, args...)), code, stderr.String())
	}
	return nil
}

// parseEngineTime accepts RFC 3339 with or without a zone. The zero time
// means the engine did not report one.
func parseEngineTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// tailBuffer keeps the last max bytes written to it; the end of stderr is
// usually where the actionable message is.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
