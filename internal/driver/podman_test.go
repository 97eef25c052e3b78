package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/podci/internal/model"
	"github.com/sourceplane/podci/internal/templates"
)

// scriptedCommander answers engine commands from a handler and records them
type scriptedCommander struct {
	mu      sync.Mutex
	calls   [][]string
	handler func(ctx context.Context, args []string, stdout, stderr io.Writer) int
}

func (s *scriptedCommander) Run(ctx context.Context, stdout, stderr io.Writer, args ...string) (int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string(nil), args...))
	s.mu.Unlock()
	return s.handler(ctx, args, writerOrDiscard(stdout), writerOrDiscard(stderr)), nil
}

func (s *scriptedCommander) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

func newTestPodman(t *testing.T, handler func(ctx context.Context, args []string, stdout, stderr io.Writer) int) (*Podman, *scriptedCommander) {
	t.Helper()
	p := NewPodman(PodmanOptions{
		Templates: templates.NewRegistry(templates.Definition{Name: "rust-debian", Containerfile: []byte("FROM scratch\n")}),
		BuildDir:  t.TempDir(),
		Version:   "0.1.0",
	})
	cmd := &scriptedCommander{handler: handler}
	p.cmd = cmd
	return p, cmd
}

func sampleSpec() RunSpec {
	return RunSpec{
		Name:  "podci-20260102T030405Z-abcdef0123-test",
		Image: "localhost/podci-rust-debian:v0.1.0-0123456789ab",
		Argv:  []string{"cargo", "test", "--all"},
		Env: MergeEnv(
			map[string]string{"CARGO_HOME": "/usr/local/cargo"},
			map[string]string{"A": "1", "RUST_LOG": "info"},
			map[string]string{"RUST_LOG": "debug"},
		),
		Workdir: "/work/crates/core",
		Mounts: []Mount{
			{Source: "podci_aaaaaaaaaaaa_bbbbbbbbbbbb_registry", Target: "/usr/local/cargo/registry"},
			{Source: "podci_aaaaaaaaaaaa_bbbbbbbbbbbb_git", Target: "/usr/local/cargo/git"},
			{Source: "podci_aaaaaaaaaaaa_bbbbbbbbbbbb_target", Target: "/work/target"},
			{Source: "/home/dev/proj", Target: "/work", Bind: true},
		},
	}
}

func TestPodmanInvocationGolden(t *testing.T) {
	p := NewPodman(PodmanOptions{})
	args := p.Invocation(sampleSpec())

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "podman_run_invocation", []byte(strings.Join(args, "\n")+"\n"))
}

func TestDockerInvocationGolden(t *testing.T) {
	d := &Docker{}
	args := d.Invocation(sampleSpec())

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "docker_run_invocation", []byte(strings.Join(args, "\n")+"\n"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code   int
		stderr string
		want   FailureKind
	}{
		{125, "Error: open /run/user/1000: Permission denied", FailurePermissionDenied},
		{125, "Error: creating container storage: layer not known", FailureStorage},
		{125, "error from containers/storage: corrupt", FailureStorage},
		{127, "", FailureNotInstalled},
		{1, "sh: cargo: command not found", FailureNotInstalled},
		{101, "test failed", FailureCommandFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.code, tt.stderr), tt.stderr)
	}
}

func TestClassifyStepExit(t *testing.T) {
	tests := []struct {
		code   int
		stderr string
		want   FailureKind
	}{
		{127, "sh: cargo: command not found", FailureCommandFailed},
		{1, "error: file not found", FailureCommandFailed},
		{1, "cp: permission denied", FailureCommandFailed},
		{125, "Error: open /run/user/1000: Permission denied", FailurePermissionDenied},
		{125, "Error: creating container storage: layer not known", FailureStorage},
		{125, "Error: image not found", FailureCommandFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStepExit(tt.code, tt.stderr), tt.stderr)
	}
}

func TestHint(t *testing.T) {
	assert.Empty(t, Hint(errors.New("plain")))
	err := &EngineError{Kind: FailureStorage, Command: "podman run", ExitCode: 125}
	assert.Contains(t, Hint(err), "podman system check")
	assert.True(t, errors.Is(&EngineError{Kind: FailureNotInstalled}, ErrEngineUnavailable))
	assert.False(t, errors.Is(err, ErrEngineUnavailable))
}

func TestResolveTemplateBuildsWhenMissing(t *testing.T) {
	p, cmd := newTestPodman(t, func(_ context.Context, args []string, stdout, _ io.Writer) int {
		switch {
		case args[0] == "image" && args[1] == "exists":
			return 1
		case args[0] == "image" && args[1] == "inspect":
			io.WriteString(stdout, "sha256:feed\n")
		}
		return 0
	})

	res, err := p.ResolveImage(context.Background(), model.TemplateRef("rust-debian"), ImageOptions{Pull: true})
	require.NoError(t, err)

	assert.True(t, res.Built)
	assert.True(t, strings.HasPrefix(res.Ref, "localhost/podci-rust-debian:v0.1.0-"))
	assert.Equal(t, model.DigestPresent, res.DigestStatus)
	assert.Equal(t, "sha256:feed", res.Digest)

	calls := cmd.commands()
	require.Len(t, calls, 3)
	assert.True(t, strings.HasPrefix(calls[1], "build --pull -f "), calls[1])
	assert.NotContains(t, calls[1], "--no-cache")
}

func TestResolveTemplateRebuildRemovesFirst(t *testing.T) {
	p, cmd := newTestPodman(t, func(_ context.Context, args []string, stdout, _ io.Writer) int {
		if args[0] == "image" && args[1] == "inspect" {
			io.WriteString(stdout, "<no value>\n")
		}
		return 0
	})

	res, err := p.ResolveImage(context.Background(), model.TemplateRef("rust-debian"), ImageOptions{Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, model.DigestUnavailable, res.DigestStatus)
	assert.Nil(t, res.DigestPtr())

	calls := cmd.commands()
	require.Len(t, calls, 4)
	assert.True(t, strings.HasPrefix(calls[1], "rmi -f localhost/podci-rust-debian"), calls[1])
	assert.Contains(t, calls[2], "--no-cache")
}

func TestResolveExplicitImageDigestErrorDoesNotFail(t *testing.T) {
	p, _ := newTestPodman(t, func(_ context.Context, args []string, _, stderr io.Writer) int {
		io.WriteString(stderr, "Error: no such image")
		return 125
	})

	res, err := p.ResolveImage(context.Background(), model.ImageRef("docker.io/library/rust:1.80"), ImageOptions{})
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/rust:1.80", res.Ref)
	assert.Equal(t, model.DigestError, res.DigestStatus)
	assert.Contains(t, res.DigestError, "no such image")
}

func TestResolveDryRunTouchesNothing(t *testing.T) {
	p, cmd := newTestPodman(t, func(context.Context, []string, io.Writer, io.Writer) int {
		t.Fatal("dry run must not run engine commands")
		return 0
	})

	res, err := p.ResolveImage(context.Background(), model.ImageRef("docker.io/library/rust@sha256:abc"), ImageOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", res.Digest)

	_, err = p.ResolveImage(context.Background(), model.TemplateRef("rust-debian"), ImageOptions{DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, cmd.commands())
}

func TestRunContainerCapturesOutputAndExitCode(t *testing.T) {
	p, _ := newTestPodman(t, func(_ context.Context, args []string, stdout, stderr io.Writer) int {
		io.WriteString(stdout, "running 3 tests\n")
		io.WriteString(stderr, "error: test failed\n")
		return 101
	})

	var out, errOut bytes.Buffer
	spec := sampleSpec()
	spec.Stdout, spec.Stderr = &out, &errOut

	res, err := p.RunContainer(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 101, res.ExitCode)
	assert.Equal(t, "running 3 tests\n", out.String())
	assert.Equal(t, "error: test failed\n", errOut.String())
	require.NotNil(t, res.Diagnosis)
	assert.Equal(t, FailureCommandFailed, res.Diagnosis.Kind)
}

func TestRunContainerInterruptRemovesContainer(t *testing.T) {
	release := make(chan struct{})
	p, cmd := newTestPodman(t, func(_ context.Context, args []string, _, _ io.Writer) int {
		switch args[0] {
		case "run":
			<-release
			return 137
		case "rm":
			close(release)
		}
		return 0
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := p.RunContainer(ctx, sampleSpec())
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 130, res.ExitCode)
	assert.Contains(t, cmd.commands(), "rm -f podci-20260102T030405Z-abcdef0123-test")
}

func TestRunContainerMissingToolIsStepFailure(t *testing.T) {
	p, _ := newTestPodman(t, func(_ context.Context, _ []string, _, stderr io.Writer) int {
		io.WriteString(stderr, "sh: cargo: command not found\n")
		return 127
	})

	res, err := p.RunContainer(context.Background(), sampleSpec())
	require.NoError(t, err)
	require.NotNil(t, res.Diagnosis)
	assert.Equal(t, FailureCommandFailed, res.Diagnosis.Kind)
	assert.False(t, errors.Is(res.Diagnosis, ErrEngineUnavailable))
	assert.Contains(t, Hint(res.Diagnosis), "the container step failed")
}

func TestRunContainerExitAfterCancelIsInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, _ := newTestPodman(t, func(_ context.Context, args []string, _, _ io.Writer) int {
		if args[0] == "run" {
			// The engine saw the terminal SIGINT and exited on its own.
			cancel()
			return 130
		}
		return 0
	})

	res, err := p.RunContainer(ctx, sampleSpec())
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 130, res.ExitCode)
	assert.Nil(t, res.Diagnosis)
}

func TestVolumeLifecycle(t *testing.T) {
	created := false
	p, cmd := newTestPodman(t, func(_ context.Context, args []string, stdout, stderr io.Writer) int {
		switch strings.Join(args[:2], " ") {
		case "volume inspect":
			if !created {
				io.WriteString(stderr, "Error: no such volume cache")
				return 125
			}
			io.WriteString(stdout, `[{"Name":"cache","Labels":{"podci.managed":"true"},"CreatedAt":"2026-01-02T03:04:05.123456789+01:00"}]`)
		case "volume create":
			created = true
		case "volume rm":
			if !created {
				io.WriteString(stderr, "Error: no volume with name \"cache\" found: no such volume")
				return 1
			}
			created = false
		case "volume ls":
			io.WriteString(stdout, `[{"Name":"b","Labels":{}},{"Name":"a","Labels":null}]`)
		}
		return 0
	})
	ctx := context.Background()

	_, err := p.InspectVolume(ctx, "cache")
	require.ErrorIs(t, err, ErrVolumeNotFound)

	v, err := p.CreateVolume(ctx, "cache", map[string]string{"podci.managed": "true", "podci.volume_kind": "target"})
	require.NoError(t, err)
	assert.Equal(t, "true", v.Labels["podci.managed"])
	assert.Equal(t, time.Date(2026, 1, 2, 2, 4, 5, 123456789, time.UTC), v.CreatedAt)
	assert.Contains(t, cmd.commands(), "volume create --label podci.managed=true --label podci.volume_kind=target cache")

	// Creating again is a no-op.
	_, err = p.CreateVolume(ctx, "cache", nil)
	require.NoError(t, err)

	removed, err := p.RemoveVolume(ctx, "cache")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = p.RemoveVolume(ctx, "cache")
	require.NoError(t, err)
	assert.False(t, removed)

	vols, err := p.ListVolumes(ctx, map[string]string{"podci.managed": "true"})
	require.NoError(t, err)
	require.Len(t, vols, 2)
	assert.Equal(t, "a", vols[0].Name)
	assert.NotNil(t, vols[0].Labels)
	assert.Contains(t, cmd.commands(), "volume ls --format json --filter label=podci.managed=true")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "cargo test --all", ShellQuote([]string{"cargo", "test", "--all"}))
	assert.Equal(t, `sh -c 'echo "$HOME"'`, ShellQuote([]string{"sh", "-c", `echo "$HOME"`}))
	assert.Equal(t, `echo 'it'\''s' ''`, ShellQuote([]string{"echo", "it's", ""}))
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := newTailBuffer(4)
	io.WriteString(b, "abc")
	io.WriteString(b, "defg")
	assert.Equal(t, "defg", b.String())
}
