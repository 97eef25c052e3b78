// Package runner walks a job's steps through the container engine and
// records what happened.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sourceplane/podci/internal/cache"
	"github.com/sourceplane/podci/internal/driver"
	"github.com/sourceplane/podci/internal/fingerprint"
	"github.com/sourceplane/podci/internal/git"
	"github.com/sourceplane/podci/internal/history"
	"github.com/sourceplane/podci/internal/logcap"
	"github.com/sourceplane/podci/internal/manifest"
	"github.com/sourceplane/podci/internal/model"
)

// RepoMountTarget is where the repository is mounted in every step container.
const RepoMountTarget = "/work"

// FixedEnv is the lowest env layer of every step; profile and step env
// override it.
var FixedEnv = map[string]string{
	"CARGO_HOME": "/usr/local/cargo",
}

// HistoryRecorder indexes finished runs
type HistoryRecorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// SourceProbe reports the repository revision
type SourceProbe interface {
	Revision(ctx context.Context) (git.Revision, error)
}

// RunEnv is everything a run needs from its surroundings.
type RunEnv struct {
	// RepoRoot is the host directory bind-mounted at /work.
	RepoRoot  string
	Store     *manifest.Store
	Templates fingerprint.Definitions
	Logger    *slog.Logger
	// Progress receives human-readable progress lines.
	Progress io.Writer
	Version  string
	Now      func() time.Time
	// LogLimit caps each captured stream. Zero means logcap.DefaultLimit.
	LogLimit int64
	// History and Source are optional.
	History HistoryRecorder
	Source  SourceProbe
}

// Request selects what to run
type Request struct {
	Config *model.Config
	Job    string
	// Profile overrides the job's profile when set.
	Profile string
	// Step restricts the walk to a single step.
	Step    string
	DryRun  bool
	Pull    bool
	Rebuild bool
}

// Result describes a finished run. It is returned alongside a StepError
// when a step failed.
type Result struct {
	RunID    string
	Context  model.RunContext
	Image    driver.ResolvedImage
	Manifest *model.Manifest
	// ManifestPath is the archive path, empty for dry-runs.
	ManifestPath string
	Warnings     []cache.OwnershipWarning
	// Invocations holds the rendered engine command per step in dry-run mode.
	Invocations [][]string
}

// Runner executes jobs
type Runner struct {
	env    RunEnv
	drv    driver.Driver
	caches *cache.Manager
}

// New returns a runner. A nil caches uses the default cache kinds.
func New(env RunEnv, drv driver.Driver, caches *cache.Manager) *Runner {
	if env.Logger == nil {
		env.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if env.Progress == nil {
		env.Progress = io.Discard
	}
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.LogLimit <= 0 {
		env.LogLimit = logcap.DefaultLimit
	}
	if caches == nil {
		caches = cache.NewManager(drv, env.Logger)
	}
	return &Runner{env: env, drv: drv, caches: caches}
}

type stepOutcome struct {
	result model.StepResult
	err    *StepError
}

// Run executes req. Errors before the first step (config lookups, engine
// availability, image resolution, cache setup) return a nil Result and
// touch nothing further. Once steps start, a manifest is always produced
// and the failing step is reported as *StepError.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if !req.DryRun && r.env.Store == nil {
		return nil, fmt.Errorf("manifest store is required to execute a run")
	}

	job, err := req.Config.LookupJob(req.Job)
	if err != nil {
		return nil, err
	}
	selected, err := selectSteps(job, req.Step)
	if err != nil {
		return nil, err
	}

	ident, err := fingerprint.ForJob(req.Config, req.Job, req.Profile, r.env.Templates)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint job %q: %w", req.Job, err)
	}
	rc := ident.Context
	profile, err := req.Config.LookupProfile(rc.Profile)
	if err != nil {
		return nil, err
	}

	log := r.env.Logger.With("project", rc.Project, "job", rc.Job, "profile", rc.Profile)
	progress := r.env.Progress

	if !req.DryRun {
		fmt.Fprintf(progress, "□ Checking container engine (%s)...\n", r.drv.Name())
		if err := r.drv.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach container engine %s: %w", r.drv.Name(), err)
		}
	}

	fmt.Fprintf(progress, "□ Resolving image for profile %s...\n", rc.Profile)
	img, err := r.drv.ResolveImage(ctx, profile.Container, driver.ImageOptions{
		Pull:    req.Pull,
		Rebuild: req.Rebuild,
		DryRun:  req.DryRun,
		Output:  progress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve image for profile %q: %w", rc.Profile, err)
	}
	switch {
	case img.DigestStatus == model.DigestError:
		log.Warn("base image digest capture failed; reproducibility weakened", "image", img.Ref, "error", img.DigestError)
	case img.DigestStatus == model.DigestUnavailable && !req.DryRun:
		log.Warn("base image digest unavailable; reproducibility weakened", "image", img.Ref)
	}

	var (
		mounts   []driver.Mount
		warnings []cache.OwnershipWarning
	)
	if req.DryRun {
		mounts = r.caches.Mounts(rc)
	} else {
		fmt.Fprintln(progress, "□ Preparing cache volumes...")
		mounts, warnings, err = r.caches.Ensure(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare cache volumes: %w", err)
		}
		for _, w := range warnings {
			fmt.Fprintf(progress, "! %s\n", w)
		}
	}
	mounts = append(mounts, driver.Mount{Source: r.env.RepoRoot, Target: RepoMountTarget, Bind: true})

	started := r.env.Now().UTC()
	runID := manifest.NewRunID(started)
	log = log.With("run_id", runID)
	rec := manifest.NewRecorder(runID, model.Manifest{
		PodciVersion:          r.env.Version,
		TimestampUTC:          started.Format(time.RFC3339),
		Project:               rc.Project,
		Job:                   rc.Job,
		Profile:               rc.Profile,
		Namespace:             rc.Namespace,
		EnvID:                 rc.EnvID,
		BaseImage:             img.Ref,
		BaseImageDigest:       img.DigestPtr(),
		BaseImageDigestStatus: img.DigestStatus,
		Source:                r.source(ctx, log),
	})
	log.Info("run started",
		"namespace", fingerprint.Short(rc.Namespace, 12),
		"env_id", fingerprint.Short(rc.EnvID, 12),
		"image", img.Ref,
		"dry_run", req.DryRun,
	)

	res := &Result{RunID: runID, Context: rc, Image: img, Warnings: warnings}
	state := newExecutionState(selected)
	var stepErr *StepError

	for _, name := range selected {
		step := job.Steps[name]

		if stepErr != nil {
			if err := state.Transition(name, StatePending, StateSkipped); err != nil {
				return nil, err
			}
			if err := rec.Append(model.StepResult{Name: name, Argv: step.Argv, Status: model.StepSkipped}); err != nil {
				return nil, err
			}
			fmt.Fprintf(progress, "- %s skipped\n", name)
			continue
		}

		if err := state.Transition(name, StatePending, StateRunning); err != nil {
			return nil, err
		}
		fmt.Fprintf(progress, "□ Step %s\n", name)
		log.Info("step started", "step", name)

		spec := r.runSpec(runID, name, img.Ref, profile, step, mounts)
		var out stepOutcome
		if req.DryRun {
			out = r.dryRunStep(runID, name, step, spec)
			res.Invocations = append(res.Invocations, r.drv.Invocation(spec))
		} else {
			out = r.execStep(ctx, runID, name, stepLogTag(job, name), step, spec, log)
		}
		if err := rec.Append(out.result); err != nil {
			return nil, err
		}

		if out.err != nil {
			if err := state.Transition(name, StateRunning, StateFailed); err != nil {
				return nil, err
			}
			stepErr = out.err
			fmt.Fprintf(progress, "✗ %s\n", out.err)
			log.Error("step failed", "step", name, "failure", out.err.Failure, "exit_code", out.err.ExitCode)
			continue
		}
		if err := state.Transition(name, StateRunning, StateSucceeded); err != nil {
			return nil, err
		}
		fmt.Fprintf(progress, "✓ %s (%s)\n", name, out.result.Duration().Round(time.Millisecond))
		log.Info("step finished", "step", name, "duration_ms", out.result.Duration().Milliseconds())
	}

	result := model.ManifestResult{OK: stepErr == nil}
	if stepErr != nil {
		result.ExitCode = stepErr.ExitCode
		msg := stepErr.Error()
		result.Error = &msg
	}
	m, err := rec.Finalize(result)
	if err != nil {
		return nil, err
	}
	res.Manifest = m

	if req.DryRun {
		log.Info("dry-run complete; manifest not persisted")
		if stepErr != nil {
			return res, stepErr
		}
		return res, nil
	}

	archive, werr := r.env.Store.Write(m)
	if werr != nil {
		werr = fmt.Errorf("failed to write manifest for run %s: %w", runID, werr)
		if stepErr != nil {
			return res, errors.Join(stepErr, werr)
		}
		return res, werr
	}
	res.ManifestPath = archive
	log.Info("manifest written", "path", archive)

	// The run context may already be cancelled by an interrupt; indexing
	// the run must still happen.
	r.recordHistory(context.WithoutCancel(ctx), m, archive, log)

	if stepErr != nil {
		return res, stepErr
	}
	return res, nil
}

func selectSteps(job model.Job, only string) ([]string, error) {
	if only == "" {
		return append([]string(nil), job.StepOrder...), nil
	}
	if _, ok := job.Steps[only]; !ok {
		return nil, fmt.Errorf("unknown step %q for job %q", only, job.Name)
	}
	return []string{only}, nil
}

func (r *Runner) runSpec(runID, name, image string, profile model.Profile, step model.Step, mounts []driver.Mount) driver.RunSpec {
	workdir := RepoMountTarget
	if step.Workdir != "" {
		workdir = path.Join(RepoMountTarget, step.Workdir)
	}
	return driver.RunSpec{
		Name:    "podci-" + runID + "-" + logcap.SanitizeName(name),
		Image:   image,
		Argv:    append([]string(nil), step.Argv...),
		Env:     driver.MergeEnv(FixedEnv, profile.Env, step.Env),
		Workdir: workdir,
		Mounts:  append([]driver.Mount(nil), mounts...),
	}
}

func (r *Runner) dryRunStep(runID, name string, step model.Step, spec driver.RunSpec) stepOutcome {
	sr := model.StepResult{Name: name, Argv: step.Argv, Status: model.StepSucceeded}
	if err := r.checkWorkdir(step.Workdir); err != nil {
		return failed(sr, runID, model.FailureError, 1, err, "", "")
	}
	fmt.Fprintf(r.env.Progress, "+ %s\n", driver.ShellQuote(r.drv.Invocation(spec)))
	return stepOutcome{result: sr}
}

// stepLogTag names a step's log files. The step_order position keeps steps
// whose names sanitize to the same string apart.
func stepLogTag(job model.Job, name string) string {
	pos := 0
	for i, n := range job.StepOrder {
		if n == name {
			pos = i + 1
			break
		}
	}
	return fmt.Sprintf("%02d-%s", pos, logcap.SanitizeName(name))
}

func (r *Runner) execStep(ctx context.Context, runID, name, tag string, step model.Step, spec driver.RunSpec, log *slog.Logger) stepOutcome {
	sr := model.StepResult{Name: name, Argv: step.Argv}
	if err := r.checkWorkdir(step.Workdir); err != nil {
		return failed(sr, runID, model.FailureError, 1, err, "", "")
	}

	logsDir := r.env.Store.LogsDir(runID)
	stdoutPath := filepath.Join(logsDir, tag+".stdout")
	stderrPath := filepath.Join(logsDir, tag+".stderr")

	stdout, err := logcap.Create(stdoutPath, r.env.LogLimit)
	if err != nil {
		return failed(sr, runID, model.FailureError, 1, err, "", "")
	}
	stderr, err := logcap.Create(stderrPath, r.env.LogLimit)
	if err != nil {
		stdout.Close()
		return failed(sr, runID, model.FailureError, 1, err, "", "")
	}
	spec.Stdout, spec.Stderr = stdout, stderr

	fmt.Fprintf(r.env.Progress, "+ %s\n", driver.ShellQuote(step.Argv))
	out, runErr := r.drv.RunContainer(ctx, spec)

	if err := errors.Join(stdout.Close(), stderr.Close()); err != nil {
		log.Warn("failed to close step logs", "step", name, "error", err)
	}
	if stdout.Truncated() || stderr.Truncated() {
		log.Warn("step output truncated", "step", name, "limit_bytes", r.env.LogLimit)
	}

	ms := out.Duration.Milliseconds()
	relOut, relErr := "logs/"+tag+".stdout", "logs/"+tag+".stderr"
	sr.DurationMS = &ms
	sr.StdoutPath, sr.StderrPath = &relOut, &relErr

	// A terminal Ctrl-C also reaches the engine process, which can exit
	// before the driver notices the cancelled context.
	switch {
	case errors.Is(runErr, ErrInterrupted) || ctx.Err() != nil:
		switch {
		case runErr == nil:
			runErr = ErrInterrupted
		case !errors.Is(runErr, ErrInterrupted):
			runErr = fmt.Errorf("%w: %w", ErrInterrupted, runErr)
		}
		return failed(sr, runID, model.FailureInterrupted, 130, runErr, stdoutPath, stderrPath)
	case runErr != nil:
		return failed(sr, runID, model.FailureError, 1, runErr, stdoutPath, stderrPath)
	case out.ExitCode != 0:
		var cause error
		if out.Diagnosis != nil {
			cause = out.Diagnosis
		}
		return failed(sr, runID, model.FailureExit, out.ExitCode, cause, stdoutPath, stderrPath)
	}

	code := 0
	sr.ExitCode = &code
	sr.Status = model.StepSucceeded
	return stepOutcome{result: sr}
}

func failed(sr model.StepResult, runID string, kind model.FailureKind, code int, cause error, stdoutPath, stderrPath string) stepOutcome {
	sr.Status = model.StepFailed
	sr.Failure = kind
	sr.ExitCode = &code
	return stepOutcome{
		result: sr,
		err: &StepError{
			Step:       sr.Name,
			Failure:    kind,
			ExitCode:   code,
			RunID:      runID,
			StdoutPath: stdoutPath,
			StderrPath: stderrPath,
			Err:        cause,
		},
	}
}

func (r *Runner) checkWorkdir(rel string) error {
	host := r.env.RepoRoot
	if rel != "" {
		host = filepath.Join(host, filepath.FromSlash(rel))
	}
	info, err := os.Stat(host)
	if err != nil {
		return fmt.Errorf("workdir %q does not exist on host: %s", rel, host)
	}
	if !info.IsDir() {
		return fmt.Errorf("workdir %q is not a directory: %s", rel, host)
	}
	return nil
}

func (r *Runner) source(ctx context.Context, log *slog.Logger) *model.SourceInfo {
	if r.env.Source == nil {
		return nil
	}
	rev, err := r.env.Source.Revision(ctx)
	if err != nil {
		log.Debug("source revision unavailable", "error", err)
		return nil
	}
	return &model.SourceInfo{Revision: rev.Commit, Dirty: rev.Dirty}
}

func (r *Runner) recordHistory(ctx context.Context, m *model.Manifest, archive string, log *slog.Logger) {
	if r.env.History == nil {
		return
	}
	if err := r.env.History.Record(ctx, history.EntryFromManifest(m, archive)); err != nil {
		log.Warn("failed to record run history", "error", err)
	}
}
