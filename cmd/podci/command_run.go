package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sourceplane/podci/internal/cache"
	"github.com/sourceplane/podci/internal/git"
	"github.com/sourceplane/podci/internal/history"
	"github.com/sourceplane/podci/internal/manifest"
	"github.com/sourceplane/podci/internal/runner"
	"github.com/sourceplane/podci/internal/templates"
)

var (
	runJob     string
	runStep    string
	runProfile string
	runDryRun  bool
	runPull    bool
	runRebuild bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a job's steps in containers",
	Long:  "Run every step of a job in step_order inside the profile's container, mounting the repository at /work and the job's cache volumes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobCommand(cmd.Context())
	},
}

func registerRunCommand(root *cobra.Command) {
	root.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJob, "job", "j", "default", "Job to run")
	runCmd.Flags().StringVarP(&runStep, "step", "s", "", "Run only this step")
	runCmd.Flags().StringVarP(&runProfile, "profile", "p", "", "Override the job's profile")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Resolve and print container invocations without running them")
	runCmd.Flags().BoolVar(&runPull, "pull", false, "Refresh base images from their registry")
	runCmd.Flags().BoolVar(&runRebuild, "rebuild", false, "Rebuild template images without layer cache")
}

func runJobCommand(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	root, err := repoRoot(cfgPath)
	if err != nil {
		return err
	}
	dirs, err := manifest.DefaultDirs()
	if err != nil {
		return err
	}
	drv, err := newDriver(engineName, dirs)
	if err != nil {
		return err
	}
	store, err := openStore(dirs)
	if err != nil {
		return err
	}

	env := runner.RunEnv{
		RepoRoot:  root,
		Store:     store,
		Templates: templates.Builtin(),
		Logger:    logger,
		Progress:  os.Stdout,
		Version:   version,
		Source:    git.NewProbe(root),
	}
	if !runDryRun {
		hist, err := history.Open(filepath.Join(dirs.State, history.FileName))
		if err != nil {
			logger.Warn("run history unavailable", "error", err)
		} else {
			defer hist.Close()
			env.History = hist
		}
	} else {
		fmt.Println("□ Dry-run mode enabled. Nothing is executed and no manifest is written.")
	}

	r := runner.New(env, drv, cache.NewManager(drv, logger))
	res, err := r.Run(ctx, runner.Request{
		Config:  cfg,
		Job:     runJob,
		Profile: runProfile,
		Step:    runStep,
		DryRun:  runDryRun,
		Pull:    runPull,
		Rebuild: runRebuild,
	})
	if res != nil && res.ManifestPath != "" {
		fmt.Printf("  Manifest: %s\n", res.ManifestPath)
	}
	if err != nil {
		return err
	}

	if runDryRun {
		fmt.Println("✓ Dry-run complete")
	} else {
		fmt.Printf("✓ Run %s complete\n", res.RunID)
	}
	return nil
}
