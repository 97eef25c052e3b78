package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sourceplane/podci/internal/cache"
	"github.com/sourceplane/podci/internal/manifest"
	"github.com/sourceplane/podci/internal/prune"
	"github.com/sourceplane/podci/internal/render"
)

var (
	pruneKeep          int
	pruneOlderThanDays int
	pruneYes           bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cache volumes of old namespaces",
	Long:  "Plan (and with --yes, apply) deletion of podci-managed cache volumes. Only volumes carrying all podci ownership labels are considered. Do not run prune while a podci run is in progress.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pruneVolumes(cmd)
	},
}

func registerPruneCommand(root *cobra.Command) {
	root.AddCommand(pruneCmd)

	pruneCmd.Flags().IntVar(&pruneKeep, "keep", 3, "Number of most recently used namespaces to keep")
	pruneCmd.Flags().IntVar(&pruneOlderThanDays, "older-than-days", 0, "Only delete namespaces older than this many days (0 disables)")
	pruneCmd.Flags().BoolVarP(&pruneYes, "yes", "y", false, "Apply the plan (default is dry-run)")
}

func pruneVolumes(cmd *cobra.Command) error {
	if pruneKeep < 0 {
		return fmt.Errorf("--keep must not be negative")
	}
	if pruneOlderThanDays < 0 {
		return fmt.Errorf("--older-than-days must not be negative")
	}

	ctx := cmd.Context()
	dirs, err := manifest.DefaultDirs()
	if err != nil {
		return err
	}
	drv, err := newDriver(engineName, dirs)
	if err != nil {
		return err
	}
	if err := drv.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach container engine %s: %w", drv.Name(), err)
	}

	fmt.Println("□ Listing podci-managed volumes...")
	vols, err := cache.NewManager(drv, logger).ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("failed to list volumes: %w", err)
	}

	plan := prune.Compute(vols, prune.Policy{
		Keep:      pruneKeep,
		OlderThan: time.Duration(pruneOlderThanDays) * 24 * time.Hour,
		Now:       time.Now(),
	})
	fmt.Print(render.PrunePlan(plan))

	if plan.Empty() {
		fmt.Println("✓ Nothing to prune")
		return nil
	}
	if !pruneYes {
		fmt.Println("□ Dry-run: re-run with --yes to delete the volumes above")
		return nil
	}

	outcomes := prune.Apply(ctx, drv, plan)
	fmt.Print(render.PruneOutcomes(outcomes))
	if failed := prune.Failed(outcomes); len(failed) > 0 {
		return fmt.Errorf("failed to delete %d of %d volumes", len(failed), len(outcomes))
	}
	fmt.Println("✓ Prune complete")
	return nil
}
