package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sourceplane/podci/internal/manifest"
	"github.com/sourceplane/podci/internal/render"
)

var (
	manifestLatest bool
	manifestRunID  string
	manifestFormat string
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect run manifests",
}

var manifestShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a run manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showManifest()
	},
}

func registerManifestCommand(root *cobra.Command) {
	root.AddCommand(manifestCmd)
	manifestCmd.AddCommand(manifestShowCmd)

	manifestShowCmd.Flags().BoolVar(&manifestLatest, "latest", false, "Show the latest run (default)")
	manifestShowCmd.Flags().StringVar(&manifestRunID, "run", "", "Run id to show")
	manifestShowCmd.Flags().StringVarP(&manifestFormat, "format", "f", "json", "Output format (json|yaml|text)")
	manifestShowCmd.MarkFlagsMutuallyExclusive("latest", "run")
}

func showManifest() error {
	dirs, err := manifest.DefaultDirs()
	if err != nil {
		return err
	}
	store, err := openStore(dirs)
	if err != nil {
		return err
	}

	runID := manifestRunID
	if manifestLatest {
		runID = "latest"
	}
	m, path, err := store.Read(runID)
	if err != nil {
		return err
	}
	logger.Debug("manifest loaded", "path", path)

	data, err := render.NewRenderer().Render(m, manifestFormat)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
