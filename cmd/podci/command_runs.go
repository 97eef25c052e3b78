package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sourceplane/podci/internal/history"
	"github.com/sourceplane/podci/internal/manifest"
	"github.com/sourceplane/podci/internal/render"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		dirs, err := manifest.DefaultDirs()
		if err != nil {
			return err
		}
		hist, err := history.Open(filepath.Join(dirs.State, history.FileName))
		if err != nil {
			return err
		}
		defer hist.Close()

		entries, err := hist.List(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		fmt.Print(render.RunsTable(entries))
		return nil
	},
}

func registerRunsCommand(root *cobra.Command) {
	root.AddCommand(runsCmd)
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to list (0 for all)")
}
