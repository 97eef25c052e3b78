package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sourceplane/podci/internal/model"
	"github.com/sourceplane/podci/internal/templates"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version, manifest schema and built-in templates",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("podci %s\n", version)
		fmt.Printf("  manifest schema: %s\n", model.ManifestSchemaV1)
		fmt.Printf("  templates:       %s\n", strings.Join(templates.Builtin().Names(), ", "))
	},
}

func registerVersionCommand(root *cobra.Command) {
	root.AddCommand(versionCmd)
}
