package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sourceplane/podci/internal/fingerprint"
	"github.com/sourceplane/podci/internal/templates"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config and print each job's identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateConfig()
	},
}

func registerValidateCommand(root *cobra.Command) {
	root.AddCommand(validateCmd)
}

func validateConfig() error {
	fmt.Printf("□ Validating %s...\n", configFile)
	cfg, path, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s is valid\n", path)

	for _, name := range sortedJobNames(cfg.Jobs) {
		ident, err := fingerprint.ForJob(cfg, name, "", templates.Builtin())
		if err != nil {
			return err
		}
		job := cfg.Jobs[name]
		fmt.Printf("  %s: profile=%s steps=%d namespace=%s env_id=%s\n",
			name, ident.Context.Profile, len(job.StepOrder),
			fingerprint.Short(ident.Context.Namespace, 12), fingerprint.Short(ident.Context.EnvID, 12))
	}
	return nil
}
