package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sourceplane/podci/internal/driver"
	"github.com/sourceplane/podci/internal/loader"
	"github.com/sourceplane/podci/internal/manifest"
	"github.com/sourceplane/podci/internal/model"
	"github.com/sourceplane/podci/internal/normalize"
	"github.com/sourceplane/podci/internal/schema"
	"github.com/sourceplane/podci/internal/templates"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

var (
	configFile string
	engineName string
	logFormat  string
	logLevel   string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "podci",
	Short:         "Local-first CI runner: run CI jobs in containers with persistent caches",
	Long:          "podci runs the jobs declared in podci.yaml inside rootless containers, keeps per-job cache volumes, and records a manifest for every run.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(logLevel, logFormat, os.Stderr)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "podci.yaml", "Config file path (podci.yaml or podci.toml)")
	rootCmd.PersistentFlags().StringVar(&engineName, "engine", envOr("PODCI_ENGINE", "podman"), "Container engine (podman|docker) [$PODCI_ENGINE]")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", envOr("PODCI_LOG_FORMAT", "text"), "Log format (text|json) [$PODCI_LOG_FORMAT]")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("PODCI_LOG_LEVEL", "warn"), "Log level (debug|info|warn|error) [$PODCI_LOG_LEVEL]")

	registerRunCommand(rootCmd)
	registerValidateCommand(rootCmd)
	registerPruneCommand(rootCmd)
	registerManifestCommand(rootCmd)
	registerRunsCommand(rootCmd)
	registerVersionCommand(rootCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newLogger builds the structured logger for diagnostics. Progress output
// for humans goes to stdout separately.
func newLogger(levelStr, formatStr string, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (use debug, info, warn or error)", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(formatStr) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (use text or json)", formatStr)
	}
}

// loadConfig reads, schema-checks and normalizes the config. It returns the
// resolved config path as well.
func loadConfig(path string) (*model.Config, string, error) {
	path = loader.ResolveConfigPath(path)
	doc, err := loader.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	sv, err := schema.NewValidator()
	if err != nil {
		return nil, path, err
	}
	cfg, err := normalize.NormalizeConfig(doc, sv, templates.Builtin())
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// repoRoot is the directory holding the config file.
func repoRoot(cfgPath string) (string, error) {
	abs, err := filepath.Abs(filepath.Dir(cfgPath))
	if err != nil {
		return "", fmt.Errorf("failed to resolve repository root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

func newDriver(name string, dirs manifest.Dirs) (driver.Driver, error) {
	switch strings.ToLower(name) {
	case "", "podman":
		return driver.NewPodman(driver.PodmanOptions{
			Templates: templates.Builtin(),
			BuildDir:  dirs.Cache,
			Version:   version,
			Logger:    logger,
		}), nil
	case "docker":
		return driver.NewDocker(driver.DockerOptions{
			Templates: templates.Builtin(),
			Version:   version,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unknown container engine %q (use podman or docker)", name)
	}
}

func openStore(dirs manifest.Dirs) (*manifest.Store, error) {
	sv, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}
	return manifest.NewStore(dirs.State, sv), nil
}
