package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
version: 1
project: demo
profiles:
  dev:
    container: rust-debian
    env:
      RUST_LOG: info
jobs:
  default:
    profile: dev
    step_order: [fmt]
    steps:
      fmt:
        run: [cargo, fmt, --check]
`

const tomlConfig = `
version = 1
project = "demo"

[profiles.dev]
container = "rust-debian"
env = { RUST_LOG = "info" }

[jobs.default]
profile = "dev"
step_order = ["fmt"]

[jobs.default.steps.fmt]
run = ["cargo", "fmt", "--check"]
`

func TestYAMLAndTOMLDecodeToTheSameDocument(t *testing.T) {
	y, err := ParseConfig([]byte(yamlConfig), FormatYAML)
	require.NoError(t, err)
	tm, err := ParseConfig([]byte(tomlConfig), FormatTOML)
	require.NoError(t, err)

	if diff := cmp.Diff(y, tm); diff != "" {
		t.Fatalf("documents differ (-yaml +toml):\n%s", diff)
	}
	assert.Equal(t, float64(1), y["version"])
}

func TestParseConfigRejectsNonMapping(t *testing.T) {
	_, err := ParseConfig([]byte("- a\n- b\n"), FormatYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapping")
}

func TestParseConfigRejectsEmpty(t *testing.T) {
	_, err := ParseConfig([]byte(""), FormatYAML)
	require.Error(t, err)
}

func TestLoadConfigPicksFormatFromExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "podci.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfig), 0o644))

	doc, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", doc["project"])
}

func TestResolveConfigPathFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "podci.toml"), []byte(tomlConfig), 0o644))

	got := ResolveConfigPath(filepath.Join(dir, "podci.yaml"))
	assert.Equal(t, filepath.Join(dir, "podci.toml"), got)

	missing := filepath.Join(t.TempDir(), "podci.yaml")
	assert.Equal(t, missing, ResolveConfigPath(missing))
}
