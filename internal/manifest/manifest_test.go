package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/podci/internal/model"
	"github.com/sourceplane/podci/internal/schema"
)

func ptr[T any](v T) *T { return &v }

func newStore(t *testing.T) *Store {
	t.Helper()
	v, err := schema.NewValidator()
	require.NoError(t, err)
	return NewStore(t.TempDir(), v)
}

func sampleManifest(runID string) *model.Manifest {
	rec := NewRecorder(runID, model.Manifest{
		PodciVersion:          "0.1.0",
		TimestampUTC:          "2026-01-02T03:04:05Z",
		Project:               "demo",
		Job:                   "default",
		Profile:               "dev",
		Namespace:             "ns",
		EnvID:                 "env",
		BaseImage:             "localhost/podci-rust-debian:v0.1.0-abc",
		BaseImageDigest:       ptr("sha256:feed"),
		BaseImageDigestStatus: model.DigestPresent,
	})
	_ = rec.Append(model.StepResult{
		Name:       "fmt",
		Argv:       []string{"cargo", "fmt"},
		Status:     model.StepSucceeded,
		DurationMS: ptr(int64(1200)),
		ExitCode:   ptr(0),
		StdoutPath: ptr("logs/fmt.stdout"),
		StderrPath: ptr("logs/fmt.stderr"),
	})
	_ = rec.Append(model.StepResult{Name: "test", Argv: []string{"cargo", "test"}, Status: model.StepFailed, Failure: model.FailureExit, ExitCode: ptr(101)})
	m, _ := rec.Finalize(model.ManifestResult{OK: false, ExitCode: 101, Error: ptr("step 'test' failed")})
	return m
}

func TestNewRunIDFormat(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	id := NewRunID(now)

	assert.Regexp(t, `^20260102T020405Z-[0-9a-f]{10}$`, id)
	assert.NoError(t, ValidateRunID(id))
	assert.NotEqual(t, id, NewRunID(now))
}

func TestValidateRunIDRejectsTraversal(t *testing.T) {
	assert.Error(t, ValidateRunID("../../etc"))
	assert.Error(t, ValidateRunID(""))
	assert.Error(t, ValidateRunID("20260102T020405Z-ABCDEF0123"))
}

func TestRecorderIsAppendOnly(t *testing.T) {
	rec := NewRecorder("20260102T030405Z-0123456789", model.Manifest{})
	require.NoError(t, rec.Append(model.StepResult{Name: "a"}))

	m, err := rec.Finalize(model.ManifestResult{OK: true})
	require.NoError(t, err)
	assert.Equal(t, model.ManifestSchemaV1, m.Schema)
	assert.Equal(t, model.DigestUnavailable, m.BaseImageDigestStatus)
	assert.Equal(t, []string{}, m.Steps[0].Argv)

	assert.ErrorIs(t, rec.Append(model.StepResult{Name: "b"}), ErrFinalized)
	_, err = rec.Finalize(model.ManifestResult{})
	assert.ErrorIs(t, err, ErrFinalized)
	assert.Len(t, m.Steps, 1)
}

func TestStoreWriteThenReadRoundTrip(t *testing.T) {
	s := newStore(t)
	m := sampleManifest("20260102T030405Z-0123456789")

	archive, err := s.Write(m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.RunDir(m.RunID), "manifest.json"), archive)

	archived, err := os.ReadFile(archive)
	require.NoError(t, err)
	latest, err := os.ReadFile(s.LatestPath())
	require.NoError(t, err)
	assert.Equal(t, archived, latest, "archive and latest must be byte-identical")

	got, _, err := s.Read(m.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}

	latestM, _, err := s.Read("")
	require.NoError(t, err)
	assert.Equal(t, m.RunID, latestM.RunID)

	entries, err := os.ReadDir(filepath.Dir(archive))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.", "temp files must not be left behind")
	}
}

func TestStoreReadIgnoresUnknownFields(t *testing.T) {
	s := newStore(t)
	runID := "20260102T030405Z-0123456789"
	dir := s.RunDir(runID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(`{
  "schema": "podci-manifest.v1",
  "run_id": "20260102T030405Z-0123456789",
  "podci_version": "9.9.9",
  "timestamp_utc": "2026-01-02T03:04:05Z",
  "project": "demo", "job": "default", "profile": "dev",
  "namespace": "ns", "env_id": "env",
  "base_image_digest": null,
  "base_image_digest_status": "unavailable",
  "added_in_future": [1, 2, 3],
  "steps": [{"name": "fmt", "argv": ["cargo", "fmt"], "duration_ms": 5, "exit_code": 0, "stdout_path": null, "stderr_path": null, "retries": 2}],
  "result": {"ok": true, "exit_code": 0, "error": null}
}`), 0o644))

	m, _, err := s.Read(runID)
	require.NoError(t, err)
	assert.Equal(t, "9.9.9", m.PodciVersion)
	assert.Nil(t, m.BaseImageDigest)
	require.Len(t, m.Steps, 1)
	assert.Equal(t, int64(5), *m.Steps[0].DurationMS)
}

func TestStoreReadRejectsInvalidManifest(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.LatestPath()), 0o755))
	require.NoError(t, os.WriteFile(s.LatestPath(), []byte(`{"schema": "something-else"}`), 0o644))

	_, _, err := s.Read("latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
}

func TestStoreReadMissing(t *testing.T) {
	s := newStore(t)
	_, _, err := s.Read("")
	assert.ErrorIs(t, err, ErrNoManifest)

	_, _, err = s.Read("not-a-run")
	assert.Error(t, err)
}

func TestResolveDirs(t *testing.T) {
	env := map[string]string{"XDG_STATE_HOME": "/xdg/state", "XDG_CACHE_HOME": "relative/cache"}
	dirs, err := ResolveDirs(func(k string) string { return env[k] }, "/home/dev")
	require.NoError(t, err)
	assert.Equal(t, Dirs{State: "/xdg/state/podci", Cache: "/home/dev/.cache/podci"}, dirs)

	dirs, err = ResolveDirs(func(string) string { return "" }, "/home/dev")
	require.NoError(t, err)
	assert.Equal(t, "/home/dev/.local/state/podci", dirs.State)

	_, err = ResolveDirs(func(string) string { return "" }, "")
	assert.Error(t, err)
}
