package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourceplane/podci/internal/model"
	"github.com/sourceplane/podci/internal/schema"
)

const fileName = "manifest.json"

// ErrNoManifest is returned when the requested manifest does not exist
var ErrNoManifest = errors.New("no manifest found")

// Store persists manifests under the state directory:
//
//	<state>/runs/<run_id>/manifest.json   archive copy
//	<state>/runs/<run_id>/logs/           per-step logs
//	<state>/manifest.json                 latest run
type Store struct {
	stateDir  string
	validator *schema.Validator
}

// NewStore returns a store rooted at stateDir. A nil validator skips
// schema checks on Read.
func NewStore(stateDir string, validator *schema.Validator) *Store {
	return &Store{stateDir: stateDir, validator: validator}
}

// RunDir is the directory holding one run's manifest and logs.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.stateDir, "runs", runID)
}

// LogsDir is where step logs for runID go.
func (s *Store) LogsDir(runID string) string {
	return filepath.Join(s.RunDir(runID), "logs")
}

// LatestPath is the latest-run pointer.
func (s *Store) LatestPath() string {
	return filepath.Join(s.stateDir, fileName)
}

// Write persists m to its archive location and then to the latest pointer.
// Both files receive identical bytes and are replaced atomically.
func (s *Store) Write(m *model.Manifest) (string, error) {
	if m == nil {
		return "", fmt.Errorf("manifest cannot be nil")
	}
	if err := ValidateRunID(m.RunID); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	data = append(data, '\n')

	archive := filepath.Join(s.RunDir(m.RunID), fileName)
	if err := os.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := writeFileAtomic(archive, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := writeFileAtomic(s.LatestPath(), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to update latest manifest: %w", err)
	}
	return archive, nil
}

// Read loads the manifest for runID, or the latest one when runID is empty
// or "latest". Unknown fields are ignored.
func (s *Store) Read(runID string) (*model.Manifest, string, error) {
	path := s.LatestPath()
	if runID != "" && runID != "latest" {
		if err := ValidateRunID(runID); err != nil {
			return nil, "", err
		}
		path = filepath.Join(s.RunDir(runID), fileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, path, fmt.Errorf("%w at %s", ErrNoManifest, path)
		}
		return nil, path, fmt.Errorf("failed to read manifest: %w", err)
	}

	if s.validator != nil {
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, path, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
		violations, err := s.validator.ValidateManifest(doc)
		if err != nil {
			return nil, path, err
		}
		if len(violations) > 0 {
			msgs := make([]string, 0, len(violations))
			for _, v := range violations {
				msgs = append(msgs, v.String())
			}
			return nil, path, fmt.Errorf("manifest %s is invalid: %s", path, strings.Join(msgs, "; "))
		}
	}

	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, path, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, path, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
