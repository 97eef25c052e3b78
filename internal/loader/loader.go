package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultConfigNames are probed in order when no explicit config path exists
var DefaultConfigNames = []string{"podci.yaml", "podci.yml", "podci.toml"}

// Document is a parsed configuration file in JSON value shape
// (map[string]interface{}, []interface{}, string, float64, bool).
type Document map[string]interface{}

// ResolveConfigPath returns path if it exists, otherwise the first default
// config file found next to it. The original path is returned when nothing
// matches so the read error names what the user asked for.
func ResolveConfigPath(path string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	dir := filepath.Dir(path)
	for _, name := range DefaultConfigNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return path
}

// LoadConfig loads and parses a podci config file (YAML or TOML)
func LoadConfig(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data, formatFor(path))
}

// Format is the on-disk config syntax
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

// ParseConfig decodes raw config bytes of the given format
func ParseConfig(data []byte, format Format) (Document, error) {
	var raw interface{}
	switch format {
	case FormatTOML:
		var m map[string]interface{}
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		raw = m
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if raw == nil {
		return nil, errors.New("config file is empty")
	}

	// Round-trip through JSON so YAML and TOML decode to the same value shapes
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize config: %w", err)
	}

	var doc interface{}
	if err := json.NewDecoder(bytes.NewReader(jsonData)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to normalize config: %w", err)
	}

	m, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("config must be a mapping at the top level, got %T", doc)
	}
	return Document(m), nil
}
