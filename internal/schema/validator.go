package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.yaml
var configSchemaYAML []byte

//go:embed manifest.schema.yaml
var manifestSchemaYAML []byte

const (
	configSchemaURL   = "podci://schema/config.json"
	manifestSchemaURL = "podci://schema/manifest.json"
)

// Violation is a single schema failure located by a dotted field path
type Violation struct {
	Path    string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validator handles JSON schema validation
type Validator struct {
	configSchema   *jsonschema.Schema
	manifestSchema *jsonschema.Schema
}

// NewValidator compiles the embedded config and manifest schemas
func NewValidator() (*Validator, error) {
	configSchema, err := compileSchema(configSchemaURL, configSchemaYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to load config schema: %w", err)
	}

	manifestSchema, err := compileSchema(manifestSchemaURL, manifestSchemaYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest schema: %w", err)
	}

	return &Validator{configSchema: configSchema, manifestSchema: manifestSchema}, nil
}

// ValidateConfig validates a parsed config document and returns every
// violation, not just the first
func (v *Validator) ValidateConfig(doc interface{}) ([]Violation, error) {
	return collect(v.configSchema, doc)
}

// ValidateManifest validates a decoded manifest document. Unknown fields are
// allowed so newer writers stay readable.
func (v *Validator) ValidateManifest(doc interface{}) ([]Violation, error) {
	return collect(v.manifestSchema, doc)
}

func collect(s *jsonschema.Schema, doc interface{}) ([]Violation, error) {
	err := s.Validate(doc)
	if err == nil {
		return nil, nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var out []Violation
	seen := make(map[string]bool)
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			v := Violation{Path: pointerToPath(e.InstanceLocation), Message: e.Message}
			if !seen[v.String()] {
				seen[v.String()] = true
				out = append(out, v)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// pointerToPath turns a JSON pointer such as /jobs/ci/steps into jobs.ci.steps
func pointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return "(root)"
	}
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

// compileSchema loads and compiles a schema document (JSON or YAML)
func compileSchema(url string, data []byte) (*jsonschema.Schema, error) {
	// Parse YAML to interface{} (supports both YAML and JSON)
	var schemaData interface{}
	if err := yaml.Unmarshal(data, &schemaData); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}

	// Convert to JSON for schema compiler
	jsonData, err := json.Marshal(schemaData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, bytes.NewReader(jsonData)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return schema, nil
}
