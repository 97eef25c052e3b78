package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sourceplane/podci/internal/model"
)

// Renderer turns manifests into bytes for `podci manifest show`
type Renderer struct{}

// NewRenderer creates a new renderer
func NewRenderer() *Renderer {
	return &Renderer{}
}

// RenderJSON renders the manifest exactly as it is stored on disk
func (r *Renderer) RenderJSON(m *model.Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RenderYAML renders the manifest as YAML
func (r *Renderer) RenderYAML(m *model.Manifest) ([]byte, error) {
	return yaml.Marshal(m)
}

// Render picks the encoding by format name ("json", "yaml", "text").
func (r *Renderer) Render(m *model.Manifest, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return r.RenderJSON(m)
	case "yaml", "yml":
		return r.RenderYAML(m)
	case "text":
		return []byte(NewRunViewer(m).ViewSteps()), nil
	default:
		return nil, fmt.Errorf("unsupported format %q (use json, yaml or text)", format)
	}
}
