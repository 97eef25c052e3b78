// Package templates holds the embedded image definitions podci builds on demand
// when a profile names a template instead of an explicit image reference.
package templates

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const suffix = ".Containerfile"

//go:embed containerfiles/*.Containerfile
var containerfiles embed.FS

// Definition is one embedded template
type Definition struct {
	Name          string
	Containerfile []byte
	// Digest is the sha256 of Containerfile, so edits to a template change
	// both its image tag and every env_id built on it.
	Digest string
}

// Registry indexes template definitions by name
type Registry struct {
	defs map[string]Definition
}

// Builtin returns the registry of embedded templates.
func Builtin() *Registry {
	reg, err := load(containerfiles)
	if err != nil {
		panic(fmt.Sprintf("templates: embedded definitions are broken: %v", err))
	}
	return reg
}

// NewRegistry builds a registry from explicit definitions.
func NewRegistry(defs ...Definition) *Registry {
	reg := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.Digest == "" {
			d.Digest = digest(d.Containerfile)
		}
		reg.defs[d.Name] = d
	}
	return reg
}

func load(fsys fs.FS) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, "containerfiles")
	if err != nil {
		return nil, err
	}
	var defs []Definition
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join("containerfiles", e.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, Definition{
			Name:          strings.TrimSuffix(e.Name(), suffix),
			Containerfile: data,
		})
	}
	return NewRegistry(defs...), nil
}

// Has reports whether name is a known template.
func (r *Registry) Has(name string) bool {
	_, ok := r.defs[name]
	return ok
}

// Lookup returns the template definition for name.
func (r *Registry) Lookup(name string) (Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown template %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return d, nil
}

// Names lists known templates in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
