// Package manifest loads and validates a project's package.json.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the manifest file expected at the project root.
const FileName = "package.json"

// BuildScript is the script the pipeline runs.
const BuildScript = "build"

// Manifest is the subset of package.json the pipeline cares about.
type Manifest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
}

// ErrNotFound is returned by Load when the project has no manifest.
var ErrNotFound = errors.New("package.json not found in project root")

// SyntaxError wraps a manifest that is not a JSON object.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string { return "invalid package.json: " + e.Err.Error() }

func (e *SyntaxError) Unwrap() error { return e.Err }

// Load reads and parses root/package.json.
func Load(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes manifest bytes. The document must be a JSON object.
func Parse(data []byte) (*Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &SyntaxError{Err: errors.New("expected a JSON object")}
	}
	var m Manifest
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, &SyntaxError{Err: err}
	}
	if m.Scripts == nil {
		m.Scripts = map[string]string{}
	}
	if m.Dependencies == nil {
		m.Dependencies = map[string]string{}
	}
	if m.DevDependencies == nil {
		m.DevDependencies = map[string]string{}
	}
	return &m, nil
}

// HasDependency reports whether name is a runtime or dev dependency.
func (m *Manifest) HasDependency(name string) bool {
	if m == nil {
		return false
	}
	target := strings.TrimSpace(name)
	if target == "" {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	return false
}

// Script returns the trimmed command for a script name.
func (m *Manifest) Script(name string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m.Scripts[name])
}

func (m *Manifest) String() string {
	if m == nil {
		return "<nil manifest>"
	}
	return fmt.Sprintf("%s@%s", m.Name, m.Version)
}
