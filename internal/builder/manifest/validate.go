package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Validation messages.
const (
	MsgMissingManifest = "package.json not found in project root"
	MsgMissingBuild    = "no build script found in package.json"
	MsgMissingName     = "no name field in package.json"
)

// Report is the outcome of Validate. Errors lists every problem found, in
// check order.
type Report struct {
	Valid     bool
	Errors    []string
	Framework string
	Manifest  *Manifest
}

// Err returns a ValidationError for invalid reports and nil otherwise.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Errors: append([]string(nil), r.Errors...)}
}

// ValidationError carries the full list of manifest defects.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "project validation failed: " + strings.Join(e.Errors, "; ")
}

// Validate checks that root holds a buildable project. It never stops at the
// first failed check.
func Validate(root string) Report {
	report := Report{Framework: DetectFramework(root)}

	m, err := Load(root)
	switch {
	case errors.Is(err, ErrNotFound):
		report.Errors = append(report.Errors, MsgMissingManifest)
	case err != nil:
		var syntaxErr *SyntaxError
		if errors.As(err, &syntaxErr) {
			report.Errors = append(report.Errors, syntaxErr.Error())
		} else {
			report.Errors = append(report.Errors, "unable to read package.json: "+err.Error())
		}
	default:
		report.Manifest = m
		if m.Script(BuildScript) == "" {
			report.Errors = append(report.Errors, MsgMissingBuild)
		}
		if strings.TrimSpace(m.Name) == "" {
			report.Errors = append(report.Errors, MsgMissingName)
		}
		if report.Framework == "" {
			report.Framework = frameworkFromDependencies(m)
		}
	}

	report.Valid = len(report.Errors) == 0
	return report
}

type frameworkMarker struct {
	files     []string
	framework string
}

var frameworkMarkers = []frameworkMarker{
	{files: []string{"vite.config.js", "vite.config.ts", "vite.config.mjs"}, framework: "vite"},
	{files: []string{"webpack.config.js", "webpack.config.ts"}, framework: "webpack"},
	{files: []string{"next.config.js", "next.config.ts", "next.config.mjs"}, framework: "next"},
	{files: []string{"vue.config.js", "vue.config.ts"}, framework: "vue"},
	{files: []string{"angular.json"}, framework: "angular"},
	{files: []string{"svelte.config.js"}, framework: "svelte"},
}

// DetectFramework looks for well-known framework configuration files and
// returns the first match, or "" when none is present.
func DetectFramework(root string) string {
	for _, marker := range frameworkMarkers {
		for _, name := range marker.files {
			if fileExists(filepath.Join(root, name)) {
				return marker.framework
			}
		}
	}
	return ""
}

var dependencyFrameworks = []struct {
	dependency string
	framework  string
}{
	{"next", "next"},
	{"vite", "vite"},
	{"@angular/core", "angular"},
	{"@sveltejs/kit", "svelte"},
	{"react-scripts", "create-react-app"},
	{"webpack", "webpack"},
}

func frameworkFromDependencies(m *Manifest) string {
	for _, candidate := range dependencyFrameworks {
		if m.HasDependency(candidate.dependency) {
			return candidate.framework
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
