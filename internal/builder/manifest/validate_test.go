package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name       string
		manifest   *string
		wantValid  bool
		wantErrors []string
	}{
		{
			name:       "missing manifest",
			wantErrors: []string{MsgMissingManifest},
		},
		{
			name:      "valid",
			manifest:  ptr(`{"name":"site","scripts":{"build":"vite build"}}`),
			wantValid: true,
		},
		{
			name:       "missing build and name reports both",
			manifest:   ptr(`{"scripts":{"dev":"vite"}}`),
			wantErrors: []string{MsgMissingBuild, MsgMissingName},
		},
		{
			name:       "blank build script",
			manifest:   ptr(`{"name":"site","scripts":{"build":"   "}}`),
			wantErrors: []string{MsgMissingBuild},
		},
		{
			name:       "array document",
			manifest:   ptr(`["not", "an", "object"]`),
			wantErrors: []string{"invalid package.json: expected a JSON object"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			if tc.manifest != nil {
				writeFile(t, filepath.Join(root, FileName), *tc.manifest)
			}
			report := Validate(root)
			if report.Valid != tc.wantValid {
				t.Fatalf("valid = %v, want %v (errors %v)", report.Valid, tc.wantValid, report.Errors)
			}
			if len(report.Errors) != len(tc.wantErrors) {
				t.Fatalf("errors = %v, want %v", report.Errors, tc.wantErrors)
			}
			for i := range tc.wantErrors {
				if report.Errors[i] != tc.wantErrors[i] {
					t.Fatalf("error[%d] = %q, want %q", i, report.Errors[i], tc.wantErrors[i])
				}
			}
		})
	}
}

func TestValidateMalformedJSON(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), `{"name": "site",`)

	report := Validate(root)
	if report.Valid {
		t.Fatal("expected invalid report")
	}
	if len(report.Errors) != 1 || !strings.HasPrefix(report.Errors[0], "invalid package.json:") {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	var validationErr *ValidationError
	if !errors.As(report.Err(), &validationErr) {
		t.Fatalf("expected ValidationError, got %T", report.Err())
	}
}

func TestFrameworkDetectionIsInformational(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "vite.config.ts"), "export default {}")

	report := Validate(root)
	if report.Framework != "vite" {
		t.Fatalf("framework = %q, want vite", report.Framework)
	}
	if report.Valid {
		t.Fatal("framework detection must not make a project valid")
	}
	if report.Err() == nil {
		t.Fatal("expected error for invalid report")
	}
}

func TestFrameworkFromDependencies(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), `{"name":"app","scripts":{"build":"next build"},"dependencies":{"Next":"14.0.0"}}`)

	report := Validate(root)
	if !report.Valid {
		t.Fatalf("expected valid, got %v", report.Errors)
	}
	if report.Framework != "next" {
		t.Fatalf("framework = %q, want next", report.Framework)
	}
	if report.Err() != nil {
		t.Fatalf("unexpected error: %v", report.Err())
	}
}

func TestDetectFrameworkOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "angular.json"), "{}")
	writeFile(t, filepath.Join(root, "webpack.config.js"), "")

	if got := DetectFramework(root); got != "webpack" {
		t.Fatalf("framework = %q, want webpack", got)
	}
}

func ptr(s string) *string { return &s }
