package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidID is returned for identifiers that are empty or contain path
// separators.
var ErrInvalidID = errors.New("workspace: invalid identifier")

// Manager owns deployment-specific working directories under a common root.
type Manager struct {
	root string
}

// Workspace is the set of directories one deployment may write to.
type Workspace struct {
	ID  string
	Dir string
	// Source is where the uploaded archive is extracted.
	Source string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates a fresh directory for the identifier, removing leftovers
// from an earlier attempt with the same id.
func (m *Manager) Prepare(id string) (Workspace, error) {
	if err := checkID(id); err != nil {
		return Workspace{}, err
	}
	dir := filepath.Join(m.root, id)
	if err := os.RemoveAll(dir); err != nil {
		return Workspace{}, fmt.Errorf("cleanup workspace: %w", err)
	}
	ws := Workspace{ID: id, Dir: dir, Source: filepath.Join(dir, "src")}
	if err := os.MkdirAll(ws.Source, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	return ws, nil
}

// Cleanup removes a directory inside the workspace root.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if !m.contains(path) {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return m.Cleanup(filepath.Join(m.root, id))
}

// Prune removes workspaces last modified before cutoff, skipping ids for
// which keep returns true. It returns the removed ids.
func (m *Manager) Prune(cutoff time.Time, keep func(id string) bool) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	var removed []string
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if keep != nil && keep(id) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := m.CleanupByID(id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, id)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == "." || rel == "" || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
