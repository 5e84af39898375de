package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPrepareCreatesFreshSourceDir(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ws, err := m.Prepare("dep-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	stale := filepath.Join(ws.Source, "stale.txt")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	again, err := m.Prepare("dep-1")
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if again.Dir != ws.Dir {
		t.Fatalf("dir changed: %s vs %s", again.Dir, ws.Dir)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected stale file removed, got %v", err)
	}
}

func TestPrepareRejectsBadIDs(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"", ".", "..", "../x", "a/b"} {
		if _, err := m.Prepare(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Prepare(%q) err = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	root := t.TempDir()
	m, err := New(filepath.Join(root, "work"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outside := filepath.Join(root, "keep")
	if err := os.MkdirAll(outside, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := m.Cleanup(outside); err == nil {
		t.Fatal("expected refusal for path outside root")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatal("expected refusal for the root itself")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside dir removed: %v", err)
	}
}

func TestPrune(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"old", "active", "fresh"} {
		if _, err := m.Prepare(id); err != nil {
			t.Fatalf("prepare %s: %v", id, err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	for _, id := range []string{"old", "active"} {
		if err := os.Chtimes(filepath.Join(m.Root(), id), past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed, err := m.Prune(time.Now().Add(-time.Hour), func(id string) bool { return id == "active" })
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != "old" {
		t.Fatalf("removed = %v, want [old]", removed)
	}
	for id, want := range map[string]bool{"old": false, "active": true, "fresh": true} {
		_, err := os.Stat(filepath.Join(m.Root(), id))
		if exists := err == nil; exists != want {
			t.Fatalf("%s exists = %v, want %v", id, exists, want)
		}
	}
}
