// Package output finds a project's build output and copies it into a
// publish location.
package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// Candidates are the conventional build output directories, checked in order.
var Candidates = []string{"dist", "build", "out", filepath.Join(".next", "out"), "public"}

// Fallback is returned by Locate when no candidate exists.
const Fallback = "dist"

// EntryPoint is the HTML file rewritten after staging.
const EntryPoint = "index.html"

// Locate returns the first candidate under root that is a directory, or
// root/Fallback, which may not exist.
func Locate(root string) string {
	for _, name := range Candidates {
		p := filepath.Join(root, name)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
	}
	return filepath.Join(root, Fallback)
}

// Budget caps the amount of data Stage copies. Zero values disable a cap.
type Budget struct {
	MaxFiles int
	MaxBytes int64
}

// Report summarises a staging run.
type Report struct {
	Files           int
	Dirs            int
	Bytes           int64
	SkippedSymlinks int
	Rewritten       int
}

// StagingError reports a copy or rewrite failure.
type StagingError struct {
	Op   string
	Path string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// ErrBudgetExceeded marks an output tree larger than the staging budget.
var ErrBudgetExceeded = errors.New("output exceeds staging budget")

// Stage copies the tree at src into dst, then rewrites root-relative asset
// references in dst/index.html. A failed copy is not rolled back.
func Stage(ctx context.Context, src, dst string, budget Budget) (Report, error) {
	var report Report
	info, err := os.Stat(src)
	if err != nil {
		return report, &StagingError{Op: "open", Path: src, Err: err}
	}
	if !info.IsDir() {
		return report, &StagingError{Op: "open", Path: src, Err: errors.New("not a directory")}
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return report, &StagingError{Op: "mkdir", Path: dst, Err: err}
	}

	c := copier{budget: budget, report: &report}
	if err := c.copyDir(ctx, src, dst); err != nil {
		return report, err
	}

	entry := filepath.Join(dst, EntryPoint)
	changed, err := RewriteFile(entry)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return report, &StagingError{Op: "rewrite", Path: entry, Err: err}
	default:
		report.Rewritten = changed
	}
	return report, nil
}

type copier struct {
	budget Budget
	report *Report
}

// copyDir walks depth first with an explicit stack so deep trees cannot
// exhaust the goroutine stack.
func (c copier) copyDir(ctx context.Context, srcRoot, dstRoot string) error {
	type frame struct{ src, dst string }
	stack := []frame{{srcRoot, dstRoot}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return &StagingError{Op: "copy", Path: srcRoot, Err: err}
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(top.src)
		if err != nil {
			return &StagingError{Op: "read", Path: top.src, Err: err}
		}
		for i := len(entries) - 1; i >= 0; i-- {
			entry := entries[i]
			srcPath := filepath.Join(top.src, entry.Name())
			dstPath := filepath.Join(top.dst, entry.Name())
			mode := entry.Type()
			switch {
			case mode&fs.ModeSymlink != 0:
				c.report.SkippedSymlinks++
			case mode.IsDir():
				if err := os.MkdirAll(dstPath, 0o755); err != nil {
					return &StagingError{Op: "mkdir", Path: dstPath, Err: err}
				}
				c.report.Dirs++
				stack = append(stack, frame{srcPath, dstPath})
			case mode.IsRegular():
				if err := c.copyFile(srcPath, dstPath); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c copier) copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return &StagingError{Op: "stat", Path: src, Err: err}
	}
	if c.budget.MaxFiles > 0 && c.report.Files+1 > c.budget.MaxFiles {
		return &StagingError{Op: "copy", Path: src, Err: fmt.Errorf("%w: more than %d files", ErrBudgetExceeded, c.budget.MaxFiles)}
	}
	if c.budget.MaxBytes > 0 && c.report.Bytes+info.Size() > c.budget.MaxBytes {
		return &StagingError{Op: "copy", Path: src, Err: fmt.Errorf("%w: more than %s", ErrBudgetExceeded, humanize.IBytes(uint64(c.budget.MaxBytes)))}
	}

	in, err := os.Open(src)
	if err != nil {
		return &StagingError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm()|0o644)
	if err != nil {
		return &StagingError{Op: "create", Path: dst, Err: err}
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &StagingError{Op: "copy", Path: src, Err: err}
	}
	c.report.Files++
	c.report.Bytes += n
	return nil
}
