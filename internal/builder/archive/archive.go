// Package archive unpacks uploaded project archives into a workspace.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dustin/go-humanize"
)

// ManifestFile is the project manifest looked up inside a wrapper directory.
const ManifestFile = "package.json"

const macOSMetadataDir = "__MACOSX"

// Limits bounds the work an extraction may perform. Zero values disable a limit.
type Limits struct {
	MaxEntries int
	MaxBytes   int64
}

// Result describes an extracted archive.
type Result struct {
	// Root is the effective project root. It is the single wrapper directory
	// when the archive has one that holds a manifest, else the destination.
	Root  string
	Dest  string
	Files int
	Bytes int64
}

// ExtractionError reports an archive that could not be unpacked safely.
type ExtractionError struct {
	Archive string
	Entry   string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("extract %s: entry %q: %v", filepath.Base(e.Archive), e.Entry, e.Err)
	}
	return fmt.Sprintf("extract %s: %v", filepath.Base(e.Archive), e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

var (
	// ErrUnsafePath marks entries that would escape the destination.
	ErrUnsafePath = errors.New("unsafe path in archive")
	// ErrTooManyEntries marks archives exceeding Limits.MaxEntries.
	ErrTooManyEntries = errors.New("archive has too many entries")
	// ErrTooLarge marks archives exceeding Limits.MaxBytes once decompressed.
	ErrTooLarge = errors.New("archive expands beyond size limit")
)

// Extract unpacks the zip archive at archivePath into dest.
func Extract(ctx context.Context, archivePath, dest string, limits Limits) (Result, error) {
	fail := func(entry string, err error) (Result, error) {
		return Result{}, &ExtractionError{Archive: archivePath, Entry: entry, Err: err}
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fail("", err)
	}
	defer reader.Close()

	if limits.MaxEntries > 0 && len(reader.File) > limits.MaxEntries {
		return fail("", fmt.Errorf("%w: %d > %d", ErrTooManyEntries, len(reader.File), limits.MaxEntries))
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fail("", err)
	}

	entries := make([]*zip.File, 0, len(reader.File))
	for _, f := range reader.File {
		name, err := cleanEntryName(f.Name)
		if err != nil {
			return fail(f.Name, err)
		}
		if name == "" || isMetadata(name) {
			continue
		}
		entries = append(entries, f)
	}

	res := Result{Root: dest, Dest: dest}
	for _, f := range entries {
		if err := ctx.Err(); err != nil {
			return fail("", err)
		}
		name, _ := cleanEntryName(f.Name)
		target, err := securejoin.SecureJoin(dest, name)
		if err != nil {
			return fail(f.Name, err)
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fail(f.Name, err)
			}
			continue
		case mode&os.ModeSymlink != 0, !mode.IsRegular():
			continue
		}

		budget := int64(-1)
		if limits.MaxBytes > 0 {
			budget = limits.MaxBytes - res.Bytes
		}
		n, err := writeEntry(f, target, budget)
		if err != nil {
			if errors.Is(err, ErrTooLarge) {
				err = fmt.Errorf("%w (%s)", ErrTooLarge, humanize.IBytes(uint64(limits.MaxBytes)))
			}
			return fail(f.Name, err)
		}
		res.Files++
		res.Bytes += n
	}

	if wrapper, ok := singleTopLevelDir(entries); ok {
		candidate := filepath.Join(dest, wrapper)
		if fileExists(filepath.Join(candidate, ManifestFile)) {
			res.Root = candidate
		}
	}
	return res, nil
}

func writeEntry(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	src, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	perm := f.Mode().Perm() | 0o600
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return 0, err
	}

	var r io.Reader = src
	if budget >= 0 {
		r = io.LimitReader(src, budget+1)
	}
	n, copyErr := io.Copy(dst, r)
	closeErr := dst.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if budget >= 0 && n > budget {
		return n, ErrTooLarge
	}
	return n, closeErr
}

// cleanEntryName normalises a zip entry name to a slash-separated relative
// path. Absolute names and names with parent segments are rejected.
func cleanEntryName(raw string) (string, error) {
	name := strings.ReplaceAll(raw, "\\", "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(raw) || hasVolume(name) {
		return "", ErrUnsafePath
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", ErrUnsafePath
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

func hasVolume(name string) bool {
	return len(name) >= 2 && name[1] == ':'
}

func isMetadata(name string) bool {
	first, _, _ := strings.Cut(name, "/")
	return first == macOSMetadataDir || path.Base(name) == ".DS_Store"
}

// singleTopLevelDir returns the shared first path segment when every entry
// lives under one directory.
func singleTopLevelDir(entries []*zip.File) (string, bool) {
	var top string
	for _, f := range entries {
		name, _ := cleanEntryName(f.Name)
		first, _, nested := strings.Cut(name, "/")
		if !nested && !f.Mode().IsDir() {
			return "", false
		}
		if top == "" {
			top = first
			continue
		}
		if first != top {
			return "", false
		}
	}
	return top, top != ""
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
