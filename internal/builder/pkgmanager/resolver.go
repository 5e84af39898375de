// Package pkgmanager picks the install/build tooling for a project from its
// lock files.
package pkgmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Name identifies a JavaScript package manager.
type Name string

const (
	Bun  Name = "bun"
	PNPM Name = "pnpm"
	Yarn Name = "yarn"
	NPM  Name = "npm"
)

func (n Name) String() string {
	if n == "" {
		return string(NPM)
	}
	return string(n)
}

// Profile is the resolved tooling for one deployment attempt.
type Profile struct {
	Name        Name
	Command     string
	InstallArgs []string
	BuildArgs   []string
	// LockFile is the evidence that selected this profile, empty when the
	// default manager was used.
	LockFile string
}

// InstallCommandLine renders the install invocation for logs.
func (p Profile) InstallCommandLine() string {
	return strings.Join(append([]string{p.Command}, p.InstallArgs...), " ")
}

// BuildCommandLine renders the build invocation for logs.
func (p Profile) BuildCommandLine() string {
	return strings.Join(append([]string{p.Command}, p.BuildArgs...), " ")
}

type lockRule struct {
	file    string
	profile Profile
}

// lockRules is checked top to bottom; the first existing lock file wins.
var lockRules = []lockRule{
	{file: "bun.lockb", profile: bunProfile()},
	{file: "bun.lock", profile: bunProfile()},
	{file: "pnpm-lock.yaml", profile: Profile{Name: PNPM, Command: "pnpm", InstallArgs: []string{"install"}, BuildArgs: []string{"run", "build"}}},
	{file: "yarn.lock", profile: Profile{Name: Yarn, Command: "yarn", InstallArgs: []string{"install"}, BuildArgs: []string{"build"}}},
	{file: "package-lock.json", profile: defaultProfile()},
}

func bunProfile() Profile {
	return Profile{Name: Bun, Command: "bun", InstallArgs: []string{"install"}, BuildArgs: []string{"run", "build"}}
}

func defaultProfile() Profile {
	return Profile{Name: NPM, Command: "npm", InstallArgs: []string{"install"}, BuildArgs: []string{"run", "build"}}
}

// LockFiles returns the recognised lock file names in priority order.
func LockFiles() []string {
	out := make([]string, 0, len(lockRules))
	for _, rule := range lockRules {
		out = append(out, rule.file)
	}
	return out
}

// ResolutionError reports that no usable package manager could be chosen.
type ResolutionError struct {
	Manager Name
	Err     error
}

func (e *ResolutionError) Error() string {
	if e.Manager != "" {
		return fmt.Sprintf("resolve package manager %s: %v", e.Manager, e.Err)
	}
	return fmt.Sprintf("resolve package manager: %v", e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

var (
	// ErrNoManifest is returned when a project has neither a lock file nor a manifest.
	ErrNoManifest = errors.New("no package.json found in project directory")
	// ErrUnavailable marks a package manager that cannot be run on this host.
	ErrUnavailable = errors.New("package manager is not available")
)

// Resolve inspects root for lock files and returns the matching profile.
// Without a lock file a project that has package.json falls back to npm.
func Resolve(root string) (Profile, error) {
	for _, rule := range lockRules {
		if fileExists(filepath.Join(root, rule.file)) {
			profile := rule.profile
			profile.InstallArgs = append([]string(nil), profile.InstallArgs...)
			profile.BuildArgs = append([]string(nil), profile.BuildArgs...)
			profile.LockFile = rule.file
			return profile, nil
		}
	}
	if fileExists(filepath.Join(root, "package.json")) {
		return defaultProfile(), nil
	}
	return Profile{}, &ResolutionError{Err: ErrNoManifest}
}

// DefaultProbeTimeout bounds Available when no timeout is given.
const DefaultProbeTimeout = 10 * time.Second

// Available runs "<command> --version" and reports whether it exits
// successfully within timeout.
func Available(ctx context.Context, profile Profile, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, profile.Command, "--version")
	cmd.Stdin = nil
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if probeCtx.Err() != nil {
		err = fmt.Errorf("%w: version probe timed out after %s", ErrUnavailable, timeout)
	} else {
		detail := strings.TrimSpace(string(out))
		if detail != "" {
			err = fmt.Errorf("%w: %v: %s", ErrUnavailable, err, detail)
		} else {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return &ResolutionError{Manager: profile.Name, Err: err}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
