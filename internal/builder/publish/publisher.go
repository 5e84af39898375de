// Package publish moves staged build output into the directory tree that is
// served to visitors.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/localvercel/internal/builder/output"
)

const (
	sitesDir    = "sites"
	projectsDir = "projects"
)

// Publisher owns the publish root:
//
//	<root>/sites/<deploymentID>/   one immutable tree per successful deployment
//	<root>/projects/<projectID>    symlink to the project's latest tree
type Publisher struct {
	root   string
	locker Locker
	budget output.Budget
	logger *slog.Logger
}

// Result describes a published deployment.
type Result struct {
	Dir    string
	Report output.Report
}

// NewPublisher prepares the publish root.
func NewPublisher(root string, locker Locker, budget output.Budget, logger *slog.Logger) (*Publisher, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("publish root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{sitesDir, projectsDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create publish dir: %w", err)
		}
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{root: abs, locker: locker, budget: budget, logger: logger}, nil
}

// Root returns the absolute publish root.
func (p *Publisher) Root() string { return p.root }

// SitesRoot is the directory holding one tree per deployment.
func (p *Publisher) SitesRoot() string { return filepath.Join(p.root, sitesDir) }

// ProjectsRoot is the directory holding per-project aliases.
func (p *Publisher) ProjectsRoot() string { return filepath.Join(p.root, projectsDir) }

// SiteDir returns the published tree for a deployment.
func (p *Publisher) SiteDir(deploymentID string) string {
	return filepath.Join(p.SitesRoot(), deploymentID)
}

// Publish stages outputDir under a temporary name, renames it into place and
// points the project alias at it. The whole step holds the project lock, so
// concurrent deployments of one project publish one after another and a
// half-copied tree is never visible.
func (p *Publisher) Publish(ctx context.Context, projectID, deploymentID, outputDir string) (Result, error) {
	if err := checkName(projectID); err != nil {
		return Result{}, err
	}
	if err := checkName(deploymentID); err != nil {
		return Result{}, err
	}

	unlock, err := p.locker.Lock(ctx, projectID)
	if err != nil {
		return Result{}, &output.StagingError{Op: "lock", Path: projectID, Err: err}
	}
	defer unlock()

	staging := filepath.Join(p.root, ".staging-"+deploymentID)
	if err := os.RemoveAll(staging); err != nil {
		return Result{}, &output.StagingError{Op: "clean", Path: staging, Err: err}
	}
	report, err := output.Stage(ctx, outputDir, staging, p.budget)
	if err != nil {
		p.discard(staging)
		return Result{Report: report}, err
	}

	final := p.SiteDir(deploymentID)
	if err := os.RemoveAll(final); err != nil {
		p.discard(staging)
		return Result{Report: report}, &output.StagingError{Op: "clean", Path: final, Err: err}
	}
	if err := os.Rename(staging, final); err != nil {
		p.discard(staging)
		return Result{Report: report}, &output.StagingError{Op: "rename", Path: final, Err: err}
	}
	if err := p.pointAlias(projectID, deploymentID); err != nil {
		return Result{Dir: final, Report: report}, &output.StagingError{Op: "alias", Path: projectID, Err: err}
	}

	p.logger.Info("deployment published",
		"project_id", projectID,
		"deployment_id", deploymentID,
		"files", report.Files,
		"bytes", report.Bytes,
		"skipped_symlinks", report.SkippedSymlinks,
	)
	return Result{Dir: final, Report: report}, nil
}

// Unpublish removes deployment trees and the project alias.
func (p *Publisher) Unpublish(ctx context.Context, projectID string, deploymentIDs []string) error {
	if err := checkName(projectID); err != nil {
		return err
	}
	unlock, err := p.locker.Lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	var errs []error
	if err := os.Remove(filepath.Join(p.ProjectsRoot(), projectID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	for _, id := range deploymentIDs {
		if checkName(id) != nil {
			continue
		}
		if err := os.RemoveAll(p.SiteDir(id)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pointAlias swaps the project symlink by renaming a fresh link over it.
func (p *Publisher) pointAlias(projectID, deploymentID string) error {
	link := filepath.Join(p.ProjectsRoot(), projectID)
	tmp := link + ".tmp-" + deploymentID
	_ = os.Remove(tmp)
	target := filepath.Join("..", sitesDir, deploymentID)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (p *Publisher) discard(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Warn("failed to remove staging dir", "dir", dir, "error", err)
	}
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("publish: invalid identifier %q", name)
	}
	return nil
}
