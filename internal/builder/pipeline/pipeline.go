// Package pipeline runs the build stages for one deployment in order:
// extract, validate, resolve, install, build, stage.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/localvercel/internal/builder/archive"
	"github.com/splax/localvercel/internal/builder/executor"
	"github.com/splax/localvercel/internal/builder/manifest"
	"github.com/splax/localvercel/internal/builder/output"
	"github.com/splax/localvercel/internal/builder/pkgmanager"
	"github.com/splax/localvercel/internal/builder/publish"
	"github.com/splax/localvercel/internal/builder/workspace"
)

// Stage names a pipeline step.
type Stage string

const (
	StageExtract  Stage = "extract"
	StageValidate Stage = "validate"
	StageResolve  Stage = "resolve"
	StageInstall  Stage = "install"
	StageBuild    Stage = "build"
	StageStage    Stage = "stage"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageExtract, StageValidate, StageResolve, StageInstall, StageBuild, StageStage}

// StageError records which stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Executor runs install and build commands.
type Executor interface {
	Install(ctx context.Context, root string, profile pkgmanager.Profile, sink executor.LineSink) executor.Result
	Build(ctx context.Context, root string, profile pkgmanager.Profile, sink executor.LineSink) executor.Result
}

// Publisher moves a build output directory into the served tree.
type Publisher interface {
	Publish(ctx context.Context, projectID, deploymentID, outputDir string) (publish.Result, error)
}

// ProbeFunc checks that a package manager can run on this host.
type ProbeFunc func(ctx context.Context, profile pkgmanager.Profile, timeout time.Duration) error

// Config tunes a Runner.
type Config struct {
	ArchiveLimits archive.Limits
	ProbeTimeout  time.Duration
}

// Job identifies one deployment attempt.
type Job struct {
	DeploymentID string
	ProjectID    string
	ArchivePath  string
	Workspace    workspace.Workspace
}

// Hooks lets callers observe progress. All fields are optional.
type Hooks struct {
	// StageStarted fires before each stage runs.
	StageStarted func(stage Stage)
	// StageFinished fires after each stage that ran, with its error if any.
	StageFinished func(stage Stage, elapsed time.Duration, err error)
	// Line receives install and build output as it is produced.
	Line executor.LineSink
}

// Result collects what the pipeline learned, including on failure.
type Result struct {
	Root           string
	Framework      string
	PackageManager pkgmanager.Name
	OutputDir      string
	SiteDir        string
	Log            string
}

// Runner drives the stages for a job.
type Runner struct {
	exec      Executor
	publisher Publisher
	probe     ProbeFunc
	cfg       Config
	logger    *slog.Logger
}

// Option customises a Runner.
type Option func(*Runner)

// WithProbe replaces the package manager availability check.
func WithProbe(fn ProbeFunc) Option {
	return func(r *Runner) { r.probe = fn }
}

// New constructs a Runner.
func New(exec Executor, publisher Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runner{
		exec:      exec,
		publisher: publisher,
		probe:     pkgmanager.Available,
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every stage in order and stops at the first failure, which
// is returned as a *StageError. Result is filled in as far as the run got.
func (r *Runner) Run(ctx context.Context, job Job, hooks Hooks) (Result, error) {
	var (
		res     Result
		log     strings.Builder
		profile pkgmanager.Profile
	)
	logger := r.logger.With("deployment_id", job.DeploymentID, "project_id", job.ProjectID)

	run := func(stage Stage, fn func() error) error {
		if hooks.StageStarted != nil {
			hooks.StageStarted(stage)
		}
		start := time.Now()
		err := fn()
		elapsed := time.Since(start)
		if hooks.StageFinished != nil {
			hooks.StageFinished(stage, elapsed, err)
		}
		if err != nil {
			logger.Warn("pipeline stage failed", "stage", stage, "elapsed", elapsed, "error", err)
			return &StageError{Stage: stage, Err: err}
		}
		logger.Debug("pipeline stage finished", "stage", stage, "elapsed", elapsed)
		return nil
	}
	finish := func(err error) (Result, error) {
		res.Log = log.String()
		return res, err
	}

	if err := run(StageExtract, func() error {
		extracted, err := archive.Extract(ctx, job.ArchivePath, job.Workspace.Source, r.cfg.ArchiveLimits)
		if err != nil {
			return err
		}
		res.Root = extracted.Root
		fmt.Fprintf(&log, "extracted %d files\n", extracted.Files)
		return nil
	}); err != nil {
		return finish(err)
	}

	if err := run(StageValidate, func() error {
		report := manifest.Validate(res.Root)
		res.Framework = report.Framework
		if report.Framework != "" {
			fmt.Fprintf(&log, "detected framework: %s\n", report.Framework)
		}
		for _, msg := range report.Errors {
			fmt.Fprintf(&log, "validation: %s\n", msg)
		}
		return report.Err()
	}); err != nil {
		return finish(err)
	}

	if err := run(StageResolve, func() error {
		var err error
		profile, err = pkgmanager.Resolve(res.Root)
		if err != nil {
			return err
		}
		res.PackageManager = profile.Name
		fmt.Fprintf(&log, "using %s", profile.Name)
		if profile.LockFile != "" {
			fmt.Fprintf(&log, " (%s)", profile.LockFile)
		}
		log.WriteString("\n")
		return r.probe(ctx, profile, r.cfg.ProbeTimeout)
	}); err != nil {
		return finish(err)
	}

	if err := run(StageInstall, func() error {
		fmt.Fprintf(&log, "$ %s\n", profile.InstallCommandLine())
		result := r.exec.Install(ctx, res.Root, profile, hooks.Line)
		log.WriteString(result.Output)
		return result.Failure()
	}); err != nil {
		return finish(err)
	}

	if err := run(StageBuild, func() error {
		fmt.Fprintf(&log, "$ %s\n", profile.BuildCommandLine())
		result := r.exec.Build(ctx, res.Root, profile, hooks.Line)
		log.WriteString(result.Output)
		return result.Failure()
	}); err != nil {
		return finish(err)
	}

	if err := run(StageStage, func() error {
		res.OutputDir = output.Locate(res.Root)
		published, err := r.publisher.Publish(ctx, job.ProjectID, job.DeploymentID, res.OutputDir)
		if err != nil {
			return err
		}
		res.SiteDir = published.Dir
		fmt.Fprintf(&log, "published %d files (%d rewritten references)\n", published.Report.Files, published.Report.Rewritten)
		return nil
	}); err != nil {
		return finish(err)
	}

	return finish(nil)
}
