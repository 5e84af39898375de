// Package janitor closes deployments orphaned by a crash and removes leftover
// working files, once at startup and then on a schedule.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Sweeper fails stale non-terminal deployments.
type Sweeper interface {
	SweepStale(ctx context.Context) (int, error)
	Active(deploymentID string) bool
}

// Pruner removes old workspace directories.
type Pruner interface {
	Prune(cutoff time.Time, keep func(id string) bool) ([]string, error)
}

// Config tunes the janitor.
type Config struct {
	Interval     time.Duration
	WorkspaceTTL time.Duration
	UploadDir    string
}

// Janitor wraps a gocron scheduler running the cleanup job.
type Janitor struct {
	scheduler  gocron.Scheduler
	sweeper    Sweeper
	workspaces Pruner
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a janitor. Call Start to run it.
func New(sweeper Sweeper, workspaces Pruner, cfg Config, logger *slog.Logger) (*Janitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Janitor{
		scheduler:  s,
		sweeper:    sweeper,
		workspaces: workspaces,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Start runs the startup pass, which also clears every leftover upload, then
// schedules periodic passes.
func (j *Janitor) Start(ctx context.Context) error {
	j.logger.Info("starting janitor", "interval", j.cfg.Interval)
	j.RunOnce(ctx)
	if err := j.pruneUploads(j.now()); err != nil {
		j.logger.Warn("failed to prune uploads", "error", err)
	}

	_, err := j.scheduler.NewJob(
		gocron.DurationJob(j.cfg.Interval),
		gocron.NewTask(func() { j.RunOnce(ctx) }),
		gocron.WithName("deployment-janitor"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create janitor job: %w", err)
	}
	j.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down.
func (j *Janitor) Stop() error {
	j.logger.Info("stopping janitor")
	return j.scheduler.Shutdown()
}

// RunOnce performs one cleanup pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if j.sweeper != nil {
		if _, err := j.sweeper.SweepStale(ctx); err != nil {
			j.logger.Error("stale deployment sweep failed", "error", err)
		}
	}
	if j.workspaces != nil && j.cfg.WorkspaceTTL > 0 {
		keep := func(string) bool { return false }
		if j.sweeper != nil {
			keep = j.sweeper.Active
		}
		removed, err := j.workspaces.Prune(j.now().Add(-j.cfg.WorkspaceTTL), keep)
		if err != nil {
			j.logger.Warn("workspace prune failed", "error", err)
		}
		if len(removed) > 0 {
			j.logger.Info("pruned workspaces", "count", len(removed))
		}
	}
}

// pruneUploads removes spooled uploads modified before cutoff.
func (j *Janitor) pruneUploads(cutoff time.Time) error {
	if j.cfg.UploadDir == "" {
		return nil
	}
	entries, err := os.ReadDir(j.cfg.UploadDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.cfg.UploadDir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("removed leftover uploads", "count", removed)
	}
	return errors.Join(errs...)
}
