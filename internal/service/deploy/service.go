// Package deploy turns uploaded archives into published sites. Start records
// a pending deployment and runs the build pipeline in the background, moving
// the record through pending → building → success | error.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/builder/executor"
	"github.com/splax/localvercel/internal/builder/pipeline"
	"github.com/splax/localvercel/internal/builder/workspace"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/events"
	"github.com/splax/localvercel/internal/repository"
)

// DefaultCommitMessage is used when a deploy carries no message.
const DefaultCommitMessage = "Deploy from dashboard"

const stageQueued = "queued"

var (
	// ErrProjectNotFound is returned when the project is missing or owned by
	// another user.
	ErrProjectNotFound    = errors.New("project not found")
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrShuttingDown       = errors.New("deploy service is shutting down")
)

// Pipeline runs the build stages for one job.
type Pipeline interface {
	Run(ctx context.Context, job pipeline.Job, hooks pipeline.Hooks) (pipeline.Result, error)
}

// Workspaces hands out per-deployment working directories.
type Workspaces interface {
	Prepare(id string) (workspace.Workspace, error)
	Cleanup(path string) error
}

// Notifier persists build output and streams state changes.
type Notifier interface {
	Append(ctx context.Context, entry domain.ProjectLog) error
	PublishStatus(deployment domain.Deployment)
}

// Config tunes the service.
type Config struct {
	PublicBaseURL  string
	BuildTimeout   time.Duration
	Concurrency    int
	LogMaxBytes    int
	KeepWorkspaces bool
	StaleAfter     time.Duration
}

// Service orchestrates deployments.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	pipeline    Pipeline
	workspaces  Workspaces
	notifier    Notifier
	events      events.Publisher
	metrics     *Metrics
	cfg         Config
	logger      *slog.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	draining bool
	active   map[string]struct{}
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithEvents publishes state changes to an external bus.
func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a deployment service.
func New(
	projects repository.ProjectRepository,
	deployments repository.DeploymentRepository,
	runner Pipeline,
	workspaces Workspaces,
	notifier Notifier,
	logger *slog.Logger,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.BuildTimeout
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		projects:    projects,
		deployments: deployments,
		pipeline:    runner,
		workspaces:  workspaces,
		notifier:    notifier,
		events:      events.Noop{},
		cfg:         cfg,
		logger:      logger,
		sem:         make(chan struct{}, cfg.Concurrency),
		baseCtx:     ctx,
		cancel:      cancel,
		active:      make(map[string]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start records a pending deployment for projectID and builds archivePath in
// the background. On success the service owns archivePath and removes it when
// the build ends; on error the caller keeps it.
func (s *Service) Start(ctx context.Context, userID, projectID, archivePath, commitMessage string) (*domain.Deployment, error) {
	if _, err := s.ownedProject(ctx, userID, projectID); err != nil {
		return nil, err
	}

	// The WaitGroup slot is taken before the insert so Drain waits for it.
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if strings.TrimSpace(commitMessage) == "" {
		commitMessage = DefaultCommitMessage
	}
	now := s.now()
	deployment := &domain.Deployment{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		Status:        domain.StatusPending,
		Stage:         stageQueued,
		CommitMessage: strings.TrimSpace(commitMessage),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		s.wg.Done()
		return nil, err
	}
	s.mu.Lock()
	s.active[deployment.ID] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("deployment queued", "deployment_id", deployment.ID, "project_id", projectID, "user_id", userID)
	s.announce(*deployment)
	go s.run(*deployment, archivePath)
	return deployment, nil
}

// Get returns a deployment whose project userID owns.
func (s *Service) Get(ctx context.Context, userID, deploymentID string) (*domain.Deployment, error) {
	d, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeploymentNotFound
		}
		return nil, err
	}
	if _, err := s.ownedProject(ctx, userID, d.ProjectID); err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return nil, ErrDeploymentNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListByProject returns recent deployments of a project userID owns.
func (s *Service) ListByProject(ctx context.Context, userID, projectID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.ownedProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// Drain stops accepting deployments and waits for running ones. When ctx
// expires first, running builds are cancelled and recorded as errors.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("drain deadline reached, cancelling builds")
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Active reports whether deploymentID is being handled by this process.
func (s *Service) Active(deploymentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[deploymentID]
	return ok
}

// SweepStale fails pending and building deployments that have not been
// touched for StaleAfter and are not running in this process. It returns the
// number of records it closed.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	swept := 0
	for _, status := range []domain.DeploymentStatus{domain.StatusPending, domain.StatusBuilding} {
		stale, err := s.deployments.ListDeploymentsByStatus(ctx, status, cutoff)
		if err != nil {
			return swept, err
		}
		for _, d := range stale {
			if s.Active(d.ID) {
				continue
			}
			t := tracker{svc: s, d: d}
			if err := t.fail(ctx, d.Stage, "deployment interrupted before completion", d.Log); err != nil {
				if errors.Is(err, repository.ErrStaleStatus) {
					continue
				}
				return swept, err
			}
			s.metrics.recordResult(string(domain.StatusError), "interrupted")
			swept++
		}
	}
	if swept > 0 {
		s.logger.Warn("stale deployments closed", "count", swept)
	}
	return swept, nil
}

func (s *Service) ownedProject(ctx context.Context, userID, projectID string) (*domain.Project, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	if project.UserID != userID {
		return nil, ErrProjectNotFound
	}
	return project, nil
}

func (s *Service) run(d domain.Deployment, archivePath string) {
	logger := s.logger.With("deployment_id", d.ID, "project_id", d.ProjectID)
	// Persistence outlives build cancellation so the final state is recorded.
	persistCtx := context.WithoutCancel(s.baseCtx)
	t := &tracker{svc: s, d: d}

	defer func() {
		s.mu.Lock()
		delete(s.active, d.ID)
		s.mu.Unlock()
		s.wg.Done()
	}()
	defer func() {
		if err := os.Remove(archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove upload", "path", archivePath, "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("deployment panicked", "panic", r)
			if !domain.IsTerminal(t.d.Status) {
				if err := t.fail(persistCtx, t.d.Stage, fmt.Sprintf("internal error: %v", r), t.d.Log); err != nil {
					logger.Error("failed to record panic", "error", err)
				}
				s.metrics.recordResult(string(domain.StatusError), "panic")
			}
		}
	}()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.baseCtx.Done():
		if err := t.fail(persistCtx, stageQueued, ErrShuttingDown.Error(), ""); err != nil {
			logger.Error("failed to record shutdown", "error", err)
		}
		return
	}

	if err := t.transition(persistCtx, domain.StatusBuilding, domain.DeploymentStatusUpdate{Stage: string(pipeline.StageExtract)}); err != nil {
		logger.Warn("could not start deployment", "error", err)
		return
	}
	s.metrics.started()
	defer s.metrics.finished()
	logger.Info("deployment building")

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.BuildTimeout)
	defer cancel()

	ws, err := s.workspaces.Prepare(d.ID)
	if err != nil {
		s.finishWithError(persistCtx, t, string(pipeline.StageExtract), fmt.Errorf("prepare workspace: %w", err), "")
		return
	}
	if !s.cfg.KeepWorkspaces {
		defer func() {
			if err := s.workspaces.Cleanup(ws.Dir); err != nil {
				logger.Warn("failed to remove workspace", "dir", ws.Dir, "error", err)
			}
		}()
	}

	hooks := pipeline.Hooks{
		StageStarted: func(stage pipeline.Stage) {
			s.pipelineLog(persistCtx, d, "info", fmt.Sprintf("==> %s", stage))
			if stage == pipeline.StageExtract {
				return
			}
			if err := t.transition(persistCtx, domain.StatusBuilding, domain.DeploymentStatusUpdate{Stage: string(stage)}); err != nil {
				logger.Warn("failed to record stage", "stage", stage, "error", err)
			}
		},
		StageFinished: func(stage pipeline.Stage, elapsed time.Duration, err error) {
			s.metrics.observeStage(string(stage), elapsed, err)
		},
		Line: func(step executor.Step, stream executor.Stream, line string) {
			level := "info"
			if stream == executor.Stderr {
				level = "warn"
			}
			source := domain.LogSourceBuild
			if step == executor.StepInstall {
				source = domain.LogSourceInstall
			}
			s.appendLog(persistCtx, domain.ProjectLog{
				ProjectID: d.ProjectID, DeploymentID: d.ID, Source: source, Level: level, Message: line,
			})
		},
	}

	res, err := s.pipeline.Run(ctx, pipeline.Job{
		DeploymentID: d.ID,
		ProjectID:    d.ProjectID,
		ArchivePath:  archivePath,
		Workspace:    ws,
	}, hooks)
	t.d.Framework = res.Framework
	t.d.PackageManager = string(res.PackageManager)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("build timed out after %s: %w", s.cfg.BuildTimeout, err)
		}
		stage := t.d.Stage
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			stage = string(stageErr.Stage)
		}
		s.finishWithError(persistCtx, t, stage, err, res.Log)
		return
	}

	update := domain.DeploymentStatusUpdate{
		Stage:          string(pipeline.StageStage),
		URL:            s.siteURL(d.ID),
		Framework:      res.Framework,
		PackageManager: string(res.PackageManager),
		Log:            truncateLog(res.Log, s.cfg.LogMaxBytes),
	}
	if err := t.transition(persistCtx, domain.StatusSuccess, update); err != nil {
		logger.Error("failed to record success", "error", err)
		s.finishWithError(persistCtx, t, string(pipeline.StageStage), fmt.Errorf("record success: %w", err), res.Log)
		return
	}
	s.metrics.recordResult(string(domain.StatusSuccess), string(pipeline.StageStage))
	s.pipelineLog(persistCtx, d, "info", "deployment ready at "+update.URL)
	logger.Info("deployment succeeded", "url", update.URL, "framework", res.Framework, "package_manager", res.PackageManager)
}

func (s *Service) finishWithError(ctx context.Context, t *tracker, stage string, cause error, log string) {
	msg := cause.Error()
	s.pipelineLog(ctx, t.d, "error", msg)
	if log != "" && !strings.HasSuffix(log, "\n") {
		log += "\n"
	}
	log += "error: " + msg + "\n"
	if err := t.fail(ctx, stage, msg, log); err != nil {
		s.logger.Error("failed to record deployment error", "deployment_id", t.d.ID, "error", err)
		return
	}
	s.metrics.recordResult(string(domain.StatusError), stage)
	s.logger.Warn("deployment failed", "deployment_id", t.d.ID, "project_id", t.d.ProjectID, "stage", stage, "error", msg)
}

func (s *Service) siteURL(deploymentID string) string {
	return s.cfg.PublicBaseURL + "/sites/" + deploymentID + "/"
}

func (s *Service) pipelineLog(ctx context.Context, d domain.Deployment, level, msg string) {
	s.appendLog(ctx, domain.ProjectLog{
		ProjectID: d.ProjectID, DeploymentID: d.ID, Source: domain.LogSourcePipeline, Level: level, Message: msg,
	})
}

func (s *Service) appendLog(ctx context.Context, entry domain.ProjectLog) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Append(ctx, entry); err != nil {
		s.logger.Warn("failed to store log line", "deployment_id", entry.DeploymentID, "error", err)
	}
}

func (s *Service) announce(d domain.Deployment) {
	if s.notifier != nil {
		s.notifier.PublishStatus(d)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), 5*time.Second)
	defer cancel()
	if err := s.events.PublishDeployment(ctx, events.EventFromDeployment(d)); err != nil {
		s.logger.Warn("failed to publish deployment event", "deployment_id", d.ID, "error", err)
	}
}

// tracker holds the last persisted view of one deployment.
type tracker struct {
	svc *Service
	d   domain.Deployment
}

// transition persists a move to status, or a stage change when status is
// unchanged, and announces it.
func (t *tracker) transition(ctx context.Context, status domain.DeploymentStatus, update domain.DeploymentStatusUpdate) error {
	if status != t.d.Status && !domain.CanTransition(t.d.Status, status) {
		return fmt.Errorf("invalid deployment transition %s to %s", t.d.Status, status)
	}
	update.DeploymentID = t.d.ID
	update.From = t.d.Status
	update.Status = status
	update.At = t.svc.now()
	if err := t.svc.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return err
	}
	t.apply(update)
	t.svc.announce(t.d)
	return nil
}

// fail records an error, passing through building when still pending.
func (t *tracker) fail(ctx context.Context, stage, msg, log string) error {
	if t.d.Status == domain.StatusPending {
		if err := t.transition(ctx, domain.StatusBuilding, domain.DeploymentStatusUpdate{Stage: stage}); err != nil {
			return err
		}
	}
	return t.transition(ctx, domain.StatusError, domain.DeploymentStatusUpdate{
		Stage: stage,
		Error: msg,
		Log:   truncateLog(log, t.svc.cfg.LogMaxBytes),
	})
}

func (t *tracker) apply(u domain.DeploymentStatusUpdate) {
	t.d.Status = u.Status
	t.d.UpdatedAt = u.At
	if u.Stage != "" {
		t.d.Stage = u.Stage
	}
	if u.URL != "" {
		t.d.URL = u.URL
	}
	if u.Framework != "" {
		t.d.Framework = u.Framework
	}
	if u.PackageManager != "" {
		t.d.PackageManager = u.PackageManager
	}
	if u.Error != "" {
		t.d.Error = u.Error
	}
	if u.Log != "" {
		t.d.Log = u.Log
	}
	at := u.At
	if u.Status == domain.StatusBuilding && t.d.StartedAt == nil {
		t.d.StartedAt = &at
	}
	if domain.IsTerminal(u.Status) {
		t.d.CompletedAt = &at
	}
}

const truncatedMarker = "[earlier output truncated]\n"

// truncateLog keeps the tail of log within limit bytes.
func truncateLog(log string, limit int) string {
	if limit <= 0 || len(log) <= limit {
		return log
	}
	keep := limit - len(truncatedMarker)
	if keep <= 0 {
		return log[len(log)-limit:]
	}
	start := len(log) - keep
	for start < len(log) && !utf8.RuneStart(log[start]) {
		start++
	}
	return truncatedMarker + log[start:]
}
