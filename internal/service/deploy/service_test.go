package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/app/migrate"
	"github.com/splax/localvercel/internal/builder/archive"
	"github.com/splax/localvercel/internal/builder/executor"
	"github.com/splax/localvercel/internal/builder/output"
	"github.com/splax/localvercel/internal/builder/pipeline"
	"github.com/splax/localvercel/internal/builder/publish"
	"github.com/splax/localvercel/internal/builder/workspace"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/repository/sqlite"
	"github.com/splax/localvercel/internal/service/logs"
)

// npmShim stands in for npm. It records each invocation in $NPM_CALLS and
// writes a dist/ tree on "run build".
const npmShim = `#!/bin/sh
echo "$*" >> "$NPM_CALLS"
case "$1" in
  --version)
    echo "10.0.0"
    ;;
  install)
    if [ -n "$NPM_FAIL_INSTALL" ]; then
      echo "npm ERR! network unreachable" >&2
      exit 1
    fi
    echo "added 12 packages"
    ;;
  run)
    if [ -n "$NPM_FAIL_BUILD" ]; then
      echo "src/main.js: Unexpected token" >&2
      exit 2
    fi
    mkdir -p dist/assets
    printf '<script type="module" src="/assets/app.js"></script>' > dist/index.html
    echo 'console.log(1)' > dist/assets/app.js
    echo "vite build complete"
    ;;
esac
`

type statusRecorder struct {
	logs.Service
	mu   sync.Mutex
	seen map[string][]domain.DeploymentStatus
}

func (r *statusRecorder) PublishStatus(d domain.Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.seen[d.ID]
	if len(seq) == 0 || seq[len(seq)-1] != d.Status {
		r.seen[d.ID] = append(seq, d.Status)
	}
}

func (r *statusRecorder) sequence(id string) []domain.DeploymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DeploymentStatus(nil), r.seen[id]...)
}

type harness struct {
	svc       *Service
	repo      *sqlite.Repository
	recorder  *statusRecorder
	publisher *publish.Publisher
	userID    string
	projectID string
	calls     string
}

// newHarness wires a service over in-memory sqlite. wrap decorates the
// deployment repository the service writes through.
func newHarness(t *testing.T, wrap ...func(repository.DeploymentRepository) repository.DeploymentRepository) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell shims require a POSIX shell")
	}
	ctx := context.Background()

	shimDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shimDir, "npm"), []byte(npmShim), 0o755))
	t.Setenv("PATH", shimDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	calls := filepath.Join(t.TempDir(), "calls.log")
	t.Setenv("NPM_CALLS", calls)

	repo, err := sqlite.Open(ctx, sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	runner, err := migrate.New(repo.DB(), migrate.DialectSQLite, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Ensure(ctx))

	userID, projectID := uuid.NewString(), uuid.NewString()
	require.NoError(t, repo.CreateUser(ctx, &domain.User{ID: userID, Email: "dev@example.com", PasswordHash: []byte("x")}))
	require.NoError(t, repo.CreateProject(ctx, &domain.Project{ID: projectID, UserID: userID, Name: "site"}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wm, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	pub, err := publish.NewPublisher(t.TempDir(), nil, output.Budget{}, logger)
	require.NoError(t, err)
	pipe := pipeline.New(executor.New(logger), pub, pipeline.Config{ProbeTimeout: 5 * time.Second}, logger)

	var deployments repository.DeploymentRepository = repo
	for _, w := range wrap {
		deployments = w(deployments)
	}
	recorder := &statusRecorder{Service: logs.New(repo, nil, logger), seen: map[string][]domain.DeploymentStatus{}}
	svc := New(repo, deployments, pipe, wm, recorder, logger, Config{
		PublicBaseURL: "http://localhost:4000/",
		BuildTimeout:  time.Minute,
		Concurrency:   2,
		LogMaxBytes:   64 << 10,
	}, WithMetrics(NewMetrics(prometheus.NewRegistry())))

	return &harness{svc: svc, repo: repo, recorder: recorder, publisher: pub, userID: userID, projectID: projectID, calls: calls}
}

func (h *harness) upload(t *testing.T, files map[string]string) string {
	t.Helper()
	src := t.TempDir()
	for name, body := range files {
		p := filepath.Join(src, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	path := filepath.Join(t.TempDir(), "upload.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, archive.Pack(context.Background(), src, f, nil))
	require.NoError(t, f.Close())
	return path
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Drain(ctx))
}

func (h *harness) npmCalls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.calls)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

var viteProject = map[string]string{
	"my-site/package.json":      `{"name":"my-site","scripts":{"build":"vite build"},"devDependencies":{"vite":"^5.0.0"}}`,
	"my-site/package-lock.json": `{}`,
	"my-site/src/main.js":       `console.log("hi")`,
}

func TestDeploySuccessPublishesSite(t *testing.T) {
	h := newHarness(t)
	archivePath := h.upload(t, viteProject)

	d, err := h.svc.Start(context.Background(), h.userID, h.projectID, archivePath, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, d.Status)
	assert.Equal(t, DefaultCommitMessage, d.CommitMessage)
	h.wait(t)

	got, err := h.repo.GetDeploymentByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, got.Status, got.Error)
	assert.Equal(t, "http://localhost:4000/sites/"+d.ID+"/", got.URL)
	assert.Equal(t, "vite", got.Framework)
	assert.Equal(t, "npm", got.PackageManager)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.Log, "vite build complete")

	assert.Equal(t,
		[]domain.DeploymentStatus{domain.StatusPending, domain.StatusBuilding, domain.StatusSuccess},
		h.recorder.sequence(d.ID))

	html, err := os.ReadFile(filepath.Join(h.publisher.SiteDir(d.ID), "index.html"))
	require.NoError(t, err)
	assert.Equal(t, `<script type="module" src="./assets/app.js"></script>`, string(html))
	assert.FileExists(t, filepath.Join(h.publisher.ProjectsRoot(), h.projectID, "assets", "app.js"))

	assert.NoFileExists(t, archivePath)
	assert.Equal(t, []string{"--version", "install", "run build"}, h.npmCalls(t))

	lines, err := h.repo.ListLogsByDeployment(context.Background(), d.ID, 0, 0)
	require.NoError(t, err)
	var messages []string
	for _, l := range lines {
		messages = append(messages, l.Message)
	}
	assert.Contains(t, messages, "added 12 packages")
	assert.Contains(t, messages, "==> install")
}

func TestDeployMissingManifestFailsValidation(t *testing.T) {
	h := newHarness(t)
	archivePath := h.upload(t, map[string]string{"index.html": "<p>static</p>"})

	d, err := h.svc.Start(context.Background(), h.userID, h.projectID, archivePath, "first")
	require.NoError(t, err)
	h.wait(t)

	got, err := h.repo.GetDeploymentByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, string(pipeline.StageValidate), got.Stage)
	assert.Contains(t, got.Error, "package.json not found in project root")
	assert.Equal(t, "first", got.CommitMessage)
	assert.Empty(t, got.URL)
	assert.Empty(t, h.npmCalls(t))
	assert.Equal(t,
		[]domain.DeploymentStatus{domain.StatusPending, domain.StatusBuilding, domain.StatusError},
		h.recorder.sequence(d.ID))
	assert.NoDirExists(t, h.publisher.SiteDir(d.ID))
}

func TestDeployInstallFailureNeverBuilds(t *testing.T) {
	h := newHarness(t)
	t.Setenv("NPM_FAIL_INSTALL", "1")
	archivePath := h.upload(t, viteProject)

	d, err := h.svc.Start(context.Background(), h.userID, h.projectID, archivePath, "")
	require.NoError(t, err)
	h.wait(t)

	got, err := h.repo.GetDeploymentByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, string(pipeline.StageInstall), got.Stage)
	assert.Contains(t, got.Error, "install failed with exit code 1")
	assert.Contains(t, got.Log, "npm ERR! network unreachable")
	assert.Equal(t, []string{"--version", "install"}, h.npmCalls(t))
}

func TestDeployBuildFailureNeverStages(t *testing.T) {
	h := newHarness(t)
	t.Setenv("NPM_FAIL_BUILD", "1")
	archivePath := h.upload(t, viteProject)

	d, err := h.svc.Start(context.Background(), h.userID, h.projectID, archivePath, "")
	require.NoError(t, err)
	h.wait(t)

	got, err := h.repo.GetDeploymentByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, string(pipeline.StageBuild), got.Stage)
	assert.Contains(t, got.Error, "build failed with exit code 2")
	assert.Contains(t, got.Log, "added 12 packages")
	assert.Contains(t, got.Log, "Unexpected token")
	assert.Empty(t, got.URL)
	assert.Equal(t,
		[]domain.DeploymentStatus{domain.StatusPending, domain.StatusBuilding, domain.StatusError},
		h.recorder.sequence(d.ID))
	assert.Equal(t, []string{"--version", "install", "run build"}, h.npmCalls(t))
	assert.NoDirExists(t, h.publisher.SiteDir(d.ID))
	assert.NoDirExists(t, filepath.Join(h.publisher.ProjectsRoot(), h.projectID))
	assert.NoFileExists(t, archivePath)
}

type rejectSuccess struct {
	repository.DeploymentRepository
}

func (r rejectSuccess) UpdateDeploymentStatus(ctx context.Context, u domain.DeploymentStatusUpdate) error {
	if u.Status == domain.StatusSuccess {
		return errors.New("disk I/O error")
	}
	return r.DeploymentRepository.UpdateDeploymentStatus(ctx, u)
}

func TestSuccessWriteFailureEndsInError(t *testing.T) {
	h := newHarness(t, func(d repository.DeploymentRepository) repository.DeploymentRepository {
		return rejectSuccess{d}
	})
	d, err := h.svc.Start(context.Background(), h.userID, h.projectID, h.upload(t, viteProject), "")
	require.NoError(t, err)
	h.wait(t)

	got, err := h.repo.GetDeploymentByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, string(pipeline.StageStage), got.Stage)
	assert.Contains(t, got.Error, "record success: disk I/O error")
	assert.Equal(t,
		[]domain.DeploymentStatus{domain.StatusPending, domain.StatusBuilding, domain.StatusError},
		h.recorder.sequence(d.ID))
}

type slowCreate struct {
	repository.DeploymentRepository
	entered chan struct{}
	release chan struct{}
}

func (r slowCreate) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	close(r.entered)
	<-r.release
	return r.DeploymentRepository.CreateDeployment(ctx, d)
}

func TestStartDoesNotBlockActiveDuringInsert(t *testing.T) {
	slow := slowCreate{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(d repository.DeploymentRepository) repository.DeploymentRepository {
		slow.DeploymentRepository = d
		return slow
	})

	archivePath := h.upload(t, viteProject)
	started := make(chan error, 1)
	go func() {
		_, err := h.svc.Start(context.Background(), h.userID, h.projectID, archivePath, "")
		started <- err
	}()
	<-slow.entered

	checked := make(chan bool, 1)
	go func() { checked <- h.svc.Active("unrelated") }()
	select {
	case active := <-checked:
		assert.False(t, active)
	case <-time.After(2 * time.Second):
		t.Fatal("Active blocked while a deployment was being inserted")
	}

	drained := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		drained <- h.svc.Drain(ctx)
	}()
	select {
	case <-drained:
		t.Fatal("Drain returned before the in-flight Start finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(slow.release)
	require.NoError(t, <-started)
	require.NoError(t, <-drained)
}

func TestStartRejectsForeignProject(t *testing.T) {
	h := newHarness(t)
	archivePath := h.upload(t, viteProject)

	_, err := h.svc.Start(context.Background(), "someone-else", h.projectID, archivePath, "")
	assert.ErrorIs(t, err, ErrProjectNotFound)
	_, err = h.svc.Start(context.Background(), h.userID, uuid.NewString(), archivePath, "")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	list, err := h.repo.ListDeploymentsByProject(context.Background(), h.projectID, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.FileExists(t, archivePath)
}

func TestStartAfterDrainIsRejected(t *testing.T) {
	h := newHarness(t)
	h.wait(t)
	_, err := h.svc.Start(context.Background(), h.userID, h.projectID, h.upload(t, viteProject), "")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestGetAndListCheckOwnership(t *testing.T) {
	h := newHarness(t)
	d, err := h.svc.Start(context.Background(), h.userID, h.projectID, h.upload(t, viteProject), "")
	require.NoError(t, err)
	h.wait(t)

	got, err := h.svc.Get(context.Background(), h.userID, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	_, err = h.svc.Get(context.Background(), "someone-else", d.ID)
	assert.ErrorIs(t, err, ErrDeploymentNotFound)
	_, err = h.svc.Get(context.Background(), h.userID, "missing")
	assert.ErrorIs(t, err, ErrDeploymentNotFound)

	list, err := h.svc.ListByProject(context.Background(), h.userID, h.projectID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	_, err = h.svc.ListByProject(context.Background(), "someone-else", h.projectID, 10)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestSweepStaleClosesOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-3 * time.Hour)

	pending := &domain.Deployment{ID: uuid.NewString(), ProjectID: h.projectID, Status: domain.StatusPending, Stage: stageQueued, CreatedAt: old, UpdatedAt: old}
	building := &domain.Deployment{ID: uuid.NewString(), ProjectID: h.projectID, Status: domain.StatusBuilding, Stage: "build", CreatedAt: old, UpdatedAt: old}
	fresh := &domain.Deployment{ID: uuid.NewString(), ProjectID: h.projectID, Status: domain.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	for _, d := range []*domain.Deployment{pending, building, fresh} {
		require.NoError(t, h.repo.CreateDeployment(ctx, d))
	}

	swept, err := h.svc.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	for _, id := range []string{pending.ID, building.ID} {
		got, err := h.repo.GetDeploymentByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusError, got.Status)
		assert.Equal(t, "deployment interrupted before completion", got.Error)
	}
	assert.Equal(t,
		[]domain.DeploymentStatus{domain.StatusBuilding, domain.StatusError},
		h.recorder.sequence(pending.ID))
	assert.Equal(t, "build", mustGet(t, h, building.ID).Stage)

	got, err := h.repo.GetDeploymentByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func mustGet(t *testing.T, h *harness, id string) *domain.Deployment {
	t.Helper()
	d, err := h.repo.GetDeploymentByID(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestTruncateLogKeepsTail(t *testing.T) {
	log := strings.Repeat("a", 100) + "tail"
	out := truncateLog(log, len(truncatedMarker)+4)
	assert.Equal(t, truncatedMarker+"tail", out)
	assert.Equal(t, "short", truncateLog("short", 100))
	assert.Equal(t, "x", truncateLog("x", 0))

	multi := truncateLog(strings.Repeat("é", 50), len(truncatedMarker)+3)
	assert.True(t, strings.HasPrefix(multi, truncatedMarker))
	assert.Equal(t, "é", strings.TrimPrefix(multi, truncatedMarker))
}
