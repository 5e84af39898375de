package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/app/migrate"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/repository/sqlite"
)

func openRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := sqlite.Open(ctx, sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	runner, err := migrate.New(repo.DB(), migrate.DialectSQLite, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Ensure(ctx))
	return repo
}

func seedProject(t *testing.T, repo *sqlite.Repository) (*domain.User, *domain.Project) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	user := &domain.User{ID: uuid.NewString(), Email: "dev@example.com", PasswordHash: []byte("hash"), CreatedAt: now}
	require.NoError(t, repo.CreateUser(ctx, user))
	project := &domain.Project{ID: uuid.NewString(), UserID: user.ID, Name: "site", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateProject(ctx, project))
	return user, project
}

func TestUsers(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	user, _ := seedProject(t, repo)

	got, err := repo.GetUserByEmail(ctx, "DEV@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, []byte("hash"), got.PasswordHash)

	dup := &domain.User{ID: uuid.NewString(), Email: "dev@EXAMPLE.com", PasswordHash: []byte("x")}
	assert.ErrorIs(t, repo.CreateUser(ctx, dup), repository.ErrConflict)

	_, err = repo.GetUserByID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestProjects(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	user, project := seedProject(t, repo)

	later := &domain.Project{ID: uuid.NewString(), UserID: user.ID, Name: "blog", CreatedAt: time.Now().Add(time.Minute)}
	require.NoError(t, repo.CreateProject(ctx, later))

	list, err := repo.ListProjectsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "blog", list[0].Name)

	orphan := &domain.Project{ID: uuid.NewString(), UserID: "nobody", Name: "x"}
	assert.ErrorIs(t, repo.CreateProject(ctx, orphan), repository.ErrInvalidArgument)

	require.NoError(t, repo.DeleteProject(ctx, project.ID))
	_, err = repo.GetProjectByID(ctx, project.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteProject(ctx, project.ID), repository.ErrNotFound)
}

func TestDeploymentStatusCompareAndSet(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	_, project := seedProject(t, repo)

	created := time.Now().UTC().Add(-time.Hour)
	dep := &domain.Deployment{
		ID: uuid.NewString(), ProjectID: project.ID, Status: domain.StatusPending,
		CommitMessage: "Deploy from dashboard", CreatedAt: created, UpdatedAt: created,
	}
	require.NoError(t, repo.CreateDeployment(ctx, dep))

	require.NoError(t, repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID, From: domain.StatusPending, Status: domain.StatusBuilding, Stage: "extract",
	}))

	err := repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID, From: domain.StatusPending, Status: domain.StatusBuilding,
	})
	assert.ErrorIs(t, err, repository.ErrStaleStatus)

	err = repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: "missing", From: domain.StatusPending, Status: domain.StatusBuilding,
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID, From: domain.StatusBuilding, Status: domain.StatusSuccess,
		Stage: "stage", URL: "http://localhost:4000/sites/" + dep.ID + "/", Framework: "vite",
		PackageManager: "npm", Log: "done",
	}))

	got, err := repo.GetDeploymentByID(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.Equal(t, "stage", got.Stage)
	assert.Equal(t, "vite", got.Framework)
	assert.Equal(t, "done", got.Log)
	assert.Equal(t, "Deploy from dashboard", got.CommitMessage)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, created.UnixMilli(), got.CreatedAt.UnixMilli())

	latest, err := repo.LatestSuccessfulDeployment(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, dep.ID, latest.ID)
}

func TestListDeploymentsByStatus(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	_, project := seedProject(t, repo)

	old := time.Now().UTC().Add(-2 * time.Hour)
	fresh := time.Now().UTC()
	for _, at := range []time.Time{old, fresh} {
		require.NoError(t, repo.CreateDeployment(ctx, &domain.Deployment{
			ID: uuid.NewString(), ProjectID: project.ID, Status: domain.StatusPending, CreatedAt: at, UpdatedAt: at,
		}))
	}

	stale, err := repo.ListDeploymentsByStatus(ctx, domain.StatusPending, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.UnixMilli(), stale[0].UpdatedAt.UnixMilli())

	all, err := repo.ListDeploymentsByProject(ctx, project.ID, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLogs(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	_, project := seedProject(t, repo)
	dep := &domain.Deployment{ID: uuid.NewString(), ProjectID: project.ID, Status: domain.StatusBuilding}
	require.NoError(t, repo.CreateDeployment(ctx, dep))

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, repo.AppendLog(ctx, domain.ProjectLog{
			ProjectID: project.ID, DeploymentID: dep.ID, Source: domain.LogSourceBuild, Level: "info", Message: msg,
		}))
	}
	require.NoError(t, repo.AppendLog(ctx, domain.ProjectLog{ProjectID: project.ID, Source: domain.LogSourcePipeline, Level: "info", Message: "project"}))

	logs, err := repo.ListLogsByDeployment(ctx, dep.ID, 2, 1)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "two", logs[0].Message)
	assert.Equal(t, dep.ID, logs[0].DeploymentID)

	recent, err := repo.ListLogsByProject(ctx, project.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, "project", recent[0].Message)
	assert.Empty(t, recent[0].DeploymentID)
}
