package project

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/app/migrate"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository/sqlite"
)

type recordingSites struct {
	projectID string
	ids       []string
}

func (r *recordingSites) Unpublish(_ context.Context, projectID string, ids []string) error {
	r.projectID = projectID
	r.ids = ids
	return nil
}

func setup(t *testing.T) (Service, *sqlite.Repository, *recordingSites, string) {
	t.Helper()
	ctx := context.Background()
	repo, err := sqlite.Open(ctx, sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	runner, err := migrate.New(repo.DB(), migrate.DialectSQLite, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Ensure(ctx))

	userID := uuid.NewString()
	require.NoError(t, repo.CreateUser(ctx, &domain.User{ID: userID, Email: "owner@example.com", PasswordHash: []byte("x")}))

	sites := &recordingSites{}
	svc := New(repo, repo, sites, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, repo, sites, userID
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _, _, userID := setup(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, userID, CreateInput{Name: "   "})
	assert.True(t, IsValidationError(err))
	_, err = svc.Create(ctx, userID, CreateInput{Name: strings.Repeat("a", 101)})
	assert.True(t, IsValidationError(err))

	p, err := svc.Create(ctx, userID, CreateInput{Name: " site ", Description: " docs "})
	require.NoError(t, err)
	assert.Equal(t, "site", p.Name)
	assert.Equal(t, "docs", p.Description)
	assert.Equal(t, userID, p.UserID)
}

func TestGetHidesOtherUsersProjects(t *testing.T) {
	svc, _, _, userID := setup(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, userID, CreateInput{Name: "site"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, userID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = svc.Get(ctx, "someone-else", p.ID)
	assert.ErrorIs(t, err, ErrProjectNotFound)
	_, err = svc.Get(ctx, userID, "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	list, err := svc.List(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteUnpublishesDeployments(t *testing.T) {
	svc, repo, sites, userID := setup(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, userID, CreateInput{Name: "site"})
	require.NoError(t, err)
	depID := uuid.NewString()
	require.NoError(t, repo.CreateDeployment(ctx, &domain.Deployment{
		ID: depID, ProjectID: p.ID, Status: domain.StatusSuccess, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	assert.ErrorIs(t, svc.Delete(ctx, "someone-else", p.ID), ErrProjectNotFound)
	require.NoError(t, svc.Delete(ctx, userID, p.ID))
	assert.Equal(t, p.ID, sites.projectID)
	assert.Equal(t, []string{depID}, sites.ids)

	_, err = repo.GetDeploymentByID(ctx, depID)
	assert.Error(t, err)
}
