package logs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/app/migrate"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository/sqlite"
	"github.com/splax/localvercel/internal/ws"
)

type captureSubscriber struct {
	mu  sync.Mutex
	got []map[string]any
}

func (c *captureSubscriber) Send(p []byte) error {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, m)
	return nil
}

func (c *captureSubscriber) Close() {}

func (c *captureSubscriber) snapshot() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.got...)
}

func TestAppendPersistsAndStreams(t *testing.T) {
	ctx := context.Background()
	repo, err := sqlite.Open(ctx, sqlite.MemoryPath)
	require.NoError(t, err)
	defer repo.Close()
	runner, err := migrate.New(repo.DB(), migrate.DialectSQLite, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Ensure(ctx))

	userID, projectID, depID := uuid.NewString(), uuid.NewString(), uuid.NewString()
	require.NoError(t, repo.CreateUser(ctx, &domain.User{ID: userID, Email: "a@example.com", PasswordHash: []byte("x")}))
	require.NoError(t, repo.CreateProject(ctx, &domain.Project{ID: projectID, UserID: userID, Name: "site"}))
	require.NoError(t, repo.CreateDeployment(ctx, &domain.Deployment{ID: depID, ProjectID: projectID, Status: domain.StatusBuilding}))

	hub := ws.NewHub()
	defer hub.Close()
	sub := &captureSubscriber{}
	hub.Register(projectID, sub)

	svc := New(repo, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, svc.Append(ctx, domain.ProjectLog{
		ProjectID: projectID, DeploymentID: depID, Source: domain.LogSourceBuild, Message: "vite v5 building",
	}))
	svc.PublishStatus(domain.Deployment{ID: depID, ProjectID: projectID, Status: domain.StatusSuccess})

	require.Eventually(t, func() bool { return len(sub.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	got := sub.snapshot()
	assert.Equal(t, TypeLog, got[0]["type"])
	assert.Equal(t, "vite v5 building", got[0]["message"])
	assert.Equal(t, TypeStatus, got[1]["type"])
	assert.Equal(t, "success", got[1]["status"])

	stored, err := svc.ListByDeployment(ctx, depID, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "info", stored[0].Level)
}

func TestNilHubIsQuiet(t *testing.T) {
	svc := New(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.PublishStatus(domain.Deployment{ID: "d", ProjectID: "p"})
}
