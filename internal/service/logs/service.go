package logs

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/ws"
)

// Stream message types.
const (
	TypeLog    = "log"
	TypeStatus = "status"
)

// Service handles log persistence and streaming.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service. hub may be nil when nothing streams.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append stores and broadcasts a log entry.
func (s Service) Append(ctx context.Context, entry domain.ProjectLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if entry.Level == "" {
		entry.Level = "info"
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		return err
	}
	s.broadcast(entry.ProjectID, func() ([]byte, error) { return MarshalEntry(entry) })
	return nil
}

// ListByDeployment returns persisted lines for one deployment in order.
func (s Service) ListByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.ProjectLog, error) {
	return s.repo.ListLogsByDeployment(ctx, deploymentID, limit, offset)
}

// List returns recent logs for a project.
func (s Service) List(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error) {
	return s.repo.ListLogsByProject(ctx, projectID, limit, offset)
}

// PublishStatus streams a deployment state change to project subscribers.
func (s Service) PublishStatus(deployment domain.Deployment) {
	s.broadcast(deployment.ProjectID, func() ([]byte, error) { return MarshalStatus(deployment) })
}

func (s Service) broadcast(projectID string, encode func() ([]byte, error)) {
	if s.hub == nil {
		return
	}
	data, err := encode()
	if err != nil {
		s.logger.Warn("failed to marshal stream payload", "error", err)
		return
	}
	s.hub.Broadcast(projectID, data)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEntry formats a project log for streaming payloads.
func MarshalEntry(entry domain.ProjectLog) ([]byte, error) {
	payload := map[string]any{
		"type":          TypeLog,
		"project_id":    entry.ProjectID,
		"deployment_id": entry.DeploymentID,
		"source":        entry.Source,
		"level":         entry.Level,
		"message":       entry.Message,
		"created_at":    entry.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}

// MarshalStatus formats a deployment state change for streaming payloads.
func MarshalStatus(d domain.Deployment) ([]byte, error) {
	payload := map[string]any{
		"type":          TypeStatus,
		"project_id":    d.ProjectID,
		"deployment_id": d.ID,
		"status":        d.Status,
		"stage":         d.Stage,
		"url":           d.URL,
		"error":         d.Error,
		"updated_at":    d.UpdatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
