package repository

import (
	"context"
	"time"

	"github.com/splax/localvercel/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository persists projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// DeploymentRepository stores deployment history. UpdateDeploymentStatus
// only applies when the stored status equals update.From and returns
// ErrStaleStatus otherwise.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error)
	LatestSuccessfulDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
}

// LogRepository handles build log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, log domain.ProjectLog) error
	ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.ProjectLog, error)
	ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error)
}

// Store bundles every repository a backend provides.
type Store interface {
	UserRepository
	ProjectRepository
	DeploymentRepository
	LogRepository
	Ping(ctx context.Context) error
	Close()
}
