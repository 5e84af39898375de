package project

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name        string
	Description string
}

// Unpublisher removes served trees for deleted projects.
type Unpublisher interface {
	Unpublish(ctx context.Context, projectID string, deploymentIDs []string) error
}

const (
	maxNameLength        = 100
	maxDescriptionLength = 500
	unpublishScanLimit   = 10000
)

var (
	// ErrProjectNotFound is returned for missing projects and for projects
	// owned by someone else.
	ErrProjectNotFound    = errors.New("project not found")
	errInvalidProjectName = errors.New("project name is required")
	errNameTooLong        = errors.New("project name must be at most 100 characters")
	errDescriptionTooLong = errors.New("project description must be at most 500 characters")
)

// IsValidationError reports whether err came from input checks.
func IsValidationError(err error) bool {
	return errors.Is(err, errInvalidProjectName) || errors.Is(err, errNameTooLong) || errors.Is(err, errDescriptionTooLong)
}

// Service orchestrates project management.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	sites       Unpublisher
	logger      *slog.Logger
}

// New returns a project service. sites may be nil.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, sites Unpublisher, logger *slog.Logger) Service {
	return Service{projects: projects, deployments: deployments, sites: sites, logger: logger}
}

// Create registers a new project for userID.
func (s Service) Create(ctx context.Context, userID string, input CreateInput) (*domain.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errInvalidProjectName
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, errNameTooLong
	}
	description := strings.TrimSpace(input.Description)
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return nil, errDescriptionTooLong
	}

	now := time.Now().UTC()
	project := &domain.Project{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "user_id", userID)
	return project, nil
}

// List returns the projects owned by userID.
func (s Service) List(ctx context.Context, userID string) ([]domain.Project, error) {
	return s.projects.ListProjectsByUser(ctx, userID)
}

// Get returns a project if userID owns it.
func (s Service) Get(ctx context.Context, userID, projectID string) (*domain.Project, error) {
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

// Delete removes a project, its history and its published sites.
func (s Service) Delete(ctx context.Context, userID, projectID string) error {
	if _, err := s.Get(ctx, userID, projectID); err != nil {
		return err
	}
	deployments, err := s.deployments.ListDeploymentsByProject(ctx, projectID, unpublishScanLimit)
	if err != nil {
		return err
	}
	if err := s.projects.DeleteProject(ctx, projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrProjectNotFound
		}
		return err
	}
	if s.sites != nil {
		ids := make([]string, 0, len(deployments))
		for _, d := range deployments {
			ids = append(ids, d.ID)
		}
		if err := s.sites.Unpublish(ctx, projectID, ids); err != nil {
			s.logger.Warn("failed to remove published sites", "project_id", projectID, "error", err)
		}
	}
	s.logger.Info("project deleted", "project_id", projectID, "user_id", userID)
	return nil
}
