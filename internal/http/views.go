package httpx

import (
	"time"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/service/auth"
)

type userView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type tokenView struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type sessionView struct {
	User   userView  `json:"user"`
	Tokens tokenView `json:"tokens"`
}

type projectView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type deploymentView struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Status         string     `json:"status"`
	Stage          string     `json:"stage,omitempty"`
	URL            string     `json:"url,omitempty"`
	CommitMessage  string     `json:"commit_message"`
	Framework      string     `json:"framework,omitempty"`
	PackageManager string     `json:"package_manager,omitempty"`
	Error          string     `json:"error,omitempty"`
	Log            string     `json:"log,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type logView struct {
	ID           int64     `json:"id"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Source       string    `json:"source"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

func newUserView(u *domain.User) userView {
	return userView{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

func newTokenView(t auth.Token) tokenView {
	return tokenView{
		AccessToken: t.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(t.ExpiresIn / time.Second),
		ExpiresAt:   t.ExpiresAt,
	}
}

func newProjectView(p domain.Project) projectView {
	return projectView{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// newDeploymentView includes the build log only when withLog is set.
func newDeploymentView(d domain.Deployment, withLog bool) deploymentView {
	v := deploymentView{
		ID:             d.ID,
		ProjectID:      d.ProjectID,
		Status:         string(d.Status),
		Stage:          d.Stage,
		URL:            d.URL,
		CommitMessage:  d.CommitMessage,
		Framework:      d.Framework,
		PackageManager: d.PackageManager,
		Error:          d.Error,
		CreatedAt:      d.CreatedAt,
		StartedAt:      d.StartedAt,
		CompletedAt:    d.CompletedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if withLog {
		v.Log = d.Log
	}
	return v
}

func newLogView(l domain.ProjectLog) logView {
	return logView{
		ID:           l.ID,
		DeploymentID: l.DeploymentID,
		Source:       l.Source,
		Level:        l.Level,
		Message:      l.Message,
		CreatedAt:    l.CreatedAt,
	}
}
