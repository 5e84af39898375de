package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the localvercel API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for field, msg := range e.Fields {
			parts = append(parts, field+": "+msg)
		}
		return fmt.Sprintf("api request failed (%d): %s (%s)", e.Status, e.Message, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(c.httpClient, req, token, v)
}

func (c *Client) send(hc *http.Client, req *http.Request, token string, v any) error {
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	out := APIError{Status: status}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return out
	}
	var payload struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		out.Message = strings.TrimSpace(string(data))
		return out
	}
	out.Message = strings.TrimSpace(payload.Error)
	out.Fields = payload.Fields
	return out
}

// User reflects API user payloads.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Token is the access token issued at signup or login.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Session pairs a user with a fresh token.
type Session struct {
	User   User  `json:"user"`
	Tokens Token `json:"tokens"`
}

// Signup registers an account and returns its first token.
func (c *Client) Signup(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/signup", body, "", &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Whoami returns the user the token belongs to.
func (c *Client) Whoami(ctx context.Context, token string) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/session", nil, token, &resp); err != nil {
		return User{}, err
	}
	return resp.User, nil
}

// Project describes a deployable site.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ListProjects returns the caller's projects.
func (c *Client) ListProjects(ctx context.Context, token string) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches a single project.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// CreateProject provisions a new project.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// DeleteProject removes a project with its deployments and published sites.
func (c *Client) DeleteProject(ctx context.Context, token, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(projectID), nil, token, nil)
}

// Deployment represents API deployment payloads.
type Deployment struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Status         string     `json:"status"`
	Stage          string     `json:"stage"`
	URL            string     `json:"url"`
	CommitMessage  string     `json:"commit_message"`
	Framework      string     `json:"framework"`
	PackageManager string     `json:"package_manager"`
	Error          string     `json:"error"`
	Log            string     `json:"log"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the deployment has finished.
func (d Deployment) Terminal() bool {
	return d.Status == "success" || d.Status == "error"
}

// UploadDeployment streams a zip archive to the API and returns the pending
// deployment. The request is not bound by the client's timeout; use ctx.
func (c *Client) UploadDeployment(ctx context.Context, token, projectID string, archive io.Reader, commitMessage string) (Deployment, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if strings.TrimSpace(commitMessage) != "" {
				if err := mw.WriteField("commit_message", commitMessage); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("archive", "project.zip")
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, archive); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	path := "/projects/" + url.PathEscape(projectID) + "/deployments"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		pr.CloseWithError(err)
		return Deployment{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	uploader := &http.Client{Transport: c.httpClient.Transport}
	var deployment Deployment
	err = c.send(uploader, req, token, &deployment)
	pr.Close()
	if err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// ListDeployments fetches recent deployments for a project.
func (c *Client) ListDeployments(ctx context.Context, token, projectID string, limit int) ([]Deployment, error) {
	path := "/projects/" + url.PathEscape(projectID) + "/deployments"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// GetDeployment returns one deployment including its build log.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	var deployment Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentID), nil, token, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// WaitForDeployment polls until the deployment is terminal or ctx ends.
// onChange, when set, observes every status or stage change.
func (c *Client) WaitForDeployment(ctx context.Context, token, deploymentID string, interval time.Duration, onChange func(Deployment)) (Deployment, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last Deployment
	for {
		d, err := c.GetDeployment(ctx, token, deploymentID)
		if err != nil {
			return last, err
		}
		if onChange != nil && (d.Status != last.Status || d.Stage != last.Stage) {
			onChange(d)
		}
		last = d
		if d.Terminal() {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LogEntry models a persisted build log line.
type LogEntry struct {
	ID           int64     `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	Source       string    `json:"source"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeploymentLogs returns log lines of a deployment in emission order.
func (c *Client) DeploymentLogs(ctx context.Context, token, deploymentID string, limit, offset int) ([]LogEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	path := "/deployments/" + url.PathEscape(deploymentID) + "/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var logs []LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, token, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
