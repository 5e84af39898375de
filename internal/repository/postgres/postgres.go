package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

// Ping checks the connection pool.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	return mapError(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE lower(email) = lower($1)`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// CreateProject inserts a project owned by project.UserID.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, user_id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.UserID, project.Name, project.Description, project.CreatedAt, project.UpdatedAt)
	return mapError(err)
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, user_id, name, description, created_at, updated_at FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

// ListProjectsByUser returns the user's projects, newest first.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	const query = `SELECT id, user_id, name, description, created_at, updated_at
		FROM projects WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project. Deployments and logs cascade.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const deploymentColumns = `id, project_id, status, stage, url, commit_message, framework, package_manager,
	error, log, created_at, started_at, completed_at, updated_at`

// CreateDeployment stores a new deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query,
		d.ID, d.ProjectID, string(d.Status), d.Stage, d.URL, d.CommitMessage, d.Framework, d.PackageManager,
		d.Error, d.Log, d.CreatedAt, d.StartedAt, d.CompletedAt, d.UpdatedAt,
	)
	return mapError(err)
}

// UpdateDeploymentStatus applies a transition if the row still holds update.From.
// Empty string fields keep their stored value. started_at is stamped on entry
// to building and completed_at on entry to a terminal state. A
// building→building update only records stage progress.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments SET
			status = $3,
			stage = COALESCE(NULLIF($4::text, ''), stage),
			url = COALESCE(NULLIF($5::text, ''), url),
			framework = COALESCE(NULLIF($6::text, ''), framework),
			package_manager = COALESCE(NULLIF($7::text, ''), package_manager),
			error = COALESCE(NULLIF($8::text, ''), error),
			log = COALESCE(NULLIF($9::text, ''), log),
			started_at = CASE WHEN $3 = 'building' THEN COALESCE(started_at, $10::timestamptz) ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('success', 'error') THEN $10::timestamptz ELSE completed_at END,
			updated_at = $10::timestamptz
		WHERE id = $1 AND status = $2`
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID, string(update.From), string(update.Status),
		update.Stage, update.URL, update.Framework, update.PackageManager, update.Error, update.Log, at,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM deployments WHERE id = $1`, update.DeploymentID).Scan(&current); err != nil {
		return mapError(err)
	}
	return fmt.Errorf("%w: deployment %s is %s, expected %s", repository.ErrStaleStatus, update.DeploymentID, current, update.From)
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// ListDeploymentsByProject returns recent deployments, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.queryDeployments(ctx, query, projectID, limit)
}

// ListDeploymentsByStatus returns deployments in status last touched before updatedBefore.
func (r *Repository) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`
	return r.queryDeployments(ctx, query, string(status), updatedBefore)
}

// LatestSuccessfulDeployment returns the newest successful deployment of a project.
func (r *Repository) LatestSuccessfulDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND status = 'success' ORDER BY completed_at DESC NULLS LAST LIMIT 1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d      domain.Deployment
		status string
	)
	if err := row.Scan(
		&d.ID, &d.ProjectID, &status, &d.Stage, &d.URL, &d.CommitMessage, &d.Framework, &d.PackageManager,
		&d.Error, &d.Log, &d.CreatedAt, &d.StartedAt, &d.CompletedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	return &d, nil
}

// AppendLog stores a log line.
func (r *Repository) AppendLog(ctx context.Context, log domain.ProjectLog) error {
	const query = `INSERT INTO project_logs (project_id, deployment_id, source, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, log.ProjectID, nilIfEmpty(log.DeploymentID), log.Source, log.Level, log.Message, createdAt)
	return mapError(err)
}

// ListLogsByDeployment returns a deployment's log lines in emission order.
func (r *Repository) ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.ProjectLog, error) {
	const query = `SELECT id, project_id, deployment_id, source, level, message, created_at
		FROM project_logs WHERE deployment_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	return r.queryLogs(ctx, query, deploymentID, pageLimit(limit), max(offset, 0))
}

// ListLogsByProject returns a project's most recent log lines, newest first.
func (r *Repository) ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error) {
	const query = `SELECT id, project_id, deployment_id, source, level, message, created_at
		FROM project_logs WHERE project_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
	return r.queryLogs(ctx, query, projectID, pageLimit(limit), max(offset, 0))
}

func (r *Repository) queryLogs(ctx context.Context, query string, args ...any) ([]domain.ProjectLog, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	logs := make([]domain.ProjectLog, 0)
	for rows.Next() {
		var (
			l            domain.ProjectLog
			deploymentID *string
		)
		if err := rows.Scan(&l.ID, &l.ProjectID, &deploymentID, &l.Source, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		if deploymentID != nil {
			l.DeploymentID = *deploymentID
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func pageLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// mapError converts driver errors into repository sentinels. Malformed UUIDs
// can never match a row, so they read as not found.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02":
			return repository.ErrNotFound
		case "23505":
			return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.ConstraintName)
		}
	}
	return err
}
