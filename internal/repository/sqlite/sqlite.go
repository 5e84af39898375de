// Package sqlite implements the repository interfaces on an embedded SQLite
// database. Timestamps are stored as unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Repository implements persistence interfaces on SQLite.
type Repository struct {
	db *sql.DB
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

// Open opens (creating if needed) the database at path. A single connection
// is used, which serialises writers and keeps in-memory databases alive.
func Open(ctx context.Context, path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return &Repository{db: db}, nil
}

func dsn(path string) string {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == MemoryPath {
		return "file::memory:?" + pragmas
	}
	return "file:" + path + "?" + pragmas + "&_pragma=journal_mode(WAL)"
}

// DB exposes the handle for schema migrations.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Ping checks the database handle.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the database.
func (r *Repository) Close() {
	_ = r.db.Close()
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, user.ID, user.Email, user.PasswordHash, millis(user.CreatedAt))
	return mapError(err)
}

// GetUserByEmail fetches a user by email, ignoring case.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getUser(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email)
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getUser(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, id)
}

func (r *Repository) getUser(ctx context.Context, query string, arg string) (*domain.User, error) {
	var (
		u       domain.User
		created int64
	)
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &created); err != nil {
		return nil, mapError(err)
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, p *domain.Project) error {
	const query = `INSERT INTO projects (id, user_id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, p.ID, p.UserID, p.Name, p.Description, millis(p.CreatedAt), millis(p.UpdatedAt))
	return mapError(err)
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, user_id, name, description, created_at, updated_at FROM projects WHERE id = ?`
	p, err := scanProject(r.db.QueryRowContext(ctx, query, projectID))
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// ListProjectsByUser returns the user's projects, newest first.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	const query = `SELECT id, user_id, name, description, created_at, updated_at
		FROM projects WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project. Deployments and logs cascade.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*domain.Project, error) {
	var (
		p                domain.Project
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

const deploymentColumns = `id, project_id, status, stage, url, commit_message, framework, package_manager,
	error, log, created_at, started_at, completed_at, updated_at`

// CreateDeployment stores a new deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.ProjectID, string(d.Status), d.Stage, d.URL, d.CommitMessage, d.Framework, d.PackageManager,
		d.Error, d.Log, millis(d.CreatedAt), millisPtr(d.StartedAt), millisPtr(d.CompletedAt), millis(d.UpdatedAt),
	)
	return mapError(err)
}

// UpdateDeploymentStatus applies a transition if the row still holds update.From.
// Empty string fields keep their stored value. A building→building update
// only records stage progress.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments SET
			status = ?1,
			stage = COALESCE(NULLIF(?2, ''), stage),
			url = COALESCE(NULLIF(?3, ''), url),
			framework = COALESCE(NULLIF(?4, ''), framework),
			package_manager = COALESCE(NULLIF(?5, ''), package_manager),
			error = COALESCE(NULLIF(?6, ''), error),
			log = COALESCE(NULLIF(?7, ''), log),
			started_at = CASE WHEN ?1 = 'building' THEN COALESCE(started_at, ?8) ELSE started_at END,
			completed_at = CASE WHEN ?1 IN ('success', 'error') THEN ?8 ELSE completed_at END,
			updated_at = ?8
		WHERE id = ?9 AND status = ?10`
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, query,
		string(update.Status), update.Stage, update.URL, update.Framework, update.PackageManager,
		update.Error, update.Log, millis(at), update.DeploymentID, string(update.From),
	)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var current string
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM deployments WHERE id = ?`, update.DeploymentID).Scan(&current); err != nil {
		return mapError(err)
	}
	return fmt.Errorf("%w: deployment %s is %s, expected %s", repository.ErrStaleStatus, update.DeploymentID, current, update.From)
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`
	d, err := scanDeployment(r.db.QueryRowContext(ctx, query, deploymentID))
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
		WHERE project_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
	return r.queryDeployments(ctx, query, projectID, limit)
}

// ListDeploymentsByStatus returns deployments in status last touched before updatedBefore.
func (r *Repository) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`
	return r.queryDeployments(ctx, query, string(status), millis(updatedBefore))
}

// LatestSuccessfulDeployment returns the newest successful deployment of a project.
func (r *Repository) LatestSuccessfulDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = ? AND status = 'success'
		ORDER BY completed_at DESC, rowid DESC LIMIT 1`
	d, err := scanDeployment(r.db.QueryRowContext(ctx, query, projectID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

func scanDeployment(row scanner) (*domain.Deployment, error) {
	var (
		d                  domain.Deployment
		status             string
		created, updated   int64
		started, completed sql.NullInt64
	)
	if err := row.Scan(
		&d.ID, &d.ProjectID, &status, &d.Stage, &d.URL, &d.CommitMessage, &d.Framework, &d.PackageManager,
		&d.Error, &d.Log, &created, &started, &completed, &updated,
	); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	d.StartedAt = fromNullMillis(started)
	d.CompletedAt = fromNullMillis(completed)
	return &d, nil
}

// AppendLog stores a log line.
func (r *Repository) AppendLog(ctx context.Context, log domain.ProjectLog) error {
	const query = `INSERT INTO project_logs (project_id, deployment_id, source, level, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var deploymentID any
	if log.DeploymentID != "" {
		deploymentID = log.DeploymentID
	}
	_, err := r.db.ExecContext(ctx, query, log.ProjectID, deploymentID, log.Source, log.Level, log.Message, millis(createdAt))
	return mapError(err)
}

// ListLogsByDeployment returns a deployment's log lines in emission order.
func (r *Repository) ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.ProjectLog, error) {
	const query = `SELECT id, project_id, deployment_id, source, level, message, created_at
		FROM project_logs WHERE deployment_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`
	return r.queryLogs(ctx, query, deploymentID, pageLimit(limit), max(offset, 0))
}

// ListLogsByProject returns a project's most recent log lines, newest first.
func (r *Repository) ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error) {
	const query = `SELECT id, project_id, deployment_id, source, level, message, created_at
		FROM project_logs WHERE project_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`
	return r.queryLogs(ctx, query, projectID, pageLimit(limit), max(offset, 0))
}

func (r *Repository) queryLogs(ctx context.Context, query string, args ...any) ([]domain.ProjectLog, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	logs := make([]domain.ProjectLog, 0)
	for rows.Next() {
		var (
			l            domain.ProjectLog
			deploymentID sql.NullString
			created      int64
		)
		if err := rows.Scan(&l.ID, &l.ProjectID, &deploymentID, &l.Source, &l.Level, &l.Message, &created); err != nil {
			return nil, err
		}
		l.DeploymentID = deploymentID.String
		l.CreatedAt = fromMillis(created)
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

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch code := sqlErr.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", repository.ErrConflict, sqlErr.Error())
		case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, sqlErr.Error())
		case code&0xff == sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(sqlErr.Error(), "UNIQUE") {
				return fmt.Errorf("%w: %s", repository.ErrConflict, sqlErr.Error())
			}
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, sqlErr.Error())
		}
	}
	return err
}
