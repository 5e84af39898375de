package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/splax/localvercel/db"
)

// Supported goose dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// goose keeps dialect and filesystem in package state.
var gooseMu sync.Mutex

// Runner wraps database migration capabilities.
type Runner struct {
	db      *sql.DB
	dialect string
	dir     string
	log     *slog.Logger
}

// New returns a migration runner backed by goose and the embedded migrations.
func New(sqlDB *sql.DB, dialect string, log *slog.Logger) (Runner, error) {
	if sqlDB == nil {
		return Runner{}, errors.New("nil database provided")
	}
	var dir string
	switch dialect {
	case DialectPostgres:
		dir = db.PostgresDir
	case DialectSQLite:
		dir = db.SQLiteDir
	default:
		return Runner{}, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{db: sqlDB, dialect: dialect, dir: dir, log: log}, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withGoose(func() error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		r.log.Info("applying migrations", "dialect", r.dialect, "dir", r.dir)
		if err := goose.UpContext(runCtx, r.db, r.dir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		r.log.Info("migrations applied")
		return nil
	})
}

// Status reports applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	return r.withGoose(func() error {
		r.log.Info("migration status", "dialect", r.dialect, "dir", r.dir)
		if err := goose.StatusContext(ctx, r.db, r.dir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Version returns the current schema version.
func (r Runner) Version(ctx context.Context) (int64, error) {
	var version int64
	err := r.withGoose(func() error {
		v, err := goose.GetDBVersionContext(ctx, r.db)
		version = v
		return err
	})
	return version, err
}

// Down rolls back migrations either to the previous version or a specific target version.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withGoose(func() error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if targetVersion > 0 {
			r.log.Info("rolling back migrations", "target", targetVersion)
			if err := goose.DownToContext(runCtx, r.db, r.dir, targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
		} else {
			r.log.Info("rolling back latest migration")
			if err := goose.DownContext(runCtx, r.db, r.dir); err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
		}

		r.log.Info("rollback complete")
		return nil
	})
}

func (r Runner) withGoose(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(db.Migrations)
	goose.SetLogger(gooseLogger{log: r.log})
	if err := goose.SetDialect(r.dialect); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return fn()
}

// gooseLogger forwards goose output to slog.
type gooseLogger struct {
	log *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
