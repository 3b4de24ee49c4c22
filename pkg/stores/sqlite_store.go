package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/stevedore-io/stevedore/pkg/core"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements core.Store on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded source.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateResource inserts a new resource. The (kind, name) pair must be
// unique.
func (s *SQLiteStore) CreateResource(ctx context.Context, r *core.Resource) error {
	tags, err := encodeTags(r.Tags)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO resources (id, kind, name, config, info, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	var info *string
	if len(r.Info) > 0 {
		v := string(r.Info)
		info = &v
	}

	_, err = s.db.ExecContext(ctx, query,
		r.ID,
		string(r.Kind),
		r.Name,
		string(r.Config),
		info,
		tags,
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

const resourceColumns = `id, kind, name, config, info, tags, created_at, updated_at`

func scanResource(row interface{ Scan(...interface{}) error }) (*core.Resource, error) {
	var (
		r         core.Resource
		kind      string
		config    string
		info      sql.NullString
		tags      sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&r.ID, &kind, &r.Name, &config, &info, &tags, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Kind = core.TargetType(kind)
	r.Config = []byte(config)
	if info.Valid {
		r.Info = []byte(info.String)
	}
	var err error
	if r.Tags, err = decodeTags(tags); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetResource retrieves a resource by kind and id.
func (s *SQLiteStore) GetResource(ctx context.Context, kind core.TargetType, id string) (*core.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE kind = ? AND id = ?`

	r, err := scanResource(s.db.QueryRowContext(ctx, query, string(kind), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s/%s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// GetResourceByName retrieves a resource by kind and name.
func (s *SQLiteStore) GetResourceByName(ctx context.Context, kind core.TargetType, name string) (*core.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE kind = ? AND name = ?`

	r, err := scanResource(s.db.QueryRowContext(ctx, query, string(kind), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s named %q: %w", kind, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource by name: %w", err)
	}
	return r, nil
}

// ListResources lists all resources of a kind, by name.
func (s *SQLiteStore) ListResources(ctx context.Context, kind core.TargetType) ([]*core.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE kind = ? ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*core.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// UpdateResourceConfig replaces a resource's user configuration.
func (s *SQLiteStore) UpdateResourceConfig(ctx context.Context, kind core.TargetType, id string, config []byte) error {
	query := `UPDATE resources SET config = ?, updated_at = ? WHERE kind = ? AND id = ?`

	result, err := s.db.ExecContext(ctx, query, string(config), formatTime(time.Now()), string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to update resource config: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("resource %s/%s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// UpdateResourceInfo replaces a resource's cached runtime info.
func (s *SQLiteStore) UpdateResourceInfo(ctx context.Context, kind core.TargetType, id string, info []byte) error {
	query := `UPDATE resources SET info = ?, updated_at = ? WHERE kind = ? AND id = ?`

	result, err := s.db.ExecContext(ctx, query, string(info), formatTime(time.Now()), string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to update resource info: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("resource %s/%s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// DeleteResource removes a resource. Deleting a resource that does not
// exist succeeds: the desired state already holds.
func (s *SQLiteStore) DeleteResource(ctx context.Context, kind core.TargetType, id string) error {
	query := `DELETE FROM resources WHERE kind = ? AND id = ?`

	if _, err := s.db.ExecContext(ctx, query, string(kind), id); err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	return nil
}

// CreateUpdate persists a new update record.
func (s *SQLiteStore) CreateUpdate(ctx context.Context, u *core.Update) error {
	query := `
		INSERT INTO updates (id, target_type, target_id, operation, operator, status, success, message, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		u.ID,
		string(u.Target.Type),
		u.Target.ID,
		string(u.Operation),
		u.Operator,
		string(u.Status),
		u.Success,
		u.Message,
		formatTime(u.CreatedAt),
		formatTimePtr(u.StartedAt),
		formatTimePtr(u.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create update: %w", err)
	}
	return nil
}

const updateColumns = `id, target_type, target_id, operation, operator, status, success, message, created_at, started_at, completed_at`

func scanUpdate(row interface{ Scan(...interface{}) error }) (*core.Update, error) {
	var (
		u           core.Update
		targetType  string
		operation   string
		status      string
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	if err := row.Scan(&u.ID, &targetType, &u.Target.ID, &operation, &u.Operator, &status,
		&u.Success, &u.Message, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	u.Target.Type = core.TargetType(targetType)
	u.Operation = core.Operation(operation)
	u.Status = core.UpdateStatus(status)

	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if u.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdate fetches an update with its logs.
func (s *SQLiteStore) GetUpdate(ctx context.Context, id string) (*core.Update, error) {
	query := `SELECT ` + updateColumns + ` FROM updates WHERE id = ?`

	u, err := scanUpdate(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get update: %w", err)
	}

	logs, err := s.getUpdateLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Logs = logs
	return u, nil
}

func (s *SQLiteStore) getUpdateLogs(ctx context.Context, id string) ([]core.LogChunk, error) {
	query := `SELECT stream, chunk, ts FROM update_logs WHERE update_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get update logs: %w", err)
	}
	defer rows.Close()

	var logs []core.LogChunk
	for rows.Next() {
		var (
			entry  core.LogChunk
			stream string
			ts     string
		)
		if err := rows.Scan(&stream, &entry.Chunk, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan update log: %w", err)
		}
		entry.Stream = core.LogStream(stream)
		if entry.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating update logs: %w", err)
	}
	return logs, nil
}

// ListUpdates lists updates for a target, most recent first. A zero
// target lists across all targets. Logs are not loaded for listings.
func (s *SQLiteStore) ListUpdates(ctx context.Context, target core.Target, limit int) ([]*core.Update, error) {
	query := `SELECT ` + updateColumns + ` FROM updates`
	args := []interface{}{}
	if target.Type != "" {
		query += ` WHERE target_type = ? AND target_id = ?`
		args = append(args, string(target.Type), target.ID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list updates: %w", err)
	}
	defer rows.Close()

	updates := []*core.Update{}
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating updates: %w", err)
	}
	return updates, nil
}

// SetUpdateStatus transitions an update's status. Completed updates are
// immutable and never match the guard.
func (s *SQLiteStore) SetUpdateStatus(ctx context.Context, id string, status core.UpdateStatus, at time.Time) error {
	query := `
		UPDATE updates
		SET status = ?,
		    started_at = CASE WHEN ? = 'in_progress' THEN ? ELSE started_at END
		WHERE id = ? AND status != 'complete'
	`

	stamp := formatTime(at)
	result, err := s.db.ExecContext(ctx, query, string(status), string(status), stamp, id)
	if err != nil {
		return fmt.Errorf("failed to set update status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update %s not found or already complete", id)
	}
	return nil
}

// AppendUpdateLog appends one log chunk to an update.
func (s *SQLiteStore) AppendUpdateLog(ctx context.Context, id string, chunk core.LogChunk) error {
	query := `INSERT INTO update_logs (update_id, stream, chunk, ts) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, id, string(chunk.Stream), chunk.Chunk, formatTime(chunk.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append update log: %w", err)
	}
	return nil
}

// FinalizeUpdate marks an update complete with its outcome. The guard on
// status makes completion monotonic: a second finalize matches no row.
func (s *SQLiteStore) FinalizeUpdate(ctx context.Context, id string, success bool, message string, at time.Time) error {
	query := `
		UPDATE updates
		SET status = 'complete', success = ?, message = ?, completed_at = ?
		WHERE id = ? AND status != 'complete'
	`

	result, err := s.db.ExecContext(ctx, query, success, message, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to finalize update: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update %s not found or already complete", id)
	}
	return nil
}

// ListUnfinishedUpdates returns every update not yet complete, oldest
// first.
func (s *SQLiteStore) ListUnfinishedUpdates(ctx context.Context) ([]*core.Update, error) {
	query := `SELECT ` + updateColumns + ` FROM updates WHERE status != 'complete' ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished updates: %w", err)
	}
	defer rows.Close()

	updates := []*core.Update{}
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unfinished updates: %w", err)
	}
	return updates, nil
}
