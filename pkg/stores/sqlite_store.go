package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/rollout/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `toml:"path"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// NewSQLiteStore creates a new SQLite store instance
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
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate&_time_format=sqlite"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

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

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func encodeParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}
	return string(data), nil
}

func decodeParams(raw string) (map[string]any, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateBuild inserts a build record. Timestamps default to now.
func (s *SQLiteStore) CreateBuild(ctx context.Context, build *Build) error {
	now := time.Now().UTC()
	if build.StartedAt.IsZero() {
		build.StartedAt = now
	}
	build.StartedAt = build.StartedAt.UTC()
	if build.CreatedAt.IsZero() {
		build.CreatedAt = now
	}
	build.UpdatedAt = now
	if build.Status == "" {
		build.Status = engine.RunStatusPending
	}
	params, err := encodeParams(build.Params)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO builds (id, project, env, playbook, status, parent_id, params, started_at, finished_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		build.ID,
		build.Project,
		build.Env,
		build.Playbook,
		build.Status,
		build.ParentID,
		params,
		build.StartedAt,
		build.FinishedAt,
		build.Error,
		build.CreatedAt,
		build.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create build: %w", err)
	}

	return nil
}

const buildColumns = `id, project, env, playbook, status, parent_id, params, started_at, finished_at, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*Build, error) {
	build := &Build{}
	var params string
	err := row.Scan(
		&build.ID,
		&build.Project,
		&build.Env,
		&build.Playbook,
		&build.Status,
		&build.ParentID,
		&params,
		&build.StartedAt,
		&build.FinishedAt,
		&build.Error,
		&build.CreatedAt,
		&build.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if build.Params, err = decodeParams(params); err != nil {
		return nil, err
	}
	return build, nil
}

// GetBuild retrieves a build by ID
func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = ?`

	build, err := scanBuild(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}

	return build, nil
}

// SaveResult stores the outcome of a finished build: its status, and its
// play and host results, replacing any stored earlier. A build that was
// never created is inserted.
func (s *SQLiteStore) SaveResult(ctx context.Context, result *engine.BuildResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	finished := result.FinishedAt
	if finished.IsZero() {
		finished = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO builds (id, project, env, playbook, status, params, started_at, finished_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '{}', ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			error = excluded.error,
			updated_at = excluded.updated_at
	`,
		result.ID,
		result.Project,
		result.Env,
		result.Playbook,
		result.Status,
		result.StartedAt.UTC(),
		finished.UTC(),
		nullString(result.Error),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save build: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM play_results WHERE build_id = ?`, result.ID); err != nil {
		return fmt.Errorf("failed to clear play results: %w", err)
	}

	for i, play := range result.Plays {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO play_results (build_id, position, name, status, error) VALUES (?, ?, ?, ?, ?)`,
			result.ID, i, play.Name, play.Status, nullString(play.Error))
		if err != nil {
			return fmt.Errorf("failed to save play result %s: %w", play.Name, err)
		}
		playID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get play result ID: %w", err)
		}
		for _, host := range play.Hosts {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO host_results (play_result_id, host, retired, status, attempts, error) VALUES (?, ?, ?, ?, ?, ?)`,
				playID, host.Host, host.Retired, host.Status, host.Attempts, nullString(host.Error))
			if err != nil {
				return fmt.Errorf("failed to save host result %s/%s: %w", play.Name, host.Host, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit build result: %w", err)
	}
	return nil
}

// ListBuilds lists builds, newest first, with pagination
func (s *SQLiteStore) ListBuilds(ctx context.Context, filter BuildFilter, limit, offset int) ([]*Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE (? = '' OR project = ?)
		  AND (? = '' OR env = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Project, filter.Project,
		filter.Env, filter.Env,
		filter.Status, filter.Status,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer rows.Close()

	builds := []*Build{}
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, build)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}

	return builds, nil
}

// ListPlayResults returns the stored play results of a build in run order.
func (s *SQLiteStore) ListPlayResults(ctx context.Context, buildID string) ([]engine.PlayResult, error) {
	query := `
		SELECT p.id, p.name, p.status, p.error, h.host, h.retired, h.status, h.attempts, h.error
		FROM play_results p
		LEFT JOIN host_results h ON h.play_result_id = p.id
		WHERE p.build_id = ?
		ORDER BY p.position, h.id
	`

	rows, err := s.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list play results: %w", err)
	}
	defer rows.Close()

	var plays []engine.PlayResult
	lastID := int64(-1)
	for rows.Next() {
		var (
			playID           int64
			play             engine.PlayResult
			playErr          *string
			host, hostStatus *string
			retired          *bool
			attempts         *int
			hostErr          *string
		)
		if err := rows.Scan(&playID, &play.Name, &play.Status, &playErr, &host, &retired, &hostStatus, &attempts, &hostErr); err != nil {
			return nil, fmt.Errorf("failed to scan play result: %w", err)
		}
		if playID != lastID {
			if playErr != nil {
				play.Error = *playErr
			}
			plays = append(plays, play)
			lastID = playID
		}
		if host == nil {
			continue
		}
		hr := engine.HostResult{Host: *host, Status: engine.UnitStatus(*hostStatus)}
		if retired != nil {
			hr.Retired = *retired
		}
		if attempts != nil {
			hr.Attempts = *attempts
		}
		if hostErr != nil {
			hr.Error = *hostErr
		}
		last := &plays[len(plays)-1]
		last.Hosts = append(last.Hosts, hr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating play results: %w", err)
	}

	return plays, nil
}

// DeleteBuild deletes a build and everything recorded for it.
func (s *SQLiteStore) DeleteBuild(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete build: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("build %s: %w", id, ErrNotFound)
	}

	return nil
}

// AppendEvent appends an event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, build_id, type, level, play, host, task, resource, attempt, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.BuildID,
		event.Type,
		event.Level,
		event.Play,
		event.Host,
		event.Task,
		event.Resource,
		event.Attempt,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves the events of a build in recording order, optionally
// filtered by level.
func (s *SQLiteStore) GetEvents(ctx context.Context, buildID string, level *string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, build_id, type, level, play, host, task, resource, attempt, message, details, timestamp
		FROM events
		WHERE build_id = ?
		  AND (? IS NULL OR level = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, buildID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.BuildID,
			&event.Type,
			&event.Level,
			&event.Play,
			&event.Host,
			&event.Task,
			&event.Resource,
			&event.Attempt,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// Schedule queues a downstream build and returns its ID. It implements
// engine.Scheduler.
func (s *SQLiteStore) Schedule(ctx context.Context, req engine.ScheduleRequest) (string, error) {
	if req.Project == "" || req.Env == "" {
		return "", fmt.Errorf("schedule request needs a project and an environment")
	}
	params, err := encodeParams(req.Params)
	if err != nil {
		return "", err
	}
	id := engine.NewBuildID()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO build_queue (id, project, env, playbook, params, parent_id, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, req.Project, req.Env, req.Playbook, params, nullString(req.Parent), QueueStatusQueued, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to queue build: %w", err)
	}
	return id, nil
}

const queueColumns = `id, project, env, playbook, params, parent_id, status, enqueued_at, claimed_at`

func scanQueued(row rowScanner) (*QueuedBuild, error) {
	q := &QueuedBuild{}
	var params string
	if err := row.Scan(&q.ID, &q.Project, &q.Env, &q.Playbook, &params, &q.ParentID, &q.Status, &q.EnqueuedAt, &q.ClaimedAt); err != nil {
		return nil, err
	}
	var err error
	if q.Params, err = decodeParams(params); err != nil {
		return nil, err
	}
	return q, nil
}

// ClaimNext marks the oldest queued build as claimed and returns it. It
// returns ErrNotFound when the queue is empty.
func (s *SQLiteStore) ClaimNext(ctx context.Context) (q *QueuedBuild, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	q, err = scanQueued(tx.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM build_queue
		WHERE status = ?
		ORDER BY enqueued_at, rowid
		LIMIT 1
	`, QueueStatusQueued))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queued build: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx, `UPDATE build_queue SET status = ?, claimed_at = ? WHERE id = ?`,
		QueueStatusClaimed, now, q.ID); err != nil {
		return nil, fmt.Errorf("failed to claim build: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	q.Status = QueueStatusClaimed
	q.ClaimedAt = &now
	return q, nil
}

// ListQueued lists builds still waiting in the queue, oldest first.
func (s *SQLiteStore) ListQueued(ctx context.Context, limit int) ([]*QueuedBuild, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM build_queue
		WHERE status = ?
		ORDER BY enqueued_at, rowid
		LIMIT ?
	`, QueueStatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	out := []*QueuedBuild{}
	for rows.Next() {
		q, err := scanQueued(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queued build: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return out, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}
