package simpleaction

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// maxVersionRetries bounds the optimistic re-read loop in UpdateStatus
const maxVersionRetries = 5

//go:embed migrations
var migrationsFS embed.FS

// SQLStore implements Store on Postgres (lib/pq) or SQLite (modernc.org/sqlite).
// Times are stored as unix milliseconds so both dialects compare them numerically.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// OpenSQLStore opens a database for the action log.
// Postgres connection strings accept ?schema=name (see ParseConnString).
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dsn, err := resolveDSN(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite prefers a single writer.
		db.SetMaxOpenConns(1)
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// NewSQLStore wraps an already opened database
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, driver: db.DriverName()}
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle, e.g. for health checks
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

func resolveDSN(driver, dsn string) (string, error) {
	switch driver {
	case DriverPostgres:
		conn, _, err := ParseConnString(dsn, DefaultSchema)
		if err != nil {
			return "", fmt.Errorf("failed to parse connection string: %w", err)
		}
		return conn, nil
	case DriverSQLite:
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrate applies the embedded schema migrations on a dedicated connection
func Migrate(ctx context.Context, driver, dsn string) error {
	dsn, err := resolveDSN(driver, dsn)
	if err != nil {
		return err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	var instance database.Driver
	switch driver {
	case DriverPostgres:
		_, schema, _ := ParseConnString(dsn, DefaultSchema)
		if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
			db.Close()
			return fmt.Errorf("failed to create schema %s: %w", schema, err)
		}
		instance, err = migratepg.WithInstance(db, &migratepg.Config{})
	case DriverSQLite:
		instance, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, driver, instance)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	// closes db as well
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

const attemptColumns = `id, workflow_id, action_id, action_order, endpoint, payload,
	related_entity_kind, related_entity_id, meta, status, scheduled_at, claimed_at,
	started_at, completed_at, claim_token, attempt_count, last_error, version,
	created_at, updated_at`

type attemptRow struct {
	ID                string         `db:"id"`
	WorkflowID        string         `db:"workflow_id"`
	ActionID          string         `db:"action_id"`
	Order             int            `db:"action_order"`
	Endpoint          string         `db:"endpoint"`
	Payload           sql.NullString `db:"payload"`
	RelatedEntityKind string         `db:"related_entity_kind"`
	RelatedEntityID   string         `db:"related_entity_id"`
	Meta              sql.NullString `db:"meta"`
	Status            string         `db:"status"`
	ScheduledAt       int64          `db:"scheduled_at"`
	ClaimedAt         sql.NullInt64  `db:"claimed_at"`
	StartedAt         sql.NullInt64  `db:"started_at"`
	CompletedAt       sql.NullInt64  `db:"completed_at"`
	ClaimToken        string         `db:"claim_token"`
	AttemptCount      int            `db:"attempt_count"`
	LastError         string         `db:"last_error"`
	Version           int64          `db:"version"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func (r attemptRow) toAttempt() *ActionAttempt {
	a := &ActionAttempt{
		ID:                r.ID,
		WorkflowID:        r.WorkflowID,
		ActionID:          r.ActionID,
		Order:             r.Order,
		Endpoint:          r.Endpoint,
		RelatedEntityKind: r.RelatedEntityKind,
		RelatedEntityID:   r.RelatedEntityID,
		Status:            Status(r.Status),
		ScheduledAt:       fromMillis(r.ScheduledAt),
		ClaimedAt:         fromNullMillis(r.ClaimedAt),
		StartedAt:         fromNullMillis(r.StartedAt),
		CompletedAt:       fromNullMillis(r.CompletedAt),
		ClaimToken:        r.ClaimToken,
		AttemptCount:      r.AttemptCount,
		LastError:         r.LastError,
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
	if r.Payload.Valid {
		a.Payload = json.RawMessage(r.Payload.String)
	}
	if r.Meta.Valid {
		a.Meta = json.RawMessage(r.Meta.String)
	}
	return a
}

func (s *SQLStore) Insert(ctx context.Context, attempts ...*ActionAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.db.Rebind(`
		INSERT INTO action_attempt (
			id, workflow_id, action_id, action_order, endpoint, payload,
			related_entity_kind, related_entity_id, meta, status, scheduled_at,
			attempt_count, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, a := range attempts {
		_, err := tx.ExecContext(ctx, query,
			a.ID, a.WorkflowID, a.ActionID, a.Order, a.Endpoint, nullJSON(a.Payload),
			a.RelatedEntityKind, a.RelatedEntityID, nullJSON(a.Meta), string(a.Status), a.ScheduledAt.UnixMilli(),
			a.AttemptCount, a.LastError, a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
		)
		if isActiveViolation(err) {
			return fmt.Errorf("insert attempt for action %s of workflow %s: %w", a.ActionID, a.WorkflowID, ErrDuplicateActiveAttempt)
		}
		if err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, a := range attempts {
		s.logEvent(ctx, a.ID, "created", map[string]interface{}{
			"scheduled_at": a.ScheduledAt,
		})
	}
	return nil
}

func (s *SQLStore) ClaimBatch(ctx context.Context, req ClaimRequest) ([]AttemptHandle, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	now := req.Now.UnixMilli()

	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT id FROM action_attempt
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC
		LIMIT ?
	`), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable attempts: %w", err)
	}

	claim := s.db.Rebind(`
		UPDATE action_attempt
		SET status = 'claimed', claimed_at = ?, claim_token = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND status = 'pending'
		RETURNING ` + attemptColumns)

	handles := make([]AttemptHandle, 0, len(ids))
	for _, id := range ids {
		var row attemptRow
		err := s.db.QueryRowxContext(ctx, claim, now, req.Owner, now, id).StructScan(&row)
		if errors.Is(err, sql.ErrNoRows) {
			// raced by another poller
			continue
		}
		if err != nil {
			return handles, fmt.Errorf("failed to claim attempt %s: %w", id, err)
		}
		handles = append(handles, AttemptHandle{Attempt: row.toAttempt(), Token: req.Owner})
		s.logEvent(ctx, id, "claimed", map[string]interface{}{"owner": req.Owner})
	}
	return handles, nil
}

func (s *SQLStore) ListExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]*ActionAttempt, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	return s.selectAttempts(ctx, `
		SELECT `+attemptColumns+` FROM action_attempt
		WHERE status IN ('claimed', 'dispatching') AND claimed_at <= ?
		ORDER BY claimed_at ASC, id ASC
		LIMIT ?
	`, cutoff.UnixMilli(), limit)
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, expected, next Status, fields Fields) (*ActionAttempt, error) {
	query := s.db.Rebind(`
		UPDATE action_attempt
		SET status = ?, scheduled_at = ?, claimed_at = ?, started_at = ?, completed_at = ?,
			claim_token = ?, attempt_count = ?, last_error = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND status = ? AND version = ?
		RETURNING ` + attemptColumns)

	// The row is read, transitioned in memory and written back guarded by status and
	// version. A version miss with a matching status means another writer passed
	// through and came back; re-read and try again.
	for i := 0; i < maxVersionRetries; i++ {
		current, version, err := s.getWithVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := checkGuards(current, expected, fields); err != nil {
			return nil, err
		}

		updated := current.Clone()
		applyTransition(updated, next, fields)

		var row attemptRow
		err = s.db.QueryRowxContext(ctx, query,
			string(updated.Status), updated.ScheduledAt.UnixMilli(), nullMillis(updated.ClaimedAt),
			nullMillis(updated.StartedAt), nullMillis(updated.CompletedAt), updated.ClaimToken,
			updated.AttemptCount, updated.LastError, updated.UpdatedAt.UnixMilli(),
			id, string(expected), version,
		).StructScan(&row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if isActiveViolation(err) {
			return nil, fmt.Errorf("reopen attempt %s: %w", id, ErrDuplicateActiveAttempt)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update attempt %s: %w", id, err)
		}

		data := map[string]interface{}{"from": expected, "attempt_count": row.AttemptCount}
		if fields.LastError != nil && *fields.LastError != "" {
			data["error"] = *fields.LastError
		}
		s.logEvent(ctx, id, string(next), data)
		return row.toAttempt(), nil
	}
	return nil, fmt.Errorf("attempt %s changed concurrently: %w", id, ErrConflict)
}

func (s *SQLStore) Get(ctx context.Context, id string) (*ActionAttempt, error) {
	a, _, err := s.getWithVersion(ctx, id)
	return a, err
}

func (s *SQLStore) getWithVersion(ctx context.Context, id string) (*ActionAttempt, int64, error) {
	var row attemptRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+attemptColumns+` FROM action_attempt WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get attempt %s: %w", id, err)
	}
	return row.toAttempt(), row.Version, nil
}

func (s *SQLStore) ListByCorrelation(ctx context.Context, kind, id string) ([]*ActionAttempt, error) {
	return s.selectAttempts(ctx, `
		SELECT `+attemptColumns+` FROM action_attempt
		WHERE related_entity_kind = ? AND related_entity_id = ?
		ORDER BY scheduled_at ASC, id ASC
	`, kind, id)
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status, filter ListFilter) ([]*ActionAttempt, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + attemptColumns + ` FROM action_attempt WHERE status = ?`
	args := []interface{}{string(status)}
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if !filter.Before.IsZero() {
		query += ` AND scheduled_at < ?`
		args = append(args, filter.Before.UnixMilli())
	}
	query += ` ORDER BY scheduled_at ASC, id ASC LIMIT ?`
	args = append(args, limit)
	return s.selectAttempts(ctx, query, args...)
}

func (s *SQLStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM action_attempt WHERE status = ?`), string(status))
	return n, err
}

func (s *SQLStore) selectAttempts(ctx context.Context, query string, args ...interface{}) ([]*ActionAttempt, error) {
	var rows []attemptRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	out := make([]*ActionAttempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAttempt())
	}
	return out, nil
}

// AttemptEvent is one audit record of an attempt transition
type AttemptEvent struct {
	ID        int64           `db:"id" json:"id"`
	AttemptID string          `db:"attempt_id" json:"attempt_id"`
	EventType string          `db:"event_type" json:"event_type"`
	Data      json.RawMessage `db:"-" json:"data,omitempty"`
	CreatedAt time.Time       `db:"-" json:"created_at"`
}

// ListEvents returns the audit trail of an attempt, oldest first
func (s *SQLStore) ListEvents(ctx context.Context, attemptID string) ([]AttemptEvent, error) {
	var rows []struct {
		ID        int64          `db:"id"`
		AttemptID string         `db:"attempt_id"`
		EventType string         `db:"event_type"`
		Data      sql.NullString `db:"data"`
		CreatedAt int64          `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, attempt_id, event_type, data, created_at
		FROM attempt_event WHERE attempt_id = ? ORDER BY id ASC
	`), attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]AttemptEvent, 0, len(rows))
	for _, r := range rows {
		e := AttemptEvent{ID: r.ID, AttemptID: r.AttemptID, EventType: r.EventType, CreatedAt: fromMillis(r.CreatedAt)}
		if r.Data.Valid {
			e.Data = json.RawMessage(r.Data.String)
		}
		events = append(events, e)
	}
	return events, nil
}

// logEvent inserts an audit event (best-effort, errors are ignored)
func (s *SQLStore) logEvent(ctx context.Context, attemptID, eventType string, data map[string]interface{}) {
	var dataJSON sql.NullString
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return
		}
		dataJSON = sql.NullString{String: string(b), Valid: true}
	}

	// Use a short timeout for event logging to avoid blocking
	eventCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	_, _ = s.db.ExecContext(eventCtx, s.db.Rebind(`
		INSERT INTO attempt_event (attempt_id, event_type, data, created_at)
		VALUES (?, ?, ?, ?)
	`), attemptID, eventType, dataJSON, time.Now().UnixMilli())
}

// isActiveViolation reports whether err is a violation of the one-active-attempt index
func isActiveViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == "action_attempt_active_uq"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func nullJSON(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
