// Package sqlite provides a single-node event log backed by an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/ports"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id   TEXT    NOT NULL,
    operation   TEXT    NOT NULL CHECK (operation IN ('create', 'update', 'delete')),
    entity_type TEXT    NOT NULL,
    entity_id   TEXT    NOT NULL,
    version     INTEGER NOT NULL CHECK (version > 0),
    data        TEXT    NOT NULL,
    user_id     TEXT    NOT NULL,
    metadata    TEXT,
    created_at  INTEGER NOT NULL,
    UNIQUE (tenant_id, entity_type, entity_id, version)
);
CREATE INDEX IF NOT EXISTS idx_sync_events_tenant_stream ON sync_events (tenant_id, created_at, id);
`

const selectEventColumns = `
SELECT id, tenant_id, operation, entity_type, entity_id, version, data, user_id, metadata, created_at
FROM sync_events`

// EventLog is the SQLite implementation of ports.EventLog. All access goes
// through a single connection, so appends are naturally serialized.
type EventLog struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

var _ ports.EventLog = (*EventLog)(nil)

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string, logger *slog.Logger) (*EventLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &EventLog{
		conn:   conn,
		path:   path,
		logger: logger.With("component", "sqlite_event_log"),
		now:    time.Now,
	}, nil
}

// Close checkpoints the WAL and closes the database connection. A failed
// checkpoint is logged; the WAL is replayed on the next open.
func (l *EventLog) Close() error {
	if err := l.checkpoint(); err != nil {
		l.logger.Warn("wal checkpoint failed", "path", l.path, "error", err)
	}
	return l.conn.Close()
}

// checkpoint folds the WAL into the database file. SQLite reports a
// checkpoint blocked by readers in the first result column rather than as
// an error.
func (l *EventLog) checkpoint() error {
	var busy, logFrames, checkpointed int
	err := l.conn.QueryRow("PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if busy != 0 {
		return fmt.Errorf("wal checkpoint: database busy, %d of %d frames checkpointed", checkpointed, logFrames)
	}
	return nil
}

// Append persists the event. The version must be exactly one above the
// latest stored version for the entity key.
func (l *EventLog) Append(ctx context.Context, event *domain.SyncEvent) (*domain.SyncEvent, error) {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, l.mapError(ctx, "begin", err)
	}
	defer tx.Rollback()

	var latest int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM sync_events WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		event.TenantID.String(), event.EntityType, event.EntityID.String(),
	).Scan(&latest)
	if err != nil {
		return nil, l.mapError(ctx, "latest version", err)
	}
	if event.Version != latest+1 {
		return nil, apperrors.ErrConflict
	}

	// created_at never moves backwards within a tenant
	var lastCreated int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM sync_events WHERE tenant_id = ?`,
		event.TenantID.String(),
	).Scan(&lastCreated)
	if err != nil {
		return nil, l.mapError(ctx, "latest created_at", err)
	}
	createdAt := l.now().UnixNano()
	if createdAt < lastCreated {
		createdAt = lastCreated
	}

	var metadata any
	if len(event.Metadata) > 0 {
		metadata = string(event.Metadata)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO sync_events (tenant_id, operation, entity_type, entity_id, version, data, user_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.TenantID.String(),
		string(event.Operation),
		event.EntityType,
		event.EntityID.String(),
		event.Version,
		string(event.Data),
		event.UserID.String(),
		metadata,
		createdAt,
	)
	if err != nil {
		return nil, l.mapError(ctx, "insert", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, l.mapError(ctx, "last insert id", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, l.mapError(ctx, "commit", err)
	}

	stored := *event
	stored.ID = id
	stored.CreatedAt = time.Unix(0, createdAt).UTC()
	return &stored, nil
}

// QuerySince returns up to limit events of the tenant strictly after the
// watermark in (created_at, id) order. A time-only watermark includes its
// own instant; the overlap is removed by event id on the client.
func (l *EventLog) QuerySince(ctx context.Context, tenantID uuid.UUID, since domain.Watermark, limit int) ([]*domain.SyncEvent, error) {
	var sinceNanos int64
	if !since.CreatedAt.IsZero() {
		sinceNanos = since.CreatedAt.UnixNano()
	}

	var (
		rows *sql.Rows
		err  error
	)
	if since.ID == 0 {
		rows, err = l.conn.QueryContext(ctx, selectEventColumns+`
			WHERE tenant_id = ? AND created_at >= ?
			ORDER BY created_at, id LIMIT ?`,
			tenantID.String(), sinceNanos, limit)
	} else {
		rows, err = l.conn.QueryContext(ctx, selectEventColumns+`
			WHERE tenant_id = ? AND (created_at, id) > (?, ?)
			ORDER BY created_at, id LIMIT ?`,
			tenantID.String(), sinceNanos, since.ID, limit)
	}
	if err != nil {
		return nil, l.mapError(ctx, "query since", err)
	}
	defer rows.Close()

	events := make([]*domain.SyncEvent, 0, limit)
	for rows.Next() {
		var (
			event     domain.SyncEvent
			operation string
			data      string
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(
			&event.ID,
			&event.TenantID,
			&operation,
			&event.EntityType,
			&event.EntityID,
			&event.Version,
			&data,
			&event.UserID,
			&metadata,
			&createdAt,
		); err != nil {
			return nil, l.mapError(ctx, "scan event", err)
		}

		event.Operation = domain.Operation(operation)
		event.Data = []byte(data)
		if metadata.Valid && metadata.String != "" {
			event.Metadata = []byte(metadata.String)
		}
		event.CreatedAt = time.Unix(0, createdAt).UTC()
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, l.mapError(ctx, "iterate events", err)
	}

	return events, nil
}

// LatestVersion returns the highest stored version for key, 0 if none.
func (l *EventLog) LatestVersion(ctx context.Context, key domain.EntityKey) (int64, error) {
	var latest int64
	err := l.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM sync_events WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		key.TenantID.String(), key.EntityType, key.EntityID.String(),
	).Scan(&latest)
	if err != nil {
		return 0, l.mapError(ctx, "latest version", err)
	}
	return latest, nil
}

// Ping checks the database connection is alive.
func (l *EventLog) Ping(ctx context.Context) error {
	if err := l.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrLogUnavailable, err)
	}
	return nil
}

func (l *EventLog) mapError(ctx context.Context, op string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return apperrors.ErrConflict
	}

	l.logger.ErrorContext(ctx, "event log operation failed", "op", op, "path", l.path, "error", err)
	return fmt.Errorf("%w: %s: %v", apperrors.ErrLogUnavailable, op, err)
}
