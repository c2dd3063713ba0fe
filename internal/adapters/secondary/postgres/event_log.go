package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/ports"
)

const uniqueViolation = "23505"

const (
	latestVersionSQL = `
SELECT COALESCE(MAX(version), 0)
FROM sync_events
WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`

	insertEventSQL = `
INSERT INTO sync_events (tenant_id, operation, entity_type, entity_id, version, data, user_id, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, GREATEST(
    clock_timestamp(),
    COALESCE((SELECT MAX(created_at) FROM sync_events WHERE tenant_id = $1), '-infinity'::timestamptz)
))
RETURNING id, created_at`

	selectEventColumns = `
SELECT id, tenant_id, operation, entity_type, entity_id, version, data, user_id, metadata, created_at
FROM sync_events`

	querySinceSQL = selectEventColumns + `
WHERE tenant_id = $1 AND (created_at, id) > ($2, $3)
ORDER BY created_at, id
LIMIT $4`

	querySinceTimeSQL = selectEventColumns + `
WHERE tenant_id = $1 AND created_at >= $2
ORDER BY created_at, id
LIMIT $3`
)

// EventLog is the PostgreSQL implementation of ports.EventLog.
type EventLog struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ ports.EventLog = (*EventLog)(nil)

// NewEventLog creates a new PostgreSQL event log.
func NewEventLog(pool *pgxpool.Pool, logger *slog.Logger) *EventLog {
	return &EventLog{
		pool:   pool,
		logger: logger.With("component", "postgres_event_log"),
	}
}

// Append persists the event in its own transaction. The version must be
// exactly one above the latest stored version for the entity key.
func (l *EventLog) Append(ctx context.Context, event *domain.SyncEvent) (*domain.SyncEvent, error) {
	stored := *event

	err := withTenantLock(ctx, l.pool, event.TenantID, func(tx pgx.Tx) error {
		var latest int64
		if err := tx.QueryRow(ctx, latestVersionSQL, event.TenantID, event.EntityType, event.EntityID).Scan(&latest); err != nil {
			return fmt.Errorf("failed to read latest version: %w", err)
		}
		if event.Version != latest+1 {
			return apperrors.ErrConflict
		}

		var metadata any
		if len(event.Metadata) > 0 {
			metadata = []byte(event.Metadata)
		}

		return tx.QueryRow(ctx, insertEventSQL,
			event.TenantID,
			string(event.Operation),
			event.EntityType,
			event.EntityID,
			event.Version,
			[]byte(event.Data),
			event.UserID,
			metadata,
		).Scan(&stored.ID, &stored.CreatedAt)
	})
	if err != nil {
		return nil, l.mapError(ctx, "append", err)
	}

	return &stored, nil
}

// QuerySince returns up to limit events of the tenant strictly after the
// watermark in (created_at, id) order. A watermark without an id includes
// its own instant, since events sharing that timestamp cannot be told
// apart; clients drop the overlap by event id.
func (l *EventLog) QuerySince(ctx context.Context, tenantID uuid.UUID, since domain.Watermark, limit int) ([]*domain.SyncEvent, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if since.ID == 0 {
		rows, err = l.pool.Query(ctx, querySinceTimeSQL, tenantID, since.CreatedAt, limit)
	} else {
		rows, err = l.pool.Query(ctx, querySinceSQL, tenantID, since.CreatedAt, since.ID, limit)
	}
	if err != nil {
		return nil, l.mapError(ctx, "query since", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.SyncEvent, error) {
		return scanEvent(row)
	})
	if err != nil {
		return nil, l.mapError(ctx, "scan events", err)
	}
	return events, nil
}

// LatestVersion returns the highest stored version for key, 0 if none.
func (l *EventLog) LatestVersion(ctx context.Context, key domain.EntityKey) (int64, error) {
	var latest int64
	err := l.pool.
		QueryRow(ctx, latestVersionSQL, key.TenantID, key.EntityType, key.EntityID).
		Scan(&latest)
	if err != nil {
		return 0, l.mapError(ctx, "latest version", err)
	}
	return latest, nil
}

// Ping checks the database connection.
func (l *EventLog) Ping(ctx context.Context) error {
	if err := l.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrLogUnavailable, err)
	}
	return nil
}

func scanEvent(row pgx.Row) (*domain.SyncEvent, error) {
	var (
		event     domain.SyncEvent
		operation string
		data      []byte
		metadata  []byte
	)

	err := row.Scan(
		&event.ID,
		&event.TenantID,
		&operation,
		&event.EntityType,
		&event.EntityID,
		&event.Version,
		&data,
		&event.UserID,
		&metadata,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Operation = domain.Operation(operation)
	event.Data = data
	if len(metadata) > 0 {
		event.Metadata = metadata
	}

	return &event, nil
}

// mapError translates storage failures into domain errors.
func (l *EventLog) mapError(ctx context.Context, op string, err error) error {
	if errors.Is(err, apperrors.ErrConflict) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperrors.ErrConflict
	}

	l.logger.ErrorContext(ctx, "event log operation failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", apperrors.ErrLogUnavailable, op, err)
}
