package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Transaction-scoped, so it is released on commit or rollback.
const lockTenantSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

// withTenantLock runs fn in a transaction holding the tenant's stream lock.
// Appends of one tenant are serialized so that id order, created_at order
// and commit order agree. fn returning an error rolls the transaction back.
func withTenantLock(ctx context.Context, pool *pgxpool.Pool, tenantID uuid.UUID, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockTenantSQL, tenantID.String()); err != nil {
			return fmt.Errorf("failed to lock tenant stream: %w", err)
		}
		return fn(tx)
	})
}
