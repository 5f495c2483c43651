package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/poslink/lansync/internal/localstore"
)

// Row is one remote record correlated to a local row by sync id.
type Row struct {
	SyncID    string
	TenantID  string
	Payload   []byte
	UpdatedAt time.Time
}

// Store is the remote relational store the outbox reconciles against.
type Store interface {
	Ping(ctx context.Context) error
	UpsertBySyncID(ctx context.Context, collection, syncID, tenantID string, payload []byte) error
	DeleteBySyncID(ctx context.Context, collection, syncID string) error
	ChangedSince(ctx context.Context, collection, tenantID string, since time.Time) ([]Row, error)
	Close()
}

// PostgresStore implements Store over a pgx connection pool. Each
// replicated collection maps to a table keyed by sync_id with the row
// body stored as JSONB.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to the remote PostgreSQL store.
func NewPostgresStore(host string, port int, database, user, password string, maxConns int, logger *zap.Logger) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d",
		host, port, database, user, password, maxConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote store config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote store pool: %w", err)
	}

	logger.Info("Remote store pool created",
		zap.String("host", host), zap.Int("port", port), zap.String("database", database))
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Ping implements the connectivity probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// tableFor maps a collection name onto its remote table, rejecting
// anything outside the replicated collection set.
func tableFor(collection string) (string, error) {
	for _, c := range localstore.Collections {
		if c.Name == collection {
			return c.Name, nil
		}
	}
	return "", fmt.Errorf("unknown collection %q", collection)
}

// UpsertBySyncID inserts or updates a remote row keyed by sync id.
// Replayed duplicates land on the same row, never a second one.
func (s *PostgresStore) UpsertBySyncID(ctx context.Context, collection, syncID, tenantID string, payload []byte) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (sync_id, tenant_id, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (sync_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			tenant_id = EXCLUDED.tenant_id,
			updated_at = now()`, table)

	if _, err := s.pool.Exec(ctx, query, syncID, tenantID, payload); err != nil {
		return fmt.Errorf("failed to upsert %s row: %w", collection, err)
	}
	return nil
}

// DeleteBySyncID removes a remote row by sync id. Deleting an absent
// row is not an error; the replayed delete already converged.
func (s *PostgresStore) DeleteBySyncID(ctx context.Context, collection, syncID string) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE sync_id = $1`, table)
	if _, err := s.pool.Exec(ctx, query, syncID); err != nil {
		return fmt.Errorf("failed to delete %s row: %w", collection, err)
	}
	return nil
}

// ChangedSince returns remote rows updated after the cursor, scoped by
// tenant where the collection carries a tenant column.
func (s *PostgresStore) ChangedSince(ctx context.Context, collection, tenantID string, since time.Time) ([]Row, error) {
	table, err := tableFor(collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT sync_id, tenant_id, payload, updated_at
		FROM %s WHERE updated_at > $1`, table)
	args := []interface{}{since}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s changes: %w", collection, err)
	}
	defer rows.Close()

	out := make([]Row, 0)
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.SyncID, &r.TenantID, &r.Payload, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", collection, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
