package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/poslink/lansync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Collections is the replicated collection set in dependency order:
// parent entities before children, so a first sync against the remote
// store cannot trip foreign keys.
var Collections = []Collection{
	{Name: "tenants", TenantScoped: false},
	{Name: "users", TenantScoped: true},
	{Name: "customers", TenantScoped: true},
	{Name: "vendors", TenantScoped: true},
	{Name: "products", TenantScoped: true},
	{Name: "receipts", TenantScoped: true},
	{Name: "receipt_items", TenantScoped: true},
	{Name: "debts", TenantScoped: true},
	{Name: "purchase_orders", TenantScoped: true},
}

// Collection names one replicated collection and whether its rows
// carry a tenant column.
type Collection struct {
	Name         string
	TenantScoped bool
}

func knownCollection(name string) bool {
	for _, c := range Collections {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Row is one locally stored replicated record.
type Row struct {
	Collection string
	RecordID   string
	TenantID   string
	SyncID     string
	Payload    []byte
	Deleted    bool
	Synced     bool
	UpdatedAt  time.Time
}

// Store is the apply-side SQLite database: replicated rows, sync
// cursors, persisted network config.
type Store struct {
	db *sql.DB
}

// Open creates or opens the local store at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to local store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply local store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Apply routes a change record by its entity type tag: upserts for
// create/update, a tombstone for delete. Implements the replication
// engine's Applier.
func (s *Store) Apply(ctx context.Context, rec *model.ChangeRecord) error {
	if !knownCollection(rec.EntityType) {
		return fmt.Errorf("unknown entity type %q", rec.EntityType)
	}

	switch rec.Operation {
	case model.OpDelete:
		_, err := s.db.ExecContext(ctx, `
			UPDATE records SET deleted = 1, synced = 0, updated_at = ?
			WHERE collection = ? AND record_id = ?`,
			time.Now().UTC(), rec.EntityType, rec.EntityID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", rec.EntityType, rec.EntityID, err)
		}
		return nil

	case model.OpCreate, model.OpUpdate:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO records (collection, record_id, tenant_id, payload, deleted, synced, updated_at)
			VALUES (?, ?, ?, ?, 0, 0, ?)
			ON CONFLICT(collection, record_id) DO UPDATE SET
				payload = excluded.payload,
				tenant_id = excluded.tenant_id,
				deleted = 0,
				synced = 0,
				updated_at = excluded.updated_at`,
			rec.EntityType, rec.EntityID, rec.TenantID, []byte(rec.Payload), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", rec.EntityType, rec.EntityID, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown operation %q", rec.Operation)
	}
}

// UnsyncedRows returns rows not yet uploaded for a collection,
// tenant-scoped when the collection carries a tenant column. A sync id
// is assigned here when absent so the remote upsert is stable.
func (s *Store) UnsyncedRows(ctx context.Context, collection, tenantID string) ([]*Row, error) {
	query := `
		SELECT collection, record_id, tenant_id, sync_id, payload, deleted, synced, updated_at
		FROM records WHERE collection = ? AND synced = 0`
	args := []interface{}{collection}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced rows: %w", err)
	}
	defer rows.Close()

	out := make([]*Row, 0)
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range out {
		if r.SyncID == "" {
			r.SyncID = uuid.NewString()
			if _, err := s.db.ExecContext(ctx, `
				UPDATE records SET sync_id = ? WHERE collection = ? AND record_id = ?`,
				r.SyncID, r.Collection, r.RecordID,
			); err != nil {
				return nil, fmt.Errorf("failed to assign sync id: %w", err)
			}
		}
	}
	return out, nil
}

// EnsureSyncID returns the stable sync id for a record, assigning and
// persisting one when the row has none, and pinning a bare row when the
// record was never mirrored. The same id correlates the record with its
// remote counterpart across create, update, and delete deliveries.
func (s *Store) EnsureSyncID(ctx context.Context, collection, recordID, tenantID string) (string, error) {
	if !knownCollection(collection) {
		return "", fmt.Errorf("unknown collection %q", collection)
	}

	var syncID string
	err := s.db.QueryRowContext(ctx,
		`SELECT sync_id FROM records WHERE collection = ? AND record_id = ?`,
		collection, recordID,
	).Scan(&syncID)
	if err == sql.ErrNoRows {
		// The bare row carries the id only; synced=1 keeps it out of
		// the upload path until a real payload lands on it.
		syncID = uuid.NewString()
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO records (collection, record_id, tenant_id, sync_id, deleted, synced, updated_at)
			VALUES (?, ?, ?, ?, 0, 1, ?)`,
			collection, recordID, tenantID, syncID, time.Now().UTC(),
		); err != nil {
			return "", fmt.Errorf("failed to pin sync id: %w", err)
		}
		return syncID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load sync id: %w", err)
	}

	if syncID == "" {
		syncID = uuid.NewString()
		if _, err := s.db.ExecContext(ctx, `
			UPDATE records SET sync_id = ? WHERE collection = ? AND record_id = ?`,
			syncID, collection, recordID,
		); err != nil {
			return "", fmt.Errorf("failed to assign sync id: %w", err)
		}
	}
	return syncID, nil
}

// MarkRowSynced flags a row as uploaded.
func (s *Store) MarkRowSynced(ctx context.Context, collection, recordID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET synced = 1 WHERE collection = ? AND record_id = ?`,
		collection, recordID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark row synced: %w", err)
	}
	return nil
}

// UpsertBySyncID applies a downloaded remote row: update when a local
// row with that sync id exists, insert otherwise. Downloaded rows are
// already in sync with the remote store.
func (s *Store) UpsertBySyncID(ctx context.Context, collection, syncID, tenantID string, payload []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET payload = ?, tenant_id = ?, synced = 1, updated_at = ?
		WHERE collection = ? AND sync_id = ?`,
		payload, tenantID, time.Now().UTC(), collection, syncID,
	)
	if err != nil {
		return fmt.Errorf("failed to update by sync id: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (collection, record_id, tenant_id, sync_id, payload, deleted, synced, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 1, ?)`,
		collection, uuid.NewString(), tenantID, syncID, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert by sync id: %w", err)
	}
	return nil
}

// Row loads one record.
func (s *Store) Row(ctx context.Context, collection, recordID string) (*Row, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, record_id, tenant_id, sync_id, payload, deleted, synced, updated_at
		FROM records WHERE collection = ? AND record_id = ?`,
		collection, recordID,
	)
	return scanRow(row)
}

// RowBySyncID loads one record by its sync id.
func (s *Store) RowBySyncID(ctx context.Context, collection, syncID string) (*Row, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, record_id, tenant_id, sync_id, payload, deleted, synced, updated_at
		FROM records WHERE collection = ? AND sync_id = ?`,
		collection, syncID,
	)
	return scanRow(row)
}

// Cursor returns the download cursor for a collection; zero time when
// the collection was never downloaded.
func (s *Store) Cursor(ctx context.Context, collection string) (time.Time, error) {
	var cursor time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_cursors WHERE collection = ?`, collection,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor advances the download cursor for a collection.
func (s *Store) SetCursor(ctx context.Context, collection string, cursor time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (collection, cursor) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET cursor = excluded.cursor`,
		collection, cursor.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// NetworkConfig loads the persisted per-tenant replication config,
// falling back to defaults when none was saved.
func (s *Store) NetworkConfig(ctx context.Context, tenantID string) (model.NetworkConfig, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM network_config WHERE tenant_id = ?`, tenantID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return model.DefaultNetworkConfig(), false, nil
	}
	if err != nil {
		return model.NetworkConfig{}, false, fmt.Errorf("failed to load network config: %w", err)
	}

	var cfg model.NetworkConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return model.NetworkConfig{}, false, fmt.Errorf("failed to decode network config: %w", err)
	}
	return cfg, true, nil
}

// SaveNetworkConfig persists the per-tenant replication config.
func (s *Store) SaveNetworkConfig(ctx context.Context, tenantID string, cfg model.NetworkConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode network config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO network_config (tenant_id, config, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		tenantID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save network config: %w", err)
	}
	return nil
}

func scanRow(scanner interface{ Scan(...interface{}) error }) (*Row, error) {
	var r Row
	var deleted, synced int
	if err := scanner.Scan(
		&r.Collection, &r.RecordID, &r.TenantID, &r.SyncID,
		&r.Payload, &deleted, &synced, &r.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	r.Deleted = deleted != 0
	r.Synced = synced != 0
	return &r, nil
}
