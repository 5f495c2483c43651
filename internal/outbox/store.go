package outbox

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/poslink/lansync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Store is the durable outbox: the single point of truth for pending
// remote-sync work. All mutations go through the enqueue/drain
// operations so the batch drain and new enqueues cannot race each
// other into lost updates.
//
// Items are never deleted automatically; they are kept for audit.
type Store struct {
	db         *sql.DB
	maxRetries int
}

// Open creates or opens the outbox database at the given path.
// Configured with WAL mode and a single writer connection, which is
// how SQLite behaves well under concurrent use.
func Open(path string, maxRetries int) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to outbox database: %w", err)
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
		return nil, fmt.Errorf("failed to apply outbox schema: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 20
	}
	return &Store{db: db, maxRetries: maxRetries}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddToOutbox durably queues one pending unit of remote-sync work.
// The caller supplies the record's stable sync id so every delivery
// for the same record, create through delete, targets the same remote
// row.
func (s *Store) AddToOutbox(ctx context.Context, collection, recordID, tenantID string, op model.ChangeOp, payload []byte, syncID string) error {
	if syncID == "" {
		return fmt.Errorf("outbox item for %s/%s is missing a sync id", collection, recordID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (collection, record_id, tenant_id, operation, payload, sync_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		collection, recordID, tenantID, string(op), payload, syncID, string(model.OutboxPending),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox item: %w", err)
	}
	return nil
}

// Pending returns pending items in creation order, up to limit.
func (s *Store) Pending(ctx context.Context, limit int) ([]*model.OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, record_id, tenant_id, operation, payload,
		       sync_id, status, retry_count, last_error, created_at, updated_at
		FROM outbox
		WHERE status = ?
		ORDER BY id ASC
		LIMIT ?`,
		string(model.OutboxPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outbox items: %w", err)
	}
	defer rows.Close()

	items := make([]*model.OutboxItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkSynced transitions one item pending -> synced.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(model.OutboxSynced), time.Now().UTC(), id, string(model.OutboxPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox item synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox item %d not pending", id)
	}
	return nil
}

// MarkFailed records a failed delivery attempt. The item stays pending
// for the next cycle until the retry budget is exhausted, at which
// point it becomes terminally failed.
func (s *Store) MarkFailed(ctx context.Context, id int64, attemptErr string) error {
	var retries int
	err := s.db.QueryRowContext(ctx,
		`SELECT retry_count FROM outbox WHERE id = ?`, id).Scan(&retries)
	if err != nil {
		return fmt.Errorf("failed to load outbox item %d: %w", id, err)
	}

	status := model.OutboxPending
	if retries+1 >= s.maxRetries {
		status = model.OutboxFailed
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE outbox SET retry_count = retry_count + 1, last_error = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		attemptErr, string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return nil
}

// RetryFailed moves terminally failed items back to pending for an
// operator-triggered retry.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, retry_count = 0, updated_at = ?
		WHERE status = ?`,
		string(model.OutboxPending), time.Now().UTC(), string(model.OutboxFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed outbox items: %w", err)
	}
	return res.RowsAffected()
}

// Stats reports item counts by status.
func (s *Store) Stats(ctx context.Context) (pending, synced, failed int64, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to query outbox stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, 0, fmt.Errorf("failed to scan outbox stats: %w", err)
		}
		switch model.OutboxStatus(status) {
		case model.OutboxPending:
			pending = count
		case model.OutboxSynced:
			synced = count
		case model.OutboxFailed:
			failed = count
		}
	}
	return pending, synced, failed, rows.Err()
}

// Item loads one outbox item by id.
func (s *Store) Item(ctx context.Context, id int64) (*model.OutboxItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, collection, record_id, tenant_id, operation, payload,
		       sync_id, status, retry_count, last_error, created_at, updated_at
		FROM outbox WHERE id = ?`, id)
	return scanItem(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*model.OutboxItem, error) {
	var item model.OutboxItem
	var op, status string
	if err := row.Scan(
		&item.ID, &item.Collection, &item.RecordID, &item.TenantID,
		&op, &item.Payload, &item.SyncID, &status,
		&item.RetryCount, &item.LastError, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan outbox item: %w", err)
	}
	item.Operation = model.ChangeOp(op)
	item.Status = model.OutboxStatus(status)
	return &item, nil
}
