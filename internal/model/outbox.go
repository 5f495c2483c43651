package model

import "time"

// OutboxStatus tracks the lifecycle of a pending remote write.
// Legal transitions: pending -> synced, pending -> failed (terminal,
// only after the retry budget is exhausted). Items are never deleted
// automatically; they are kept for audit.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSynced  OutboxStatus = "synced"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxItem is a durable unit of remote-sync work.
type OutboxItem struct {
	ID         int64
	Collection string
	RecordID   string
	TenantID   string
	Operation  ChangeOp
	Payload    []byte
	SyncID     string
	Status     OutboxStatus
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
