package model

import "encoding/json"

// ChangeOp is the kind of mutation a change record describes.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeRecord is the unit of LAN replication: one observed local
// mutation, immutable after creation except for the Applied flag.
// The ID doubles as the idempotency key for peer re-delivery.
type ChangeRecord struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	Operation        ChangeOp        `json:"operation"`
	Payload          json.RawMessage `json:"payload"`
	Timestamp        int64           `json:"timestamp"` // origin unix ms, used for tie-breaking
	OriginInstanceID string          `json:"origin_instance_id"`
	OriginClientID   string          `json:"origin_client_id,omitempty"`
	Applied          bool            `json:"applied"`
}

// ConflictsWith reports whether two records target the same entity.
func (r *ChangeRecord) ConflictsWith(other *ChangeRecord) bool {
	return r.EntityType == other.EntityType && r.EntityID == other.EntityID
}
