package transport

import "encoding/json"

// Wire event names for the client channel.
const (
	// inbound from clients
	EventSyncRequest = "sync_request"
	EventDataChange  = "data_change"

	// outbound to clients
	EventDataUpdated   = "data_updated"
	EventSyncStatus    = "sync_status"
	EventDataSynced    = "data_synced"
	EventSyncConflict  = "sync_conflict"
	EventMasterChanged = "master_changed"
)

// Wire event names for the peer channel.
const (
	EventPeerAuth         = "peer_auth"
	EventSyncRecord       = "sync_record"
	EventHeartbeat        = "heartbeat"
	EventFullSyncRequest  = "full_sync_request"
	EventFullSyncResponse = "full_sync_response"
)

// Envelope is the framing for every message on either channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope. Marshal failures are
// programming errors on our own payload types; they surface as an
// empty data field.
func NewEnvelope(event string, data interface{}) Envelope {
	raw, _ := json.Marshal(data)
	return Envelope{Event: event, Data: raw}
}

// PeerAuthPayload is the mandatory first frame on the peer channel.
type PeerAuthPayload struct {
	InstanceID string `json:"instance_id"`
	TenantID   string `json:"tenant_id"`
	IsMaster   bool   `json:"is_master"`
}

// PeerAuthResult is sent back after the handshake is evaluated.
type PeerAuthResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}
