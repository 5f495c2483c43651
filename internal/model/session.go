package model

import "time"

// ClientSession is the ephemeral record of one connected end-user client.
type ClientSession struct {
	ConnID      string    `json:"conn_id"`
	UserID      string    `json:"user_id"`
	TenantID    string    `json:"tenant_id"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connected_at"`
}

// PeerSession is the ephemeral record of one connected sibling instance.
type PeerSession struct {
	ConnID      string    `json:"conn_id"`
	InstanceID  string    `json:"instance_id"`
	TenantID    string    `json:"tenant_id"`
	IsMaster    bool      `json:"is_master"`
	ConnectedAt time.Time `json:"connected_at"`
}
