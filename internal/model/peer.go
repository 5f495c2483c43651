package model

import "time"

// PeerInfo describes one discovered sibling instance on the LAN.
// Owned by the discovery service; everyone else reads snapshots.
type PeerInfo struct {
	InstanceID   string    `json:"instance_id"`
	TenantID     string    `json:"tenant_id"`
	TenantName   string    `json:"tenant_name"`
	IsMaster     bool      `json:"is_master"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Capabilities []string  `json:"capabilities"`
	Version      string    `json:"version"`
	AdvertisedAt int64     `json:"advertised_at"` // unix ms, fixed at first advertisement
	LastSeen     time.Time `json:"last_seen"`
}

// Announcement is the payload an instance gossips about itself.
// It is the wire form of PeerInfo minus the receiver-side LastSeen.
type Announcement struct {
	InstanceID   string   `json:"instance_id"`
	TenantID     string   `json:"tenant_id"`
	TenantName   string   `json:"tenant_name"`
	IsMaster     bool     `json:"is_master"`
	Address      string   `json:"address"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
	AdvertisedAt int64    `json:"advertised_at"`
}

// PeerInfo converts an announcement into a peer table entry.
func (a Announcement) PeerInfo(seen time.Time) *PeerInfo {
	return &PeerInfo{
		InstanceID:   a.InstanceID,
		TenantID:     a.TenantID,
		TenantName:   a.TenantName,
		IsMaster:     a.IsMaster,
		Address:      a.Address,
		Port:         a.Port,
		Capabilities: a.Capabilities,
		Version:      a.Version,
		AdvertisedAt: a.AdvertisedAt,
		LastSeen:     seen,
	}
}
