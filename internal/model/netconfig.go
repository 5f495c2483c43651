package model

// ConflictStrategy selects how colliding change records are resolved.
type ConflictStrategy string

const (
	ConflictLastWriteWins ConflictStrategy = "last-write-wins"
	ConflictMasterWins    ConflictStrategy = "master-wins"
	ConflictManual        ConflictStrategy = "manual"
)

// Valid reports whether the strategy is one of the known values.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case ConflictLastWriteWins, ConflictMasterWins, ConflictManual:
		return true
	}
	return false
}

// NetworkConfig is the per-tenant replication configuration record.
// This is the only state the replication layer asks the local store
// to persist on its behalf.
type NetworkConfig struct {
	AutoDiscovery      bool             `json:"auto_discovery"`
	AutoSync           bool             `json:"auto_sync"`
	MasterElection     bool             `json:"master_election"`
	ConflictResolution ConflictStrategy `json:"conflict_resolution"`
	IsMaster           bool             `json:"is_master"`
}

// NetworkConfigPatch carries partial updates; nil fields are untouched.
type NetworkConfigPatch struct {
	AutoDiscovery      *bool             `json:"auto_discovery,omitempty"`
	AutoSync           *bool             `json:"auto_sync,omitempty"`
	MasterElection     *bool             `json:"master_election,omitempty"`
	ConflictResolution *ConflictStrategy `json:"conflict_resolution,omitempty"`
	IsMaster           *bool             `json:"is_master,omitempty"`
}

// Apply merges a patch into the config, returning the merged copy.
func (c NetworkConfig) Apply(p NetworkConfigPatch) NetworkConfig {
	if p.AutoDiscovery != nil {
		c.AutoDiscovery = *p.AutoDiscovery
	}
	if p.AutoSync != nil {
		c.AutoSync = *p.AutoSync
	}
	if p.MasterElection != nil {
		c.MasterElection = *p.MasterElection
	}
	if p.ConflictResolution != nil {
		c.ConflictResolution = *p.ConflictResolution
	}
	if p.IsMaster != nil {
		c.IsMaster = *p.IsMaster
	}
	return c
}

// DefaultNetworkConfig returns the configuration used for a tenant
// that has never persisted one.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		AutoDiscovery:      true,
		AutoSync:           true,
		MasterElection:     true,
		ConflictResolution: ConflictLastWriteWins,
		IsMaster:           false,
	}
}
