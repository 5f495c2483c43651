package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/poslink/lansync/internal/config"
	"github.com/poslink/lansync/internal/discovery"
	"github.com/poslink/lansync/internal/events"
	"github.com/poslink/lansync/internal/localstore"
	"github.com/poslink/lansync/internal/metrics"
	"github.com/poslink/lansync/internal/model"
	"github.com/poslink/lansync/internal/outbox"
	"github.com/poslink/lansync/internal/remote"
	"github.com/poslink/lansync/internal/replication"
	"github.com/poslink/lansync/internal/transport"
)

// ErrNotInitialized is returned by operations invoked before Initialize.
var ErrNotInitialized = errors.New("replication layer not initialized")

// NetworkStatus is the external status snapshot consumed by the
// embedding HTTP layer.
type NetworkStatus struct {
	IsInitialized    bool                `json:"is_initialized"`
	InstanceID       string              `json:"instance_id"`
	IsMaster         bool                `json:"is_master"`
	Peers            []model.PeerInfo    `json:"peers"`
	ConnectedClients int                 `json:"connected_clients"`
	SyncStats        remote.Stats        `json:"sync_stats"`
	Config           model.NetworkConfig `json:"config"`
}

// Diagnostics is a read-only deep snapshot for troubleshooting.
type Diagnostics struct {
	Timestamp         time.Time                   `json:"timestamp"`
	DiscoveryDisabled bool                        `json:"discovery_disabled"`
	PeerCount         int                         `json:"peer_count"`
	ClientCount       int                         `json:"client_count"`
	QueueSize         int                         `json:"queue_size"`
	RemoteOnline      bool                        `json:"remote_online"`
	Heartbeats        map[string]PeerConnectivity `json:"heartbeats"`
	SyncStats         remote.Stats                `json:"sync_stats"`
}

// PeerConnectivity describes the reachability of one discovered peer.
type PeerConnectivity struct {
	InstanceID   string        `json:"instance_id"`
	Linked       bool          `json:"linked"`
	IsMaster     bool          `json:"is_master"`
	LastSeenAge  time.Duration `json:"last_seen_age"`
	HeartbeatAge time.Duration `json:"heartbeat_age"`
}

// Coordinator is the composition root: it owns configuration, wires
// discovery, transport, replication and remote reconciliation, and
// exposes the control surface consumed by the embedding application.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *events.Bus
	m      *metrics.Metrics

	local       *localstore.Store
	outboxStore *outbox.Store
	remoteStore remote.Store
	idem        replication.IdempotencyStore

	disco  *discovery.Service
	hub    *transport.Hub
	engine *replication.Engine
	syncer *remote.Syncer

	// mu guards initialized and netCfg: the control surface is called
	// from the embedding HTTP layer on arbitrary goroutines.
	mu          sync.RWMutex
	initialized bool
	netCfg      model.NetworkConfig
}

// New creates an uninitialized coordinator over its stores. Metrics
// may be nil.
func New(
	cfg *config.Config,
	local *localstore.Store,
	outboxStore *outbox.Store,
	remoteStore remote.Store,
	idem replication.IdempotencyStore,
	bus *events.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
		m:           m,
		local:       local,
		outboxStore: outboxStore,
		remoteStore: remoteStore,
		idem:        idem,
	}
}

// Initialize wires transport, discovery, the replication engine and
// remote reconciliation, then starts them. Safe to call once.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	netCfg, found, err := c.local.NetworkConfig(ctx, c.cfg.Instance.TenantID)
	if err != nil {
		return err
	}
	c.netCfg = netCfg
	if !found {
		c.logger.Info("No persisted network config, using defaults")
	}

	auth := transport.NewAuthenticator(c.cfg.Server.ClientAuthKey)
	c.hub = transport.NewHub(
		c.cfg.Instance.ID,
		c.cfg.Instance.TenantID,
		auth,
		c.cfg.Server.HandshakeWait,
		c.bus,
		c.logger.Named("transport"),
	)

	c.disco = discovery.NewService(
		discovery.Config{
			Enabled:        c.cfg.Discovery.Enabled && netCfg.AutoDiscovery,
			BindAddr:       c.cfg.Discovery.BindAddr,
			BindPort:       c.cfg.Discovery.BindPort,
			Seeds:          c.cfg.Discovery.Seeds,
			StaleAfter:     c.cfg.Discovery.StaleAfter,
			SweepInterval:  c.cfg.Discovery.SweepInterval,
			GossipInterval: c.cfg.Discovery.GossipInterval,
			ProbeTimeout:   c.cfg.Discovery.ProbeTimeout,
			ProbeInterval:  c.cfg.Discovery.ProbeInterval,
		},
		model.Announcement{
			InstanceID:   c.cfg.Instance.ID,
			TenantID:     c.cfg.Instance.TenantID,
			TenantName:   c.cfg.Instance.TenantName,
			Address:      c.cfg.Server.Host,
			Port:         c.cfg.Server.Port,
			Capabilities: []string{"sync", "full-sync", "heartbeat"},
			Version:      c.cfg.Instance.Version,
		},
		c.bus,
		c.logger.Named("discovery"),
	)

	var preferMaster *bool
	if found {
		prefer := netCfg.IsMaster
		preferMaster = &prefer
	}
	c.engine = replication.NewEngine(
		replication.Config{
			InstanceID:        c.cfg.Instance.ID,
			TenantID:          c.cfg.Instance.TenantID,
			Strategy:          netCfg.ConflictResolution,
			QueueWindow:       c.cfg.Replication.QueueWindow,
			HeartbeatInterval: c.cfg.Replication.HeartbeatInterval,
			ElectionEnabled:   netCfg.MasterElection,
			PreferMaster:      preferMaster,
		},
		c.disco,
		c.hub,
		c.local,
		c.outboxStore,
		c.idem,
		c.bus,
		c.m,
		c.logger.Named("replication"),
	)

	c.syncer = remote.NewSyncer(
		remote.Config{
			ProbeTimeout:  c.cfg.Remote.ProbeTimeout,
			BatchSize:     c.cfg.Remote.OutboxBatchSize,
			GuardTakeover: c.cfg.Remote.GuardTakeover,
		},
		c.remoteStore,
		c.outboxStore,
		c.local,
		c.bus,
		c.m,
		c.logger.Named("remote"),
	)

	c.subscribeGauges()

	// Discovery first so the engine's startup role query sees any
	// master already advertising on the LAN.
	if err := c.disco.StartAdvertising(false); err != nil {
		return err
	}
	c.disco.StartDiscovery()
	c.engine.Start()

	if netCfg.AutoSync {
		c.syncer.StartAutoSync(c.cfg.Remote.SyncInterval, c.cfg.Instance.TenantID)
	}

	c.initialized = true
	c.logger.Info("Replication layer initialized",
		zap.String("instance_id", c.cfg.Instance.ID),
		zap.String("tenant_id", c.cfg.Instance.TenantID))
	return nil
}

// Hub exposes the transport hub for HTTP route registration.
func (c *Coordinator) Hub() *transport.Hub {
	return c.hub
}

func (c *Coordinator) isInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// subscribeGauges keeps topology gauges current from bus events.
func (c *Coordinator) subscribeGauges() {
	if c.m == nil {
		return
	}
	refreshPeers := func(events.Event) {
		c.m.PeersActive.Set(float64(len(c.disco.Peers())))
	}
	c.bus.Subscribe(events.PeerDiscovered, refreshPeers)
	c.bus.Subscribe(events.PeerDisconnected, refreshPeers)

	refreshClients := func(events.Event) {
		c.m.ClientsActive.Set(float64(len(c.hub.Clients())))
	}
	c.bus.Subscribe(events.ClientConnected, refreshClients)
	c.bus.Subscribe(events.ClientDisconnected, refreshClients)

	c.bus.Subscribe(events.MasterChanged, func(ev events.Event) {
		if p, ok := ev.Data.(replication.MasterChangedPayload); ok {
			if p.IsMaster {
				c.m.MasterRole.Set(1)
			} else {
				c.m.MasterRole.Set(0)
			}
		}
	})
}

// GetNetworkStatus returns the external status snapshot.
func (c *Coordinator) GetNetworkStatus(ctx context.Context) NetworkStatus {
	c.mu.RLock()
	status := NetworkStatus{
		IsInitialized: c.initialized,
		InstanceID:    c.cfg.Instance.ID,
		Config:        c.netCfg,
	}
	c.mu.RUnlock()
	if !status.IsInitialized {
		return status
	}
	status.IsMaster = c.engine.IsMaster()
	status.Peers = c.disco.Peers()
	status.ConnectedClients = len(c.hub.Clients())
	status.SyncStats = c.syncer.Stats(ctx)
	if c.m != nil {
		c.m.QueueSize.Set(float64(c.engine.QueueSize()))
	}
	return status
}

// GetConnectedPeers returns the connected peer sessions.
func (c *Coordinator) GetConnectedPeers() []model.PeerSession {
	if !c.isInitialized() {
		return nil
	}
	return c.hub.Peers()
}

// GetConnectedClients returns the connected client sessions.
func (c *Coordinator) GetConnectedClients() []model.ClientSession {
	if !c.isInitialized() {
		return nil
	}
	return c.hub.Clients()
}

// UpdateNetworkConfig merges a partial config, persists it, and
// hot-applies what can change at runtime.
func (c *Coordinator) UpdateNetworkConfig(ctx context.Context, patch model.NetworkConfigPatch) bool {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return false
	}
	merged := c.netCfg.Apply(patch)
	if err := c.local.SaveNetworkConfig(ctx, c.cfg.Instance.TenantID, merged); err != nil {
		c.mu.Unlock()
		c.logger.Error("Failed to persist network config", zap.Error(err))
		return false
	}
	prev := c.netCfg
	c.netCfg = merged
	c.mu.Unlock()

	if merged.ConflictResolution != prev.ConflictResolution {
		c.engine.SetStrategy(merged.ConflictResolution)
	}
	if merged.MasterElection != prev.MasterElection {
		c.engine.SetElectionEnabled(merged.MasterElection)
	}
	if merged.AutoSync != prev.AutoSync {
		if merged.AutoSync {
			c.syncer.StartAutoSync(c.cfg.Remote.SyncInterval, c.cfg.Instance.TenantID)
		} else {
			c.syncer.StopAutoSync()
		}
	}
	if merged.AutoDiscovery != prev.AutoDiscovery {
		if merged.AutoDiscovery {
			if err := c.disco.StartAdvertising(c.engine.IsMaster()); err != nil {
				c.logger.Warn("Failed to re-enable discovery", zap.Error(err))
			}
			c.disco.StartDiscovery()
		} else {
			c.logger.Info("Discovery disable takes effect on restart")
		}
	}

	c.bus.Publish(events.ConfigUpdated, merged)
	c.logger.Info("Network config updated")
	return true
}

// ForceMasterRole promotes this instance by operator request. No-op
// when already master.
func (c *Coordinator) ForceMasterRole(ctx context.Context) bool {
	if !c.isInitialized() {
		return false
	}
	if !c.engine.BecomeMaster("operator force") {
		return false
	}
	c.persistRolePreference(ctx, true)
	return true
}

// ForceSlaveRole demotes this instance by operator request. No-op when
// already slave.
func (c *Coordinator) ForceSlaveRole(ctx context.Context) bool {
	if !c.isInitialized() {
		return false
	}
	if !c.engine.StepDown("operator force") {
		return false
	}
	c.persistRolePreference(ctx, false)
	return true
}

// persistRolePreference writes under the same lock as
// UpdateNetworkConfig so the stored row never trails the in-memory
// config.
func (c *Coordinator) persistRolePreference(ctx context.Context, isMaster bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.netCfg.IsMaster = isMaster
	if err := c.local.SaveNetworkConfig(ctx, c.cfg.Instance.TenantID, c.netCfg); err != nil {
		c.logger.Warn("Failed to persist role preference", zap.Error(err))
	}
}

// BroadcastToNetwork delivers an event to every client of this tenant.
func (c *Coordinator) BroadcastToNetwork(event string, data interface{}) {
	if !c.isInitialized() {
		return
	}
	c.hub.BroadcastToTenant(c.cfg.Instance.TenantID, event, data)
}

// SendToClient delivers an event to one client connection.
func (c *Coordinator) SendToClient(connID, event string, data interface{}) error {
	if !c.isInitialized() {
		return ErrNotInitialized
	}
	return c.hub.SendToClient(connID, event, data)
}

// RequestFullSync asks the current master for its change window. Only
// meaningful when this instance is a slave with a known master.
func (c *Coordinator) RequestFullSync() bool {
	if !c.isInitialized() {
		return false
	}
	return c.engine.RequestFullSync()
}

// SyncWithRemote triggers one remote reconciliation cycle.
func (c *Coordinator) SyncWithRemote(ctx context.Context) error {
	if !c.isInitialized() {
		return ErrNotInitialized
	}
	return c.syncer.SyncWithRemote(ctx, c.cfg.Instance.TenantID)
}

// RunNetworkDiagnostics returns a read-only troubleshooting snapshot.
func (c *Coordinator) RunNetworkDiagnostics(ctx context.Context) Diagnostics {
	diag := Diagnostics{
		Timestamp:  time.Now(),
		Heartbeats: make(map[string]PeerConnectivity),
	}
	if !c.isInitialized() {
		return diag
	}
	diag.DiscoveryDisabled = c.disco.Disabled()
	diag.PeerCount = len(c.disco.Peers())
	diag.ClientCount = len(c.hub.Clients())
	diag.QueueSize = c.engine.QueueSize()
	diag.RemoteOnline = c.syncer.CheckConnectivity(ctx)
	diag.SyncStats = c.syncer.Stats(ctx)
	diag.Heartbeats = c.TestPeerConnectivity()
	return diag
}

// TestPeerConnectivity reports per-peer link and liveness state.
func (c *Coordinator) TestPeerConnectivity() map[string]PeerConnectivity {
	out := make(map[string]PeerConnectivity)
	if !c.isInitialized() {
		return out
	}
	now := time.Now()
	heartbeats := c.engine.Heartbeats()
	for _, p := range c.disco.Peers() {
		pc := PeerConnectivity{
			InstanceID:  p.InstanceID,
			Linked:      c.hub.HasPeerLink(p.InstanceID),
			IsMaster:    p.IsMaster,
			LastSeenAge: now.Sub(p.LastSeen),
		}
		if hb, ok := heartbeats[p.InstanceID]; ok {
			pc.HeartbeatAge = now.Sub(time.UnixMilli(hb.Timestamp))
		}
		out[p.InstanceID] = pc
	}
	return out
}

// Shutdown stops the layer in dependency order.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	c.syncer.StopAutoSync()
	c.engine.Stop()
	c.hub.Close()
	if err := c.disco.Stop(); err != nil {
		c.logger.Warn("Discovery shutdown error", zap.Error(err))
	}
	c.initialized = false
	c.logger.Info("Replication layer stopped")
}
