package replication

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poslink/lansync/internal/events"
	"github.com/poslink/lansync/internal/metrics"
	"github.com/poslink/lansync/internal/model"
	"github.com/poslink/lansync/internal/transport"
)

// Role is the replication role of this instance within its tenant
// cluster.
type Role string

const (
	RoleSlave  Role = "slave"
	RoleMaster Role = "master"
)

// Transport is the slice of the hub the engine needs.
type Transport interface {
	Handle(event string, fn transport.InboundHandler)
	BroadcastToPeers(event string, data interface{})
	BroadcastToTenant(tenantID, event string, data interface{})
	SendToPeer(instanceID, event string, data interface{}) error
	SendToClient(connID, event string, data interface{}) error
	ConnectPeer(peer model.PeerInfo) error
	HasPeerLink(instanceID string) bool
}

// Discovery is the slice of the discovery service the engine needs.
type Discovery interface {
	Peers() []model.PeerInfo
	Announcement() model.Announcement
	UpdateServiceInfo(patch func(*model.Announcement)) error
}

// Applier routes an applied change record into local storage by its
// entity type tag and resolves the stable sync id pinning a record to
// its remote counterpart.
type Applier interface {
	Apply(ctx context.Context, rec *model.ChangeRecord) error
	EnsureSyncID(ctx context.Context, collection, recordID, tenantID string) (string, error)
}

// OutboxEnqueuer durably queues a local write for remote reconciliation.
type OutboxEnqueuer interface {
	AddToOutbox(ctx context.Context, collection, recordID, tenantID string, op model.ChangeOp, payload []byte, syncID string) error
}

// Config holds engine tunables.
type Config struct {
	InstanceID        string
	TenantID          string
	Strategy          model.ConflictStrategy
	QueueWindow       time.Duration
	HeartbeatInterval time.Duration
	ElectionEnabled   bool
	// PreferMaster is the persisted role preference consulted at
	// startup when no master is advertising. Nil means no preference.
	PreferMaster *bool
}

// DataChangePayload is the inbound shape of a local mutation notice.
type DataChangePayload struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  model.ChangeOp  `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// HeartbeatPayload is broadcast to peers every maintenance cycle.
type HeartbeatPayload struct {
	InstanceID string `json:"instance_id"`
	IsMaster   bool   `json:"is_master"`
	QueueSize  int    `json:"queue_size"`
	Timestamp  int64  `json:"timestamp"`
}

// MasterChangedPayload notifies clients of a role transition.
type MasterChangedPayload struct {
	InstanceID string `json:"instance_id"`
	IsMaster   bool   `json:"is_master"`
	Reason     string `json:"reason"`
}

// ConflictPayload carries both versions of a manual conflict.
type ConflictPayload struct {
	EntityType string              `json:"entity_type"`
	EntityID   string              `json:"entity_id"`
	Local      *model.ChangeRecord `json:"local"`
	Incoming   *model.ChangeRecord `json:"incoming"`
}

// SyncStatusPayload answers a client sync_request.
type SyncStatusPayload struct {
	InstanceID  string           `json:"instance_id"`
	Role        Role             `json:"role"`
	PeerCount   int              `json:"peer_count"`
	QueueSize   int              `json:"queue_size"`
	LastApplied map[string]int64 `json:"last_applied"`
}

// Engine is the replication state machine: it assigns the master/slave
// role, wraps local mutations into ordered change records, propagates
// them to the right audience, and resolves collisions.
type Engine struct {
	cfg      Config
	resolver *Resolver

	mu          sync.RWMutex
	role        Role
	lastApplied map[string]int64 // entity type -> last applied origin ts
	heartbeats  map[string]HeartbeatPayload

	queue   *changeQueue
	disco   Discovery
	hub     Transport
	applier Applier
	outbox  OutboxEnqueuer
	idem    IdempotencyStore
	bus     *events.Bus
	m       *metrics.Metrics
	logger  *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine creates the replication engine. Start wires it up.
func NewEngine(
	cfg Config,
	disco Discovery,
	hub Transport,
	applier Applier,
	outbox OutboxEnqueuer,
	idem IdempotencyStore,
	bus *events.Bus,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	if cfg.QueueWindow <= 0 {
		cfg.QueueWindow = 24 * time.Hour
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Engine{
		cfg:         cfg,
		resolver:    NewResolver(cfg.Strategy),
		role:        RoleSlave,
		lastApplied: make(map[string]int64),
		heartbeats:  make(map[string]HeartbeatPayload),
		queue:       newChangeQueue(),
		disco:       disco,
		hub:         hub,
		applier:     applier,
		outbox:      outbox,
		idem:        idem,
		bus:         bus,
		m:           m,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start determines the initial role, registers transport handlers and
// discovery reactions, and launches periodic maintenance.
func (e *Engine) Start() {
	initial := e.initialRole()
	e.applyRole(initial, "startup")

	e.hub.Handle(transport.EventDataChange, e.handleDataChange)
	e.hub.Handle(transport.EventSyncRequest, e.handleSyncRequest)
	e.hub.Handle(transport.EventSyncRecord, e.handleSyncRecord)
	e.hub.Handle(transport.EventHeartbeat, e.handleHeartbeat)
	e.hub.Handle(transport.EventFullSyncRequest, e.handleFullSyncRequest)
	e.hub.Handle(transport.EventFullSyncResponse, e.handleFullSyncResponse)

	e.bus.Subscribe(events.PeerDiscovered, func(ev events.Event) {
		if p, ok := ev.Data.(model.PeerInfo); ok {
			e.handlePeerDiscovered(p)
		}
	})
	e.bus.Subscribe(events.PeerDisconnected, func(ev events.Event) {
		switch p := ev.Data.(type) {
		case model.PeerInfo:
			e.handlePeerLost(p.InstanceID, p.IsMaster)
		case model.PeerSession:
			e.handlePeerLost(p.InstanceID, p.IsMaster)
		}
	})

	go e.maintenanceLoop()

	e.logger.Info("Replication engine started",
		zap.String("instance_id", e.cfg.InstanceID),
		zap.String("role", string(initial)),
		zap.String("conflict_strategy", string(e.resolver.Strategy())))
}

// Stop halts the maintenance loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// initialRole follows the startup rules: an advertising master makes
// us a slave; otherwise the persisted preference decides; otherwise we
// default to master.
func (e *Engine) initialRole() Role {
	for _, p := range e.disco.Peers() {
		if p.IsMaster {
			return RoleSlave
		}
	}
	if e.cfg.PreferMaster != nil {
		if *e.cfg.PreferMaster {
			return RoleMaster
		}
		return RoleSlave
	}
	return RoleMaster
}

// Role returns the current replication role.
func (e *Engine) Role() Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

// IsMaster reports whether this instance currently holds the master role.
func (e *Engine) IsMaster() bool {
	return e.Role() == RoleMaster
}

// QueueSize returns the current change queue length.
func (e *Engine) QueueSize() int {
	return e.queue.size()
}

// LastApplied returns a copy of the per-type last applied timestamps.
func (e *Engine) LastApplied() map[string]int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]int64, len(e.lastApplied))
	for k, v := range e.lastApplied {
		out[k] = v
	}
	return out
}

// Strategy returns the active conflict strategy.
func (e *Engine) Strategy() model.ConflictStrategy {
	return e.resolver.Strategy()
}

// SetStrategy hot-applies a conflict strategy change.
func (e *Engine) SetStrategy(s model.ConflictStrategy) {
	e.resolver.SetStrategy(s)
}

// SetElectionEnabled hot-applies the master election toggle.
func (e *Engine) SetElectionEnabled(enabled bool) {
	e.mu.Lock()
	e.cfg.ElectionEnabled = enabled
	e.mu.Unlock()
}

func (e *Engine) electionEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.ElectionEnabled
}

// BecomeMaster promotes this instance. Returns false when it already
// holds the role.
func (e *Engine) BecomeMaster(reason string) bool {
	return e.transition(RoleMaster, reason)
}

// StepDown demotes this instance. Returns false when it is already a
// slave.
func (e *Engine) StepDown(reason string) bool {
	return e.transition(RoleSlave, reason)
}

func (e *Engine) transition(to Role, reason string) bool {
	e.mu.Lock()
	if e.role == to {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()
	e.applyRole(to, reason)
	return true
}

// applyRole sets the role, updates the advertised master flag, and
// notifies clients and listeners.
func (e *Engine) applyRole(to Role, reason string) {
	e.mu.Lock()
	e.role = to
	e.mu.Unlock()

	isMaster := to == RoleMaster
	if err := e.disco.UpdateServiceInfo(func(a *model.Announcement) {
		a.IsMaster = isMaster
	}); err != nil {
		e.logger.Warn("Failed to re-advertise master flag", zap.Error(err))
	}

	payload := MasterChangedPayload{
		InstanceID: e.cfg.InstanceID,
		IsMaster:   isMaster,
		Reason:     reason,
	}
	e.hub.BroadcastToTenant(e.cfg.TenantID, transport.EventMasterChanged, payload)
	e.bus.Publish(events.MasterChanged, payload)

	e.logger.Info("Role transition",
		zap.String("role", string(to)),
		zap.String("reason", reason))
}

// masterPeer returns the peer currently advertising as master. When
// several claim the role the oldest advertisement wins.
func (e *Engine) masterPeer() (model.PeerInfo, bool) {
	var best model.PeerInfo
	found := false
	for _, p := range e.disco.Peers() {
		if !p.IsMaster {
			continue
		}
		if !found || p.AdvertisedAt < best.AdvertisedAt {
			best = p
			found = true
		}
	}
	return best, found
}

// handleDataChange wraps a local mutation notice into a change record
// and propagates it.
func (e *Engine) handleDataChange(origin transport.Origin, env transport.Envelope) {
	if origin.Client == nil {
		return
	}
	var payload DataChangePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		e.logger.Warn("Malformed data_change payload", zap.Error(err))
		return
	}
	if payload.Timestamp == 0 {
		payload.Timestamp = time.Now().UnixMilli()
	}

	rec := &model.ChangeRecord{
		ID:               uuid.NewString(),
		TenantID:         origin.Client.TenantID,
		EntityType:       payload.EntityType,
		EntityID:         payload.EntityID,
		Operation:        payload.Operation,
		Payload:          payload.Payload,
		Timestamp:        payload.Timestamp,
		OriginInstanceID: e.cfg.InstanceID,
		OriginClientID:   origin.Client.UserID,
		Applied:          true, // the CRUD layer already performed the write locally
	}

	if e.m != nil {
		e.m.ChangesTotal.WithLabelValues("local", rec.EntityType).Inc()
	}

	// Our own id must count as seen so a reflected broadcast is deduped.
	if _, err := e.idem.MarkSeen(context.Background(), rec.ID); err != nil {
		e.logger.Warn("Failed to mark local record id", zap.Error(err))
	}

	e.queue.push(rec)
	e.noteApplied(rec)
	e.enqueueOutbox(rec)

	if e.IsMaster() {
		e.hub.BroadcastToPeers(transport.EventSyncRecord, rec)
		e.hub.BroadcastToTenant(rec.TenantID, transport.EventDataUpdated, rec)
		return
	}

	// Slave: hand the record to the master, fire-and-forget.
	master, ok := e.masterPeer()
	if !ok {
		e.logger.Debug("No master known, record waits for remote reconciliation",
			zap.String("record_id", rec.ID))
		return
	}
	if err := e.hub.SendToPeer(master.InstanceID, transport.EventSyncRecord, rec); err != nil {
		e.logger.Debug("Best-effort forward to master failed",
			zap.String("master", master.InstanceID), zap.Error(err))
	}
}

// handleSyncRecord processes a change record received from a peer.
func (e *Engine) handleSyncRecord(origin transport.Origin, env transport.Envelope) {
	if origin.Peer == nil {
		return
	}
	var rec model.ChangeRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		e.logger.Warn("Malformed sync_record payload", zap.Error(err))
		return
	}
	e.processInbound(&rec)
}

// processInbound runs dedup, conflict detection, and application for
// one record received from the network.
func (e *Engine) processInbound(rec *model.ChangeRecord) {
	if e.m != nil {
		e.m.ChangesTotal.WithLabelValues("peer", rec.EntityType).Inc()
	}

	first, err := e.idem.MarkSeen(context.Background(), rec.ID)
	if err != nil {
		e.logger.Warn("Idempotency check failed, applying anyway", zap.Error(err))
	} else if !first {
		e.logger.Debug("Duplicate record dropped", zap.String("record_id", rec.ID))
		return
	}

	local := e.queue.latestFor(rec.EntityType, rec.EntityID)
	if local == nil || local.ID == rec.ID {
		e.apply(rec)
		e.relay(rec)
		return
	}

	masterID := ""
	if master, ok := e.masterPeer(); ok {
		masterID = master.InstanceID
	} else if e.IsMaster() {
		masterID = e.cfg.InstanceID
	}

	decision := e.resolver.Resolve(local, rec, masterID)
	if e.m != nil {
		e.m.ConflictsTotal.WithLabelValues(string(e.resolver.Strategy()), decision.String()).Inc()
	}
	e.logger.Debug("Conflict resolved",
		zap.String("entity_type", rec.EntityType),
		zap.String("entity_id", rec.EntityID),
		zap.String("strategy", string(e.resolver.Strategy())),
		zap.String("outcome", decision.String()))

	switch decision {
	case ApplyIncoming:
		e.apply(rec)
		e.relay(rec)
	case KeepLocal:
		// Losing record is discarded silently.
	case Escalate:
		e.hub.BroadcastToTenant(e.cfg.TenantID, transport.EventSyncConflict, ConflictPayload{
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Local:      local,
			Incoming:   rec,
		})
	}
}

// apply routes a record into local storage and records its progress.
func (e *Engine) apply(rec *model.ChangeRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.applier.Apply(ctx, rec); err != nil {
		e.logger.Error("Failed to apply change record",
			zap.String("record_id", rec.ID),
			zap.String("entity_type", rec.EntityType),
			zap.Error(err))
		e.bus.Publish(events.SyncError, err.Error())
		return
	}

	rec.Applied = true
	if e.m != nil {
		e.m.ChangesApplied.WithLabelValues(rec.EntityType, string(rec.Operation)).Inc()
	}
	e.queue.push(rec)
	e.noteApplied(rec)
	e.hub.BroadcastToTenant(e.cfg.TenantID, transport.EventDataSynced, rec)
}

// relay re-broadcasts an applied record when we are the propagation
// hub. Peers dedupe by record id, so the origin seeing its own record
// back is harmless.
func (e *Engine) relay(rec *model.ChangeRecord) {
	if !e.IsMaster() {
		return
	}
	e.hub.BroadcastToPeers(transport.EventSyncRecord, rec)
}

func (e *Engine) noteApplied(rec *model.ChangeRecord) {
	e.mu.Lock()
	if rec.Timestamp > e.lastApplied[rec.EntityType] {
		e.lastApplied[rec.EntityType] = rec.Timestamp
	}
	e.mu.Unlock()
}

// enqueueOutbox queues a locally originated record for the remote store.
// Records applied from peers reach the cloud through their origin
// instance's outbox.
func (e *Engine) enqueueOutbox(rec *model.ChangeRecord) {
	if e.outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The record's stable sync id ties every outbox delivery for this
	// record, create through delete, to the same remote row.
	syncID, err := e.applier.EnsureSyncID(ctx, rec.EntityType, rec.EntityID, rec.TenantID)
	if err != nil {
		e.logger.Error("Failed to resolve sync id for outbox item",
			zap.String("record_id", rec.ID), zap.Error(err))
		e.bus.Publish(events.SyncError, err.Error())
		return
	}
	if err := e.outbox.AddToOutbox(ctx, rec.EntityType, rec.EntityID, rec.TenantID, rec.Operation, rec.Payload, syncID); err != nil {
		e.logger.Error("Failed to enqueue outbox item",
			zap.String("record_id", rec.ID), zap.Error(err))
		e.bus.Publish(events.SyncError, err.Error())
	}
}

// handleSyncRequest answers a client with the current sync status.
func (e *Engine) handleSyncRequest(origin transport.Origin, _ transport.Envelope) {
	if origin.Client == nil {
		return
	}
	status := SyncStatusPayload{
		InstanceID:  e.cfg.InstanceID,
		Role:        e.Role(),
		PeerCount:   len(e.disco.Peers()),
		QueueSize:   e.queue.size(),
		LastApplied: e.LastApplied(),
	}
	if err := e.hub.SendToClient(origin.Client.ConnID, transport.EventSyncStatus, status); err != nil {
		e.logger.Debug("Failed to answer sync_request", zap.Error(err))
	}
}

// handleHeartbeat records peer liveness data.
func (e *Engine) handleHeartbeat(origin transport.Origin, env transport.Envelope) {
	if origin.Peer == nil {
		return
	}
	var hb HeartbeatPayload
	if err := json.Unmarshal(env.Data, &hb); err != nil {
		return
	}
	e.mu.Lock()
	e.heartbeats[hb.InstanceID] = hb
	e.mu.Unlock()
}

// Heartbeats returns the last heartbeat seen per peer instance.
func (e *Engine) Heartbeats() map[string]HeartbeatPayload {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]HeartbeatPayload, len(e.heartbeats))
	for k, v := range e.heartbeats {
		out[k] = v
	}
	return out
}

// handleFullSyncRequest answers a slave with our current queue window.
func (e *Engine) handleFullSyncRequest(origin transport.Origin, _ transport.Envelope) {
	if origin.Peer == nil || !e.IsMaster() {
		return
	}
	window := e.queue.window()
	if err := e.hub.SendToPeer(origin.Peer.InstanceID, transport.EventFullSyncResponse, window); err != nil {
		e.logger.Warn("Failed to send full sync response",
			zap.String("peer", origin.Peer.InstanceID), zap.Error(err))
	}
}

// handleFullSyncResponse applies a master's queue window record by
// record through the normal inbound path.
func (e *Engine) handleFullSyncResponse(origin transport.Origin, env transport.Envelope) {
	if origin.Peer == nil {
		return
	}
	var window []*model.ChangeRecord
	if err := json.Unmarshal(env.Data, &window); err != nil {
		e.logger.Warn("Malformed full_sync_response payload", zap.Error(err))
		return
	}
	e.logger.Info("Applying full sync window",
		zap.String("peer", origin.Peer.InstanceID),
		zap.Int("records", len(window)))
	for _, rec := range window {
		e.processInbound(rec)
	}
}

// RequestFullSync asks the current master for its queue window. Only
// meaningful for a slave with a known, linked master.
func (e *Engine) RequestFullSync() bool {
	if e.IsMaster() {
		return false
	}
	master, ok := e.masterPeer()
	if !ok {
		return false
	}
	if !e.hub.HasPeerLink(master.InstanceID) {
		if err := e.hub.ConnectPeer(master); err != nil {
			e.logger.Warn("Failed to link master for full sync", zap.Error(err))
			return false
		}
	}
	if err := e.hub.SendToPeer(master.InstanceID, transport.EventFullSyncRequest,
		map[string]string{"instance_id": e.cfg.InstanceID}); err != nil {
		e.logger.Warn("Failed to request full sync", zap.Error(err))
		return false
	}
	return true
}

// handlePeerDiscovered reacts to a new or re-advertised peer: link it,
// arbitrate master claims, and trigger initial sync toward a master.
func (e *Engine) handlePeerDiscovered(p model.PeerInfo) {
	// Discovery publishes peer sightings from gossip callbacks that must
	// not block, so the dial and handshake run off this goroutine.
	go func() {
		if err := e.hub.ConnectPeer(p); err != nil {
			e.logger.Debug("Peer link attempt failed",
				zap.String("instance_id", p.InstanceID), zap.Error(err))
		}
	}()

	if p.IsMaster && e.IsMaster() {
		// Two masters: the older claimant wins, the younger steps down.
		own := e.disco.Announcement().AdvertisedAt
		if p.AdvertisedAt < own {
			e.StepDown("older master claimant " + p.InstanceID)
		} else {
			e.logger.Info("Ignoring younger master claimant",
				zap.String("instance_id", p.InstanceID),
				zap.Int64("their_advertised_at", p.AdvertisedAt),
				zap.Int64("our_advertised_at", own))
		}
		return
	}

	if p.IsMaster && !e.IsMaster() {
		// May dial the master when no link exists yet.
		go e.RequestFullSync()
	}
}

// handlePeerLost runs master election when the master disappears: the
// oldest remaining candidate (by advertisement timestamp) promotes
// itself.
func (e *Engine) handlePeerLost(instanceID string, wasMaster bool) {
	e.mu.Lock()
	delete(e.heartbeats, instanceID)
	e.mu.Unlock()

	if !wasMaster || e.IsMaster() || !e.electionEnabled() {
		return
	}

	own := e.disco.Announcement().AdvertisedAt
	for _, p := range e.disco.Peers() {
		if p.InstanceID == instanceID || p.IsMaster {
			continue
		}
		if p.AdvertisedAt < own {
			e.logger.Info("Election lost to older peer",
				zap.String("winner", p.InstanceID))
			return
		}
	}
	e.BecomeMaster("election after master " + instanceID + " disconnected")
}

// maintenanceLoop prunes the change queue and emits peer heartbeats.
func (e *Engine) maintenanceLoop() {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.runMaintenance()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) runMaintenance() {
	cutoff := time.Now().Add(-e.cfg.QueueWindow).UnixMilli()
	if removed := e.queue.pruneBefore(cutoff); removed > 0 {
		e.logger.Debug("Pruned change queue", zap.Int("removed", removed))
	}

	e.hub.BroadcastToPeers(transport.EventHeartbeat, HeartbeatPayload{
		InstanceID: e.cfg.InstanceID,
		IsMaster:   e.IsMaster(),
		QueueSize:  e.queue.size(),
		Timestamp:  time.Now().UnixMilli(),
	})
}
