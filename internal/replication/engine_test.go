package replication

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/poslink/lansync/internal/events"
	"github.com/poslink/lansync/internal/localstore"
	"github.com/poslink/lansync/internal/metrics"
	"github.com/poslink/lansync/internal/model"
	"github.com/poslink/lansync/internal/outbox"
	"github.com/poslink/lansync/internal/transport"
)

type sentMessage struct {
	Target string
	Event  string
	Data   interface{}
}

// fakeTransport records hub interactions and lets tests fire inbound
// envelopes at the engine's registered handlers.
type fakeTransport struct {
	mu               sync.Mutex
	handlers         map[string][]transport.InboundHandler
	peerBroadcasts   []sentMessage
	tenantBroadcasts []sentMessage
	peerSends        []sentMessage
	clientSends      []sentMessage
	linked           map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string][]transport.InboundHandler),
		linked:   make(map[string]bool),
	}
}

func (f *fakeTransport) Handle(event string, fn transport.InboundHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], fn)
}

func (f *fakeTransport) BroadcastToPeers(event string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peerBroadcasts = append(f.peerBroadcasts, sentMessage{Event: event, Data: data})
}

func (f *fakeTransport) BroadcastToTenant(tenantID, event string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenantBroadcasts = append(f.tenantBroadcasts, sentMessage{Target: tenantID, Event: event, Data: data})
}

func (f *fakeTransport) SendToPeer(instanceID, event string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peerSends = append(f.peerSends, sentMessage{Target: instanceID, Event: event, Data: data})
	return nil
}

func (f *fakeTransport) SendToClient(connID, event string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientSends = append(f.clientSends, sentMessage{Target: connID, Event: event, Data: data})
	return nil
}

func (f *fakeTransport) ConnectPeer(peer model.PeerInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linked[peer.InstanceID] = true
	return nil
}

func (f *fakeTransport) HasPeerLink(instanceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linked[instanceID]
}

func (f *fakeTransport) fire(t *testing.T, origin transport.Origin, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	handlers := append([]transport.InboundHandler(nil), f.handlers[event]...)
	f.mu.Unlock()
	require.NotEmpty(t, handlers, "no handler registered for %s", event)
	for _, fn := range handlers {
		fn(origin, transport.Envelope{Event: event, Data: raw})
	}
}

func (f *fakeTransport) sentTo(kind string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch kind {
	case "peers":
		return append([]sentMessage(nil), f.peerBroadcasts...)
	case "tenant":
		return append([]sentMessage(nil), f.tenantBroadcasts...)
	case "peer":
		return append([]sentMessage(nil), f.peerSends...)
	default:
		return append([]sentMessage(nil), f.clientSends...)
	}
}

func countEvents(msgs []sentMessage, event string) int {
	n := 0
	for _, m := range msgs {
		if m.Event == event {
			n++
		}
	}
	return n
}

// fakeDiscovery serves a mutable peer table and announcement.
type fakeDiscovery struct {
	mu    sync.Mutex
	peers []model.PeerInfo
	ann   model.Announcement
}

func (f *fakeDiscovery) Peers() []model.PeerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.PeerInfo(nil), f.peers...)
}

func (f *fakeDiscovery) Announcement() model.Announcement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ann
}

func (f *fakeDiscovery) UpdateServiceInfo(patch func(*model.Announcement)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	patch(&f.ann)
	return nil
}

func (f *fakeDiscovery) setPeers(peers []model.PeerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers = peers
}

// fakeApplier records the latest applied record per entity and hands
// out one stable sync id per record.
type fakeApplier struct {
	mu      sync.Mutex
	applied map[string]*model.ChangeRecord
	syncIDs map[string]string
	count   int
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{
		applied: make(map[string]*model.ChangeRecord),
		syncIDs: make(map[string]string),
	}
}

func (f *fakeApplier) Apply(_ context.Context, rec *model.ChangeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[rec.EntityType+"/"+rec.EntityID] = rec
	f.count++
	return nil
}

func (f *fakeApplier) EnsureSyncID(_ context.Context, collection, recordID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := collection + "/" + recordID
	if id, ok := f.syncIDs[key]; ok {
		return id, nil
	}
	id := "sync-" + key
	f.syncIDs[key] = id
	return id, nil
}

func (f *fakeApplier) appliedFor(key string) *model.ChangeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[key]
}

func (f *fakeApplier) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakeOutbox struct {
	mu      sync.Mutex
	items   []string
	syncIDs []string
}

func (f *fakeOutbox) AddToOutbox(_ context.Context, collection, recordID, tenantID string, op model.ChangeOp, payload []byte, syncID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, collection+"/"+recordID)
	f.syncIDs = append(f.syncIDs, syncID)
	return nil
}

func (f *fakeOutbox) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fakeOutbox) enqueuedSyncIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.syncIDs...)
}

type engineFixture struct {
	engine  *Engine
	hub     *fakeTransport
	disco   *fakeDiscovery
	applier *fakeApplier
	outbox  *fakeOutbox
	bus     *events.Bus
}

func newEngineFixture(t *testing.T, cfg Config, peers []model.PeerInfo, advertisedAt int64) *engineFixture {
	t.Helper()
	if cfg.InstanceID == "" {
		cfg.InstanceID = "inst-self"
	}
	if cfg.TenantID == "" {
		cfg.TenantID = "tenant-1"
	}

	hub := newFakeTransport()
	disco := &fakeDiscovery{
		peers: peers,
		ann: model.Announcement{
			InstanceID:   cfg.InstanceID,
			TenantID:     cfg.TenantID,
			AdvertisedAt: advertisedAt,
		},
	}
	applier := newFakeApplier()
	ob := &fakeOutbox{}
	bus := events.NewBus(zap.NewNop())
	idem := NewMemoryIdempotencyStore(time.Hour)

	e := NewEngine(cfg, disco, hub, applier, ob, idem, bus, nil, zap.NewNop())
	e.Start()
	t.Cleanup(e.Stop)

	return &engineFixture{engine: e, hub: hub, disco: disco, applier: applier, outbox: ob, bus: bus}
}

func peerOrigin(instanceID string) transport.Origin {
	return transport.Origin{Peer: &model.PeerSession{
		ConnID:     "conn-" + instanceID,
		InstanceID: instanceID,
		TenantID:   "tenant-1",
	}}
}

func clientOrigin(userID string) transport.Origin {
	return transport.Origin{Client: &model.ClientSession{
		ConnID:   "conn-" + userID,
		UserID:   userID,
		TenantID: "tenant-1",
	}}
}

func TestEngine_StartupRole_DefaultsToMaster(t *testing.T) {
	fx := newEngineFixture(t, Config{}, nil, 1000)
	assert.Equal(t, RoleMaster, fx.engine.Role())
	assert.True(t, fx.disco.Announcement().IsMaster, "master flag must be advertised")
}

func TestEngine_StartupRole_SlaveWhenMasterAdvertising(t *testing.T) {
	peers := []model.PeerInfo{{InstanceID: "inst-other", TenantID: "tenant-1", IsMaster: true, AdvertisedAt: 500}}
	fx := newEngineFixture(t, Config{}, peers, 1000)
	assert.Equal(t, RoleSlave, fx.engine.Role())
}

func TestEngine_StartupRole_PersistedPreference(t *testing.T) {
	prefer := false
	fx := newEngineFixture(t, Config{PreferMaster: &prefer}, nil, 1000)
	assert.Equal(t, RoleSlave, fx.engine.Role())
}

// Two instances both default to master; once they see each other, the
// one with the later advertisement timestamp steps down.
func TestEngine_MasterConflict_OlderClaimantWins(t *testing.T) {
	fx := newEngineFixture(t, Config{}, nil, 2000)
	require.Equal(t, RoleMaster, fx.engine.Role())

	older := model.PeerInfo{InstanceID: "inst-old", TenantID: "tenant-1", IsMaster: true, AdvertisedAt: 1000}
	fx.disco.setPeers([]model.PeerInfo{older})
	fx.bus.Publish(events.PeerDiscovered, older)

	assert.Equal(t, RoleSlave, fx.engine.Role())
	assert.False(t, fx.disco.Announcement().IsMaster)
	assert.Greater(t, countEvents(fx.hub.sentTo("tenant"), transport.EventMasterChanged), 0)
}

func TestEngine_MasterConflict_YoungerClaimantIgnored(t *testing.T) {
	fx := newEngineFixture(t, Config{}, nil, 1000)
	require.Equal(t, RoleMaster, fx.engine.Role())

	younger := model.PeerInfo{InstanceID: "inst-young", TenantID: "tenant-1", IsMaster: true, AdvertisedAt: 2000}
	fx.disco.setPeers([]model.PeerInfo{younger})
	fx.bus.Publish(events.PeerDiscovered, younger)

	assert.Equal(t, RoleMaster, fx.engine.Role())
}

// The master disconnects; the remaining peer with the oldest
// advertisement timestamp promotes itself.
func TestEngine_Election_OldestCandidateWins(t *testing.T) {
	master := model.PeerInfo{InstanceID: "inst-master", TenantID: "tenant-1", IsMaster: true, AdvertisedAt: 500}
	sibling := model.PeerInfo{InstanceID: "inst-sibling", TenantID: "tenant-1", AdvertisedAt: 3000}

	fx := newEngineFixture(t, Config{ElectionEnabled: true}, []model.PeerInfo{master, sibling}, 1000)
	require.Equal(t, RoleSlave, fx.engine.Role())

	fx.disco.setPeers([]model.PeerInfo{sibling})
	fx.bus.Publish(events.PeerDisconnected, master)

	assert.Equal(t, RoleMaster, fx.engine.Role())
}

func TestEngine_Election_LosesToOlderCandidate(t *testing.T) {
	master := model.PeerInfo{InstanceID: "inst-master", TenantID: "tenant-1", IsMaster: true, AdvertisedAt: 200}
	older := model.PeerInfo{InstanceID: "inst-older", TenantID: "tenant-1", AdvertisedAt: 500}

	fx := newEngineFixture(t, Config{ElectionEnabled: true}, []model.PeerInfo{master, older}, 1000)
	require.Equal(t, RoleSlave, fx.engine.Role())

	fx.disco.setPeers([]model.PeerInfo{older})
	fx.bus.Publish(events.PeerDisconnected, master)

	assert.Equal(t, RoleSlave, fx.engine.Role())
}

func TestEngine_Election_DisabledDoesNothing(t *testing.T) {
	master := model.PeerInfo{InstanceID: "inst-master", TenantID: "tenant-1", IsMaster: true, AdvertisedAt: 200}

	fx := newEngineFixture(t, Config{ElectionEnabled: false}, []model.PeerInfo{master}, 1000)
	require.Equal(t, RoleSlave, fx.engine.Role())

	fx.disco.setPeers(nil)
	fx.bus.Publish(events.PeerDisconnected, master)

	assert.Equal(t, RoleSlave, fx.engine.Role())
}

// Out-of-order arrival converges on the record with the greater
// origin timestamp either way.
func TestEngine_OutOfOrderRecords_LastWriteWins(t *testing.T) {
	mkRec := func(id string, ts int64, val string) *model.ChangeRecord {
		return &model.ChangeRecord{
			ID:               id,
			TenantID:         "tenant-1",
			EntityType:       "customers",
			EntityID:         "7",
			Operation:        model.OpUpdate,
			Payload:          json.RawMessage(`{"v":"` + val + `"}`),
			Timestamp:        ts,
			OriginInstanceID: "inst-other",
		}
	}

	t.Run("newer first", func(t *testing.T) {
		fx := newEngineFixture(t, Config{Strategy: model.ConflictLastWriteWins}, nil, 1000)
		fx.hub.fire(t, peerOrigin("inst-other"), transport.EventSyncRecord, mkRec("r2", 200, "new"))
		fx.hub.fire(t, peerOrigin("inst-other"), transport.EventSyncRecord, mkRec("r1", 100, "old"))

		applied := fx.applier.appliedFor("customers/7")
		require.NotNil(t, applied)
		assert.Equal(t, int64(200), applied.Timestamp)
	})

	t.Run("older first", func(t *testing.T) {
		fx := newEngineFixture(t, Config{Strategy: model.ConflictLastWriteWins}, nil, 1000)
		fx.hub.fire(t, peerOrigin("inst-other"), transport.EventSyncRecord, mkRec("r1", 100, "old"))
		fx.hub.fire(t, peerOrigin("inst-other"), transport.EventSyncRecord, mkRec("r2", 200, "new"))

		applied := fx.applier.appliedFor("customers/7")
		require.NotNil(t, applied)
		assert.Equal(t, int64(200), applied.Timestamp)
	})
}

// Under the manual strategy a colliding pair applies nothing and
// surfaces both versions to clients.
func TestEngine_ManualConflict_EscalatesWithoutApplying(t *testing.T) {
	fx := newEngineFixture(t, Config{Strategy: model.ConflictManual}, nil, 1000)

	first := &model.ChangeRecord{
		ID: "r1", TenantID: "tenant-1", EntityType: "customers", EntityID: "7",
		Operation: model.OpUpdate, Timestamp: 100, OriginInstanceID: "inst-a",
	}
	second := &model.ChangeRecord{
		ID: "r2", TenantID: "tenant-1", EntityType: "customers", EntityID: "7",
		Operation: model.OpUpdate, Timestamp: 200, OriginInstanceID: "inst-b",
	}

	fx.hub.fire(t, peerOrigin("inst-a"), transport.EventSyncRecord, first)
	require.Equal(t, 1, fx.applier.applyCount(), "first record has no conflict")

	fx.hub.fire(t, peerOrigin("inst-b"), transport.EventSyncRecord, second)

	assert.Equal(t, 1, fx.applier.applyCount(), "conflicting record must not be applied")
	conflicts := 0
	for _, m := range fx.hub.sentTo("tenant") {
		if m.Event == transport.EventSyncConflict {
			conflicts++
			payload, ok := m.Data.(ConflictPayload)
			require.True(t, ok)
			assert.Equal(t, "r1", payload.Local.ID)
			assert.Equal(t, "r2", payload.Incoming.ID)
		}
	}
	assert.Equal(t, 1, conflicts)
}

func TestEngine_DuplicateRecordDropped(t *testing.T) {
	fx := newEngineFixture(t, Config{}, nil, 1000)

	rec := &model.ChangeRecord{
		ID: "r1", TenantID: "tenant-1", EntityType: "customers", EntityID: "7",
		Operation: model.OpUpdate, Timestamp: 100, OriginInstanceID: "inst-other",
	}
	fx.hub.fire(t, peerOrigin("inst-other"), transport.EventSyncRecord, rec)
	fx.hub.fire(t, peerOrigin("inst-other"), transport.EventSyncRecord, rec)

	assert.Equal(t, 1, fx.applier.applyCount())
}

func TestEngine_LocalChange_MasterBroadcasts(t *testing.T) {
	fx := newEngineFixture(t, Config{}, nil, 1000)
	require.True(t, fx.engine.IsMaster())

	fx.hub.fire(t, clientOrigin("user-1"), transport.EventDataChange, DataChangePayload{
		EntityType: "customers",
		EntityID:   "7",
		Operation:  model.OpCreate,
		Payload:    json.RawMessage(`{"name":"Ada"}`),
		Timestamp:  100,
	})

	assert.Equal(t, 1, fx.engine.QueueSize())
	assert.Equal(t, 1, fx.outbox.size(), "local change must be queued for the remote store")
	assert.Equal(t, []string{"sync-customers/7"}, fx.outbox.enqueuedSyncIDs(),
		"outbox item carries the record's resolved sync id")
	assert.Equal(t, 1, countEvents(fx.hub.sentTo("peers"), transport.EventSyncRecord))
	assert.Equal(t, 1, countEvents(fx.hub.sentTo("tenant"), transport.EventDataUpdated))
}

func TestEngine_LocalChange_SlaveForwardsToMaster(t *testing.T) {
	master := model.PeerInfo{InstanceID: "inst-master", TenantID: "tenant-1", IsMaster: true, AdvertisedAt: 500}
	fx := newEngineFixture(t, Config{}, []model.PeerInfo{master}, 1000)
	require.Equal(t, RoleSlave, fx.engine.Role())

	fx.hub.fire(t, clientOrigin("user-1"), transport.EventDataChange, DataChangePayload{
		EntityType: "customers",
		EntityID:   "7",
		Operation:  model.OpUpdate,
		Timestamp:  100,
	})

	sends := fx.hub.sentTo("peer")
	found := false
	for _, m := range sends {
		if m.Event == transport.EventSyncRecord && m.Target == "inst-master" {
			found = true
		}
	}
	assert.True(t, found, "slave must hand the record to the master peer")
	assert.Equal(t, 0, countEvents(fx.hub.sentTo("peers"), transport.EventSyncRecord))
}

func TestEngine_FullSyncRequest_MasterAnswersWindow(t *testing.T) {
	fx := newEngineFixture(t, Config{}, nil, 1000)
	require.True(t, fx.engine.IsMaster())

	fx.hub.fire(t, clientOrigin("user-1"), transport.EventDataChange, DataChangePayload{
		EntityType: "customers", EntityID: "7", Operation: model.OpCreate, Timestamp: 100,
	})

	fx.hub.fire(t, peerOrigin("inst-slave"), transport.EventFullSyncRequest, map[string]string{"instance_id": "inst-slave"})

	sends := fx.hub.sentTo("peer")
	found := false
	for _, m := range sends {
		if m.Event == transport.EventFullSyncResponse && m.Target == "inst-slave" {
			found = true
			window, ok := m.Data.([]*model.ChangeRecord)
			require.True(t, ok)
			assert.Len(t, window, 1)
		}
	}
	assert.True(t, found)
}

func TestEngine_SyncRequest_AnswersStatus(t *testing.T) {
	fx := newEngineFixture(t, Config{}, nil, 1000)

	fx.hub.fire(t, clientOrigin("user-1"), transport.EventSyncRequest, struct{}{})

	sends := fx.hub.sentTo("client")
	require.Len(t, sends, 1)
	assert.Equal(t, transport.EventSyncStatus, sends[0].Event)
	status, ok := sends[0].Data.(SyncStatusPayload)
	require.True(t, ok)
	assert.Equal(t, RoleMaster, status.Role)
}

// Every outbox item for one record must carry the record's stable sync
// id, so create, update, and delete all target the same remote row and
// the delete hits an id that was actually upserted.
func TestEngine_OutboxCorrelatesDeliveriesBySyncID(t *testing.T) {
	dir := t.TempDir()
	local, err := localstore.Open(filepath.Join(dir, "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	ob, err := outbox.Open(filepath.Join(dir, "outbox.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { ob.Close() })

	hub := newFakeTransport()
	disco := &fakeDiscovery{ann: model.Announcement{
		InstanceID: "inst-self", TenantID: "tenant-1", AdvertisedAt: 1000,
	}}
	bus := events.NewBus(zap.NewNop())
	e := NewEngine(Config{InstanceID: "inst-self", TenantID: "tenant-1"},
		disco, hub, local, ob, NewMemoryIdempotencyStore(time.Hour), bus, nil, zap.NewNop())
	e.Start()
	t.Cleanup(e.Stop)

	for i, op := range []model.ChangeOp{model.OpCreate, model.OpUpdate, model.OpDelete} {
		hub.fire(t, clientOrigin("user-1"), transport.EventDataChange, DataChangePayload{
			EntityType: "customers",
			EntityID:   "c-1",
			Operation:  op,
			Payload:    json.RawMessage(`{"name":"Ada"}`),
			Timestamp:  int64(100 + i),
		})
	}
	hub.fire(t, clientOrigin("user-1"), transport.EventDataChange, DataChangePayload{
		EntityType: "customers", EntityID: "c-2", Operation: model.OpCreate, Timestamp: 200,
	})

	ctx := context.Background()
	items, err := ob.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, items[0].SyncID, items[1].SyncID, "update must reuse the create's sync id")
	assert.Equal(t, items[0].SyncID, items[2].SyncID, "delete must reuse the create's sync id")
	assert.NotEqual(t, items[0].SyncID, items[3].SyncID, "other records get their own sync id")

	rowSyncID, err := local.EnsureSyncID(ctx, "customers", "c-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, rowSyncID, items[0].SyncID, "outbox items and the local row must share one sync id")
}

func TestEngine_MetricsCounters(t *testing.T) {
	m := metrics.NewMetrics()
	hub := newFakeTransport()
	disco := &fakeDiscovery{ann: model.Announcement{
		InstanceID: "inst-self", TenantID: "tenant-1", AdvertisedAt: 1000,
	}}
	bus := events.NewBus(zap.NewNop())
	e := NewEngine(Config{InstanceID: "inst-self", TenantID: "tenant-1", Strategy: model.ConflictLastWriteWins},
		disco, hub, newFakeApplier(), &fakeOutbox{}, NewMemoryIdempotencyStore(time.Hour), bus, m, zap.NewNop())
	e.Start()
	t.Cleanup(e.Stop)

	hub.fire(t, clientOrigin("user-1"), transport.EventDataChange, DataChangePayload{
		EntityType: "customers", EntityID: "7", Operation: model.OpUpdate, Timestamp: 200,
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChangesTotal.WithLabelValues("local", "customers")))

	inbound := &model.ChangeRecord{
		ID: "r-peer", TenantID: "tenant-1", EntityType: "customers", EntityID: "8",
		Operation: model.OpUpdate, Timestamp: 300, OriginInstanceID: "inst-other",
	}
	hub.fire(t, peerOrigin("inst-other"), transport.EventSyncRecord, inbound)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChangesTotal.WithLabelValues("peer", "customers")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChangesApplied.WithLabelValues("customers", "update")))

	// Colliding with the local record from above: the older incoming
	// version loses under last-write-wins.
	stale := &model.ChangeRecord{
		ID: "r-stale", TenantID: "tenant-1", EntityType: "customers", EntityID: "7",
		Operation: model.OpUpdate, Timestamp: 100, OriginInstanceID: "inst-other",
	}
	hub.fire(t, peerOrigin("inst-other"), transport.EventSyncRecord, stale)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("last-write-wins", "keep-local")))
}

// blockedDialTransport parks every outbound dial until released.
type blockedDialTransport struct {
	*fakeTransport
	release chan struct{}
}

func (b *blockedDialTransport) ConnectPeer(model.PeerInfo) error {
	<-b.release
	return nil
}

// A peer sighting is published from discovery callbacks that must not
// block, so the engine has to take the dial off the event goroutine.
func TestEngine_PeerSightingDoesNotBlockOnDial(t *testing.T) {
	hub := &blockedDialTransport{
		fakeTransport: newFakeTransport(),
		release:       make(chan struct{}),
	}
	defer close(hub.release)

	disco := &fakeDiscovery{ann: model.Announcement{
		InstanceID: "inst-self", TenantID: "tenant-1", AdvertisedAt: 2000,
	}}
	bus := events.NewBus(zap.NewNop())
	e := NewEngine(Config{InstanceID: "inst-self", TenantID: "tenant-1"},
		disco, hub, newFakeApplier(), &fakeOutbox{}, NewMemoryIdempotencyStore(time.Hour), bus, nil, zap.NewNop())
	e.Start()
	t.Cleanup(e.Stop)

	older := model.PeerInfo{InstanceID: "inst-old", TenantID: "tenant-1", IsMaster: true, AdvertisedAt: 1000}
	disco.setPeers([]model.PeerInfo{older})

	done := make(chan struct{})
	go func() {
		bus.Publish(events.PeerDiscovered, older)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("peer sighting blocked on the outbound dial")
	}
	// Role arbitration still ran even though the dial is parked.
	assert.Equal(t, RoleSlave, e.Role())
}

func TestEngine_ForceRoles(t *testing.T) {
	fx := newEngineFixture(t, Config{}, nil, 1000)
	require.True(t, fx.engine.IsMaster())

	assert.False(t, fx.engine.BecomeMaster("force"), "already master is a no-op")
	assert.True(t, fx.engine.StepDown("force"))
	assert.Equal(t, RoleSlave, fx.engine.Role())
	assert.True(t, fx.engine.BecomeMaster("force"))
	assert.Equal(t, RoleMaster, fx.engine.Role())
}
