package discovery

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/poslink/lansync/internal/events"
	"github.com/poslink/lansync/internal/model"
)

// Config holds LAN discovery configuration.
type Config struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	Seeds          []string
	StaleAfter     time.Duration
	SweepInterval  time.Duration
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Service advertises this instance on the local network and maintains
// a table of sibling instances advertising the same tenant.
//
// Discovery transport failures degrade the service to a disabled state
// instead of failing the process; manual seed configuration remains
// the fallback path.
type Service struct {
	cfg    Config
	logger *zap.Logger
	bus    *events.Bus

	mu       sync.RWMutex
	ann      model.Announcement
	peers    map[string]*model.PeerInfo
	disabled bool
	started  bool

	ml     *memberlist.Memberlist
	stopCh chan struct{}
}

// NewService creates a discovery service for the given announcement.
// AdvertisedAt is fixed here and never changes for the process lifetime.
func NewService(cfg Config, ann model.Announcement, bus *events.Bus, logger *zap.Logger) *Service {
	if ann.AdvertisedAt == 0 {
		ann.AdvertisedAt = time.Now().UnixMilli()
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		ann:    ann,
		peers:  make(map[string]*model.PeerInfo),
		stopCh: make(chan struct{}),
	}
}

// StartAdvertising publishes the announcement on the LAN. Safe to call
// repeatedly; later calls only update the advertised master flag. A
// discovery transport failure disables the service and emits a
// DiscoveryDisabled event rather than returning an error.
func (s *Service) StartAdvertising(isMaster bool) error {
	s.mu.Lock()
	s.ann.IsMaster = isMaster
	alreadyUp := s.ml != nil
	disabled := s.disabled || !s.cfg.Enabled
	s.mu.Unlock()

	if disabled {
		return nil
	}
	if alreadyUp {
		return s.reannounce()
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = s.ann.InstanceID
	mlConfig.BindAddr = s.cfg.BindAddr
	mlConfig.BindPort = s.cfg.BindPort
	mlConfig.AdvertisePort = s.cfg.BindPort
	if s.cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = s.cfg.GossipInterval
	}
	if s.cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = s.cfg.ProbeTimeout
	}
	if s.cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = s.cfg.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	mlConfig.LogOutput = &zapWriter{logger: s.logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		s.mu.Lock()
		s.disabled = true
		s.mu.Unlock()
		s.logger.Warn("LAN discovery unavailable, continuing without it",
			zap.Error(err))
		s.bus.Publish(events.DiscoveryDisabled, err.Error())
		return nil
	}

	s.mu.Lock()
	s.ml = ml
	s.mu.Unlock()

	if len(s.cfg.Seeds) > 0 {
		if _, err := ml.Join(s.cfg.Seeds); err != nil {
			s.logger.Warn("Failed to join some seed peers", zap.Error(err))
		}
	}

	s.logger.Info("Advertising on LAN",
		zap.String("instance_id", s.ann.InstanceID),
		zap.String("tenant_id", s.ann.TenantID),
		zap.Bool("is_master", isMaster),
		zap.Int("bind_port", s.cfg.BindPort))
	return nil
}

// StartDiscovery begins sighting peers and evicting stale entries.
func (s *Service) StartDiscovery() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.sweepLoop()
}

// UpdateServiceInfo re-announces with merged fields. Used to flip the
// master flag without restarting discovery.
func (s *Service) UpdateServiceInfo(patch func(*model.Announcement)) error {
	s.mu.Lock()
	patch(&s.ann)
	s.mu.Unlock()
	return s.reannounce()
}

func (s *Service) reannounce() error {
	s.mu.RLock()
	ml := s.ml
	s.mu.RUnlock()
	if ml == nil {
		return nil
	}
	if err := ml.UpdateNode(2 * time.Second); err != nil {
		s.logger.Warn("Failed to re-announce node metadata", zap.Error(err))
		return err
	}
	return nil
}

// Peers returns a snapshot of the live peer table.
func (s *Service) Peers() []model.PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// Peer returns one peer table entry by instance id.
func (s *Service) Peer(instanceID string) (model.PeerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[instanceID]
	if !ok {
		return model.PeerInfo{}, false
	}
	return *p, true
}

// Disabled reports whether discovery degraded to the disabled state.
func (s *Service) Disabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disabled
}

// Announcement returns a copy of the current self-announcement.
func (s *Service) Announcement() model.Announcement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ann
}

// Stop leaves the gossip network and halts the stale sweep.
func (s *Service) Stop() error {
	close(s.stopCh)
	s.mu.Lock()
	ml := s.ml
	s.ml = nil
	s.mu.Unlock()
	if ml == nil {
		return nil
	}
	if err := ml.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip network cleanly", zap.Error(err))
	}
	return ml.Shutdown()
}

func (s *Service) sweepLoop() {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshLiveness()
			s.evictStale(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// refreshLiveness touches lastSeen for every member the gossip layer
// still considers alive.
func (s *Service) refreshLiveness() {
	s.mu.RLock()
	ml := s.ml
	s.mu.RUnlock()
	if ml == nil {
		return
	}
	for _, node := range ml.Members() {
		s.observe(node.Meta, time.Now())
	}
}

// evictStale removes peers not seen within the staleness window,
// emitting PeerDisconnected for each eviction.
func (s *Service) evictStale(now time.Time) {
	stale := s.cfg.StaleAfter
	if stale <= 0 {
		stale = 30 * time.Second
	}

	var evicted []model.PeerInfo
	s.mu.Lock()
	for id, p := range s.peers {
		if now.Sub(p.LastSeen) > stale {
			evicted = append(evicted, *p)
			delete(s.peers, id)
		}
	}
	s.mu.Unlock()

	for _, p := range evicted {
		s.logger.Info("Peer went stale",
			zap.String("instance_id", p.InstanceID),
			zap.Time("last_seen", p.LastSeen))
		s.bus.Publish(events.PeerDisconnected, p)
	}
}

// observe upserts a sighted announcement into the peer table. Self and
// foreign-tenant sightings are discarded.
func (s *Service) observe(meta []byte, seen time.Time) {
	if len(meta) == 0 {
		return
	}
	var ann model.Announcement
	if err := json.Unmarshal(meta, &ann); err != nil {
		s.logger.Warn("Failed to unmarshal peer announcement", zap.Error(err))
		return
	}

	s.mu.Lock()
	if ann.InstanceID == s.ann.InstanceID || ann.TenantID != s.ann.TenantID {
		s.mu.Unlock()
		return
	}
	existing, known := s.peers[ann.InstanceID]
	if known {
		masterFlipped := existing.IsMaster != ann.IsMaster
		*existing = *ann.PeerInfo(seen)
		s.mu.Unlock()
		if masterFlipped {
			// Role changes ride the same discovery callback.
			s.bus.Publish(events.PeerDiscovered, *existing)
		}
		return
	}
	p := ann.PeerInfo(seen)
	s.peers[ann.InstanceID] = p
	s.mu.Unlock()

	s.logger.Info("Peer discovered",
		zap.String("instance_id", ann.InstanceID),
		zap.String("address", ann.Address),
		zap.Int("port", ann.Port),
		zap.Bool("is_master", ann.IsMaster))
	s.bus.Publish(events.PeerDiscovered, *p)
}

// drop removes a departed peer and emits PeerDisconnected.
func (s *Service) drop(instanceID string) {
	s.mu.Lock()
	p, ok := s.peers[instanceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	info := *p
	delete(s.peers, instanceID)
	s.mu.Unlock()

	s.logger.Info("Peer left", zap.String("instance_id", instanceID))
	s.bus.Publish(events.PeerDisconnected, info)
}
