package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/poslink/lansync/internal/events"
	"github.com/poslink/lansync/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Origin identifies where an inbound envelope came from. Exactly one
// of Client or Peer is set.
type Origin struct {
	Client *model.ClientSession
	Peer   *model.PeerSession
}

// InboundHandler reacts to one inbound envelope.
type InboundHandler func(origin Origin, env Envelope)

// Hub is the persistent-connection server with two independently
// authenticated audiences: end-user clients grouped by tenant, and
// sibling instances on a separate peer channel.
type Hub struct {
	logger *zap.Logger
	bus    *events.Bus
	auth   *Authenticator

	instanceID    string
	tenantID      string
	handshakeWait time.Duration

	mu       sync.RWMutex
	clients  map[string]*clientConn            // conn id -> conn
	tenants  map[string]map[string]*clientConn // tenant id -> conn id -> conn
	peers    map[string]*peerConn              // instance id -> conn
	handlers map[string][]InboundHandler

	upgrader websocket.Upgrader
}

// NewHub creates a transport hub for one instance.
func NewHub(instanceID, tenantID string, auth *Authenticator, handshakeWait time.Duration, bus *events.Bus, logger *zap.Logger) *Hub {
	if handshakeWait <= 0 {
		handshakeWait = 10 * time.Second
	}
	return &Hub{
		logger:        logger,
		bus:           bus,
		auth:          auth,
		instanceID:    instanceID,
		tenantID:      tenantID,
		handshakeWait: handshakeWait,
		clients:       make(map[string]*clientConn),
		tenants:       make(map[string]map[string]*clientConn),
		peers:         make(map[string]*peerConn),
		handlers:      make(map[string][]InboundHandler),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle registers a handler for one inbound event name.
func (h *Hub) Handle(event string, fn InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = append(h.handlers[event], fn)
}

func (h *Hub) dispatch(origin Origin, env Envelope) {
	h.mu.RLock()
	handlers := make([]InboundHandler, len(h.handlers[env.Event]))
	copy(handlers, h.handlers[env.Event])
	h.mu.RUnlock()

	if len(handlers) == 0 {
		h.logger.Debug("No handler for inbound event", zap.String("event", env.Event))
		return
	}
	for _, fn := range handlers {
		fn(origin, env)
	}
}

// HandleClient upgrades an end-user client connection. The bearer
// credential must be valid before the upgrade completes.
func (h *Hub) HandleClient(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerFromHeader(r)
	}
	claims, err := h.auth.Verify(token)
	if err != nil {
		h.logger.Warn("Client connection rejected", zap.Error(err))
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade client connection", zap.Error(err))
		return
	}

	session := model.ClientSession{
		ConnID:      uuid.NewString(),
		UserID:      claims.UserID,
		TenantID:    claims.TenantID,
		Role:        claims.Role,
		ConnectedAt: time.Now(),
	}
	c := &clientConn{hub: h, ws: ws, session: session, done: make(chan struct{})}

	h.mu.Lock()
	h.clients[session.ConnID] = c
	group, ok := h.tenants[session.TenantID]
	if !ok {
		group = make(map[string]*clientConn)
		h.tenants[session.TenantID] = group
	}
	group[session.ConnID] = c
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("conn_id", session.ConnID),
		zap.String("user_id", session.UserID),
		zap.String("tenant_id", session.TenantID))
	h.bus.Publish(events.ClientConnected, session)

	go c.keepalive()
	go c.readLoop()
}

// HandlePeer upgrades a sibling-instance connection. The transport
// accepts the upgrade unauthenticated but requires a peer_auth frame
// before any other traffic.
func (h *Hub) HandlePeer(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade peer connection", zap.Error(err))
		return
	}
	go h.runPeerHandshake(ws)
}

func (h *Hub) runPeerHandshake(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(h.handshakeWait))

	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		h.logger.Warn("Peer handshake read failed", zap.Error(err))
		ws.Close()
		return
	}

	payload, err := h.validatePeerAuth(env)
	if err != nil {
		h.logger.Warn("Peer handshake rejected", zap.Error(err))
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteJSON(NewEnvelope(EventPeerAuth, PeerAuthResult{Accepted: false, Reason: err.Error()}))
		ws.Close()
		return
	}

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(NewEnvelope(EventPeerAuth, PeerAuthResult{Accepted: true})); err != nil {
		ws.Close()
		return
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))

	session := model.PeerSession{
		ConnID:      uuid.NewString(),
		InstanceID:  payload.InstanceID,
		TenantID:    payload.TenantID,
		IsMaster:    payload.IsMaster,
		ConnectedAt: time.Now(),
	}
	h.registerPeer(&peerConn{hub: h, ws: ws, session: session, done: make(chan struct{})})
}

// validatePeerAuth checks the mandatory first frame on the peer channel.
func (h *Hub) validatePeerAuth(env Envelope) (*PeerAuthPayload, error) {
	if env.Event != EventPeerAuth {
		return nil, fmt.Errorf("expected %s, got %q", EventPeerAuth, env.Event)
	}
	var payload PeerAuthPayload
	if err := unmarshalData(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("malformed peer_auth payload: %w", err)
	}
	if payload.InstanceID == "" {
		return nil, fmt.Errorf("peer_auth missing instance id")
	}
	if payload.InstanceID == h.instanceID {
		return nil, fmt.Errorf("peer_auth from self")
	}
	if payload.TenantID != h.tenantID {
		return nil, fmt.Errorf("peer_auth tenant mismatch")
	}
	return &payload, nil
}

func (h *Hub) registerPeer(c *peerConn) {
	h.mu.Lock()
	if prev, ok := h.peers[c.session.InstanceID]; ok {
		// Newer link supersedes the old one.
		prev.closeQuietly()
	}
	h.peers[c.session.InstanceID] = c
	h.mu.Unlock()

	h.logger.Info("Peer connected",
		zap.String("instance_id", c.session.InstanceID),
		zap.Bool("is_master", c.session.IsMaster))
	h.bus.Publish(events.PeerConnected, c.session)

	go c.keepalive()
	go c.readLoop()
}

func (h *Hub) removeClient(c *clientConn) {
	h.mu.Lock()
	if cur, ok := h.clients[c.session.ConnID]; !ok || cur != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.session.ConnID)
	if group, ok := h.tenants[c.session.TenantID]; ok {
		delete(group, c.session.ConnID)
		if len(group) == 0 {
			delete(h.tenants, c.session.TenantID)
		}
	}
	h.mu.Unlock()

	h.logger.Info("Client disconnected", zap.String("conn_id", c.session.ConnID))
	h.bus.Publish(events.ClientDisconnected, c.session)
}

func (h *Hub) removePeer(c *peerConn) {
	h.mu.Lock()
	if cur, ok := h.peers[c.session.InstanceID]; !ok || cur != c {
		h.mu.Unlock()
		return
	}
	delete(h.peers, c.session.InstanceID)
	h.mu.Unlock()

	h.logger.Info("Peer disconnected", zap.String("instance_id", c.session.InstanceID))
	h.bus.Publish(events.PeerDisconnected, c.session)
}

// BroadcastToTenant delivers an event to every client of one tenant.
func (h *Hub) BroadcastToTenant(tenantID, event string, data interface{}) {
	env := NewEnvelope(event, data)
	h.mu.RLock()
	conns := make([]*clientConn, 0, len(h.tenants[tenantID]))
	for _, c := range h.tenants[tenantID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(env); err != nil {
			h.logger.Debug("Client broadcast write failed",
				zap.String("conn_id", c.session.ConnID), zap.Error(err))
		}
	}
}

// BroadcastToPeers delivers an event to every connected peer.
func (h *Hub) BroadcastToPeers(event string, data interface{}) {
	env := NewEnvelope(event, data)
	h.mu.RLock()
	conns := make([]*peerConn, 0, len(h.peers))
	for _, c := range h.peers {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(env); err != nil {
			h.logger.Debug("Peer broadcast write failed",
				zap.String("instance_id", c.session.InstanceID), zap.Error(err))
		}
	}
}

// SendToClient delivers an event to one client connection.
func (h *Hub) SendToClient(connID, event string, data interface{}) error {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("client %s not connected", connID)
	}
	return c.write(NewEnvelope(event, data))
}

// SendToPeer delivers an event to one peer instance. Fire-and-forget
// at the replication level: a write error means at-most-once delivery
// did not happen and convergence falls back to remote reconciliation.
func (h *Hub) SendToPeer(instanceID, event string, data interface{}) error {
	h.mu.RLock()
	c, ok := h.peers[instanceID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s not connected", instanceID)
	}
	return c.write(NewEnvelope(event, data))
}

// HasPeerLink reports whether a live peer channel exists for the instance.
func (h *Hub) HasPeerLink(instanceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[instanceID]
	return ok
}

// Clients returns a snapshot of connected client sessions.
func (h *Hub) Clients() []model.ClientSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.ClientSession, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.session)
	}
	return out
}

// Peers returns a snapshot of connected peer sessions.
func (h *Hub) Peers() []model.PeerSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.PeerSession, 0, len(h.peers))
	for _, c := range h.peers {
		out = append(out, c.session)
	}
	return out
}

// Close shuts down every connection on both channels.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*clientConn, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	peers := make([]*peerConn, 0, len(h.peers))
	for _, c := range h.peers {
		peers = append(peers, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeQuietly()
	}
	for _, c := range peers {
		c.closeQuietly()
	}
}

func bearerFromHeader(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
