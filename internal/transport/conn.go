package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/poslink/lansync/internal/model"
)

// clientConn is one end-user client connection. The write mutex
// prevents concurrent writes to the websocket.
type clientConn struct {
	hub     *Hub
	ws      *websocket.Conn
	session model.ClientSession

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (c *clientConn) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

func (c *clientConn) readLoop() {
	defer c.closeQuietly()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("Unexpected client closure",
					zap.String("conn_id", c.session.ConnID), zap.Error(err))
			}
			return
		}

		switch env.Event {
		case EventSyncRequest, EventDataChange:
			session := c.session
			c.hub.dispatch(Origin{Client: &session}, env)
		default:
			c.hub.logger.Debug("Ignoring client event",
				zap.String("event", env.Event),
				zap.String("conn_id", c.session.ConnID))
		}
	}
}

func (c *clientConn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.closeQuietly()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *clientConn) closeQuietly() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		c.hub.removeClient(c)
	})
}

// peerConn is one sibling-instance connection, inbound or dialed.
type peerConn struct {
	hub     *Hub
	ws      *websocket.Conn
	session model.PeerSession

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (c *peerConn) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

func (c *peerConn) readLoop() {
	defer c.closeQuietly()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("Unexpected peer closure",
					zap.String("instance_id", c.session.InstanceID), zap.Error(err))
			}
			return
		}

		if env.Event == EventPeerAuth {
			// Handshake already completed on this link.
			continue
		}
		session := c.session
		c.hub.dispatch(Origin{Peer: &session}, env)
	}
}

func (c *peerConn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.closeQuietly()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *peerConn) closeQuietly() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		c.hub.removePeer(c)
	})
}

// ConnectPeer dials a sibling instance's peer channel and performs the
// peer_auth handshake. No-op when a live link already exists.
func (h *Hub) ConnectPeer(peer model.PeerInfo) error {
	if h.HasPeerLink(peer.InstanceID) {
		return nil
	}

	url := fmt.Sprintf("ws://%s:%d/ws/peer", peer.Address, peer.Port)
	dialer := websocket.Dialer{HandshakeTimeout: h.handshakeWait}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial peer %s: %w", peer.InstanceID, err)
	}

	ann := PeerAuthPayload{
		InstanceID: h.instanceID,
		TenantID:   h.tenantID,
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(NewEnvelope(EventPeerAuth, ann)); err != nil {
		ws.Close()
		return fmt.Errorf("failed to send peer_auth: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(h.handshakeWait))
	var reply Envelope
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		return fmt.Errorf("failed to read peer_auth reply: %w", err)
	}
	var result PeerAuthResult
	if err := unmarshalData(reply.Data, &result); err != nil || !result.Accepted {
		ws.Close()
		if err == nil {
			err = fmt.Errorf("rejected: %s", result.Reason)
		}
		return fmt.Errorf("peer_auth handshake failed: %w", err)
	}

	session := model.PeerSession{
		ConnID:      fmt.Sprintf("out-%s", peer.InstanceID),
		InstanceID:  peer.InstanceID,
		TenantID:    peer.TenantID,
		IsMaster:    peer.IsMaster,
		ConnectedAt: time.Now(),
	}
	h.registerPeer(&peerConn{hub: h, ws: ws, session: session, done: make(chan struct{})})
	return nil
}

func unmarshalData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(raw, v)
}
