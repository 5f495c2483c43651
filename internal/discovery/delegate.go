package discovery

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// NodeMeta implements memberlist.Delegate.
func (s *Service) NodeMeta(limit int) []byte {
	s.mu.RLock()
	data, _ := json.Marshal(s.ann)
	s.mu.RUnlock()
	if len(data) > limit {
		s.logger.Warn("Announcement exceeds metadata limit, truncating",
			zap.Int("size", len(data)), zap.Int("limit", limit))
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate.
func (s *Service) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate.
func (s *Service) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate.
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

// eventDelegate routes memberlist membership callbacks into the
// service's peer table.
type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins the gossip network.
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.observe(node.Meta, time.Now())
}

// NotifyLeave is called when a node leaves or is declared dead.
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.drop(node.Name)
}

// NotifyUpdate is called when a node's metadata changes.
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.observe(node.Meta, time.Now())
}

// zapWriter adapts memberlist's log output onto the zap logger.
type zapWriter struct {
	logger *zap.Logger
}

func (w *zapWriter) Write(p []byte) (int, error) {
	w.logger.Debug("memberlist", zap.ByteString("line", p))
	return len(p), nil
}
