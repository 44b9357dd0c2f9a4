package devserver

import (
	"net"
	"sync"

	"github.com/omochice/magichat/pkg/protocol"
	"go.uber.org/zap"
)

// peer is one websocket connection of a signed-in user.
type peer struct {
	conn     net.Conn
	userID   string
	outgoing chan []byte

	writeMu sync.Mutex
}

// Write serializes frames from the write loop with control replies sent by
// the read loop.
func (p *peer) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.Write(b)
}

// Hub tracks open connections per user and fans events out to them.
type Hub struct {
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[string]map[*peer]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		peers:  make(map[string]map[*peer]struct{}),
	}
}

// Register adds p.
func (h *Hub) Register(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.peers[p.userID]
	if !ok {
		set = make(map[*peer]struct{})
		h.peers[p.userID] = set
	}
	set[p] = struct{}{}
}

// Unregister removes p and closes its outgoing queue. Safe to call twice.
func (h *Hub) Unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.peers[p.userID]
	if _, ok := set[p]; !ok {
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(h.peers, p.userID)
	}
	close(p.outgoing)
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.peers {
		n += len(set)
	}
	return n
}

// Send queues ev for every connection of userID. A peer whose queue is full
// is skipped.
func (h *Hub) Send(userID string, ev protocol.Event) {
	data, err := ev.Encode()
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", ev.Name), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers[userID] {
		select {
		case p.outgoing <- data:
		default:
			h.logger.Warn("outgoing queue full, dropping event",
				zap.String("user", userID), zap.String("event", ev.Name))
		}
	}
}

// SendPeer queues ev for p alone.
func (h *Hub) SendPeer(p *peer, ev protocol.Event) {
	data, err := ev.Encode()
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", ev.Name), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.peers[p.userID][p]; !ok {
		return
	}
	select {
	case p.outgoing <- data:
	default:
		h.logger.Warn("outgoing queue full, dropping event",
			zap.String("user", p.userID), zap.String("event", ev.Name))
	}
}

// CloseAll closes every connection. Read loops then unregister their peers.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.peers {
		for p := range set {
			_ = p.conn.Close()
		}
	}
}
