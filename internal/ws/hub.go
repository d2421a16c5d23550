package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"css-relay/internal/room"
	"css-relay/internal/types"
)

const outboxSize = 32

// Hub tracks every live connection, keyed by connection id, and gives the
// game engine its room-scoped broadcast and per-user unicast delivery.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan []byte
	reg     *room.Registry
	log     *zap.Logger
}

func NewHub(reg *room.Registry, log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]chan []byte),
		reg:     reg,
		log:     log,
	}
}

func (h *Hub) register(id string) chan []byte {
	out := make(chan []byte, outboxSize)
	h.mu.Lock()
	h.clients[id] = out
	h.mu.Unlock()
	return out
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	if out, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(out)
	}
	h.mu.Unlock()
}

// ToUser delivers msg to one connection. Non-blocking: a client whose
// outbox is full misses the message instead of stalling the engine, which
// may be holding a room lock while calling this.
func (h *Hub) ToUser(userID string, msg types.ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal server message", zap.Error(err))
		return
	}
	h.send(userID, payload)
}

// ToRoom delivers msg to every current member of the room.
func (h *Hub) ToRoom(roomCode string, msg types.ServerMessage) {
	s := h.reg.Find(roomCode)
	if s == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal server message", zap.Error(err))
		return
	}
	for _, id := range s.MemberIDs() {
		h.send(id, payload)
	}
}

// send holds the read lock across the attempt so unregister cannot close
// the outbox mid-send.
func (h *Hub) send(id string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out, ok := h.clients[id]
	if !ok {
		return
	}
	select {
	case out <- payload:
	default:
		h.log.Warn("client outbox full, dropping message", zap.String("client", id))
	}
}
