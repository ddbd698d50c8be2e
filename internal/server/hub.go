package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/fablecraft/collab-relay/internal/collab"
	"github.com/fablecraft/collab-relay/internal/logging"
)

// Hub tracks connected clients and their room subscriptions, and fans
// messages out to rooms. It implements collab.Broadcaster.
//
// Each message is encoded once and queued on every subscriber's send
// buffer from the calling goroutine, so sequential Broadcast calls reach a
// given client in call order. A client whose buffer is full is dropped.
type Hub struct {
	logger logging.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	broadcasts atomic.Int64
	dropped    atomic.Int64
}

// NewHub creates an empty Hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger:  logger.WithComponent("hub"),
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

// Broadcast delivers msg to every subscriber of room.
func (h *Hub) Broadcast(room string, msg collab.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("failed to encode broadcast", "room", room, "type", msg.Type, "error", err)
		return
	}
	h.broadcasts.Add(1)

	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	for _, c := range subscribers {
		if !c.enqueue(data) {
			h.dropped.Add(1)
			h.logger.Warnw("dropping slow client", "client", c.id, "room", room)
			h.unregister(c)
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// unregister removes c from every room and closes its send buffer.
// Safe to call more than once.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	c.closeSend()
}

func (h *Hub) subscribe(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) unsubscribe(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// closeAll unregisters every client, which ends their write pumps.
func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// HubStats are hub counters.
type HubStats struct {
	Clients    int
	Rooms      int
	Broadcasts int64
	Dropped    int64
}

// Stats returns current hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		Clients:    len(h.clients),
		Rooms:      len(h.rooms),
		Broadcasts: h.broadcasts.Load(),
		Dropped:    h.dropped.Load(),
	}
}

// RoomSize returns the number of subscribers of room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
