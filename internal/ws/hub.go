package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/manpreetbhatti/velocode/internal/protocol"
	"github.com/manpreetbhatti/velocode/internal/session"
)

// Hub owns every live connection and the room groups they belong to.
// All inbound events go through Run, one at a time, so a handler never
// sees membership change underneath it.
type Hub struct {
	// Live clients by connection ID
	clients map[string]*Client

	// Room groups, members kept in join order
	rooms map[string]*group

	router *session.Router

	// Inbound events from clients
	inbound chan *Inbound

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Recipients whose send buffer overflowed during the current event
	stalled []*Client

	done   chan struct{}
	logger *slog.Logger

	// Guards clients and rooms for readers outside Run
	mu sync.RWMutex
}

type group struct {
	members map[string]*Client
	order   []string
}

// Inbound is one decoded frame from a client
type Inbound struct {
	Client  *Client
	Message protocol.Message
}

type Options struct {
	AnnounceLanguage bool
	Observer         session.Observer
	Logger           *slog.Logger
}

func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]*group),
		inbound:    make(chan *Inbound),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.router = session.NewRouter(h, session.Options{
		AnnounceLanguage: opts.AnnounceLanguage,
		Observer:         opts.Observer,
		Logger:           logger,
	})
	return h
}

// Run is the single dispatch loop. It returns when ctx is cancelled,
// after closing every client's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()

			h.logger.Debug("client connected", "connection_id", client.id, "clients", total)

		case client := <-h.unregister:
			h.drop(client)

		case in := <-h.inbound:
			h.mu.RLock()
			_, live := h.clients[in.Client.id]
			h.mu.RUnlock()
			if !live {
				continue
			}
			if err := h.router.Handle(in.Client.id, in.Message); err != nil {
				h.logger.Warn("dropped invalid event",
					"connection_id", in.Client.id,
					"event", in.Message.Event,
					"error", err,
				)
			}

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.rooms = make(map[string]*group)
			h.mu.Unlock()
			return
		}

		h.evictStalled()
	}
}

// drop runs the departure flow for a client that is still registered
func (h *Hub) drop(client *Client) {
	h.mu.RLock()
	current, ok := h.clients[client.id]
	h.mu.RUnlock()
	if !ok || current != client {
		return
	}

	h.router.Disconnect(client.id)

	h.mu.Lock()
	delete(h.clients, client.id)
	h.mu.Unlock()
	close(client.send)

	h.logger.Debug("client disconnected", "connection_id", client.id)
}

func (h *Hub) evictStalled() {
	for len(h.stalled) > 0 {
		client := h.stalled[0]
		h.stalled = h.stalled[1:]
		h.logger.Warn("evicting slow client", "connection_id", client.id)
		h.drop(client)
	}
	h.stalled = nil
}

// Transport

func (h *Hub) AddToRoom(connectionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connectionID]
	if !ok {
		return
	}
	g, ok := h.rooms[roomID]
	if !ok {
		g = &group{members: make(map[string]*Client)}
		h.rooms[roomID] = g
	}
	if _, ok := g.members[connectionID]; ok {
		return
	}
	g.members[connectionID] = client
	g.order = append(g.order, connectionID)
	client.rooms[roomID] = struct{}{}
}

func (h *Hub) RemoveFromRoom(connectionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.rooms[roomID]
	if !ok {
		return
	}
	client, ok := g.members[connectionID]
	if !ok {
		return
	}
	delete(g.members, connectionID)
	delete(client.rooms, roomID)
	for i, id := range g.order {
		if id == connectionID {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
	if len(g.members) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) RoomsOf(connectionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connectionID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(client.rooms))
	for roomID := range client.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (h *Hub) ConnectionsIn(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	g, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]string(nil), g.order...)
}

// Send queues a frame without blocking. A full buffer marks the client
// for eviction once the current event is done.
func (h *Hub) Send(connectionID string, frame []byte) {
	if len(frame) == 0 {
		return
	}

	h.mu.RLock()
	client, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case client.send <- frame:
	default:
		h.stalled = append(h.stalled, client)
	}
}

// Queries, safe from any goroutine

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetJoinedClientCount counts clients that have sent a join
func (h *Hub) GetJoinedClientCount() int {
	return h.router.NamedConnections()
}

// GetTaggedRoomCount counts live rooms with a language set
func (h *Hub) GetTaggedRoomCount() int {
	return h.router.TaggedRooms()
}

// GetActiveRooms maps each live room to its member count
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make(map[string]int, len(h.rooms))
	for id, g := range h.rooms {
		rooms[id] = len(g.members)
	}
	return rooms
}

// Members lists a room's members with their display names
func (h *Hub) Members(roomID string) []protocol.Member {
	return h.router.MembersOf(roomID)
}

// Language returns a live room's language tag
func (h *Hub) Language(roomID string) (string, bool) {
	return h.router.Language(roomID)
}
