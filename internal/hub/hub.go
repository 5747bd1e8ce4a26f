// Package hub fans room frames out to every connection of a room, across
// instances when a bus is configured.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/metrics"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/store"
)

// sendBuffer is the number of frames queued per connection before it is
// considered too slow and dropped.
const sendBuffer = 64

// Bus carries room payloads between instances.
type Bus interface {
	Publish(ctx context.Context, roomID string, payload []byte) error
	Subscribe(ctx context.Context) (<-chan store.RoomEvent, error)
}

// Conn is one joined socket.
type Conn struct {
	ID     string
	RoomID string
	UserID string

	send      chan []byte
	closeOnce sync.Once
}

// Send returns the queue of outbound frames. It is closed when the
// connection leaves or is dropped.
func (c *Conn) Send() <-chan []byte {
	return c.send
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// envelope is the cross-instance form of a broadcast.
type envelope struct {
	Origin  string          `json:"origin"`
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Hub tracks the connections of every room on this instance.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Conn]struct{}
	bus      Bus
	instance string
	log      zerolog.Logger
}

// New creates a hub. bus may be nil for a single instance.
func New(bus Bus, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*Conn]struct{}),
		bus:      bus,
		instance: uuid.NewString(),
		log:      log,
	}
}

// Join registers a connection in a room.
func (h *Hub) Join(roomID, userID string) *Conn {
	c := &Conn{
		ID:     uuid.NewString(),
		RoomID: roomID,
		UserID: userID,
		send:   make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	conns, ok := h.rooms[roomID]
	if !ok {
		conns = make(map[*Conn]struct{})
		h.rooms[roomID] = conns
	}
	conns[c] = struct{}{}
	h.mu.Unlock()

	metrics.WebSocketConnections.Inc()
	return c
}

// Leave unregisters a connection and closes its queue. Safe to call twice.
func (h *Hub) Leave(c *Conn) {
	h.mu.Lock()
	conns := h.rooms[c.RoomID]
	_, present := conns[c]
	if present {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, c.RoomID)
		}
	}
	h.mu.Unlock()

	if present {
		metrics.WebSocketConnections.Dec()
	}
	c.close()
}

// Count returns the number of local connections in a room.
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast delivers payload to every connection of the room except
// exclude, which may be nil.
func (h *Hub) Broadcast(ctx context.Context, roomID string, payload []byte, exclude *Conn) {
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID
	}
	h.deliver(roomID, payload, excludeID)

	if h.bus == nil {
		return
	}
	data, err := json.Marshal(envelope{Origin: h.instance, Exclude: excludeID, Payload: payload})
	if err != nil {
		h.log.Error().Err(err).Msg("encode envelope")
		return
	}
	if err := h.bus.Publish(ctx, roomID, data); err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Msg("publish failed")
	}
}

// Run relays payloads published by other instances until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	events, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		var env envelope
		if err := json.Unmarshal(ev.Payload, &env); err != nil {
			h.log.Debug().Err(err).Str("room", ev.RoomID).Msg("dropping malformed envelope")
			continue
		}
		if env.Origin == h.instance {
			continue
		}
		h.deliver(ev.RoomID, env.Payload, env.Exclude)
	}
	return ctx.Err()
}

func (h *Hub) deliver(roomID string, payload []byte, excludeID string) {
	var slow []*Conn

	h.mu.RLock()
	for c := range h.rooms[roomID] {
		if c.ID == excludeID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("room", roomID).Str("conn", c.ID).Msg("dropping slow connection")
		h.Leave(c)
	}
}
