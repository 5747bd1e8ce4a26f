package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/models"
)

// MemoryHistory is an in-process HistoryStore used when Redis is not
// configured.
type MemoryHistory struct {
	mu    sync.RWMutex
	rooms map[string][]models.ChatMessage
}

// NewMemoryHistory creates an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{rooms: make(map[string][]models.ChatMessage)}
}

// AppendMessage stores a message, keeping each room sorted by timestamp.
func (m *MemoryHistory) AppendMessage(_ context.Context, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.rooms[msg.RoomID]
	at := msg.Time()
	i := sort.Search(len(list), func(i int) bool { return list[i].Time().After(at) })
	list = append(list, models.ChatMessage{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	if len(list) > maxRoomMessages {
		list = list[len(list)-maxRoomMessages:]
	}
	m.rooms[msg.RoomID] = list
	return nil
}

// RecentMessages returns the newest limit messages of a room, oldest first.
func (m *MemoryHistory) RecentMessages(_ context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.rooms[roomID]
	if limit < 0 {
		limit = 0
	}
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]models.ChatMessage, len(list))
	copy(out, list)
	return out, nil
}
