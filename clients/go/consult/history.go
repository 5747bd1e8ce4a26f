package consult

import (
	"sort"
	"sync"
)

// History is the confirmed, de-duplicated message log of one room, ordered
// by timestamp. Entries are never mutated once added.
type History struct {
	mu       sync.RWMutex
	messages []Message
	seen     map[MessageKey]struct{}
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{seen: make(map[MessageKey]struct{})}
}

// Append adds msg unless a message with the same key is already present. A
// message older than the tail is inserted at its sorted position after any
// equal timestamps. It reports whether msg was added.
func (h *History) Append(msg Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appendLocked(msg)
}

// Merge appends every message of a backlog and returns how many were new.
func (h *History) Merge(msgs []Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	added := 0
	for _, msg := range msgs {
		if h.appendLocked(msg) {
			added++
		}
	}
	return added
}

// IsTailDuplicate reports whether msg repeats the most recently appended message.
func (h *History) IsTailDuplicate(msg Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.messages) == 0 {
		return false
	}
	return h.messages[len(h.messages)-1].Key() == msg.Key()
}

func (h *History) appendLocked(msg Message) bool {
	key := msg.Key()
	if _, ok := h.seen[key]; ok {
		return false
	}
	h.seen[key] = struct{}{}

	n := len(h.messages)
	if n == 0 || !msg.Timestamp.Before(h.messages[n-1].Timestamp) {
		h.messages = append(h.messages, msg)
		return true
	}

	i := sort.Search(n, func(i int) bool {
		return h.messages[i].Timestamp.After(msg.Timestamp)
	})
	h.messages = append(h.messages, Message{})
	copy(h.messages[i+1:], h.messages[i:])
	h.messages[i] = msg
	return true
}

// Messages returns a copy of the history.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of confirmed messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
