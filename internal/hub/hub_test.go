package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/store"
)

// memBus is an in-process Bus shared by several hubs.
type memBus struct {
	mu   sync.Mutex
	subs []chan store.RoomEvent
}

func (b *memBus) Publish(_ context.Context, roomID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s <- store.RoomEvent{RoomID: roomID, Payload: payload}
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context) (<-chan store.RoomEvent, error) {
	ch := make(chan store.RoomEvent, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func recv(t *testing.T, c *Conn) string {
	t.Helper()
	select {
	case data, ok := <-c.Send():
		if !ok {
			t.Fatal("connection closed")
		}
		return string(data)
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
		return ""
	}
}

func empty(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case data := <-c.Send():
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastLocal(t *testing.T) {
	h := New(nil, zerolog.Nop())
	a := h.Join("r", "1")
	b := h.Join("r", "2")
	other := h.Join("x", "3")

	h.Broadcast(context.Background(), "r", []byte(`{"n":1}`), nil)
	if recv(t, a) != `{"n":1}` || recv(t, b) != `{"n":1}` {
		t.Fatal("every connection of the room should receive")
	}
	empty(t, other)

	h.Broadcast(context.Background(), "r", []byte(`{"n":2}`), a)
	if recv(t, b) != `{"n":2}` {
		t.Fatal("others should receive")
	}
	empty(t, a)
}

func TestLeaveClosesQueue(t *testing.T) {
	h := New(nil, zerolog.Nop())
	c := h.Join("r", "1")
	h.Leave(c)
	h.Leave(c)
	if _, ok := <-c.Send(); ok {
		t.Fatal("queue should be closed")
	}
	if h.Count("r") != 0 {
		t.Fatal("room should be empty")
	}
}

func TestSlowConnectionDropped(t *testing.T) {
	h := New(nil, zerolog.Nop())
	c := h.Join("r", "1")
	for i := 0; i < sendBuffer+1; i++ {
		h.Broadcast(context.Background(), "r", []byte("x"), nil)
	}
	if h.Count("r") != 0 {
		t.Fatal("slow connection should be dropped")
	}
	n := 0
	for range c.Send() {
		n++
	}
	if n != sendBuffer {
		t.Fatalf("expected %d queued frames, got %d", sendBuffer, n)
	}
}

func TestBroadcastAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &memBus{}
	h1 := New(bus, zerolog.Nop())
	h2 := New(bus, zerolog.Nop())
	go h1.Run(ctx)
	go h2.Run(ctx)
	waitSubscribers(t, bus, 2)

	sender := h1.Join("r", "1")
	local := h1.Join("r", "2")
	remote := h2.Join("r", "3")

	h1.Broadcast(ctx, "r", []byte(`{"call":true}`), sender)
	if recv(t, local) != `{"call":true}` || recv(t, remote) != `{"call":true}` {
		t.Fatal("both instances should deliver")
	}
	// The origin instance must not deliver its own publication twice
	empty(t, local)
	empty(t, sender)
}

func waitSubscribers(t *testing.T, b *memBus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		got := len(b.subs)
		b.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscribers not ready")
}
