package consult

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testRelay struct {
	srv       *httptest.Server
	conns     chan *websocket.Conn
	paths     chan string
	protocols chan string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{
		conns:     make(chan *websocket.Conn, 4),
		paths:     make(chan string, 4),
		protocols: make(chan string, 4),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var hdr http.Header
		if p := websocket.Subprotocols(req); len(p) > 0 {
			hdr = http.Header{"Sec-Websocket-Protocol": {p[0]}}
			r.protocols <- p[0]
		}
		conn, err := up.Upgrade(w, req, hdr)
		if err != nil {
			return
		}
		r.paths <- req.URL.Path
		r.conns <- conn
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) endpoint() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func writeJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatal(err)
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func dialTest(t *testing.T, relay *testRelay) (*Channel, chan Event) {
	t.Helper()
	events := make(chan Event, 32)
	ch, err := Dial(context.Background(), ChannelConfig{
		Endpoint: relay.endpoint(),
		RoomID:   RoomID("1", "2"),
		Token:    "secret-token",
		Handler:  func(ev Event) { events <- ev },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch, events
}

func TestChannelHandshake(t *testing.T) {
	relay := newTestRelay(t)
	_, events := dialTest(t, relay)
	relay.accept(t)

	if p := <-relay.protocols; p != "secret-token" {
		t.Fatalf("expected token as subprotocol, got %q", p)
	}
	if p := <-relay.paths; p != "/ws/chat/user_1_doc_2/" {
		t.Fatalf("unexpected path %q", p)
	}
	if _, ok := nextEvent(t, events).(OpenedEvent); !ok {
		t.Fatal("expected OpenedEvent first")
	}
}

func TestChannelHistoryAndDedup(t *testing.T) {
	relay := newTestRelay(t)
	ch, events := dialTest(t, relay)
	server := relay.accept(t)
	nextEvent(t, events)

	writeJSON(t, server, map[string]any{
		"type": "chat_history",
		"messages": []map[string]any{
			{"SenderID": "1", "Message": "a", "Timestamp": "2024-05-01T10:00:00"},
			{"SenderID": "2", "Message": "b", "Timestamp": "2024-05-01T10:00:01"},
		},
	})
	if h, ok := nextEvent(t, events).(HistoryEvent); !ok || len(h.Messages) != 2 {
		t.Fatalf("expected history of 2, got %#v", h)
	}

	dup := map[string]any{"type": "new_message", "message": "b", "sender_id": "2", "timestamp": "2024-05-01T10:00:01"}
	writeJSON(t, server, dup)
	server.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
	writeJSON(t, server, map[string]any{"type": "new_message", "message": "c", "sender_id": "1", "timestamp": "2024-05-01T10:00:02"})

	ev := nextEvent(t, events)
	m, ok := ev.(MessageEvent)
	if !ok || m.Message.Body != "c" {
		t.Fatalf("expected message c (duplicate and malformed dropped), got %#v", ev)
	}
	if n := ch.History().Len(); n != 3 {
		t.Fatalf("expected 3 messages in history, got %d", n)
	}
}

func TestChannelSend(t *testing.T) {
	relay := newTestRelay(t)
	ch, _ := dialTest(t, relay)
	server := relay.accept(t)

	if err := ch.Send(TextFrame{Message: "hello", SenderID: "1"}); err != nil {
		t.Fatal(err)
	}
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := server.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.Unmarshal(data, &got)
	if got["message"] != "hello" || got["sender_id"] != "1" {
		t.Fatalf("unexpected frame %s", data)
	}
	if strings.Contains(string(data), "secret-token") {
		t.Fatal("token must never travel inside frames")
	}
}

func TestChannelRemoteClose(t *testing.T) {
	relay := newTestRelay(t)
	ch, events := dialTest(t, relay)
	server := relay.accept(t)
	nextEvent(t, events)

	server.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4003, "invalid token"))
	server.Close()

	ev := nextEvent(t, events)
	closed, ok := ev.(ClosedEvent)
	if !ok || closed.Err == nil {
		t.Fatalf("expected ClosedEvent with cause, got %#v", ev)
	}
	<-ch.Done()
	if ch.IsOpen() {
		t.Fatal("channel should be closed")
	}
	if err := ch.Send(TextFrame{Message: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if ch.Err() == nil {
		t.Fatal("expected Err to report the cause")
	}
}

func TestChannelLocalCloseIsIdempotent(t *testing.T) {
	relay := newTestRelay(t)
	ch, events := dialTest(t, relay)
	relay.accept(t)
	nextEvent(t, events)

	ch.Close()
	ch.Close()

	ev := nextEvent(t, events)
	if closed, ok := ev.(ClosedEvent); !ok || closed.Err != nil {
		t.Fatalf("expected clean ClosedEvent, got %#v", ev)
	}
	if ch.Err() != nil {
		t.Fatalf("local close has no error, got %v", ch.Err())
	}
}
