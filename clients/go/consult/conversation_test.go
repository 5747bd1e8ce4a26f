package consult

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeResolver struct {
	mu    sync.Mutex
	rooms []string
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rooms = append(f.rooms, roomID)
	return nil
}

type roomHarness struct {
	room     *Room
	relay    *testRelay
	uploader *fakeUploader
	resolver *fakeResolver
	devices  *fakeDevices
	peers    *fakePeers
}

func newRoomHarness(t *testing.T) *roomHarness {
	t.Helper()
	h := &roomHarness{
		relay:    newTestRelay(t),
		uploader: newFakeUploader(),
		resolver: &fakeResolver{},
		devices:  &fakeDevices{},
		peers:    &fakePeers{},
	}
	pipeline := NewPipeline(h.uploader, PipelineOptions{NewTicker: newFakeTicker().factory})
	h.room = NewRoom(RoomConfig{
		Endpoint:    h.relay.endpoint(),
		RoomID:      RoomID("me", "doc"),
		Token:       "tok",
		LocalUserID: "me",
		Pipeline:    pipeline,
		Resolver:    h.resolver,
		Devices:     h.devices,
		Peers:       h.peers,
	})
	t.Cleanup(func() { h.room.Close() })
	return h
}

func (h *roomHarness) open(t *testing.T) *websocket.Conn {
	t.Helper()
	if err := h.room.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h.relay.accept(t)
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestProjectOrdersLayers(t *testing.T) {
	history := []Message{msgAt(1, "a", "h1"), msgAt(3, "b", "h3")}
	notices := []Message{{Timestamp: t0.Add(2 * time.Second), Body: "call started", Kind: KindSystem}}
	pending := []PendingUpload{{TempID: "p", CreatedAt: t0.Add(3 * time.Second)}, {TempID: "q", CreatedAt: t0}}

	out := Project(history, notices, pending)
	var order []string
	for _, e := range out {
		switch e.Kind {
		case EntryPending:
			order = append(order, e.Upload.TempID)
		default:
			order = append(order, e.Message.Body)
		}
	}
	want := []string{"q", "h1", "call started", "h3", "p"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestSendTextIgnoresBlank(t *testing.T) {
	h := newRoomHarness(t)
	server := h.open(t)

	if err := h.room.SendText("   \n"); err != nil {
		t.Fatal(err)
	}
	h.room.SetDraft("hello")
	if err := h.room.SendDraft(); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, server)
	if f["message"] != "hello" || f["sender_id"] != "me" {
		t.Fatalf("expected the draft to be sent first, got %v", f)
	}
	if h.room.Draft() != "" {
		t.Fatal("draft should be cleared after sending")
	}
	if len(h.room.Projection()) != 0 {
		t.Fatal("text sends have no optimistic entry")
	}
}

func TestSendTextWhileDisconnected(t *testing.T) {
	h := newRoomHarness(t)
	h.room.SetDraft("keep me")
	if err := h.room.SendDraft(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if h.room.Draft() != "keep me" {
		t.Fatal("draft must survive a failed send")
	}
}

func TestUploadReconciledByEcho(t *testing.T) {
	h := newRoomHarness(t)
	server := h.open(t)

	tempID, err := h.room.SendFile(BytesSource("scan.png", []byte("png")), "")
	if err != nil {
		t.Fatal(err)
	}
	entries := h.room.Projection()
	if len(entries) != 1 || entries[0].Kind != EntryPending || entries[0].Upload.TempID != tempID {
		t.Fatalf("expected one pending entry, got %+v", entries)
	}

	h.uploader.next(t).done <- uploadOutcome{res: &UploadResult{URL: "https://cdn/scan.png", ResourceType: "image"}}
	f := readFrame(t, server)
	if f["file_url"] != "https://cdn/scan.png" || f["message"] != "Sent an image" {
		t.Fatalf("unexpected file frame %v", f)
	}

	writeJSON(t, server, map[string]any{
		"type":      "new_message",
		"message":   "Sent an image",
		"file_url":  "https://cdn/scan.png",
		"file_type": "image",
		"sender_id": "me",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})

	waitFor(t, "reconciliation", func() bool {
		e := h.room.Projection()
		return len(e) == 1 && e[0].Kind == EntryMessage
	})
	msg := h.room.Projection()[0].Message
	if msg.Attachment == nil || msg.Attachment.URL != "https://cdn/scan.png" {
		t.Fatalf("unexpected confirmed message %+v", msg)
	}
}

func TestUploadFailureNotice(t *testing.T) {
	h := newRoomHarness(t)
	h.open(t)

	h.room.SendFile(BytesSource("scan.png", []byte("png")), "")
	h.uploader.next(t).done <- uploadOutcome{err: errors.New("too large")}

	waitFor(t, "failure notice", func() bool {
		e := h.room.Projection()
		return len(e) == 1 && e[0].Kind == EntrySystem
	})
	if body := h.room.Projection()[0].Message.Body; body != "failed to send scan.png" {
		t.Fatalf("unexpected notice %q", body)
	}
}

func TestIncomingCallThroughRoom(t *testing.T) {
	h := newRoomHarness(t)
	server := h.open(t)

	writeJSON(t, server, map[string]any{"type": "call_user", "data": map[string]string{"type": "offer", "sdp": "x"}, "sender_id": "doc"})
	waitFor(t, "ringing", func() bool { return h.room.Call().Phase == PhaseRinging })

	if err := h.room.AcceptCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, server)
	if f["type"] != "answer_call" || f["sender_id"] != "me" {
		t.Fatalf("unexpected answer frame %v", f)
	}

	writeJSON(t, server, map[string]any{"type": "call_ended", "sender_id": "doc"})
	waitFor(t, "idle", func() bool { return h.room.Call().Phase == PhaseIdle })
}

func TestResolveDisablesRoom(t *testing.T) {
	h := newRoomHarness(t)
	server := h.open(t)
	if err := h.room.StartCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, server); f["type"] != "call_user" {
		t.Fatalf("expected call_user, got %v", f)
	}

	if err := h.room.Resolve(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.resolver.rooms) != 1 || h.resolver.rooms[0] != "user_me_doc_doc" {
		t.Fatalf("unexpected resolve calls %v", h.resolver.rooms)
	}
	if f := readFrame(t, server); f["type"] != "call_ended" {
		t.Fatalf("resolving should hang up the call, got %v", f)
	}
	if h.room.Call().Phase != PhaseIdle || h.room.Connected() {
		t.Fatal("call and channel should be closed")
	}

	if err := h.room.SendText("hi"); !errors.Is(err, ErrRoomResolved) {
		t.Fatalf("expected ErrRoomResolved, got %v", err)
	}
	if _, err := h.room.SendFile(BytesSource("a.png", []byte("x")), ""); !errors.Is(err, ErrRoomResolved) {
		t.Fatalf("expected ErrRoomResolved, got %v", err)
	}
	if err := h.room.StartCall(context.Background()); !errors.Is(err, ErrRoomResolved) {
		t.Fatalf("expected ErrRoomResolved, got %v", err)
	}
	if err := h.room.Open(context.Background()); !errors.Is(err, ErrRoomResolved) {
		t.Fatalf("expected ErrRoomResolved, got %v", err)
	}
}

func TestResolveFailureKeepsRoom(t *testing.T) {
	h := newRoomHarness(t)
	h.open(t)
	h.resolver.err = &APIError{Status: 403, Message: "Only the assigned doctor can resolve this consultation"}

	var apiErr *APIError
	if err := h.room.Resolve(context.Background()); !errors.As(err, &apiErr) || apiErr.Status != 403 {
		t.Fatalf("expected 403 APIError, got %v", err)
	}
	if h.room.Resolved() || !h.room.Connected() {
		t.Fatal("a failed resolve must leave the room usable")
	}
}

func TestMaintainReconnects(t *testing.T) {
	h := newRoomHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.room.Maintain(ctx, Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond}) }()

	first := h.relay.accept(t)
	first.Close()
	h.relay.accept(t)
	waitFor(t, "reconnected", h.room.Connected)

	h.room.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Maintain did not stop after Close")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for n, w := range want {
		if got := b.Delay(n); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", n, w, got)
		}
	}

	j := Backoff{Initial: time.Second, Max: time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		if d := j.Delay(3); d < 500*time.Millisecond || d > time.Second {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}
