package consult

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeSender struct {
	mu     sync.Mutex
	frames []Frame
	err    error
}

func (s *fakeSender) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) sent() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func (s *fakeSender) count(match func(Frame) bool) int {
	n := 0
	for _, f := range s.sent() {
		if match(f) {
			n++
		}
	}
	return n
}

type uploadOutcome struct {
	res *UploadResult
	err error
}

type uploadCall struct {
	ctx      context.Context
	progress func(sent, total int64)
	done     chan uploadOutcome
}

type fakeUploader struct {
	calls chan *uploadCall
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{calls: make(chan *uploadCall, 8)}
}

func (f *fakeUploader) Upload(ctx context.Context, src Source, kind MediaKind, progress func(sent, total int64)) (*UploadResult, error) {
	c := &uploadCall{ctx: ctx, progress: progress, done: make(chan uploadOutcome, 1)}
	f.calls <- c
	select {
	case o := <-c.done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeUploader) next(t *testing.T) *uploadCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("upload was not started")
		return nil
	}
}

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped int
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time)}
}

func (f *fakeTicker) factory(time.Duration) (<-chan time.Time, func()) {
	return f.ch, func() {
		f.mu.Lock()
		f.stopped++
		f.mu.Unlock()
	}
}

func (f *fakeTicker) tick(t *testing.T) {
	t.Helper()
	select {
	case f.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("nobody is waiting for a tick")
	}
}

func (f *fakeTicker) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// capture fakes

type fakeTrack struct {
	mu      sync.Mutex
	kind    MediaKind
	enabled bool
	taps    []func([]byte, time.Duration)
}

func (t *fakeTrack) Kind() MediaKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Tap(fn func([]byte, time.Duration)) func() {
	t.mu.Lock()
	t.taps = append(t.taps, fn)
	i := len(t.taps) - 1
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.taps[i] = nil
		t.mu.Unlock()
	}
}

func (t *fakeTrack) emit(data []byte) {
	t.mu.Lock()
	taps := append(([]func([]byte, time.Duration))(nil), t.taps...)
	t.mu.Unlock()
	for _, fn := range taps {
		if fn != nil {
			fn(data, 20*time.Millisecond)
		}
	}
}

type fakeStream struct {
	tracks  []Track
	mu      sync.Mutex
	stopped bool
}

func (s *fakeStream) Tracks() []Track { return s.tracks }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeDevices struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (d *fakeDevices) Capture(ctx context.Context, audio, video bool) (LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeStream{}
	if audio {
		s.tracks = append(s.tracks, &fakeTrack{kind: MediaAudio, enabled: true})
	}
	if video {
		s.tracks = append(s.tracks, &fakeTrack{kind: MediaVideo, enabled: true})
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevices) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// negotiationGate holds Offer and Answer until released, like a peer still
// gathering candidates.
type negotiationGate struct {
	entered chan struct{}
	release chan struct{}
}

func newNegotiationGate() *negotiationGate {
	return &negotiationGate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *negotiationGate) wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *negotiationGate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("negotiation did not start")
	}
}

type fakePeer struct {
	h       PeerHandlers
	gate    *negotiationGate
	mu      sync.Mutex
	applied []json.RawMessage
	closed  int
}

func (p *fakePeer) Offer(ctx context.Context) (json.RawMessage, error) {
	if err := p.gate.wait(ctx); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"type":"offer","sdp":"v=0 offer"}`), nil
}

func (p *fakePeer) Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	if err := p.gate.wait(ctx); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"type":"answer","sdp":"v=0 answer"}`), nil
}

func (p *fakePeer) Apply(answer json.RawMessage) error {
	p.mu.Lock()
	p.applied = append(p.applied, answer)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakePeers struct {
	mu    sync.Mutex
	gate  *negotiationGate
	peers []*fakePeer
}

func (f *fakePeers) NewPeer(stream LocalStream, h PeerHandlers) (Peer, error) {
	p := &fakePeer{h: h, gate: f.gate}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeSurface struct {
	mu       sync.Mutex
	attached []RemoteTrack
	detached int
}

func (s *fakeSurface) Attach(t RemoteTrack) {
	s.mu.Lock()
	s.attached = append(s.attached, t)
	s.mu.Unlock()
}

func (s *fakeSurface) Detach() {
	s.mu.Lock()
	s.detached++
	s.mu.Unlock()
}
