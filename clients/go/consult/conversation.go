package consult

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// EntryKind tells which layer an Entry comes from.
type EntryKind string

const (
	EntryMessage EntryKind = "message"
	EntrySystem  EntryKind = "system"
	EntryPending EntryKind = "pending"
)

// Entry is one render-ready row of a conversation. Exactly one of Message
// and Upload is set.
type Entry struct {
	Kind      EntryKind
	Timestamp time.Time
	Message   *Message
	Upload    *PendingUpload
}

// Project merges confirmed history, local notices and pending uploads into
// one sequence ordered by timestamp. Pending uploads sort by CreatedAt. On
// equal timestamps history comes first, then notices, then uploads.
func Project(history, notices []Message, pending []PendingUpload) []Entry {
	out := make([]Entry, 0, len(history)+len(notices)+len(pending))
	out = append(out, lo.Map(history, func(m Message, _ int) Entry {
		return Entry{Kind: EntryMessage, Timestamp: m.Timestamp, Message: &m}
	})...)
	out = append(out, lo.Map(notices, func(m Message, _ int) Entry {
		return Entry{Kind: EntrySystem, Timestamp: m.Timestamp, Message: &m}
	})...)
	out = append(out, lo.Map(pending, func(u PendingUpload, _ int) Entry {
		return Entry{Kind: EntryPending, Timestamp: u.CreatedAt, Upload: &u}
	})...)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Resolver closes consultations on the backend.
type Resolver interface {
	Resolve(ctx context.Context, roomID string) error
}

// RoomConfig holds everything a Room needs.
type RoomConfig struct {
	Endpoint    string
	RoomID      string
	Token       string
	LocalUserID string
	Dialer      *websocket.Dialer

	// Pipeline is shared across rooms when set; otherwise one is created
	// around Uploader.
	Pipeline *Pipeline
	Uploader Uploader
	Resolver Resolver

	Devices Devices
	Peers   PeerFactory
	Surface RemoteSurface
	Video   bool

	OnFailure func(PendingUpload, error)
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Room is the conversation view model of one consultation. It owns the
// room's channel, call machine and voice recorder, and its pending uploads
// inside the pipeline.
type Room struct {
	cfg      RoomConfig
	log      zerolog.Logger
	history  *History
	pipeline *Pipeline
	calls    *CallMachine
	recorder *Recorder
	changes  chan struct{}

	mu       sync.Mutex
	ch       *Channel
	notices  []Message
	draft    string
	resolved bool
	closed   bool
}

// NewRoom creates a room. Nothing is dialed until Open or Maintain.
func NewRoom(cfg RoomConfig) *Room {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Room{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("room", cfg.RoomID).Logger(),
		history: NewHistory(),
		changes: make(chan struct{}, 1),
	}

	r.pipeline = cfg.Pipeline
	if r.pipeline == nil {
		r.pipeline = NewPipeline(cfg.Uploader, PipelineOptions{Now: cfg.Now, Logger: cfg.Logger})
	}
	r.pipeline.Bind(cfg.RoomID, Binding{
		Sender:    r,
		OnChange:  r.changed,
		OnFailure: r.uploadFailed,
	})

	devices := cfg.Devices
	if _, ok := devices.(*ExclusiveDevices); !ok && devices != nil {
		devices = NewExclusiveDevices(devices)
	}
	r.calls = NewCallMachine(CallConfig{
		Sender:      r,
		LocalUserID: cfg.LocalUserID,
		Devices:     devices,
		Peers:       cfg.Peers,
		Surface:     cfg.Surface,
		Video:       cfg.Video,
		Notice:      r.notice,
		OnChange:    r.changed,
		Now:         cfg.Now,
		Logger:      r.log,
	})
	r.recorder = NewRecorder(devices, r.log)
	return r
}

// ID returns the room id.
func (r *Room) ID() string { return r.cfg.RoomID }

// Changes signals after any change to the projection or call state.
// Signals coalesce; readers should re-read state on every receive.
func (r *Room) Changes() <-chan struct{} { return r.changes }

func (r *Room) changed() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}

// Open connects the room's channel once.
func (r *Room) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return ErrRoomResolved
	}
	if r.closed {
		r.mu.Unlock()
		return ErrNotConnected
	}
	if r.ch != nil && r.ch.IsOpen() {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	ch, err := Dial(ctx, ChannelConfig{
		Endpoint: r.cfg.Endpoint,
		RoomID:   r.cfg.RoomID,
		Token:    r.cfg.Token,
		Dialer:   r.cfg.Dialer,
		History:  r.history,
		Handler:  r.handle,
		Logger:   r.cfg.Logger,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.resolved || r.closed {
		r.mu.Unlock()
		_ = ch.Close()
		return ErrNotConnected
	}
	old := r.ch
	r.ch = ch
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Connected reports whether the channel is open.
func (r *Room) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch != nil && r.ch.IsOpen()
}

// Backoff is a capped exponential reconnect delay with jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the random fraction, in [0, 1], taken off each delay.
	Jitter float64
}

// DefaultBackoff starts at one second and caps at thirty.
var DefaultBackoff = Backoff{Initial: time.Second, Max: 30 * time.Second, Jitter: 0.2}

// Delay returns the wait before reconnect attempt n (starting at 0).
func (b Backoff) Delay(n int) time.Duration {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	d := b.Initial
	for i := 0; i < n && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d -= time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}

// Maintain keeps the room connected until ctx is done, the room is closed
// or resolved. Unexpected drops are redialed with backoff.
func (r *Room) Maintain(ctx context.Context, b Backoff) error {
	attempt := 0
	for {
		err := r.Open(ctx)
		switch {
		case errors.Is(err, ErrRoomResolved), r.isClosed():
			return err
		case err != nil:
			wait := b.Delay(attempt)
			attempt++
			r.log.Warn().Err(err).Dur("retry_in", wait).Msg("connect failed")
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		r.mu.Lock()
		ch := r.ch
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch.Done():
		}
		if ch.Err() == nil || r.isClosed() {
			return nil
		}
		wait := b.Delay(attempt)
		attempt++
		r.log.Info().Dur("retry_in", wait).Msg("reconnecting")
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed || r.resolved
}

// Send puts f on the current channel.
func (r *Room) Send(f Frame) error {
	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(f)
}

func (r *Room) handle(ev Event) {
	switch e := ev.(type) {
	case MessageEvent:
		if u, ok := r.pipeline.Reconcile(r.cfg.RoomID, e.Message, r.cfg.LocalUserID); ok {
			r.log.Debug().Str("temp_id", u.TempID).Msg("upload confirmed")
		}
	case CallOfferEvent, CallAnswerEvent, CallEndedEvent, CallRejectedEvent:
		r.calls.HandleEvent(ev)
	case ClosedEvent:
		if e.Err != nil {
			r.log.Warn().Err(e.Err).Msg("channel closed")
		}
	}
	r.changed()
}

func (r *Room) notice(kind MessageKind, body string) {
	r.mu.Lock()
	r.notices = append(r.notices, Message{
		Timestamp: r.cfg.Now(),
		SenderID:  r.cfg.LocalUserID,
		Body:      body,
		Kind:      kind,
	})
	r.mu.Unlock()
	r.changed()
}

func (r *Room) uploadFailed(u PendingUpload, err error) {
	r.log.Warn().Err(err).Str("file", u.Name).Msg("upload failed")
	r.notice(KindSystem, "failed to send "+u.Name)
	if r.cfg.OnFailure != nil {
		r.cfg.OnFailure(u, err)
	}
}

// Projection returns the current render-ready conversation.
func (r *Room) Projection() []Entry {
	r.mu.Lock()
	notices := append([]Message(nil), r.notices...)
	r.mu.Unlock()
	return Project(r.history.Messages(), notices, r.pipeline.Pending(r.cfg.RoomID))
}

// History returns the confirmed history.
func (r *Room) History() *History { return r.history }

// Call returns a snapshot of the call session.
func (r *Room) Call() CallSession { return r.calls.Session() }

// Resolved reports whether the consultation was resolved.
func (r *Room) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// SetDraft stores the unsent text.
func (r *Room) SetDraft(s string) {
	r.mu.Lock()
	r.draft = s
	r.mu.Unlock()
}

// Draft returns the unsent text.
func (r *Room) Draft() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draft
}

func (r *Room) active() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return ErrRoomResolved
	}
	return nil
}

// SendText sends body as a chat message and clears the draft. Blank bodies
// are ignored. The message shows up once the server echoes it.
func (r *Room) SendText(body string) error {
	if err := r.active(); err != nil {
		return err
	}
	if strings.TrimSpace(body) == "" {
		return nil
	}
	if err := r.Send(TextFrame{Message: body, SenderID: r.cfg.LocalUserID}); err != nil {
		return err
	}
	r.SetDraft("")
	return nil
}

// SendDraft sends the stored draft.
func (r *Room) SendDraft() error {
	return r.SendText(r.Draft())
}

// SendFile uploads src and returns the pending entry's temp id.
func (r *Room) SendFile(src Source, kind MediaKind) (string, error) {
	if err := r.active(); err != nil {
		return "", err
	}
	return r.pipeline.Begin(src, r.cfg.RoomID, kind, r.cfg.LocalUserID)
}

// CancelUpload aborts a transfer that has not finished.
func (r *Room) CancelUpload(tempID string) error {
	return r.pipeline.Cancel(r.cfg.RoomID, tempID)
}

// StartRecording begins a voice note.
func (r *Room) StartRecording(ctx context.Context) error {
	if err := r.active(); err != nil {
		return err
	}
	return r.recorder.Start(ctx)
}

// SendRecording stops the voice note and sends it as audio.
func (r *Room) SendRecording() (string, error) {
	src, err := r.recorder.Stop()
	if err != nil {
		return "", err
	}
	return r.SendFile(src, MediaAudio)
}

// CancelRecording discards the voice note.
func (r *Room) CancelRecording() { r.recorder.Cancel() }

// StartCall rings the other participant.
func (r *Room) StartCall(ctx context.Context) error {
	if err := r.active(); err != nil {
		return err
	}
	return r.calls.StartCall(ctx)
}

// AcceptCall answers the ringing call.
func (r *Room) AcceptCall(ctx context.Context) error {
	if err := r.active(); err != nil {
		return err
	}
	return r.calls.Accept(ctx)
}

// DeclineCall rejects the ringing call.
func (r *Room) DeclineCall() error {
	if err := r.active(); err != nil {
		return err
	}
	return r.calls.Decline()
}

// EndCall hangs up the current call in any phase.
func (r *Room) EndCall() error {
	if err := r.active(); err != nil {
		return err
	}
	return r.calls.Hangup()
}

// SetMic toggles the local audio track.
func (r *Room) SetMic(enabled bool) error {
	if err := r.active(); err != nil {
		return err
	}
	return r.calls.SetMicEnabled(enabled)
}

// SetCamera toggles the local video track.
func (r *Room) SetCamera(enabled bool) error {
	if err := r.active(); err != nil {
		return err
	}
	return r.calls.SetCameraEnabled(enabled)
}

// Resolve closes the consultation on the backend, then ends any call,
// closes the channel and disables every command for good.
func (r *Room) Resolve(ctx context.Context) error {
	if err := r.active(); err != nil {
		return err
	}
	if r.cfg.Resolver == nil {
		return errors.New("no resolver configured")
	}
	if err := r.cfg.Resolver.Resolve(ctx, r.cfg.RoomID); err != nil {
		return err
	}

	r.mu.Lock()
	r.resolved = true
	r.mu.Unlock()

	r.log.Info().Msg("consultation resolved")
	r.shutdown()
	r.notice(KindSystem, "consultation resolved")
	return nil
}

// Close ends any call, abandons pending uploads and closes the channel.
func (r *Room) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.shutdown()
	return nil
}

func (r *Room) shutdown() {
	_ = r.calls.Hangup()
	r.recorder.Cancel()
	r.pipeline.Release(r.cfg.RoomID)

	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	r.changed()
}
