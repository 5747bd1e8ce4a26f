package consult

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errCallsDisabled = errors.New("calls need capture devices and a peer factory")

var (
	ErrCallActive     = errors.New("a call is already active")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoCall         = errors.New("no active call")
)

// CallPhase is the signaling state of a room's call.
type CallPhase string

const (
	PhaseIdle       CallPhase = "idle"
	PhaseRequesting CallPhase = "requesting"
	PhaseRinging    CallPhase = "ringing"
	PhaseConnected  CallPhase = "connected"
	PhaseEnded      CallPhase = "ended"
)

// CallRole is our side of a call.
type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

// Peer is one peer connection negotiated without trickle: descriptions carry
// every candidate.
type Peer interface {
	Offer(ctx context.Context) (json.RawMessage, error)
	Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	Apply(answer json.RawMessage) error
	Close() error
}

// PeerHandlers receive asynchronous peer notifications.
type PeerHandlers struct {
	OnTrack func(RemoteTrack)
	OnClose func()
}

// PeerFactory creates peers around a local stream.
type PeerFactory interface {
	NewPeer(stream LocalStream, h PeerHandlers) (Peer, error)
}

// CallSession is a snapshot of the current call.
type CallSession struct {
	ID        string
	Role      CallRole
	Phase     CallPhase
	PeerID    string
	Remote    []RemoteTrack
	StartedAt time.Time
}

// CallConfig wires a CallMachine to its room.
type CallConfig struct {
	Sender      FrameSender
	LocalUserID string
	Devices     Devices
	Peers       PeerFactory
	Surface     RemoteSurface
	// Video requests camera capture in addition to the microphone.
	Video bool
	// Notice receives locally generated messages ("call started", ...).
	Notice   func(kind MessageKind, body string)
	OnChange func()
	Now      func() time.Time
	Logger   zerolog.Logger
}

// CallMachine drives the call of one room: idle → requesting or ringing →
// connected → ended → idle. At most one session exists at a time.
type CallMachine struct {
	cfg CallConfig
	log zerolog.Logger

	mu              sync.Mutex
	phase           CallPhase
	role            CallRole
	id              string
	gen             uint64
	peerID          string
	offer           json.RawMessage
	answered        json.RawMessage
	accepting       bool
	stream          LocalStream
	peer            Peer
	remote          []RemoteTrack
	startedAt       time.Time
	startedNotified bool
}

// NewCallMachine creates an idle machine.
func NewCallMachine(cfg CallConfig) *CallMachine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CallMachine{
		cfg:   cfg,
		log:   cfg.Logger,
		phase: PhaseIdle,
	}
}

// Session returns a snapshot of the current call.
func (m *CallMachine) Session() CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	return CallSession{
		ID:        m.id,
		Role:      m.role,
		Phase:     m.phase,
		PeerID:    m.peerID,
		Remote:    append([]RemoteTrack(nil), m.remote...),
		StartedAt: m.startedAt,
	}
}

// Phase returns the current phase.
func (m *CallMachine) Phase() CallPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// StartCall captures local media, creates a peer and sends its offer.
func (m *CallMachine) StartCall(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return ErrCallActive
	}
	g := m.beginLocked(RoleCaller, "")
	m.mu.Unlock()
	m.changed()

	stream, peer, err := m.prepare(ctx, g, PhaseRequesting)
	if err != nil {
		return err
	}

	offer, err := peer.Offer(ctx)
	if err != nil {
		m.rollback(g)
		return fmt.Errorf("create offer: %w", err)
	}

	// Send is an enqueue. Holding mu orders it against a concurrent endCall,
	// which also takes mu before sending call_ended.
	m.mu.Lock()
	if m.gen != g || m.phase != PhaseRequesting {
		// The teardown that reset the session closed the peer
		m.mu.Unlock()
		return ErrNoCall
	}
	err = m.cfg.Sender.Send(CallUserFrame{Data: offer, SenderID: m.cfg.LocalUserID})
	m.mu.Unlock()
	if err != nil {
		m.rollback(g)
		return err
	}

	m.log.Info().Str("call", m.sessionID()).Int("tracks", len(stream.Tracks())).Msg("call requested")
	return nil
}

// Accept answers the buffered offer of a ringing call.
func (m *CallMachine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseRinging || m.accepting {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	m.accepting = true
	g := m.gen
	offer := m.offer
	m.mu.Unlock()

	_, peer, err := m.prepare(ctx, g, PhaseRinging)
	if err != nil {
		return err
	}

	answer, err := peer.Answer(ctx, offer)
	if err != nil {
		m.rollback(g)
		return fmt.Errorf("answer offer: %w", err)
	}

	m.mu.Lock()
	if m.gen != g || m.phase != PhaseRinging {
		m.mu.Unlock()
		return ErrNoCall
	}
	if err := m.cfg.Sender.Send(AnswerCallFrame{Data: answer, SenderID: m.cfg.LocalUserID}); err != nil {
		m.mu.Unlock()
		m.rollback(g)
		return err
	}
	m.phase = PhaseConnected
	m.accepting = false
	m.startedAt = m.cfg.Now()
	notice := m.markStartedLocked()
	m.mu.Unlock()

	if notice {
		m.notice(KindSystem, "call started")
	}
	m.changed()
	return nil
}

// Decline drops a ringing call without telling the caller.
func (m *CallMachine) Decline() error {
	m.mu.Lock()
	if m.phase != PhaseRinging || m.accepting {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	m.resetLocked()
	m.mu.Unlock()

	m.changed()
	return nil
}

// Hangup ends the current call and tells the peer.
func (m *CallMachine) Hangup() error {
	if !m.endCall(true) {
		return ErrNoCall
	}
	return nil
}

// SetMicEnabled toggles the local audio tracks.
func (m *CallMachine) SetMicEnabled(enabled bool) error {
	return m.setEnabled(MediaAudio, enabled)
}

// SetCameraEnabled toggles the local video tracks.
func (m *CallMachine) SetCameraEnabled(enabled bool) error {
	return m.setEnabled(MediaVideo, enabled)
}

func (m *CallMachine) setEnabled(kind MediaKind, enabled bool) error {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()

	if !setKindEnabled(stream, kind, enabled) {
		return ErrNoCall
	}
	m.changed()
	return nil
}

// HandleEvent applies inbound signaling. Other events are ignored.
func (m *CallMachine) HandleEvent(ev Event) {
	switch e := ev.(type) {
	case CallOfferEvent:
		m.onOffer(e)
	case CallAnswerEvent:
		m.onAnswer(e)
	case CallEndedEvent:
		if m.endCall(false) {
			m.log.Info().Str("peer", e.SenderID).Msg("call ended by peer")
		}
	case CallRejectedEvent:
		if m.rejectedWhileRequesting() {
			m.log.Info().Str("peer", e.SenderID).Str("reason", e.Reason).Msg("call rejected")
			m.endCall(false)
		}
	}
}

func (m *CallMachine) onOffer(e CallOfferEvent) {
	m.mu.Lock()
	switch {
	case m.phase == PhaseIdle:
		m.beginLocked(RoleCallee, e.SenderID)
		m.offer = e.Payload
		m.mu.Unlock()
		m.log.Info().Str("peer", e.SenderID).Msg("incoming call")
		m.notice(KindCallRequest, "incoming call")
		m.changed()
		return
	case bytes.Equal(m.offer, e.Payload):
		m.mu.Unlock()
		return
	}
	phase := m.phase
	m.mu.Unlock()

	m.log.Info().Str("peer", e.SenderID).Str("phase", string(phase)).Msg("rejecting second call")
	if err := m.cfg.Sender.Send(CallRejectedFrame{Reason: "busy", SenderID: m.cfg.LocalUserID}); err != nil {
		m.log.Debug().Err(err).Msg("call_rejected not sent")
	}
}

func (m *CallMachine) onAnswer(e CallAnswerEvent) {
	m.mu.Lock()
	if m.phase != PhaseRequesting || m.peer == nil || bytes.Equal(m.answered, e.Payload) {
		m.mu.Unlock()
		return
	}
	peer, g := m.peer, m.gen
	m.answered = e.Payload
	m.mu.Unlock()

	if err := peer.Apply(e.Payload); err != nil {
		m.log.Warn().Err(err).Msg("applying answer failed")
		m.endCall(true)
		return
	}

	m.mu.Lock()
	if m.gen != g || m.phase != PhaseRequesting {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseConnected
	m.peerID = e.SenderID
	m.startedAt = m.cfg.Now()
	notice := m.markStartedLocked()
	m.mu.Unlock()

	if notice {
		m.notice(KindSystem, "call started")
	}
	m.changed()
}

func (m *CallMachine) rejectedWhileRequesting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseRequesting
}

// prepare acquires capture and a peer for session g, which must still be in
// phase. It rolls back on failure.
func (m *CallMachine) prepare(ctx context.Context, g uint64, phase CallPhase) (LocalStream, Peer, error) {
	if m.cfg.Devices == nil || m.cfg.Peers == nil {
		m.rollback(g)
		return nil, nil, errCallsDisabled
	}
	stream, err := m.cfg.Devices.Capture(ctx, true, m.cfg.Video)
	if err != nil {
		m.rollback(g)
		return nil, nil, fmt.Errorf("capture: %w", err)
	}

	m.mu.Lock()
	if m.gen != g || m.phase != phase {
		m.mu.Unlock()
		stream.Stop()
		return nil, nil, ErrNoCall
	}
	m.stream = stream
	m.mu.Unlock()

	peer, err := m.cfg.Peers.NewPeer(stream, PeerHandlers{
		OnTrack: func(t RemoteTrack) { m.onTrack(g, t) },
		OnClose: func() { m.onPeerClosed(g) },
	})
	if err != nil {
		m.rollback(g)
		return nil, nil, fmt.Errorf("create peer: %w", err)
	}

	m.mu.Lock()
	if m.gen != g || m.phase != phase {
		m.mu.Unlock()
		_ = peer.Close()
		return nil, nil, ErrNoCall
	}
	m.peer = peer
	m.mu.Unlock()
	return stream, peer, nil
}

func (m *CallMachine) onTrack(g uint64, t RemoteTrack) {
	m.mu.Lock()
	if m.gen != g || m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	m.remote = append(m.remote, t)
	m.mu.Unlock()

	if m.cfg.Surface != nil {
		m.cfg.Surface.Attach(t)
	}
	m.changed()
}

func (m *CallMachine) onPeerClosed(g uint64) {
	m.mu.Lock()
	current := m.gen == g
	m.mu.Unlock()
	if current {
		m.endCall(false)
	}
}

// endCall is the single teardown path. It reports whether a session was torn
// down; only the first caller for a session does the work.
func (m *CallMachine) endCall(local bool) bool {
	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return false
	}
	id := m.id
	stream, peer := m.stream, m.peer
	hadRemote := len(m.remote) > 0
	m.phase = PhaseEnded
	m.resetLocked()
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			m.log.Debug().Err(err).Msg("closing peer")
		}
	}
	if hadRemote && m.cfg.Surface != nil {
		m.cfg.Surface.Detach()
	}

	if local {
		if err := m.cfg.Sender.Send(CallEndedFrame{SenderID: m.cfg.LocalUserID}); err != nil {
			m.log.Debug().Err(err).Msg("call_ended not sent")
		}
		m.notice(KindSystem, "call ended")
	}
	m.log.Info().Str("call", id).Bool("local", local).Msg("call ended")
	m.changed()
	return true
}

// rollback returns session g to idle without signaling.
func (m *CallMachine) rollback(g uint64) {
	m.mu.Lock()
	if m.gen != g || m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	stream, peer := m.stream, m.peer
	m.resetLocked()
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if peer != nil {
		_ = peer.Close()
	}
	m.changed()
}

func (m *CallMachine) beginLocked(role CallRole, peerID string) uint64 {
	m.gen++
	m.id = uuid.NewString()
	m.role = role
	m.peerID = peerID
	m.startedNotified = false
	if role == RoleCaller {
		m.phase = PhaseRequesting
	} else {
		m.phase = PhaseRinging
	}
	return m.gen
}

func (m *CallMachine) resetLocked() {
	m.phase = PhaseIdle
	m.id = ""
	m.accepting = false
	m.role = ""
	m.peerID = ""
	m.offer = nil
	m.answered = nil
	m.stream = nil
	m.peer = nil
	m.remote = nil
	m.startedAt = time.Time{}
}

func (m *CallMachine) markStartedLocked() bool {
	if m.startedNotified {
		return false
	}
	m.startedNotified = true
	return true
}

func (m *CallMachine) sessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *CallMachine) notice(kind MessageKind, body string) {
	if m.cfg.Notice != nil {
		m.cfg.Notice(kind, body)
	}
}

func (m *CallMachine) changed() { notify(m.cfg.OnChange) }
