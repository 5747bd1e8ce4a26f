package consult

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
)

// DefaultICEServers is used when a PionFactory leaves ICEServers nil.
var DefaultICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// SampleTrack is a local track fed with encoded samples. While disabled,
// written samples are dropped so the peer receives nothing.
type SampleTrack struct {
	local   *webrtc.TrackLocalStaticSample
	kind    MediaKind
	enabled atomic.Bool

	mu      sync.Mutex
	taps    map[int]func(data []byte, d time.Duration)
	nextTap int
}

// NewSampleTrack creates an Opus audio or VP8 video track.
func NewSampleTrack(kind MediaKind, streamID string) (*SampleTrack, error) {
	var codec webrtc.RTPCodecCapability
	switch kind {
	case MediaAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case MediaVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("no capture track for %q", kind)
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, err
	}
	t := &SampleTrack{local: local, kind: kind, taps: make(map[int]func([]byte, time.Duration))}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) Kind() MediaKind         { return t.kind }
func (t *SampleTrack) Enabled() bool           { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// TrackLocal exposes the track for adding to a peer connection.
func (t *SampleTrack) TrackLocal() webrtc.TrackLocal { return t.local }

// WriteSample forwards s to every tap and bound peer.
func (t *SampleTrack) WriteSample(s pionmedia.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	t.mu.Lock()
	taps := make([]func([]byte, time.Duration), 0, len(t.taps))
	for _, fn := range t.taps {
		taps = append(taps, fn)
	}
	t.mu.Unlock()

	for _, fn := range taps {
		fn(s.Data, s.Duration)
	}
	return t.local.WriteSample(s)
}

// Tap observes every sample written while enabled. The returned func removes
// the tap.
func (t *SampleTrack) Tap(fn func(data []byte, d time.Duration)) func() {
	t.mu.Lock()
	id := t.nextTap
	t.nextTap++
	t.taps[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.taps, id)
		t.mu.Unlock()
	}
}

// FeedFunc pushes samples into a track until ctx is done or its input ends.
type FeedFunc func(ctx context.Context, t *SampleTrack) error

// SampleDevices is a Devices implementation whose tracks are driven by feed
// functions, e.g. an Ogg/Opus file standing in for a microphone.
type SampleDevices struct {
	AudioFeed FeedFunc
	VideoFeed FeedFunc
	StreamID  string
	Logger    zerolog.Logger
}

// Capture creates the requested tracks and starts their feeds.
func (d *SampleDevices) Capture(ctx context.Context, audio, video bool) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := d.StreamID
	if streamID == "" {
		streamID = "consult"
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	s := &sampleStream{cancel: cancel}

	add := func(kind MediaKind, feed FeedFunc) error {
		t, err := NewSampleTrack(kind, streamID)
		if err != nil {
			return err
		}
		s.tracks = append(s.tracks, t)
		if feed == nil {
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := feed(feedCtx, t); err != nil && !errors.Is(err, context.Canceled) {
				d.Logger.Warn().Err(err).Str("kind", string(kind)).Msg("capture feed stopped")
			}
		}()
		return nil
	}

	if audio {
		if err := add(MediaAudio, d.AudioFeed); err != nil {
			s.Stop()
			return nil, err
		}
	}
	if video {
		if err := add(MediaVideo, d.VideoFeed); err != nil {
			s.Stop()
			return nil, err
		}
	}
	return s, nil
}

type sampleStream struct {
	tracks []Track
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *sampleStream) Tracks() []Track { return s.tracks }

// Stop cancels the feeds and waits for them to return.
func (s *sampleStream) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// OggFeed plays an Ogg/Opus file into an audio track in real time.
func OggFeed(path string) FeedFunc {
	return func(ctx context.Context, t *SampleTrack) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		ogg, _, err := oggreader.NewWith(f)
		if err != nil {
			return err
		}

		var lastGranule uint64
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			page, header, err := ogg.ParseNextPage()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			samples := header.GranulePosition - lastGranule
			lastGranule = header.GranulePosition
			d := time.Duration(float64(samples)/48000*1000) * time.Millisecond

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
			if err := t.WriteSample(pionmedia.Sample{Data: page, Duration: d}); err != nil {
				return err
			}
			timer.Reset(d)
		}
	}
}

// PionFactory creates non-trickle WebRTC peers: every offer and answer is
// sent only after ICE gathering has completed, so one frame carries all
// candidates.
type PionFactory struct {
	Config webrtc.Configuration
	API    *webrtc.API
	Logger zerolog.Logger
}

type localTrack interface {
	TrackLocal() webrtc.TrackLocal
}

// NewPeer creates a peer connection carrying stream's tracks.
func (f *PionFactory) NewPeer(stream LocalStream, h PeerHandlers) (Peer, error) {
	cfg := f.Config
	if cfg.ICEServers == nil {
		cfg.ICEServers = DefaultICEServers
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if f.API != nil {
		pc, err = f.API.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, err
	}

	p := &pionPeer{pc: pc, log: f.Logger}

	sending := map[MediaKind]bool{}
	if stream != nil {
		for _, t := range stream.Tracks() {
			lt, ok := t.(localTrack)
			if !ok {
				continue
			}
			sender, err := pc.AddTrack(lt.TrackLocal())
			if err != nil {
				_ = pc.Close()
				return nil, err
			}
			sending[t.Kind()] = true
			go drainRTCP(sender)
		}
	}
	for kind, codecType := range map[MediaKind]webrtc.RTPCodecType{
		MediaAudio: webrtc.RTPCodecTypeAudio,
		MediaVideo: webrtc.RTPCodecTypeVideo,
	} {
		if sending[kind] {
			continue
		}
		_, err := pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := RemoteTrack{
			ID:       tr.ID(),
			StreamID: tr.StreamID(),
			Kind:     MediaVideo,
			Codec:    tr.Codec().MimeType,
		}
		if tr.Kind() == webrtc.RTPCodecTypeAudio {
			rt.Kind = MediaAudio
		}
		if h.OnTrack != nil {
			h.OnTrack(rt)
		}
		go p.drainRemote(tr)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", s.String()).Msg("peer connection state")
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if h.OnClose != nil {
				p.closeOnce.Do(h.OnClose)
			}
		}
	})

	return p, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type pionPeer struct {
	pc        *webrtc.PeerConnection
	log       zerolog.Logger
	closeOnce sync.Once
}

func (p *pionPeer) Offer(ctx context.Context) (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return p.setLocal(ctx, offer)
}

func (p *pionPeer) Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	sd, err := decodeDescription(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return p.setLocal(ctx, answer)
}

func (p *pionPeer) Apply(answer json.RawMessage) error {
	sd, err := decodeDescription(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// setLocal applies desc and waits for ICE gathering to finish.
func (p *pionPeer) setLocal(ctx context.Context, desc webrtc.SessionDescription) (json.RawMessage, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(p.pc.LocalDescription())
}

func (p *pionPeer) drainRemote(tr *webrtc.TrackRemote) {
	var packets int
	for {
		if _, _, err := tr.ReadRTP(); err != nil {
			p.log.Debug().Str("track", tr.ID()).Int("packets", packets).Msg("remote track ended")
			return
		}
		packets++
	}
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return sd, fmt.Errorf("%w: session description: %v", ErrMalformedFrame, err)
	}
	if sd.Type != want || strings.TrimSpace(sd.SDP) == "" {
		return sd, fmt.Errorf("%w: expected %s description", ErrMalformedFrame, want)
	}
	return sd, nil
}
