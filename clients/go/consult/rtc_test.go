package consult

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

func TestSampleTrackDropsWhileDisabled(t *testing.T) {
	tr, err := NewSampleTrack(MediaAudio, "s")
	if err != nil {
		t.Fatal(err)
	}
	var got int
	untap := tr.Tap(func(data []byte, d time.Duration) { got++ })

	_ = tr.WriteSample(pionmedia.Sample{Data: []byte{1}, Duration: 20 * time.Millisecond})
	tr.SetEnabled(false)
	_ = tr.WriteSample(pionmedia.Sample{Data: []byte{2}, Duration: 20 * time.Millisecond})
	tr.SetEnabled(true)
	untap()
	_ = tr.WriteSample(pionmedia.Sample{Data: []byte{3}, Duration: 20 * time.Millisecond})

	if got != 1 {
		t.Fatalf("expected 1 observed sample, got %d", got)
	}
}

func TestSampleTrackKinds(t *testing.T) {
	if _, err := NewSampleTrack(MediaImage, "s"); err == nil {
		t.Fatal("images cannot be captured")
	}
	v, err := NewSampleTrack(MediaVideo, "s")
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind() != MediaVideo || v.TrackLocal().Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatal("unexpected video track kind")
	}
}

func TestSampleDevicesStopWaitsForFeeds(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	d := &SampleDevices{
		AudioFeed: func(ctx context.Context, tr *SampleTrack) error {
			close(started)
			<-ctx.Done()
			close(stopped)
			return ctx.Err()
		},
	}
	s, err := d.Capture(context.Background(), true, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Tracks()) != 2 {
		t.Fatalf("expected audio and video tracks, got %d", len(s.Tracks()))
	}
	<-started
	s.Stop()
	select {
	case <-stopped:
	default:
		t.Fatal("Stop returned before the feed finished")
	}
}

func TestPionNegotiationWithoutTrickle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	factory := &PionFactory{Config: webrtc.Configuration{ICEServers: []webrtc.ICEServer{}}}
	devices := &SampleDevices{}

	callerStream, err := devices.Capture(ctx, true, false)
	if err != nil {
		t.Fatal(err)
	}
	defer callerStream.Stop()
	caller, err := factory.NewPeer(callerStream, PeerHandlers{})
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Close()

	callee, err := factory.NewPeer(nil, PeerHandlers{})
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Close()

	offer, err := caller.Offer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	answer, err := callee.Answer(ctx, offer)
	if err != nil {
		t.Fatal(err)
	}
	if err := caller.Apply(answer); err != nil {
		t.Fatal(err)
	}

	if err := caller.Apply(offer); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("applying an offer as answer should fail, got %v", err)
	}
}
