package consult

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
)

var (
	ErrRecorderActive = errors.New("recorder already active")
	ErrRecorderIdle   = errors.New("recorder not active")
)

const (
	opusClockRate = 48000
	opusChannels  = 2
)

// sampleTap is implemented by tracks whose samples can be observed locally.
type sampleTap interface {
	Tap(fn func(data []byte, d time.Duration)) func()
}

// Recorder captures a voice note from the microphone into an Ogg/Opus file.
type Recorder struct {
	devices Devices
	now     func() time.Time
	log     zerolog.Logger

	mu      sync.Mutex
	stream  LocalStream
	untap   []func()
	buf     *bytes.Buffer
	ogg     *oggwriter.OggWriter
	seq     uint16
	ts      uint32
	packets int
	started time.Time
}

// NewRecorder records from devices, which should be the same guarded
// devices a room's calls use.
func NewRecorder(devices Devices, logger zerolog.Logger) *Recorder {
	return &Recorder{devices: devices, now: time.Now, log: logger}
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream != nil
}

// Start acquires the microphone and begins recording.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stream != nil {
		r.mu.Unlock()
		return ErrRecorderActive
	}
	r.mu.Unlock()
	if r.devices == nil {
		return errors.New("no capture devices")
	}

	stream, err := r.devices.Capture(ctx, true, false)
	if err != nil {
		return fmt.Errorf("capture microphone: %w", err)
	}

	buf := &bytes.Buffer{}
	ogg, err := oggwriter.NewWith(buf, opusClockRate, opusChannels)
	if err != nil {
		stream.Stop()
		return err
	}

	r.mu.Lock()
	if r.stream != nil {
		r.mu.Unlock()
		stream.Stop()
		return ErrRecorderActive
	}
	r.stream = stream
	r.buf = buf
	r.ogg = ogg
	r.seq, r.ts, r.packets = 0, 0, 0
	r.started = r.now()
	for _, t := range stream.Tracks() {
		if t.Kind() != MediaAudio {
			continue
		}
		if tap, ok := t.(sampleTap); ok {
			r.untap = append(r.untap, tap.Tap(r.write))
		}
	}
	r.mu.Unlock()

	r.log.Debug().Msg("voice recording started")
	return nil
}

func (r *Recorder) write(data []byte, d time.Duration) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ogg == nil {
		return
	}

	r.seq++
	r.ts += uint32(d.Seconds() * opusClockRate)
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: r.seq,
			Timestamp:      r.ts,
		},
		Payload: data,
	}
	if err := r.ogg.WriteRTP(pkt); err != nil {
		r.log.Warn().Err(err).Msg("voice recording write failed")
		return
	}
	r.packets++
}

// Stop ends the recording, releases the microphone and returns the note.
func (r *Recorder) Stop() (Source, error) {
	r.mu.Lock()
	if r.stream == nil {
		r.mu.Unlock()
		return nil, ErrRecorderIdle
	}
	stream, untap, ogg, buf := r.stream, r.untap, r.ogg, r.buf
	packets, took := r.packets, r.now().Sub(r.started)
	r.clearLocked()
	r.mu.Unlock()

	for _, fn := range untap {
		fn()
	}
	stream.Stop()
	if err := ogg.Close(); err != nil {
		return nil, err
	}
	if packets == 0 {
		return nil, fmt.Errorf("%w: nothing recorded", ErrInvalidSource)
	}

	r.log.Debug().Int("packets", packets).Dur("duration", took).Msg("voice recording finished")
	return BytesSource("voice-"+ulid.Make().String()+".ogg", buf.Bytes()), nil
}

// Cancel discards the recording and releases the microphone before
// returning. It is a no-op while idle.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	stream, untap, ogg := r.stream, r.untap, r.ogg
	r.clearLocked()
	r.mu.Unlock()

	if stream == nil {
		return
	}
	for _, fn := range untap {
		fn()
	}
	stream.Stop()
	_ = ogg.Close()
	r.log.Debug().Msg("voice recording cancelled")
}

func (r *Recorder) clearLocked() {
	r.stream = nil
	r.untap = nil
	r.ogg = nil
	r.buf = nil
}
