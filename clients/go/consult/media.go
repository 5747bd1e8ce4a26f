package consult

import (
	"context"
	"errors"
	"sync"
)

// ErrDeviceBusy is returned when capture devices already have an owner.
var ErrDeviceBusy = errors.New("capture devices busy")

// Track is one local capture track.
type Track interface {
	Kind() MediaKind
	Enabled() bool
	SetEnabled(enabled bool)
}

// LocalStream is a set of captured tracks. Stop releases the underlying
// devices and must be safe to call more than once.
type LocalStream interface {
	Tracks() []Track
	Stop()
}

// Devices acquires local capture.
type Devices interface {
	Capture(ctx context.Context, audio, video bool) (LocalStream, error)
}

// RemoteTrack describes inbound media reported by a peer connection.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     MediaKind
	Codec    string
}

// RemoteSurface renders the peer's media.
type RemoteSurface interface {
	Attach(track RemoteTrack)
	Detach()
}

// ExclusiveDevices hands capture to one owner at a time, so a voice note
// and a call cannot hold the microphone together.
type ExclusiveDevices struct {
	inner Devices

	mu   sync.Mutex
	busy bool
}

// NewExclusiveDevices guards inner.
func NewExclusiveDevices(inner Devices) *ExclusiveDevices {
	return &ExclusiveDevices{inner: inner}
}

// Capture acquires inner's devices, or fails with ErrDeviceBusy while a
// stream from an earlier Capture has not been stopped.
func (d *ExclusiveDevices) Capture(ctx context.Context, audio, video bool) (LocalStream, error) {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	d.busy = true
	d.mu.Unlock()

	s, err := d.inner.Capture(ctx, audio, video)
	if err != nil {
		d.release()
		return nil, err
	}
	return &exclusiveStream{LocalStream: s, release: d.release}, nil
}

// Busy reports whether a stream is currently held.
func (d *ExclusiveDevices) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

func (d *ExclusiveDevices) release() {
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
}

type exclusiveStream struct {
	LocalStream
	once    sync.Once
	release func()
}

func (s *exclusiveStream) Stop() {
	s.once.Do(func() {
		s.LocalStream.Stop()
		s.release()
	})
}

// Unwrap returns the guarded stream.
func (s *exclusiveStream) Unwrap() LocalStream { return s.LocalStream }

func setKindEnabled(stream LocalStream, kind MediaKind, enabled bool) bool {
	if stream == nil {
		return false
	}
	found := false
	for _, t := range stream.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	return found
}
