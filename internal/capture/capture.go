// Package capture owns the local capture device: it acquires a combined
// audio+video stream, exposes its tracks to the recorder and the frame
// sampler, and stops every track on release.
package capture

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ErrCaptureUnavailable is returned when the device is absent or access is
// denied. Callers match it with errors.Is.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// ErrNoFrame is returned by a video track that has not produced a frame yet.
var ErrNoFrame = errors.New("no frame available")

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one device track. Stop is idempotent.
type Track interface {
	ID() string
	Kind() TrackKind
	Live() bool
	Stop() error
}

// VideoTrack exposes the most recent frame.
type VideoTrack interface {
	Track
	CurrentFrame() (image.Image, error)
}

// AudioTrack fans raw 16-bit little-endian PCM out to subscribers. The
// channel returned by Subscribe is closed after cancel or when the track
// stops.
type AudioTrack interface {
	Track
	Subscribe() (<-chan []byte, func())
}

// Constraints describe what to request from a Device.
type Constraints struct {
	Audio       bool
	Video       bool
	Width       int
	Height      int
	FPS         int
	SampleRate  int
	Channels    int
	// DeviceIndex selects the camera.
	DeviceIndex int
	// AudioDevice selects the microphone by platform name: the avfoundation
	// index on macOS, an ALSA device on Linux, a dshow device on Windows.
	// Empty means the system default.
	AudioDevice string
}

// DefaultConstraints requests audio and video at the sampler's resolution.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio:      true,
		Video:      true,
		Width:      640,
		Height:     480,
		FPS:        30,
		SampleRate: 48000,
		Channels:   1,
	}
}

// Device opens tracks. Implementations must be all-or-nothing: on error no
// track is left running.
type Device interface {
	Open(ctx context.Context, c Constraints) ([]Track, error)
}

// Stream is the live capture session handle.
type Stream struct {
	id     string
	tracks []Track

	mu      sync.Mutex
	stopped bool
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns every track, live or not.
func (s *Stream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTrack returns the first audio track, or nil.
func (s *Stream) AudioTrack() AudioTrack {
	for _, t := range s.tracks {
		if a, ok := t.(AudioTrack); ok && t.Kind() == KindAudio {
			return a
		}
	}
	return nil
}

// VideoTrack returns the first video track, or nil.
func (s *Stream) VideoTrack() VideoTrack {
	for _, t := range s.tracks {
		if v, ok := t.(VideoTrack); ok && t.Kind() == KindVideo {
			return v
		}
	}
	return nil
}

// ActiveTracks counts tracks that are still live.
func (s *Stream) ActiveTracks() int {
	n := 0
	for _, t := range s.tracks {
		if t.Live() {
			n++
		}
	}
	return n
}

// Stop stops every track unconditionally, even after an earlier failure, and
// returns the combined error. Idempotent.
func (s *Stream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	var err error
	for _, t := range s.tracks {
		err = multierr.Append(err, t.Stop())
	}
	return err
}

// stopAll is the all-or-nothing rollback used by devices.
func stopAll(tracks []Track) error {
	var err error
	for _, t := range tracks {
		err = multierr.Append(err, t.Stop())
	}
	return err
}
