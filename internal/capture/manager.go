package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/interview-practice-lab/internal/logging"
)

// Preview is a visual surface bound to the live stream. Bind(nil) unbinds.
type Preview interface {
	Bind(s *Stream)
}

type ManagerOption func(*Manager)

// WithPreview binds every acquired stream to p.
func WithPreview(p Preview) ManagerOption {
	return func(m *Manager) { m.preview = p }
}

// Manager owns at most one active Stream.
type Manager struct {
	device  Device
	cons    Constraints
	preview Preview

	mu     sync.Mutex
	stream *Stream
}

func NewManager(device Device, cons Constraints, opts ...ManagerOption) *Manager {
	m := &Manager{device: device, cons: cons}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire requests the device and stores the resulting stream. If a stream
// is already active it is returned as is. Failures wrap
// ErrCaptureUnavailable and leave no stream behind.
func (m *Manager) Acquire(ctx context.Context) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return m.stream, nil
	}

	tracks, err := m.device.Open(ctx, m.cons)
	if err == nil {
		err = m.checkTracks(tracks)
		if err != nil {
			_ = stopAll(tracks)
		}
	}
	if err != nil {
		if !errors.Is(err, ErrCaptureUnavailable) {
			err = fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
		}
		logging.Errorw("capture: device unavailable", "err", err)
		return nil, err
	}

	m.stream = NewStream(tracks...)
	if m.preview != nil {
		m.preview.Bind(m.stream)
	}
	logging.Infow("capture: stream acquired", "stream.id", m.stream.ID(), "tracks", len(tracks))
	return m.stream, nil
}

func (m *Manager) checkTracks(tracks []Track) error {
	s := NewStream(tracks...)
	if m.cons.Audio && s.AudioTrack() == nil {
		return errors.New("device returned no audio track")
	}
	if m.cons.Video && s.VideoTrack() == nil {
		return errors.New("device returned no video track")
	}
	return nil
}

// Stream returns the active stream, or nil.
func (m *Manager) Stream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Release stops every track of the active stream. Idempotent and safe
// before Acquire.
func (m *Manager) Release() error {
	m.mu.Lock()
	s := m.stream
	m.stream = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	if m.preview != nil {
		m.preview.Bind(nil)
	}
	err := s.Stop()
	if err != nil {
		logging.Warnw("capture: release", "stream.id", s.ID(), "err", err)
	} else {
		logging.Infow("capture: stream released", "stream.id", s.ID())
	}
	return err
}
