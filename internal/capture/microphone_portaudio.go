//go:build portaudio
// +build portaudio

package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/interview-practice-lab/internal/logging"
)

type portaudioTrack struct {
	id     string
	stream *portaudio.Stream
	in     []int16
	fan    *fanout
	live   atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
}

// openMicrophone opens the default input device with one 20ms buffer per
// read.
func openMicrophone(_ context.Context, c Constraints) (AudioTrack, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init: %v", ErrCaptureUnavailable, err)
	}
	framesPerBuffer := c.SampleRate / 50
	in := make([]int16, framesPerBuffer*c.Channels)
	stream, err := portaudio.OpenDefaultStream(c.Channels, 0, float64(c.SampleRate), framesPerBuffer, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %v", ErrCaptureUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %v", ErrCaptureUnavailable, err)
	}

	id := uuid.NewString()
	t := &portaudioTrack{
		id:     id,
		stream: stream,
		in:     in,
		fan:    newFanout(id),
		done:   make(chan struct{}),
	}
	t.live.Store(true)
	go t.loop()
	logging.Infow("capture: audio track started", append(logging.TrackFields(t.id, string(KindAudio)), "sample_rate", c.SampleRate, "channels", c.Channels, "backend", "portaudio")...)
	return t, nil
}

func (t *portaudioTrack) ID() string      { return t.id }
func (t *portaudioTrack) Kind() TrackKind { return KindAudio }
func (t *portaudioTrack) Live() bool      { return t.live.Load() }

func (t *portaudioTrack) Subscribe() (<-chan []byte, func()) { return t.fan.Subscribe() }

func (t *portaudioTrack) loop() {
	defer close(t.done)
	for t.live.Load() {
		if err := t.stream.Read(); err != nil {
			logging.Debugw("capture: portaudio read", append(logging.TrackFields(t.id, string(KindAudio)), "err", err)...)
			continue
		}
		t.fan.publish(int16ToBytes(t.in))
	}
}

// Stop ends the read loop before closing the stream so Read never races
// Close.
func (t *portaudioTrack) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		t.live.Store(false)
		<-t.done
		err = multierr.Combine(t.stream.Stop(), t.stream.Close())
		_ = portaudio.Terminate()
		t.fan.close()
		logging.Infow("capture: audio track stopped", append(logging.TrackFields(t.id, string(KindAudio)), "dropped_chunks", t.fan.dropped.Load())...)
	})
	return err
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
