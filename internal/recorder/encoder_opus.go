//go:build opus
// +build opus

package recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// frameDuration is the Opus frame size in milliseconds.
const frameDuration = 20

// maxPacket bounds one encoded Opus packet.
const maxPacket = 4000

// granuleStep is one frame in Ogg Opus granule units, which always count
// 48 kHz samples regardless of the input rate.
const granuleStep = 48000 * frameDuration / 1000

// OpusEncoder packs 16-bit little-endian PCM into 20ms Opus packets inside an
// Ogg container. The Ogg headers go out with the first packet.
type OpusEncoder struct {
	enc       *opus.Encoder
	ogg       *oggwriter.OggWriter
	out       bytes.Buffer
	channels  int
	frameSize int // samples per channel per frame
	pending   []int16
	packet    []byte
	timestamp uint32
	packets   int
}

// NewEncoder returns an Ogg Opus encoder tuned for speech.
func NewEncoder(sampleRate, channels int) (Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	e := &OpusEncoder{
		enc:       enc,
		channels:  channels,
		frameSize: sampleRate * frameDuration / 1000,
		packet:    make([]byte, maxPacket),
	}
	e.ogg, err = oggwriter.NewWith(&e.out, uint32(sampleRate), uint16(channels))
	if err != nil {
		return nil, fmt.Errorf("ogg writer: %w", err)
	}
	return e, nil
}

func (e *OpusEncoder) MIMEType() string { return "audio/ogg;codecs=opus" }

func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	for i := 0; i+1 < len(pcm); i += 2 {
		e.pending = append(e.pending, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	return e.drain(false)
}

// Flush zero-pads and encodes the final partial frame. A recording that
// never produced a packet yields nothing, not a bare header.
func (e *OpusEncoder) Flush() ([]byte, error) {
	out, err := e.drain(true)
	if err != nil {
		return out, err
	}
	if err := e.ogg.Close(); err != nil {
		return out, fmt.Errorf("ogg close: %w", err)
	}
	return out, nil
}

func (e *OpusEncoder) drain(final bool) ([]byte, error) {
	step := e.frameSize * e.channels
	if final && len(e.pending) > 0 && len(e.pending)%step != 0 {
		pad := step - len(e.pending)%step
		e.pending = append(e.pending, make([]int16, pad)...)
	}
	for len(e.pending) >= step {
		n, err := e.enc.Encode(e.pending[:step], e.packet)
		if err != nil {
			return nil, err
		}
		payload := make([]byte, n)
		copy(payload, e.packet[:n])
		if err := e.ogg.WriteRTP(&rtp.Packet{Header: rtp.Header{Timestamp: e.timestamp}, Payload: payload}); err != nil {
			return nil, fmt.Errorf("ogg write: %w", err)
		}
		e.timestamp += granuleStep
		e.packets++
		e.pending = e.pending[step:]
	}
	if len(e.pending) == 0 {
		e.pending = nil
	}
	if e.packets == 0 {
		return nil, nil
	}
	out := make([]byte, e.out.Len())
	copy(out, e.out.Bytes())
	e.out.Reset()
	return out, nil
}
