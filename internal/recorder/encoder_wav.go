package recorder

import (
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// Sealer is implemented by encoders whose container records the total
// length. Seal patches the concatenation of every fragment of one recording
// in place.
type Sealer interface {
	Seal(buf []byte)
}

// WAVEncoder wraps 16-bit little-endian PCM in a RIFF/WAVE container. The
// header goes out with the first fragment; its sizes are placeholders until
// Seal fills them in.
type WAVEncoder struct {
	SampleRate int
	Channels   int

	headerSent bool
}

func (e *WAVEncoder) format() (rate, channels int) {
	rate, channels = e.SampleRate, e.Channels
	if rate <= 0 {
		rate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	return rate, channels
}

func (e *WAVEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	var out []byte
	if !e.headerSent {
		rate, channels := e.format()
		out = make([]byte, 0, wavHeaderSize+len(pcm))
		out = appendWAVHeader(out, rate, channels, 0xFFFFFFFF)
		e.headerSent = true
	}
	return append(out, pcm...), nil
}

// Flush emits nothing; a recording without audio stays empty.
func (e *WAVEncoder) Flush() ([]byte, error) { return nil, nil }

func (e *WAVEncoder) MIMEType() string {
	rate, channels := e.format()
	return fmt.Sprintf("audio/wav;rate=%d;channels=%d", rate, channels)
}

// Seal writes the RIFF and data chunk sizes for buf.
func (e *WAVEncoder) Seal(buf []byte) {
	if len(buf) < wavHeaderSize || string(buf[0:4]) != "RIFF" {
		return
	}
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)-8))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(buf)-wavHeaderSize))
}

// appendWAVHeader appends a canonical 44-byte PCM16 header.
func appendWAVHeader(b []byte, sampleRate, channels int, dataLen uint32) []byte {
	const bitsPerSample = 16
	riffSize := dataLen
	if dataLen != 0xFFFFFFFF {
		riffSize = 4 + (8 + 16) + (8 + dataLen)
	}
	b = append(b, "RIFF"...)
	b = binary.LittleEndian.AppendUint32(b, riffSize)
	b = append(b, "WAVE"...)
	b = append(b, "fmt "...)
	b = binary.LittleEndian.AppendUint32(b, 16)
	b = binary.LittleEndian.AppendUint16(b, 1)
	b = binary.LittleEndian.AppendUint16(b, uint16(channels))
	b = binary.LittleEndian.AppendUint32(b, uint32(sampleRate))
	b = binary.LittleEndian.AppendUint32(b, uint32(sampleRate*channels*bitsPerSample/8))
	b = binary.LittleEndian.AppendUint16(b, uint16(channels*bitsPerSample/8))
	b = binary.LittleEndian.AppendUint16(b, bitsPerSample)
	b = append(b, "data"...)
	b = binary.LittleEndian.AppendUint32(b, dataLen)
	return b
}
