//go:build !opus
// +build !opus

package recorder

// NewEncoder returns a WAV encoder in builds without libopus. The Ogg Opus
// encoder lives in encoder_opus.go behind the `opus` build tag.
func NewEncoder(sampleRate, channels int) (Encoder, error) {
	return &WAVEncoder{SampleRate: sampleRate, Channels: channels}, nil
}
