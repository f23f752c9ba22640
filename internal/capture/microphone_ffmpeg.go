//go:build !portaudio
// +build !portaudio

package capture

import "context"

// openMicrophone captures audio through ffmpeg in builds without PortAudio.
// Build with -tags portaudio for the native input stream.
func openMicrophone(ctx context.Context, c Constraints) (AudioTrack, error) {
	return openFFmpegMicrophone(ctx, c)
}
