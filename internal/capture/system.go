package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/interview-practice-lab/internal/logging"
)

// SystemDevice opens the local microphone and webcam.
type SystemDevice struct {
	openAudio func(context.Context, Constraints) (AudioTrack, error)
	openVideo func(context.Context, Constraints) (VideoTrack, error)
}

func NewSystemDevice() *SystemDevice {
	return &SystemDevice{openAudio: openMicrophone, openVideo: openWebcam}
}

// Open requests the tracks named by c. If any requested track fails, the
// ones already opened are stopped before returning, so the caller sees
// either every requested track or none.
func (d *SystemDevice) Open(ctx context.Context, c Constraints) ([]Track, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no track requested", ErrCaptureUnavailable)
	}
	var tracks []Track
	rollback := func(cause error) ([]Track, error) {
		if err := stopAll(tracks); err != nil {
			logging.Warnw("capture: rollback failed", "err", err)
		}
		if !errors.Is(cause, ErrCaptureUnavailable) {
			cause = fmt.Errorf("%w: %v", ErrCaptureUnavailable, cause)
		}
		return nil, cause
	}

	if c.Audio {
		a, err := d.openAudio(ctx, c)
		if err != nil {
			return rollback(err)
		}
		tracks = append(tracks, a)
	}
	if c.Video {
		v, err := d.openVideo(ctx, c)
		if err != nil {
			return rollback(err)
		}
		tracks = append(tracks, v)
	}
	return tracks, nil
}
