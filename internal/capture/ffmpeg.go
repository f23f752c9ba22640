package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/interview-practice-lab/internal/logging"
)

// firstDataTimeout bounds how long Open waits for the device to produce
// data; it covers the OS permission prompt on first use.
var firstDataTimeout = 10 * time.Second

const maxFrameBytes = 1 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// stderrTail keeps the last bytes ffmpeg wrote to stderr for diagnostics.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (s *stderrTail) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	if len(s.buf) > 2048 {
		s.buf = s.buf[len(s.buf)-2048:]
	}
	return len(p), nil
}

func (s *stderrTail) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(bytes.TrimSpace(s.buf))
}

// ffmpegProc is one running ffmpeg child whose stdout carries the track data.
type ffmpegProc struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *stderrTail
	stdout io.Reader
	exited chan struct{}
}

func startFFmpeg(ctx context.Context, args []string) (*ffmpegProc, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", ErrCaptureUnavailable, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(runCtx, "ffmpeg", args...)
	tail := &stderrTail{}
	cmd.Stderr = tail
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrCaptureUnavailable, err)
	}
	return &ffmpegProc{cmd: cmd, cancel: cancel, stderr: tail, stdout: stdout, exited: make(chan struct{})}, nil
}

// reap is called by the stdout reader once it hits EOF; Wait must not run
// before reads complete.
func (p *ffmpegProc) reap() {
	_ = p.cmd.Wait()
	close(p.exited)
}

func (p *ffmpegProc) stop() {
	p.cancel()
	<-p.exited
}

// awaitFirst waits for ready, failing if ffmpeg exits first or the wait
// times out.
func (p *ffmpegProc) awaitFirst(ctx context.Context, ready <-chan struct{}, what string) error {
	timer := time.NewTimer(firstDataTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-p.exited:
		return fmt.Errorf("%w: %s: ffmpeg exited: %s", ErrCaptureUnavailable, what, p.stderr.String())
	case <-timer.C:
		return fmt.Errorf("%w: %s: no data after %s", ErrCaptureUnavailable, what, firstDataTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrCaptureUnavailable, what, ctx.Err())
	}
}

func videoInputArgs(c Constraints) []string {
	size := fmt.Sprintf("%dx%d", c.Width, c.Height)
	fps := strconv.Itoa(c.FPS)
	switch runtime.GOOS {
	case "darwin":
		return []string{"-f", "avfoundation", "-framerate", fps, "-video_size", size, "-i", strconv.Itoa(c.DeviceIndex)}
	case "windows":
		return []string{"-f", "dshow", "-framerate", fps, "-video_size", size, "-i", "video=" + strconv.Itoa(c.DeviceIndex)}
	default:
		return []string{"-f", "v4l2", "-framerate", fps, "-video_size", size, "-i", fmt.Sprintf("/dev/video%d", c.DeviceIndex)}
	}
}

func audioInputArgs(c Constraints) []string {
	return audioInputArgsFor(runtime.GOOS, c.AudioDevice)
}

func audioInputArgsFor(goos, device string) []string {
	switch goos {
	case "darwin":
		if device == "" {
			device = "0"
		}
		return []string{"-f", "avfoundation", "-i", ":" + device}
	case "windows":
		if device == "" {
			device = "default"
		}
		return []string{"-f", "dshow", "-i", "audio=" + device}
	default:
		if device == "" {
			device = "default"
		}
		return []string{"-f", "alsa", "-i", device}
	}
}

// ffmpegVideoTrack reads an MJPEG stream and keeps the latest frame.
type ffmpegVideoTrack struct {
	id   string
	proc *ffmpegProc
	live atomic.Bool

	mu      sync.Mutex
	latest  []byte
	seq     uint64
	decoded image.Image
	decSeq  uint64

	first     chan struct{}
	firstOnce sync.Once
	stopOnce  sync.Once
}

func openWebcam(ctx context.Context, c Constraints) (VideoTrack, error) {
	args := append(videoInputArgs(c),
		"-an",
		"-f", "mjpeg",
		"-q:v", "5",
		"-",
	)
	proc, err := startFFmpeg(ctx, args)
	if err != nil {
		return nil, err
	}
	t := &ffmpegVideoTrack{id: uuid.NewString(), proc: proc, first: make(chan struct{})}
	t.live.Store(true)
	go t.readMJPEG(bufio.NewReaderSize(proc.stdout, 256*1024))

	if err := proc.awaitFirst(ctx, t.first, "webcam"); err != nil {
		_ = t.Stop()
		return nil, err
	}
	logging.Infow("capture: video track started", append(logging.TrackFields(t.id, string(KindVideo)), "device", c.DeviceIndex)...)
	return t, nil
}

func (t *ffmpegVideoTrack) ID() string      { return t.id }
func (t *ffmpegVideoTrack) Kind() TrackKind { return KindVideo }
func (t *ffmpegVideoTrack) Live() bool      { return t.live.Load() }

// CurrentFrame decodes the latest JPEG frame; repeated calls between frames
// reuse the decoded image.
func (t *ffmpegVideoTrack) CurrentFrame() (image.Image, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil, ErrNoFrame
	}
	if t.decoded != nil && t.decSeq == t.seq {
		return t.decoded, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(t.latest))
	if err != nil {
		return nil, fmt.Errorf("decode webcam frame: %w", err)
	}
	t.decoded, t.decSeq = img, t.seq
	return img, nil
}

func (t *ffmpegVideoTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.live.Store(false)
		t.proc.stop()
		logging.Infow("capture: video track stopped", logging.TrackFields(t.id, string(KindVideo))...)
	})
	return nil
}

func (t *ffmpegVideoTrack) readMJPEG(r *bufio.Reader) {
	defer t.proc.reap()
	err := splitMJPEG(r, t.setLatest)
	if err != nil && err != io.EOF && t.Live() {
		logging.Warnw("capture: webcam stream read failed", append(logging.TrackFields(t.id, string(KindVideo)), "err", err)...)
	}
	t.live.Store(false)
}

// splitMJPEG cuts a concatenated JPEG stream on SOI/EOI markers and calls
// emit with each complete frame. emit must not retain the slice. It returns
// the reader's error.
func splitMJPEG(r *bufio.Reader, emit func([]byte)) error {
	var frame bytes.Buffer
	inFrame := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		frame.WriteByte(b)

		if !inFrame {
			data := frame.Bytes()
			if bytes.HasSuffix(data, jpegSOI) {
				frame.Reset()
				frame.Write(jpegSOI)
				inFrame = true
			} else if frame.Len() > 2 {
				last := data[len(data)-1]
				frame.Reset()
				frame.WriteByte(last)
			}
			continue
		}
		if bytes.HasSuffix(frame.Bytes(), jpegEOI) {
			emit(frame.Bytes())
			frame.Reset()
			inFrame = false
			continue
		}
		if frame.Len() > maxFrameBytes {
			frame.Reset()
			inFrame = false
		}
	}
}

func (t *ffmpegVideoTrack) setLatest(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	t.mu.Lock()
	t.latest = cp
	t.seq++
	t.mu.Unlock()
	t.firstOnce.Do(func() { close(t.first) })
}

// ffmpegAudioTrack reads raw s16le PCM in 20ms chunks.
type ffmpegAudioTrack struct {
	id    string
	proc  *ffmpegProc
	live  atomic.Bool
	fan   *fanout
	chunk int

	first     chan struct{}
	firstOnce sync.Once
	stopOnce  sync.Once
}

func openFFmpegMicrophone(ctx context.Context, c Constraints) (AudioTrack, error) {
	args := append(audioInputArgs(c),
		"-vn",
		"-ac", strconv.Itoa(c.Channels),
		"-ar", strconv.Itoa(c.SampleRate),
		"-f", "s16le",
		"-",
	)
	proc, err := startFFmpeg(ctx, args)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	t := &ffmpegAudioTrack{
		id:    id,
		proc:  proc,
		fan:   newFanout(id),
		chunk: c.SampleRate / 50 * c.Channels * 2,
		first: make(chan struct{}),
	}
	t.live.Store(true)
	go t.readPCM()

	if err := proc.awaitFirst(ctx, t.first, "microphone"); err != nil {
		_ = t.Stop()
		return nil, err
	}
	logging.Infow("capture: audio track started", append(logging.TrackFields(t.id, string(KindAudio)), "sample_rate", c.SampleRate, "channels", c.Channels)...)
	return t, nil
}

func (t *ffmpegAudioTrack) ID() string      { return t.id }
func (t *ffmpegAudioTrack) Kind() TrackKind { return KindAudio }
func (t *ffmpegAudioTrack) Live() bool      { return t.live.Load() }

func (t *ffmpegAudioTrack) Subscribe() (<-chan []byte, func()) { return t.fan.Subscribe() }

func (t *ffmpegAudioTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.live.Store(false)
		t.proc.stop()
		t.fan.close()
		logging.Infow("capture: audio track stopped", append(logging.TrackFields(t.id, string(KindAudio)), "dropped_chunks", t.fan.dropped.Load())...)
	})
	return nil
}

func (t *ffmpegAudioTrack) readPCM() {
	defer t.proc.reap()
	for {
		buf := make([]byte, t.chunk)
		n, err := io.ReadFull(t.proc.stdout, buf)
		if n > 0 {
			t.firstOnce.Do(func() { close(t.first) })
			t.fan.publish(buf[:n])
		}
		if err != nil {
			t.live.Store(false)
			t.fan.close()
			return
		}
	}
}
