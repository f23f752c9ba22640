// Package sampler periodically grabs the current video frame, scales it to a
// fixed resolution, JPEG-encodes it and sends it over the expression channel.
package sampler

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"k8s.io/utils/clock"

	"github.com/interview-practice-lab/internal/logging"
	"github.com/interview-practice-lab/internal/metrics"
)

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultWidth    = 640
	DefaultHeight   = 480
	DefaultQuality  = 92
)

// FrameSource yields the live source's current frame.
type FrameSource interface {
	CurrentFrame() (image.Image, error)
}

// Sink is the outbound side of a channel.
type Sink interface {
	IsOpen() bool
	Send(data []byte) bool
}

type Config struct {
	Interval time.Duration
	Width    int
	Height   int
	Quality  int
	Clock    clock.WithTicker
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = DefaultQuality
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	return c
}

// Sampler is a cancellable repeating task. A zero Sampler is not usable;
// build one with New.
type Sampler struct {
	cfg    Config
	src    FrameSource
	sink   Sink
	fields []interface{}

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	canvas *image.RGBA
	buf    bytes.Buffer
}

// New builds a sampler. logFields are attached to every log line.
func New(cfg Config, src FrameSource, sink Sink, logFields ...interface{}) *Sampler {
	cfg = cfg.withDefaults()
	return &Sampler{
		cfg:    cfg,
		src:    src,
		sink:   sink,
		fields: logFields,
		canvas: image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
	}
}

// Start begins ticking. Calling Start on a running or stopped sampler is a
// no-op; samplers are single-use.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})

	stop := s.stopCh
	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				// A stop that raced the tick wins.
				select {
				case <-stop:
					return
				default:
				}
				s.tick()
			}
		}
	}()
	logging.Debugw("sampler: started", append(s.fields, "interval", s.cfg.Interval.String())...)
}

// Stop cancels the timer and waits for an in-flight tick to finish, so no
// tick fires after Stop returns. Idempotent and safe when never started.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if !s.started {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Debugw("sampler: stopped", s.fields...)
}

func (s *Sampler) tick() {
	if !s.sink.IsOpen() {
		metrics.RecordFrameTick(metrics.StatusSkipped)
		return
	}
	frame, err := s.src.CurrentFrame()
	if err != nil {
		logging.Debugw("sampler: frame unavailable", append(s.fields, "err", err)...)
		metrics.RecordFrameTick(metrics.StatusSkipped)
		return
	}
	data, err := s.encode(frame)
	if err != nil {
		logging.Warnw("sampler: encode failed", append(s.fields, "err", err)...)
		metrics.RecordFrameTick(metrics.StatusSkipped)
		return
	}
	if !s.sink.Send(data) {
		metrics.RecordFrameTick(metrics.StatusSkipped)
		return
	}
	metrics.RecordFrameTick(metrics.StatusSent)
}

// encode stretches frame onto the fixed canvas and returns a fresh JPEG.
func (s *Sampler) encode(frame image.Image) ([]byte, error) {
	draw.ApproxBiLinear.Scale(s.canvas, s.canvas.Bounds(), frame, frame.Bounds(), draw.Src, nil)
	s.buf.Reset()
	if err := jpeg.Encode(&s.buf, s.canvas, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
		return nil, err
	}
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out, nil
}
