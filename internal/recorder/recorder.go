// Package recorder implements the batched media recorder: it taps a live
// audio source during a recording window, hands encoded fragments to the
// caller in capture order, and signals completion asynchronously once every
// buffered fragment has been drained.
package recorder

import (
	"errors"
	"fmt"
	"sync"

	"github.com/interview-practice-lab/internal/logging"
)

// Source is a live PCM source. Subscribe returns a channel of raw fragments
// and a cancel func; after cancel the channel is closed once the fragments
// already queued for this subscriber have been delivered.
type Source interface {
	Subscribe() (<-chan []byte, func())
}

// Encoder turns raw PCM fragments into the recorder's output format.
// Encode may return nil when it needs more input; Flush emits whatever is
// still pending.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
	Flush() ([]byte, error)
	MIMEType() string
}

var ErrAlreadyStarted = errors.New("recorder already started")

type Options struct {
	Encoder Encoder
	// OnData receives each non-empty encoded fragment, in capture order.
	OnData func(fragment []byte)
	// OnStop runs once, after the last OnData call.
	OnStop func()
	// LogFields are attached to every log line.
	LogFields []interface{}
}

type Recorder struct {
	src  Source
	opts Options

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(src Source, opts Options) *Recorder {
	if opts.Encoder == nil {
		opts.Encoder = PassthroughEncoder{}
	}
	return &Recorder{src: src, opts: opts, stopCh: make(chan struct{}), done: make(chan struct{})}
}

// MIMEType reports the encoder's output format.
func (r *Recorder) MIMEType() string { return r.opts.Encoder.MIMEType() }

// Start subscribes to the source and begins accumulating.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true
	ch, cancel := r.src.Subscribe()
	go r.loop(ch, cancel)
	logging.Debugw("recorder: started", append(r.opts.LogFields, "mime", r.MIMEType())...)
	return nil
}

// Stop asks the recorder to stop and returns immediately. OnStop fires on
// the recorder goroutine once the source has been drained. Idempotent; a
// recorder that was never started completes at once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stopCh)
	if !r.started {
		r.started = true
		go r.finish()
	}
}

// Done is closed after OnStop has returned.
func (r *Recorder) Done() <-chan struct{} { return r.done }

func (r *Recorder) loop(ch <-chan []byte, cancel func()) {
	for {
		select {
		case frag, ok := <-ch:
			if !ok {
				// Source ended on its own (track stopped).
				cancel()
				r.finish()
				return
			}
			r.handle(frag)
		case <-r.stopCh:
			cancel()
			for frag := range ch {
				r.handle(frag)
			}
			r.finish()
			return
		}
	}
}

func (r *Recorder) handle(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	out, err := r.opts.Encoder.Encode(pcm)
	if err != nil {
		logging.Warnw("recorder: encode failed", append(r.opts.LogFields, "err", err)...)
		return
	}
	r.emit(out)
}

func (r *Recorder) emit(frag []byte) {
	if len(frag) == 0 || r.opts.OnData == nil {
		return
	}
	r.opts.OnData(frag)
}

func (r *Recorder) finish() {
	defer close(r.done)
	tail, err := r.opts.Encoder.Flush()
	if err != nil {
		logging.Warnw("recorder: flush failed", append(r.opts.LogFields, "err", err)...)
	} else {
		r.emit(tail)
	}
	logging.Debugw("recorder: stopped", r.opts.LogFields...)
	if r.opts.OnStop != nil {
		r.opts.OnStop()
	}
}

// PassthroughEncoder emits raw 16-bit little-endian PCM unchanged.
type PassthroughEncoder struct {
	SampleRate int
	Channels   int
}

func (PassthroughEncoder) Encode(pcm []byte) ([]byte, error) {
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

func (PassthroughEncoder) Flush() ([]byte, error) { return nil, nil }

func (e PassthroughEncoder) MIMEType() string {
	rate, ch := e.SampleRate, e.Channels
	if rate <= 0 {
		rate = 48000
	}
	if ch <= 0 {
		ch = 1
	}
	return fmt.Sprintf("audio/L16;rate=%d;channels=%d", rate, ch)
}
