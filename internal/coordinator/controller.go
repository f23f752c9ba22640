// Package coordinator implements the recording state machine. Entering
// Recording opens both channels and taps the live capture stream with the
// batched recorder and the frame sampler; leaving it stops both, and the
// recorder's asynchronous completion sends one consolidated media buffer on
// the transcript channel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/interview-practice-lab/internal/capture"
	"github.com/interview-practice-lab/internal/logging"
	"github.com/interview-practice-lab/internal/metrics"
	"github.com/interview-practice-lab/internal/recorder"
	"github.com/interview-practice-lab/internal/results"
	"github.com/interview-practice-lab/internal/sampler"
)

type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

var (
	// ErrNoCaptureSession is returned by Start when no stream is acquired.
	ErrNoCaptureSession = errors.New("no capture session")
	ErrClosed           = errors.New("controller closed")
)

const (
	DefaultTranscriptURL = "ws://localhost:8000/ws/transcript"
	DefaultExpressionURL = "ws://localhost:8000/ws/expression"

	// DefaultResultTimeout bounds how long a stopped session's transcript
	// channel is kept once a newer session has started.
	DefaultResultTimeout = 2 * time.Minute
)

// Streams is the capture side the controller depends on.
type Streams interface {
	Stream() *capture.Stream
	Release() error
}

// FlushResult describes what happened to a session's consolidated buffer.
type FlushResult struct {
	SessionID string `json:"session_id"`
	Bytes     int    `json:"bytes"`
	Chunks    int    `json:"chunks"`
	MIMEType  string `json:"mime_type"`
	Sent      bool   `json:"sent"`
}

// Observer is notified of session boundaries.
type Observer interface {
	SessionStarted(sessionID string)
	SessionFlushed(res FlushResult)
}

type Config struct {
	TranscriptURL string
	ExpressionURL string
	Sampler       sampler.Config
	// NewEncoder builds the recorder's encoder for each session.
	NewEncoder    func() (recorder.Encoder, error)
	Dial          Dialer
	Callbacks     results.Callbacks
	Observer      Observer
	ResultTimeout time.Duration
	Clock         clock.WithTicker
}

// Status is a point-in-time view of the controller.
type Status struct {
	State          string `json:"state"`
	SessionID      string `json:"session_id,omitempty"`
	TranscriptOpen bool   `json:"transcript_open"`
	ExpressionOpen bool   `json:"expression_open"`
}

// Controller owns every piece of session state: channels, recorder, sampler
// and the chunk buffer.
type Controller struct {
	cfg     Config
	streams Streams
	router  *results.Router

	mu         sync.Mutex
	state      State
	closed     bool
	sessionID  string
	transcript *pendingTranscript
	expression Channel
	exprCancel func()
	// retired are earlier sessions' transcript channels still awaiting a
	// result.
	retired map[*pendingTranscript]struct{}
	rec     *recorder.Recorder
	smp     *sampler.Sampler
	flushCh chan FlushResult
	// prevDone is the last stopped recorder's completion.
	prevDone <-chan struct{}
}

func New(streams Streams, cfg Config) *Controller {
	if cfg.TranscriptURL == "" {
		cfg.TranscriptURL = DefaultTranscriptURL
	}
	if cfg.ExpressionURL == "" {
		cfg.ExpressionURL = DefaultExpressionURL
	}
	if cfg.Dial == nil {
		cfg.Dial = DialWebsocket()
	}
	if cfg.NewEncoder == nil {
		cfg.NewEncoder = func() (recorder.Encoder, error) { return recorder.PassthroughEncoder{}, nil }
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = DefaultResultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Sampler.Clock == nil {
		cfg.Sampler.Clock = cfg.Clock
	}
	return &Controller{
		cfg:     cfg,
		streams: streams,
		router:  results.NewRouter(cfg.Callbacks),
		retired: make(map[*pendingTranscript]struct{}),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state.String(), SessionID: c.sessionID}
	if c.transcript != nil {
		st.TranscriptOpen = c.transcript.ch.IsOpen()
	}
	if c.expression != nil {
		st.ExpressionOpen = c.expression.IsOpen()
	}
	return st
}

// SetRecording is the edge-triggered external toggle. Only transitions have
// an effect; repeating the current level is a no-op.
func (c *Controller) SetRecording(ctx context.Context, on bool) error {
	if on {
		return c.Start(ctx)
	}
	c.Stop()
	return nil
}

// Start enters Recording. It is a no-op while already Recording.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state == Recording {
		return nil
	}
	stream := c.streams.Stream()
	if stream == nil {
		logging.Warnw("coordinator: start ignored", "err", ErrNoCaptureSession)
		return ErrNoCaptureSession
	}
	audio, video := stream.AudioTrack(), stream.VideoTrack()
	if audio == nil || video == nil {
		return fmt.Errorf("%w: stream %s lacks audio or video", ErrNoCaptureSession, stream.ID())
	}
	enc, err := c.cfg.NewEncoder()
	if err != nil {
		return fmt.Errorf("recorder encoder: %w", err)
	}

	// Let the previous session's flush finish on its own channel first.
	if c.prevDone != nil {
		select {
		case <-c.prevDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.prevDone = nil
	}
	c.retireLocked()

	id := uuid.NewString()
	fields := logging.SessionFields(id)
	ctx = logging.WithFields(ctx, fields...)
	buf := &chunkBuffer{}

	tr := newPendingTranscript(id, c.cfg.Dial(ctx, results.ChannelTranscript, c.cfg.TranscriptURL))
	c.transcript = tr
	c.expression = c.cfg.Dial(ctx, results.ChannelExpression, c.cfg.ExpressionURL)
	c.exprCancel = c.expression.OnMessage(c.router.HandleExpression)

	flushCh := make(chan FlushResult, 1)
	mime := enc.MIMEType()
	seal := func([]byte) {}
	if s, ok := enc.(recorder.Sealer); ok {
		seal = s.Seal
	}
	c.rec = recorder.New(audio, recorder.Options{
		Encoder:   enc,
		OnData:    buf.append,
		OnStop:    func() { c.flush(buf, tr, mime, seal, flushCh) },
		LogFields: fields,
	})
	if err := c.rec.Start(); err != nil {
		c.rec = nil
		c.closeSessionLocked()
		return err
	}
	c.smp = sampler.New(c.cfg.Sampler, video, c.expression, fields...)
	c.smp.Start()

	c.state = Recording
	c.sessionID = id
	c.flushCh = flushCh
	metrics.RecordSessionStart()
	if c.cfg.Observer != nil {
		c.cfg.Observer.SessionStarted(id)
	}
	logging.InfowCtx(ctx, "coordinator: recording started",
		"transcript_url", c.cfg.TranscriptURL, "expression_url", c.cfg.ExpressionURL, "mime", mime)
	return nil
}

// Stop leaves Recording. The recorder stops asynchronously; the returned
// channel yields the flush outcome once it has happened and is then closed.
// The sampler is cancelled before Stop returns. Neither channel is closed.
// While Idle, Stop is a no-op and returns an already closed channel.
func (c *Controller) Stop() <-chan FlushResult {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		ch := make(chan FlushResult)
		close(ch)
		return ch
	}
	rec, smp := c.rec, c.smp
	c.rec, c.smp = nil, nil

	rec.Stop()
	c.prevDone = rec.Done()
	// Transcript results are only expected after the flush.
	c.transcript.subscribe(c.router)

	c.state = Idle
	flushCh := c.flushCh
	fields := logging.SessionFields(c.sessionID)
	metrics.RecordSessionStop()
	c.mu.Unlock()

	// Joining an in-flight tick can take as long as its send; Status and
	// Start stay responsive meanwhile.
	smp.Stop()
	logging.Infow("coordinator: recording stopped", fields...)
	return flushCh
}

// flush runs on the recorder goroutine after the last chunk was appended.
func (c *Controller) flush(buf *chunkBuffer, tr *pendingTranscript, mime string, seal func([]byte), out chan<- FlushResult) {
	data, chunks := buf.drain()
	res := FlushResult{SessionID: tr.sessionID, Bytes: len(data), Chunks: chunks, MIMEType: mime}
	fields := logging.SessionFields(tr.sessionID)

	switch {
	case len(data) == 0:
		metrics.RecordMediaBuffer(metrics.StatusSkipped, 0)
		logging.Infow("coordinator: no media captured", fields...)
	default:
		seal(data)
		if tr.ch.Send(data) {
			res.Sent = true
			tr.sent.Store(true)
			metrics.RecordMediaBuffer(metrics.StatusSent, len(data))
			logging.Infow("coordinator: media buffer sent", append(fields, "bytes", len(data), "chunks", chunks)...)
			break
		}
		// Known data-loss path: no retry.
		metrics.RecordMediaBuffer(metrics.StatusDropped, len(data))
		logging.Warnw("coordinator: transcript channel not open, media buffer dropped", append(fields, "bytes", len(data), "chunks", chunks)...)
	}

	if c.cfg.Observer != nil {
		c.cfg.Observer.SessionFlushed(res)
	}
	out <- res
	close(out)
}

// Close tears everything down regardless of state: sampler, recorder, device
// tracks and channels, including transcript channels of earlier sessions
// still awaiting a result. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.smp != nil {
		c.smp.Stop()
		c.smp = nil
	}
	if c.rec != nil {
		c.rec.Stop()
		c.prevDone = c.rec.Done()
		c.rec = nil
	}
	if c.state == Recording {
		metrics.RecordSessionStop()
	}
	c.state = Idle

	var err error
	if c.streams != nil {
		err = multierr.Append(err, c.streams.Release())
	}
	if c.prevDone != nil {
		<-c.prevDone
		c.prevDone = nil
	}
	err = multierr.Append(err, c.closeSessionLocked())
	for p := range c.retired {
		err = multierr.Append(err, p.close())
		delete(c.retired, p)
	}
	logging.Infow("coordinator: closed", "err", err)
	return err
}

// retireLocked ends the previous session before a new one starts. Its
// expression channel is closed. Its transcript channel stays subscribed until
// the session's result arrives, the remote ends it or ResultTimeout passes;
// a channel whose buffer never went out has nothing to wait for.
func (c *Controller) retireLocked() {
	if c.exprCancel != nil {
		c.exprCancel()
		c.exprCancel = nil
	}
	if c.expression != nil {
		if err := c.expression.Close(); err != nil {
			logging.Debugw("coordinator: close expression channel", "err", err)
		}
		c.expression = nil
	}
	tr := c.transcript
	c.transcript = nil
	if tr == nil {
		return
	}
	if !tr.sent.Load() {
		if err := tr.close(); err != nil {
			logging.Debugw("coordinator: close transcript channel", append(logging.SessionFields(tr.sessionID), "err", err)...)
		}
		return
	}
	c.retired[tr] = struct{}{}
	timer := c.cfg.Clock.NewTimer(c.cfg.ResultTimeout)
	go c.awaitResult(tr, timer)
}

func (c *Controller) awaitResult(tr *pendingTranscript, timer clock.Timer) {
	defer timer.Stop()
	fields := logging.SessionFields(tr.sessionID)
	select {
	case <-tr.got:
		logging.Debugw("coordinator: transcript result received after next session started", fields...)
	case <-tr.ch.Done():
	case <-timer.C():
		logging.Warnw("coordinator: no transcript result, channel discarded", append(fields, "timeout", c.cfg.ResultTimeout.String())...)
	case <-tr.released:
		return
	}
	if err := tr.close(); err != nil {
		logging.Debugw("coordinator: close transcript channel", append(fields, "err", err)...)
	}
	c.mu.Lock()
	delete(c.retired, tr)
	c.mu.Unlock()
}

// closeSessionLocked closes the current session's channels outright.
func (c *Controller) closeSessionLocked() error {
	var err error
	if c.exprCancel != nil {
		c.exprCancel()
		c.exprCancel = nil
	}
	if c.expression != nil {
		err = multierr.Append(err, c.expression.Close())
		c.expression = nil
	}
	if c.transcript != nil {
		err = multierr.Append(err, c.transcript.close())
		c.transcript = nil
	}
	return err
}

// pendingTranscript is one session's transcript channel together with its
// result subscription.
type pendingTranscript struct {
	sessionID string
	ch        Channel
	// sent is set by the flush once the buffer went out.
	sent atomic.Bool

	got     chan struct{}
	gotOnce sync.Once

	cancel   func()
	release  sync.Once
	released chan struct{}
}

func newPendingTranscript(sessionID string, ch Channel) *pendingTranscript {
	return &pendingTranscript{
		sessionID: sessionID,
		ch:        ch,
		got:       make(chan struct{}),
		released:  make(chan struct{}),
	}
}

func (p *pendingTranscript) subscribe(router *results.Router) {
	p.cancel = p.ch.OnMessage(func(payload []byte) error {
		if err := router.HandleTranscript(payload); err != nil {
			return err
		}
		p.gotOnce.Do(func() { close(p.got) })
		return nil
	})
}

func (p *pendingTranscript) close() error {
	var err error
	p.release.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		err = p.ch.Close()
		close(p.released)
	})
	return err
}

// chunkBuffer is the ordered media fragment list for one session. It is only
// touched from the recorder goroutine.
type chunkBuffer struct {
	chunks [][]byte
	size   int
}

func (b *chunkBuffer) append(frag []byte) {
	b.chunks = append(b.chunks, frag)
	b.size += len(frag)
}

// drain concatenates every fragment in append order and clears the buffer.
func (b *chunkBuffer) drain() ([]byte, int) {
	n := len(b.chunks)
	if n == 0 {
		return nil, 0
	}
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	b.chunks, b.size = nil, 0
	return out, n
}
