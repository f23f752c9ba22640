package coordinator

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/interview-practice-lab/internal/capture"
	"github.com/interview-practice-lab/internal/recorder"
	"github.com/interview-practice-lab/internal/results"
	"github.com/interview-practice-lab/internal/sampler"
)

// fakeChannel is an in-memory Channel whose open state the test drives.
type fakeChannel struct {
	name string
	open atomic.Bool

	mu       sync.Mutex
	sent     [][]byte
	handlers map[int]func([]byte) error
	nextID   int
	closed   bool

	done     chan struct{}
	doneOnce sync.Once

	// gate, when set, holds every Send until it is closed; entered is
	// signalled as each Send starts waiting.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeChannel(name string, open bool) *fakeChannel {
	f := &fakeChannel{name: name, handlers: map[int]func([]byte) error{}, done: make(chan struct{})}
	f.open.Store(open)
	return f
}

func (f *fakeChannel) IsOpen() bool { return f.open.Load() }

func (f *fakeChannel) Send(data []byte) bool {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	if !f.open.Load() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return true
}

func (f *fakeChannel) OnMessage(fn func([]byte) error) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.handlers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeChannel) Done() <-chan struct{} { return f.done }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.remoteClose()
	return nil
}

// remoteClose ends the channel from the far side.
func (f *fakeChannel) remoteClose() {
	f.open.Store(false)
	f.doneOnce.Do(func() { close(f.done) })
}

// deliver simulates an inbound message; it reports how many handlers ran.
func (f *fakeChannel) deliver(payload string) int {
	f.mu.Lock()
	hs := make([]func([]byte) error, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		_ = h([]byte(payload))
	}
	return len(hs)
}

func (f *fakeChannel) sends() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeAudio struct {
	mu        sync.Mutex
	ch        chan []byte
	cancelled bool
	live      atomic.Bool
}

func newFakeAudio() *fakeAudio {
	a := &fakeAudio{}
	a.live.Store(true)
	return a
}

func (a *fakeAudio) ID() string              { return "mic" }
func (a *fakeAudio) Kind() capture.TrackKind { return capture.KindAudio }
func (a *fakeAudio) Live() bool              { return a.live.Load() }
func (a *fakeAudio) Stop() error {
	a.live.Store(false)
	return nil
}

func (a *fakeAudio) Subscribe() (<-chan []byte, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ch = make(chan []byte, 64)
	a.cancelled = false
	ch := a.ch
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.ch == ch && !a.cancelled {
			a.cancelled = true
			close(ch)
		}
	}
}

func (a *fakeAudio) push(b []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil && !a.cancelled {
		a.ch <- b
	}
}

type fakeVideo struct{ live atomic.Bool }

func (v *fakeVideo) ID() string              { return "cam" }
func (v *fakeVideo) Kind() capture.TrackKind { return capture.KindVideo }
func (v *fakeVideo) Live() bool              { return v.live.Load() }
func (v *fakeVideo) Stop() error {
	v.live.Store(false)
	return nil
}
func (v *fakeVideo) CurrentFrame() (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 320, 240)), nil
}

type fakeStreams struct {
	mu     sync.Mutex
	stream *capture.Stream
}

func (s *fakeStreams) Stream() *capture.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *fakeStreams) Release() error {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Stop()
}

type harness struct {
	t      *testing.T
	clock  *clocktesting.FakeClock
	audio  *fakeAudio
	stream *capture.Stream
	ctrl   *Controller

	mu         sync.Mutex
	dialed     []*fakeChannel
	openOnDial map[string]bool
	dialHook   func(*fakeChannel)

	cbMu        sync.Mutex
	transcripts []string
	expressions []string
	feedback    []*results.Feedback
}

func newHarness(t *testing.T, withStream bool) *harness {
	h := &harness{
		t:          t,
		clock:      clocktesting.NewFakeClock(time.Unix(0, 0)),
		audio:      newFakeAudio(),
		openOnDial: map[string]bool{results.ChannelTranscript: true, results.ChannelExpression: true},
	}
	video := &fakeVideo{}
	video.live.Store(true)
	streams := &fakeStreams{}
	if withStream {
		h.stream = capture.NewStream(h.audio, video)
		streams.stream = h.stream
	}
	h.ctrl = New(streams, Config{
		Sampler: sampler.Config{Clock: h.clock},
		Dial: func(_ context.Context, name, _ string) Channel {
			h.mu.Lock()
			defer h.mu.Unlock()
			ch := newFakeChannel(name, h.openOnDial[name])
			if h.dialHook != nil {
				h.dialHook(ch)
			}
			h.dialed = append(h.dialed, ch)
			return ch
		},
		Callbacks: results.Callbacks{
			OnTranscriptUpdate: func(s string) {
				h.cbMu.Lock()
				defer h.cbMu.Unlock()
				h.transcripts = append(h.transcripts, s)
			},
			OnExpressionUpdate: func(s string) {
				h.cbMu.Lock()
				defer h.cbMu.Unlock()
				h.expressions = append(h.expressions, s)
			},
			OnFeedbackUpdate: func(fb *results.Feedback) {
				h.cbMu.Lock()
				defer h.cbMu.Unlock()
				h.feedback = append(h.feedback, fb)
			},
		},
	})
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

// channels returns the transcript and expression channels of the n-th
// session (0-based).
func (h *harness) channels(n int) (*fakeChannel, *fakeChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.GreaterOrEqual(h.t, len(h.dialed), 2*(n+1), "session %d not dialed", n)
	return h.dialed[2*n], h.dialed[2*n+1]
}

func (h *harness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dialed)
}

// tick advances the sampler by one interval and waits for want expression
// sends.
func (h *harness) tick(expr *fakeChannel, want int) {
	h.t.Helper()
	require.Eventually(h.t, h.clock.HasWaiters, time.Second, time.Millisecond)
	h.clock.Step(sampler.DefaultInterval)
	require.Eventually(h.t, func() bool { return len(expr.sends()) == want }, time.Second, time.Millisecond)
}

func waitFlush(t *testing.T, ch <-chan FlushResult) FlushResult {
	t.Helper()
	select {
	case res, ok := <-ch:
		require.True(t, ok, "flush channel closed without a result")
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not complete")
		return FlushResult{}
	}
}

func TestStartWithoutCaptureSession(t *testing.T) {
	h := newHarness(t, false)
	err := h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, ErrNoCaptureSession)
	assert.Equal(t, Idle, h.ctrl.State())
	assert.Zero(t, h.dialCount())
}

func TestTwoSecondSessionSendsFourFramesAndOneBuffer(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.Equal(t, Recording, h.ctrl.State())
	tr, expr := h.channels(0)

	h.audio.push([]byte("aa"))
	for i := 1; i <= 4; i++ {
		h.tick(expr, i)
		if i == 2 {
			h.audio.push([]byte("bb"))
		}
	}
	h.audio.push([]byte("cc"))

	res := waitFlush(t, h.ctrl.Stop())
	assert.Equal(t, Idle, h.ctrl.State())
	assert.True(t, res.Sent)
	assert.Equal(t, 6, res.Bytes)
	assert.Equal(t, 3, res.Chunks)

	assert.Len(t, expr.sends(), 4)
	sent := tr.sends()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("aabbcc"), sent[0])
	assert.False(t, tr.isClosed(), "stop does not close channels")
	assert.False(t, expr.isClosed(), "stop does not close channels")
}

func TestImmediateStopProducesNoTicks(t *testing.T) {
	h := newHarness(t, true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if err := h.ctrl.Start(context.Background()); err != nil {
				t.Error(err)
				return
			}
			<-h.ctrl.Stop()
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("back-to-back start and stop did not return")
	}

	h.clock.Step(10 * sampler.DefaultInterval)
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 50; i++ {
		tr, expr := h.channels(i)
		assert.Empty(t, expr.sends(), "session %d ticked", i)
		assert.Empty(t, tr.sends(), "session %d had no audio", i)
	}
}

func TestImmediateStopWithChunk(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))
	tr, expr := h.channels(0)
	h.audio.push([]byte{1, 2, 3})

	res := waitFlush(t, h.ctrl.Stop())
	assert.True(t, res.Sent)

	h.clock.Step(10 * sampler.DefaultInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, expr.sends())
	require.Len(t, tr.sends(), 1)
	assert.Equal(t, []byte{1, 2, 3}, tr.sends()[0])
}

func TestImmediateStopWithoutChunks(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))
	tr, _ := h.channels(0)

	res := waitFlush(t, h.ctrl.Stop())
	assert.False(t, res.Sent)
	assert.Zero(t, res.Bytes)
	assert.Empty(t, tr.sends())
}

func TestBufferDroppedWhenTranscriptNotOpen(t *testing.T) {
	h := newHarness(t, true)
	h.openOnDial[results.ChannelTranscript] = false

	require.NoError(t, h.ctrl.Start(context.Background()))
	tr, _ := h.channels(0)
	h.audio.push([]byte("lost"))

	res := waitFlush(t, h.ctrl.Stop())
	assert.False(t, res.Sent, "documented data loss, not an error")
	assert.Equal(t, 4, res.Bytes)
	assert.Empty(t, tr.sends())

	// The dropped buffer must not leak into the next session, and nothing
	// is awaited on a channel that never carried it.
	h.openOnDial[results.ChannelTranscript] = true
	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.True(t, tr.isClosed())
	tr2, _ := h.channels(1)
	h.audio.push([]byte("kept"))
	res = waitFlush(t, h.ctrl.Stop())
	assert.True(t, res.Sent)
	require.Len(t, tr2.sends(), 1)
	assert.Equal(t, []byte("kept"), tr2.sends()[0])
}

func TestExpressionChannelFailsMidSession(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))
	tr, expr := h.channels(0)
	h.audio.push([]byte("x"))

	h.tick(expr, 1)
	h.tick(expr, 2)
	expr.open.Store(false)
	for i := 0; i < 2; i++ {
		require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)
		h.clock.Step(sampler.DefaultInterval)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, expr.sends(), 2, "ticks after failure are skipped")

	res := waitFlush(t, h.ctrl.Stop())
	assert.True(t, res.Sent)
	assert.Len(t, tr.sends(), 1)
}

func TestExpressionResultsIndependentOfState(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))
	_, expr := h.channels(0)

	assert.Equal(t, 1, expr.deliver(`{"expression":"happy"}`))
	waitFlush(t, h.ctrl.Stop())
	assert.Equal(t, 1, expr.deliver(`{"expression":"neutral"}`))

	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	assert.Equal(t, []string{"happy", "neutral"}, h.expressions)
}

func TestTranscriptHandlerRegisteredAtStop(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))
	tr, _ := h.channels(0)

	assert.Zero(t, tr.deliver(`{"transcript":"too early"}`), "no transcript subscriber while recording")

	waitFlush(t, h.ctrl.Stop())
	assert.Equal(t, 1, tr.deliver(`{"transcript":"hello","feedback":{"feedback":"ok","score_detail":{"speed":30,"filler":35,"pitch":18},"total_score_normalized":0.83}}`))

	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	assert.Equal(t, []string{"hello"}, h.transcripts)
	require.Len(t, h.feedback, 1)
	assert.InDelta(t, 0.83, h.feedback[0].TotalScoreNormalized, 1e-9)
}

func TestReentrantToggles(t *testing.T) {
	h := newHarness(t, true)

	closed := h.ctrl.Stop()
	_, ok := <-closed
	assert.False(t, ok, "stop while idle yields no flush")

	require.NoError(t, h.ctrl.SetRecording(context.Background(), true))
	require.NoError(t, h.ctrl.SetRecording(context.Background(), true))
	assert.Equal(t, 2, h.dialCount(), "second start is a no-op")

	first := h.ctrl.Stop()
	second := h.ctrl.Stop()
	waitFlush(t, first)
	_, ok = <-second
	assert.False(t, ok)
	require.NoError(t, h.ctrl.SetRecording(context.Background(), false))
	assert.Equal(t, Idle, h.ctrl.State())
}

// stopSentSession records one chunk and stops, so the session's buffer went
// out on its transcript channel.
func (h *harness) stopSentSession() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Start(context.Background()))
	h.audio.push([]byte("speech"))
	res := waitFlush(h.t, h.ctrl.Stop())
	require.True(h.t, res.Sent)
}

func TestLateTranscriptDeliveredAfterNextStart(t *testing.T) {
	h := newHarness(t, true)
	h.stopSentSession()
	tr1, expr1 := h.channels(0)

	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.True(t, expr1.isClosed())
	assert.Zero(t, expr1.deliver(`{"expression":"stale"}`), "old subscriptions are cancelled")
	assert.False(t, tr1.isClosed(), "transcript channel awaits its result")

	assert.Equal(t, 1, tr1.deliver(`{"transcript":"first answer"}`))
	require.Eventually(t, tr1.isClosed, time.Second, time.Millisecond)
	assert.Zero(t, tr1.deliver(`{"transcript":"again"}`))
	assert.Len(t, tr1.sends(), 1, "nothing sent on a retired channel")

	tr2, expr2 := h.channels(1)
	assert.False(t, tr2.isClosed())
	assert.False(t, expr2.isClosed())

	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	assert.Equal(t, []string{"first answer"}, h.transcripts)
}

func TestRetiredTranscriptReleasedWhenRemoteCloses(t *testing.T) {
	h := newHarness(t, true)
	h.stopSentSession()
	tr1, _ := h.channels(0)
	require.NoError(t, h.ctrl.Start(context.Background()))

	tr1.remoteClose()
	require.Eventually(t, tr1.isClosed, time.Second, time.Millisecond)
	assert.Zero(t, tr1.deliver(`{"transcript":"late"}`))
}

func TestRetiredTranscriptReleasedAfterTimeout(t *testing.T) {
	h := newHarness(t, true)
	fc := clocktesting.NewFakeClock(time.Unix(0, 0))
	h.ctrl.cfg.Clock = fc
	h.ctrl.cfg.ResultTimeout = time.Minute

	h.stopSentSession()
	tr1, _ := h.channels(0)
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	assert.False(t, tr1.isClosed())

	fc.Step(time.Minute)
	require.Eventually(t, tr1.isClosed, time.Second, time.Millisecond)
}

func TestCloseReleasesRetiredTranscripts(t *testing.T) {
	h := newHarness(t, true)
	h.stopSentSession()
	tr1, _ := h.channels(0)
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.False(t, tr1.isClosed())

	require.NoError(t, h.ctrl.Close())
	assert.True(t, tr1.isClosed())
	assert.Zero(t, tr1.deliver(`{"transcript":"late"}`))
}

func TestStatusNotBlockedByInFlightTick(t *testing.T) {
	h := newHarness(t, true)
	h.dialHook = func(ch *fakeChannel) {
		if ch.name == results.ChannelExpression {
			ch.gate = make(chan struct{})
			ch.entered = make(chan struct{}, 1)
		}
	}
	require.NoError(t, h.ctrl.Start(context.Background()))
	_, expr := h.channels(0)

	require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)
	h.clock.Step(sampler.DefaultInterval)
	select {
	case <-expr.entered:
	case <-time.After(time.Second):
		t.Fatal("tick did not reach the expression channel")
	}

	stopped := make(chan (<-chan FlushResult), 1)
	go func() { stopped <- h.ctrl.Stop() }()

	status := make(chan Status, 1)
	go func() {
		for h.ctrl.State() != Idle {
			time.Sleep(time.Millisecond)
		}
		status <- h.ctrl.Status()
	}()
	select {
	case st := <-status:
		assert.Equal(t, "idle", st.State)
	case <-time.After(2 * time.Second):
		t.Fatal("status blocked behind the sampler")
	}
	select {
	case <-stopped:
		t.Fatal("stop returned before the in-flight tick finished")
	default:
	}

	close(expr.gate)
	select {
	case flush := <-stopped:
		waitFlush(t, flush)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.Len(t, expr.sends(), 1)
}

func TestTrackCountAcrossTogglesAndClose(t *testing.T) {
	h := newHarness(t, true)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.ctrl.Start(context.Background()))
		assert.Equal(t, 2, h.stream.ActiveTracks())
		waitFlush(t, h.ctrl.Stop())
		assert.Equal(t, 2, h.stream.ActiveTracks())
	}
	require.NoError(t, h.ctrl.Start(context.Background()))
	_, expr := h.channels(3)

	require.NoError(t, h.ctrl.Close())
	assert.Equal(t, 0, h.stream.ActiveTracks())
	assert.Equal(t, Idle, h.ctrl.State())
	assert.True(t, expr.isClosed())
	before := len(expr.sends())
	h.clock.Step(10 * sampler.DefaultInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, len(expr.sends()), "sampler cleared on close")

	require.NoError(t, h.ctrl.Close())
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrClosed)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, true)
	assert.Equal(t, Status{State: "idle"}, h.ctrl.Status())

	require.NoError(t, h.ctrl.Start(context.Background()))
	st := h.ctrl.Status()
	assert.Equal(t, "recording", st.State)
	assert.NotEmpty(t, st.SessionID)
	assert.True(t, st.TranscriptOpen)
	assert.True(t, st.ExpressionOpen)
}

type recordingObserver struct {
	mu      sync.Mutex
	started []string
	flushed []FlushResult
}

func (o *recordingObserver) SessionStarted(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, id)
}

func (o *recordingObserver) SessionFlushed(res FlushResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushed = append(o.flushed, res)
}

func TestObserverSeesSessionBoundaries(t *testing.T) {
	h := newHarness(t, true)
	obs := &recordingObserver{}
	h.ctrl.cfg.Observer = obs

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.audio.push([]byte("zz"))
	res := waitFlush(t, h.ctrl.Stop())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.started, 1)
	require.Len(t, obs.flushed, 1)
	assert.Equal(t, obs.started[0], res.SessionID)
	assert.Equal(t, res, obs.flushed[0])
}

func TestEncoderErrorLeavesIdle(t *testing.T) {
	h := newHarness(t, true)
	boom := errors.New("no codec")
	h.ctrl.cfg.NewEncoder = func() (recorder.Encoder, error) { return nil, boom }

	require.ErrorIs(t, h.ctrl.Start(context.Background()), boom)
	assert.Equal(t, Idle, h.ctrl.State())
	assert.Zero(t, h.dialCount())
}

func TestChunkBufferDrain(t *testing.T) {
	var b chunkBuffer
	data, n := b.drain()
	assert.Nil(t, data)
	assert.Zero(t, n)

	b.append([]byte("ab"))
	b.append([]byte("c"))
	data, n = b.drain()
	assert.True(t, bytes.Equal([]byte("abc"), data))
	assert.Equal(t, 2, n)
	data, _ = b.drain()
	assert.Nil(t, data)
}
