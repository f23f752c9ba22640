package recorder

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// fakeSource queues fragments for one subscriber and closes the channel on
// cancel after what was already queued.
type fakeSource struct {
	mu        sync.Mutex
	ch        chan []byte
	cancelled bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan []byte, 64)}
}

func (f *fakeSource) Subscribe() (<-chan []byte, func()) {
	return f.ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.cancelled {
			f.cancelled = true
			close(f.ch)
		}
	}
}

func (f *fakeSource) push(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cancelled {
		f.ch <- b
	}
}

type sink struct {
	mu    sync.Mutex
	frags [][]byte
}

func (s *sink) add(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frags = append(s.frags, b)
}

func (s *sink) joined() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.frags, nil)
}

func waitDone(t *testing.T, r *Recorder) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not finish")
	}
}

func TestFragmentsDeliveredInOrderBeforeStop(t *testing.T) {
	src := newFakeSource()
	out := &sink{}
	var atStop []byte
	var r *Recorder
	r = New(src, Options{
		OnData: out.add,
		OnStop: func() { atStop = out.joined() },
	})
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := byte(0); i < 10; i++ {
		src.push([]byte{i, i})
	}
	r.Stop()
	waitDone(t, r)

	want := []byte{0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9}
	if !bytes.Equal(atStop, want) {
		t.Fatalf("OnStop must observe every fragment in order: got %v", atStop)
	}
}

func TestEmptyFragmentsSkipped(t *testing.T) {
	src := newFakeSource()
	calls := 0
	r := New(src, Options{OnData: func([]byte) { calls++ }})
	_ = r.Start()
	src.push(nil)
	src.push([]byte{})
	src.push([]byte{1, 2})
	r.Stop()
	waitDone(t, r)
	if calls != 1 {
		t.Fatalf("want 1 OnData call, got %d", calls)
	}
}

func TestStopIdempotentAndOnStopOnce(t *testing.T) {
	src := newFakeSource()
	var mu sync.Mutex
	stops := 0
	r := New(src, Options{OnStop: func() {
		mu.Lock()
		stops++
		mu.Unlock()
	}})
	_ = r.Start()
	if err := r.Start(); err != ErrAlreadyStarted {
		t.Fatalf("second start: want ErrAlreadyStarted got %v", err)
	}
	r.Stop()
	r.Stop()
	waitDone(t, r)
	mu.Lock()
	defer mu.Unlock()
	if stops != 1 {
		t.Fatalf("OnStop calls: want 1 got %d", stops)
	}
}

func TestStopWithoutStartCompletes(t *testing.T) {
	stopped := make(chan struct{})
	r := New(newFakeSource(), Options{OnStop: func() { close(stopped) }})
	r.Stop()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("OnStop not called")
	}
}

func TestSourceEndFinishesRecorder(t *testing.T) {
	src := newFakeSource()
	out := &sink{}
	r := New(src, Options{OnData: out.add})
	_ = r.Start()
	src.push([]byte{7})
	_, cancel := src.Subscribe()
	cancel()
	waitDone(t, r)
	if got := out.joined(); !bytes.Equal(got, []byte{7}) {
		t.Fatalf("got %v", got)
	}
	r.Stop()
}

func TestPassthroughMIMEType(t *testing.T) {
	if got := (PassthroughEncoder{}).MIMEType(); got != "audio/L16;rate=48000;channels=1" {
		t.Fatalf("default mime: %s", got)
	}
	if got := (PassthroughEncoder{SampleRate: 16000, Channels: 2}).MIMEType(); got != "audio/L16;rate=16000;channels=2" {
		t.Fatalf("mime: %s", got)
	}
}
