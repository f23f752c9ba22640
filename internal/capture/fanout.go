package capture

import (
	"sync"
	"sync/atomic"

	"github.com/interview-practice-lab/internal/logging"
	"github.com/interview-practice-lab/internal/metrics"
)

const subscriberBuffer = 256

// fanout delivers PCM chunks to every subscriber without blocking the
// capture loop; a subscriber that falls behind loses chunks.
type fanout struct {
	trackID string

	mu      sync.Mutex
	subs    map[uint64]*subscriber
	next    uint64
	closed  bool
	dropped atomic.Int64
}

type subscriber struct {
	ch chan []byte
	// lagging is set from the first lost chunk until a chunk is taken again.
	lagging bool
	lost    int64
}

func newFanout(trackID string) *fanout {
	return &fanout{trackID: trackID, subs: make(map[uint64]*subscriber)}
}

func (f *fanout) Subscribe() (<-chan []byte, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan []byte, subscriberBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.next++
	id := f.next
	f.subs[id] = &subscriber{ch: ch}
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(s.ch)
		}
	}
}

func (f *fanout) publish(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.subs {
		select {
		case s.ch <- chunk:
			if s.lagging {
				s.lagging = false
				logging.Infow("capture: audio subscriber caught up",
					append(logging.TrackFields(f.trackID, string(KindAudio)), "subscriber", id, "lost_chunks", s.lost)...)
			}
		default:
			f.dropped.Add(1)
			s.lost++
			metrics.RecordAudioDrop()
			if !s.lagging {
				s.lagging = true
				logging.Warnw("capture: audio subscriber lagging, dropping chunks",
					append(logging.TrackFields(f.trackID, string(KindAudio)), "subscriber", id, "buffer", subscriberBuffer)...)
			}
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, s := range f.subs {
		delete(f.subs, id)
		close(s.ch)
	}
}
