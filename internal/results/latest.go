package results

import (
	"sync"
	"time"
)

// Snapshot is the most recent value of each result kind.
type Snapshot struct {
	Transcript string    `json:"transcript"`
	Expression string    `json:"expression"`
	Feedback   *Feedback `json:"feedback,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Latest keeps the last transcript, expression and feedback seen. It is the
// state a presentation layer would render.
type Latest struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

func NewLatest() *Latest {
	return &Latest{now: time.Now}
}

// Callbacks returns callbacks that update l.
func (l *Latest) Callbacks() Callbacks {
	return Callbacks{
		OnTranscriptUpdate: func(text string) {
			l.update(func(s *Snapshot) { s.Transcript = text })
		},
		OnExpressionUpdate: func(label string) {
			l.update(func(s *Snapshot) { s.Expression = label })
		},
		OnFeedbackUpdate: func(fb *Feedback) {
			l.update(func(s *Snapshot) { s.Feedback = fb })
		},
	}
}

func (l *Latest) update(fn func(*Snapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.snap)
	l.snap.UpdatedAt = l.now()
}

// Snapshot returns a copy of the current values.
func (l *Latest) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.snap
	if s.Feedback != nil {
		fb := *s.Feedback
		s.Feedback = &fb
	}
	return s
}
