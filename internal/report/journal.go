// Package report keeps a per-session JSON record of the analysis results
// (never the captured media) in a directory, and prunes old records.
package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/interview-practice-lab/internal/coordinator"
	"github.com/interview-practice-lab/internal/logging"
	"github.com/interview-practice-lab/internal/results"
)

const filePrefix = "session-"

type ExpressionSample struct {
	At    time.Time `json:"at"`
	Label string    `json:"label"`
}

// Report is the on-disk record of one recording session.
type Report struct {
	SessionID   string                   `json:"session_id"`
	StartedAt   time.Time                `json:"started_at"`
	FlushedAt   *time.Time               `json:"flushed_at,omitempty"`
	Media       *coordinator.FlushResult `json:"media,omitempty"`
	Transcript  string                   `json:"transcript,omitempty"`
	Feedback    *results.Feedback        `json:"feedback,omitempty"`
	Expressions []ExpressionSample       `json:"expressions"`
}

// maxAwaiting bounds the sessions kept waiting for a transcript.
const maxAwaiting = 8

// Journal records sessions into Dir. It observes the controller for session
// boundaries and the result callbacks for content. A transcript belongs to
// the oldest session whose buffer was sent and is still unanswered, and the
// feedback that follows it to the same session; expressions go to the most
// recent session. A nil Journal is a no-op.
type Journal struct {
	dir string
	now func() time.Time

	mu       sync.Mutex
	current  *Report
	awaiting []*Report
	// answered received the last transcript and takes its feedback.
	answered *Report
}

// NewJournal returns nil when dir is empty.
func NewJournal(dir string) *Journal {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Journal{dir: dir, now: time.Now}
}

// Path returns the report file for a session id.
func (j *Journal) Path(sessionID string) string {
	return filepath.Join(j.dir, filePrefix+sessionID+".json")
}

func (j *Journal) SessionStarted(sessionID string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current != nil {
		j.saveLocked(j.current)
	}
	j.current = &Report{SessionID: sessionID, StartedAt: j.now(), Expressions: []ExpressionSample{}}
}

func (j *Journal) SessionFlushed(res coordinator.FlushResult) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil || j.current.SessionID != res.SessionID {
		return
	}
	at := j.now()
	j.current.FlushedAt = &at
	j.current.Media = &res
	if res.Sent {
		j.awaiting = append(j.awaiting, j.current)
		if len(j.awaiting) > maxAwaiting {
			j.awaiting = j.awaiting[1:]
		}
	}
	j.saveLocked(j.current)
}

// Callbacks returns result callbacks feeding the current session.
func (j *Journal) Callbacks() results.Callbacks {
	if j == nil {
		return results.Callbacks{}
	}
	return results.Callbacks{
		OnTranscriptUpdate: func(text string) {
			j.mu.Lock()
			defer j.mu.Unlock()
			r := j.current
			if len(j.awaiting) > 0 {
				r, j.awaiting = j.awaiting[0], j.awaiting[1:]
			}
			j.answered = r
			if r == nil {
				return
			}
			r.Transcript = text
			j.saveLocked(r)
		},
		OnFeedbackUpdate: func(fb *results.Feedback) {
			j.mu.Lock()
			defer j.mu.Unlock()
			r := j.answered
			if r == nil {
				r = j.current
			}
			if r == nil {
				return
			}
			r.Feedback = fb
			j.saveLocked(r)
		},
		OnExpressionUpdate: func(label string) {
			at := j.now()
			j.mu.Lock()
			defer j.mu.Unlock()
			if j.current == nil {
				return
			}
			j.current.Expressions = append(j.current.Expressions, ExpressionSample{At: at, Label: label})
		},
	}
}

// Close writes the current session, if any.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return nil
	}
	err := j.saveLocked(j.current)
	j.current = nil
	j.awaiting, j.answered = nil, nil
	return err
}

func (j *Journal) saveLocked(r *Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report %s: %w", r.SessionID, err)
	}
	path := j.Path(r.SessionID)
	if err := SaveFileAtomic(path, b, 0o644); err != nil {
		logging.Warnw("report: save failed", append(logging.SessionFields(r.SessionID), "path", path, "err", err)...)
		return fmt.Errorf("save report %s: %w", path, err)
	}
	logging.Debugw("report: saved", append(logging.SessionFields(r.SessionID), "path", path)...)
	return nil
}
