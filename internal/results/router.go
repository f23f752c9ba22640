// Package results decodes inbound analysis payloads from the two channels and
// dispatches them to presentation callbacks.
package results

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/interview-practice-lab/internal/logging"
	"github.com/interview-practice-lab/internal/metrics"
)

// Channel names, also used as metric and log labels.
const (
	ChannelTranscript = "transcript"
	ChannelExpression = "expression"
)

// ScoreDetail is the per-axis breakdown of the feedback score.
// Speed and Filler range 0–40, Pitch 0–20.
type ScoreDetail struct {
	Speed  float64 `json:"speed"`
	Filler float64 `json:"filler"`
	Pitch  float64 `json:"pitch"`
}

// Feedback is the remote-computed interview score delivered once per session.
type Feedback struct {
	Feedback             string      `json:"feedback"`
	ScoreDetail          ScoreDetail `json:"score_detail"`
	TotalScoreNormalized float64     `json:"total_score_normalized"`
}

// TranscriptResult only ever arrives on the transcript channel.
type TranscriptResult struct {
	Transcript string    `json:"transcript"`
	Feedback   *Feedback `json:"feedback"`
}

// ExpressionResult only ever arrives on the expression channel.
type ExpressionResult struct {
	Expression string `json:"expression"`
}

// Callbacks are provided by the presentation layer. Any of them may be nil.
type Callbacks struct {
	OnTranscriptUpdate func(text string)
	OnExpressionUpdate func(label string)
	OnFeedbackUpdate   func(fb *Feedback)
}

// Tee fans every result out to each of cbs in order.
func Tee(cbs ...Callbacks) Callbacks {
	return Callbacks{
		OnTranscriptUpdate: func(text string) {
			for _, cb := range cbs {
				if cb.OnTranscriptUpdate != nil {
					cb.OnTranscriptUpdate(text)
				}
			}
		},
		OnExpressionUpdate: func(label string) {
			for _, cb := range cbs {
				if cb.OnExpressionUpdate != nil {
					cb.OnExpressionUpdate(label)
				}
			}
		},
		OnFeedbackUpdate: func(fb *Feedback) {
			for _, cb := range cbs {
				if cb.OnFeedbackUpdate != nil {
					cb.OnFeedbackUpdate(fb)
				}
			}
		},
	}
}

// DecodeError reports a malformed inbound payload.
type DecodeError struct {
	Channel string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s result: %v", e.Channel, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Router is a decode-and-dispatch function pair. Callbacks run one at a time
// even when both channels deliver concurrently.
type Router struct {
	mu sync.Mutex
	cb Callbacks
}

func NewRouter(cb Callbacks) *Router {
	return &Router{cb: cb}
}

// HandleTranscript decodes a TranscriptResult and invokes the transcript
// callback followed by the feedback callback. Nothing is invoked on a decode
// error.
func (r *Router) HandleTranscript(payload []byte) error {
	var res TranscriptResult
	if err := json.Unmarshal(payload, &res); err != nil {
		metrics.RecordDecodeFailure(ChannelTranscript)
		return &DecodeError{Channel: ChannelTranscript, Err: err}
	}
	metrics.RecordResult(ChannelTranscript)
	logging.Debugw("results: transcript received", "chars", len(res.Transcript), "has_feedback", res.Feedback != nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cb.OnTranscriptUpdate != nil {
		r.cb.OnTranscriptUpdate(res.Transcript)
	}
	if r.cb.OnFeedbackUpdate != nil {
		r.cb.OnFeedbackUpdate(res.Feedback)
	}
	return nil
}

// HandleExpression decodes an ExpressionResult and invokes the expression
// callback.
func (r *Router) HandleExpression(payload []byte) error {
	var res ExpressionResult
	if err := json.Unmarshal(payload, &res); err != nil {
		metrics.RecordDecodeFailure(ChannelExpression)
		return &DecodeError{Channel: ChannelExpression, Err: err}
	}
	metrics.RecordResult(ChannelExpression)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cb.OnExpressionUpdate != nil {
		r.cb.OnExpressionUpdate(res.Expression)
	}
	return nil
}
