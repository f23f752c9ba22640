package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/interview-practice-lab/internal/results"
)

// consoleCallbacks prints results as they arrive.
func consoleCallbacks(w io.Writer) results.Callbacks {
	var mu sync.Mutex
	var lastExpression string
	return results.Callbacks{
		OnTranscriptUpdate: func(text string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(w, "transcript: %s\n", text)
		},
		OnExpressionUpdate: func(label string) {
			mu.Lock()
			defer mu.Unlock()
			if label == lastExpression {
				return
			}
			lastExpression = label
			fmt.Fprintf(w, "expression: %s\n", label)
		},
		OnFeedbackUpdate: func(fb *results.Feedback) {
			if fb == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(w, "feedback: %s\n", fb.Feedback)
			fmt.Fprintf(w, "  speed %.2f  filler %.2f  pitch %.2f  total %.2f\n",
				fb.ScoreDetail.Speed, fb.ScoreDetail.Filler, fb.ScoreDetail.Pitch, fb.TotalScoreNormalized)
		},
	}
}
