package control

import (
	"image/jpeg"
	"net/http"
	"sync"

	"github.com/interview-practice-lab/internal/capture"
	"github.com/interview-practice-lab/internal/logging"
)

const previewQuality = 85

// Preview serves the bound stream's current video frame as a JPEG. It
// implements capture.Preview.
type Preview struct {
	mu     sync.RWMutex
	stream *capture.Stream
}

func NewPreview() *Preview { return &Preview{} }

// Bind attaches s; nil detaches.
func (p *Preview) Bind(s *capture.Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = s
}

func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	stream := p.stream
	p.mu.RUnlock()
	if stream == nil || stream.VideoTrack() == nil {
		http.Error(w, "no live source", http.StatusServiceUnavailable)
		return
	}
	frame, err := stream.VideoTrack().CurrentFrame()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := jpeg.Encode(w, frame, &jpeg.Options{Quality: previewQuality}); err != nil {
		logging.Debugw("control: preview encode failed", "err", err)
	}
}
