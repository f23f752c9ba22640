// Package control exposes the recording toggle and the latest results to
// local tooling: MCP tools over a websocket, a health probe, Prometheus
// metrics and a JPEG preview of the live source.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/interview-practice-lab/internal/capture"
	"github.com/interview-practice-lab/internal/coordinator"
	"github.com/interview-practice-lab/internal/logging"
	"github.com/interview-practice-lab/internal/results"
)

const (
	ServerName = "coach"
	Version    = "v0.1.0"

	ToolStartRecording = "start_recording"
	ToolStopRecording  = "stop_recording"
	ToolStatus         = "recording_status"
	ToolLatestResults  = "latest_results"
	ToolAcquireDevice  = "acquire_device"
)

// Recording is the controller surface the tools drive.
type Recording interface {
	Start(ctx context.Context) error
	Stop() <-chan coordinator.FlushResult
	Status() coordinator.Status
}

// Acquirer acquires the capture device.
type Acquirer interface {
	Acquire(ctx context.Context) (*capture.Stream, error)
}

// ResultsSource yields the most recent analysis results.
type ResultsSource interface {
	Snapshot() results.Snapshot
}

type Options struct {
	Recording Recording
	Device    Acquirer
	Results   ResultsSource
	Gatherer  prometheus.Gatherer
	Preview   *Preview
	// FlushTimeout bounds how long stop_recording waits for the flush.
	FlushTimeout time.Duration
}

// Server is the control surface.
type Server struct {
	opts     Options
	mcp      *sdk.Server
	upgrader websocket.Upgrader
}

func NewServer(opts Options) *Server {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Preview == nil {
		opts.Preview = NewPreview()
	}
	s := &Server{opts: opts}
	s.mcp = sdk.NewServer(&sdk.Implementation{Name: ServerName, Version: Version}, nil)
	s.registerTools()
	return s
}

type stopArgs struct {
	Wait bool `json:"wait,omitempty" jsonschema:"wait for the media buffer flush before returning"`
}

type stopReply struct {
	Status coordinator.Status       `json:"status"`
	Flush  *coordinator.FlushResult `json:"flush,omitempty"`
}

type acquireReply struct {
	StreamID string   `json:"stream_id"`
	Tracks   []string `json:"tracks"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStartRecording, Description: "enter the recording state"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, any, error) {
			if s.opts.Recording == nil {
				return nil, nil, errors.New("recording not configured")
			}
			if err := s.opts.Recording.Start(ctx); err != nil {
				return nil, nil, err
			}
			return jsonResult(s.opts.Recording.Status())
		})

	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStopRecording, Description: "leave the recording state; optionally wait for the media flush"},
		func(ctx context.Context, req *sdk.CallToolRequest, args stopArgs) (*sdk.CallToolResult, any, error) {
			if s.opts.Recording == nil {
				return nil, nil, errors.New("recording not configured")
			}
			flushed := s.opts.Recording.Stop()
			reply := stopReply{}
			if args.Wait {
				timer := time.NewTimer(s.opts.FlushTimeout)
				defer timer.Stop()
				select {
				case res, ok := <-flushed:
					if ok {
						reply.Flush = &res
					}
				case <-timer.C:
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				}
			}
			reply.Status = s.opts.Recording.Status()
			return jsonResult(reply)
		})

	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStatus, Description: "current recording state and channel status"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, any, error) {
			if s.opts.Recording == nil {
				return nil, nil, errors.New("recording not configured")
			}
			return jsonResult(s.opts.Recording.Status())
		})

	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolLatestResults, Description: "latest transcript, expression and feedback"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, any, error) {
			if s.opts.Results == nil {
				return jsonResult(results.Snapshot{})
			}
			return jsonResult(s.opts.Results.Snapshot())
		})

	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolAcquireDevice, Description: "acquire the camera and microphone"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, any, error) {
			if s.opts.Device == nil {
				return nil, nil, errors.New("capture device not configured")
			}
			stream, err := s.opts.Device.Acquire(ctx)
			if err != nil {
				return nil, nil, err
			}
			reply := acquireReply{StreamID: stream.ID()}
			for _, t := range stream.Tracks() {
				reply.Tracks = append(reply.Tracks, string(t.Kind()))
			}
			return jsonResult(reply)
		})
}

func jsonResult(v any) (*sdk.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}, nil, nil
}

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/preview.jpg", s.opts.Preview)
	mux.HandleFunc("/mcp/ws", s.serveMCP)
	return mux
}

func (s *Server) serveMCP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("control: ws upgrade failed", "err", err)
		return
	}
	go func() {
		session, err := s.mcp.Connect(context.Background(), NewWebSocketTransport(conn), nil)
		if err != nil {
			logging.Warnw("control: mcp connect failed", "err", err)
			_ = conn.Close()
			return
		}
		defer session.Close()
		if err := session.Wait(); err != nil {
			logging.Debugw("control: mcp session ended", "err", err)
		}
	}()
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Infow("control: listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
