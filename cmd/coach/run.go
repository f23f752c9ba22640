package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/interview-practice-lab/internal/capture"
	"github.com/interview-practice-lab/internal/config"
	"github.com/interview-practice-lab/internal/control"
	"github.com/interview-practice-lab/internal/coordinator"
	"github.com/interview-practice-lab/internal/logging"
	"github.com/interview-practice-lab/internal/metrics"
	"github.com/interview-practice-lab/internal/recorder"
	"github.com/interview-practice-lab/internal/report"
	"github.com/interview-practice-lab/internal/results"
	"github.com/interview-practice-lab/internal/sampler"
)

const cleanupInterval = 10 * time.Minute

var noStdin bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Acquire the camera and microphone and serve the recording toggle",
	Long: `Run acquires the capture device, then waits for the recording toggle.
Press Enter to start or stop a session; type q to quit. The same toggle is
available to "coach ctl" through the control address.`,
	Args: cobra.NoArgs,
	RunE: runCoach,
}

func init() {
	runCmd.Flags().BoolVar(&noStdin, "no-stdin", false, "do not read the toggle from stdin")
	rootCmd.AddCommand(runCmd)
}

func runCoach(cmd *cobra.Command, args []string) error {
	// .env is optional.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logging.InitLevel(cfg.LogLevel)
	defer logging.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	cons := capture.DefaultConstraints()
	cons.Width, cons.Height = cfg.FrameWidth, cfg.FrameHeight
	cons.FPS = cfg.CaptureFPS
	cons.SampleRate, cons.Channels = cfg.AudioSampleRate, cfg.AudioChannels
	cons.DeviceIndex = cfg.VideoDevice
	cons.AudioDevice = cfg.AudioDevice

	preview := control.NewPreview()
	devices := capture.NewManager(capture.NewSystemDevice(), cons, capture.WithPreview(preview))

	latest := results.NewLatest()
	journal := report.NewJournal(cfg.ResultsDir)
	out := cmd.OutOrStdout()

	ctrl := coordinator.New(devices, coordinator.Config{
		TranscriptURL: cfg.TranscriptURL,
		ExpressionURL: cfg.ExpressionURL,
		Sampler: sampler.Config{
			Interval: cfg.SampleInterval,
			Width:    cfg.FrameWidth,
			Height:   cfg.FrameHeight,
			Quality:  cfg.JPEGQuality,
		},
		NewEncoder: func() (recorder.Encoder, error) {
			return recorder.NewEncoder(cfg.AudioSampleRate, cfg.AudioChannels)
		},
		Callbacks:     results.Tee(latest.Callbacks(), journal.Callbacks(), consoleCallbacks(out)),
		Observer:      journal,
		ResultTimeout: cfg.ResultTimeout,
	})

	srv := control.NewServer(control.Options{
		Recording: ctrl,
		Device:    devices,
		Results:   latest,
		Gatherer:  reg,
		Preview:   preview,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := devices.Acquire(ctx); err != nil {
		// The toggle stays usable; acquire_device can retry.
		logging.Warnw("coach: starting without a capture session", "err", err)
	}

	var wg sync.WaitGroup
	if cfg.ResultsDir != "" {
		cleaner := &report.Cleaner{Dir: cfg.ResultsDir, Retention: cfg.ResultsRetention, MaxFiles: cfg.ResultsMaxFiles}
		wg.Add(1)
		cleaner.Start(ctx, &wg, cleanupInterval)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ControlAddr) })

	quit := make(chan struct{})
	if !noStdin {
		fmt.Fprintln(out, "press Enter to start/stop recording, q to quit")
		go toggleLoop(gctx, cmd.InOrStdin(), out, ctrl, quit)
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-quit:
		}
		stop()
		return nil
	})

	runErr := g.Wait()
	logging.Infow("coach: shutting down")
	closeErr := multierr.Combine(ctrl.Close(), journal.Close())
	wg.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return multierr.Append(runErr, closeErr)
}

// toggleLoop flips the recording state on each line read from in. It may
// stay blocked on a read after ctx is done.
func toggleLoop(ctx context.Context, in io.Reader, out io.Writer, ctrl *coordinator.Controller, quit chan<- struct{}) {
	defer close(quit)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if strings.EqualFold(strings.TrimSpace(sc.Text()), "q") {
			return
		}
		on := ctrl.State() != coordinator.Recording
		if err := ctrl.SetRecording(ctx, on); err != nil {
			fmt.Fprintln(out, "cannot start recording:", err)
			continue
		}
		if on {
			fmt.Fprintln(out, "● recording, press Enter to stop")
		} else {
			fmt.Fprintln(out, "■ stopped, waiting for feedback")
		}
	}
}
