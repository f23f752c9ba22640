package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/interview-practice-lab/internal/coordinator"
)

// Config is the coordinator's runtime configuration. Values come from the
// defaults below, then an optional coach.yaml, then COACH_* environment
// variables.
type Config struct {
	TranscriptURL    string        `mapstructure:"transcript_url"`
	ExpressionURL    string        `mapstructure:"expression_url"`
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
	FrameWidth       int           `mapstructure:"frame_width"`
	FrameHeight      int           `mapstructure:"frame_height"`
	JPEGQuality      int           `mapstructure:"jpeg_quality"`
	VideoDevice      int           `mapstructure:"video_device"`
	AudioDevice      string        `mapstructure:"audio_device"`
	CaptureFPS       int           `mapstructure:"capture_fps"`
	AudioSampleRate  int           `mapstructure:"audio_sample_rate"`
	AudioChannels    int           `mapstructure:"audio_channels"`
	ResultTimeout    time.Duration `mapstructure:"result_timeout"`
	ResultsDir       string        `mapstructure:"results_dir"`
	ResultsRetention time.Duration `mapstructure:"results_retention"`
	ResultsMaxFiles  int           `mapstructure:"results_max_files"`
	ControlAddr      string        `mapstructure:"control_addr"`
	LogLevel         string        `mapstructure:"log_level"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"transcript_url":    coordinator.DefaultTranscriptURL,
		"expression_url":    coordinator.DefaultExpressionURL,
		"sample_interval":   "500ms",
		"frame_width":       640,
		"frame_height":      480,
		"jpeg_quality":      92,
		"video_device":      0,
		"audio_device":      "",
		"capture_fps":       30,
		"audio_sample_rate": 48000,
		"audio_channels":    1,
		"result_timeout":    coordinator.DefaultResultTimeout.String(),
		"results_dir":       "",
		"results_retention": "168h",
		"results_max_files": 0,
		"control_addr":      ":9090",
		"log_level":         "info",
	}
}

// Load reads cfgFile if set, otherwise looks for coach.yaml in the working
// directory and $HOME/.config/coach. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("coach")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/coach")
	}

	v.SetEnvPrefix("COACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// LOG_LEVEL without prefix is honoured as well.
	_ = v.BindEnv("log_level", "COACH_LOG_LEVEL", "LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the coordinator cannot run with.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{"transcript_url": c.TranscriptURL, "expression_url": c.ExpressionURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("config: %s must be a ws:// or wss:// URL, got %q", name, raw)
		}
	}
	switch {
	case c.SampleInterval <= 0:
		return fmt.Errorf("config: sample_interval must be positive, got %s", c.SampleInterval)
	case c.FrameWidth <= 0 || c.FrameHeight <= 0:
		return fmt.Errorf("config: frame size must be positive, got %dx%d", c.FrameWidth, c.FrameHeight)
	case c.JPEGQuality < 1 || c.JPEGQuality > 100:
		return fmt.Errorf("config: jpeg_quality must be within 1..100, got %d", c.JPEGQuality)
	case c.ResultTimeout <= 0:
		return fmt.Errorf("config: result_timeout must be positive, got %s", c.ResultTimeout)
	case c.CaptureFPS <= 0:
		return fmt.Errorf("config: capture_fps must be positive, got %d", c.CaptureFPS)
	case c.AudioSampleRate <= 0 || c.AudioChannels <= 0:
		return fmt.Errorf("config: audio format must be positive, got %d Hz x %d", c.AudioSampleRate, c.AudioChannels)
	case c.ResultsMaxFiles < 0:
		return fmt.Errorf("config: results_max_files must not be negative")
	}
	return nil
}
