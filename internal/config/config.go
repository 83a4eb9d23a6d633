package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keagan/splice/pkg/util"
	"gopkg.in/yaml.v3"
)

type contextKey string

const configKey contextKey = "config"

// Config holds all application configuration
type Config struct {
	// Core settings
	WorkDir     string `yaml:"work_dir"`
	TempDir     string `yaml:"temp_dir"`
	Concurrency int    `yaml:"concurrency"`

	// FFmpeg settings
	FFmpeg FFmpegConfig `yaml:"ffmpeg"`

	// Audio output settings
	Audio AudioConfig `yaml:"audio"`

	// Playback loop tuning
	Playback PlaybackConfig `yaml:"playback"`

	// Preview settings
	Preview PreviewConfig `yaml:"preview"`

	// Render defaults
	Render RenderConfig `yaml:"render"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging"`
}

type FFmpegConfig struct {
	BinaryPath string `yaml:"binary_path"`
	ProbePath  string `yaml:"probe_path"`
	Threads    int    `yaml:"threads"`
}

type AudioConfig struct {
	SampleRate   int           `yaml:"sample_rate"`
	Channels     int           `yaml:"channels"`
	BufferMargin time.Duration `yaml:"buffer_margin"`
	// Disabled forces the silent clock-only device
	Disabled bool `yaml:"disabled"`
}

type PlaybackConfig struct {
	ReadAheadFrames int64         `yaml:"read_ahead_frames"`
	SeekSlopFrames  int64         `yaml:"seek_slop_frames"`
	IdleSleep       time.Duration `yaml:"idle_sleep"`
	StopAtEnd       bool          `yaml:"stop_at_end"`
}

type PreviewConfig struct {
	MaxWidth  int `yaml:"max_width"`
	MaxHeight int `yaml:"max_height"`
	Workers   int `yaml:"workers"`
}

type RenderConfig struct {
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	VideoCodec  string `yaml:"video_codec"`
	AudioCodec  string `yaml:"audio_codec"`
	CRF         int    `yaml:"crf"`
	Preset      string `yaml:"preset"`
	PixelFormat string `yaml:"pixel_format"`
	Workers     int    `yaml:"workers"`
	QueueDepth  int    `yaml:"queue_depth"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads configuration from file or returns defaults
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = findConfigFile()
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes configuration to file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels must be 1 or 2")
	}
	if c.Audio.BufferMargin <= 0 {
		return fmt.Errorf("audio.buffer_margin must be positive")
	}
	if c.Playback.ReadAheadFrames < 1 {
		return fmt.Errorf("playback.read_ahead_frames must be at least 1")
	}
	if c.Playback.SeekSlopFrames < 0 {
		return fmt.Errorf("playback.seek_slop_frames must not be negative")
	}
	if c.Render.CRF < 0 || c.Render.CRF > 51 {
		return fmt.Errorf("render.crf must be between 0 and 51")
	}
	if c.Render.Width < 0 || c.Render.Height < 0 {
		return fmt.Errorf("render size must not be negative")
	}
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

// Default returns the built-in configuration
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		WorkDir:     "./work",
		TempDir:     "./temp",
		Concurrency: 4,
		FFmpeg: FFmpegConfig{
			BinaryPath: "ffmpeg",
			ProbePath:  "ffprobe",
			Threads:    0,
		},
		Audio: AudioConfig{
			SampleRate:   48000,
			Channels:     2,
			BufferMargin: 500 * time.Millisecond,
		},
		Playback: PlaybackConfig{
			ReadAheadFrames: 15,
			SeekSlopFrames:  5,
			IdleSleep:       2 * time.Millisecond,
			StopAtEnd:       true,
		},
		Preview: PreviewConfig{
			MaxWidth:  640,
			MaxHeight: 360,
			Workers:   2,
		},
		Render: RenderConfig{
			VideoCodec:  "libx264",
			AudioCodec:  "aac",
			CRF:         23,
			Preset:      "medium",
			PixelFormat: "yuv420p",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func findConfigFile() string {
	candidates := []string{
		"./splice.yaml",
		"./splice.yml",
		filepath.Join(os.Getenv("HOME"), ".splice", "config.yaml"),
	}

	for _, path := range candidates {
		if util.FileExists(path) {
			return path
		}
	}

	return ""
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return defaultConfig()
}
