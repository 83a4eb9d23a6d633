package ffmpeg

import (
	"fmt"
	"time"
)

// MediaInfo contains metadata about a media file
type MediaInfo struct {
	FilePath     string        `yaml:"path"`
	Duration     time.Duration `yaml:"duration"`
	Width        int           `yaml:"width,omitempty"`
	Height       int           `yaml:"height,omitempty"`
	FPS          float64       `yaml:"fps,omitempty"`
	Bitrate      int64         `yaml:"bitrate,omitempty"`
	VideoCodec   string        `yaml:"video_codec,omitempty"`
	HasVideo     bool          `yaml:"has_video"`
	HasAudio     bool          `yaml:"has_audio"`
	AudioCodec   string        `yaml:"audio_codec,omitempty"`
	AudioBitrate int64         `yaml:"audio_bitrate,omitempty"`
	SampleRate   int           `yaml:"sample_rate,omitempty"`
	Channels     int           `yaml:"channels,omitempty"`
}

// Frames returns the media length in frames at fps
func (m *MediaInfo) Frames(fps float64) int64 {
	return int64(m.Duration.Seconds() * fps)
}

// Progress represents ffmpeg progress data
type Progress struct {
	Frame      int
	FPS        float64
	Bitrate    string
	Time       string
	Speed      string
	Percentage float64
}

// RunOptions configures ffmpeg execution
type RunOptions struct {
	Args            []string
	ProgressHandler func(*Progress)
	LogHandler      func(line string)
}

// ProgressFunc is a callback for progress updates during ffmpeg operations.
// Called periodically with progress information as the operation executes.
type ProgressFunc func(*Progress)

// Default encoding settings
const (
	DefaultCRF         = 23
	DefaultPreset      = "medium"
	DefaultVideoCodec  = "libx264"
	DefaultAudioCodec  = "aac"
	DefaultPixelFormat = "yuv420p"
)

// ExitError reports an ffmpeg process that exited non-zero
type ExitError struct {
	Code   int
	Output string // last diagnostic lines from stderr
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("ffmpeg exited with code %d", e.Code)
	}
	return fmt.Sprintf("ffmpeg exited with code %d: %s", e.Code, e.Output)
}
