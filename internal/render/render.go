// Package render exports a timeline to a single muxed file: the audio is
// mixed down to a temporary WAV first, then video frames are resolved in
// parallel and streamed to the encoder strictly in frame order.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/keagan/splice/internal/audio"
	"github.com/keagan/splice/internal/ffmpeg"
	"github.com/keagan/splice/pkg/util"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// ErrNothingToRender is returned for a zero-length timeline
var ErrNothingToRender = errors.New("timeline is empty")

// ImageResolver returns the picture of a timeline frame
type ImageResolver interface {
	Resolve(ctx context.Context, frame int64) (image.Image, bool)
}

// AudioMixer produces the mixed chunk of a timeline frame
type AudioMixer interface {
	Mix(ctx context.Context, frame int64) []int16
	Format() audio.Format
}

// Encoder starts the external encoding process
type Encoder interface {
	StartEncode(ctx context.Context, spec ffmpeg.EncodeSpec) (ffmpeg.EncodeSession, error)
}

// Options configures one render
type Options struct {
	Output      string
	Width       int
	Height      int
	FPS         float64
	TotalFrames int64

	// Workers resolving frames; defaults to runtime.NumCPU()
	Workers int
	// QueueDepth bounds frames in flight; defaults to 2*Workers
	QueueDepth int
	// TempDir holds the intermediate WAV; defaults to os.TempDir()
	TempDir string

	VideoCodec  string
	AudioCodec  string
	CRF         int
	Preset      string
	PixelFormat string

	// Progress receives the percentage of frames written, once per whole
	// percent.
	Progress func(percent float64)
	// OnError receives the error that aborted the render
	OnError func(err error)
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 2 * o.Workers
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
}

func (o *Options) validate() error {
	if o.Output == "" {
		return fmt.Errorf("output path is required")
	}
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("invalid output size %dx%d", o.Width, o.Height)
	}
	if o.FPS <= 0 {
		return fmt.Errorf("FPS must be positive")
	}
	if o.TotalFrames <= 0 {
		return ErrNothingToRender
	}
	return nil
}

// Result describes a finished (or failed) render
type Result struct {
	JobID         string
	Output        string
	FramesWritten int64
	AudioSamples  int64 // per channel
	Elapsed       time.Duration
}

// Renderer runs renders. It holds no per-render state and may run
// several renders concurrently.
type Renderer struct {
	logger   zerolog.Logger
	resolver ImageResolver
	mixer    AudioMixer
	encoder  Encoder
}

// New creates a renderer
func New(logger zerolog.Logger, resolver ImageResolver, mixer AudioMixer, encoder Encoder) *Renderer {
	return &Renderer{
		logger:   logger.With().Str("component", "render").Logger(),
		resolver: resolver,
		mixer:    mixer,
		encoder:  encoder,
	}
}

// Render writes opts.TotalFrames frames and their audio to opts.Output.
// On failure the encoder is stopped, the temporary audio is removed and
// the error is passed to OnError before being returned.
func (r *Renderer) Render(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	opts.setDefaults()

	res := &Result{JobID: xid.New().String(), Output: opts.Output}
	logger := r.logger.With().Str("job", res.JobID).Logger()

	err := opts.validate()
	if err == nil {
		logger.Info().
			Str("output", opts.Output).
			Int64("frames", opts.TotalFrames).
			Int("workers", opts.Workers).
			Msg("starting render")
		err = r.run(ctx, logger, opts, res)
	}
	res.Elapsed = time.Since(start)

	if err != nil {
		logger.Error().Err(err).Int64("frames_written", res.FramesWritten).Msg("render failed")
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return res, err
	}

	logger.Info().
		Str("output", res.Output).
		Int64("frames", res.FramesWritten).
		Dur("elapsed", res.Elapsed).
		Msg("render completed")
	return res, nil
}

func (r *Renderer) run(ctx context.Context, logger zerolog.Logger, opts Options, res *Result) error {
	format := r.mixer.Format()

	// Phase 1: audio mixdown
	samples, err := r.mixdown(ctx, opts.TotalFrames)
	if err != nil {
		return err
	}
	res.AudioSamples = int64(len(samples) / format.Channels)

	if err := util.EnsureDir(opts.TempDir); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	wavPath := filepath.Join(opts.TempDir, "splice-"+res.JobID+".wav")
	defer util.CleanupFiles(wavPath)

	if err := audio.WriteWAV(wavPath, samples, format.SampleRate, format.Channels); err != nil {
		return fmt.Errorf("write audio mixdown: %w", err)
	}
	logger.Debug().Str("path", wavPath).Int64("samples", res.AudioSamples).Msg("audio mixdown written")

	// Phase 2: video assembly
	session, err := r.encoder.StartEncode(ctx, ffmpeg.EncodeSpec{
		Output:      opts.Output,
		Width:       opts.Width,
		Height:      opts.Height,
		FPS:         opts.FPS,
		TotalFrames: opts.TotalFrames,
		AudioPath:   wavPath,
		VideoCodec:  opts.VideoCodec,
		AudioCodec:  opts.AudioCodec,
		CRF:         opts.CRF,
		Preset:      opts.Preset,
		PixelFormat: opts.PixelFormat,
	})
	if err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	if err := r.assemble(ctx, session, opts, res); err != nil {
		var we *writeError
		if errors.As(err, &we) {
			// a dead encoder breaks the pipe; its exit status says why
			if cerr := session.Close(); cerr != nil {
				err = fmt.Errorf("encoder failed: %w", cerr)
			}
		}
		session.Abort()
		return err
	}

	if err := session.Close(); err != nil {
		return fmt.Errorf("encoder failed: %w", err)
	}
	return nil
}

// mixdown mixes every frame in order into one interleaved buffer
func (r *Renderer) mixdown(ctx context.Context, total int64) ([]int16, error) {
	format := r.mixer.Format()
	samples := make([]int16, 0, int(total)*(format.SamplesPerFrame(0)+format.Channels))

	for f := int64(0); f < total; f++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		samples = append(samples, r.mixer.Mix(ctx, f)...)
	}
	return samples, nil
}
