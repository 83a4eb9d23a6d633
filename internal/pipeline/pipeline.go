// Package pipeline wires one editing session: media pool, timeline,
// playback transport, preview and renderer, all built per session and
// passed to each other by constructor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sort"
	"sync"

	"github.com/keagan/splice/internal/audio"
	"github.com/keagan/splice/internal/clock"
	"github.com/keagan/splice/internal/config"
	"github.com/keagan/splice/internal/ffmpeg"
	"github.com/keagan/splice/internal/media"
	"github.com/keagan/splice/internal/playback"
	"github.com/keagan/splice/internal/render"
	"github.com/keagan/splice/internal/resolver"
	"github.com/keagan/splice/internal/timeline"
	"github.com/rs/zerolog"
)

// ErrNoProject is returned by operations that need a loaded project
var ErrNoProject = errors.New("no project loaded")

// Config holds session hooks that are not part of the application config
type Config struct {
	// OpenDevice opens the audio output; nil opens the system speaker
	OpenDevice audio.Opener
	// Encoder replaces the ffmpeg encoder
	Encoder render.Encoder

	// OnPlayhead and OnLevels are forwarded to the playback loop
	OnPlayhead func(frame int64)
	OnLevels   func(peaks []float64)
	// PreviewSink receives preview images fitted to the preview size
	PreviewSink resolver.Sink
}

// Session is one open project
type Session struct {
	logger zerolog.Logger
	config *Config
	app    *config.Config
	ffmpeg *ffmpeg.Executor

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	project  *Project
	pool     *media.Pool
	timeline *timeline.Timeline
	mixer    *audio.Mixer
	resolver *resolver.Resolver
	renderer *render.Renderer
	loop     *playback.Loop
	preview  *resolver.Preview
}

// New creates a session. Without ffmpeg, sessions still work for
// generator-only projects when cfg supplies an encoder.
func New(logger zerolog.Logger, cfg *Config, appCfg *config.Config) (*Session, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if appCfg == nil {
		appCfg = config.Default()
	}

	exec, err := ffmpeg.New(logger, ffmpeg.Options{
		FFmpegPath:  appCfg.FFmpeg.BinaryPath,
		FFprobePath: appCfg.FFmpeg.ProbePath,
		Threads:     appCfg.FFmpeg.Threads,
		TempDir:     appCfg.TempDir,
	})
	if err != nil {
		if cfg.Encoder == nil {
			return nil, fmt.Errorf("failed to initialize ffmpeg: %w", err)
		}
		logger.Warn().Err(err).Msg("ffmpeg unavailable, file sources disabled")
		exec = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		logger: logger.With().Str("component", "pipeline").Logger(),
		config: cfg,
		app:    appCfg,
		ffmpeg: exec,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Load replaces the session's project. Media paths are resolved relative
// to baseDir.
func (s *Session) Load(ctx context.Context, p *Project, baseDir string) error {
	s.logger.Info().
		Str("project", p.Name).
		Int("tracks", len(p.Tracks)).
		Int("clips", len(p.Clips)).
		Msg("loading project")

	format := media.Format{
		SampleRate: s.app.Audio.SampleRate,
		Channels:   s.app.Audio.Channels,
		FPS:        p.FPS,
	}

	pool, err := s.openMedia(ctx, p, format, baseDir)
	if err != nil {
		return err
	}

	tl, err := p.Build(s.logger)
	if err != nil {
		pool.Close()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()

	s.project = p
	s.pool = pool
	s.timeline = tl
	s.mixer = audio.NewMixer(s.logger, tl, pool, audio.Format(format))
	s.resolver = resolver.New(s.logger, tl, pool)

	var encoder render.Encoder = s.ffmpeg
	if s.config.Encoder != nil {
		encoder = s.config.Encoder
	}
	s.renderer = render.New(s.logger, s.resolver, s.mixer, encoder)

	if s.config.PreviewSink != nil {
		s.preview = resolver.NewPreview(s.logger, s.resolver, s.app.Preview.Workers, s.fitPreview)
		s.preview.Start(s.ctx)
	}

	s.logger.Info().
		Str("project", p.Name).
		Int64("frames", tl.TotalFrames()).
		Int("sources", len(pool.IDs())).
		Msg("project loaded")
	return nil
}

// openMedia registers every media entry, in id order for stable logs
func (s *Session) openMedia(ctx context.Context, p *Project, format media.Format, baseDir string) (*media.Pool, error) {
	pool := media.NewPool(s.logger)

	ids := make([]string, 0, len(p.Media))
	for id := range p.Media {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		src := p.Media[id]

		gen, ok, err := media.ParseGenerator(src, format)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("media %s: %w", id, err)
		}
		if ok {
			gen.Width, gen.Height = p.Width, p.Height
			pool.Register(id, gen)
			continue
		}

		if s.ffmpeg == nil {
			pool.Close()
			return nil, fmt.Errorf("media %s: ffmpeg is required to open %s", id, src)
		}
		if !filepath.IsAbs(src) && baseDir != "" {
			src = filepath.Join(baseDir, src)
		}
		dec, err := s.ffmpeg.OpenSource(ctx, src, format, p.Width, p.Height)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("media %s: %w", id, err)
		}
		pool.Register(id, dec)
	}
	return pool, nil
}

func (s *Session) fitPreview(frame int64, img image.Image) {
	if img != nil {
		img = resolver.Fit(img, s.app.Preview.MaxWidth, s.app.Preview.MaxHeight)
	}
	s.config.PreviewSink(frame, img)
}

// Timeline returns the loaded timeline
func (s *Session) Timeline() (*timeline.Timeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeline == nil {
		return nil, ErrNoProject
	}
	return s.timeline, nil
}

// Play starts playback from frame. The audio device is opened on first
// use; when it cannot be opened playback runs silently on the wall clock.
func (s *Session) Play(ctx context.Context, from int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeline == nil {
		return ErrNoProject
	}

	if s.loop == nil {
		s.loop = s.newLoop()
	}
	if s.loop.State() == playback.Playing {
		return playback.ErrAlreadyPlaying
	}
	s.timeline.SeekTo(from)
	return s.loop.Play(ctx)
}

func (s *Session) newLoop() *playback.Loop {
	a := s.app.Audio

	var open audio.Opener
	switch {
	case a.Disabled:
	case s.config.OpenDevice != nil:
		open = s.config.OpenDevice
	default:
		open = func() (audio.Device, error) {
			return audio.OpenSpeaker(a.SampleRate, a.Channels, a.BufferMargin)
		}
	}
	device, _ := audio.OpenOrNull(s.logger, open, a.SampleRate)

	pc := s.app.Playback
	return playback.New(s.logger, s.timeline, s.mixer, device,
		clock.New(a.SampleRate, s.project.FPS),
		playback.Options{
			ReadAheadFrames: pc.ReadAheadFrames,
			SeekSlopFrames:  pc.SeekSlopFrames,
			IdleSleep:       pc.IdleSleep,
			StopAtEnd:       pc.StopAtEnd,
			OnPlayhead:      s.config.OnPlayhead,
			OnLevels:        s.config.OnLevels,
		})
}

// Stop halts playback; the playhead stays where it was
func (s *Session) Stop() {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

// Done is closed when the current playback run ends. It is nil before the
// first Play.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop == nil {
		return nil
	}
	return s.loop.Done()
}

// PlaybackStats snapshots the transport counters
func (s *Session) PlaybackStats() playback.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop == nil {
		return playback.Stats{}
	}
	return s.loop.Stats()
}

// SeekTo moves the playhead and requests a preview of the new frame
func (s *Session) SeekTo(frame int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeline == nil {
		return ErrNoProject
	}
	s.timeline.SeekTo(frame)
	if s.preview != nil {
		s.preview.Request(frame)
	}
	return nil
}

// RequestPreview asks for an image of frame. It reports false when no
// preview sink is configured or the request was a duplicate.
func (s *Session) RequestPreview(frame int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview == nil {
		return false
	}
	return s.preview.Request(frame)
}

// RenderOptions overrides config render settings for one export
type RenderOptions struct {
	Output   string
	Width    int
	Height   int
	Progress func(percent float64)
	OnError  func(err error)
}

// Render exports the whole timeline. Size defaults to the render config,
// then to the project size.
func (s *Session) Render(ctx context.Context, opts RenderOptions) (*render.Result, error) {
	s.mu.Lock()
	if s.timeline == nil {
		s.mu.Unlock()
		return nil, ErrNoProject
	}
	renderer, tl := s.renderer, s.timeline
	s.mu.Unlock()

	rc := s.app.Render
	w, h := tl.Size()
	if rc.Width > 0 && rc.Height > 0 {
		w, h = rc.Width, rc.Height
	}
	if opts.Width > 0 && opts.Height > 0 {
		w, h = opts.Width, opts.Height
	}

	workers := rc.Workers
	if workers <= 0 {
		workers = s.app.Concurrency
	}

	return renderer.Render(ctx, render.Options{
		Output:      opts.Output,
		Width:       w,
		Height:      h,
		FPS:         tl.FPS(),
		TotalFrames: tl.TotalFrames(),
		Workers:     workers,
		QueueDepth:  rc.QueueDepth,
		TempDir:     s.app.TempDir,
		VideoCodec:  rc.VideoCodec,
		AudioCodec:  rc.AudioCodec,
		CRF:         rc.CRF,
		Preset:      rc.Preset,
		PixelFormat: rc.PixelFormat,
		Progress:    opts.Progress,
		OnError:     opts.OnError,
	})
}

// Probe reads media metadata
func (s *Session) Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	if s.ffmpeg == nil {
		return nil, fmt.Errorf("ffmpeg is not available")
	}
	return s.ffmpeg.ProbeMedia(ctx, path)
}

// teardownLocked stops playback and preview and releases the media of the
// current project.
func (s *Session) teardownLocked() {
	if s.loop != nil {
		s.loop.Close()
		s.loop = nil
	}
	if s.preview != nil {
		s.preview.Stop()
		s.preview = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	s.timeline = nil
	s.project = nil
}

// Close releases session resources
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	s.cancel()
	return nil
}
