package pipeline

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/keagan/splice/internal/audio"
	"github.com/keagan/splice/internal/config"
	"github.com/keagan/splice/internal/ffmpeg"
	"github.com/keagan/splice/internal/timeline"
	"github.com/rs/zerolog"
)

const testProject = `
name: slate
fps: 30
width: 64
height: 36
length: "1.0"
tracks:
  - {name: V1, kind: video}
  - {name: A1, kind: audio}
media:
  red: "color:#ff0000"
  beep: "tone:440@0.25"
clips:
  - {name: picture, media: red, track: 0, start: "0", duration: "15"}
  - {name: sound, media: beep, track: 1, start: "0", duration: "00:01", fade_in: "3", fade_in_curve: ease-in}
`

type countingEncoder struct {
	mu     sync.Mutex
	spec   ffmpeg.EncodeSpec
	frames [][]byte
}

func (e *countingEncoder) StartEncode(_ context.Context, spec ffmpeg.EncodeSpec) (ffmpeg.EncodeSession, error) {
	e.spec = spec
	return e, nil
}

func (e *countingEncoder) Write(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, append([]byte(nil), frame[:4]...))
	return nil
}

func (e *countingEncoder) Close() error { return nil }
func (e *countingEncoder) Abort() error { return nil }

func newTestSession(t *testing.T, cfg *Config) *Session {
	t.Helper()
	if cfg.Encoder == nil {
		cfg.Encoder = &countingEncoder{}
	}
	if cfg.OpenDevice == nil {
		cfg.OpenDevice = func() (audio.Device, error) { return nil, errors.New("no sound card") }
	}
	app := config.Default()
	app.TempDir = t.TempDir()

	s, err := New(zerolog.Nop(), cfg, app)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	p, err := ParseProject([]byte(testProject))
	if err != nil {
		t.Fatalf("ParseProject failed: %v", err)
	}
	if err := s.Load(context.Background(), p, ""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return s
}

func TestParseProject(t *testing.T) {
	p, err := ParseProject([]byte(testProject))
	if err != nil {
		t.Fatalf("ParseProject failed: %v", err)
	}
	if p.FPS != 30 || p.Width != 64 || len(p.Clips) != 2 {
		t.Errorf("project = %+v", p)
	}

	tl, err := p.Build(zerolog.Nop())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if tl.TotalFrames() != 30 {
		t.Errorf("TotalFrames = %d, want 30", tl.TotalFrames())
	}
	if got := tl.ActiveAt(20, timeline.Video); len(got) != 0 {
		t.Errorf("video at 20 = %v, want none", got)
	}
	sound := tl.ActiveAt(20, timeline.Audio)
	if len(sound) != 1 || sound[0].DurationFrames != 30 || sound[0].FadeInFrames != 3 {
		t.Errorf("audio at 20 = %+v", sound)
	}
}

func TestParseProjectRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no size", "tracks: [{kind: video}]\n"},
		{"no tracks", "width: 10\nheight: 10\n"},
		{"unknown media", "width: 10\nheight: 10\ntracks: [{kind: video}]\nclips: [{media: nope, start: '0', duration: '1'}]\n"},
		{"bad curve", "width: 10\nheight: 10\ntracks: [{kind: video}]\nmedia: {a: 'color:#000000'}\nclips: [{media: a, fade_in_curve: wobble}]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseProject([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuildRejectsOverlap(t *testing.T) {
	doc := `
width: 10
height: 10
tracks: [{kind: video}]
media: {a: "color:#000000"}
clips:
  - {name: one, media: a, start: "0", duration: "10"}
  - {name: two, media: a, start: "5", duration: "10"}
`
	p, err := ParseProject([]byte(doc))
	if err != nil {
		t.Fatalf("ParseProject failed: %v", err)
	}
	if _, err := p.Build(zerolog.Nop()); !errors.Is(err, timeline.ErrOverlap) {
		t.Errorf("Build err = %v, want ErrOverlap", err)
	}
}

func TestSessionRequiresProject(t *testing.T) {
	s, err := New(zerolog.Nop(), &Config{Encoder: &countingEncoder{}}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	if err := s.Play(context.Background(), 0); !errors.Is(err, ErrNoProject) {
		t.Errorf("Play err = %v, want ErrNoProject", err)
	}
	if _, err := s.Render(context.Background(), RenderOptions{Output: "x.mp4"}); !errors.Is(err, ErrNoProject) {
		t.Errorf("Render err = %v, want ErrNoProject", err)
	}
	if _, err := s.Timeline(); !errors.Is(err, ErrNoProject) {
		t.Errorf("Timeline err = %v, want ErrNoProject", err)
	}
}

func TestSessionRender(t *testing.T) {
	enc := &countingEncoder{}
	s := newTestSession(t, &Config{Encoder: enc})

	res, err := s.Render(context.Background(), RenderOptions{Output: filepath.Join(t.TempDir(), "out.mp4")})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if res.FramesWritten != 30 || enc.spec.TotalFrames != 30 {
		t.Fatalf("frames = %d, spec = %d, want 30", res.FramesWritten, enc.spec.TotalFrames)
	}
	if enc.spec.Width != 64 || enc.spec.Height != 36 {
		t.Errorf("size = %dx%d, want project size", enc.spec.Width, enc.spec.Height)
	}
	if res.AudioSamples != 48000 {
		t.Errorf("AudioSamples = %d, want 48000", res.AudioSamples)
	}

	// red while the picture clip covers the frame, black after
	if px := enc.frames[0]; px[0] != 0xff || px[1] != 0 {
		t.Errorf("frame 0 pixel = %v, want red", px)
	}
	if px := enc.frames[20]; px[0] != 0 || px[3] != 0xff {
		t.Errorf("frame 20 pixel = %v, want black", px)
	}
}

func TestSessionPlaysSilentlyToEnd(t *testing.T) {
	var mu sync.Mutex
	var heads []int64
	s := newTestSession(t, &Config{
		OnPlayhead: func(frame int64) {
			mu.Lock()
			heads = append(heads, frame)
			mu.Unlock()
		},
	})

	if err := s.Play(context.Background(), 20); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not stop at the end")
	}

	stats := s.PlaybackStats()
	if !stats.Silent {
		t.Error("expected silent playback without a device")
	}
	if stats.FramesMixed == 0 {
		t.Error("no frames mixed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(heads) == 0 || heads[0] < 20 {
		t.Errorf("playhead updates = %v, want to start at 20", heads)
	}
}

func TestSessionPreviewIsFitted(t *testing.T) {
	got := make(chan image.Image, 1)
	s := newTestSession(t, &Config{
		PreviewSink: func(frame int64, img image.Image) { got <- img },
	})
	s.app.Preview.MaxWidth, s.app.Preview.MaxHeight = 32, 32

	if err := s.SeekTo(5); err != nil {
		t.Fatalf("SeekTo failed: %v", err)
	}

	select {
	case img := <-got:
		if img == nil {
			t.Fatal("preview delivered no image")
		}
		if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 18 {
			t.Errorf("preview bounds = %v, want 32x18", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no preview delivered")
	}

	tl, _ := s.Timeline()
	if tl.Playhead() != 5 {
		t.Errorf("Playhead = %d, want 5", tl.Playhead())
	}
}
