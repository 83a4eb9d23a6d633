package render

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/keagan/splice/internal/audio"
	"github.com/keagan/splice/internal/ffmpeg"
	"github.com/keagan/splice/internal/media"
	"github.com/keagan/splice/internal/resolver"
	"github.com/keagan/splice/internal/timeline"
	"github.com/rs/zerolog"
)

// fakeEncoder records what it receives instead of running ffmpeg
type fakeEncoder struct {
	mu       sync.Mutex
	spec     ffmpeg.EncodeSpec
	wavSize  int64
	frames   [][]byte
	failAt   int
	writeErr error
	closeErr error
	startErr error
	closed   bool
	aborted  bool
}

func (f *fakeEncoder) StartEncode(_ context.Context, spec ffmpeg.EncodeSpec) (ffmpeg.EncodeSession, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spec = spec
	if st, err := os.Stat(spec.AudioPath); err == nil {
		f.wavSize = st.Size()
	}
	return f, nil
}

func (f *fakeEncoder) Write(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil && len(f.frames) == f.failAt {
		return f.writeErr
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeEncoder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeEncoder) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}

// silentMixer returns silence of the right length for every frame
type silentMixer struct {
	format audio.Format
}

func (m silentMixer) Mix(_ context.Context, frame int64) []int16 {
	return make([]int16, m.format.SamplesPerFrame(frame))
}

func (m silentMixer) Format() audio.Format { return m.format }

// shadeResolver returns a uniform image whose red channel is the frame
// number. Frames listed in delay sleep before returning.
type shadeResolver struct {
	size  image.Point
	delay map[int64]time.Duration
}

func (s shadeResolver) Resolve(ctx context.Context, frame int64) (image.Image, bool) {
	if d, ok := s.delay[frame]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, false
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, s.size.X, s.size.Y))
	for y := 0; y < s.size.Y; y++ {
		for x := 0; x < s.size.X; x++ {
			img.Set(x, y, color.RGBA{R: uint8(frame), A: 255})
		}
	}
	return img, true
}

var testFormat = audio.Format{SampleRate: 48000, Channels: 2, FPS: 30}

func baseOptions(t *testing.T, frames int64) Options {
	return Options{
		Output:      filepath.Join(t.TempDir(), "out.mp4"),
		Width:       4,
		Height:      4,
		FPS:         30,
		TotalFrames: frames,
		Workers:     4,
		TempDir:     t.TempDir(),
	}
}

func tempEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	return len(entries)
}

func TestRenderEmptyTimelineIsBlackAndSilent(t *testing.T) {
	logger := zerolog.Nop()
	tl := timeline.New(logger, timeline.Settings{FPS: 30, Width: 4, Height: 4})
	tl.SetLength(30)
	pool := media.NewPool(logger)

	enc := &fakeEncoder{}
	r := New(logger, resolver.New(logger, tl, pool), audio.NewMixer(logger, tl, pool, testFormat), enc)

	opts := baseOptions(t, tl.TotalFrames())
	res, err := r.Render(context.Background(), opts)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if res.FramesWritten != 30 || len(enc.frames) != 30 {
		t.Fatalf("frames written = %d (encoder saw %d), want 30", res.FramesWritten, len(enc.frames))
	}
	if enc.spec.TotalFrames != 30 {
		t.Errorf("spec.TotalFrames = %d, want 30", enc.spec.TotalFrames)
	}
	for i, frame := range enc.frames {
		if len(frame) != 4*4*4 {
			t.Fatalf("frame %d is %d bytes", i, len(frame))
		}
		for p := 0; p < len(frame); p += 4 {
			if frame[p] != 0 || frame[p+1] != 0 || frame[p+2] != 0 || frame[p+3] != 0xff {
				t.Fatalf("frame %d pixel %d = %v, want opaque black", i, p/4, frame[p:p+4])
			}
		}
	}

	if res.AudioSamples != 48000 {
		t.Errorf("AudioSamples = %d, want 48000", res.AudioSamples)
	}
	if want := int64(44 + 48000*2*2); enc.wavSize != want {
		t.Errorf("mixdown size = %d, want %d", enc.wavSize, want)
	}
	if !enc.closed || enc.aborted {
		t.Errorf("closed=%v aborted=%v, want clean close", enc.closed, enc.aborted)
	}
	if n := tempEntries(t, opts.TempDir); n != 0 {
		t.Errorf("temp dir holds %d files after render", n)
	}
	if res.JobID == "" {
		t.Error("JobID not set")
	}
}

func TestRenderWritesInOrder(t *testing.T) {
	enc := &fakeEncoder{}
	res := shadeResolver{
		size:  image.Pt(4, 4),
		delay: map[int64]time.Duration{0: 50 * time.Millisecond, 3: 20 * time.Millisecond},
	}
	r := New(zerolog.Nop(), res, silentMixer{testFormat}, enc)

	var progress []float64
	opts := baseOptions(t, 40)
	opts.Progress = func(pct float64) { progress = append(progress, pct) }

	if _, err := r.Render(context.Background(), opts); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if len(enc.frames) != 40 {
		t.Fatalf("wrote %d frames, want 40", len(enc.frames))
	}
	for i, frame := range enc.frames {
		if int(frame[0]) != i {
			t.Fatalf("position %d holds frame %d", i, frame[0])
		}
	}

	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Errorf("progress = %v, want to end at 100", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Fatalf("progress not increasing: %v", progress)
		}
	}
}

func TestRenderScalesMismatchedImages(t *testing.T) {
	enc := &fakeEncoder{}
	r := New(zerolog.Nop(), shadeResolver{size: image.Pt(2, 1)}, silentMixer{testFormat}, enc)

	opts := baseOptions(t, 2)
	opts.Width, opts.Height = 8, 8
	if _, err := r.Render(context.Background(), opts); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	frame := enc.frames[1]
	if len(frame) != 8*8*4 {
		t.Fatalf("frame is %d bytes, want %d", len(frame), 8*8*4)
	}
	// 2x1 scaled to 8x4 and centered: rows 0-1 are letterbox, row 4 is picture
	top := frame[0:4]
	mid := frame[(4*8+4)*4 : (4*8+4)*4+4]
	if top[0] != 0 || top[3] != 0xff {
		t.Errorf("letterbox pixel = %v, want opaque black", top)
	}
	if mid[0] != 1 || mid[3] != 0xff {
		t.Errorf("picture pixel = %v, want red=1", mid)
	}
}

func TestRenderEncoderFailureReportsExitCode(t *testing.T) {
	exit := &ffmpeg.ExitError{Code: 3, Output: "boom"}
	enc := &fakeEncoder{failAt: 5, writeErr: errors.New("broken pipe"), closeErr: exit}
	r := New(zerolog.Nop(), shadeResolver{size: image.Pt(4, 4)}, silentMixer{testFormat}, enc)

	var reported error
	opts := baseOptions(t, 30)
	opts.OnError = func(err error) { reported = err }

	res, err := r.Render(context.Background(), opts)
	if err == nil {
		t.Fatal("Render succeeded, want error")
	}

	var ee *ffmpeg.ExitError
	if !errors.As(err, &ee) || ee.Code != 3 {
		t.Errorf("err = %v, want ExitError with code 3", err)
	}
	if reported != err {
		t.Errorf("OnError got %v, want %v", reported, err)
	}
	if res.FramesWritten != 5 {
		t.Errorf("FramesWritten = %d, want 5", res.FramesWritten)
	}
	if !enc.aborted {
		t.Error("encoder not aborted")
	}
	if n := tempEntries(t, opts.TempDir); n != 0 {
		t.Errorf("temp dir holds %d files after failure", n)
	}
}

func TestRenderCloseFailure(t *testing.T) {
	enc := &fakeEncoder{closeErr: &ffmpeg.ExitError{Code: 1}}
	r := New(zerolog.Nop(), shadeResolver{size: image.Pt(4, 4)}, silentMixer{testFormat}, enc)

	_, err := r.Render(context.Background(), baseOptions(t, 3))
	var ee *ffmpeg.ExitError
	if !errors.As(err, &ee) || ee.Code != 1 {
		t.Errorf("err = %v, want ExitError with code 1", err)
	}
}

func TestRenderStartFailureCleansUp(t *testing.T) {
	enc := &fakeEncoder{startErr: errors.New("no ffmpeg")}
	r := New(zerolog.Nop(), shadeResolver{size: image.Pt(4, 4)}, silentMixer{testFormat}, enc)

	opts := baseOptions(t, 3)
	if _, err := r.Render(context.Background(), opts); err == nil {
		t.Fatal("Render succeeded, want error")
	}
	if n := tempEntries(t, opts.TempDir); n != 0 {
		t.Errorf("temp dir holds %d files after failure", n)
	}
}

func TestRenderCancel(t *testing.T) {
	enc := &fakeEncoder{}
	delays := make(map[int64]time.Duration)
	for f := int64(0); f < 100; f++ {
		delays[f] = 10 * time.Millisecond
	}
	r := New(zerolog.Nop(), shadeResolver{size: image.Pt(4, 4), delay: delays}, silentMixer{testFormat}, enc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := baseOptions(t, 100)
	opts.Workers = 1
	opts.Progress = func(float64) { cancel() }
	_, err := r.Render(ctx, opts)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !enc.aborted {
		t.Error("encoder not aborted")
	}
	if len(enc.frames) >= 100 {
		t.Error("render ran to completion despite cancel")
	}
	if n := tempEntries(t, opts.TempDir); n != 0 {
		t.Errorf("temp dir holds %d files after cancel", n)
	}
}

func TestRenderRejectsEmptyTimeline(t *testing.T) {
	r := New(zerolog.Nop(), shadeResolver{}, silentMixer{testFormat}, &fakeEncoder{})
	_, err := r.Render(context.Background(), baseOptions(t, 0))
	if !errors.Is(err, ErrNothingToRender) {
		t.Errorf("err = %v, want ErrNothingToRender", err)
	}
}

func TestToRGBAPassesThroughMatchingImages(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	if got := toRGBA(img, 4, 4); got != img {
		t.Error("matching RGBA image was copied")
	}
	if got := toRGBA(image.NewNRGBA(image.Rect(0, 0, 4, 4)), 4, 4); len(got.Pix) != 64 {
		t.Errorf("converted image has %d bytes", len(got.Pix))
	}
}

type fixedResolver struct{ img image.Image }

func (f fixedResolver) Resolve(context.Context, int64) (image.Image, bool) {
	return f.img, true
}

func TestFramePixelsTrimsSubImages(t *testing.T) {
	tall := image.NewRGBA(image.Rect(0, 0, 4, 8))
	for i := range tall.Pix {
		tall.Pix[i] = 0x40
	}
	top := tall.SubImage(image.Rect(0, 0, 4, 4)).(*image.RGBA)

	r := New(zerolog.Nop(), fixedResolver{top}, silentMixer{testFormat}, &fakeEncoder{})
	pix := r.framePixels(context.Background(), 0, 4, 4, blackFrame(4, 4))
	if len(pix) != 4*4*4 {
		t.Fatalf("frame has %d bytes, want %d", len(pix), 4*4*4)
	}
	if pix[0] != 0x40 {
		t.Errorf("first byte = %#x, want source pixel", pix[0])
	}
}
