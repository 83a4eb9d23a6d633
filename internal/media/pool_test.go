package media

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/rs/zerolog"
)

type closingDecoder struct {
	Generator
	closed bool
}

func (c *closingDecoder) Close() error {
	c.closed = true
	return nil
}

type failingDecoder struct{}

func (failingDecoder) ImageAt(context.Context, int64) (image.Image, error) {
	return nil, errors.New("corrupt packet")
}

func (failingDecoder) PCMAt(context.Context, int64) ([]int16, error) {
	return nil, errors.New("corrupt packet")
}

var testFormat = Format{SampleRate: 48000, Channels: 2, FPS: 30}

func TestPoolUnknownSource(t *testing.T) {
	p := NewPool(zerolog.Nop())
	ctx := context.Background()

	if _, err := p.ImageAt(ctx, "nope", 0); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("ImageAt unknown = %v", err)
	}
	if _, err := p.PCMAt(ctx, "nope", 0); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("PCMAt unknown = %v", err)
	}
	if p.Failures() != 0 {
		t.Error("unknown source must not count as a decode failure")
	}
}

func TestPoolCountsFailures(t *testing.T) {
	p := NewPool(zerolog.Nop())
	p.Register("bad", failingDecoder{})

	if _, err := p.ImageAt(context.Background(), "bad", 3); err == nil {
		t.Fatal("expected decode error")
	}
	if p.Failures() != 1 {
		t.Errorf("Failures = %d, want 1", p.Failures())
	}
}

type emptyDecoder struct{}

func (emptyDecoder) ImageAt(context.Context, int64) (image.Image, error) {
	return nil, ErrNoFrame
}

func (emptyDecoder) PCMAt(context.Context, int64) ([]int16, error) {
	return nil, ErrNoFrame
}

func TestPoolNoFrameIsNotAFailure(t *testing.T) {
	p := NewPool(zerolog.Nop())
	p.Register("short", emptyDecoder{})
	ctx := context.Background()

	if _, err := p.ImageAt(ctx, "short", 900); !errors.Is(err, ErrNoFrame) {
		t.Errorf("ImageAt = %v, want ErrNoFrame", err)
	}
	if _, err := p.PCMAt(ctx, "short", 900); !errors.Is(err, ErrNoFrame) {
		t.Errorf("PCMAt = %v, want ErrNoFrame", err)
	}
	if p.Failures() != 0 {
		t.Errorf("Failures = %d, want 0", p.Failures())
	}
}

func TestPoolReplaceAndCloseReleaseDecoders(t *testing.T) {
	p := NewPool(zerolog.Nop())
	first := &closingDecoder{}
	second := &closingDecoder{}

	p.Register("a", first)
	p.Register("a", second)
	if !first.closed {
		t.Error("replaced decoder not closed")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !second.closed {
		t.Error("decoder not closed by pool Close")
	}
	if len(p.IDs()) != 0 {
		t.Errorf("pool not empty after close: %v", p.IDs())
	}
}

func TestParseGenerator(t *testing.T) {
	tests := []struct {
		in      string
		isGen   bool
		wantErr bool
	}{
		{"color:#ff8000", true, false},
		{"tone:440", true, false},
		{"tone:440@0.25", true, false},
		{"tone:abc", true, true},
		{"color:red", true, true},
		{"/media/take1.mov", false, false},
		{"http://host/clip.mp4", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			g, ok, err := ParseGenerator(tt.in, testFormat)
			if ok != tt.isGen {
				t.Fatalf("ok = %v, want %v", ok, tt.isGen)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok && !tt.wantErr && g == nil {
				t.Fatal("nil generator without error")
			}
		})
	}

	g, _, _ := ParseGenerator("color:#ff8000", testFormat)
	if g.Color != (color.RGBA{R: 255, G: 128, B: 0, A: 255}) {
		t.Errorf("color = %v", g.Color)
	}
}

func TestGeneratorPCMLength(t *testing.T) {
	g := &Generator{ToneHz: 1000, Level: 0.5, Format: testFormat}
	pcm, err := g.PCMAt(context.Background(), 4)
	if err != nil {
		t.Fatalf("PCMAt: %v", err)
	}
	if len(pcm) != 1600*2 {
		t.Errorf("len = %d, want 3200", len(pcm))
	}

	var peak int16
	for _, s := range pcm {
		if s > peak {
			peak = s
		}
	}
	if peak < 16000 || peak > 16384 {
		t.Errorf("peak %d outside expected half-scale range", peak)
	}
}

func TestGeneratorImageSize(t *testing.T) {
	g := &Generator{Color: color.RGBA{R: 10, A: 255}, Width: 8, Height: 6}
	img, err := g.ImageAt(context.Background(), 0)
	if err != nil {
		t.Fatalf("ImageAt: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 6 {
		t.Errorf("bounds = %v, want 8x6", b)
	}
	if r, _, _, _ := img.At(3, 3).RGBA(); r>>8 != 10 {
		t.Errorf("red = %d, want 10", r>>8)
	}

	g.Width, g.Height = 0, 0
	img, _ = g.ImageAt(context.Background(), 0)
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
		t.Errorf("default bounds = %v, want 16x16", b)
	}
}
