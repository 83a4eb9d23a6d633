package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/keagan/splice/internal/clock"
)

// Generator is a synthetic source: a solid picture and an optional sine
// tone. Useful for slates, gaps filled with color and test projects.
type Generator struct {
	Color  color.RGBA
	ToneHz float64
	Level  float64 // tone amplitude, 0..1
	Width  int
	Height int
	Format Format
}

// ImageAt returns a solid Width x Height image of the generator's color.
// Unset sizes fall back to a small tile that consumers scale.
func (g *Generator) ImageAt(_ context.Context, frame int64) (image.Image, error) {
	if frame < 0 {
		return nil, ErrNoFrame
	}
	w, h := g.Width, g.Height
	if w <= 0 || h <= 0 {
		w, h = 16, 16
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = g.Color.R
		img.Pix[i+1] = g.Color.G
		img.Pix[i+2] = g.Color.B
		img.Pix[i+3] = g.Color.A
	}
	return img, nil
}

// PCMAt renders the tone for one frame; phase is continuous across frames.
func (g *Generator) PCMAt(_ context.Context, frame int64) ([]int16, error) {
	if frame < 0 {
		return nil, ErrNoFrame
	}
	first, n := clock.SampleSpan(frame, g.Format.SampleRate, g.Format.FPS)
	out := make([]int16, n*g.Format.Channels)
	if g.ToneHz <= 0 || g.Level <= 0 {
		return out, nil
	}

	amp := g.Level * math.MaxInt16
	for i := 0; i < n; i++ {
		t := float64(first+int64(i)) / float64(g.Format.SampleRate)
		v := int16(amp * math.Sin(2*math.Pi*g.ToneHz*t))
		for ch := 0; ch < g.Format.Channels; ch++ {
			out[i*g.Format.Channels+ch] = v
		}
	}
	return out, nil
}

// ParseGenerator reads "color:#rrggbb" or "tone:440[@0.5]" descriptors.
// ok is false when s is not a generator descriptor (i.e. a file path).
func ParseGenerator(s string, format Format) (*Generator, bool, error) {
	kind, arg, found := strings.Cut(s, ":")
	if !found {
		return nil, false, nil
	}

	g := &Generator{Color: color.RGBA{A: 255}, Format: format}
	switch kind {
	case "color":
		c, err := parseHexColor(arg)
		if err != nil {
			return nil, true, err
		}
		g.Color = c
	case "tone":
		hz, level, _ := strings.Cut(arg, "@")
		f, err := strconv.ParseFloat(hz, 64)
		if err != nil {
			return nil, true, fmt.Errorf("invalid tone frequency: %s", hz)
		}
		g.ToneHz = f
		g.Level = 0.5
		if level != "" {
			if g.Level, err = strconv.ParseFloat(level, 64); err != nil {
				return nil, true, fmt.Errorf("invalid tone level: %s", level)
			}
		}
	default:
		return nil, false, nil
	}
	return g, true, nil
}

func parseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid color: %s", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color: %s", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}
