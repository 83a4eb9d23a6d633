package pipeline

import (
	"fmt"
	"os"

	"github.com/keagan/splice/internal/clips"
	"github.com/keagan/splice/internal/timeline"
	"github.com/keagan/splice/pkg/util"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Project is the YAML edit list a session is built from. Positions are
// strings: a plain integer is a frame number, anything else is a timestamp
// ("2.5", "01:30", "00:01:30.5").
type Project struct {
	Name   string  `yaml:"name"`
	FPS    float64 `yaml:"fps"`
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	// Length extends the timeline past its last clip
	Length string `yaml:"length,omitempty"`

	Tracks []TrackSpec `yaml:"tracks"`
	// Media maps source ids to file paths or generator descriptors
	// ("color:#202020", "tone:440@0.3").
	Media map[string]string `yaml:"media"`
	Clips []ClipSpec        `yaml:"clips"`
}

// TrackSpec declares one track; its position in the list is its index
type TrackSpec struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Height int    `yaml:"height,omitempty"`
}

// ClipSpec places one clip
type ClipSpec struct {
	Name     string `yaml:"name"`
	Media    string `yaml:"media"`
	Track    int    `yaml:"track"`
	Start    string `yaml:"start"`
	Duration string `yaml:"duration"`
	Offset   string `yaml:"offset,omitempty"`

	FadeIn       string          `yaml:"fade_in,omitempty"`
	FadeOut      string          `yaml:"fade_out,omitempty"`
	FadeInCurve  clips.FadeCurve `yaml:"fade_in_curve,omitempty"`
	FadeOutCurve clips.FadeCurve `yaml:"fade_out_curve,omitempty"`

	Opacity   []float64        `yaml:"opacity,omitempty"` // [start, end]
	Transform *clips.Transform `yaml:"transform,omitempty"`
	Remap     []clips.Keyframe `yaml:"remap,omitempty"`
}

// LoadProject reads a project file
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project: %w", err)
	}
	return ParseProject(data)
}

// ParseProject decodes and validates a project document
func ParseProject(data []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse project: %w", err)
	}
	if p.FPS <= 0 {
		p.FPS = 30
	}
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("project size %dx%d is invalid", p.Width, p.Height)
	}
	if len(p.Tracks) == 0 {
		return nil, fmt.Errorf("project has no tracks")
	}
	for i, c := range p.Clips {
		if _, ok := p.Media[c.Media]; !ok {
			return nil, fmt.Errorf("clip %d (%s): unknown media %q", i, c.Name, c.Media)
		}
	}
	return &p, nil
}

// Build constructs a timeline from the project
func (p *Project) Build(logger zerolog.Logger) (*timeline.Timeline, error) {
	tl := timeline.New(logger, timeline.Settings{FPS: p.FPS, Width: p.Width, Height: p.Height})

	for i, ts := range p.Tracks {
		kind, err := timeline.ParseTrackKind(ts.Kind)
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", i, err)
		}
		tl.AddTrack(kind, ts.Name)
	}

	for i := range p.Clips {
		c, err := p.clip(&p.Clips[i])
		if err != nil {
			return nil, fmt.Errorf("clip %d (%s): %w", i, p.Clips[i].Name, err)
		}
		if err := tl.Add(c); err != nil {
			return nil, fmt.Errorf("clip %d (%s): %w", i, p.Clips[i].Name, err)
		}
	}

	if p.Length != "" {
		n, err := util.ParseFrame(p.Length, p.FPS)
		if err != nil {
			return nil, fmt.Errorf("length: %w", err)
		}
		tl.SetLength(n)
	}
	return tl, nil
}

func (p *Project) clip(cs *ClipSpec) (*clips.Clip, error) {
	frames := func(field, s string) (int64, error) {
		if s == "" {
			return 0, nil
		}
		n, err := util.ParseFrame(s, p.FPS)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", field, err)
		}
		return n, nil
	}

	start, err := frames("start", cs.Start)
	if err != nil {
		return nil, err
	}
	duration, err := frames("duration", cs.Duration)
	if err != nil {
		return nil, err
	}

	c := clips.New(cs.Name, cs.Media, start, duration, cs.Track)
	if c.SourceOffsetFrames, err = frames("offset", cs.Offset); err != nil {
		return nil, err
	}
	if c.FadeInFrames, err = frames("fade_in", cs.FadeIn); err != nil {
		return nil, err
	}
	if c.FadeOutFrames, err = frames("fade_out", cs.FadeOut); err != nil {
		return nil, err
	}
	c.FadeInCurve = cs.FadeInCurve
	c.FadeOutCurve = cs.FadeOutCurve

	switch len(cs.Opacity) {
	case 0:
	case 1:
		c.OpacityStart, c.OpacityEnd = cs.Opacity[0], cs.Opacity[0]
	case 2:
		c.OpacityStart, c.OpacityEnd = cs.Opacity[0], cs.Opacity[1]
	default:
		return nil, fmt.Errorf("opacity takes one or two values")
	}

	c.Transform = cs.Transform
	if len(cs.Remap) > 0 {
		c.SetTimeRemap(cs.Remap)
	}
	return c, c.Validate()
}
