package clips

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// ID identifies a clip for its whole lifetime, across moves and trims
type ID string

// NewID returns a fresh random clip identity
func NewID() ID {
	return ID(uuid.NewString())
}

// Transform is the optional geometric placement of a clip's picture
type Transform struct {
	X        float64 `yaml:"x"`
	Y        float64 `yaml:"y"`
	ScaleX   float64 `yaml:"scale_x"`
	ScaleY   float64 `yaml:"scale_y"`
	Rotation float64 `yaml:"rotation"`
}

// Keyframe maps a clip-local frame to an absolute source frame
type Keyframe struct {
	LocalFrame  int64 `yaml:"local"`
	SourceFrame int64 `yaml:"source"`
}

// Clip places a span of a media source on one track
type Clip struct {
	ID                 ID
	Name               string
	StartFrame         int64
	DurationFrames     int64
	TrackIndex         int
	MediaSourceID      string
	SourceOffsetFrames int64

	FadeInFrames  int64
	FadeOutFrames int64
	FadeInCurve   FadeCurve
	FadeOutCurve  FadeCurve

	OpacityStart float64
	OpacityEnd   float64
	Transform    *Transform

	// TimeRemap is kept sorted by LocalFrame.
	TimeRemap []Keyframe
}

// New creates a clip with a fresh ID, full opacity and no fades
func New(name, mediaSourceID string, start, duration int64, track int) *Clip {
	return &Clip{
		ID:             NewID(),
		Name:           name,
		StartFrame:     start,
		DurationFrames: duration,
		TrackIndex:     track,
		MediaSourceID:  mediaSourceID,
		OpacityStart:   1,
		OpacityEnd:     1,
	}
}

// End is the first frame after the clip
func (c *Clip) End() int64 {
	return c.StartFrame + c.DurationFrames
}

// Contains reports whether frame falls in [StartFrame, End)
func (c *Clip) Contains(frame int64) bool {
	return frame >= c.StartFrame && frame < c.End()
}

// LocalFrame converts a timeline frame to a frame offset inside the clip
func (c *Clip) LocalFrame(frame int64) int64 {
	return frame - c.StartFrame
}

// SourceFrame maps a timeline frame to the frame to request from the media source.
func (c *Clip) SourceFrame(frame int64) int64 {
	local := c.LocalFrame(frame)
	if len(c.TimeRemap) == 0 {
		return c.SourceOffsetFrames + local
	}
	return remap(c.TimeRemap, local)
}

// remap interpolates between keyframes and continues at normal speed past either end.
func remap(keys []Keyframe, local int64) int64 {
	first, last := keys[0], keys[len(keys)-1]
	if local <= first.LocalFrame {
		return first.SourceFrame + (local - first.LocalFrame)
	}
	if local >= last.LocalFrame {
		return last.SourceFrame + (local - last.LocalFrame)
	}

	i := sort.Search(len(keys), func(i int) bool { return keys[i].LocalFrame > local })
	a, b := keys[i-1], keys[i]
	t := float64(local-a.LocalFrame) / float64(b.LocalFrame-a.LocalFrame)
	return a.SourceFrame + int64(math.Floor(t*float64(b.SourceFrame-a.SourceFrame)))
}

// SetTimeRemap replaces the keyframes, sorting them by local frame
func (c *Clip) SetTimeRemap(keys []Keyframe) {
	c.TimeRemap = append([]Keyframe(nil), keys...)
	sort.SliceStable(c.TimeRemap, func(i, j int) bool {
		return c.TimeRemap[i].LocalFrame < c.TimeRemap[j].LocalFrame
	})
}

// FadeGain returns the audio gain at a clip-local frame from both fades.
func (c *Clip) FadeGain(local int64) float64 {
	gain := 1.0
	if c.FadeInFrames > 0 && local < c.FadeInFrames {
		gain *= c.FadeInCurve.Gain(float64(local) / float64(c.FadeInFrames))
	}
	if c.FadeOutFrames > 0 && local > c.DurationFrames-c.FadeOutFrames {
		gain *= c.FadeOutCurve.Gain(float64(c.DurationFrames-local) / float64(c.FadeOutFrames))
	}
	return gain
}

// Opacity interpolates the opacity envelope at a clip-local frame
func (c *Clip) Opacity(local int64) float64 {
	if c.DurationFrames <= 1 {
		return c.OpacityStart
	}
	t := float64(local) / float64(c.DurationFrames-1)
	t = math.Max(0, math.Min(1, t))
	return c.OpacityStart + (c.OpacityEnd-c.OpacityStart)*t
}

// Clone returns a deep copy sharing no slices or pointers with c
func (c *Clip) Clone() *Clip {
	out := *c
	if c.Transform != nil {
		tr := *c.Transform
		out.Transform = &tr
	}
	out.TimeRemap = append([]Keyframe(nil), c.TimeRemap...)
	return &out
}

// Validation errors
var (
	ErrEmptyClip      = errors.New("clip duration must be positive")
	ErrNegativeTrack  = errors.New("clip track index must be non-negative")
	ErrMissingID      = errors.New("clip has no id")
	ErrFadeTooLong    = errors.New("fades exceed clip duration")
	ErrNegativeOffset = errors.New("source offset must be non-negative")
)

// Validate checks the clip's own invariants (not placement against other clips).
func (c *Clip) Validate() error {
	switch {
	case c.ID == "":
		return ErrMissingID
	case c.DurationFrames <= 0:
		return fmt.Errorf("%w: %q has %d frames", ErrEmptyClip, c.Name, c.DurationFrames)
	case c.TrackIndex < 0:
		return fmt.Errorf("%w: %q on track %d", ErrNegativeTrack, c.Name, c.TrackIndex)
	case c.SourceOffsetFrames < 0:
		return fmt.Errorf("%w: %q offset %d", ErrNegativeOffset, c.Name, c.SourceOffsetFrames)
	case c.FadeInFrames < 0 || c.FadeOutFrames < 0 || c.FadeInFrames+c.FadeOutFrames > c.DurationFrames:
		return fmt.Errorf("%w: %q in=%d out=%d duration=%d",
			ErrFadeTooLong, c.Name, c.FadeInFrames, c.FadeOutFrames, c.DurationFrames)
	}
	return nil
}
