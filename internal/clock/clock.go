// Package clock turns the audio device's played-sample counter into the
// canonical timeline frame. Played samples are the only time source: wall
// clock time is subject to scheduler jitter, hardware position is not.
package clock

import (
	"math"
	"sync/atomic"
)

type origin struct {
	frame    int64
	position int64
}

// Clock maps device sample positions to timeline frames relative to the
// last Reset. The origin pair is swapped as a unit, so a reader never
// sees the frame of one reset with the position of another.
type Clock struct {
	sampleRate int
	fps        float64
	origin     atomic.Pointer[origin]
}

// New creates a clock anchored at frame 0, position 0
func New(sampleRate int, fps float64) *Clock {
	c := &Clock{sampleRate: sampleRate, fps: fps}
	c.origin.Store(&origin{})
	return c
}

// SampleRate returns the device sample rate in Hz
func (c *Clock) SampleRate() int {
	return c.sampleRate
}

// FPS returns the timeline frame rate
func (c *Clock) FPS() float64 {
	return c.fps
}

// Reset anchors timelineFrame to the device position read at the same instant
func (c *Clock) Reset(timelineFrame, devicePosition int64) {
	c.origin.Store(&origin{frame: timelineFrame, position: devicePosition})
}

// Origin returns the current anchor pair
func (c *Clock) Origin() (timelineFrame, devicePosition int64) {
	o := c.origin.Load()
	return o.frame, o.position
}

// FrameFor returns the timeline frame being heard at devicePosition.
// The result is floored so a frame boundary is never crossed early.
func (c *Clock) FrameFor(devicePosition int64) int64 {
	o := c.origin.Load()
	// Multiply before dividing: exact frame boundaries stay exact.
	frames := float64(devicePosition-o.position) * c.fps / float64(c.sampleRate)
	return o.frame + int64(math.Floor(frames))
}

// SecondsFor returns unquantized timeline seconds at devicePosition
func (c *Clock) SecondsFor(devicePosition int64) float64 {
	o := c.origin.Load()
	return float64(o.frame)/c.fps + float64(devicePosition-o.position)/float64(c.sampleRate)
}

// SampleSpan returns the first sample index and the number of samples
// (per channel) belonging to a timeline frame. Boundaries are floored, so
// consecutive frames tile the sample line exactly even at 29.97 fps.
func SampleSpan(frame int64, sampleRate int, fps float64) (first int64, count int) {
	first = sampleBoundary(frame, sampleRate, fps)
	next := sampleBoundary(frame+1, sampleRate, fps)
	return first, int(next - first)
}

func sampleBoundary(frame int64, sampleRate int, fps float64) int64 {
	return int64(math.Floor(float64(frame) * float64(sampleRate) / fps))
}

// FramesToSamples converts a frame count to a sample count at the frame boundary
func FramesToSamples(frames int64, sampleRate int, fps float64) int64 {
	return sampleBoundary(frames, sampleRate, fps)
}
