// Package audio holds the per-frame mix shared by playback and render, the
// output device abstraction and the WAV asset writer.
package audio

import (
	"context"
	"errors"
	"math"
	"sync/atomic"

	"github.com/keagan/splice/internal/clips"
	"github.com/keagan/splice/internal/clock"
	"github.com/keagan/splice/internal/media"
	"github.com/keagan/splice/internal/timeline"
	"github.com/rs/zerolog"
)

// ClipSource answers which clips of a kind are active at a frame
type ClipSource interface {
	ActiveAt(frame int64, kind timeline.TrackKind) []clips.Clip
}

// PCMSource decodes one source frame of audio
type PCMSource interface {
	PCMAt(ctx context.Context, sourceID string, frame int64) ([]int16, error)
}

// Format is the mix layout: interleaved signed 16-bit at SampleRate
type Format struct {
	SampleRate int
	Channels   int
	FPS        float64
}

// SamplesPerFrame returns the interleaved sample count of a timeline frame
func (f Format) SamplesPerFrame(frame int64) int {
	_, n := clock.SampleSpan(frame, f.SampleRate, f.FPS)
	return n * f.Channels
}

// Mixer sums every eligible audio clip for a timeline frame. It holds no
// timing state, so playback and offline render produce identical chunks.
type Mixer struct {
	logger zerolog.Logger
	clips  ClipSource
	pcm    PCMSource
	format Format

	decodeErrors atomic.Uint64
}

// NewMixer creates a mixer over a clip source and a PCM source
func NewMixer(logger zerolog.Logger, clips ClipSource, pcm PCMSource, format Format) *Mixer {
	return &Mixer{
		logger: logger.With().Str("component", "mixer").Logger(),
		clips:  clips,
		pcm:    pcm,
		format: format,
	}
}

// Format returns the output format
func (m *Mixer) Format() Format {
	return m.format
}

// DecodeErrors counts clip frames that were replaced by silence
func (m *Mixer) DecodeErrors() uint64 {
	return m.decodeErrors.Load()
}

// Mix returns the clipped chunk for one timeline frame. The chunk always
// has the frame's expected length; frames with no contribution are silent.
func (m *Mixer) Mix(ctx context.Context, frame int64) []int16 {
	n := m.format.SamplesPerFrame(frame)
	out := make([]int16, n)

	active := m.clips.ActiveAt(frame, timeline.Audio)
	if len(active) == 0 {
		return out
	}

	acc := make([]int32, n)
	for i := range active {
		c := &active[i]
		block, err := m.pcm.PCMAt(ctx, c.MediaSourceID, c.SourceFrame(frame))
		if err != nil {
			// One bad clip frame is silence for that clip only.
			if !errors.Is(err, media.ErrUnknownSource) && !errors.Is(err, media.ErrNoFrame) {
				m.decodeErrors.Add(1)
				m.logger.Debug().Err(err).Str("clip", string(c.ID)).Int64("frame", frame).Msg("pcm decode failed")
			}
			continue
		}
		accumulate(acc, block, c.FadeGain(c.LocalFrame(frame)))
	}

	for i, v := range acc {
		out[i] = clip16(v)
	}
	return out
}

// accumulate adds block*gain into acc, truncating whichever is longer.
func accumulate(acc []int32, block []int16, gain float64) {
	if len(block) > len(acc) {
		block = block[:len(acc)]
	}
	if gain >= 1 {
		for i, s := range block {
			acc[i] += int32(s)
		}
		return
	}
	if gain <= 0 {
		return
	}
	for i, s := range block {
		acc[i] += int32(math.Round(float64(s) * gain))
	}
}

func clip16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Peaks returns the peak absolute amplitude of each channel, scaled to [0,1].
func Peaks(chunk []int16, channels int) []float64 {
	if channels <= 0 {
		return nil
	}
	peaks := make([]int32, channels)
	for i, s := range chunk {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if ch := i % channels; v > peaks[ch] {
			peaks[ch] = v
		}
	}

	out := make([]float64, channels)
	for ch, p := range peaks {
		out[ch] = math.Min(1, float64(p)/math.MaxInt16)
	}
	return out
}
