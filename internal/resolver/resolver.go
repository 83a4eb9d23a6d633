// Package resolver picks the clip that represents a timeline frame on
// screen and fetches its decoded image.
package resolver

import (
	"context"
	"errors"
	"image"
	"sync/atomic"

	"github.com/keagan/splice/internal/clips"
	"github.com/keagan/splice/internal/media"
	"github.com/keagan/splice/internal/timeline"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog"
)

// ClipSource answers which clips of a kind are active at a frame
type ClipSource interface {
	ActiveAt(frame int64, kind timeline.TrackKind) []clips.Clip
}

// ImageSource decodes one source frame; media.Pool implements it
type ImageSource interface {
	ImageAt(ctx context.Context, sourceID string, frame int64) (image.Image, error)
}

// Resolver maps timeline frames to images. It is safe for concurrent use;
// the render worker pool and the preview workers share one.
type Resolver struct {
	logger zerolog.Logger
	clips  ClipSource
	images ImageSource

	failures atomic.Uint64
}

// New creates a resolver
func New(logger zerolog.Logger, clips ClipSource, images ImageSource) *Resolver {
	return &Resolver{
		logger: logger.With().Str("component", "resolver").Logger(),
		clips:  clips,
		images: images,
	}
}

// Pick returns the topmost video clip at frame: lowest track index, then
// earliest start, then lowest ID.
func (r *Resolver) Pick(frame int64) (clips.Clip, bool) {
	active := r.clips.ActiveAt(frame, timeline.Video)
	if len(active) == 0 {
		return clips.Clip{}, false
	}

	best := 0
	for i := 1; i < len(active); i++ {
		if above(&active[i], &active[best]) {
			best = i
		}
	}
	return active[best], true
}

func above(a, b *clips.Clip) bool {
	if a.TrackIndex != b.TrackIndex {
		return a.TrackIndex < b.TrackIndex
	}
	if a.StartFrame != b.StartFrame {
		return a.StartFrame < b.StartFrame
	}
	return a.ID < b.ID
}

// Resolve decodes the picked clip at its mapped source frame. ok is false
// when nothing covers the frame or the decode failed; callers show black.
func (r *Resolver) Resolve(ctx context.Context, frame int64) (img image.Image, ok bool) {
	c, found := r.Pick(frame)
	if !found {
		return nil, false
	}

	img, err := r.images.ImageAt(ctx, c.MediaSourceID, c.SourceFrame(frame))
	if err != nil {
		if countable(err) && ctx.Err() == nil {
			r.failures.Add(1)
			r.logger.Debug().Err(err).Str("clip", string(c.ID)).Int64("frame", frame).Msg("image decode failed")
		}
		return nil, false
	}
	if img == nil {
		return nil, false
	}
	return img, true
}

// countable separates real decode failures from sources that simply have
// nothing at the frame.
func countable(err error) bool {
	return !errors.Is(err, media.ErrUnknownSource) && !errors.Is(err, media.ErrNoFrame)
}

// Failures counts decode errors replaced by black
func (r *Resolver) Failures() uint64 {
	return r.failures.Load()
}

// Fit scales img down to fit within maxW x maxH, keeping its aspect ratio.
// Images that already fit are returned unchanged; zero bounds disable
// that axis.
func Fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	if maxW <= 0 {
		maxW = b.Dx()
	}
	if maxH <= 0 {
		maxH = b.Dy()
	}
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img
	}
	return resize.Thumbnail(uint(maxW), uint(maxH), img, resize.Bilinear)
}
