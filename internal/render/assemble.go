package render

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/keagan/splice/internal/ffmpeg"
	"github.com/nfnt/resize"
	"golang.org/x/sync/errgroup"
)

// future carries one frame from a worker to the in-order writer
type future struct {
	frame int64
	pix   chan []byte
}

type writeError struct {
	frame int64
	err   error
}

func (e *writeError) Error() string {
	return fmt.Sprintf("write frame %d: %v", e.frame, e.err)
}

func (e *writeError) Unwrap() error { return e.err }

// assemble resolves frames on a bounded worker pool and writes them in
// order. The producer queues futures in frame order before handing them to
// workers, so the writer only ever waits on the oldest outstanding frame.
func (r *Renderer) assemble(ctx context.Context, session ffmpeg.EncodeSession, opts Options, res *Result) error {
	g, gctx := errgroup.WithContext(ctx)

	queue := make(chan *future, opts.QueueDepth)
	work := make(chan *future)
	black := blackFrame(opts.Width, opts.Height)

	g.Go(func() error {
		defer close(work)
		defer close(queue)
		for f := int64(0); f < opts.TotalFrames; f++ {
			fut := &future{frame: f, pix: make(chan []byte, 1)}
			select {
			case queue <- fut:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case work <- fut:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			for fut := range work {
				fut.pix <- r.framePixels(gctx, fut.frame, opts.Width, opts.Height, black)
			}
			return nil
		})
	}

	g.Go(func() error {
		lastPct := -1
		for fut := range queue {
			var pix []byte
			select {
			case pix = <-fut.pix:
			case <-gctx.Done():
				return gctx.Err()
			}
			if err := session.Write(pix); err != nil {
				return &writeError{frame: fut.frame, err: err}
			}
			res.FramesWritten++

			if opts.Progress != nil {
				pct := float64(res.FramesWritten) / float64(opts.TotalFrames) * 100
				if whole := int(math.Floor(pct)); whole != lastPct {
					lastPct = whole
					opts.Progress(pct)
				}
			}
		}
		return nil
	})

	return g.Wait()
}

// framePixels returns the RGBA bytes for a frame, black when nothing
// resolves.
func (r *Renderer) framePixels(ctx context.Context, frame int64, w, h int, black []byte) []byte {
	if ctx.Err() != nil {
		return black
	}
	img, ok := r.resolver.Resolve(ctx, frame)
	if !ok {
		return black
	}
	return toRGBA(img, w, h).Pix[:w*h*4]
}

func blackFrame(w, h int) []byte {
	pix := make([]byte, w*h*4)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 0xff
	}
	return pix
}

// toRGBA returns img as a tightly packed w x h RGBA image. Other sizes are
// scaled to fit and centered on black.
func toRGBA(img image.Image, w, h int) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b == image.Rect(0, 0, w, h) && rgba.Stride == w*4 {
		return rgba
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(dst.Pix, blackFrame(w, h))

	src := img
	if b.Dx() != w || b.Dy() != h {
		scale := math.Min(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
		nw := max(1, int(math.Round(float64(b.Dx())*scale)))
		nh := max(1, int(math.Round(float64(b.Dy())*scale)))
		src = resize.Resize(uint(nw), uint(nh), img, resize.Bilinear)
	}

	sb := src.Bounds()
	off := image.Pt((w-sb.Dx())/2, (h-sb.Dy())/2)
	draw.Draw(dst, sb.Sub(sb.Min).Add(off), src, sb.Min, draw.Over)
	return dst
}
