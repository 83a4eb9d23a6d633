// Package media resolves media source ids to decoders. A Pool is owned by
// one editing session; nothing here is process-global.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	// ErrUnknownSource is returned for ids that were never registered.
	// Playback and render treat it as "no contribution".
	ErrUnknownSource = errors.New("unknown media source")
	// ErrNoFrame means the source has nothing at the requested frame.
	ErrNoFrame = errors.New("no frame at position")
)

// Format describes the PCM layout every decoder in a session produces
type Format struct {
	SampleRate int
	Channels   int
	FPS        float64
}

// Decoder produces decoded content for one media source. Both calls may
// be slow; PCMAt returns interleaved int16 samples covering exactly one
// source frame at the session format.
type Decoder interface {
	ImageAt(ctx context.Context, frame int64) (image.Image, error)
	PCMAt(ctx context.Context, frame int64) ([]int16, error)
}

// Pool maps media source ids to decoders
type Pool struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	sources map[string]Decoder

	failures atomic.Uint64
}

// NewPool creates an empty pool
func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{
		logger:  logger.With().Str("component", "media-pool").Logger(),
		sources: make(map[string]Decoder),
	}
}

// Register adds or replaces the decoder for id
func (p *Pool) Register(id string, d Decoder) {
	p.mu.Lock()
	old := p.sources[id]
	p.sources[id] = d
	p.mu.Unlock()

	closeDecoder(old)
	p.logger.Debug().Str("source", id).Msg("media source registered")
}

// Remove drops a source, closing its decoder if it holds resources
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	old := p.sources[id]
	delete(p.sources, id)
	p.mu.Unlock()

	closeDecoder(old)
}

// Lookup returns the decoder for id
func (p *Pool) Lookup(id string) (Decoder, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.sources[id]
	return d, ok
}

// IDs lists registered sources in sorted order
func (p *Pool) IDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.sources))
	for id := range p.sources {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// ImageAt decodes a picture from source id. The pool lock is released
// before decoding.
func (p *Pool) ImageAt(ctx context.Context, id string, frame int64) (image.Image, error) {
	d, ok := p.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	img, err := d.ImageAt(ctx, frame)
	if err != nil {
		p.countFailure(err)
		return nil, fmt.Errorf("decode image %s@%d: %w", id, frame, err)
	}
	return img, nil
}

// PCMAt decodes one frame of audio from source id
func (p *Pool) PCMAt(ctx context.Context, id string, frame int64) ([]int16, error) {
	d, ok := p.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	pcm, err := d.PCMAt(ctx, frame)
	if err != nil {
		p.countFailure(err)
		return nil, fmt.Errorf("decode pcm %s@%d: %w", id, frame, err)
	}
	return pcm, nil
}

// countFailure counts err unless the source simply has nothing there
func (p *Pool) countFailure(err error) {
	if !errors.Is(err, ErrNoFrame) {
		p.failures.Add(1)
	}
}

// Failures counts decode errors since the pool was created
func (p *Pool) Failures() uint64 {
	return p.failures.Load()
}

// Close releases every decoder
func (p *Pool) Close() error {
	p.mu.Lock()
	sources := p.sources
	p.sources = make(map[string]Decoder)
	p.mu.Unlock()

	var errs []error
	for _, d := range sources {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func closeDecoder(d Decoder) {
	if c, ok := d.(io.Closer); ok {
		_ = c.Close()
	}
}
