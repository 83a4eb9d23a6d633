package resolver

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Sink receives a decoded preview frame; img is nil when the frame has no
// picture. It is called from preview workers.
type Sink func(frame int64, img image.Image)

// PreviewStats is a snapshot of the preview counters
type PreviewStats struct {
	Requested    uint64
	Deduplicated uint64 // already queued or in flight
	Superseded   uint64 // overwritten in the mailbox before a worker took it
	Stale        uint64 // decoded after the display moved on
	Delivered    uint64
	InFlight     int
}

// Preview decodes frames for interactive display off the playback path.
// Requests land in a single-slot mailbox: a newer request overwrites an
// unclaimed older one, a frame already queued or in flight is not
// submitted twice, and results for frames that are no longer current are
// dropped instead of delivered.
type Preview struct {
	logger   zerolog.Logger
	resolver *Resolver
	sink     Sink
	workers  int

	mu       sync.Mutex
	cond     *sync.Cond
	queued   int64
	pending  bool
	inFlight map[int64]struct{}
	closed   bool
	stop     chan struct{}
	wg       sync.WaitGroup

	current atomic.Int64

	requested    atomic.Uint64
	deduplicated atomic.Uint64
	superseded   atomic.Uint64
	stale        atomic.Uint64
	delivered    atomic.Uint64
}

// NewPreview creates a preview with the given worker count (minimum 1)
func NewPreview(logger zerolog.Logger, r *Resolver, workers int, sink Sink) *Preview {
	if workers < 1 {
		workers = 1
	}
	p := &Preview{
		logger:   logger.With().Str("component", "preview").Logger(),
		resolver: r,
		sink:     sink,
		workers:  workers,
		inFlight: make(map[int64]struct{}),
		stop:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.current.Store(-1)
	return p
}

// Start launches the workers. They exit on Stop or when ctx is done.
func (p *Preview) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	go func() {
		select {
		case <-ctx.Done():
			p.shutdown()
		case <-p.stop:
		}
	}()
	p.logger.Debug().Int("workers", p.workers).Msg("preview started")
}

// Request makes frame the current display frame and schedules its decode.
// It reports whether a new decode was queued.
func (p *Preview) Request(frame int64) bool {
	p.current.Store(frame)
	p.requested.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if _, busy := p.inFlight[frame]; busy || (p.pending && p.queued == frame) {
		p.deduplicated.Add(1)
		return false
	}
	if p.pending {
		p.superseded.Add(1)
	}
	p.queued = frame
	p.pending = true
	p.cond.Signal()
	return true
}

// Current returns the frame the display wants, -1 before any request
func (p *Preview) Current() int64 {
	return p.current.Load()
}

// Stop ends the workers and waits for in-flight decodes to finish
func (p *Preview) Stop() {
	p.shutdown()
	p.wg.Wait()
}

func (p *Preview) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.stop)
	p.cond.Broadcast()
}

// Stats returns a snapshot of the counters
func (p *Preview) Stats() PreviewStats {
	p.mu.Lock()
	inFlight := len(p.inFlight)
	p.mu.Unlock()

	return PreviewStats{
		Requested:    p.requested.Load(),
		Deduplicated: p.deduplicated.Load(),
		Superseded:   p.superseded.Load(),
		Stale:        p.stale.Load(),
		Delivered:    p.delivered.Load(),
		InFlight:     inFlight,
	}
}

func (p *Preview) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		frame, ok := p.take()
		if !ok {
			return
		}

		img, _ := p.resolver.Resolve(ctx, frame)

		p.mu.Lock()
		delete(p.inFlight, frame)
		p.mu.Unlock()

		if p.current.Load() != frame {
			p.stale.Add(1)
			continue
		}
		if p.sink != nil {
			p.sink(frame, img)
		}
		p.delivered.Add(1)
	}
}

// take blocks until a frame is queued, moving it to in flight
func (p *Preview) take() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.pending && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return 0, false
	}
	frame := p.queued
	p.pending = false
	p.inFlight[frame] = struct{}{}
	return frame, true
}
