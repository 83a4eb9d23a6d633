// Package playback runs the transport: a dedicated goroutine that keeps the
// audio device fed a few frames ahead of what is audible and derives the
// canonical playhead from the device's played-sample position.
package playback

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keagan/splice/internal/audio"
	"github.com/keagan/splice/internal/clock"
	"github.com/keagan/splice/internal/timeline"
	"github.com/rs/zerolog"
)

// ErrAlreadyPlaying is returned by Play while the loop is running
var ErrAlreadyPlaying = errors.New("playback already running")

// unsetFrame marks the read-ahead cursor as unprimed
const unsetFrame int64 = -1

// State is the transport state
type State int32

const (
	Stopped State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "stopped"
}

// Options tunes the loop
type Options struct {
	// ReadAheadFrames is how far past the audible frame audio is mixed
	ReadAheadFrames int64
	// SeekSlopFrames is the largest playhead jump treated as drift, not a seek
	SeekSlopFrames int64
	// IdleSleep is the pause when the read-ahead target is met
	IdleSleep time.Duration
	// StopAtEnd stops the loop once the clock passes the last frame
	StopAtEnd bool

	// OnPlayhead receives every newly published frame. It runs on the
	// playback goroutine and must not block.
	OnPlayhead func(frame int64)
	// OnLevels receives per-channel peaks in [0,1] for each mixed chunk,
	// and zeros on stop.
	OnLevels func(peaks []float64)
}

// DefaultOptions returns half a second of read-ahead at 30 fps
func DefaultOptions() Options {
	return Options{
		ReadAheadFrames: 15,
		SeekSlopFrames:  5,
		IdleSleep:       2 * time.Millisecond,
	}
}

// Stats is a point-in-time snapshot of loop counters
type Stats struct {
	State          State
	FramesMixed    uint64
	Underruns      uint64
	Seeks          uint64
	SamplesWritten int64
	// Silent is set once the loop runs on a NullDevice
	Silent bool
}

// Loop is the playback transport for one timeline. Only its goroutine
// touches the audio device while playing.
type Loop struct {
	logger zerolog.Logger
	tl     *timeline.Timeline
	mixer  *audio.Mixer
	clock  *clock.Clock
	opts   Options

	mu     sync.Mutex // serialises Play/Stop/Close
	cancel context.CancelFunc
	done   chan struct{}

	device audio.Device

	// owned by the loop goroutine while playing
	next      int64
	lastKnown int64

	state       atomic.Int32
	framesMixed atomic.Uint64
	underruns   atomic.Uint64
	seeks       atomic.Uint64
	written     atomic.Int64
	silent      atomic.Bool
}

// New creates a stopped loop writing to device. The mixer's format must
// match the clock's sample rate.
func New(logger zerolog.Logger, tl *timeline.Timeline, mixer *audio.Mixer, device audio.Device, clk *clock.Clock, opts Options) *Loop {
	def := DefaultOptions()
	if opts.ReadAheadFrames <= 0 {
		opts.ReadAheadFrames = def.ReadAheadFrames
	}
	if opts.SeekSlopFrames <= 0 {
		opts.SeekSlopFrames = def.SeekSlopFrames
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = def.IdleSleep
	}

	l := &Loop{
		logger: logger.With().Str("component", "playback").Logger(),
		tl:     tl,
		mixer:  mixer,
		clock:  clk,
		opts:   opts,
		device: device,
		next:   unsetFrame,
	}
	if _, ok := device.(*audio.NullDevice); ok {
		l.silent.Store(true)
	}
	return l
}

// State returns the transport state
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Stats returns a snapshot of the loop counters
func (l *Loop) Stats() Stats {
	return Stats{
		State:          l.State(),
		FramesMixed:    l.framesMixed.Load(),
		Underruns:      l.underruns.Load(),
		Seeks:          l.seeks.Load(),
		SamplesWritten: l.written.Load(),
		Silent:         l.silent.Load(),
	}
}

// Play starts the loop from the timeline's current playhead. The loop
// runs until Stop, ctx cancellation or, with StopAtEnd, the last frame.
func (l *Loop) Play(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() == Playing {
		return ErrAlreadyPlaying
	}
	if l.done != nil {
		// a self-stopped run may still be unwinding
		<-l.done
	}

	release := l.tl.Hold()
	start := l.tl.Playhead()

	l.device.Flush()
	l.clock.Reset(start, l.device.FramePosition())
	l.next = start
	l.lastKnown = start

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.state.Store(int32(Playing))

	l.logger.Info().Int64("from", start).Msg("playback started")
	go l.run(runCtx, release, done)
	return nil
}

// Stop halts the loop and waits for it to exit. Stopping a stopped loop
// is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel = nil
}

// Done is closed when the current run ends
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

// Close stops playback and closes the audio device
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
	return l.device.Close()
}

func (l *Loop) run(ctx context.Context, release func(), done chan struct{}) {
	// Keep the feeder on one OS thread so the scheduler never migrates it
	// mid-write.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)
	defer release()
	defer l.finish()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !l.step(ctx) {
			return
		}
	}
}

// step runs one iteration; false ends the run.
func (l *Loop) step(ctx context.Context) bool {
	if ph := l.tl.Playhead(); abs(ph-l.lastKnown) > l.opts.SeekSlopFrames {
		l.seek(ph)
		return true
	}

	clockFrame := l.clock.FrameFor(l.device.FramePosition())

	if l.opts.StopAtEnd && clockFrame >= l.tl.TotalFrames() {
		l.logger.Info().Int64("frame", clockFrame).Msg("reached end of timeline")
		return false
	}

	if ph := l.tl.Playhead(); ph != clockFrame {
		if !l.tl.AdvancePlayhead(ph, clockFrame) {
			// lost a race with a seek; the next iteration sees it
			return true
		}
		l.lastKnown = clockFrame
		if l.opts.OnPlayhead != nil {
			l.opts.OnPlayhead(clockFrame)
		}
	}

	if l.next < clockFrame {
		l.underruns.Add(1)
		l.logger.Debug().Int64("cursor", l.next).Int64("clock", clockFrame).Msg("read-ahead underrun")
		l.next = clockFrame
	}

	if l.next >= clockFrame+l.opts.ReadAheadFrames {
		select {
		case <-ctx.Done():
		case <-time.After(l.opts.IdleSleep):
		}
		return true
	}

	chunk := l.mixer.Mix(ctx, l.next)
	channels := l.mixer.Format().Channels
	if l.opts.OnLevels != nil {
		l.opts.OnLevels(audio.Peaks(chunk, channels))
	}
	if err := l.device.Write(chunk); err != nil {
		l.disableAudio(err)
	}
	l.written.Add(int64(len(chunk) / channels))
	l.framesMixed.Add(1)
	l.next++
	return true
}

func (l *Loop) seek(frame int64) {
	l.device.Flush()
	l.clock.Reset(frame, l.device.FramePosition())
	l.next = frame
	l.lastKnown = frame
	l.seeks.Add(1)
	l.logger.Debug().Int64("frame", frame).Msg("seek")
}

// disableAudio swaps in a NullDevice for the rest of the session. The
// silent device continues from the failed device's position so the
// clock keeps running without a jump.
func (l *Loop) disableAudio(err error) {
	pos := l.device.FramePosition()
	if cerr := l.device.Close(); cerr != nil {
		l.logger.Debug().Err(cerr).Msg("close failed audio device")
	}
	l.device = audio.NullDeviceAt(l.clock.SampleRate(), pos)
	l.clock.Reset(l.clock.FrameFor(pos), pos)
	l.silent.Store(true)
	l.logger.Warn().Err(err).Msg("audio output failed, continuing silently")
}

func (l *Loop) finish() {
	l.state.Store(int32(Stopped))
	l.next = unsetFrame
	if l.opts.OnLevels != nil {
		l.opts.OnLevels(make([]float64, l.mixer.Format().Channels))
	}
	l.logger.Info().
		Int64("playhead", l.tl.Playhead()).
		Uint64("frames_mixed", l.framesMixed.Load()).
		Uint64("underruns", l.underruns.Load()).
		Msg("playback stopped")
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
