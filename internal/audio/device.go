package audio

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Device is an audio output. Only the playback loop writes to it.
//
// FramePosition counts sample frames (one sample per channel) delivered to
// the hardware since the device was opened; it is the playback clock's
// only time source and never decreases.
type Device interface {
	Write(samples []int16) error
	Flush()
	FramePosition() int64
	Close() error
}

// NullDevice discards audio and advances its position with wall time.
// Playback falls back to it when no hardware output is available, so the
// logical clock still runs.
type NullDevice struct {
	sampleRate int
	now        func() time.Time

	mu     sync.Mutex
	base   int64
	origin time.Time
}

// NewNullDevice starts a silent device at position 0
func NewNullDevice(sampleRate int) *NullDevice {
	return newNullDevice(sampleRate, time.Now)
}

func newNullDevice(sampleRate int, now func() time.Time) *NullDevice {
	return &NullDevice{sampleRate: sampleRate, now: now, origin: now()}
}

// NullDeviceAt returns a silent device whose position continues from pos
func NullDeviceAt(sampleRate int, pos int64) *NullDevice {
	d := NewNullDevice(sampleRate)
	d.base = pos
	return d
}

// Write drops the samples
func (d *NullDevice) Write([]int16) error {
	return nil
}

// Flush is a no-op; nothing is buffered
func (d *NullDevice) Flush() {}

// FramePosition returns the frames a real device would have played by now
func (d *NullDevice) FramePosition() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	elapsed := d.now().Sub(d.origin)
	return d.base + int64(elapsed.Seconds()*float64(d.sampleRate))
}

// Close is a no-op
func (d *NullDevice) Close() error {
	return nil
}

// Opener opens the session's audio output
type Opener func() (Device, error)

// OpenOrNull tries open and falls back to a NullDevice. The failure is
// logged here, once; callers only learn whether audio is audible.
func OpenOrNull(logger zerolog.Logger, open Opener, sampleRate int) (dev Device, audible bool) {
	if open != nil {
		d, err := open()
		if err == nil {
			return d, true
		}
		logger.Warn().Err(err).Msg("audio output unavailable, playing silently")
	}
	return NewNullDevice(sampleRate), false
}
