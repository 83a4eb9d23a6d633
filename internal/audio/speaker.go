package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"
)

// ErrDeviceClosed is returned by writes after Close
var ErrDeviceClosed = errors.New("audio device closed")

// The beep speaker is a process-wide output; it is initialised once and
// every SpeakerDevice streams through it.
var (
	speakerOnce sync.Once
	speakerRate beep.SampleRate
	speakerErr  error
)

// SpeakerDevice feeds the system output through beep's speaker. Writes
// land in a ring the speaker pulls from; every pulled frame, audible or
// padding silence on underrun, advances FramePosition.
type SpeakerDevice struct {
	channels int

	mu       sync.Mutex
	cond     *sync.Cond
	ring     [][2]float64
	head     int
	size     int
	position int64
	closed   bool
}

// OpenSpeaker initialises the speaker at sampleRate with margin of
// hardware buffering and starts streaming from a new device.
func OpenSpeaker(sampleRate, channels int, margin time.Duration) (*SpeakerDevice, error) {
	sr := beep.SampleRate(sampleRate)
	speakerOnce.Do(func() {
		speakerRate = sr
		speakerErr = speaker.Init(sr, sr.N(margin))
	})
	if speakerErr != nil {
		return nil, fmt.Errorf("open audio device: %w", speakerErr)
	}
	if speakerRate != sr {
		return nil, fmt.Errorf("open audio device: speaker already running at %d Hz", int(speakerRate))
	}

	d := newSpeakerDevice(channels, sr.N(2*margin))
	speaker.Play(d)
	return d, nil
}

func newSpeakerDevice(channels, capacity int) *SpeakerDevice {
	if capacity <= 0 {
		capacity = 1
	}
	d := &SpeakerDevice{
		channels: channels,
		ring:     make([][2]float64, capacity),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Write queues interleaved samples, blocking while the ring is full.
func (d *SpeakerDevice) Write(samples []int16) error {
	frames := len(samples) / d.channels

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < frames; i++ {
		for d.size == len(d.ring) && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			return ErrDeviceClosed
		}
		d.ring[(d.head+d.size)%len(d.ring)] = toStereo(samples[i*d.channels : (i+1)*d.channels])
		d.size++
	}
	return nil
}

func toStereo(frame []int16) [2]float64 {
	l := float64(frame[0]) / -math.MinInt16
	if len(frame) == 1 {
		return [2]float64{l, l}
	}
	return [2]float64{l, float64(frame[1]) / -math.MinInt16}
}

// Flush drops queued audio that has not been pulled yet
func (d *SpeakerDevice) Flush() {
	d.mu.Lock()
	d.head, d.size = 0, 0
	d.cond.Broadcast()
	d.mu.Unlock()
}

// FramePosition returns frames handed to the hardware so far
func (d *SpeakerDevice) FramePosition() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

// Stream implements beep.Streamer; called from the speaker's goroutine.
func (d *SpeakerDevice) Stream(samples [][2]float64) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, false
	}

	n := len(samples)
	if n > d.size {
		n = d.size
	}
	for i := 0; i < n; i++ {
		samples[i] = d.ring[d.head]
		d.head = (d.head + 1) % len(d.ring)
	}
	d.size -= n
	for i := n; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}

	d.position += int64(len(samples))
	d.cond.Broadcast()
	return len(samples), true
}

// Err implements beep.Streamer
func (d *SpeakerDevice) Err() error {
	return nil
}

// Close detaches the device from the speaker
func (d *SpeakerDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	// The speaker drops streamers that report !ok on their next pull.
	return nil
}

var _ beep.Streamer = (*SpeakerDevice)(nil)
