package clock

import (
	"sync"
	"testing"
)

func TestFrameForAtOriginIsResetFrame(t *testing.T) {
	c := New(48000, 30)
	for _, tt := range []struct{ frame, pos int64 }{{0, 0}, {120, 96000}, {7, 13}, {1 << 40, 1 << 50}} {
		c.Reset(tt.frame, tt.pos)
		if got := c.FrameFor(tt.pos); got != tt.frame {
			t.Errorf("Reset(%d, %d): FrameFor(origin) = %d", tt.frame, tt.pos, got)
		}
	}
}

func TestFrameForFloors(t *testing.T) {
	c := New(48000, 30)
	c.Reset(10, 1000)

	tests := []struct {
		pos  int64
		want int64
	}{
		{1000 + 1599, 10}, // one sample short of a frame
		{1000 + 1600, 11},
		{1000 + 48000, 40},
		{1000 - 1, 9}, // before the origin rounds down too
	}
	for _, tt := range tests {
		if got := c.FrameFor(tt.pos); got != tt.want {
			t.Errorf("FrameFor(%d) = %d, want %d", tt.pos, got, tt.want)
		}
	}
}

func TestFrameForMonotonic(t *testing.T) {
	for _, fps := range []float64{24, 25, 29.97, 30, 59.94, 60} {
		c := New(48000, fps)
		c.Reset(3, 500)
		prev := c.FrameFor(500)
		for pos := int64(500); pos < 500+48000*3; pos += 7 {
			got := c.FrameFor(pos)
			if got < prev {
				t.Fatalf("fps %.2f: FrameFor(%d) = %d < %d", fps, pos, got, prev)
			}
			prev = got
		}
	}
}

func TestSecondsFor(t *testing.T) {
	c := New(48000, 25)
	c.Reset(50, 0)
	if got := c.SecondsFor(24000); got != 2.5 {
		t.Errorf("SecondsFor = %f, want 2.5", got)
	}
}

func TestSampleSpanTilesSampleLine(t *testing.T) {
	for _, fps := range []float64{24, 29.97, 30, 60} {
		var next int64
		total := 0
		for f := int64(0); f < 600; f++ {
			first, n := SampleSpan(f, 48000, fps)
			if first != next {
				t.Fatalf("fps %.2f frame %d starts at %d, want %d", fps, f, first, next)
			}
			next = first + int64(n)
			total += n
		}
		if int64(total) != FramesToSamples(600, 48000, fps) {
			t.Errorf("fps %.2f: total %d != FramesToSamples", fps, total)
		}
	}

	if _, n := SampleSpan(0, 48000, 30); n != 1600 {
		t.Errorf("30fps frame length = %d, want 1600", n)
	}
}

func TestResetIsAtomicPair(t *testing.T) {
	c := New(48000, 30)
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 10000; i++ {
			c.Reset(i, i*1600)
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		frame, pos := c.Origin()
		if pos != frame*1600 {
			t.Fatalf("torn origin: frame %d position %d", frame, pos)
		}
	}
}
