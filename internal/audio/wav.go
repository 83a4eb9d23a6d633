package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/gopxl/beep/wav"
)

// WriteWAV stores interleaved 16-bit samples as an uncompressed WAV file.
// The data chunk holds the samples exactly as given.
func WriteWAV(path string, samples []int16, sampleRate, channels int) error {
	if channels < 1 || channels > 2 {
		return fmt.Errorf("wav: unsupported channel count %d", channels)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}

	w := bufio.NewWriter(f)
	if err := writeWAV(w, samples, sampleRate, channels); err != nil {
		f.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	return f.Close()
}

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM data
type wavHeader struct {
	RiffMark      [4]byte
	FileSize      uint32
	WaveMark      [4]byte
	FmtMark       [4]byte
	FmtSize       uint32
	FormatType    uint16
	NumChans      uint16
	SampleRate    uint32
	ByteRate      uint32
	BytesPerFrame uint16
	BitsPerSample uint16
	DataMark      [4]byte
	DataSize      uint32
}

func writeWAV(w io.Writer, samples []int16, sampleRate, channels int) error {
	dataSize := uint32(len(samples) * 2)
	h := wavHeader{
		RiffMark:      [4]byte{'R', 'I', 'F', 'F'},
		FileSize:      36 + dataSize,
		WaveMark:      [4]byte{'W', 'A', 'V', 'E'},
		FmtMark:       [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		FormatType:    1,
		NumChans:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BytesPerFrame: uint16(channels * 2),
		BitsPerSample: 16,
		DataMark:      [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, samples)
}

// ReadWAV loads a 16-bit WAV file as interleaved samples
func ReadWAV(path string) (samples []int16, sampleRate, channels int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	streamer, format, err := wav.Decode(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	defer streamer.Close()

	if format.Precision != 2 {
		return nil, 0, 0, fmt.Errorf("wav: unsupported sample width %d bytes", format.Precision)
	}

	channels = format.NumChannels
	if n := streamer.Len(); n > 0 {
		samples = make([]int16, 0, n*channels)
	}

	buf := make([][2]float64, 4096)
	for {
		n, ok := streamer.Stream(buf)
		for _, frame := range buf[:n] {
			for ch := 0; ch < channels; ch++ {
				samples = append(samples, fromDecoded(frame[ch]))
			}
		}
		if !ok {
			break
		}
	}
	if err := streamer.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	return samples, int(format.SampleRate), channels, nil
}

// fromDecoded undoes the wav decoder's 16-bit scaling, which divides the
// raw sample by 65535.
func fromDecoded(v float64) int16 {
	v = math.Round(v * math.MaxUint16)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Silence reports whether every sample is zero
func Silence(samples []int16) bool {
	for _, s := range samples {
		if s != 0 {
			return false
		}
	}
	return true
}

// Decibels converts a linear peak in [0,1] to dBFS; zero maps to -Inf.
func Decibels(peak float64) float64 {
	if peak <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(peak)
}
