package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	ffmpeggo "github.com/u2takey/ffmpeg-go"
)

// EncodeSpec describes one encoder invocation: raw RGBA frames on stdin,
// optionally muxed with a prepared audio file.
type EncodeSpec struct {
	Output      string
	Width       int
	Height      int
	FPS         float64
	TotalFrames int64
	AudioPath   string
	VideoCodec  string
	AudioCodec  string
	CRF         int
	Preset      string
	PixelFormat string
}

// FrameSize is the byte length of one raw RGBA frame
func (s EncodeSpec) FrameSize() int {
	return s.Width * s.Height * 4
}

func (s EncodeSpec) validate() error {
	if s.Output == "" {
		return fmt.Errorf("output path is required")
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", s.Width, s.Height)
	}
	if s.FPS <= 0 {
		return fmt.Errorf("FPS must be positive")
	}
	if s.CRF < 0 || s.CRF > 51 {
		return fmt.Errorf("CRF must be between 0 and 51")
	}
	return nil
}

// EncodeSession is a running encoder process
type EncodeSession interface {
	// Write sends one raw frame
	Write(frame []byte) error
	// Close ends the input and waits; a non-zero exit is an *ExitError
	Close() error
	// Abort kills the process and waits for it
	Abort() error
}

// EncodeArgs builds the ffmpeg command line for spec
func EncodeArgs(spec EncodeSpec, threads int) []string {
	video := ffmpeggo.Input("pipe:0", ffmpeggo.KwArgs{
		"f":       "rawvideo",
		"pix_fmt": "rgba",
		"s":       fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"r":       strconv.FormatFloat(spec.FPS, 'f', -1, 64),
	})
	streams := []*ffmpeggo.Stream{video}

	out := ffmpeggo.KwArgs{
		"c:v":      orDefault(spec.VideoCodec, DefaultVideoCodec),
		"crf":      strconv.Itoa(orDefaultInt(spec.CRF, DefaultCRF)),
		"preset":   orDefault(spec.Preset, DefaultPreset),
		"pix_fmt":  orDefault(spec.PixelFormat, DefaultPixelFormat),
		"frames:v": strconv.FormatInt(spec.TotalFrames, 10),
	}
	if spec.AudioPath != "" {
		streams = append(streams, ffmpeggo.Input(spec.AudioPath))
		out["c:a"] = orDefault(spec.AudioCodec, DefaultAudioCodec)
	}
	if threads > 0 {
		out["threads"] = strconv.Itoa(threads)
	}

	return ffmpeggo.Output(streams, spec.Output, out).
		GlobalArgs("-hide_banner", "-loglevel", "error", "-progress", "pipe:2").
		OverWriteOutput().
		GetArgs()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// StartEncode launches ffmpeg reading raw frames from stdin. Cancelling
// ctx kills the process.
func (e *Executor) StartEncode(ctx context.Context, spec EncodeSpec) (EncodeSession, error) {
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid encode spec: %w", err)
	}

	args := EncodeArgs(spec, e.threads)
	e.logger.Debug().
		Str("cmd", "ffmpeg").
		Strs("args", args).
		Msg("starting encoder")

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	p := &encodeProcess{
		cmd:       cmd,
		stdin:     stdin,
		frameSize: spec.FrameSize(),
		tail:      newLineTail(tailLines),
		done:      make(chan error, 1),
	}

	go func() {
		e.streamOutput(stderr, func(pr *Progress) {
			e.logger.Debug().Int("frame", pr.Frame).Str("speed", pr.Speed).Msg("encoder progress")
		}, p.tail.add(nil))
		p.done <- cmd.Wait()
	}()

	return p, nil
}

type encodeProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	frameSize int
	tail      *lineTail
	done      chan error

	once   sync.Once
	result error
}

func (p *encodeProcess) Write(frame []byte) error {
	if len(frame) != p.frameSize {
		return fmt.Errorf("frame is %d bytes, want %d", len(frame), p.frameSize)
	}
	if _, err := p.stdin.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (p *encodeProcess) Close() error {
	p.stdin.Close()
	return p.wait()
}

func (p *encodeProcess) Abort() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.stdin.Close()
	p.wait()
	return nil
}

func (p *encodeProcess) wait() error {
	p.once.Do(func() {
		if err := <-p.done; err != nil {
			p.result = exitError(err, p.tail)
		}
	})
	return p.result
}
