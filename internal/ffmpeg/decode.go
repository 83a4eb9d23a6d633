package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"os/exec"
	"strconv"
	"time"

	"github.com/keagan/splice/internal/clock"
	"github.com/keagan/splice/internal/media"
	"github.com/keagan/splice/pkg/util"
	ffmpeggo "github.com/u2takey/ffmpeg-go"
)

// SourceDecoder decodes single frames of one media file by running ffmpeg
// per request. Audio streams up to MaxPreload are decoded once at open and
// served from memory. Source frame indices are in the session frame rate,
// so audio and picture of a clip stay aligned whatever the file's own rate.
type SourceDecoder struct {
	exec   *Executor
	path   string
	info   *MediaInfo
	format media.Format
	width  int
	height int

	pcm []int16 // whole audio stream when preloaded
}

// OpenSource probes path and returns a decoder producing images of
// width x height (the file's own size when zero) and PCM at format.
func (e *Executor) OpenSource(ctx context.Context, path string, format media.Format, width, height int) (*SourceDecoder, error) {
	info, err := e.ProbeMedia(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", path, err)
	}
	if width <= 0 || height <= 0 {
		width, height = info.Width, info.Height
	}

	d := &SourceDecoder{
		exec:   e,
		path:   path,
		info:   info,
		format: format,
		width:  width,
		height: height,
	}

	if info.HasAudio && info.Duration <= MaxPreload {
		pcm, err := e.preloadAudio(ctx, path, format)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn().Err(err).Str("path", path).Msg("audio preload failed, decoding per frame")
		} else {
			d.pcm = pcm
		}
	}

	e.logger.Debug().
		Str("path", path).
		Bool("video", info.HasVideo).
		Bool("audio", info.HasAudio).
		Bool("preloaded", d.pcm != nil).
		Dur("duration", info.Duration).
		Msg("source opened")

	return d, nil
}

// Info returns the probed metadata
func (d *SourceDecoder) Info() *MediaInfo {
	return d.info
}

func (d *SourceDecoder) timeOf(frame int64) time.Duration {
	return time.Duration(float64(frame) / d.format.FPS * float64(time.Second))
}

// ImageAt decodes the picture shown at a source frame as RGBA
func (d *SourceDecoder) ImageAt(ctx context.Context, frame int64) (image.Image, error) {
	ts := d.timeOf(frame)
	if !d.info.HasVideo || frame < 0 || ts >= d.info.Duration {
		return nil, media.ErrNoFrame
	}

	out := ffmpeggo.KwArgs{
		"frames:v": "1",
		"f":        "rawvideo",
		"pix_fmt":  "rgba",
	}
	if d.width != d.info.Width || d.height != d.info.Height {
		out["vf"] = NewFilterBuilder().Fit(d.width, d.height).Build()
	}
	args := ffmpeggo.Input(d.path, ffmpeggo.KwArgs{"ss": util.FormatDuration(ts)}).
		Output("pipe:1", out).
		GlobalArgs("-v", "error", "-nostdin").
		GetArgs()

	pix, err := d.exec.capture(ctx, args)
	if err != nil {
		return nil, err
	}
	size := d.width * d.height * 4
	if len(pix) < size {
		return nil, media.ErrNoFrame
	}
	return &image.RGBA{
		Pix:    pix[:size],
		Stride: d.width * 4,
		Rect:   image.Rect(0, 0, d.width, d.height),
	}, nil
}

// PCMAt decodes one frame's worth of interleaved s16 audio. Short reads
// at the end of the file are padded with silence.
func (d *SourceDecoder) PCMAt(ctx context.Context, frame int64) ([]int16, error) {
	if !d.info.HasAudio || frame < 0 || d.timeOf(frame) >= d.info.Duration {
		return nil, media.ErrNoFrame
	}

	sr, ch := d.format.SampleRate, d.format.Channels
	first, count := clock.SampleSpan(frame, sr, d.format.FPS)

	if d.pcm != nil {
		out := make([]int16, count*ch)
		if lo := int(first) * ch; lo < len(d.pcm) {
			copy(out, d.pcm[lo:])
		}
		return out, nil
	}

	// sample-accurate offsets; FormatDuration rounds to milliseconds
	start := float64(first) / float64(sr)
	length := float64(count) / float64(sr)

	args := ffmpeggo.Input(d.path, ffmpeggo.KwArgs{"ss": strconv.FormatFloat(start, 'f', 6, 64)}).
		Output("pipe:1", ffmpeggo.KwArgs{
			"f":      "s16le",
			"acodec": "pcm_s16le",
			"ac":     strconv.Itoa(ch),
			"ar":     strconv.Itoa(sr),
			"t":      strconv.FormatFloat(length, 'f', 6, 64),
		}).
		GlobalArgs("-v", "error", "-nostdin").
		GetArgs()

	raw, err := d.exec.capture(ctx, args)
	if err != nil {
		return nil, err
	}
	if len(raw) < 2 {
		return nil, media.ErrNoFrame
	}

	samples := make([]int16, count*ch)
	n := len(raw) / 2
	if n > len(samples) {
		n = len(samples)
	}
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, nil
}

// capture runs ffmpeg and returns its stdout
func (e *Executor) capture(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, &ExitError{Code: ee.ExitCode(), Output: stderr.String()}
		}
		return nil, fmt.Errorf("ffmpeg execution failed: %w", err)
	}
	return stdout.Bytes(), nil
}

var _ media.Decoder = (*SourceDecoder)(nil)
