package ffmpeg

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/keagan/splice/internal/audio"
	"github.com/keagan/splice/internal/media"
	"github.com/keagan/splice/pkg/util"
	"github.com/rs/xid"
)

// MaxPreload is the longest audio stream OpenSource decodes up front.
// Longer sources are decoded per frame.
const MaxPreload = 20 * time.Minute

// ExtractAudio decodes input's audio stream to a 16-bit WAV at format
func (e *Executor) ExtractAudio(ctx context.Context, input, output string, format media.Format, progressFunc ProgressFunc) error {
	e.logger.Info().
		Str("input", input).
		Str("output", output).
		Int("sample_rate", format.SampleRate).
		Int("channels", format.Channels).
		Msg("extracting audio")

	args := []string{
		"-i", input,
		"-vn", // no video
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-f", "wav",
		output,
	}

	opts := RunOptions{
		Args:            args,
		ProgressHandler: progressFunc,
		LogHandler: func(line string) {
			e.logger.Debug().Str("ffmpeg", line).Msg("audio extraction")
		},
	}

	return e.Run(ctx, opts)
}

// preloadAudio decodes the whole audio stream of path into memory through
// a temporary WAV.
func (e *Executor) preloadAudio(ctx context.Context, path string, format media.Format) ([]int16, error) {
	if err := util.EnsureDir(e.tempDir); err != nil {
		return nil, err
	}
	tmp := filepath.Join(e.tempDir, "splice-pcm-"+xid.New().String()+".wav")
	defer util.CleanupFiles(tmp)

	if err := e.ExtractAudio(ctx, path, tmp, format, nil); err != nil {
		return nil, err
	}
	samples, _, _, err := audio.ReadWAV(tmp)
	return samples, err
}
