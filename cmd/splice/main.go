package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/keagan/splice/internal/config"
	"github.com/keagan/splice/internal/logging"
	"github.com/keagan/splice/internal/pipeline"
	"github.com/keagan/splice/pkg/util"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	cfgFile  string
	verbose  bool
	jsonLogs bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "splice",
	Short:        "splice - timeline playback and render engine",
	Long:         "Plays multi-track edit lists in audio/video sync and renders them to a single file with ffmpeg.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load config
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		// Initialize logging; flags override the config file
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		if err := logging.Init(level, jsonLogs || cfg.Logging.JSON); err != nil {
			return err
		}

		// Store config in context
		ctx := config.WithConfig(cmd.Context(), cfg)
		cmd.SetContext(ctx)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./splice.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log as JSON")

	renderCmd.Flags().StringP("output", "o", "out.mp4", "output file")
	renderCmd.Flags().Int("width", 0, "output width (default: project width)")
	renderCmd.Flags().Int("height", 0, "output height (default: project height)")
	playCmd.Flags().String("from", "0", "start frame or timestamp")

	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

// openSession loads the project file into a fresh session
func openSession(cmd *cobra.Command, path string, hooks *pipeline.Config) (*pipeline.Session, *pipeline.Project, error) {
	cfg := config.FromContext(cmd.Context())

	project, err := pipeline.LoadProject(path)
	if err != nil {
		return nil, nil, err
	}

	session, err := pipeline.New(log.Logger, hooks, cfg)
	if err != nil {
		return nil, nil, err
	}

	if err := session.Load(cmd.Context(), project, filepath.Dir(path)); err != nil {
		session.Close()
		return nil, nil, err
	}
	return session, project, nil
}

var renderCmd = &cobra.Command{
	Use:   "render [project file]",
	Short: "Render a project to a video file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		width, _ := cmd.Flags().GetInt("width")
		height, _ := cmd.Flags().GetInt("height")
		logger := logging.WithComponent("render")

		session, project, err := openSession(cmd, args[0], nil)
		if err != nil {
			return err
		}
		defer session.Close()

		logger.Info().Str("project", project.Name).Str("output", output).Msg("rendering project")

		result, err := session.Render(cmd.Context(), pipeline.RenderOptions{
			Output: output,
			Width:  width,
			Height: height,
			Progress: func(pct float64) {
				logger.Debug().Float64("percent", pct).Msg("render progress")
			},
		})
		if err != nil {
			return err
		}

		logger.Info().
			Str("output", result.Output).
			Int64("frames", result.FramesWritten).
			Dur("elapsed", result.Elapsed).
			Str("job", result.JobID).
			Msg("render complete")
		return nil
	},
}

var playCmd = &cobra.Command{
	Use:   "play [project file]",
	Short: "Play a project until the end or Ctrl-C",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		logger := logging.WithComponent("play")

		var fps float64
		hooks := &pipeline.Config{
			OnPlayhead: func(frame int64) {
				if fps > 0 && frame%int64(fps+0.5) == 0 {
					logger.Info().Str("timecode", util.FormatTimecode(frame, fps)).Msg("playing")
				}
			},
		}

		session, project, err := openSession(cmd, args[0], hooks)
		if err != nil {
			return err
		}
		defer session.Close()
		fps = project.FPS

		start, err := util.ParseFrame(from, project.FPS)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}

		if err := session.Play(cmd.Context(), start); err != nil {
			return err
		}
		<-session.Done()

		stats := session.PlaybackStats()
		logger.Info().
			Uint64("frames_mixed", stats.FramesMixed).
			Uint64("underruns", stats.Underruns).
			Uint64("seeks", stats.Seeks).
			Bool("silent", stats.Silent).
			Msg("playback finished")
		return nil
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe [media file]",
	Short: "Show media metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := pipeline.New(log.Logger, nil, config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		defer session.Close()

		info, err := session.Probe(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out, err := yaml.Marshal(info)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config management commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}
