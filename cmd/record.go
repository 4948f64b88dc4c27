package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/config"
	"github.com/babelcloud/gbox/packages/recorder/internal/capture"
	"github.com/babelcloud/gbox/packages/recorder/internal/encoder"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/muxer"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const finalizeTimeout = 30 * time.Second

type recordOptions struct {
	output    string
	duration  time.Duration
	size      string
	fps       int
	noAudio   bool
	container string
}

func NewRecordCommand() *cobra.Command {
	opts := &recordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the test pattern and tone to a file",
		Long: `Record captures frames from the built-in test source and encodes them
to a Matroska (.mkv) or fragmented MP4 (.mp4, .mov) file. Recording stops after
--duration or on Ctrl+C, and the file is always finalized.`,
		Example: `  gbox-rec record --duration 10s
  gbox-rec record --output /tmp/out.mov --size 640x480 --fps 25 --no-audio`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRecord(ctx, cmd.OutOrStdout(), opts, cmd.Flags().Changed)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.output, "output", "o", "", "Output file (default: a new file in the configured output directory)")
	flags.DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 records until interrupted)")
	flags.StringVar(&opts.size, "size", "", "Frame size as WIDTHxHEIGHT")
	flags.IntVar(&opts.fps, "fps", 0, "Video frame rate")
	flags.BoolVar(&opts.noAudio, "no-audio", false, "Record video only")
	flags.StringVar(&opts.container, "container", "", "Container format (mkv|mp4)")
	return cmd
}

type recordPlan struct {
	path      string
	size      media.Size
	container muxer.Container
	audio     bool
	settings  config.Recorder
}

// planRecording merges flags over configuration. changed reports whether a
// flag was set on the command line.
func planRecording(opts *recordOptions, settings config.Recorder, changed func(string) bool, now time.Time) (*recordPlan, error) {
	plan := &recordPlan{settings: settings, audio: !opts.noAudio}

	if changed("fps") {
		plan.settings.FPS = opts.fps
	}

	plan.size = media.Size{Width: settings.Width, Height: settings.Height}
	if opts.size != "" {
		size, err := media.ParseSize(opts.size)
		if err != nil {
			return nil, err
		}
		plan.size = size
	}

	format := settings.Container
	if opts.container != "" {
		format = opts.container
	}

	var err error
	if opts.output != "" && opts.container == "" {
		plan.container, err = muxer.ContainerForPath(opts.output)
	} else {
		plan.container, err = muxer.ParseContainer(format)
	}
	if err != nil {
		return nil, err
	}
	plan.path = opts.output

	if plan.path == "" {
		if err := os.MkdirAll(settings.OutputDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create output directory %s", settings.OutputDir)
		}
		name := util.RecordingName("gbox", now.Format("20060102-150405"), plan.container.Extension())
		plan.path = filepath.Join(settings.OutputDir, name)
	}
	return plan, nil
}

func runRecord(ctx context.Context, out io.Writer, opts *recordOptions, changed func(string) bool) error {
	logger := util.ComponentLogger("record")

	plan, err := planRecording(opts, config.GetRecorder(), changed, time.Now())
	if err != nil {
		return err
	}
	s := plan.settings

	sessionOpts := []encoder.Option{
		encoder.WithLogger(util.GetLogger()),
		encoder.WithPoolSize(s.PoolSize),
		encoder.WithBackendOptions(
			muxer.WithContainer(plan.container),
			muxer.WithQueueDepth(s.QueueDepth),
			muxer.WithJPEGQuality(s.JPEGQuality),
			muxer.WithFrameRate(s.FPS),
			muxer.WithAudioFormat(s.SampleRate, s.Channels),
		),
	}
	if !plan.audio {
		sessionOpts = append(sessionOpts, encoder.WithoutAudio())
	}

	session, err := encoder.Initialize(plan.path, plan.size, sessionOpts...)
	if err != nil {
		return err
	}

	src, err := capture.NewTestSource(capture.Config{
		Size:       plan.size,
		FPS:        s.FPS,
		Audio:      plan.audio,
		SampleRate: s.SampleRate,
		Channels:   s.Channels,
		Duration:   opts.duration,
	}, capture.WithLogger(util.GetLogger()))
	if err != nil {
		session.Finalize(nil)
		return err
	}

	fmt.Fprintf(out, "Recording to %s (press %s to stop)\n",
		color.CyanString(plan.path), color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	started := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return src.Run(gctx, session)
	})
	g.Go(func() error {
		select {
		case err := <-session.Errors():
			return err
		case <-gctx.Done():
			return nil
		}
	})
	runErr := g.Wait()

	finalizeCtx, cancelFinalize := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancelFinalize()
	finalizeErr := session.FinalizeAndWait(finalizeCtx)

	if runErr != nil {
		logger.Error("Recording failed", "error", runErr)
		printSummary(out, plan.path, session, src, time.Since(started), runErr)
		return errors.Wrap(runErr, "recording failed")
	}
	if finalizeErr != nil {
		printSummary(out, plan.path, session, src, time.Since(started), finalizeErr)
		return errors.Wrap(finalizeErr, "failed to finalize recording")
	}
	printSummary(out, plan.path, session, src, time.Since(started), nil)
	return nil
}

func printSummary(out io.Writer, path string, session *encoder.Session, src *capture.TestSource, elapsed time.Duration, err error) {
	stats := session.Stats()
	captured := src.Stats()

	status := color.GreenString("saved")
	if err != nil {
		status = color.RedString("failed")
	}
	fmt.Fprintf(out, "\nRecording %s: %s\n", status, color.CyanString(path))
	fmt.Fprintf(out, "  Duration: %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Fprintf(out, "  Video:    %d frames written, %d dropped\n",
		stats.Video.Accepted, captured.VideoDropped)
	if captured.AudioOffered > 0 {
		fmt.Fprintf(out, "  Audio:    %d chunks written, %d dropped\n",
			stats.Audio.Accepted, captured.AudioDropped)
	}
	if drops := stats.Video.NotReady + stats.Video.PoolExhausted; drops > 0 {
		color.New(color.Faint).Fprintf(out, "  (%d video frames dropped by backpressure)\n", drops)
	}
	if err != nil {
		fmt.Fprintf(out, "  Error:    %s\n", color.RedString(err.Error()))
	}
}
