// Command cadence is the demo player: it plays a synthetic source (color
// bars plus a sine tone) through the full engine, windowed via SDL or
// headless into an in-memory surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/veandco/go-sdl2/sdl"
	"golang.org/x/sync/errgroup"

	"github.com/sylvite/cadence/audio"
	"github.com/sylvite/cadence/clock"
	"github.com/sylvite/cadence/events"
	"github.com/sylvite/cadence/pipeline"
	"github.com/sylvite/cadence/player"
	"github.com/sylvite/cadence/renderer"
	"github.com/sylvite/cadence/synth"
	"github.com/sylvite/cadence/tracks"
)

var version = "dev"

type runFlags struct {
	rendererKind string
	headless     bool
	duration     time.Duration
	width        int
	height       int
	fps          float64
	toneHz       float64
	volume       float64
	rate         float64
	loop         bool
	forceConvert bool
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	root := &cobra.Command{
		Use:           "cadence",
		Short:         "media playback synchronization engine demo player",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var flags runFlags
	run := &cobra.Command{
		Use:   "run",
		Short: "play the synthetic source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlayer(flags)
		},
	}
	run.Flags().StringVar(&flags.rendererKind, "renderer", envOr("RENDERER", string(renderer.KindAccelerated)),
		"preferred renderer backend: accelerated, software, or baseline")
	run.Flags().BoolVar(&flags.headless, "headless", os.Getenv("HEADLESS") != "", "render into memory, no window")
	run.Flags().DurationVar(&flags.duration, "duration", 30*time.Second, "source duration")
	run.Flags().IntVar(&flags.width, "width", 640, "source width")
	run.Flags().IntVar(&flags.height, "height", 360, "source height")
	run.Flags().Float64Var(&flags.fps, "fps", 30, "source frame rate")
	run.Flags().Float64Var(&flags.toneHz, "tone", 440, "audio tone frequency")
	run.Flags().Float64Var(&flags.volume, "volume", 0.8, "perceptual volume in [0, 1]")
	run.Flags().Float64Var(&flags.rate, "rate", 1, "playback rate")
	run.Flags().BoolVar(&flags.loop, "loop", false, "restart from zero at the end")
	run.Flags().BoolVar(&flags.forceConvert, "force-convert", false,
		"mark the video track undecodable to exercise the conversion fallback")
	root.AddCommand(run)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cadence", version)
		},
	})

	if err := root.Execute(); err != nil {
		slog.Error("cadence failed", "error", err)
		os.Exit(1)
	}
}

func runPlayer(flags runFlags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cfg := synth.Config{
		Duration:  flags.duration,
		Width:     flags.width,
		Height:    flags.height,
		FrameRate: flags.fps,
		ToneHz:    flags.toneHz,
	}
	if flags.forceConvert {
		cfg.Undecodable = []string{synth.VideoTrackID}
	}
	sess := synth.NewSession(cfg)
	defer sess.Close()

	surface, window, err := openSurface(flags)
	if err != nil {
		return err
	}
	if window != nil {
		defer func() {
			window.Close()
			sdl.Quit()
		}()
	}

	slog.Info("cadence starting",
		"version", version,
		"renderer", flags.rendererKind,
		"headless", window == nil,
		"duration", flags.duration,
	)

	bus := events.NewBus(nil)
	clk := clock.System
	aud := audio.NewEngine(clk, audio.NewBeepSink(cfg.SampleRate), nil)

	chain := renderer.NewChain(nil)
	rend := renderer.NewManager(chain, surface, nil)
	if err := rend.Bind(renderer.Kind(flags.rendererKind)); err != nil {
		return fmt.Errorf("bind renderer: %w", err)
	}

	pipe := pipeline.New(rend, nil)
	ctrl := player.NewController(clk, aud, pipe, rend, bus, nil)
	defer ctrl.Close()

	conv := &tracks.Converter{Video: passthroughConvert, Audio: passthroughConvert}
	sw := tracks.NewSwitcher(ctrl, sess, synth.NewFromBytes, conv, bus, nil)
	defer sw.Close()

	videoID, audioID := synth.VideoTrackID, synth.AudioTrackID
	if err := sw.SelectVideo(ctx, &videoID); err != nil {
		return fmt.Errorf("select video: %w", err)
	}
	if err := sw.SelectAudio(ctx, &audioID); err != nil {
		return fmt.Errorf("select audio: %w", err)
	}

	ctrl.SetVolume(flags.volume)
	ctrl.SetLoop(flags.loop)
	ctrl.SetRate(flags.rate)
	if err := ctrl.Play(); err != nil {
		return fmt.Errorf("play: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return logEvents(ctx, bus)
	})

	g.Go(func() error {
		return watchState(ctx, bus, cancel, flags.loop)
	})

	if window != nil {
		// SDL event handling stays on the main goroutine.
		pumpWindowEvents(ctx, cancel)
	} else {
		<-ctx.Done()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openSurface creates the output surface: an SDL window unless headless
// was requested or the window cannot be created, in which case playback
// degrades to the in-memory surface and the baseline renderer.
func openSurface(flags runFlags) (renderer.Surface, *renderer.Window, error) {
	if flags.headless {
		return renderer.NewImageSurface(flags.width, flags.height), nil, nil
	}
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		slog.Warn("SDL unavailable, running headless", "error", err)
		return renderer.NewImageSurface(flags.width, flags.height), nil, nil
	}
	window, err := renderer.NewWindow("cadence", flags.width, flags.height)
	if err != nil {
		sdl.Quit()
		slog.Warn("window creation failed, running headless", "error", err)
		return renderer.NewImageSurface(flags.width, flags.height), nil, nil
	}
	return window, window, nil
}

// pumpWindowEvents drains the SDL event queue until the window closes or
// the context is cancelled.
func pumpWindowEvents(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		for ev := sdl.PollEvent(); ev != nil; ev = sdl.PollEvent() {
			if _, ok := ev.(*sdl.QuitEvent); ok {
				slog.Info("window closed")
				cancel()
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// logEvents mirrors the event stream into the log.
func logEvents(ctx context.Context, bus *events.Bus) error {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch ev.Type {
			case events.TimeUpdate:
				slog.Debug("timeupdate", "time", ev.Time)
			case events.Warning:
				slog.Warn("engine warning", "error", ev.Err)
			case events.ConversionProgress:
				slog.Info("conversion progress", "job", ev.JobID, "progress", ev.Progress, "stage", ev.Stage)
			default:
				slog.Info(string(ev.Type),
					"time", ev.Time, "kind", ev.TrackKind,
					"requested", ev.Requested, "actual", ev.Actual)
			}
		}
	}
}

// watchState ends the process once playback reaches Ended, unless looping.
func watchState(ctx context.Context, bus *events.Bus, cancel context.CancelFunc, loop bool) error {
	ch, cancelSub := bus.SubscribeState()
	defer cancelSub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-ch:
			if !ok {
				return nil
			}
			if snap.State == string(player.StateEnded) && !loop {
				slog.Info("playback ended",
					"framesPresented", snap.FramesPresented,
					"framesDropped", snap.FramesDropped,
					"starvations", snap.Starvations)
				cancel()
				return nil
			}
		}
	}
}

// passthroughConvert is the demo conversion collaborator: the synth
// source's bytes are already a playable description, so conversion is a
// staged copy.
func passthroughConvert(ctx context.Context, src []byte, streamIndex int, progress func(float64)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress(0.5)
	out := make([]byte, len(src))
	copy(out, src)
	progress(1)
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
