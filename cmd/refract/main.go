package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/player"
	"github.com/zsiec/refract/internal/sink"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		slog.Error("usage: refract <media-file>")
		os.Exit(2)
	}
	input := os.Args[1]

	outPath := envOr("OUT_WAV", "")
	seekUs := envInt64("SEEK_US", -1)

	var audioSink sink.Sink
	if outPath != "" {
		audioSink = sink.NewWAV(outPath)
	} else {
		audioSink = sink.NewNull(false)
	}

	slog.Info("refract starting", "version", version, "input", input, "out", outPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	d := newConsoleDriver(cancel)

	ctrl := player.New(d, slog.Default())
	defer ctrl.Shutdown()

	ctrl.SetAudioSink(audioSink)
	ctrl.SetDataSourceURL(input, nil)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case err := <-d.prepared:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		ctrl.Start()
		if seekUs >= 0 {
			ctrl.SeekToAsync(seekUs)
		}

		tracks, err := ctrl.GetTrackInfo(ctx)
		if err == nil {
			for i, t := range tracks {
				slog.Info("track", "index", i, "type", t.Type, "mime", t.Mime)
			}
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			<-d.resetDone
			close(done)
		}()
		ctrl.ResetAsync()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Warn("reset timed out")
		}
		return nil
	})

	ctrl.PrepareAsync()

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("playback error", "error", err)
		os.Exit(1)
	}
}

// consoleDriver logs every controller callback and ends the run on
// playback completion or fatal error.
type consoleDriver struct {
	cancel    context.CancelFunc
	prepared  chan error
	resetDone chan struct{}
}

func newConsoleDriver(cancel context.CancelFunc) *consoleDriver {
	return &consoleDriver{
		cancel:    cancel,
		prepared:  make(chan error, 1),
		resetDone: make(chan struct{}, 1),
	}
}

func (d *consoleDriver) NotifySetDataSourceCompleted(err error) {
	if err != nil {
		slog.Error("set data source failed", "error", err)
		d.cancel()
	}
}

func (d *consoleDriver) NotifyPrepareCompleted(err error) {
	slog.Info("prepare completed", "error", err)
	select {
	case d.prepared <- err:
	default:
	}
}

func (d *consoleDriver) NotifyDuration(durationUs int64) {
	slog.Info("duration", "us", durationUs)
}

func (d *consoleDriver) NotifyPosition(positionUs int64) {
	slog.Debug("position", "us", positionUs)
}

func (d *consoleDriver) NotifyFrameStats(total, dropped int64) {
	slog.Debug("frame stats", "total", total, "dropped", dropped)
}

func (d *consoleDriver) NotifySeekComplete() {
	slog.Info("seek complete")
}

func (d *consoleDriver) NotifySetSurfaceComplete() {
	slog.Info("surface set")
}

func (d *consoleDriver) NotifyResetComplete() {
	slog.Info("reset complete")
	select {
	case d.resetDone <- struct{}{}:
	default:
	}
}

func (d *consoleDriver) NotifyFlagsChanged(flags media.SourceFlags) {
	slog.Info("source flags", "flags", flags)
}

func (d *consoleDriver) NotifyListener(msg player.ListenerMessage, ext1, ext2 int, payload *media.TimedText) {
	switch msg {
	case player.MediaPlaybackComplete:
		slog.Info("playback complete")
		d.cancel()
	case player.MediaError:
		slog.Error("media error", "ext1", ext1, "ext2", ext2)
		d.cancel()
	case player.MediaTimedText, player.MediaSubtitleData:
		if payload != nil {
			slog.Info("text", "track", payload.TrackIndex, "time_us", payload.TimeUs,
				"data", string(payload.Data))
		}
	default:
		slog.Debug("listener", "msg", msg, "ext1", ext1, "ext2", ext2)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
