package renderer

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/sink"
)

func newTestRenderer(t *testing.T, flags int) (*Renderer, chan Notification, *sink.Null) {
	t.Helper()
	ch := make(chan Notification, 128)
	s := sink.NewNull(true)
	s.Open(sink.Config{SampleRate: 48000, ChannelCount: 2, Format: sink.FormatPCM16})
	s.Start()
	r := New(s, flags, func(n Notification) { ch <- n }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.Stop)
	return r, ch, s
}

func await(t *testing.T, ch chan Notification, kind NotifyKind) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("never received notification kind %d", kind)
		}
	}
}

func TestAudioDrainAnchorsAndReleases(t *testing.T) {
	t.Parallel()
	r, ch, _ := newTestRenderer(t, 0)

	release := make(chan struct{}, 1)
	r.QueueBuffer(true, &media.Buffer{Data: make([]byte, 192), TimeUs: 0}, release)

	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatal("audio buffer never released")
	}

	await(t, ch, NotifyMediaRenderingStart)
}

func TestVideoRenderingStart(t *testing.T) {
	t.Parallel()
	r, ch, _ := newTestRenderer(t, 0)

	release := make(chan struct{}, 1)
	r.QueueBuffer(false, &media.Buffer{TimeUs: 0}, release)

	await(t, ch, NotifyVideoRenderingStart)
	await(t, ch, NotifyMediaRenderingStart)
	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatal("video buffer never released")
	}
}

func TestEOSAfterDrain(t *testing.T) {
	t.Parallel()
	r, ch, _ := newTestRenderer(t, 0)

	r.QueueBuffer(true, &media.Buffer{Data: make([]byte, 4), TimeUs: 0}, make(chan struct{}, 1))
	r.QueueEOS(true, media.ErrEndOfStream)

	n := await(t, ch, NotifyEOS)
	if !n.Audio || !errors.Is(n.FinalResult, media.ErrEndOfStream) {
		t.Fatalf("EOS notification = %+v", n)
	}
}

func TestFlushDropsQueueAndReleases(t *testing.T) {
	t.Parallel()
	r, ch, _ := newTestRenderer(t, 0)

	// Pause first so the queued buffer cannot drain before the flush.
	r.Pause()
	release := make(chan struct{}, 1)
	r.QueueBuffer(true, &media.Buffer{Data: make([]byte, 4), TimeUs: 1_000_000}, release)
	r.Flush(true)

	n := await(t, ch, NotifyFlushComplete)
	if !n.Audio {
		t.Fatal("flush complete for wrong stream")
	}
	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatal("flushed buffer never released")
	}
}

func TestPositionNotifications(t *testing.T) {
	t.Parallel()
	r, ch, _ := newTestRenderer(t, 0)

	r.QueueBuffer(true, &media.Buffer{Data: make([]byte, 192), TimeUs: 2_000_000}, make(chan struct{}, 1))

	n := await(t, ch, NotifyPosition)
	if n.PositionUs < 2_000_000 {
		t.Fatalf("position = %d, want >= 2000000", n.PositionUs)
	}
}

func TestOffloadTearDownOnWriteFailure(t *testing.T) {
	t.Parallel()
	r, ch, s := newTestRenderer(t, FlagOffloadAudio)

	s.Open(sink.Config{
		SampleRate: 48000, ChannelCount: 2, Format: sink.FormatAAC,
		Offload: &sink.OffloadInfo{Format: sink.FormatAAC, SampleRate: 48000},
	})
	s.Start()
	s.FailNextOffloadWrite()

	r.QueueBuffer(true, &media.Buffer{Data: make([]byte, 4), TimeUs: 0}, make(chan struct{}, 1))

	await(t, ch, NotifyAudioOffloadTearDown)
}
