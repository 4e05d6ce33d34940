package file

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/source"
)

// writeTestWAV creates a mono 16-bit WAV with one second of samples.
func writeTestWAV(t *testing.T, rate int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           make([]int, rate),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = (i % 64) * 100
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	return path
}

func prepare(t *testing.T, path string) *Source {
	t.Helper()

	got := make(chan error, 1)
	notifier := source.NewNotifier(func(n source.Notification) {
		if n.Kind == source.NotifyPrepared {
			got <- n.Err
		}
	})

	s := New(path, notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.PrepareAsync()

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("prepare: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("prepare never completed")
	}
	return s
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	s := prepare(t, writeTestWAV(t, 8000))

	d, err := s.Duration()
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if d != 1_000_000 {
		t.Fatalf("duration = %d, want 1s", d)
	}

	f := s.Format(true)
	if f == nil || f.Mime != media.MimeAudioRaw || f.SampleRate != 8000 || f.ChannelCount != 1 {
		t.Fatalf("format = %+v", f)
	}
	if s.Format(false) != nil {
		t.Fatal("file source should not report a video format")
	}

	// 20ms units at 8kHz mono: 160 frames, 320 bytes each.
	au, err := s.DequeueAccessUnit(true)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(au.Data) != 320 {
		t.Fatalf("unit size = %d bytes, want 320", len(au.Data))
	}
	if au.TimeUs != 0 {
		t.Fatalf("first unit time = %d, want 0", au.TimeUs)
	}

	au, err = s.DequeueAccessUnit(true)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if au.TimeUs != 20_000 {
		t.Fatalf("second unit time = %d, want 20000", au.TimeUs)
	}

	// Drain to EOS.
	count := 2
	for {
		_, err := s.DequeueAccessUnit(true)
		if err != nil {
			if !errors.Is(err, media.ErrEndOfStream) {
				t.Fatalf("tail error = %v, want EOS", err)
			}
			break
		}
		count++
	}
	if count != 50 { // 1s / 20ms
		t.Fatalf("unit count = %d, want 50", count)
	}
}

func TestSeek(t *testing.T) {
	t.Parallel()

	s := prepare(t, writeTestWAV(t, 8000))

	if err := s.SeekTo(500_000); err != nil {
		t.Fatalf("seek: %v", err)
	}
	au, err := s.DequeueAccessUnit(true)
	if err != nil {
		t.Fatalf("dequeue after seek: %v", err)
	}
	if au.TimeUs != 500_000 {
		t.Fatalf("unit time after seek = %d, want 500000", au.TimeUs)
	}

	// Seeking past the end leaves the source at EOS.
	if err := s.SeekTo(10_000_000); err != nil {
		t.Fatalf("seek past end: %v", err)
	}
	if _, err := s.DequeueAccessUnit(true); !errors.Is(err, media.ErrEndOfStream) {
		t.Fatalf("dequeue past end = %v, want EOS", err)
	}
}

func TestVideoStreamAbsent(t *testing.T) {
	t.Parallel()

	s := prepare(t, writeTestWAV(t, 8000))
	if _, err := s.DequeueAccessUnit(false); !errors.Is(err, media.ErrWouldBlock) {
		t.Fatalf("video dequeue = %v, want would-block", err)
	}
}

func TestInjectedDiscontinuity(t *testing.T) {
	t.Parallel()

	s := prepare(t, writeTestWAV(t, 8000))
	s.InjectDiscontinuity(media.DiscontinuityTime, 300_000)

	au, err := s.DequeueAccessUnit(true)
	if !errors.Is(err, media.ErrInfoDiscontinuity) {
		t.Fatalf("dequeue = %v, want discontinuity", err)
	}
	if au.Discontinuity != media.DiscontinuityTime || au.ResumeAtUs != 300_000 {
		t.Fatalf("discontinuity unit = %+v", au)
	}

	// The next unit is ordinary data again.
	if _, err := s.DequeueAccessUnit(true); err != nil {
		t.Fatalf("dequeue after discontinuity: %v", err)
	}
}

func TestTrackSurface(t *testing.T) {
	t.Parallel()

	s := prepare(t, writeTestWAV(t, 8000))
	if n := s.TrackCount(); n != 1 {
		t.Fatalf("track count = %d, want 1", n)
	}
	if tr := s.TrackInfo(0); tr.Type != media.TrackTypeAudio {
		t.Fatalf("track info = %+v", tr)
	}
	if got := s.SelectedTrack(media.TrackTypeAudio); got != 0 {
		t.Fatalf("selected audio track = %d, want 0", got)
	}
	if got := s.SelectedTrack(media.TrackTypeVideo); got != -1 {
		t.Fatalf("selected video track = %d, want -1", got)
	}
	if err := s.SelectTrack(3, true); !errors.Is(err, media.ErrInvalidOperation) {
		t.Fatalf("select out of range = %v, want invalid operation", err)
	}
}

func TestUnsupportedExtension(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := make(chan error, 1)
	notifier := source.NewNotifier(func(n source.Notification) {
		if n.Kind == source.NotifyPrepared {
			got <- n.Err
		}
	})
	s := New(path, notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.PrepareAsync()

	select {
	case err := <-got:
		if err == nil {
			t.Fatal("prepare succeeded for an unsupported extension")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("prepare never completed")
	}
}
