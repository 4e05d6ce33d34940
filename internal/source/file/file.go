// Package file implements a local-file audio source. It extracts WAV,
// MP3, and Ogg Vorbis files into 16-bit PCM access units the decoder
// consumes as raw audio, with exact seek support and a known duration.
package file

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/go-audio/wav"
	"github.com/jfreymuth/oggvorbis"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/source"
)

// unitDurationUs is the span of one PCM access unit.
const unitDurationUs = 20_000

// Source extracts a local audio file into PCM access units. The whole
// file is decoded during prepare; dequeue and seek are then index math
// over the sample buffer.
type Source struct {
	log      *slog.Logger
	notifier *source.Notifier
	path     string

	mu         sync.Mutex
	pcm        []int16 // interleaved
	sampleRate int
	channels   int
	format     *media.Format
	durationUs int64
	nextFrame  int64 // next PCM frame to emit
	pending    []*media.AccessUnit
	prepared   bool
	started    bool
}

// New creates a file source for path. The format is chosen by extension:
// .wav, .mp3, .ogg/.oga.
func New(path string, notifier *source.Notifier, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log:      log.With("component", "file-source", "path", path),
		notifier: notifier,
		path:     path,
	}
}

func (s *Source) PrepareAsync() {
	go func() {
		err := s.load()
		if err != nil {
			s.log.Error("prepare failed", "error", err)
			s.notifier.Prepared(err)
			return
		}
		s.notifier.FlagsChanged(
			media.FlagCanPause | media.FlagCanSeek |
				media.FlagCanSeekBackward | media.FlagCanSeekForward)
		s.notifier.Prepared(nil)
	}()
}

func (s *Source) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("file: open: %w", err)
	}
	defer f.Close()

	var (
		pcm      []int16
		rate     int
		channels int
	)
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".wav":
		pcm, rate, channels, err = loadWAV(f)
	case ".mp3":
		pcm, rate, channels, err = loadMP3(f)
	case ".ogg", ".oga":
		pcm, rate, channels, err = loadVorbis(f)
	default:
		err = fmt.Errorf("file: unsupported extension %q", filepath.Ext(s.path))
	}
	if err != nil {
		return err
	}
	if rate <= 0 || channels <= 0 {
		return fmt.Errorf("file: invalid stream parameters (rate=%d channels=%d)", rate, channels)
	}

	frames := int64(len(pcm) / channels)
	durationUs := frames * 1_000_000 / int64(rate)

	s.mu.Lock()
	s.pcm = pcm
	s.sampleRate = rate
	s.channels = channels
	s.durationUs = durationUs
	s.format = &media.Format{
		Mime:         media.MimeAudioRaw,
		SampleRate:   rate,
		ChannelCount: channels,
		DurationUs:   durationUs,
	}
	s.prepared = true
	s.mu.Unlock()

	s.log.Info("prepared", "sample_rate", rate, "channels", channels,
		"duration_us", durationUs)
	return nil
}

func (s *Source) Start()  { s.mu.Lock(); s.started = true; s.mu.Unlock() }
func (s *Source) Pause()  {}
func (s *Source) Resume() {}
func (s *Source) Stop()   { s.mu.Lock(); s.started = false; s.mu.Unlock() }

func (s *Source) SeekTo(timeUs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return media.ErrInvalidOperation
	}
	if timeUs < 0 {
		timeUs = 0
	}
	frame := timeUs * int64(s.sampleRate) / 1_000_000
	total := int64(len(s.pcm) / s.channels)
	if frame > total {
		frame = total
	}
	s.nextFrame = frame
	s.pending = nil
	return nil
}

func (s *Source) IsRealTime() bool { return false }

func (s *Source) Duration() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return 0, media.ErrWouldBlock
	}
	return s.durationUs, nil
}

func (s *Source) Format(audio bool) *media.Format {
	if !audio {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *Source) TrackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return 0
	}
	return 1
}

func (s *Source) TrackInfo(index int) media.TrackInfo {
	if index != 0 {
		return media.TrackInfo{}
	}
	return media.TrackInfo{Type: media.TrackTypeAudio, Mime: media.MimeAudioRaw, Language: "und"}
}

func (s *Source) SelectedTrack(typ media.TrackType) int {
	if typ == media.TrackTypeAudio && s.TrackCount() > 0 {
		return 0
	}
	return -1
}

func (s *Source) SelectTrack(index int, selected bool) error {
	if index != 0 {
		return media.ErrInvalidOperation
	}
	return nil
}

// InjectDiscontinuity queues a discontinuity marker ahead of the next
// access unit. Tests use it to exercise the controller's flush paths.
func (s *Source) InjectDiscontinuity(flags media.DiscontinuityFlags, resumeAtUs int64) {
	s.mu.Lock()
	s.pending = append(s.pending, &media.AccessUnit{
		Discontinuity: flags,
		ResumeAtUs:    resumeAtUs,
	})
	s.mu.Unlock()
}

func (s *Source) DequeueAccessUnit(audio bool) (*media.AccessUnit, error) {
	if !audio {
		return nil, media.ErrWouldBlock
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return nil, media.ErrWouldBlock
	}

	if len(s.pending) > 0 {
		au := s.pending[0]
		s.pending = s.pending[1:]
		if au.Discontinuity != 0 {
			return au, media.ErrInfoDiscontinuity
		}
		return au, nil
	}

	total := int64(len(s.pcm) / s.channels)
	if s.nextFrame >= total {
		return nil, media.ErrEndOfStream
	}

	unitFrames := int64(s.sampleRate) * unitDurationUs / 1_000_000
	end := s.nextFrame + unitFrames
	if end > total {
		end = total
	}

	samples := s.pcm[s.nextFrame*int64(s.channels) : end*int64(s.channels)]
	data := make([]byte, len(samples)*2)
	for i, v := range samples {
		data[2*i] = byte(v)
		data[2*i+1] = byte(v >> 8)
	}

	au := &media.AccessUnit{
		Data:       data,
		TimeUs:     s.nextFrame * 1_000_000 / int64(s.sampleRate),
		ResumeAtUs: -1,
	}
	s.nextFrame = end
	return au, nil
}

// FeedMoreData is a no-op: the whole file is decoded at prepare time.
func (s *Source) FeedMoreData() error { return nil }

func (s *Source) SetBuffers(bool, [][]byte) error { return nil }

func loadWAV(f *os.File) ([]int16, int, int, error) {
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("file: wav decode: %w", err)
	}
	if buf.Format == nil {
		return nil, 0, 0, fmt.Errorf("file: wav missing format")
	}

	pcm := make([]int16, len(buf.Data))
	shift := 0
	if buf.SourceBitDepth > 16 {
		shift = buf.SourceBitDepth - 16
	}
	for i, v := range buf.Data {
		pcm[i] = int16(v >> shift)
	}
	return pcm, buf.Format.SampleRate, buf.Format.NumChannels, nil
}

func loadMP3(f *os.File) ([]int16, int, int, error) {
	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("file: mp3 decode: %w", err)
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("file: mp3 read: %w", err)
	}

	pcm := make([]int16, len(raw)/2)
	for i := range pcm {
		pcm[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
	}
	// go-mp3 always produces stereo 16-bit output.
	return pcm, dec.SampleRate(), 2, nil
}

func loadVorbis(f *os.File) ([]int16, int, int, error) {
	samples, format, err := oggvorbis.ReadAll(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("file: vorbis decode: %w", err)
	}

	pcm := make([]int16, len(samples))
	for i, v := range samples {
		switch {
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		pcm[i] = int16(v * 32767)
	}
	return pcm, format.SampleRate, format.Channels, nil
}
