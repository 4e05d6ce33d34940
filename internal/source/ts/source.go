package ts

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/source"
)

// Source plays a local MPEG transport stream. It pumps packets on
// FeedMoreData, reassembles PES units into access units, and reports a
// dynamic duration that grows with the highest PTS observed so far.
type Source struct {
	log      *slog.Logger
	notifier *source.Notifier
	reader   io.Reader

	mu sync.Mutex

	programMap *programMap
	pool       *accumulatorPool
	readBuf    []byte
	eof        bool

	audioPID     uint16
	videoPID     uint16
	haveAudioPID bool
	haveVideoPID bool

	audioFormat *media.Format
	videoFormat *media.Format

	audioQueue []*media.AccessUnit
	videoQueue []*media.AccessUnit

	firstPTSUs int64
	lastPTSUs  int64
	started    bool
	prepared   bool
}

// packetsPerFeed bounds the work done by a single FeedMoreData call so
// the controller's dispatch loop stays responsive.
const packetsPerFeed = 256

// New creates a TS source reading from r. The notifier delivers
// asynchronous events into the controller mailbox.
func New(r io.Reader, notifier *source.Notifier, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log:        log.With("component", "ts-source"),
		notifier:   notifier,
		reader:     r,
		programMap: newProgramMap(),
		readBuf:    make([]byte, packetSize),
		firstPTSUs: -1,
		lastPTSUs:  -1,
	}
}

func (s *Source) PrepareAsync() {
	go func() {
		// Pump until PAT/PMT and the first formats are known, or the
		// input runs dry.
		for i := 0; i < 4096; i++ {
			s.mu.Lock()
			done := s.eof || s.haveFormatsLocked()
			s.mu.Unlock()
			if done {
				break
			}
			if err := s.feed(); err != nil {
				break
			}
		}

		s.mu.Lock()
		ok := s.haveAudioPID || s.haveVideoPID
		s.prepared = true
		s.mu.Unlock()

		s.notifier.FlagsChanged(media.FlagCanPause | media.FlagDynamicDuration)
		if ok {
			s.notifier.Prepared(nil)
		} else {
			s.notifier.Prepared(media.ErrUnknown)
		}
	}()
}

func (s *Source) haveFormatsLocked() bool {
	if !s.haveAudioPID && !s.haveVideoPID {
		return false
	}
	if s.haveAudioPID && s.audioFormat == nil {
		return false
	}
	if s.haveVideoPID && s.videoFormat == nil {
		return false
	}
	return true
}

func (s *Source) Start()  { s.mu.Lock(); s.started = true; s.mu.Unlock() }
func (s *Source) Pause()  {}
func (s *Source) Resume() {}
func (s *Source) Stop()   { s.mu.Lock(); s.started = false; s.mu.Unlock() }

// SeekTo is unsupported on a raw transport stream; playback continues
// from the current position.
func (s *Source) SeekTo(int64) error { return media.ErrInvalidOperation }

func (s *Source) IsRealTime() bool { return false }

// Duration reports the span between the lowest and highest PTS observed
// so far. The source
// advertises FlagDynamicDuration so the controller polls this while
// playing.
func (s *Source) Duration() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPTSUs < 0 {
		return 0, media.ErrWouldBlock
	}
	base := s.firstPTSUs
	if base < 0 {
		base = 0
	}
	return s.lastPTSUs - base, nil
}

func (s *Source) Format(audio bool) *media.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if audio {
		return s.audioFormat
	}
	return s.videoFormat
}

func (s *Source) TrackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	if s.haveVideoPID {
		count++
	}
	if s.haveAudioPID {
		count++
	}
	return count
}

func (s *Source) TrackInfo(index int) media.TrackInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracks := s.trackListLocked()
	if index < 0 || index >= len(tracks) {
		return media.TrackInfo{}
	}
	return tracks[index]
}

func (s *Source) trackListLocked() []media.TrackInfo {
	var tracks []media.TrackInfo
	if s.haveVideoPID {
		mime := ""
		if s.videoFormat != nil {
			mime = s.videoFormat.Mime
		}
		tracks = append(tracks, media.TrackInfo{Type: media.TrackTypeVideo, Mime: mime, Language: "und"})
	}
	if s.haveAudioPID {
		mime := ""
		if s.audioFormat != nil {
			mime = s.audioFormat.Mime
		}
		tracks = append(tracks, media.TrackInfo{Type: media.TrackTypeAudio, Mime: mime, Language: "und"})
	}
	return tracks
}

func (s *Source) SelectedTrack(typ media.TrackType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.trackListLocked() {
		if t.Type == typ {
			return i
		}
	}
	return -1
}

// SelectTrack is a no-op for the single program a TS file carries.
func (s *Source) SelectTrack(index int, selected bool) error {
	if index < 0 || index >= s.TrackCount() {
		return media.ErrInvalidOperation
	}
	return nil
}

func (s *Source) DequeueAccessUnit(audio bool) (*media.AccessUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := &s.videoQueue
	if audio {
		queue = &s.audioQueue
	}

	if len(*queue) == 0 {
		if s.eof {
			return nil, media.ErrEndOfStream
		}
		return nil, media.ErrWouldBlock
	}

	au := (*queue)[0]
	*queue = (*queue)[1:]
	return au, nil
}

// FeedMoreData pumps up to packetsPerFeed transport packets into the
// per-stream queues. It returns media.ErrEndOfStream once the input is
// exhausted and all buffered payloads are flushed.
func (s *Source) FeedMoreData() error {
	s.mu.Lock()
	if s.eof {
		drained := len(s.audioQueue) == 0 && len(s.videoQueue) == 0
		s.mu.Unlock()
		if drained {
			return media.ErrEndOfStream
		}
		return nil
	}
	s.mu.Unlock()
	return s.feed()
}

// SetBuffers accepts controller-owned secure buffers. Local files carry
// no protected content, so the hand-off is ignored.
func (s *Source) SetBuffers(bool, [][]byte) error { return nil }

func (s *Source) feed() error {
	for i := 0; i < packetsPerFeed; i++ {
		_, err := io.ReadFull(s.reader, s.readBuf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.mu.Lock()
				s.drainLocked()
				s.eof = true
				s.mu.Unlock()
				return nil
			}
			return fmt.Errorf("ts: read: %w", err)
		}

		pkt, err := parsePacket(s.readBuf)
		if err != nil {
			continue // skip corrupt packets
		}

		s.mu.Lock()
		if flushed := s.poolLocked().add(pkt); flushed != nil {
			s.processLocked(flushed)
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Source) poolLocked() *accumulatorPool {
	if s.pool == nil {
		s.pool = newAccumulatorPool(s.programMap)
	}
	return s.pool
}

func (s *Source) drainLocked() {
	if s.pool == nil {
		return
	}
	for pid := range s.pool.accs {
		if packets := s.pool.flush(pid); packets != nil {
			s.processLocked(packets)
		}
	}
}

func (s *Source) processLocked(packets []*packet) {
	if len(packets) == 0 {
		return
	}
	pid := packets[0].header.pid

	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.payload...)
	}
	if len(payload) == 0 {
		return
	}

	if pid == pidPAT || s.programMap.isPMTPID(pid) {
		err := parsePSISections(payload,
			func(programs []patProgram) {
				for _, p := range programs {
					s.programMap.addPMTPID(p.pmtPID)
				}
			},
			func(streams []pmtStream) {
				s.adoptStreamsLocked(streams)
			})
		if err != nil {
			s.log.Warn("dropping corrupt PSI section", "pid", pid, "error", err)
		}
		return
	}

	if !isPESPayload(payload) {
		return
	}
	unit, err := parsePES(payload)
	if err != nil {
		s.log.Warn("dropping corrupt PES unit", "pid", pid, "error", err)
		return
	}

	switch {
	case s.haveAudioPID && pid == s.audioPID:
		s.enqueueAudioLocked(unit)
	case s.haveVideoPID && pid == s.videoPID:
		s.enqueueVideoLocked(unit)
	}
}

func (s *Source) adoptStreamsLocked(streams []pmtStream) {
	for _, es := range streams {
		switch es.streamType {
		case streamTypeH264, streamTypeH265:
			if !s.haveVideoPID {
				s.videoPID = es.pid
				s.haveVideoPID = true
				mime := media.MimeVideoAVC
				if es.streamType == streamTypeH265 {
					mime = media.MimeVideoHEVC
				}
				s.videoFormat = &media.Format{Mime: mime}
				s.log.Info("video stream found", "pid", es.pid, "mime", mime)
			}
		case streamTypeADTSAAC, streamTypeMPEG1Audio, streamTypeMPEG2Audio:
			if !s.haveAudioPID {
				s.audioPID = es.pid
				s.haveAudioPID = true
				s.log.Info("audio stream found", "pid", es.pid, "type", es.streamType)
			}
		}
	}
}

func (s *Source) enqueueAudioLocked(unit *pesUnit) {
	timeUs := ticksToUs(unit.pts)
	s.observePTSLocked(timeUs)

	if s.audioFormat == nil {
		if f, ok := parseADTSFormat(unit.data); ok {
			s.audioFormat = f
			s.log.Info("audio format discovered",
				"mime", f.Mime, "sample_rate", f.SampleRate, "channels", f.ChannelCount)
		} else {
			s.audioFormat = &media.Format{Mime: media.MimeAudioMPEG}
		}
	}

	s.audioQueue = append(s.audioQueue, &media.AccessUnit{
		Data:       unit.data,
		TimeUs:     timeUs,
		ResumeAtUs: -1,
	})
}

func (s *Source) enqueueVideoLocked(unit *pesUnit) {
	timeUs := ticksToUs(unit.pts)
	s.observePTSLocked(timeUs)

	s.videoQueue = append(s.videoQueue, &media.AccessUnit{
		Data:       unit.data,
		TimeUs:     timeUs,
		IsKeyframe: hasIDRSlice(unit.data),
		ResumeAtUs: -1,
	})
}

func (s *Source) observePTSLocked(timeUs int64) {
	if timeUs < 0 {
		return
	}
	if s.firstPTSUs < 0 || timeUs < s.firstPTSUs {
		s.firstPTSUs = timeUs
	}
	if timeUs > s.lastPTSUs {
		s.lastPTSUs = timeUs
	}
}

func hasIDRSlice(data []byte) bool {
	for _, nalu := range media.SplitNALUs(data) {
		if len(nalu) > 0 && int(nalu[0]&0x1F) == media.NALTypeIDRSlice {
			return true
		}
	}
	return false
}

// adtsSampleRates maps the ADTS sampling_frequency_index to Hz.
var adtsSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// parseADTSFormat reads the fixed ADTS header at the front of an AAC
// access unit.
func parseADTSFormat(data []byte) (*media.Format, bool) {
	if len(data) < 7 || data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return nil, false
	}
	profile := int(data[2]>>6) + 1
	freqIndex := int(data[2] >> 2 & 0x0F)
	channels := int(data[2]&0x01)<<2 | int(data[3]>>6)

	if freqIndex >= len(adtsSampleRates) {
		return nil, false
	}
	return &media.Format{
		Mime:         media.MimeAudioAAC,
		SampleRate:   adtsSampleRates[freqIndex],
		ChannelCount: channels,
		AACProfile:   profile,
	}, true
}
