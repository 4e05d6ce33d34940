package player

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/refract/internal/decoder"
	"github.com/zsiec/refract/internal/looper"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/renderer"
	"github.com/zsiec/refract/internal/sink"
)

// driverEvent records one driver callback for assertion.
type driverEvent struct {
	name    string
	ext1    int
	ext2    int
	i64     int64
	i64b    int64
	err     error
	payload *media.TimedText
}

type mockDriver struct {
	mu     sync.Mutex
	events []driverEvent
}

func (d *mockDriver) record(ev driverEvent) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

func (d *mockDriver) NotifySetDataSourceCompleted(err error) {
	d.record(driverEvent{name: "setDataSourceCompleted", err: err})
}
func (d *mockDriver) NotifyPrepareCompleted(err error) {
	d.record(driverEvent{name: "prepareCompleted", err: err})
}
func (d *mockDriver) NotifyDuration(us int64) { d.record(driverEvent{name: "duration", i64: us}) }
func (d *mockDriver) NotifyPosition(us int64) { d.record(driverEvent{name: "position", i64: us}) }
func (d *mockDriver) NotifyFrameStats(total, dropped int64) {
	d.record(driverEvent{name: "frameStats", i64: total, i64b: dropped})
}
func (d *mockDriver) NotifySeekComplete()       { d.record(driverEvent{name: "seekComplete"}) }
func (d *mockDriver) NotifySetSurfaceComplete() { d.record(driverEvent{name: "setSurfaceComplete"}) }
func (d *mockDriver) NotifyResetComplete()      { d.record(driverEvent{name: "resetComplete"}) }
func (d *mockDriver) NotifyFlagsChanged(flags media.SourceFlags) {
	d.record(driverEvent{name: "flagsChanged", i64: int64(flags)})
}
func (d *mockDriver) NotifyListener(msg ListenerMessage, ext1, ext2 int, payload *media.TimedText) {
	names := map[ListenerMessage]string{
		MediaPlaybackComplete: "playbackComplete",
		MediaError:            "mediaError",
		MediaInfo:             "mediaInfo",
		MediaStarted:          "mediaStarted",
		MediaBufferingUpdate:  "bufferingUpdate",
		MediaSetVideoSize:     "setVideoSize",
		MediaSubtitleData:     "subtitleData",
		MediaTimedText:        "timedText",
	}
	d.record(driverEvent{name: names[msg], ext1: ext1, ext2: ext2, payload: payload})
}

func (d *mockDriver) count(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ev := range d.events {
		if ev.name == name {
			n++
		}
	}
	return n
}

func (d *mockDriver) find(name string) (driverEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range d.events {
		if ev.name == name {
			return ev, true
		}
	}
	return driverEvent{}, false
}

// indexOf returns the position of the first event with the given name
// at or after from, or -1.
func (d *mockDriver) indexOf(name string, from int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := from; i < len(d.events); i++ {
		if d.events[i].name == name {
			return i
		}
	}
	return -1
}

func (d *mockDriver) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func (d *mockDriver) waitFor(t *testing.T, name string) driverEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := d.find(name); ok {
			return ev
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("driver never received %q", name)
	return driverEvent{}
}

// fetchResult scripts one DequeueAccessUnit outcome.
type fetchResult struct {
	au  *media.AccessUnit
	err error
}

type mockSource struct {
	mu sync.Mutex

	audioFormat *media.Format
	videoFormat *media.Format
	durationUs  int64
	realTime    bool
	tracks      []media.TrackInfo

	audioQueue []fetchResult
	videoQueue []fetchResult
	// tailErr is returned once a queue is empty (defaults to
	// ErrWouldBlock).
	audioTailErr error
	videoTailErr error

	prepares int
	starts   int
	stops    int
	pauses   int
	resumes  int
	seeks    []int64
	feeds    int
	dequeues int
	selected []int
}

func newMockSource() *mockSource {
	return &mockSource{
		audioTailErr: media.ErrWouldBlock,
		videoTailErr: media.ErrWouldBlock,
	}
}

func (s *mockSource) PrepareAsync() { s.mu.Lock(); s.prepares++; s.mu.Unlock() }
func (s *mockSource) Start()        { s.mu.Lock(); s.starts++; s.mu.Unlock() }
func (s *mockSource) Pause()        { s.mu.Lock(); s.pauses++; s.mu.Unlock() }
func (s *mockSource) Resume()       { s.mu.Lock(); s.resumes++; s.mu.Unlock() }
func (s *mockSource) Stop()         { s.mu.Lock(); s.stops++; s.mu.Unlock() }

func (s *mockSource) SeekTo(us int64) error {
	s.mu.Lock()
	s.seeks = append(s.seeks, us)
	s.mu.Unlock()
	return nil
}

func (s *mockSource) IsRealTime() bool { return s.realTime }

func (s *mockSource) Duration() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.durationUs == 0 {
		return 0, media.ErrWouldBlock
	}
	return s.durationUs, nil
}

func (s *mockSource) Format(audio bool) *media.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if audio {
		return s.audioFormat
	}
	return s.videoFormat
}

func (s *mockSource) TrackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

func (s *mockSource) TrackInfo(i int) media.TrackInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.tracks) {
		return media.TrackInfo{}
	}
	return s.tracks[i]
}

func (s *mockSource) SelectedTrack(typ media.TrackType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, tr := range s.tracks {
		if tr.Type == typ {
			return i
		}
	}
	return -1
}

func (s *mockSource) SelectTrack(index int, selected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.tracks) {
		return media.ErrInvalidOperation
	}
	s.selected = append(s.selected, index)
	return nil
}

func (s *mockSource) DequeueAccessUnit(audio bool) (*media.AccessUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeues++

	queue := &s.videoQueue
	tail := s.videoTailErr
	if audio {
		queue = &s.audioQueue
		tail = s.audioTailErr
	}
	if len(*queue) == 0 {
		return nil, tail
	}
	r := (*queue)[0]
	*queue = (*queue)[1:]
	return r.au, r.err
}

func (s *mockSource) FeedMoreData() error {
	s.mu.Lock()
	s.feeds++
	s.mu.Unlock()
	return nil
}

func (s *mockSource) SetBuffers(bool, [][]byte) error { return nil }

func (s *mockSource) pushAudio(r fetchResult) {
	s.mu.Lock()
	s.audioQueue = append(s.audioQueue, r)
	s.mu.Unlock()
}

func (s *mockSource) pushVideo(r fetchResult) {
	s.mu.Lock()
	s.videoQueue = append(s.videoQueue, r)
	s.mu.Unlock()
}

func (s *mockSource) seekList() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.seeks...)
}

// mockDecoder records every signal the controller sends it. Tests act
// as the decoder by posting notifications stamped with its generation.
type mockDecoder struct {
	mu sync.Mutex

	audio       bool
	passthrough bool
	generation  int32
	notify      func(decoder.Notification)
	out         VideoOut

	inits      int
	configured []*media.Format
	flushes    []*media.Format
	resumes    int
	updates    []*media.Format
	shutdowns  int
	seamless   bool
}

func (d *mockDecoder) Init() { d.mu.Lock(); d.inits++; d.mu.Unlock() }

func (d *mockDecoder) Configure(f *media.Format) {
	d.mu.Lock()
	d.configured = append(d.configured, f)
	d.mu.Unlock()
}

func (d *mockDecoder) SignalFlush(f *media.Format) {
	d.mu.Lock()
	d.flushes = append(d.flushes, f)
	d.mu.Unlock()
}

func (d *mockDecoder) SignalResume() { d.mu.Lock(); d.resumes++; d.mu.Unlock() }

func (d *mockDecoder) SignalUpdateFormat(f *media.Format) {
	d.mu.Lock()
	d.updates = append(d.updates, f)
	d.mu.Unlock()
}

func (d *mockDecoder) InitiateShutdown() { d.mu.Lock(); d.shutdowns++; d.mu.Unlock() }

func (d *mockDecoder) InputBuffers() [][]byte { return nil }

func (d *mockDecoder) SupportsSeamlessFormatChange(*media.Format) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seamless
}

func (d *mockDecoder) flushCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.flushes)
}

func (d *mockDecoder) shutdownCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdowns
}

func (d *mockDecoder) resumeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumes
}

// queuedBuffer records one renderer enqueue.
type queuedBuffer struct {
	audio bool
	buf   *media.Buffer
}

type eosRecord struct {
	audio bool
	err   error
}

type mockRenderer struct {
	mu sync.Mutex

	queued            []queuedBuffer
	eos               []eosRecord
	flushes           []bool
	pauses            int
	resumes           int
	timeDiscontinuity int
	sinkChanged       int
	offloadDisabled   int
	stopped           int

	autoRelease bool
}

func (r *mockRenderer) QueueBuffer(audio bool, buf *media.Buffer, release chan struct{}) {
	r.mu.Lock()
	r.queued = append(r.queued, queuedBuffer{audio: audio, buf: buf})
	auto := r.autoRelease
	r.mu.Unlock()
	if auto && release != nil {
		select {
		case release <- struct{}{}:
		default:
		}
	}
}

func (r *mockRenderer) QueueEOS(audio bool, err error) {
	r.mu.Lock()
	r.eos = append(r.eos, eosRecord{audio: audio, err: err})
	r.mu.Unlock()
}

func (r *mockRenderer) Flush(audio bool) {
	r.mu.Lock()
	r.flushes = append(r.flushes, audio)
	r.mu.Unlock()
}

func (r *mockRenderer) Pause()  { r.mu.Lock(); r.pauses++; r.mu.Unlock() }
func (r *mockRenderer) Resume() { r.mu.Lock(); r.resumes++; r.mu.Unlock() }

func (r *mockRenderer) SignalTimeDiscontinuity() {
	r.mu.Lock()
	r.timeDiscontinuity++
	r.mu.Unlock()
}

func (r *mockRenderer) SignalAudioSinkChanged() {
	r.mu.Lock()
	r.sinkChanged++
	r.mu.Unlock()
}

func (r *mockRenderer) SignalDisableOffloadAudio() {
	r.mu.Lock()
	r.offloadDisabled++
	r.mu.Unlock()
}

func (r *mockRenderer) Stop() { r.mu.Lock(); r.stopped++; r.mu.Unlock() }

func (r *mockRenderer) queuedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queued)
}

func (r *mockRenderer) timeDiscontinuityCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeDiscontinuity
}

// countingSink wraps a Null sink and counts opens and closes for the
// offload dedup property.
type countingSink struct {
	*sink.Null
	mu     sync.Mutex
	opens  []sink.Config
	closes int
}

func newCountingSink(offloadCapable bool) *countingSink {
	return &countingSink{Null: sink.NewNull(offloadCapable)}
}

func (s *countingSink) Open(cfg sink.Config) error {
	s.mu.Lock()
	s.opens = append(s.opens, cfg)
	s.mu.Unlock()
	return s.Null.Open(cfg)
}

func (s *countingSink) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.Null.Close()
}

func (s *countingSink) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opens)
}

// fakeSurface is a trivial VideoOut.
type fakeSurface struct {
	mu    sync.Mutex
	modes []int
}

func (f *fakeSurface) SetScalingMode(mode int) error {
	f.mu.Lock()
	f.modes = append(f.modes, mode)
	f.mu.Unlock()
	return nil
}

// env wires a controller to scripted collaborators.
type env struct {
	t   *testing.T
	c   *Controller
	drv *mockDriver
	src *mockSource
	snk *countingSink

	rend       *mockRenderer
	rendNotify func(renderer.Notification)

	mu       sync.Mutex
	decoders []*mockDecoder
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		t:    t,
		drv:  &mockDriver{},
		src:  newMockSource(),
		snk:  newCountingSink(false),
		rend: &mockRenderer{autoRelease: true},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.c = New(e.drv, log)
	t.Cleanup(e.c.Shutdown)

	e.onLoop(func(c *Controller) {
		c.newDecoder = func(audio, passthrough bool, generation int32, notify func(decoder.Notification), out VideoOut) decoder.Decoder {
			d := &mockDecoder{
				audio:       audio,
				passthrough: passthrough,
				generation:  generation,
				notify:      notify,
				out:         out,
			}
			e.mu.Lock()
			e.decoders = append(e.decoders, d)
			e.mu.Unlock()
			return d
		}
		c.newRenderer = func(s sink.Sink, flags int, notify func(renderer.Notification)) Renderer {
			e.rendNotify = notify
			return e.rend
		}
	})

	return e
}

// onLoop runs fn on the controller's dispatch goroutine and waits for
// it, both as a barrier and for safe access to controller state.
func (e *env) onLoop(fn func(c *Controller)) {
	e.t.Helper()
	done := make(chan struct{})
	e.c.loop.Post(&looper.Message{What: whatCallback, Payload: func() {
		fn(e.c)
		close(done)
	}})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		e.t.Fatal("controller loop stalled")
	}
}

// barrier waits until all previously posted messages were handled.
func (e *env) barrier() { e.onLoop(func(*Controller) {}) }

// decoderAt waits for the n-th instantiated decoder.
func (e *env) decoderAt(n int) *mockDecoder {
	e.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		if len(e.decoders) > n {
			d := e.decoders[n]
			e.mu.Unlock()
			return d
		}
		e.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	e.t.Fatalf("decoder %d never instantiated", n)
	return nil
}

func (e *env) postDecoderNotify(d *mockDecoder, n decoder.Notification) {
	n.Generation = d.generation
	d.notify(n)
}

// startAV brings up a session with both an audio sink and a video
// surface and returns the two decoders (video first, then audio,
// matching instantiation order).
func (e *env) startAV(surface VideoOut) (video, audio *mockDecoder) {
	e.t.Helper()

	e.src.audioFormat = &media.Format{Mime: media.MimeAudioRaw, SampleRate: 48000, ChannelCount: 2}
	e.src.videoFormat = &media.Format{Mime: media.MimeVideoAVC, Width: 1280, Height: 720}

	e.c.SetDataSource(e.src)
	e.c.SetAudioSink(e.snk)
	// Attach the surface directly: going through SetVideoSurface here
	// would also queue a seek-to-current-position, which the scenarios
	// assert against explicitly.
	e.onLoop(func(c *Controller) { c.videoOut = surface })

	e.c.Start()
	video = e.decoderAt(0)
	audio = e.decoderAt(1)
	if video.audio || !audio.audio {
		e.t.Fatal("decoder instantiation order changed: expected video first")
	}
	return video, audio
}
