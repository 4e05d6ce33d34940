// Package player implements the core playback controller: the
// single-goroutine, message-driven coordinator that binds a source, a
// pair of decoders, and a renderer into one playback session. All state
// lives behind a mailbox; collaborators post generation-stamped
// notifications into it and never touch controller state directly.
package player

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/refract/internal/caption"
	"github.com/zsiec/refract/internal/decoder"
	"github.com/zsiec/refract/internal/looper"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/renderer"
	"github.com/zsiec/refract/internal/sink"
	"github.com/zsiec/refract/internal/source"
	filesource "github.com/zsiec/refract/internal/source/file"
	tssource "github.com/zsiec/refract/internal/source/ts"
)

// Mailbox opcodes. The complete set of events the controller handles.
const (
	whatSetDataSource = iota
	whatPrepare
	whatStart
	whatPause
	whatResume
	whatReset
	whatSeek
	whatSetVideoSurface
	whatSetAudioSink
	whatSetVideoScalingMode
	whatScanSources
	whatPollDuration
	whatGetTrackInfo
	whatGetSelectedTrack
	whatSelectTrack
	whatAudioNotify
	whatVideoNotify
	whatRendererNotify
	whatSourceNotify
	whatClosedCaptionNotify
	whatMoreDataQueued
	whatCallback
)

// Retry and polling cadences.
const (
	scanSourcesRetryDelay = 100 * time.Millisecond
	fillRetryDelay        = 10 * time.Millisecond
	pollDurationInterval  = time.Second
)

// Renderer is the subset of the renderer the controller drives.
// Accepting an interface keeps the controller testable with scripted
// stubs, the same way the teacher pipeline consumes its Broadcaster.
type Renderer interface {
	QueueBuffer(audio bool, buf *media.Buffer, release chan struct{})
	QueueEOS(audio bool, err error)
	Flush(audio bool)
	Pause()
	Resume()
	SignalTimeDiscontinuity()
	SignalAudioSinkChanged()
	SignalDisableOffloadAudio()
	Stop()
}

// Controller is the playback session coordinator. All mutation happens
// on its dispatch goroutine; clients and collaborators only post.
type Controller struct {
	log  *slog.Logger
	loop *looper.Looper

	driver Driver

	src         source.Source
	sourceFlags media.SourceFlags

	audioDecoder decoder.Decoder
	videoDecoder decoder.Decoder
	ccDecoder    *caption.Decoder
	rend         Renderer
	audioSink    sink.Sink
	videoOut     VideoOut

	audioDecoderGeneration int32
	videoDecoderGeneration int32
	scanSourcesGeneration  int32
	pollDurationGeneration int32
	timedTextGeneration    int32

	scanSourcesPending bool

	offloadAudio       bool
	currentOffloadInfo sink.OffloadInfo
	hasOffloadInfo     bool

	started           bool
	audioEOS          bool
	videoEOS          bool
	currentPositionUs int64
	videoLateByUs     int64
	framesTotal       int64
	framesDropped     int64
	skipAudioUntilUs  int64
	skipVideoUntilUs  int64
	videoIsAVC        bool

	timeDiscontinuityPending bool

	flushingAudio flushState
	flushingVideo flushState

	deferredActions []action

	videoScalingMode int

	// Factories, replaceable by tests.
	newDecoder  func(audio, passthrough bool, generation int32, notify func(decoder.Notification), out VideoOut) decoder.Decoder
	newRenderer func(s sink.Sink, flags int, notify func(renderer.Notification)) Renderer
}

// New creates a controller and starts its dispatch loop. driver may be
// nil; notifications are then dropped.
func New(driver Driver, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:              log.With("component", "player", "session", uuid.NewString()),
		loop:             looper.New("player", 256),
		driver:           driver,
		skipAudioUntilUs: -1,
		skipVideoUntilUs: -1,
		// Generation 0 marks an unstamped timed-text delivery; live
		// stamps start at 1.
		timedTextGeneration: 1,
	}
	c.newDecoder = func(audio, passthrough bool, generation int32, notify func(decoder.Notification), _ VideoOut) decoder.Decoder {
		if passthrough {
			return decoder.NewPassthrough(notify, generation)
		}
		return decoder.New(notify, generation, !audio)
	}
	c.newRenderer = func(s sink.Sink, flags int, notify func(renderer.Notification)) Renderer {
		return renderer.New(s, flags, notify, c.log)
	}
	c.loop.Start(c)
	return c
}

// Shutdown stops the dispatch loop. It does not perform an orderly
// reset; call ResetAsync first for that.
func (c *Controller) Shutdown() {
	c.loop.Stop()
}

// Notifier returns the handle sources use to post notifications into
// this controller's mailbox.
func (c *Controller) Notifier() *source.Notifier {
	return source.NewNotifier(func(n source.Notification) {
		c.loop.Post(&looper.Message{What: whatSourceNotify, Payload: n})
	})
}

type dataSourcePayload struct {
	src source.Source
	err error
}

// SetDataSource adopts an already-constructed source. Completion is
// reported through NotifySetDataSourceCompleted.
func (c *Controller) SetDataSource(src source.Source) {
	c.loop.Post(&looper.Message{What: whatSetDataSource, Payload: dataSourcePayload{src: src}})
}

// SetDataSourceURL classifies the URL and constructs the matching
// source variant. Live HLS and RTSP variants are recognized but not
// provided by this module; selecting one reports an error
// asynchronously, like any other data-source failure.
func (c *Controller) SetDataSourceURL(url string, headers map[string]string) {
	payload := dataSourcePayload{}

	switch kind := source.ClassifyURL(url); kind {
	case source.KindGeneric:
		path := strings.TrimPrefix(url, "file://")
		if strings.ToLower(filepath.Ext(path)) == ".ts" {
			f, err := os.Open(path)
			if err != nil {
				payload.err = fmt.Errorf("player: open %s: %w", path, err)
			} else {
				payload.src = tssource.New(f, c.Notifier(), c.log)
			}
		} else {
			payload.src = filesource.New(path, c.Notifier(), c.log)
		}
	default:
		payload.err = fmt.Errorf("player: %s source for %q: %w", kind, url, media.ErrInvalidOperation)
	}

	c.loop.Post(&looper.Message{What: whatSetDataSource, Payload: payload})
}

// SetDataSourceFile adopts an open file carrying a transport stream in
// the byte range [offset, offset+length).
func (c *Controller) SetDataSourceFile(f *os.File, offset, length int64) {
	r := io.NewSectionReader(f, offset, length)
	c.loop.Post(&looper.Message{What: whatSetDataSource, Payload: dataSourcePayload{
		src: tssource.New(r, c.Notifier(), c.log),
	}})
}

// PrepareAsync asks the source to prepare; completion arrives through
// NotifyPrepareCompleted.
func (c *Controller) PrepareAsync() {
	c.loop.Post(&looper.Message{What: whatPrepare})
}

// Start begins (or restarts) playback.
func (c *Controller) Start() {
	c.loop.Post(&looper.Message{What: whatStart})
}

func (c *Controller) Pause() {
	c.loop.Post(&looper.Message{What: whatPause})
}

func (c *Controller) Resume() {
	c.loop.Post(&looper.Message{What: whatResume})
}

// ResetAsync tears the session back down to the just-created state.
// Completion is reported through NotifyResetComplete.
func (c *Controller) ResetAsync() {
	c.loop.Post(&looper.Message{What: whatReset})
}

// SeekToAsync seeks to the given media time. Completion is reported
// through NotifySeekComplete.
func (c *Controller) SeekToAsync(timeUs int64) {
	c.loop.Post(&looper.Message{What: whatSeek, Payload: timeUs})
}

// SetVideoSurface swaps the video output surface; nil detaches it. The
// swap is serialized behind any in-flight flush.
func (c *Controller) SetVideoSurface(out VideoOut) {
	c.loop.Post(&looper.Message{What: whatSetVideoSurface, Payload: out})
}

// SetAudioSink injects the audio sink the controller will open and the
// renderer will write through.
func (c *Controller) SetAudioSink(s sink.Sink) {
	c.loop.Post(&looper.Message{What: whatSetAudioSink, Payload: s})
}

// SetVideoScalingMode applies the scaling mode to the current surface,
// if any, and remembers it for future surfaces.
func (c *Controller) SetVideoScalingMode(mode int) {
	c.loop.Post(&looper.Message{What: whatSetVideoScalingMode, Payload: mode})
}

// MoreDataQueued lets a streaming source nudge the loop after queueing
// input data out of band.
func (c *Controller) MoreDataQueued() {
	c.loop.Post(&looper.Message{What: whatMoreDataQueued})
}

type trackInfoReply struct {
	tracks []media.TrackInfo
}

// GetTrackInfo returns the unified track list: in-band tracks first,
// then closed-caption tracks.
func (c *Controller) GetTrackInfo(ctx context.Context) ([]media.TrackInfo, error) {
	resp, err := c.loop.PostAndAwait(ctx, &looper.Message{What: whatGetTrackInfo})
	if err != nil {
		return nil, err
	}
	return resp.Payload.(trackInfoReply).tracks, nil
}

type selectedTrackQuery struct {
	typ media.TrackType
}

type selectedTrackReply struct {
	index int
	err   error
}

// GetSelectedTrack returns the selected track index for the given type,
// or -1.
func (c *Controller) GetSelectedTrack(ctx context.Context, typ media.TrackType) (int, error) {
	resp, err := c.loop.PostAndAwait(ctx, &looper.Message{
		What:    whatGetSelectedTrack,
		Payload: selectedTrackQuery{typ: typ},
	})
	if err != nil {
		return -1, err
	}
	reply := resp.Payload.(selectedTrackReply)
	return reply.index, reply.err
}

type selectTrackRequest struct {
	index    int
	selected bool
}

type selectTrackReply struct {
	err error
}

// SelectTrack selects or deselects the track at the given unified
// index.
func (c *Controller) SelectTrack(ctx context.Context, index int, selected bool) error {
	resp, err := c.loop.PostAndAwait(ctx, &looper.Message{
		What:    whatSelectTrack,
		Payload: selectTrackRequest{index: index, selected: selected},
	})
	if err != nil {
		return err
	}
	return resp.Payload.(selectTrackReply).err
}

func (c *Controller) getDecoder(audio bool) decoder.Decoder {
	if audio {
		return c.audioDecoder
	}
	return c.videoDecoder
}

func streamName(audio bool) string {
	if audio {
		return "audio"
	}
	return "video"
}
