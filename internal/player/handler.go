package player

import (
	"errors"
	"time"

	"github.com/zsiec/refract/internal/caption"
	"github.com/zsiec/refract/internal/decoder"
	"github.com/zsiec/refract/internal/looper"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/renderer"
	"github.com/zsiec/refract/internal/sink"
	"github.com/zsiec/refract/internal/source"
)

// HandleMessage dispatches one mailbox event. It runs exclusively on
// the looper goroutine; this is the only place controller state is
// mutated.
func (c *Controller) HandleMessage(msg *looper.Message) {
	switch msg.What {
	case whatSetDataSource:
		p := msg.Payload.(dataSourcePayload)
		err := p.err
		if err == nil && p.src == nil {
			err = media.ErrUnknown
		}
		if c.src != nil {
			c.log.Error("data source already set")
			err = media.ErrInvalidOperation
		} else if err == nil {
			c.src = p.src
		}
		c.notifySetDataSourceCompleted(err)

	case whatPrepare:
		if c.src == nil {
			c.notifyPrepareCompleted(media.ErrInvalidOperation)
			return
		}
		c.src.PrepareAsync()

	case whatStart:
		c.onStart()

	case whatPause:
		if c.rend == nil {
			c.log.Warn("pause without renderer")
			return
		}
		c.src.Pause()
		c.rend.Pause()

	case whatResume:
		if c.rend == nil {
			c.log.Warn("resume without renderer")
			return
		}
		c.src.Resume()
		c.rend.Resume()

	case whatReset:
		c.deferAction(action{kind: actionShutdownDecoder, audio: true, video: true})
		c.deferAction(action{kind: actionSimple, fn: simpleReset})
		c.processDeferredActions()

	case whatSeek:
		seekTimeUs := msg.Payload.(int64)
		c.log.Debug("seek requested", "time_us", seekTimeUs)
		c.deferAction(action{kind: actionSimple, fn: simpleDecoderFlush})
		c.deferAction(action{kind: actionSeek, seekTimeUs: seekTimeUs})
		c.processDeferredActions()

	case whatSetVideoSurface:
		var out VideoOut
		if msg.Payload != nil {
			out = msg.Payload.(VideoOut)
		}
		c.deferAction(action{kind: actionShutdownDecoder, video: true})
		c.deferAction(action{kind: actionSetSurface, surface: out})
		if out != nil {
			// Re-establish the pipeline against the new surface at the
			// current position.
			c.deferAction(action{kind: actionSeek, seekTimeUs: c.currentPositionUs})
			c.deferAction(action{kind: actionSimple, fn: simpleScanSources})
		}
		c.processDeferredActions()

	case whatSetAudioSink:
		c.audioSink = msg.Payload.(sink.Sink)

	case whatSetVideoScalingMode:
		c.videoScalingMode = msg.Payload.(int)
		if c.videoOut != nil {
			if err := c.videoOut.SetScalingMode(c.videoScalingMode); err != nil {
				c.log.Warn("failed to set scaling mode",
					"mode", c.videoScalingMode, "error", err)
			}
		}

	case whatScanSources:
		c.onScanSources(msg.Payload.(scanSourcesPayload).generation)

	case whatPollDuration:
		p := msg.Payload.(pollDurationPayload)
		if p.generation != c.pollDurationGeneration {
			return // stale
		}
		if c.src != nil {
			if durationUs, err := c.src.Duration(); err == nil {
				c.notifyDuration(durationUs)
			}
		}
		c.loop.PostDelayed(&looper.Message{What: whatPollDuration, Payload: p}, pollDurationInterval)

	case whatGetTrackInfo:
		msg.Reply(&looper.Message{Payload: trackInfoReply{tracks: c.trackList()}})

	case whatGetSelectedTrack:
		q := msg.Payload.(selectedTrackQuery)
		reply := selectedTrackReply{index: -1, err: media.ErrInvalidOperation}
		if c.src != nil {
			reply.err = nil
			reply.index = c.src.SelectedTrack(q.typ)
		}
		msg.Reply(&looper.Message{Payload: reply})

	case whatSelectTrack:
		req := msg.Payload.(selectTrackRequest)
		msg.Reply(&looper.Message{Payload: selectTrackReply{err: c.onSelectTrack(req)}})

	case whatAudioNotify:
		c.onDecoderNotify(true, msg.Payload.(decoder.Notification))

	case whatVideoNotify:
		c.onDecoderNotify(false, msg.Payload.(decoder.Notification))

	case whatRendererNotify:
		c.onRendererNotify(msg.Payload.(renderer.Notification))

	case whatSourceNotify:
		c.onSourceNotify(msg.Payload.(source.Notification))

	case whatClosedCaptionNotify:
		c.onClosedCaptionNotify(msg.Payload.(caption.Notification))

	case whatMoreDataQueued:
		// Streaming sources nudge the loop; nothing to do here.

	case whatCallback:
		msg.Payload.(func())()

	default:
		c.log.Error("unhandled message", "what", msg.What)
	}
}

// onStart resets per-run state, starts the source, decides the audio
// path, brings up the renderer on its own loop, and kicks off decoder
// instantiation.
func (c *Controller) onStart() {
	if c.src == nil {
		c.log.Error("start without data source")
		return
	}

	c.videoIsAVC = false
	c.offloadAudio = false
	c.audioEOS = false
	c.videoEOS = false
	c.skipAudioUntilUs = -1
	c.skipVideoUntilUs = -1
	c.videoLateByUs = 0
	c.framesTotal = 0
	c.framesDropped = 0
	c.started = true

	// Secure playback needs decoders before the source starts so input
	// buffers exist for in-place decryption.
	if c.sourceFlags&media.FlagSecure != 0 {
		if c.videoOut != nil {
			c.instantiateDecoder(false)
		}
		if c.audioSink != nil {
			c.instantiateDecoder(true)
		}
	}

	c.src.Start()

	flags := 0
	if c.src.IsRealTime() {
		flags |= renderer.FlagRealTime
	}

	audioFormat := c.src.Format(true)
	videoFormat := c.src.Format(false)

	c.offloadAudio = c.canOffloadStream(audioFormat, videoFormat != nil)
	if c.offloadAudio {
		flags |= renderer.FlagOffloadAudio
	}

	c.rend = c.newRenderer(c.audioSink, flags, func(n renderer.Notification) {
		c.loop.Post(&looper.Message{What: whatRendererNotify, Payload: n})
	})

	c.postScanSources()
}

// onDecoderNotify filters one decoder notification by generation, then
// dispatches it. A stale notification that expects a reply gets a
// synthetic discontinuity answer so the sender is released.
func (c *Controller) onDecoderNotify(audio bool, n decoder.Notification) {
	currentGeneration := c.videoDecoderGeneration
	if audio {
		currentGeneration = c.audioDecoderGeneration
	}

	if n.Generation != currentGeneration {
		c.log.Debug("dropping notification from old decoder",
			"stream", streamName(audio),
			"generation", n.Generation, "current", currentGeneration)
		if n.FillReply != nil {
			n.FillReply <- decoder.FillReply{Err: media.ErrInfoDiscontinuity}
		}
		c.release(n)
		return
	}

	switch n.Kind {
	case decoder.NotifyFillThisBuffer:
		err := c.feedDecoderInputData(audio, n)
		if errors.Is(err, media.ErrWouldBlock) {
			if c.src.FeedMoreData() == nil {
				c.loop.PostDelayed(&looper.Message{
					What:    whatForStream(audio),
					Payload: n,
				}, fillRetryDelay)
			}
		}

	case decoder.NotifyEOS:
		if errors.Is(n.Err, media.ErrEndOfStream) {
			c.log.Debug("decoder EOS", "stream", streamName(audio))
		} else {
			c.log.Warn("decoder EOS with error", "stream", streamName(audio), "error", n.Err)
		}
		c.rend.QueueEOS(audio, n.Err)

	case decoder.NotifyFlushCompleted:
		c.onFlushCompleted(audio)

	case decoder.NotifyOutputFormatChanged:
		if audio {
			c.openAudioSink(n.Format, false)
		} else {
			c.updateVideoSize(c.src.Format(false), n.Format)
		}

	case decoder.NotifyShutdownCompleted:
		c.log.Debug("decoder shutdown completed", "stream", streamName(audio))
		state := &c.flushingVideo
		if audio {
			c.audioDecoder = nil
			state = &c.flushingAudio
		} else {
			c.videoDecoder = nil
		}
		if *state != shuttingDownDecoder {
			c.log.Error("shutdown completed in unexpected state",
				"stream", streamName(audio), "state", (*state).String())
		}
		*state = shutDown
		c.finishFlushIfPossible()

	case decoder.NotifyError:
		c.log.Error("decoder error, aborting playback",
			"stream", streamName(audio), "error", n.Err)
		err := n.Err
		if err == nil {
			err = media.ErrUnknown
		}
		c.rend.QueueEOS(audio, err)
		if audio && c.flushingAudio != flushNone {
			// Retire the errored decoder: its shell may still emit, so
			// the generation bump stales anything in flight.
			if c.audioDecoder != nil {
				c.audioDecoder.InitiateShutdown()
			}
			c.audioDecoderGeneration++
			c.audioDecoder = nil
			c.flushingAudio = shutDown
		} else if !audio && c.flushingVideo != flushNone {
			if c.videoDecoder != nil {
				c.videoDecoder.InitiateShutdown()
			}
			c.videoDecoderGeneration++
			c.videoDecoder = nil
			c.flushingVideo = shutDown
		}
		c.finishFlushIfPossible()

	case decoder.NotifyDrainThisBuffer:
		c.renderBuffer(audio, n)

	default:
		c.log.Warn("unhandled decoder notification", "kind", n.Kind)
	}
}

func whatForStream(audio bool) int {
	if audio {
		return whatAudioNotify
	}
	return whatVideoNotify
}

// onFlushCompleted advances one stream's flush automaton when its
// decoder reports the flush done.
func (c *Controller) onFlushCompleted(audio bool) {
	state := &c.flushingVideo
	if audio {
		state = &c.flushingAudio
	}

	flushing, needShutdown := isFlushingState(*state)
	if !flushing {
		c.log.Error("flush completed in unexpected state",
			"stream", streamName(audio), "state", (*state).String())
		return
	}
	*state = flushed

	if !audio {
		c.videoLateByUs = 0
	}

	c.log.Debug("decoder flush completed", "stream", streamName(audio))

	if needShutdown {
		c.log.Debug("initiating decoder shutdown", "stream", streamName(audio))
		c.getDecoder(audio).InitiateShutdown()
		*state = shuttingDownDecoder
	}

	c.finishFlushIfPossible()
}

// onRendererNotify handles clock, EOS, and sink events from the
// renderer.
func (c *Controller) onRendererNotify(n renderer.Notification) {
	switch n.Kind {
	case renderer.NotifyEOS:
		if n.Audio {
			c.audioEOS = true
		} else {
			c.videoEOS = true
		}

		if errors.Is(n.FinalResult, media.ErrEndOfStream) {
			c.log.Info("stream reached EOS", "stream", streamName(n.Audio))
		} else {
			c.log.Error("stream error", "stream", streamName(n.Audio), "error", n.FinalResult)
			c.notifyListener(MediaError, ErrorUnknown, errorCode(n.FinalResult), nil)
		}

		if (c.audioEOS || c.audioDecoder == nil) && (c.videoEOS || c.videoDecoder == nil) {
			c.notifyListener(MediaPlaybackComplete, 0, 0, nil)
		}

	case renderer.NotifyPosition:
		c.currentPositionUs = n.PositionUs
		c.videoLateByUs = n.VideoLateByUs
		c.notifyPosition(n.PositionUs)
		c.notifyFrameStats()

	case renderer.NotifyFlushComplete:
		c.log.Debug("renderer flush completed", "stream", streamName(n.Audio))

	case renderer.NotifyVideoRenderingStart:
		c.notifyListener(MediaInfo, InfoRenderingStart, 0, nil)

	case renderer.NotifyMediaRenderingStart:
		c.log.Debug("media rendering started")
		c.notifyListener(MediaStarted, 0, 0, nil)

	case renderer.NotifyAudioOffloadTearDown:
		c.onAudioOffloadTearDown(n.PositionUs)
	}
}

// onAudioOffloadTearDown falls the audio path back from offload to PCM:
// close the sink, drop the offload decoder, flush the renderer, seek to
// the reported position, and re-instantiate the audio decoder.
func (c *Controller) onAudioOffloadTearDown(positionUs int64) {
	c.log.Info("audio offload teardown, falling back to PCM", "position_us", positionUs)

	c.closeAudioSink()

	if c.audioDecoder != nil {
		// The passthrough decoder is discarded outright; bumping the
		// generation stales its remaining notifications.
		c.audioDecoder.InitiateShutdown()
		c.audioDecoderGeneration++
		c.audioDecoder = nil
	}

	c.rend.Flush(true)
	if c.videoDecoder != nil {
		c.rend.Flush(false)
	}
	c.rend.SignalDisableOffloadAudio()
	c.offloadAudio = false

	c.performSeek(positionUs)
	c.instantiateDecoder(true)
}

// onSourceNotify handles asynchronous source events. Notifications
// arriving after the source was cleared by reset are dropped.
func (c *Controller) onSourceNotify(n source.Notification) {
	if c.src == nil {
		c.log.Debug("dropping notification from cleared source", "kind", n.Kind)
		return
	}

	switch n.Kind {
	case source.NotifyPrepared:
		// Duration first, so it is set when the client sees prepare
		// completion.
		if durationUs, err := c.src.Duration(); err == nil {
			c.notifyDuration(durationUs)
		}
		c.notifyPrepareCompleted(n.Err)

	case source.NotifyFlagsChanged:
		c.notifyFlagsChanged(n.Flags)

		hadDynamic := c.sourceFlags&media.FlagDynamicDuration != 0
		hasDynamic := n.Flags&media.FlagDynamicDuration != 0
		if hadDynamic && !hasDynamic {
			c.cancelPollDuration()
		} else if !hadDynamic && hasDynamic &&
			(c.audioDecoder != nil || c.videoDecoder != nil) {
			c.schedulePollDuration()
		}
		c.sourceFlags = n.Flags

	case source.NotifyVideoSizeChanged:
		c.updateVideoSize(n.Format, nil)

	case source.NotifyBufferingUpdate:
		c.notifyListener(MediaBufferingUpdate, n.Percentage, 0, nil)

	case source.NotifyBufferingStart:
		c.notifyListener(MediaInfo, InfoBufferingStart, 0, nil)

	case source.NotifyBufferingEnd:
		c.notifyListener(MediaInfo, InfoBufferingEnd, 0, nil)

	case source.NotifySubtitleData:
		c.sendSubtitleData(n.Text, 0)

	case source.NotifyTimedTextData:
		c.onTimedTextData(n)

	case source.NotifyQueueDecoderShutdown:
		c.queueDecoderShutdown(n.Audio, n.Video, n.Done)

	case source.NotifyDrmNoLicense:
		c.notifyListener(MediaError, ErrorUnknown, codeDRMNoLicense, nil)
	}
}

// onTimedTextData delivers a timed-text sample, lazily: samples ahead of
// the playback position are re-posted with a matching delay, stamped
// with the current timed-text generation so a seek or deselect
// invalidates them.
func (c *Controller) onTimedTextData(n source.Notification) {
	if n.Generation != 0 && n.Generation != c.timedTextGeneration {
		return // stale delayed delivery
	}

	timeUs := n.Text.TimeUs
	if c.currentPositionUs < timeUs {
		n.Generation = c.timedTextGeneration
		c.loop.PostDelayed(&looper.Message{What: whatSourceNotify, Payload: n},
			time.Duration(timeUs-c.currentPositionUs)*time.Microsecond)
		return
	}

	c.sendTimedTextData(n.Text)
}

func (c *Controller) sendSubtitleData(text *media.TimedText, baseIndex int) {
	if text == nil {
		return
	}
	out := *text
	out.TrackIndex += baseIndex
	c.notifyListener(MediaSubtitleData, 0, 0, &out)
}

func (c *Controller) sendTimedTextData(text *media.TimedText) {
	if text == nil {
		return
	}
	if len(text.Data) > 0 {
		c.notifyListener(MediaTimedText, 0, 0, text)
	} else {
		// An empty sample clears the display.
		c.notifyListener(MediaTimedText, 0, 0, nil)
	}
}

// queueDecoderShutdown defers a full decoder teardown requested by the
// source, followed by a rescan and the source's completion callback.
func (c *Controller) queueDecoderShutdown(audio, video bool, done func()) {
	c.log.Info("queueing decoder shutdown", "audio", audio, "video", video)

	c.deferAction(action{kind: actionShutdownDecoder, audio: audio, video: video})
	c.deferAction(action{kind: actionSimple, fn: simpleScanSources})
	if done != nil {
		c.deferAction(action{kind: actionPostMessage, msg: &looper.Message{
			What:    whatCallback,
			Payload: done,
		}})
	}

	c.processDeferredActions()
}

// onClosedCaptionNotify handles caption decoder events.
func (c *Controller) onClosedCaptionNotify(n caption.Notification) {
	switch n.Kind {
	case caption.NotifyData:
		inband := 0
		if c.src != nil {
			inband = c.src.TrackCount()
		}
		c.sendSubtitleData(n.Text, inband)

	case caption.NotifyTrackAdded:
		c.notifyListener(MediaInfo, InfoMetadataUpdate, 0, nil)
	}
}

// trackList merges in-band tracks and caption tracks into the unified
// index space: [0, inband) then [inband, inband+cc).
func (c *Controller) trackList() []media.TrackInfo {
	var tracks []media.TrackInfo
	if c.src != nil {
		for i := 0; i < c.src.TrackCount(); i++ {
			tracks = append(tracks, c.src.TrackInfo(i))
		}
	}
	if c.ccDecoder != nil {
		for i := 0; i < c.ccDecoder.TrackCount(); i++ {
			tracks = append(tracks, c.ccDecoder.TrackInfo(i))
		}
	}
	return tracks
}

// onSelectTrack dispatches a track selection across the unified index
// space partition.
func (c *Controller) onSelectTrack(req selectTrackRequest) error {
	inband := 0
	if c.src != nil {
		inband = c.src.TrackCount()
	}

	if req.index < inband {
		if c.src == nil {
			return media.ErrInvalidOperation
		}
		err := c.src.SelectTrack(req.index, req.selected)
		if !req.selected && err == nil {
			// Deselecting a timed-text track invalidates pending
			// delayed deliveries.
			if c.src.TrackInfo(req.index).Type == media.TrackTypeTimedText {
				c.timedTextGeneration++
			}
		}
		return err
	}

	if c.ccDecoder != nil && req.index-inband < c.ccDecoder.TrackCount() {
		return c.ccDecoder.SelectTrack(req.index-inband, req.selected)
	}
	return media.ErrInvalidOperation
}
