package player

import "github.com/zsiec/refract/internal/looper"

// performSeek runs once the pipeline is quiesced: it repositions the
// source, invalidates pending timed-text deliveries, and reports the
// new position. Decoders resume when the surrounding flush settles.
func (c *Controller) performSeek(seekTimeUs int64) {
	c.log.Info("seek", "time_us", seekTimeUs)

	if c.src == nil {
		return
	}
	if err := c.src.SeekTo(seekTimeUs); err != nil {
		c.log.Warn("source seek failed", "time_us", seekTimeUs, "error", err)
	}
	c.timedTextGeneration++

	c.currentPositionUs = seekTimeUs
	c.notifyPosition(seekTimeUs)
	c.notifySeekComplete()
}

// performDecoderFlush flushes both decoders without shutdown and latches
// a time discontinuity for the renderer.
func (c *Controller) performDecoderFlush() {
	c.log.Debug("decoder flush")

	if c.audioDecoder == nil && c.videoDecoder == nil {
		return
	}

	c.timeDiscontinuityPending = true

	if c.ccDecoder != nil {
		c.ccDecoder.Flush()
	}

	if c.audioDecoder != nil {
		c.flushDecoder(true, false, nil)
	}
	if c.videoDecoder != nil {
		c.flushDecoder(false, false, nil)
	}
}

// performDecoderShutdown flushes the named decoders into shutdown.
func (c *Controller) performDecoderShutdown(audio, video bool) {
	c.log.Debug("decoder shutdown", "audio", audio, "video", video)

	if (!audio || c.audioDecoder == nil) && (!video || c.videoDecoder == nil) {
		return
	}

	c.timeDiscontinuityPending = true

	if audio && c.audioDecoder != nil {
		c.flushDecoder(true, true, nil)
	}
	if video && c.videoDecoder != nil {
		c.flushDecoder(false, true, nil)
	}
}

// performReset tears the session down to the just-created state. It
// runs only after both decoders were shut down via the deferred queue.
func (c *Controller) performReset() {
	c.log.Info("reset")

	if c.audioDecoder != nil || c.videoDecoder != nil {
		c.log.Error("reset with live decoders",
			"audio", c.audioDecoder != nil, "video", c.videoDecoder != nil)
	}
	c.audioDecoder = nil
	c.videoDecoder = nil
	c.ccDecoder = nil

	c.cancelPollDuration()

	c.scanSourcesGeneration++
	c.scanSourcesPending = false

	if c.rend != nil {
		c.rend.Stop()
		c.rend = nil
	}

	if c.src != nil {
		c.src.Stop()
		c.src = nil
	}

	c.notifyResetComplete()

	c.started = false
}

// performScanSources re-arms decoder instantiation after a flush
// settled with a decoder missing.
func (c *Controller) performScanSources() {
	if !c.started {
		return
	}
	if c.audioDecoder == nil || c.videoDecoder == nil {
		c.postScanSources()
	}
}

// performSetSurface swaps the video output surface.
func (c *Controller) performSetSurface(out VideoOut) {
	c.log.Info("surface change", "attached", out != nil)

	c.videoOut = out

	if out != nil {
		if err := out.SetScalingMode(c.videoScalingMode); err != nil {
			c.log.Warn("failed to apply scaling mode", "mode", c.videoScalingMode, "error", err)
		}
	}

	c.notifySetSurfaceComplete()
}

type scanSourcesPayload struct {
	generation int32
}

func (c *Controller) postScanSources() {
	if c.scanSourcesPending {
		return
	}
	c.loop.Post(&looper.Message{
		What:    whatScanSources,
		Payload: scanSourcesPayload{generation: c.scanSourcesGeneration},
	})
	c.scanSourcesPending = true
}

type pollDurationPayload struct {
	generation int32
}

func (c *Controller) schedulePollDuration() {
	c.loop.Post(&looper.Message{
		What:    whatPollDuration,
		Payload: pollDurationPayload{generation: c.pollDurationGeneration},
	})
}

func (c *Controller) cancelPollDuration() {
	c.pollDurationGeneration++
}
