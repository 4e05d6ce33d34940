package player

import "github.com/zsiec/refract/internal/media"

// flushState is the per-stream flush automaton.
type flushState int

const (
	flushNone flushState = iota
	flushingDecoder
	flushingDecoderShutdown
	flushed
	shuttingDownDecoder
	shutDown
)

func (s flushState) String() string {
	switch s {
	case flushNone:
		return "NONE"
	case flushingDecoder:
		return "FLUSHING_DECODER"
	case flushingDecoderShutdown:
		return "FLUSHING_DECODER_SHUTDOWN"
	case flushed:
		return "FLUSHED"
	case shuttingDownDecoder:
		return "SHUTTING_DOWN_DECODER"
	case shutDown:
		return "SHUT_DOWN"
	default:
		return "UNKNOWN"
	}
}

// isFlushingState reports whether a stream is mid-flush and, if so,
// whether the flush carries a shutdown.
func isFlushingState(s flushState) (flushing, needShutdown bool) {
	switch s {
	case flushingDecoder:
		return true, false
	case flushingDecoderShutdown:
		return true, true
	default:
		return false, false
	}
}

// terminalFlush reports whether a stream's flush state allows
// finishFlushIfPossible to complete the cycle.
func terminalFlush(s flushState) bool {
	return s == flushNone || s == flushed || s == shutDown
}

// flushDecoder starts a flush (optionally ending in shutdown) for one
// stream. Re-issuing a flush while one is already in flight is a no-op
// on the state machine.
func (c *Controller) flushDecoder(audio, needShutdown bool, newFormat *media.Format) {
	dec := c.getDecoder(audio)
	if dec == nil {
		c.log.Info("flush without decoder present", "stream", streamName(audio))
		return
	}

	state := &c.flushingVideo
	if audio {
		state = &c.flushingAudio
	}
	if *state != flushNone {
		c.log.Warn("flush requested while already flushing",
			"stream", streamName(audio), "state", (*state).String())
		return
	}

	// Don't continue to scan sources until the flush settles.
	c.scanSourcesGeneration++
	c.scanSourcesPending = false

	dec.SignalFlush(newFormat)
	if c.rend != nil {
		c.rend.Flush(audio)
	}

	if needShutdown {
		*state = flushingDecoderShutdown
	} else {
		*state = flushingDecoder
	}
	c.log.Debug("decoder flush started",
		"stream", streamName(audio), "shutdown", needShutdown)
}

// finishFlushIfPossible completes the flush cycle once both streams are
// in a terminal state: it forwards a latched time discontinuity to the
// renderer, resumes surviving decoders, resets the automata, and drains
// the deferred-action queue.
func (c *Controller) finishFlushIfPossible() {
	if !terminalFlush(c.flushingAudio) || !terminalFlush(c.flushingVideo) {
		return
	}

	c.log.Debug("both streams flushed")

	if c.timeDiscontinuityPending {
		if c.rend != nil {
			c.rend.SignalTimeDiscontinuity()
		}
		c.timeDiscontinuityPending = false
	}

	if c.audioDecoder != nil && c.flushingAudio == flushed {
		c.audioDecoder.SignalResume()
	}
	if c.videoDecoder != nil && c.flushingVideo == flushed {
		c.videoDecoder.SignalResume()
	}

	c.flushingAudio = flushNone
	c.flushingVideo = flushNone

	c.processDeferredActions()
}
