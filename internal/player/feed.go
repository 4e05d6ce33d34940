package player

import (
	"errors"

	"github.com/zsiec/refract/internal/decoder"
	"github.com/zsiec/refract/internal/media"
)

// videoLateThresholdUs is the renderer-reported lateness beyond which
// non-reference AVC frames are dropped before decode.
const videoLateThresholdUs = 100_000

// feedDecoderInputData answers one decoder fill request. It returns
// media.ErrWouldBlock when the source has nothing buffered; the caller
// then nudges the source and schedules a retry.
func (c *Controller) feedDecoderInputData(audio bool, n decoder.Notification) error {
	flushing := c.flushingVideo
	if audio {
		flushing = c.flushingAudio
	}
	if flushing != flushNone {
		n.FillReply <- decoder.FillReply{Err: media.ErrInfoDiscontinuity}
		return nil
	}

	var au *media.AccessUnit
	for {
		var err error
		au, err = c.src.DequeueAccessUnit(audio)

		if errors.Is(err, media.ErrWouldBlock) {
			return err
		}
		if err != nil {
			if errors.Is(err, media.ErrInfoDiscontinuity) {
				switch c.handleDiscontinuity(audio, au, n) {
				case discSeamless:
					// Seamless change: keep dequeuing to serve the
					// original request.
					continue
				case discUnaffected:
					return media.ErrWouldBlock
				default:
					return nil
				}
			}
			n.FillReply <- decoder.FillReply{Err: err}
			return nil
		}

		if !audio {
			c.framesTotal++

			if c.sourceFlags&media.FlagSecure == 0 &&
				c.videoLateByUs > videoLateThresholdUs &&
				c.videoIsAVC &&
				!media.IsAVCReferenceFrame(au) {
				c.framesDropped++
				c.log.Debug("dropping late non-reference frame",
					"time_us", au.TimeUs, "late_by_us", c.videoLateByUs)
				continue
			}
		}
		break
	}

	if !audio && c.ccDecoder != nil {
		c.ccDecoder.Decode(au)
	}

	n.FillReply <- decoder.FillReply{AU: au}
	return nil
}

type discOutcome int

const (
	discReplied discOutcome = iota // the fill request was answered
	discSeamless
	discUnaffected
)

// handleDiscontinuity classifies a source discontinuity and starts the
// matching recovery: a flush with shutdown for a hard format change, a
// plain flush for a time jump, an in-place format update for a seamless
// change.
func (c *Controller) handleDiscontinuity(audio bool, au *media.AccessUnit, n decoder.Notification) discOutcome {
	formatChange := (audio && au.Discontinuity&media.DiscontinuityAudioFormat != 0) ||
		(!audio && au.Discontinuity&media.DiscontinuityVideoFormat != 0)
	timeChange := au.Discontinuity&media.DiscontinuityTime != 0

	c.log.Info("stream discontinuity",
		"stream", streamName(audio),
		"format_change", formatChange, "time_change", timeChange)

	if audio {
		c.skipAudioUntilUs = -1
	} else {
		c.skipVideoUntilUs = -1
	}

	if timeChange && au.ResumeAtUs >= 0 {
		c.log.Info("suppressing rendering until resume point",
			"stream", streamName(audio), "resume_at_us", au.ResumeAtUs)
		if audio {
			c.skipAudioUntilUs = au.ResumeAtUs
		} else {
			c.skipVideoUntilUs = au.ResumeAtUs
		}
	}

	c.timeDiscontinuityPending = c.timeDiscontinuityPending || timeChange

	newFormat := c.src.Format(audio)
	seamlessFormatChange := false
	if formatChange {
		dec := c.getDecoder(audio)
		seamlessFormatChange = dec != nil && dec.SupportsSeamlessFormatChange(newFormat)
		formatChange = !seamlessFormatChange
	}
	shutdownOrFlush := formatChange || timeChange

	// Queue scan-sources only once per discontinuity: if neither stream
	// is flushing yet, this is the first stream to handle it. Decoder
	// re-instantiation then happens after the flush settles.
	if c.flushingAudio == flushNone && c.flushingVideo == flushNone && shutdownOrFlush {
		c.deferActionFront(action{kind: actionSimple, fn: simpleScanSources})
	}

	switch {
	case formatChange:
		// The decoder must be replaced.
		c.flushDecoder(audio, true, nil)
		n.FillReply <- decoder.FillReply{Err: media.ErrInfoDiscontinuity}
		return discReplied

	case timeChange:
		c.flushDecoder(audio, false, newFormat)
		n.FillReply <- decoder.FillReply{Err: media.ErrInfoDiscontinuity}
		return discReplied

	case seamlessFormatChange:
		c.updateDecoderFormatWithoutFlush(audio, newFormat)
		return discSeamless

	default:
		// This stream is unaffected by the discontinuity.
		return discUnaffected
	}
}

func (c *Controller) updateDecoderFormatWithoutFlush(audio bool, format *media.Format) {
	dec := c.getDecoder(audio)
	if dec == nil {
		c.log.Info("format update without decoder present", "stream", streamName(audio))
		return
	}
	dec.SignalUpdateFormat(format)
}

// renderBuffer forwards one decoded buffer to the renderer, unless the
// stream is mid-flush (stale output must not reach the renderer) or the
// buffer predates a post-discontinuity resume point.
func (c *Controller) renderBuffer(audio bool, n decoder.Notification) {
	flushing := c.flushingVideo
	if audio {
		flushing = c.flushingAudio
	}
	if flushing != flushNone {
		// The decoder wants all its buffers back to complete the flush;
		// return this one immediately.
		c.release(n)
		return
	}

	timeUs := n.Buffer.TimeUs

	skipUntil := &c.skipVideoUntilUs
	if audio {
		skipUntil = &c.skipAudioUntilUs
	}
	if *skipUntil >= 0 {
		if timeUs < *skipUntil {
			c.log.Debug("dropping buffer before resume point",
				"stream", streamName(audio), "time_us", timeUs, "resume_at_us", *skipUntil)
			c.release(n)
			return
		}
		*skipUntil = -1
	}

	if !audio && c.ccDecoder != nil && c.ccDecoder.IsSelected() {
		c.ccDecoder.Display(timeUs)
	}

	c.rend.QueueBuffer(audio, n.Buffer, n.Release)
}

// release hands a drained buffer straight back to its decoder.
func (c *Controller) release(n decoder.Notification) {
	if n.Release == nil {
		return
	}
	select {
	case n.Release <- struct{}{}:
	default:
	}
}
