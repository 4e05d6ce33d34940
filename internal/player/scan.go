package player

import (
	"errors"

	"github.com/zsiec/refract/internal/caption"
	"github.com/zsiec/refract/internal/decoder"
	"github.com/zsiec/refract/internal/looper"
	"github.com/zsiec/refract/internal/media"
)

// onScanSources is one tick of the try-to-instantiate-decoders loop. It
// re-arms itself every 100ms until every expected decoder exists.
func (c *Controller) onScanSources(generation int32) {
	if generation != c.scanSourcesGeneration {
		return // obsolete tick
	}
	c.scanSourcesPending = false

	c.log.Debug("scanning sources",
		"have_audio", c.audioDecoder != nil,
		"have_video", c.videoDecoder != nil)

	hadAnyBefore := c.audioDecoder != nil || c.videoDecoder != nil

	// Video before audio: successful video instantiation changes the
	// deep-buffer choice for the audio sink.
	if c.videoOut != nil {
		c.instantiateDecoder(false)
	}

	if c.audioSink != nil {
		if c.offloadAudio {
			// Open the sink early with the compressed format under
			// offload, before the decoder exists.
			if format := c.src.Format(true); format != nil {
				c.openAudioSink(format, true)
			}
		}
		c.instantiateDecoder(true)
	}

	if !hadAnyBefore && (c.audioDecoder != nil || c.videoDecoder != nil) {
		if c.sourceFlags&media.FlagDynamicDuration != 0 {
			c.schedulePollDuration()
		}
	}

	if err := c.src.FeedMoreData(); err != nil {
		if c.audioDecoder == nil && c.videoDecoder == nil {
			// No playable tracks found and the input ran out.
			if errors.Is(err, media.ErrEndOfStream) {
				c.notifyListener(MediaPlaybackComplete, 0, 0, nil)
			} else {
				c.notifyListener(MediaError, ErrorUnknown, errorCode(err), nil)
			}
		}
		return
	}

	if (c.audioDecoder == nil && c.audioSink != nil) ||
		(c.videoDecoder == nil && c.videoOut != nil) {
		c.loop.PostDelayed(&looper.Message{
			What:    whatScanSources,
			Payload: scanSourcesPayload{generation: c.scanSourcesGeneration},
		}, scanSourcesRetryDelay)
		c.scanSourcesPending = true
	}
}

// instantiateDecoder creates and configures the decoder for one stream
// if the source can already describe it. A missing format returns
// ErrWouldBlock, which keeps the scan loop re-arming.
func (c *Controller) instantiateDecoder(audio bool) error {
	if c.getDecoder(audio) != nil {
		return nil
	}

	srcFormat := c.src.Format(audio)
	if srcFormat == nil {
		return media.ErrWouldBlock
	}

	// Copy: the controller annotates the format before configure and
	// must not mutate the source's view of it.
	format := *srcFormat

	if !audio {
		c.videoIsAVC = format.Mime == media.MimeVideoAVC

		c.ccDecoder = caption.NewDecoder(func(n caption.Notification) {
			c.loop.Post(&looper.Message{What: whatClosedCaptionNotify, Payload: n})
		})

		if c.sourceFlags&media.FlagSecure != 0 {
			format.Secure = true
		}
	}

	var dec decoder.Decoder
	if audio {
		c.audioDecoderGeneration++
		generation := c.audioDecoderGeneration
		notify := func(n decoder.Notification) {
			c.loop.Post(&looper.Message{What: whatAudioNotify, Payload: n})
		}
		dec = c.newDecoder(true, c.offloadAudio, generation, notify, nil)
		c.audioDecoder = dec
	} else {
		c.videoDecoderGeneration++
		generation := c.videoDecoderGeneration
		notify := func(n decoder.Notification) {
			c.loop.Post(&looper.Message{What: whatVideoNotify, Payload: n})
		}
		dec = c.newDecoder(false, false, generation, notify, c.videoOut)
		c.videoDecoder = dec
	}

	dec.Init()
	dec.Configure(&format)

	c.log.Info("decoder instantiated",
		"stream", streamName(audio), "mime", format.Mime,
		"offload", audio && c.offloadAudio)

	// Secure playback: hand controller-owned input buffers to the source
	// so decrypted data lands in place. Buffers are re-handed on every
	// instantiation so they survive decoder generations.
	if !audio && c.sourceFlags&media.FlagSecure != 0 {
		bufs := dec.InputBuffers()
		if err := c.src.SetBuffers(audio, bufs); err != nil {
			c.log.Error("secure source rejected input buffers", "error", err)
			return err
		}
	}
	return nil
}
