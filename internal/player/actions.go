package player

import "github.com/zsiec/refract/internal/looper"

// actionKind discriminates deferred actions. A tagged variant rather
// than stored closures keeps the queue inspectable in tests and logs.
type actionKind int

const (
	actionSeek actionKind = iota
	actionSetSurface
	actionShutdownDecoder
	actionPostMessage
	actionSimple
)

// simpleFn names the parameterless deferred operations.
type simpleFn int

const (
	simpleScanSources simpleFn = iota
	simpleReset
	simpleDecoderFlush
)

// action is one pending pipeline mutation. Only the fields for its kind
// are meaningful.
type action struct {
	kind actionKind

	seekTimeUs int64            // actionSeek
	surface    VideoOut         // actionSetSurface
	audio      bool             // actionShutdownDecoder
	video      bool             // actionShutdownDecoder
	msg        *looper.Message  // actionPostMessage
	fn         simpleFn         // actionSimple
}

func (c *Controller) deferAction(a action) {
	c.deferredActions = append(c.deferredActions, a)
}

func (c *Controller) deferActionFront(a action) {
	c.deferredActions = append([]action{a}, c.deferredActions...)
}

// processDeferredActions executes queued mutations in FIFO order,
// halting while either stream is mid-flush or mid-shutdown. The fence
// is what serializes seeks, surface swaps, and resets behind decoder
// quiescence.
func (c *Controller) processDeferredActions() {
	for len(c.deferredActions) > 0 {
		if c.flushingAudio != flushNone || c.flushingVideo != flushNone {
			c.log.Debug("postponing deferred actions",
				"flushing_audio", c.flushingAudio.String(),
				"flushing_video", c.flushingVideo.String(),
				"pending", len(c.deferredActions))
			return
		}

		a := c.deferredActions[0]
		c.deferredActions = c.deferredActions[1:]
		c.executeAction(a)
	}
}

func (c *Controller) executeAction(a action) {
	switch a.kind {
	case actionSeek:
		c.performSeek(a.seekTimeUs)
	case actionSetSurface:
		c.performSetSurface(a.surface)
	case actionShutdownDecoder:
		c.performDecoderShutdown(a.audio, a.video)
	case actionPostMessage:
		c.loop.Post(a.msg)
	case actionSimple:
		switch a.fn {
		case simpleScanSources:
			c.performScanSources()
		case simpleReset:
			c.performReset()
		case simpleDecoderFlush:
			c.performDecoderFlush()
		}
	}
}
