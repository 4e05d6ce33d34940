// Package renderer implements the A/V output stage. It owns the media
// clock: audio writes anchor it, video buffers are released against it,
// and the controller learns position and video lateness through
// periodic notifications. The renderer runs on its own dispatch loop
// and talks to the controller only through posted notifications.
package renderer

import (
	"log/slog"
	"time"

	"github.com/zsiec/refract/internal/looper"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/sink"
)

// Flags configure a renderer instance at creation.
const (
	FlagRealTime = 1 << iota
	FlagOffloadAudio
)

// NotifyKind discriminates renderer notifications.
type NotifyKind int

const (
	NotifyEOS NotifyKind = iota
	NotifyPosition
	NotifyFlushComplete
	NotifyVideoRenderingStart
	NotifyMediaRenderingStart
	NotifyAudioOffloadTearDown
)

// Notification is one event from the renderer to the controller.
type Notification struct {
	Kind NotifyKind

	Audio         bool
	FinalResult   error
	PositionUs    int64
	VideoLateByUs int64
}

const positionUpdateInterval = 100 * time.Millisecond

// Renderer drains decoded buffers to the audio sink and the video
// surface on schedule.
type Renderer struct {
	log    *slog.Logger
	notify func(Notification)
	sink   sink.Sink
	loop   *looper.Looper

	flags int

	// All fields below are touched only on the dispatch goroutine.
	audioQueue []entry
	videoQueue []entry

	paused bool

	hasAnchor   bool
	anchorMedia int64
	anchorReal  time.Time
	positionUs  int64
	videoLateUs int64

	audioEOS bool
	videoEOS bool

	videoRenderingStarted bool
	audioRenderingStarted bool
	mediaRenderingStarted bool

	positionTickPending bool
	drainTickPending    bool
}

type entry struct {
	buffer  *media.Buffer
	release chan struct{}
	eos     bool
	eosErr  error
}

// Renderer loop opcodes.
const (
	whatQueueBuffer = iota
	whatQueueEOS
	whatFlush
	whatPause
	whatResume
	whatTimeDiscontinuity
	whatAudioSinkChanged
	whatDisableOffload
	whatDrainTick
	whatPositionTick
)

type queuePayload struct {
	audio   bool
	buffer  *media.Buffer
	release chan struct{}
	eos     bool
	eosErr  error
}

// New creates and starts a renderer writing audio through s. notify
// must be safe to call from the renderer goroutine.
func New(s sink.Sink, flags int, notify func(Notification), log *slog.Logger) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	r := &Renderer{
		log:    log.With("component", "renderer"),
		notify: notify,
		sink:   s,
		loop:   looper.New("renderer", 256),
		flags:  flags,
		paused: false,
	}
	r.loop.Start(r)
	return r
}

// Stop tears down the renderer's dispatch loop.
func (r *Renderer) Stop() { r.loop.Stop() }

// QueueBuffer hands one decoded buffer to the renderer. release is
// signalled once the buffer has been consumed or dropped.
func (r *Renderer) QueueBuffer(audio bool, buf *media.Buffer, release chan struct{}) {
	r.loop.Post(&looper.Message{What: whatQueueBuffer, Payload: queuePayload{
		audio: audio, buffer: buf, release: release,
	}})
}

// QueueEOS marks the end of one stream with its final status.
func (r *Renderer) QueueEOS(audio bool, err error) {
	r.loop.Post(&looper.Message{What: whatQueueEOS, Payload: queuePayload{
		audio: audio, eos: true, eosErr: err,
	}})
}

// Flush drops everything queued for one stream and reports completion.
func (r *Renderer) Flush(audio bool) {
	r.loop.Post(&looper.Message{What: whatFlush, Payload: audio})
}

func (r *Renderer) Pause() {
	r.loop.Post(&looper.Message{What: whatPause})
}

func (r *Renderer) Resume() {
	r.loop.Post(&looper.Message{What: whatResume})
}

// SignalTimeDiscontinuity resets the media clock across a flush cycle.
func (r *Renderer) SignalTimeDiscontinuity() {
	r.loop.Post(&looper.Message{What: whatTimeDiscontinuity})
}

// SignalAudioSinkChanged re-anchors the clock after the controller
// reopened the audio sink.
func (r *Renderer) SignalAudioSinkChanged() {
	r.loop.Post(&looper.Message{What: whatAudioSinkChanged})
}

// SignalDisableOffloadAudio switches the renderer out of offload mode
// after a fallback to PCM.
func (r *Renderer) SignalDisableOffloadAudio() {
	r.loop.Post(&looper.Message{What: whatDisableOffload})
}

func (r *Renderer) HandleMessage(msg *looper.Message) {
	switch msg.What {
	case whatQueueBuffer:
		p := msg.Payload.(queuePayload)
		e := entry{buffer: p.buffer, release: p.release}
		if p.audio {
			r.audioQueue = append(r.audioQueue, e)
		} else {
			r.videoQueue = append(r.videoQueue, e)
		}
		r.scheduleDrain(0)
		r.schedulePositionTick()

	case whatQueueEOS:
		p := msg.Payload.(queuePayload)
		e := entry{eos: true, eosErr: p.eosErr}
		if p.audio {
			r.audioQueue = append(r.audioQueue, e)
		} else {
			r.videoQueue = append(r.videoQueue, e)
		}
		r.scheduleDrain(0)

	case whatFlush:
		audio := msg.Payload.(bool)
		if audio {
			r.releaseAll(r.audioQueue)
			r.audioQueue = nil
			r.audioEOS = false
		} else {
			r.releaseAll(r.videoQueue)
			r.videoQueue = nil
			r.videoEOS = false
		}
		r.notify(Notification{Kind: NotifyFlushComplete, Audio: audio})

	case whatPause:
		r.paused = true
		r.hasAnchor = false

	case whatResume:
		r.paused = false
		r.scheduleDrain(0)
		r.schedulePositionTick()

	case whatTimeDiscontinuity:
		r.hasAnchor = false
		r.audioEOS = false
		r.videoEOS = false

	case whatAudioSinkChanged:
		r.hasAnchor = false

	case whatDisableOffload:
		r.flags &^= FlagOffloadAudio

	case whatDrainTick:
		r.drainTickPending = false
		r.drain()

	case whatPositionTick:
		r.positionTickPending = false
		r.postPosition()
	}
}

func (r *Renderer) releaseAll(queue []entry) {
	for _, e := range queue {
		if e.release != nil {
			select {
			case e.release <- struct{}{}:
			default:
			}
		}
	}
}

func (r *Renderer) scheduleDrain(d time.Duration) {
	if r.drainTickPending {
		return
	}
	r.drainTickPending = true
	r.loop.PostDelayed(&looper.Message{What: whatDrainTick}, d)
}

func (r *Renderer) schedulePositionTick() {
	if r.positionTickPending || r.paused {
		return
	}
	r.positionTickPending = true
	r.loop.PostDelayed(&looper.Message{What: whatPositionTick}, positionUpdateInterval)
}

// nowMediaUs is the current media clock reading.
func (r *Renderer) nowMediaUs() int64 {
	if !r.hasAnchor {
		return r.positionUs
	}
	return r.anchorMedia + time.Since(r.anchorReal).Microseconds()
}

func (r *Renderer) drain() {
	if r.paused {
		return
	}

	next := time.Duration(-1)

	if d, ok := r.drainAudio(); ok && (next < 0 || d < next) {
		next = d
	}
	if d, ok := r.drainVideo(); ok && (next < 0 || d < next) {
		next = d
	}

	r.maybeFinishStreams()

	if next >= 0 {
		r.scheduleDrain(next)
	}
}

// drainAudio writes due audio buffers into the sink and anchors the
// clock on each write. It returns the delay until the next buffer is
// due, if any remain.
func (r *Renderer) drainAudio() (time.Duration, bool) {
	for len(r.audioQueue) > 0 {
		e := r.audioQueue[0]
		if e.eos {
			break
		}

		if r.hasAnchor {
			due := time.Until(r.anchorReal.Add(time.Duration(e.buffer.TimeUs-r.anchorMedia) * time.Microsecond))
			if due > time.Millisecond {
				return due, true
			}
		}

		if _, err := r.sink.Write(e.buffer.Data); err != nil {
			if r.flags&FlagOffloadAudio != 0 {
				r.log.Warn("offload sink write failed, requesting teardown", "error", err)
				r.notify(Notification{
					Kind:       NotifyAudioOffloadTearDown,
					PositionUs: r.nowMediaUs(),
				})
				return 0, false
			}
			r.log.Error("audio sink write failed", "error", err)
		}

		r.anchorMedia = e.buffer.TimeUs
		r.anchorReal = time.Now()
		r.hasAnchor = true
		r.positionUs = e.buffer.TimeUs

		if !r.audioRenderingStarted {
			r.audioRenderingStarted = true
			r.maybeNotifyMediaRenderingStart()
		}

		r.audioQueue = r.audioQueue[1:]
		if e.release != nil {
			select {
			case e.release <- struct{}{}:
			default:
			}
		}
	}
	return 0, false
}

// drainVideo releases due video buffers against the media clock and
// tracks lateness for the controller's frame-drop policy.
func (r *Renderer) drainVideo() (time.Duration, bool) {
	for len(r.videoQueue) > 0 {
		e := r.videoQueue[0]
		if e.eos {
			break
		}

		now := r.nowMediaUs()
		if r.hasAnchor {
			if delta := e.buffer.TimeUs - now; delta > 1000 {
				return time.Duration(delta) * time.Microsecond, true
			}
			if late := now - e.buffer.TimeUs; late > 0 {
				r.videoLateUs = late
			} else {
				r.videoLateUs = 0
			}
		} else {
			// No audio anchor: the first video buffer establishes one.
			r.anchorMedia = e.buffer.TimeUs
			r.anchorReal = time.Now()
			r.hasAnchor = true
		}

		if e.buffer.TimeUs > r.positionUs {
			r.positionUs = e.buffer.TimeUs
		}

		if !r.videoRenderingStarted {
			r.videoRenderingStarted = true
			r.notify(Notification{Kind: NotifyVideoRenderingStart})
			r.maybeNotifyMediaRenderingStart()
		}

		r.videoQueue = r.videoQueue[1:]
		if e.release != nil {
			select {
			case e.release <- struct{}{}:
			default:
			}
		}
	}
	return 0, false
}

func (r *Renderer) maybeNotifyMediaRenderingStart() {
	if r.mediaRenderingStarted {
		return
	}
	r.mediaRenderingStarted = true
	r.notify(Notification{Kind: NotifyMediaRenderingStart})
}

// maybeFinishStreams fires the per-stream EOS notification once a
// stream's queue has drained down to its EOS marker.
func (r *Renderer) maybeFinishStreams() {
	if len(r.audioQueue) > 0 && r.audioQueue[0].eos && !r.audioEOS {
		e := r.audioQueue[0]
		r.audioQueue = r.audioQueue[1:]
		r.audioEOS = true
		r.notify(Notification{Kind: NotifyEOS, Audio: true, FinalResult: e.eosErr})
	}
	if len(r.videoQueue) > 0 && r.videoQueue[0].eos && !r.videoEOS {
		e := r.videoQueue[0]
		r.videoQueue = r.videoQueue[1:]
		r.videoEOS = true
		r.notify(Notification{Kind: NotifyEOS, Audio: false, FinalResult: e.eosErr})
	}
}

func (r *Renderer) postPosition() {
	if r.paused {
		return
	}
	r.notify(Notification{
		Kind:          NotifyPosition,
		PositionUs:    r.nowMediaUs(),
		VideoLateByUs: r.videoLateUs,
	})
	if len(r.audioQueue) > 0 || len(r.videoQueue) > 0 {
		r.schedulePositionTick()
	}
}
