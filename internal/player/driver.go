package player

import (
	"errors"

	"github.com/zsiec/refract/internal/media"
)

// ListenerMessage identifies a player-status callback delivered through
// Driver.NotifyListener.
type ListenerMessage int

const (
	MediaPlaybackComplete ListenerMessage = iota + 1
	MediaError
	MediaInfo
	MediaStarted
	MediaBufferingUpdate
	MediaSetVideoSize
	MediaSubtitleData
	MediaTimedText
)

// MediaInfo sub-codes (ext1 of a MediaInfo callback).
const (
	InfoRenderingStart = iota + 1
	InfoBufferingStart
	InfoBufferingEnd
	InfoMetadataUpdate
)

// MediaError sub-codes (ext1 of a MediaError callback).
const (
	ErrorUnknown = 1
)

// Numeric status codes carried in ext2 of listener callbacks.
const (
	codeOK            = 0
	codeUnknown       = -1
	codeEndOfStream   = -2
	codeWouldBlock    = -3
	codeInvalidOp     = -4
	codeDRMNoLicense  = -5
	codeDiscontinuity = -6
)

// errorCode flattens a status error into the numeric sub-code surfaced
// to the client.
func errorCode(err error) int {
	switch {
	case err == nil:
		return codeOK
	case errors.Is(err, media.ErrEndOfStream):
		return codeEndOfStream
	case errors.Is(err, media.ErrWouldBlock):
		return codeWouldBlock
	case errors.Is(err, media.ErrInvalidOperation):
		return codeInvalidOp
	case errors.Is(err, media.ErrDRMNoLicense):
		return codeDRMNoLicense
	case errors.Is(err, media.ErrInfoDiscontinuity):
		return codeDiscontinuity
	default:
		return codeUnknown
	}
}

// Driver is the client-facing shim that receives controller
// notifications. The controller holds it best-effort: a nil driver
// silently drops every callback, mirroring a torn-down client.
type Driver interface {
	NotifySetDataSourceCompleted(err error)
	NotifyPrepareCompleted(err error)
	NotifyDuration(durationUs int64)
	NotifyPosition(positionUs int64)
	NotifyFrameStats(total, dropped int64)
	NotifySeekComplete()
	NotifySetSurfaceComplete()
	NotifyResetComplete()
	NotifyFlagsChanged(flags media.SourceFlags)
	NotifyListener(msg ListenerMessage, ext1, ext2 int, payload *media.TimedText)
}

// VideoOut is the opaque video output surface handle. The controller
// owns it and passes it to the video decoder at configure time.
type VideoOut interface {
	// SetScalingMode applies the client-selected scaling mode.
	SetScalingMode(mode int) error
}

func (c *Controller) notifySetDataSourceCompleted(err error) {
	if c.driver != nil {
		c.driver.NotifySetDataSourceCompleted(err)
	}
}

func (c *Controller) notifyPrepareCompleted(err error) {
	if c.driver != nil {
		c.driver.NotifyPrepareCompleted(err)
	}
}

func (c *Controller) notifyDuration(durationUs int64) {
	if c.driver != nil {
		c.driver.NotifyDuration(durationUs)
	}
}

func (c *Controller) notifyPosition(positionUs int64) {
	if c.driver != nil {
		c.driver.NotifyPosition(positionUs)
	}
}

func (c *Controller) notifyFrameStats() {
	if c.driver != nil {
		c.driver.NotifyFrameStats(c.framesTotal, c.framesDropped)
	}
}

func (c *Controller) notifySeekComplete() {
	if c.driver != nil {
		c.driver.NotifySeekComplete()
	}
}

func (c *Controller) notifySetSurfaceComplete() {
	if c.driver != nil {
		c.driver.NotifySetSurfaceComplete()
	}
}

func (c *Controller) notifyResetComplete() {
	if c.driver != nil {
		c.driver.NotifyResetComplete()
	}
}

func (c *Controller) notifyFlagsChanged(flags media.SourceFlags) {
	if c.driver != nil {
		c.driver.NotifyFlagsChanged(flags)
	}
}

func (c *Controller) notifyListener(msg ListenerMessage, ext1, ext2 int, payload *media.TimedText) {
	if c.driver != nil {
		c.driver.NotifyListener(msg, ext1, ext2, payload)
	}
}
