// Package source defines the media source capability the controller
// consumes: an extractor that produces per-stream access units plus the
// asynchronous notifications it raises back into the controller mailbox.
// Concrete implementations live in the subpackages.
package source

import "github.com/zsiec/refract/internal/media"

// Source is the pluggable extractor behind a playback session. All
// methods are invoked only from the controller's dispatch goroutine;
// implementations deliver asynchronous results through their Notifier.
type Source interface {
	PrepareAsync()
	Start()
	Pause()
	Resume()
	Stop()

	SeekTo(timeUs int64) error
	IsRealTime() bool
	// Duration returns the stream duration, or ErrWouldBlock if not yet
	// known.
	Duration() (int64, error)

	// Format returns the stream format for the audio or video stream,
	// or nil if the source has not discovered one yet.
	Format(audio bool) *media.Format

	TrackCount() int
	TrackInfo(index int) media.TrackInfo
	SelectedTrack(typ media.TrackType) int
	SelectTrack(index int, selected bool) error

	// DequeueAccessUnit pops the next unit for one stream. It returns
	// media.ErrWouldBlock when no unit is buffered yet,
	// media.ErrInfoDiscontinuity together with a unit whose
	// Discontinuity flags classify the break, media.ErrEndOfStream at
	// the end, or another error on fatal failure.
	DequeueAccessUnit(audio bool) (*media.AccessUnit, error)

	// FeedMoreData nudges the source to buffer more input. The scan
	// loop and decoder back-pressure retries call this before re-arming.
	FeedMoreData() error

	// SetBuffers hands controller-owned input buffers to the source so
	// secure content can be decrypted in place. A nil slice revokes a
	// previous hand-off.
	SetBuffers(audio bool, bufs [][]byte) error
}

// NotifyKind discriminates source notifications.
type NotifyKind int

const (
	NotifyPrepared NotifyKind = iota
	NotifyFlagsChanged
	NotifyVideoSizeChanged
	NotifyBufferingUpdate
	NotifyBufferingStart
	NotifyBufferingEnd
	NotifySubtitleData
	NotifyTimedTextData
	NotifyQueueDecoderShutdown
	NotifyDrmNoLicense
)

// Notification is one asynchronous event from the source. Only the
// fields relevant to the Kind are set.
type Notification struct {
	Kind NotifyKind

	Err        error              // Prepared
	Flags      media.SourceFlags  // FlagsChanged
	Format     *media.Format      // VideoSizeChanged
	Percentage int                // BufferingUpdate
	Text       *media.TimedText   // SubtitleData, TimedTextData
	Generation int32              // TimedTextData; 0 when unstamped
	Audio      bool               // QueueDecoderShutdown
	Video      bool               // QueueDecoderShutdown
	Done       func()             // QueueDecoderShutdown completion
}

// Notifier posts source notifications into the controller mailbox. The
// controller hands one to each source it adopts; sources never hold a
// reference to the controller itself.
type Notifier struct {
	post func(Notification)
}

// NewNotifier wraps a post function. post must be safe to call from any
// goroutine.
func NewNotifier(post func(Notification)) *Notifier {
	return &Notifier{post: post}
}

func (n *Notifier) Prepared(err error) {
	n.post(Notification{Kind: NotifyPrepared, Err: err})
}

func (n *Notifier) FlagsChanged(flags media.SourceFlags) {
	n.post(Notification{Kind: NotifyFlagsChanged, Flags: flags})
}

func (n *Notifier) VideoSizeChanged(format *media.Format) {
	n.post(Notification{Kind: NotifyVideoSizeChanged, Format: format})
}

func (n *Notifier) BufferingUpdate(percentage int) {
	n.post(Notification{Kind: NotifyBufferingUpdate, Percentage: percentage})
}

func (n *Notifier) BufferingStart() {
	n.post(Notification{Kind: NotifyBufferingStart})
}

func (n *Notifier) BufferingEnd() {
	n.post(Notification{Kind: NotifyBufferingEnd})
}

func (n *Notifier) SubtitleData(text *media.TimedText) {
	n.post(Notification{Kind: NotifySubtitleData, Text: text})
}

func (n *Notifier) TimedTextData(text *media.TimedText) {
	n.post(Notification{Kind: NotifyTimedTextData, Text: text})
}

func (n *Notifier) QueueDecoderShutdown(audio, video bool, done func()) {
	n.post(Notification{
		Kind:  NotifyQueueDecoderShutdown,
		Audio: audio,
		Video: video,
		Done:  done,
	})
}

func (n *Notifier) DrmNoLicense() {
	n.post(Notification{Kind: NotifyDrmNoLicense})
}
