// Package media defines the data model shared by the playback pipeline:
// stream formats, access units, decoded buffers, track descriptions, and
// the status sentinels that flow between the source, decoders, renderer,
// and the controller.
package media

// MIME types understood by the pipeline.
const (
	MimeVideoAVC    = "video/avc"
	MimeVideoHEVC   = "video/hevc"
	MimeAudioAAC    = "audio/mp4a-latm"
	MimeAudioMPEG   = "audio/mpeg"
	MimeAudioVorbis = "audio/vorbis"
	MimeAudioRaw    = "audio/raw"
	MimeText3GPP    = "text/3gpp-tt"
)

// SourceFlags is the capability bitset a source reports via FlagsChanged.
type SourceFlags uint32

const (
	FlagCanPause SourceFlags = 1 << iota
	FlagCanSeekBackward
	FlagCanSeekForward
	FlagCanSeek
	FlagDynamicDuration
	FlagSecure
	FlagRealTime
)

// DiscontinuityFlags classifies a stream discontinuity reported by the
// source alongside an access unit.
type DiscontinuityFlags uint32

const (
	DiscontinuityAudioFormat DiscontinuityFlags = 1 << iota
	DiscontinuityVideoFormat
	DiscontinuityTime
)

// Rect is a crop rectangle in an output format, inclusive on all edges.
type Rect struct {
	Left, Top, Right, Bottom int
}

// Format describes an elementary stream, either as produced by the source
// (input format) or as reported by a decoder (output format). Zero values
// mean "unset"; optional fields carry an explicit presence flag where the
// zero value is meaningful.
type Format struct {
	Mime string

	// Audio.
	SampleRate   int
	ChannelCount int
	ChannelMask  int // 0 means derive from channel count
	AACProfile   int // 0 means unset
	BitRate      int // average bits per second, 0 unknown

	// Video.
	Width           int
	Height          int
	Crop            *Rect
	SARWidth        int
	SARHeight       int
	RotationDegrees int

	DurationUs int64 // 0 unknown
	Secure     bool
}

// AccessUnit is one elementary-stream frame dequeued from the source:
// one coded picture or one block of audio samples, plus timing metadata.
// A unit with Discontinuity != 0 carries no payload; it marks the point
// in the stream where the discontinuity occurred.
type AccessUnit struct {
	Data   []byte
	TimeUs int64

	IsKeyframe bool

	Discontinuity DiscontinuityFlags
	// ResumeAtUs is the media time below which decoded samples should be
	// discarded after a time discontinuity. Negative when absent.
	ResumeAtUs int64
}

// Buffer is one decoded output buffer on its way to the renderer.
type Buffer struct {
	Data   []byte
	TimeUs int64
	EOS    bool
}

// TrackType identifies the kind of a selectable track.
type TrackType int

const (
	TrackTypeUnknown TrackType = iota
	TrackTypeVideo
	TrackTypeAudio
	TrackTypeTimedText
	TrackTypeSubtitle
)

// TrackInfo describes one selectable track, in-band or closed-caption.
type TrackInfo struct {
	Type     TrackType
	Mime     string
	Language string
}

// TimedText is a timed-text or subtitle sample delivered to the driver.
type TimedText struct {
	TrackIndex int
	TimeUs     int64
	DurationUs int64
	Data       []byte
	Mime       string
}
