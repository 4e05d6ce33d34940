// Package sink defines the audio sink capability the controller owns and
// the renderer writes through, plus file and null implementations used by
// the demo binary and tests.
package sink

import "errors"

// ErrOffloadUnsupported is returned by Open when an offload configuration
// is requested from a sink that cannot accept compressed input.
var ErrOffloadUnsupported = errors.New("sink: offload unsupported")

// AudioFormat identifies the encoding of data written to the sink.
type AudioFormat int

const (
	FormatInvalid AudioFormat = iota
	FormatPCM16
	FormatAAC
	FormatAACLC
	FormatAACHEv1
	FormatAACHEv2
	FormatMP3
	FormatVorbis
)

// StreamType mirrors the client-selected audio routing class.
type StreamType int

const (
	StreamMusic StreamType = iota
	StreamAlarm
	StreamVoice
)

// Output flags for Open.
const (
	FlagNone            = 0
	FlagDeepBuffer      = 1 << 0
	FlagCompressOffload = 1 << 1
)

// OffloadInfo captures one offload configuration. It contains only
// comparable fields so two configurations can be checked for identity
// with ==, which is how the controller deduplicates reopen requests.
type OffloadInfo struct {
	SampleRate  int
	ChannelMask int
	Format      AudioFormat
	StreamType  StreamType
	BitRate     int
	DurationUs  int64
	HasVideo    bool
	IsStreaming bool
}

// Config carries everything Open needs for either the PCM or the
// offload path.
type Config struct {
	SampleRate   int
	ChannelCount int
	ChannelMask  int
	Format       AudioFormat
	BufferCount  int
	Flags        int
	Offload      *OffloadInfo // nil for PCM opens
}

// Sink is the audio output the controller owns. The renderer writes
// through it but never opens or closes it.
type Sink interface {
	Open(cfg Config) error
	Start() error
	// Write consumes interleaved PCM (or compressed data under offload).
	// It returns the number of bytes accepted.
	Write(data []byte) (int, error)
	// PlayedOutDurationUs reports how much of the written audio has been
	// played out, for clock anchoring.
	PlayedOutDurationUs() int64
	Close()

	SupportsOffload(info OffloadInfo) bool
	StreamType() StreamType
	// SetCodecMetadata passes codec parameters to the hardware under
	// offload. PCM sinks ignore it.
	SetCodecMetadata(meta map[string]any)
}
