package sink

import (
	"sync"
	"time"
)

// Null is a sink that discards everything written to it while keeping a
// wall-clock playback position, so the renderer's clock math behaves as
// it would against real hardware. The demo binary and tests use it in
// place of a platform audio driver.
type Null struct {
	mu           sync.Mutex
	open         bool
	started      bool
	offload      bool
	offloadOK    bool
	failOffload  bool
	sampleRate   int
	channels     int
	startedAt    time.Time
	pausedTotal  time.Duration
	writtenBytes int64
	streamType   StreamType
	meta         map[string]any
}

// NewNull creates a Null sink. offloadCapable controls whether offload
// opens succeed.
func NewNull(offloadCapable bool) *Null {
	return &Null{offloadOK: offloadCapable}
}

// FailNextOffloadWrite arms a one-shot write failure under offload, used
// to exercise the teardown-and-fallback path.
func (n *Null) FailNextOffloadWrite() {
	n.mu.Lock()
	n.failOffload = true
	n.mu.Unlock()
}

func (n *Null) Open(cfg Config) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cfg.Offload != nil && !n.offloadOK {
		return ErrOffloadUnsupported
	}
	n.open = true
	n.started = false
	n.offload = cfg.Offload != nil
	n.sampleRate = cfg.SampleRate
	n.channels = cfg.ChannelCount
	n.writtenBytes = 0
	return nil
}

func (n *Null) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		n.started = true
		n.startedAt = time.Now()
	}
	return nil
}

func (n *Null) Write(data []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offload && n.failOffload {
		n.failOffload = false
		return 0, ErrOffloadUnsupported
	}
	n.writtenBytes += int64(len(data))
	return len(data), nil
}

func (n *Null) PlayedOutDurationUs() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return 0
	}
	return time.Since(n.startedAt).Microseconds()
}

func (n *Null) Close() {
	n.mu.Lock()
	n.open = false
	n.started = false
	n.mu.Unlock()
}

func (n *Null) SupportsOffload(info OffloadInfo) bool {
	return n.offloadOK && info.Format != FormatPCM16 && info.Format != FormatInvalid
}

func (n *Null) StreamType() StreamType { return n.streamType }

func (n *Null) SetCodecMetadata(meta map[string]any) {
	n.mu.Lock()
	n.meta = meta
	n.mu.Unlock()
}

// IsOpen reports whether the sink is currently open. Test helper.
func (n *Null) IsOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.open
}

// IsOffload reports whether the last Open used the offload path. Test
// helper.
func (n *Null) IsOffload() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offload
}
