package sink

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAV renders the PCM stream to a WAV file, for offline playback runs
// and inspection of the rendered output. It accepts only 16-bit PCM;
// offload opens are rejected so the controller falls back to the PCM
// path.
type WAV struct {
	path string

	mu         sync.Mutex
	file       *os.File
	enc        *wav.Encoder
	sampleRate int
	channels   int
	writtenUs  int64
}

// NewWAV creates a WAV sink writing to path. The file is created on
// Open and finalized on Close.
func NewWAV(path string) *WAV {
	return &WAV{path: path}
}

func (w *WAV) Open(cfg Config) error {
	if cfg.Offload != nil {
		return ErrOffloadUnsupported
	}
	if cfg.Format != FormatPCM16 {
		return fmt.Errorf("sink: wav requires 16-bit PCM, got format %d", cfg.Format)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()

	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("sink: create %s: %w", w.path, err)
	}
	w.file = f
	w.enc = wav.NewEncoder(f, cfg.SampleRate, 16, cfg.ChannelCount, 1)
	w.sampleRate = cfg.SampleRate
	w.channels = cfg.ChannelCount
	w.writtenUs = 0
	return nil
}

func (w *WAV) Start() error { return nil }

func (w *WAV) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return 0, fmt.Errorf("sink: wav not open")
	}

	samples := len(data) / 2
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: w.channels, SampleRate: w.sampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}
	for i := 0; i < samples; i++ {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(data[2*i:])))
	}
	if err := w.enc.Write(buf); err != nil {
		return 0, fmt.Errorf("sink: wav write: %w", err)
	}

	if w.sampleRate > 0 && w.channels > 0 {
		frames := int64(samples / w.channels)
		w.writtenUs += frames * 1_000_000 / int64(w.sampleRate)
	}
	return len(data), nil
}

// PlayedOutDurationUs reports the duration written so far. A file sink
// "plays" instantly, so written == played.
func (w *WAV) PlayedOutDurationUs() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writtenUs
}

func (w *WAV) Close() {
	w.mu.Lock()
	w.closeLocked()
	w.mu.Unlock()
}

func (w *WAV) closeLocked() {
	if w.enc != nil {
		w.enc.Close()
		w.enc = nil
	}
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}

func (w *WAV) SupportsOffload(OffloadInfo) bool { return false }

func (w *WAV) StreamType() StreamType { return StreamMusic }

func (w *WAV) SetCodecMetadata(map[string]any) {}
