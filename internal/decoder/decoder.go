// Package decoder implements the asynchronous decoder capability: a
// shell running on its own goroutine that pulls access units from the
// controller via fill requests, turns them into output buffers, and
// drains them toward the renderer. Codec internals are out of scope for
// this player; raw PCM passes through the full decoder untouched and the
// offload decoder forwards compressed units as-is.
package decoder

import (
	"sync"

	"github.com/zsiec/refract/internal/media"
)

// NotifyKind discriminates decoder notifications.
type NotifyKind int

const (
	NotifyFillThisBuffer NotifyKind = iota
	NotifyDrainThisBuffer
	NotifyOutputFormatChanged
	NotifyFlushCompleted
	NotifyShutdownCompleted
	NotifyEOS
	NotifyError
)

// FillReply answers a fill request: either an access unit or a status.
type FillReply struct {
	Err error
	AU  *media.AccessUnit
}

// Notification is one event from a decoder, stamped with the generation
// the controller assigned at instantiation. Stale generations are
// filtered at dispatch.
type Notification struct {
	Generation int32
	Kind       NotifyKind

	Err    error
	Format *media.Format
	Buffer *media.Buffer

	// FillReply receives the controller's answer to a fill request. The
	// channel is buffered; replying never blocks the controller.
	FillReply chan FillReply

	// Release is signalled when the drained buffer has been consumed or
	// discarded downstream.
	Release chan struct{}
}

// Decoder is the controller-facing surface of a decoder instance.
type Decoder interface {
	Init()
	Configure(format *media.Format)
	SignalFlush(newFormat *media.Format)
	SignalResume()
	SignalUpdateFormat(format *media.Format)
	InitiateShutdown()
	InputBuffers() [][]byte
	SupportsSeamlessFormatChange(format *media.Format) bool
}

// command is an internal mailbox entry for the shell goroutine.
type command struct {
	kind      commandKind
	format    *media.Format
}

type commandKind int

const (
	cmdConfigure commandKind = iota
	cmdFlush
	cmdResume
	cmdUpdateFormat
	cmdShutdown
)

// Shell is the common decoder implementation. With passthrough false it
// is the full decoder (identity decode of raw PCM); with passthrough
// true it is the offload decoder that forwards compressed access units.
type Shell struct {
	notify      func(Notification)
	generation  int32
	passthrough bool
	video       bool

	cmds chan command

	mu        sync.Mutex
	format    *media.Format
	inputBufs [][]byte
	started   bool
}

const (
	secureInputBufferCount = 4
	secureInputBufferSize  = 1 << 16
)

// New creates a full decoder. notify must be safe to call from the
// shell goroutine; every notification carries generation.
func New(notify func(Notification), generation int32, video bool) *Shell {
	return &Shell{
		notify:     notify,
		generation: generation,
		video:      video,
		cmds:       make(chan command, 16),
	}
}

// NewPassthrough creates the offload decoder used when compressed audio
// is handed directly to the sink.
func NewPassthrough(notify func(Notification), generation int32) *Shell {
	s := New(notify, generation, false)
	s.passthrough = true
	return s
}

func (s *Shell) Init() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.run()
}

func (s *Shell) Configure(format *media.Format) {
	s.mu.Lock()
	s.format = format
	if format != nil && format.Secure {
		s.inputBufs = make([][]byte, secureInputBufferCount)
		for i := range s.inputBufs {
			s.inputBufs[i] = make([]byte, secureInputBufferSize)
		}
	}
	s.mu.Unlock()
	s.cmds <- command{kind: cmdConfigure, format: format}
}

func (s *Shell) SignalFlush(newFormat *media.Format) {
	s.cmds <- command{kind: cmdFlush, format: newFormat}
}

func (s *Shell) SignalResume() {
	s.cmds <- command{kind: cmdResume}
}

func (s *Shell) SignalUpdateFormat(format *media.Format) {
	s.cmds <- command{kind: cmdUpdateFormat, format: format}
}

func (s *Shell) InitiateShutdown() {
	s.cmds <- command{kind: cmdShutdown}
}

func (s *Shell) InputBuffers() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputBufs
}

// SupportsSeamlessFormatChange reports whether the new format can be
// adopted without draining the pipeline. Raw audio is seamless when the
// stream parameters match; a coded-format switch always needs a flush.
func (s *Shell) SupportsSeamlessFormatChange(format *media.Format) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == nil || format == nil || s.format.Mime != format.Mime {
		return false
	}
	if s.video {
		return false
	}
	return s.format.SampleRate == format.SampleRate &&
		s.format.ChannelCount == format.ChannelCount
}

func (s *Shell) post(n Notification) {
	n.Generation = s.generation
	s.notify(n)
}

// run is the shell goroutine: a fill/decode/drain pipeline interleaved
// with control commands. Fill requests stop while flushed or after EOS
// and restart on resume.
func (s *Shell) run() {
	var (
		requesting bool // a fill request is outstanding
		paused     = true
		fillReply  chan FillReply
	)

	request := func() {
		fillReply = make(chan FillReply, 1)
		s.post(Notification{Kind: NotifyFillThisBuffer, FillReply: fillReply})
		requesting = true
	}

	for {
		var replyCh chan FillReply
		if requesting {
			replyCh = fillReply
		}

		select {
		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdConfigure:
				s.post(Notification{Kind: NotifyOutputFormatChanged, Format: cmd.format})
				paused = false
				if !requesting {
					request()
				}

			case cmdFlush:
				// Outstanding state is dropped; a pending fill reply is
				// no longer read, so its answer is ignored.
				requesting = false
				fillReply = nil
				paused = true
				if cmd.format != nil {
					s.mu.Lock()
					s.format = cmd.format
					s.mu.Unlock()
				}
				s.post(Notification{Kind: NotifyFlushCompleted})

			case cmdResume:
				paused = false
				if !requesting {
					request()
				}

			case cmdUpdateFormat:
				s.mu.Lock()
				s.format = cmd.format
				s.mu.Unlock()
				s.post(Notification{Kind: NotifyOutputFormatChanged, Format: cmd.format})

			case cmdShutdown:
				s.post(Notification{Kind: NotifyShutdownCompleted})
				return
			}

		case reply := <-replyCh:
			requesting = false
			fillReply = nil
			if paused {
				break
			}
			switch {
			case reply.Err == nil && reply.AU != nil:
				switch s.drain(reply.AU) {
				case drainShutdown:
					return
				case drainFlushed:
					paused = true
				default:
					request()
				}
			case reply.Err == media.ErrInfoDiscontinuity:
				// The controller is flushing or reconfiguring; wait for
				// an explicit resume.
				paused = true
			default:
				s.post(Notification{Kind: NotifyEOS, Err: reply.Err})
				paused = true
			}
		}
	}
}

type drainResult int

const (
	drainOK drainResult = iota
	drainFlushed
	drainShutdown
)

// drain emits one output buffer and waits for the downstream release,
// a flush, or a shutdown.
func (s *Shell) drain(au *media.AccessUnit) drainResult {
	release := make(chan struct{}, 1)
	s.post(Notification{
		Kind: NotifyDrainThisBuffer,
		Buffer: &media.Buffer{
			Data:   au.Data,
			TimeUs: au.TimeUs,
		},
		Release: release,
	})

	for {
		select {
		case <-release:
			return drainOK
		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdShutdown:
				s.post(Notification{Kind: NotifyShutdownCompleted})
				return drainShutdown
			case cmdFlush:
				if cmd.format != nil {
					s.mu.Lock()
					s.format = cmd.format
					s.mu.Unlock()
				}
				s.post(Notification{Kind: NotifyFlushCompleted})
				// The in-flight buffer is abandoned; its release may
				// still arrive and is ignored.
				return drainFlushed
			case cmdUpdateFormat:
				s.mu.Lock()
				s.format = cmd.format
				s.mu.Unlock()
				s.post(Notification{Kind: NotifyOutputFormatChanged, Format: cmd.format})
			}
		}
	}
}
