// Package looper provides the single-consumer mailbox that serializes all
// controller state mutation. Producers post messages from any goroutine;
// one dispatch goroutine delivers them to the handler strictly in order,
// so no handler invocation ever runs concurrently with another.
package looper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by PostAndAwait when the looper shuts down
// before a reply is produced, or when the handler returns from an
// awaited message without replying to it.
var ErrStopped = errors.New("looper: stopped")

// Message is one mailbox entry: an opcode plus an opaque payload the
// handler type-switches on. Messages that expect a synchronous answer
// carry a reply slot created by PostAndAwait.
type Message struct {
	What    int
	Payload any

	replyCh chan *Message
	replied atomic.Bool
}

// AwaitsReply reports whether the sender is blocked waiting for Reply.
func (m *Message) AwaitsReply() bool {
	return m.replyCh != nil
}

// Reply answers a message posted with PostAndAwait. It never blocks; a
// second reply to the same message is dropped.
func (m *Message) Reply(resp *Message) {
	if m.replyCh == nil {
		return
	}
	m.replied.Store(true)
	select {
	case m.replyCh <- resp:
	default:
	}
}

// Handler consumes messages delivered by the dispatch goroutine.
type Handler interface {
	HandleMessage(msg *Message)
}

// Looper owns the mailbox channel and the dispatch goroutine.
type Looper struct {
	name string
	ch   chan *Message

	mu      sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
	done    chan struct{}
	timers  map[*time.Timer]struct{}
}

// New creates a looper with the given name (used only for diagnostics)
// and mailbox depth.
func New(name string, depth int) *Looper {
	return &Looper{
		name:   name,
		ch:     make(chan *Message, depth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Start launches the dispatch goroutine delivering to h. It may be
// called once.
func (l *Looper) Start(h Handler) {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go func() {
		defer close(l.done)
		for {
			select {
			case msg := <-l.ch:
				h.HandleMessage(msg)
				// A handler that leaves an awaited message unanswered
				// would strand its sender forever.
				if msg.AwaitsReply() && !msg.replied.Load() {
					msg.Reply(nil)
				}
			case <-l.quit:
				// Release any senders blocked on a reply.
				for {
					select {
					case msg := <-l.ch:
						if msg.AwaitsReply() {
							msg.Reply(nil)
						}
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop terminates dispatch. Pending and future messages are discarded;
// awaiting senders are released with a nil reply. Stop is idempotent and
// returns once the dispatch goroutine has exited.
func (l *Looper) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	for t := range l.timers {
		t.Stop()
	}
	l.timers = nil
	close(l.quit)
	started := l.started
	l.mu.Unlock()

	if !started {
		// No dispatch goroutine to drain the mailbox; release any
		// queued awaiters here.
		for {
			select {
			case msg := <-l.ch:
				if msg.AwaitsReply() {
					msg.Reply(nil)
				}
				continue
			default:
			}
			break
		}
		close(l.done)
	}
	<-l.done
}

// Post appends msg to the mailbox. It is safe from any goroutine and
// never blocks the dispatch goroutine; posting to a stopped looper drops
// the message (releasing an awaiter if present).
func (l *Looper) Post(msg *Message) {
	select {
	case <-l.quit:
		if msg.AwaitsReply() {
			msg.Reply(nil)
		}
	case l.ch <- msg:
	}
}

// PostDelayed schedules msg for posting after d. Used for retry backoff
// and periodic work; the delivery is dropped if the looper stops first.
func (l *Looper) PostDelayed(msg *Message, d time.Duration) {
	if d <= 0 {
		l.Post(msg)
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.Post(msg)
	})
	l.timers[t] = struct{}{}
	l.mu.Unlock()
}

// PostAndAwait posts msg and blocks the calling goroutine until the
// handler replies, the context is cancelled, or the looper stops. The
// dispatch goroutine itself must never call this.
func (l *Looper) PostAndAwait(ctx context.Context, msg *Message) (*Message, error) {
	msg.replyCh = make(chan *Message, 1)
	l.Post(msg)
	select {
	case resp := <-msg.replyCh:
		if resp == nil {
			return nil, ErrStopped
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
