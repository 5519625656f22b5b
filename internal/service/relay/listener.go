package relay

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
)

// ErrListenerBacklogged is returned when a listener's outbound queue is full.
var ErrListenerBacklogged = errors.New("listener outbound queue full")

// QueueListener buffers events for a transport that drains them on its own
// goroutine. A full queue closes the listener: the broadcaster evicts it and
// the transport drops the connection instead of stalling the session.
type QueueListener struct {
	id      string
	events  chan chat.Event
	done    chan struct{}
	once    sync.Once
	evicted atomic.Bool
}

// NewQueueListener creates a listener holding up to buffer undelivered events.
func NewQueueListener(buffer int) *QueueListener {
	if buffer <= 0 {
		buffer = 64
	}
	return &QueueListener{
		id:     uuid.NewString(),
		events: make(chan chat.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (l *QueueListener) ID() string { return l.id }

// Deliver enqueues event without blocking.
func (l *QueueListener) Deliver(event chat.Event) error {
	select {
	case <-l.done:
		return ErrListenerGone
	default:
	}

	select {
	case l.events <- event:
		return nil
	default:
		l.evicted.Store(true)
		l.Close()
		return ErrListenerBacklogged
	}
}

// Events is drained by the transport's writer.
func (l *QueueListener) Events() <-chan chat.Event { return l.events }

// Done is closed once the listener is closed.
func (l *QueueListener) Done() <-chan struct{} { return l.done }

// Evicted reports whether the listener was closed for falling behind, as
// opposed to being closed by its owner.
func (l *QueueListener) Evicted() bool { return l.evicted.Load() }

// Close marks the listener gone. It is safe to call more than once.
func (l *QueueListener) Close() {
	l.once.Do(func() { close(l.done) })
}
