// ABOUTME: Unbounded FIFO mailbox drained by a single goroutine per actor endpoint
// ABOUTME: AwaitMatch pulls one specific message before the loop starts, deferring the rest

package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrMailboxClosed indicates the mailbox was closed.
var ErrMailboxClosed = errors.New("mailbox closed")

// ErrMailboxRunning indicates AwaitMatch or Run was called after Run.
var ErrMailboxRunning = errors.New("mailbox already running")

// Mailbox queues messages for one actor and hands them, one at a time and in
// post order, to a single handler goroutine. Handlers never overlap.
type Mailbox[T any] struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	queue    []T
	deferred []T // set aside by AwaitMatch, delivered before queue
	closed   bool
	running  bool

	signal   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMailbox creates an idle mailbox. Messages posted before Run are kept.
func NewMailbox[T any](name string, logger *slog.Logger) *Mailbox[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox[T]{
		name:   name,
		logger: logger.With("component", "mailbox", "mailbox", name),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Post enqueues msg. It never blocks and returns false once the mailbox is closed.
func (m *Mailbox[T]) Post(msg T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of messages not yet handed to the handler.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) + len(m.deferred)
}

// Run starts the handler goroutine. Deferred messages are delivered first.
func (m *Mailbox[T]) Run(handler func(T)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	if m.running {
		m.mu.Unlock()
		return ErrMailboxRunning
	}
	m.running = true
	m.mu.Unlock()

	go m.loop(handler)
	return nil
}

func (m *Mailbox[T]) loop(handler func(T)) {
	defer close(m.done)

	for {
		msg, ok := m.next()
		if !ok {
			select {
			case <-m.signal:
				continue
			case <-m.stop:
				return
			}
		}
		m.invoke(handler, msg)
	}
}

// next pops the oldest message. It reports false when the mailbox is empty or closed.
func (m *Mailbox[T]) next() (T, bool) {
	var zero T
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return zero, false
	}
	if len(m.deferred) > 0 {
		msg := m.deferred[0]
		m.deferred[0] = zero
		m.deferred = m.deferred[1:]
		return msg, true
	}
	if len(m.queue) > 0 {
		msg := m.queue[0]
		m.queue[0] = zero
		m.queue = m.queue[1:]
		return msg, true
	}
	return zero, false
}

// invoke runs one handler call; a panic is logged and the loop keeps going.
func (m *Mailbox[T]) invoke(handler func(T), msg T) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	handler(msg)
}

// AwaitMatch blocks until a message satisfying match is posted and returns it.
// Every non-matching message seen meanwhile is set aside, in order, and handed
// to the handler before anything else once Run starts. It must be called
// before Run; match runs with the mailbox lock held and must not call back in.
func (m *Mailbox[T]) AwaitMatch(ctx context.Context, match func(T) bool) (T, error) {
	var zero T
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return zero, ErrMailboxClosed
		}
		if m.running {
			m.mu.Unlock()
			return zero, ErrMailboxRunning
		}
		for len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = zero
			m.queue = m.queue[1:]
			if match(msg) {
				m.mu.Unlock()
				return msg, nil
			}
			m.deferred = append(m.deferred, msg)
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-m.stop:
			return zero, ErrMailboxClosed
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close stops delivery after the message currently being handled. Queued
// messages are discarded. Safe to call multiple times and from the handler.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	wasRunning := m.running
	m.closed = true
	m.queue = nil
	m.deferred = nil
	m.mu.Unlock()

	m.stopOnce.Do(func() {
		close(m.stop)
		if !wasRunning {
			close(m.done)
		}
	})
}

// Done is closed once the handler goroutine has exited.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}
