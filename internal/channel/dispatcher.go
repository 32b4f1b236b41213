// ABOUTME: Ordered inbound delivery shared by every Channel implementation
// ABOUTME: Holds envelopes until a handler is installed and signals peer-closed exactly once

package channel

import (
	"log/slog"
	"sync"

	"github.com/2389/coven-relay/internal/actor"
	"github.com/2389/coven-relay/internal/protocol"
)

type inbound struct {
	env    protocol.Envelope
	closed bool
	err    error
}

// Dispatcher delivers inbound envelopes to the installed Handler one at a
// time, in Deliver order, then reports peer-closed after everything queued
// before it.
type Dispatcher struct {
	logger *slog.Logger
	inbox  *actor.Mailbox[inbound]

	mu         sync.Mutex
	onMessage  Handler
	onClosed   ClosedHandler
	started    bool
	peerGone   bool // PeerClosed was called
	closedSeen bool // the closed event reached the loop
	closedErr  error
}

// NewDispatcher creates an idle dispatcher. Delivery starts with the first OnMessage.
func NewDispatcher(name string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "channel", "channel", name)
	return &Dispatcher{
		logger: logger,
		inbox:  actor.NewMailbox[inbound](name, logger),
	}
}

// OnMessage installs h and starts delivery on first use.
func (d *Dispatcher) OnMessage(h Handler) {
	d.mu.Lock()
	d.onMessage = h
	start := h != nil && !d.started
	if start {
		d.started = true
	}
	d.mu.Unlock()

	if start {
		if err := d.inbox.Run(d.handle); err != nil {
			d.logger.Debug("dispatcher not started", "error", err)
		}
	}
}

// OnPeerClosed installs h. If the peer already went away h is called now.
func (d *Dispatcher) OnPeerClosed(h ClosedHandler) {
	d.mu.Lock()
	d.onClosed = h
	seen, err := d.closedSeen, d.closedErr
	d.mu.Unlock()

	if h != nil && seen {
		h(err)
	}
}

// Deliver queues one inbound envelope. It returns false after Close.
func (d *Dispatcher) Deliver(env protocol.Envelope) bool {
	d.mu.Lock()
	gone := d.peerGone
	d.mu.Unlock()
	if gone {
		return false
	}
	return d.inbox.Post(inbound{env: env})
}

// PeerClosed queues the peer-closed signal behind every envelope already
// delivered. Only the first call has an effect.
func (d *Dispatcher) PeerClosed(err error) {
	d.mu.Lock()
	if d.peerGone {
		d.mu.Unlock()
		return
	}
	d.peerGone = true
	d.mu.Unlock()

	d.inbox.Post(inbound{closed: true, err: err})
}

// Close stops delivery. Nothing queued is delivered afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.peerGone = true
	d.onMessage = nil
	d.onClosed = nil
	d.mu.Unlock()
	d.inbox.Close()
}

func (d *Dispatcher) handle(in inbound) {
	d.mu.Lock()
	onMessage, onClosed := d.onMessage, d.onClosed
	if in.closed {
		d.closedSeen = true
		d.closedErr = in.err
	}
	d.mu.Unlock()

	if in.closed {
		if onClosed != nil {
			onClosed(in.err)
		}
		return
	}
	if onMessage == nil {
		d.logger.Debug("dropping envelope, no handler", "envelope", in.env.String())
		return
	}
	onMessage(in.env)
}
