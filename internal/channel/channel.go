// ABOUTME: Channel is the ordered bidirectional pipe between a relay proxy and its host
// ABOUTME: Implementations live here (in-memory) and under internal/transport

// Package channel defines the ordered, asynchronous, bidirectional message
// pipe a proxy and its host talk over, plus an in-memory implementation.
//
// Transports (gRPC, message bus) implement Channel and use Dispatcher to
// deliver inbound envelopes in arrival order on one goroutine, followed by a
// single peer-closed signal.
package channel

import (
	"context"
	"errors"

	"github.com/2389/coven-relay/internal/protocol"
)

var (
	// ErrClosed is returned by Send once either side has closed.
	ErrClosed = protocol.ErrChannelClosed

	// ErrUnknownService is returned by an Acceptor asked for a service it
	// does not serve.
	ErrUnknownService = errors.New("unknown relay service")
)

// Handler receives inbound envelopes in send order. It must not block for long.
type Handler func(protocol.Envelope)

// ClosedHandler is called once when the peer goes away. err is nil for an
// orderly close.
type ClosedHandler func(err error)

// Channel is one endpoint of an ordered pipe between two actors.
type Channel interface {
	// Send queues env for the peer. It fails with ErrClosed after either side closed.
	Send(ctx context.Context, env protocol.Envelope) error
	// OnMessage installs the inbound handler; nil unregisters. Envelopes that
	// arrive before the first handler is installed are held, not dropped.
	OnMessage(h Handler)
	// OnPeerClosed installs the peer-closed handler; nil unregisters.
	OnPeerClosed(h ClosedHandler)
	// Close tears down this endpoint; the peer observes peer-closed.
	Close() error
}

// Acceptor binds a host for service to a freshly opened ch. It returns once
// the host is initialised; from then on the host owns ch.
type Acceptor func(ctx context.Context, service string, ch Channel) error
