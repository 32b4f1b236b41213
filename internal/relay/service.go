// ABOUTME: Contract between a Host and the real service it relays
// ABOUTME: Services answer inline, or return ErrAsync and complete the ticket later

package relay

import (
	"context"
	"encoding/json"

	"github.com/2389/coven-relay/internal/protocol"
)

// Event is a push from the underlying service. Payload is JSON-encoded by
// the host; snapshot kinds must encode to a JSON object.
type Event struct {
	Kind    protocol.NotificationKind
	Payload any
}

// EventListener receives underlying service events.
type EventListener interface {
	OnUnderlyingEvent(ev Event)
}

// Service is the privileged implementation a Host fronts.
type Service interface {
	// Operations is the allow-list of operation kinds the host accepts.
	Operations() []protocol.OperationKind

	// SnapshotKinds lists the notification kinds that carry state snapshots.
	// They are forwarded before the proxy subscribes.
	SnapshotKinds() []protocol.NotificationKind

	// Call runs one request. A value or error answers inline. Returning
	// ErrAsync hands responsibility to ticket, which must be completed once.
	// ctx is cancelled when the host shuts down.
	Call(ctx context.Context, op protocol.OperationKind, payload json.RawMessage, ticket *Ticket) (any, error)

	Subscribe(l EventListener)
	Unsubscribe(l EventListener)
}

// inbound is what an endpoint's mailbox carries: one envelope, or the
// channel's peer-closed signal queued behind everything received before it.
type inbound struct {
	env        protocol.Envelope
	peerClosed bool
	err        error
}
