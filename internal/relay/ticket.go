// ABOUTME: Single-fire completion handle for a request a service answers later
// ABOUTME: Reaches its host by directory id; a gone or dead host orphans the reply

package relay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-relay/internal/protocol"
)

// TicketState is where a Ticket is in its lifecycle.
type TicketState int

const (
	TicketPending TicketState = iota
	TicketCompleted
	TicketOrphaned
)

func (s TicketState) String() string {
	switch s {
	case TicketPending:
		return "pending"
	case TicketCompleted:
		return "completed"
	case TicketOrphaned:
		return "orphaned"
	default:
		return fmt.Sprintf("TicketState(%d)", int(s))
	}
}

// Ticket is handed to Service.Call so the service can reply after Call
// returns. Only a Host creates tickets.
type Ticket struct {
	id     uint64
	op     protocol.OperationKind
	hostID string
	dir    *Directory
	strict bool
	logger *slog.Logger

	mu    sync.Mutex
	state TicketState
	fired bool // Complete has been called
	async bool // counted as an outstanding ticket
}

func newTicket(h *Host, id uint64, op protocol.OperationKind) *Ticket {
	return &Ticket{
		id:     id,
		op:     op,
		hostID: h.id,
		dir:    h.rt.Directory(),
		strict: h.cfg.StrictTickets,
		logger: h.logger,
	}
}

func (t *Ticket) ID() uint64                 { return t.id }
func (t *Ticket) Op() protocol.OperationKind { return t.op }

// State returns the ticket's current state.
func (t *Ticket) State() TicketState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Complete sends outcome as the reply for this ticket's request. If the host
// has shut down the outcome is dropped and the ticket is Orphaned.
//
// Complete must be called at most once. Later calls send nothing; with
// HostConfig.StrictTickets they panic.
func (t *Ticket) Complete(outcome protocol.Outcome) {
	t.mu.Lock()
	if t.fired {
		state := t.state
		t.mu.Unlock()
		t.completedTwice(state)
		return
	}
	t.fired = true
	if t.state == TicketOrphaned {
		t.mu.Unlock()
		t.logger.Debug("dropping completion for orphaned ticket", "request_id", t.id, "op", t.op)
		return
	}
	t.mu.Unlock()

	delivered := false
	if h, ok := t.dir.Host(t.hostID); ok {
		delivered = h.finish(t, outcome)
	}

	t.mu.Lock()
	if delivered {
		t.state = TicketCompleted
	} else {
		t.state = TicketOrphaned
	}
	t.mu.Unlock()

	if !delivered {
		t.logger.Debug("host gone, ticket orphaned", "request_id", t.id, "op", t.op)
	}
}

// Resolve completes the ticket with v encoded as the success payload.
func (t *Ticket) Resolve(v any) {
	outcome, err := protocol.SuccessValue(v)
	if err != nil {
		outcome = protocol.Fail(protocol.ErrorUnderlyingFailure, "encode", err.Error())
	}
	t.Complete(outcome)
}

// Fail completes the ticket with err converted to a failure.
func (t *Ticket) Fail(err error) {
	t.Complete(failureFromService(err))
}

// markAsync records that the ticket outlived its Call. first is false if it
// was already marked; orphaned reports whether the host dropped it meanwhile.
func (t *Ticket) markAsync() (first, orphaned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first = !t.async
	t.async = true
	return first, t.state == TicketOrphaned
}

// orphan moves a pending ticket to Orphaned. It reports whether it did and
// whether the ticket had been counted as outstanding.
func (t *Ticket) orphan() (orphaned, async bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TicketPending {
		return false, t.async
	}
	t.state = TicketOrphaned
	return true, t.async
}

// settle marks a ticket answered inline by the host, so a stray Complete
// from the service counts as a second completion.
func (t *Ticket) settle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TicketPending {
		t.state = TicketCompleted
	}
	t.fired = true
}

func (t *Ticket) completedTwice(state TicketState) {
	if t.strict {
		panic(fmt.Sprintf("relay: ticket %d (%s) completed twice", t.id, t.op))
	}
	t.logger.Error("ticket completed twice, ignoring",
		"request_id", t.id,
		"op", t.op,
		"state", state.String(),
	)
}
