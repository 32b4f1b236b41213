// ABOUTME: Host endpoint: accepts requests for one Service and relays its events
// ABOUTME: Owns the outstanding ticket table; replies and notifications share one send order

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/actor"
	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/journal"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
)

// HostConfig configures a Host.
type HostConfig struct {
	Name string

	// StrictTickets makes a second Ticket.Complete panic instead of logging.
	StrictTickets bool

	// AutoStream forwards every notification without waiting for the
	// proxy's subscribe message.
	AutoStream bool
}

// Host fronts one Service over one channel.
type Host struct {
	id     string
	cfg    HostConfig
	rt     *Runtime
	ch     channel.Channel
	logger *slog.Logger
	inbox  *actor.Mailbox[inbound]

	mu          sync.Mutex
	initialized bool
	live        bool
	subscribed  bool
	svc         Service
	ops         map[protocol.OperationKind]struct{}
	snapshots   map[protocol.NotificationKind]struct{}
	tickets     map[uint64]*Ticket
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewHost creates a host on ch. It does nothing until Init.
func NewHost(rt *Runtime, ch channel.Channel, cfg HostConfig) *Host {
	if rt == nil {
		rt = NewRuntime(Options{})
	}
	id := uuid.New().String()
	if cfg.Name == "" {
		cfg.Name = "host-" + id[:8]
	}
	logger := rt.Logger().With("component", "host", "host", cfg.Name)
	return &Host{
		id:      id,
		cfg:     cfg,
		rt:      rt,
		ch:      ch,
		logger:  logger,
		inbox:   actor.NewMailbox[inbound](cfg.Name, logger),
		tickets: make(map[uint64]*Ticket),
	}
}

func (h *Host) ID() string   { return h.id }
func (h *Host) Name() string { return h.cfg.Name }
func (h *Host) Role() Role   { return RoleHost }

// Live reports whether the host is between Init and Shutdown.
func (h *Host) Live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// Subscribed reports whether the proxy has asked for gated notifications.
func (h *Host) Subscribed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribed
}

// Outstanding returns the number of tickets waiting for completion.
func (h *Host) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tickets)
}

// Init marks the host live, subscribes to svc straight away and starts
// handling inbound messages.
func (h *Host) Init(svc Service) error {
	if svc == nil {
		return ErrNilService
	}

	h.mu.Lock()
	if h.initialized {
		h.mu.Unlock()
		return ErrAlreadyInitialized
	}
	h.initialized = true
	h.live = true
	h.svc = svc
	h.ops = make(map[protocol.OperationKind]struct{})
	for _, op := range svc.Operations() {
		h.ops[op] = struct{}{}
	}
	h.snapshots = make(map[protocol.NotificationKind]struct{})
	for _, kind := range svc.SnapshotKinds() {
		h.snapshots[kind] = struct{}{}
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.mu.Unlock()

	if err := h.rt.Directory().Register(h); err != nil {
		h.mu.Lock()
		h.live = false
		h.cancel()
		h.mu.Unlock()
		return fmt.Errorf("registering host: %w", err)
	}
	h.rt.Metrics().EndpointUp(string(RoleHost))
	h.rt.record(journal.Entry{Endpoint: h.cfg.Name, Type: journal.EventEndpointUp})

	svc.Subscribe(h)

	h.ch.OnPeerClosed(func(err error) { h.inbox.Post(inbound{peerClosed: true, err: err}) })
	if err := h.inbox.Run(h.handle); err != nil {
		return fmt.Errorf("starting host loop: %w", err)
	}
	h.ch.OnMessage(func(env protocol.Envelope) { h.inbox.Post(inbound{env: env}) })

	h.logger.Info("host initialized",
		"id", h.id,
		"operations", len(h.ops),
		"auto_stream", h.cfg.AutoStream,
	)
	return nil
}

// handle runs on the host's mailbox goroutine.
func (h *Host) handle(in inbound) {
	if in.peerClosed {
		h.onPeerClosed(in.err)
		return
	}
	switch in.env.Type {
	case protocol.TypeRequest:
		h.OnRequest(*in.env.Request)
	case protocol.TypeSubscribe:
		h.OnSubscribe()
	default:
		h.logger.Warn("host dropping unexpected message", "envelope", in.env.String())
	}
}

// OnRequest answers req, inline or through a ticket. Unknown operations and
// duplicate ids are refused with InvalidRequest.
func (h *Host) OnRequest(req protocol.Request) {
	h.mu.Lock()
	if !h.live {
		h.mu.Unlock()
		h.logger.Debug("request after shutdown ignored", "request_id", req.ID, "op", req.Op)
		return
	}
	if _, ok := h.ops[req.Op]; !ok {
		h.sendLocked(protocol.NewReply(req.ID, protocol.Fail(protocol.ErrorInvalidRequest, "unknown_operation", string(req.Op))))
		h.mu.Unlock()
		h.logger.Warn("unknown operation refused", "request_id", req.ID, "op", req.Op)
		h.rt.Metrics().Reply(h.cfg.Name, string(req.Op), string(protocol.ErrorInvalidRequest))
		return
	}
	if _, dup := h.tickets[req.ID]; dup {
		h.sendLocked(protocol.NewReply(req.ID, protocol.Fail(protocol.ErrorInvalidRequest, "duplicate_request_id", "")))
		h.mu.Unlock()
		h.logger.Warn("duplicate request id refused", "request_id", req.ID, "op", req.Op)
		h.rt.Metrics().Reply(h.cfg.Name, string(req.Op), string(protocol.ErrorInvalidRequest))
		return
	}
	t := newTicket(h, req.ID, req.Op)
	h.tickets[req.ID] = t
	ctx, svc := h.ctx, h.svc
	h.mu.Unlock()

	value, err := h.invoke(ctx, svc, req, t)
	if errors.Is(err, ErrAsync) {
		// A service may complete the ticket before Call returns, in which
		// case finish has already counted it.
		if first, orphaned := t.markAsync(); first {
			h.ticketCreated(t)
			if orphaned {
				h.ticketOrphaned(t)
			}
		}
		return
	}

	var outcome protocol.Outcome
	if err != nil {
		outcome = failureFromService(err)
	} else if outcome, err = encodeResult(value); err != nil {
		outcome = protocol.Fail(protocol.ErrorUnderlyingFailure, "encode", err.Error())
	}

	h.mu.Lock()
	owned := h.tickets[req.ID] == t
	if owned {
		delete(h.tickets, req.ID)
	}
	live := h.live
	if owned && live {
		h.sendLocked(protocol.NewReply(req.ID, outcome))
	}
	h.mu.Unlock()
	t.settle()

	switch {
	case owned && live:
		h.rt.Metrics().Reply(h.cfg.Name, string(req.Op), outcomeLabel(outcome))
	case live:
		h.logger.Error("service completed the ticket and also answered inline, inline answer dropped",
			"request_id", req.ID,
			"op", req.Op,
		)
	}
}

// invoke calls the service, turning a panic into an underlying failure.
func (h *Host) invoke(ctx context.Context, svc Service, req protocol.Request, t *Ticket) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("service panicked",
				"request_id", req.ID,
				"op", req.Op,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			value, err = nil, protocol.Underlying("panic", fmt.Errorf("%v", r))
		}
	}()
	return svc.Call(ctx, req.Op, req.Payload, t)
}

// finish sends the reply for an async ticket. It reports false when the host
// is no longer live or no longer holds t.
func (h *Host) finish(t *Ticket, outcome protocol.Outcome) bool {
	h.mu.Lock()
	if !h.live || h.tickets[t.id] != t {
		h.mu.Unlock()
		return false
	}
	delete(h.tickets, t.id)
	h.sendLocked(protocol.NewReply(t.id, outcome))
	h.mu.Unlock()

	if first, _ := t.markAsync(); first {
		h.ticketCreated(t)
	}
	h.rt.Metrics().Reply(h.cfg.Name, string(t.op), outcomeLabel(outcome))
	h.rt.Metrics().Ticket(h.cfg.Name, metrics.TicketCompleted)
	h.rt.record(journal.Entry{
		Endpoint:  h.cfg.Name,
		Type:      journal.EventTicketCompleted,
		RequestID: t.id,
		Kind:      string(t.op),
		Detail:    outcomeLabel(outcome),
	})
	return true
}

func (h *Host) ticketCreated(t *Ticket) {
	h.logger.Debug("ticket created", "request_id", t.id, "op", t.op)
	h.rt.Metrics().Ticket(h.cfg.Name, metrics.TicketCreated)
	h.rt.record(journal.Entry{
		Endpoint:  h.cfg.Name,
		Type:      journal.EventTicketCreated,
		RequestID: t.id,
		Kind:      string(t.op),
	})
}

func (h *Host) ticketOrphaned(t *Ticket) {
	h.rt.Metrics().Ticket(h.cfg.Name, metrics.TicketOrphaned)
	h.rt.record(journal.Entry{
		Endpoint:  h.cfg.Name,
		Type:      journal.EventTicketOrphaned,
		RequestID: t.id,
		Kind:      string(t.op),
	})
}

// OnSubscribe opens the gate for non-snapshot notifications.
func (h *Host) OnSubscribe() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.live {
		return
	}
	if h.subscribed {
		h.logger.Debug("duplicate subscribe ignored")
		return
	}
	h.subscribed = true
	h.logger.Info("proxy subscribed")
}

// OnUnderlyingEvent forwards ev to the proxy. Non-snapshot events are dropped
// until the proxy subscribes; nothing dropped is replayed.
func (h *Host) OnUnderlyingEvent(ev Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		h.logger.Error("encoding event payload", "kind", ev.Kind, "error", err)
		return
	}

	h.mu.Lock()
	if !h.live {
		h.mu.Unlock()
		h.logger.Debug("event after shutdown dropped", "kind", ev.Kind)
		return
	}
	_, snapshot := h.snapshots[ev.Kind]
	forward := snapshot || h.subscribed || h.cfg.AutoStream
	if forward {
		h.sendLocked(protocol.NewNotification(protocol.Notification{
			Kind:     ev.Kind,
			Snapshot: snapshot,
			Payload:  payload,
		}))
	}
	h.mu.Unlock()

	entry := journal.Entry{Endpoint: h.cfg.Name, Kind: string(ev.Kind)}
	if forward {
		entry.Type = journal.EventNotificationForwarded
		h.rt.Metrics().Notification(h.cfg.Name, string(ev.Kind), metrics.NotificationForwarded)
	} else {
		entry.Type = journal.EventNotificationDropped
		h.rt.Metrics().Notification(h.cfg.Name, string(ev.Kind), metrics.NotificationDropped)
		h.logger.Debug("event dropped, proxy not subscribed", "kind", ev.Kind)
	}
	h.rt.record(entry)
}

// Shutdown unsubscribes from the service and orphans every outstanding
// ticket without replying. Safe to call more than once.
func (h *Host) Shutdown() {
	h.mu.Lock()
	if !h.live {
		neverStarted := !h.initialized
		h.initialized = true
		h.mu.Unlock()
		if neverStarted {
			h.inbox.Close()
			_ = h.ch.Close()
		}
		return
	}
	h.live = false
	tickets := h.tickets
	h.tickets = make(map[uint64]*Ticket)
	svc := h.svc
	h.cancel()
	h.mu.Unlock()

	svc.Unsubscribe(h)

	// Tickets still inside Call are counted by OnRequest once Call returns.
	orphaned := 0
	for _, t := range tickets {
		if ok, async := t.orphan(); ok && async {
			h.ticketOrphaned(t)
			orphaned++
		}
	}

	h.inbox.Close()
	if err := h.ch.Close(); err != nil {
		h.logger.Debug("closing channel", "error", err)
	}
	h.rt.Directory().Remove(h.id)
	h.rt.Metrics().EndpointDown(string(RoleHost))
	h.rt.record(journal.Entry{Endpoint: h.cfg.Name, Type: journal.EventEndpointDown})
	h.logger.Info("host shut down", "orphaned", orphaned)
}

func (h *Host) onPeerClosed(err error) {
	h.logger.Info("proxy went away, shutting down", "error", err)
	h.Shutdown()
}

// sendLocked must be called with mu held and the host live.
func (h *Host) sendLocked(env protocol.Envelope) {
	if err := h.ch.Send(h.ctx, env); err != nil {
		h.logger.Warn("send failed", "envelope", env.String(), "error", err)
	}
}

// failureFromService maps a service error onto a failure outcome. Only
// ErrInvalidRequest keeps its kind; everything else is an underlying failure.
func failureFromService(err error) protocol.Outcome {
	if errors.Is(err, protocol.ErrInvalidRequest) {
		return protocol.Fail(protocol.ErrorInvalidRequest, "", err.Error())
	}
	return protocol.Fail(protocol.ErrorUnderlyingFailure, protocol.CodeOf(err), err.Error())
}

// encodeResult turns a service's inline answer into a success outcome. An
// Outcome value is passed through untouched.
func encodeResult(value any) (protocol.Outcome, error) {
	switch v := value.(type) {
	case protocol.Outcome:
		return v, nil
	case nil:
		return protocol.Success(nil), nil
	default:
		return protocol.SuccessValue(v)
	}
}

func outcomeLabel(o protocol.Outcome) string {
	if o.OK() {
		return metrics.OutcomeOK
	}
	return string(o.Kind())
}
