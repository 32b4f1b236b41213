// ABOUTME: Simulated Bluetooth-style pairing service relayed by a Host
// ABOUTME: Each pairing method is its own notification kind so proxies gate on all four

package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/relay"
)

// Name is the service name used for channel routing.
const Name = "pairing"

const (
	OpStart  protocol.OperationKind = "pairing.start"
	OpReply  protocol.OperationKind = "pairing.reply"
	OpCancel protocol.OperationKind = "pairing.cancel"
	OpBonded protocol.OperationKind = "pairing.bonded"
)

// Method is how the user confirms a pairing.
type Method string

const (
	DisplayPasskey Method = "display_passkey"
	EnterPin       Method = "enter_pin"
	Confirm        Method = "confirm"
	Consent        Method = "consent"
)

// Methods lists every method in a stable order.
var Methods = []Method{DisplayPasskey, EnterPin, Confirm, Consent}

// Kind returns the notification kind announcing a request of this method.
func (m Method) Kind() protocol.NotificationKind {
	return protocol.NotificationKind("pairing." + string(m))
}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return slices.Contains(Methods, m)
}

// KindBonded is a snapshot of the bonded device list.
const KindBonded protocol.NotificationKind = "pairing.bonded"

// Categories returns the listener categories a pairing UI must attach
// before pairing requests are delivered.
func Categories() []relay.Category {
	out := make([]relay.Category, len(Methods))
	for i, m := range Methods {
		out[i] = relay.Category(m.Kind())
	}
	return out
}

// Request is the payload of a pairing request notification.
type Request struct {
	Address string `json:"address"`
	Method  Method `json:"method"`
	Passkey string `json:"passkey,omitempty"`
}

// Result answers OpStart and OpReply.
type Result struct {
	Address string `json:"address"`
	Bonded  bool   `json:"bonded"`
}

// Bonded is the payload of KindBonded.
type Bonded struct {
	Devices []string `json:"devices"`
}

type startRequest struct {
	Address string `json:"address"`
	Method  Method `json:"method"`
}

type replyRequest struct {
	Address string `json:"address"`
	Accept  bool   `json:"accept"`
	Pin     string `json:"pin,omitempty"`
}

type cancelRequest struct {
	Address string `json:"address"`
}

type pendingPair struct {
	req    Request
	ticket *relay.Ticket // nil when the remote device initiated
	stop   func() bool   // stops the host watch; nil without a ticket
}

func (pp *pendingPair) unwatch() {
	if pp.stop != nil {
		pp.stop()
	}
}

// Service simulates a pairing agent.
type Service struct {
	logger *slog.Logger

	mu        sync.Mutex
	pending   map[string]*pendingPair
	bonded    map[string]struct{}
	listeners []relay.EventListener
}

// New creates a service with no bonded devices.
func New(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:  logger.With("component", "pairing"),
		pending: make(map[string]*pendingPair),
		bonded:  make(map[string]struct{}),
	}
}

func (s *Service) Operations() []protocol.OperationKind {
	return []protocol.OperationKind{OpStart, OpReply, OpCancel, OpBonded}
}

func (s *Service) SnapshotKinds() []protocol.NotificationKind {
	return []protocol.NotificationKind{KindBonded}
}

// Incoming simulates a remote device asking to pair. The request is
// announced to subscribed proxies and waits for OpReply.
func (s *Service) Incoming(address string, method Method) error {
	if !method.Valid() {
		return fmt.Errorf("unknown pairing method %q", method)
	}
	req, err := s.open(context.Background(), address, method, nil)
	if err != nil {
		return err
	}
	s.emit(method.Kind(), req)
	return nil
}

// Call implements relay.Service.
func (s *Service) Call(ctx context.Context, op protocol.OperationKind, payload json.RawMessage, ticket *relay.Ticket) (any, error) {
	switch op {
	case OpStart:
		var req startRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Address == "" || !req.Method.Valid() {
			return nil, fmt.Errorf("%w: address and a known method are required", protocol.ErrInvalidRequest)
		}
		pr, err := s.open(ctx, req.Address, req.Method, ticket)
		if err != nil {
			return nil, err
		}
		s.emit(req.Method.Kind(), pr)
		return nil, relay.ErrAsync

	case OpReply:
		var req replyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return s.reply(req)

	case OpCancel:
		var req cancelRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return s.cancel(req.Address)

	case OpBonded:
		return s.bondedList(), nil
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrInvalidRequest, op)
}

// open records a pending pairing. A request started through a ticket is
// dropped again when ctx ends, since its host is gone and nobody can answer.
func (s *Service) open(ctx context.Context, address string, method Method, ticket *relay.Ticket) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.pending[address]; busy {
		return Request{}, protocol.Underlying("in_progress", fmt.Errorf("already pairing with %s", address))
	}
	req := Request{Address: address, Method: method}
	if method == DisplayPasskey || method == Confirm {
		req.Passkey = fmt.Sprintf("%06d", rand.IntN(1_000_000))
	}
	pp := &pendingPair{req: req, ticket: ticket}
	if ticket != nil {
		pp.stop = context.AfterFunc(ctx, func() { s.abandon(address, pp) })
	}
	s.pending[address] = pp
	s.logger.Info("pairing requested", "address", address, "method", method)
	return req, nil
}

func (s *Service) abandon(address string, pp *pendingPair) {
	s.mu.Lock()
	current := s.pending[address] == pp
	if current {
		delete(s.pending, address)
	}
	s.mu.Unlock()
	if current {
		s.logger.Info("pairing abandoned, host went away", "address", address)
	}
}

func (s *Service) reply(req replyRequest) (Result, error) {
	s.mu.Lock()
	pp, ok := s.pending[req.Address]
	if !ok {
		s.mu.Unlock()
		return Result{}, protocol.Underlying("no_pending_request", fmt.Errorf("nothing pending for %s", req.Address))
	}
	if req.Accept && pp.req.Method == EnterPin && req.Pin == "" {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: pin is required", protocol.ErrInvalidRequest)
	}
	delete(s.pending, req.Address)
	if req.Accept {
		s.bonded[req.Address] = struct{}{}
	}
	s.mu.Unlock()
	pp.unwatch()

	result := Result{Address: req.Address, Bonded: req.Accept}
	if req.Accept {
		s.emit(KindBonded, s.bondedList())
	}
	if pp.ticket != nil {
		pp.ticket.Resolve(result)
	}
	s.logger.Info("pairing answered", "address", req.Address, "bonded", req.Accept)
	return result, nil
}

func (s *Service) cancel(address string) (Result, error) {
	s.mu.Lock()
	pp, ok := s.pending[address]
	delete(s.pending, address)
	s.mu.Unlock()

	if !ok {
		return Result{}, protocol.Underlying("no_pending_request", fmt.Errorf("nothing pending for %s", address))
	}
	pp.unwatch()
	if pp.ticket != nil {
		pp.ticket.Fail(protocol.Underlying("cancelled", fmt.Errorf("pairing with %s cancelled", address)))
	}
	return Result{Address: address}, nil
}

// Pending returns the addresses waiting for a reply, sorted.
func (s *Service) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for addr := range s.pending {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (s *Service) bondedList() Bonded {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make([]string, 0, len(s.bonded))
	for addr := range s.bonded {
		devices = append(devices, addr)
	}
	sort.Strings(devices)
	return Bonded{Devices: devices}
}

func (s *Service) Subscribe(l relay.EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) Unsubscribe(l relay.EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(existing relay.EventListener) bool {
		return existing == l
	})
}

func (s *Service) emit(kind protocol.NotificationKind, payload any) {
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnUnderlyingEvent(relay.Event{Kind: kind, Payload: payload})
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidRequest, err)
	}
	return nil
}
