// ABOUTME: Simulated IMS registration service relayed by a Host
// ABOUTME: Mixes inline answers, ticketed async operations, snapshot and gated notifications

package ims

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/relay"
)

// Name is the service name used for channel routing.
const Name = "ims"

const (
	OpGetState   protocol.OperationKind = "ims.get_state"
	OpSetEnabled protocol.OperationKind = "ims.set_enabled"
	OpRegister   protocol.OperationKind = "ims.register"
	OpSetProfile protocol.OperationKind = "ims.set_profile"
)

const (
	// KindState is a snapshot of State.
	KindState protocol.NotificationKind = "ims.state"

	// KindRegistration reports registration progress.
	KindRegistration protocol.NotificationKind = "ims.registration"
)

// Registration states.
const (
	Unregistered = "unregistered"
	Registering  = "registering"
	Registered   = "registered"
)

// State is what the service exposes as its snapshot.
type State struct {
	Enabled      bool   `json:"enabled"`
	Registration string `json:"registration"`
	Profile      string `json:"profile"`
}

// RegistrationEvent is the payload of KindRegistration.
type RegistrationEvent struct {
	State string `json:"state"`
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type setProfileRequest struct {
	Profile string `json:"profile"`
}

// Options configures the service.
type Options struct {
	// Delay is how long async operations take. Zero completes on the next
	// scheduler turn.
	Delay   time.Duration
	Profile string
	Logger  *slog.Logger
}

// Service simulates an IMS stack.
type Service struct {
	delay  time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	listeners []relay.EventListener
	wg        sync.WaitGroup
}

// New creates a disabled, unregistered service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	profile := opts.Profile
	if profile == "" {
		profile = "default"
	}
	return &Service{
		delay:  opts.Delay,
		logger: logger.With("component", "ims"),
		state:  State{Registration: Unregistered, Profile: profile},
	}
}

func (s *Service) Operations() []protocol.OperationKind {
	return []protocol.OperationKind{OpGetState, OpSetEnabled, OpRegister, OpSetProfile}
}

func (s *Service) SnapshotKinds() []protocol.NotificationKind {
	return []protocol.NotificationKind{KindState}
}

// State returns the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Call implements relay.Service.
func (s *Service) Call(ctx context.Context, op protocol.OperationKind, payload json.RawMessage, ticket *relay.Ticket) (any, error) {
	switch op {
	case OpGetState:
		return s.State(), nil

	case OpSetProfile:
		var req setProfileRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Profile == "" {
			return nil, fmt.Errorf("%w: profile is required", protocol.ErrInvalidRequest)
		}
		s.mu.Lock()
		s.state.Profile = req.Profile
		state := s.state
		s.mu.Unlock()
		s.emit(KindState, state)
		return state, nil

	case OpSetEnabled:
		var req setEnabledRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Enabled == nil {
			return nil, fmt.Errorf("%w: enabled is required", protocol.ErrInvalidRequest)
		}
		s.async(ctx, ticket, func() (any, error) { return s.setEnabled(*req.Enabled), nil }, nil)
		return nil, relay.ErrAsync

	case OpRegister:
		s.mu.Lock()
		switch {
		case !s.state.Enabled:
			s.mu.Unlock()
			return nil, protocol.Underlying("ims_disabled", fmt.Errorf("enable IMS before registering"))
		case s.state.Registration != Unregistered:
			s.mu.Unlock()
			return nil, protocol.Underlying("in_progress", fmt.Errorf("registration is %s", s.state.Registration))
		}
		s.state.Registration = Registering
		state := s.state
		s.mu.Unlock()

		s.emit(KindState, state)
		s.emit(KindRegistration, RegistrationEvent{State: Registering})
		s.async(ctx, ticket, s.finishRegistration, s.abandonRegistration)
		return nil, relay.ErrAsync
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrInvalidRequest, op)
}

// async runs fn after the configured delay and completes ticket with its
// result. Host shutdown cancels ctx; the ticket is then left to be orphaned
// and abandon, if set, undoes whatever the operation started.
func (s *Service) async(ctx context.Context, ticket *relay.Ticket, fn func() (any, error), abandon func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			s.logger.Debug("operation abandoned", "request_id", ticket.ID(), "op", ticket.Op())
			if abandon != nil {
				abandon()
			}
			return
		}

		value, err := fn()
		if err != nil {
			ticket.Fail(err)
			return
		}
		ticket.Resolve(value)
	}()
}

func (s *Service) setEnabled(enabled bool) State {
	s.mu.Lock()
	s.state.Enabled = enabled
	dropped := !enabled && s.state.Registration != Unregistered
	if !enabled {
		s.state.Registration = Unregistered
	}
	state := s.state
	s.mu.Unlock()

	s.emit(KindState, state)
	if dropped {
		s.emit(KindRegistration, RegistrationEvent{State: Unregistered})
	}
	return state
}

func (s *Service) finishRegistration() (any, error) {
	s.mu.Lock()
	if s.state.Registration != Registering {
		reg := s.state.Registration
		s.mu.Unlock()
		return nil, protocol.Underlying("interrupted", fmt.Errorf("registration ended as %s", reg))
	}
	s.state.Registration = Registered
	state := s.state
	s.mu.Unlock()

	s.emit(KindState, state)
	s.emit(KindRegistration, RegistrationEvent{State: Registered})
	return state, nil
}

// abandonRegistration drops a registration whose requester went away, so the
// next register is not refused as in progress.
func (s *Service) abandonRegistration() {
	s.mu.Lock()
	if s.state.Registration != Registering {
		s.mu.Unlock()
		return
	}
	s.state.Registration = Unregistered
	state := s.state
	s.mu.Unlock()

	s.logger.Info("registration abandoned")
	s.emit(KindState, state)
	s.emit(KindRegistration, RegistrationEvent{State: Unregistered})
}

func (s *Service) Subscribe(l relay.EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) Unsubscribe(l relay.EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Wait blocks until every in-flight async operation has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) emit(kind protocol.NotificationKind, payload any) {
	s.mu.Lock()
	listeners := append([]relay.EventListener(nil), s.listeners...)
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
