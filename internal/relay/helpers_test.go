// ABOUTME: Shared fixtures for relay tests: a scriptable service and a wired proxy/host pair
// ABOUTME: The pair runs over the in-memory pipe with a memory journal and private metrics

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/journal"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
)

const (
	opEcho  protocol.OperationKind = "test.echo"
	opFail  protocol.OperationKind = "test.fail"
	opBad   protocol.OperationKind = "test.bad"
	opBoom  protocol.OperationKind = "test.boom"
	opAsync protocol.OperationKind = "test.async"
	opBlock protocol.OperationKind = "test.block"
	opEager protocol.OperationKind = "test.eager"

	kindState protocol.NotificationKind = "test.state"
	kindA     protocol.NotificationKind = "test.a"
	kindB     protocol.NotificationKind = "test.b"
)

const waitFor = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeService answers by operation and hands async tickets to the test.
// opBlock hands its ticket over too, then holds Call open until release is
// closed. opEager completes its ticket before returning ErrAsync.
type fakeService struct {
	tickets chan *Ticket
	release chan struct{}

	mu           sync.Mutex
	listeners    []EventListener
	unsubscribed int
}

func newFakeService() *fakeService {
	return &fakeService{tickets: make(chan *Ticket, 64), release: make(chan struct{})}
}

func (s *fakeService) Operations() []protocol.OperationKind {
	return []protocol.OperationKind{opEcho, opFail, opBad, opBoom, opAsync, opBlock, opEager}
}

func (s *fakeService) SnapshotKinds() []protocol.NotificationKind {
	return []protocol.NotificationKind{kindState}
}

func (s *fakeService) Call(_ context.Context, op protocol.OperationKind, payload json.RawMessage, t *Ticket) (any, error) {
	switch op {
	case opEcho:
		return payload, nil
	case opFail:
		return nil, protocol.Underlying("modem_busy", errors.New("modem busy"))
	case opBad:
		return nil, fmt.Errorf("%w: missing field", protocol.ErrInvalidRequest)
	case opBoom:
		panic("service exploded")
	case opAsync:
		s.tickets <- t
		return nil, ErrAsync
	case opBlock:
		s.tickets <- t
		<-s.release
		return payload, nil
	case opEager:
		t.Resolve("early")
		return nil, ErrAsync
	}
	return nil, errors.New("unreachable")
}

func (s *fakeService) Subscribe(l EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *fakeService) Unsubscribe(l EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			s.unsubscribed++
			return
		}
	}
}

func (s *fakeService) emit(kind protocol.NotificationKind, payload any) {
	s.mu.Lock()
	listeners := append([]EventListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnUnderlyingEvent(Event{Kind: kind, Payload: payload})
	}
}

func (s *fakeService) nextTicket(t *testing.T) *Ticket {
	t.Helper()
	select {
	case tk := <-s.tickets:
		return tk
	case <-time.After(waitFor):
		t.Fatal("service never received a ticket")
		return nil
	}
}

type fixture struct {
	rt      *Runtime
	reg     *prometheus.Registry
	journal *journal.MemoryJournal
	svc     *fakeService
	proxy   *Proxy
	host    *Host
}

func newRuntime(t *testing.T) (*Runtime, *journal.MemoryJournal) {
	t.Helper()
	rt, j, _ := newRuntimeWithRegistry(t)
	return rt, j
}

func newRuntimeWithRegistry(t *testing.T) (*Runtime, *journal.MemoryJournal, *prometheus.Registry) {
	t.Helper()
	j := journal.NewMemory()
	reg := prometheus.NewRegistry()
	rt := NewRuntime(Options{
		Logger:  testLogger(),
		Metrics: metrics.New(reg),
		Journal: j,
	})
	return rt, j, reg
}

// outstandingGauge reads coven_relay_host_tickets_outstanding for host.
func outstandingGauge(t *testing.T, reg *prometheus.Registry, host string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "coven_relay_host_tickets_outstanding" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "host" && l.GetValue() == host {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

// ticketTypes lists the ticket journal entries of endpoint in record order.
func ticketTypes(t *testing.T, j *journal.MemoryJournal, endpoint string) []journal.EventType {
	t.Helper()
	entries, err := j.List(t.Context(), journal.ListParams{Endpoint: endpoint})
	require.NoError(t, err)
	var out []journal.EventType
	for _, e := range entries {
		switch e.Type {
		case journal.EventTicketCreated, journal.EventTicketCompleted, journal.EventTicketOrphaned:
			out = append(out, e.Type)
		}
	}
	return out
}

// newFixture wires a proxy and host over a pipe. The host is initialized;
// the proxy is not, so tests can register listeners or use InitAndAwait.
func newFixture(t *testing.T, hostCfg HostConfig, proxyCfg ProxyConfig) *fixture {
	t.Helper()
	rt, j, reg := newRuntimeWithRegistry(t)
	proxyEnd, hostEnd := channel.NewPipe(testLogger())

	if hostCfg.Name == "" {
		hostCfg.Name = "test-host"
	}
	if proxyCfg.Name == "" {
		proxyCfg.Name = "test-proxy"
	}

	svc := newFakeService()
	h := NewHost(rt, hostEnd, hostCfg)
	require.NoError(t, h.Init(svc))
	p := NewProxy(rt, proxyEnd, proxyCfg)

	t.Cleanup(func() {
		p.Shutdown()
		h.Shutdown()
	})
	return &fixture{rt: rt, reg: reg, journal: j, svc: svc, proxy: p, host: h}
}

// callbacks records every outcome delivered per request index.
type callbacks struct {
	mu  sync.Mutex
	got map[int][]protocol.Outcome
}

func newCallbacks() *callbacks {
	return &callbacks{got: make(map[int][]protocol.Outcome)}
}

func (c *callbacks) cb(i int) ReplyFunc {
	return func(o protocol.Outcome) {
		c.mu.Lock()
		c.got[i] = append(c.got[i], o)
		c.mu.Unlock()
	}
}

func (c *callbacks) outcomes(i int) []protocol.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Outcome(nil), c.got[i]...)
}

func (c *callbacks) fired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

// events records notifications and other markers in arrival order.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) listener(n protocol.Notification) {
	e.add(string(n.Kind) + ":" + string(n.Payload))
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}
