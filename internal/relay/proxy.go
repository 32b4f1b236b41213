// ABOUTME: Proxy endpoint: turns local calls into requests and notifications into listener fan-out
// ABOUTME: Every request's callback fires exactly once, with the reply or a local failure

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/actor"
	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/journal"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/tombstone"
)

// ReplyFunc receives the outcome of one request.
type ReplyFunc func(protocol.Outcome)

// ProxyConfig configures a Proxy.
type ProxyConfig struct {
	Name string

	// RequiredCategories must all have a listener before the proxy
	// subscribes upstream. Empty means the first listener opens the gate.
	RequiredCategories []Category

	// AutoStream means the host forwards notifications without being asked;
	// the gate then only flips locally.
	AutoStream bool
}

type pendingCall struct {
	op     protocol.OperationKind
	cb     ReplyFunc
	issued time.Time
}

// Proxy is the caller-side endpoint for one service.
type Proxy struct {
	id         string
	cfg        ProxyConfig
	rt         *Runtime
	ch         channel.Channel
	logger     *slog.Logger
	inbox      *actor.Mailbox[inbound]
	registry   *ListenerRegistry
	state      *StateCache
	tombstones *tombstone.Set

	// ctx bounds sends; teardown cancels it before taking mu.
	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	started          bool
	live             bool
	subscribePending bool // gate opened before Init
	nextID           uint64
	pending          map[uint64]*pendingCall
}

// NewProxy creates a proxy on ch. Listeners may be registered before Init.
func NewProxy(rt *Runtime, ch channel.Channel, cfg ProxyConfig) *Proxy {
	if rt == nil {
		rt = NewRuntime(Options{})
	}
	id := uuid.New().String()
	if cfg.Name == "" {
		cfg.Name = "proxy-" + id[:8]
	}
	logger := rt.Logger().With("component", "proxy", "proxy", cfg.Name)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		id:         id,
		cfg:        cfg,
		rt:         rt,
		ch:         ch,
		logger:     logger,
		inbox:      actor.NewMailbox[inbound](cfg.Name, logger),
		state:      NewStateCache(),
		tombstones: tombstone.New(rt.tombstoneTTL, 0),
		pending:    make(map[uint64]*pendingCall),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.registry = NewListenerRegistry(cfg.RequiredCategories, p.subscribeUpstream)
	return p
}

func (p *Proxy) ID() string   { return p.id }
func (p *Proxy) Name() string { return p.cfg.Name }
func (p *Proxy) Role() Role   { return RoleProxy }

// Live reports whether the proxy is between Init and Shutdown.
func (p *Proxy) Live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Pending returns the number of requests awaiting a reply.
func (p *Proxy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Subscribed reports whether the readiness gate has opened.
func (p *Proxy) Subscribed() bool { return p.registry.Subscribed() }

// State returns a copy of the cached snapshot fields.
func (p *Proxy) State() map[string]json.RawMessage { return p.state.Snapshot() }

// StateField decodes one cached field into v.
func (p *Proxy) StateField(key string, v any) (bool, error) { return p.state.Field(key, v) }

// StateVersion counts the snapshots applied so far.
func (p *Proxy) StateVersion() uint64 { return p.state.Version() }

// Init marks the proxy live and starts handling inbound messages. It does
// not subscribe upstream; the listener gate does that.
func (p *Proxy) Init() error {
	if err := p.start(); err != nil {
		return err
	}
	if err := p.inbox.Run(p.handle); err != nil {
		return fmt.Errorf("starting proxy loop: %w", err)
	}
	return nil
}

// InitAndAwait is Init plus one request whose reply it waits for before
// returning. Nothing else is handled until that reply arrives; messages
// received meanwhile are handled afterwards in their original order.
func (p *Proxy) InitAndAwait(ctx context.Context, op protocol.OperationKind, payload any) (protocol.Outcome, error) {
	if err := p.start(); err != nil {
		return protocol.Outcome{}, err
	}

	result := make(chan protocol.Outcome, 1)
	id, err := p.Request(op, payload, func(o protocol.Outcome) { result <- o })
	if err != nil {
		p.runLoop()
		return protocol.Outcome{}, err
	}

	in, err := p.inbox.AwaitMatch(ctx, func(in inbound) bool {
		return in.peerClosed || (in.env.Type == protocol.TypeReply && in.env.Reply.ID == id)
	})
	switch {
	case err == nil && in.peerClosed:
		p.onPeerClosed(in.err)
	case err == nil:
		p.OnReply(*in.env.Reply)
	case errors.Is(err, actor.ErrMailboxClosed):
		// Shut down while waiting; the callback already carries the reason.
	default:
		p.abandon(id)
	}
	p.runLoop()

	select {
	case o := <-result:
		return o, nil
	default:
		return protocol.Outcome{}, err
	}
}

// start flips the proxy live and wires the channel without starting the loop.
func (p *Proxy) start() error {
	p.mu.Lock()
	if p.started {
		live := p.live
		p.mu.Unlock()
		if !live {
			return fmt.Errorf("%w: proxy %s", protocol.ErrActorDead, p.cfg.Name)
		}
		return ErrAlreadyInitialized
	}
	p.started = true
	p.live = true
	p.mu.Unlock()

	if err := p.rt.Directory().Register(p); err != nil {
		p.mu.Lock()
		p.live = false
		p.mu.Unlock()
		return fmt.Errorf("registering proxy: %w", err)
	}
	p.rt.Metrics().EndpointUp(string(RoleProxy))
	p.rt.record(journal.Entry{Endpoint: p.cfg.Name, Type: journal.EventEndpointUp})

	p.ch.OnPeerClosed(func(err error) { p.inbox.Post(inbound{peerClosed: true, err: err}) })
	p.ch.OnMessage(func(env protocol.Envelope) { p.inbox.Post(inbound{env: env}) })

	p.mu.Lock()
	if p.subscribePending {
		p.subscribePending = false
		p.sendSubscribeLocked()
	}
	p.mu.Unlock()

	p.logger.Info("proxy initialized", "id", p.id, "required_categories", len(p.cfg.RequiredCategories))
	return nil
}

func (p *Proxy) runLoop() {
	if err := p.inbox.Run(p.handle); err != nil && !errors.Is(err, actor.ErrMailboxClosed) {
		p.logger.Warn("starting proxy loop", "error", err)
	}
}

// handle runs on the proxy's mailbox goroutine.
func (p *Proxy) handle(in inbound) {
	if in.peerClosed {
		p.onPeerClosed(in.err)
		return
	}
	switch in.env.Type {
	case protocol.TypeReply:
		p.OnReply(*in.env.Reply)
	case protocol.TypeNotification:
		p.OnNotification(*in.env.Notification)
	default:
		p.logger.Warn("proxy dropping unexpected message", "envelope", in.env.String())
	}
}

// Request sends op to the host and returns its id without waiting. cb is
// called exactly once: with the reply, or with a local failure if the proxy
// shuts down or the channel closes first. On error cb is never called.
//
// payload may be nil, a json.RawMessage or any JSON-encodable value.
func (p *Proxy) Request(op protocol.OperationKind, payload any, cb ReplyFunc) (uint64, error) {
	if cb == nil {
		cb = func(protocol.Outcome) {}
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live {
		return 0, fmt.Errorf("%w: proxy %s", protocol.ErrActorDead, p.cfg.Name)
	}

	p.nextID++
	for p.nextID == 0 || p.pending[p.nextID] != nil {
		p.nextID++
	}
	id := p.nextID

	if err := p.ch.Send(p.ctx, protocol.NewRequest(id, op, raw)); err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	p.pending[id] = &pendingCall{op: op, cb: cb, issued: time.Now()}
	return id, nil
}

// Call sends op and waits for its reply or for ctx to end. On ctx expiry the
// request is abandoned and a late reply is discarded. Call must not be used
// from a listener or reply callback, since those run on the goroutine that
// delivers the reply.
func (p *Proxy) Call(ctx context.Context, op protocol.OperationKind, payload any) (protocol.Outcome, error) {
	result := make(chan protocol.Outcome, 1)
	id, err := p.Request(op, payload, func(o protocol.Outcome) { result <- o })
	if err != nil {
		return protocol.Outcome{}, err
	}

	select {
	case o := <-result:
		return o, nil
	case <-ctx.Done():
		if p.abandon(id) {
			return protocol.Outcome{}, ctx.Err()
		}
		// The reply won the race and its callback is already running.
		return <-result, nil
	}
}

// abandon drops the pending entry for id and remembers it so its reply is
// recognised as late. It reports false if the entry was already gone.
func (p *Proxy) abandon(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; !ok {
		return false
	}
	delete(p.pending, id)
	p.tombstones.Bury(id)
	p.logger.Debug("request abandoned", "request_id", id)
	return true
}

// OnReply resolves the pending request r answers. Replies with no pending
// entry are logged and discarded.
func (p *Proxy) OnReply(r protocol.Reply) {
	p.mu.Lock()
	if !p.live {
		p.mu.Unlock()
		p.logger.Debug("reply after shutdown discarded", "request_id", r.ID)
		return
	}
	pc, ok := p.pending[r.ID]
	if ok {
		delete(p.pending, r.ID)
	}
	p.mu.Unlock()

	if !ok {
		if p.tombstones.Take(r.ID) {
			p.logger.Debug("late reply discarded", "request_id", r.ID)
			p.rt.Metrics().StrayReply(p.cfg.Name, metrics.ReplyLate)
		} else {
			p.logger.Warn("reply for unknown request discarded", "request_id", r.ID)
			p.rt.Metrics().StrayReply(p.cfg.Name, metrics.ReplyUnknown)
		}
		return
	}

	p.rt.Metrics().RoundTrip(p.cfg.Name, string(pc.op), time.Since(pc.issued))
	pc.cb(r.Outcome)
}

// OnNotification applies snapshots to the cached state, then fans out.
func (p *Proxy) OnNotification(n protocol.Notification) {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()
	if !live {
		return
	}

	if n.Snapshot {
		if err := p.state.Apply(n); err != nil {
			p.logger.Warn("bad snapshot ignored", "kind", n.Kind, "error", err)
		}
	}
	if delivered := p.registry.Dispatch(n); delivered > 0 {
		p.rt.Metrics().Notification(p.cfg.Name, string(n.Kind), metrics.NotificationFannedOut)
	}
}

// RegisterListener attaches fn for category. It may open the readiness gate.
func (p *Proxy) RegisterListener(category Category, fn Listener) (ListenerID, error) {
	return p.registry.Attach(category, fn)
}

// UnregisterListener detaches a listener. The gate stays open.
func (p *Proxy) UnregisterListener(category Category, id ListenerID) bool {
	return p.registry.Detach(category, id)
}

// subscribeUpstream is the registry's ready hook.
func (p *Proxy) subscribeUpstream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.started:
		p.subscribePending = true
	case !p.live:
	default:
		p.sendSubscribeLocked()
	}
}

func (p *Proxy) sendSubscribeLocked() {
	if p.cfg.AutoStream {
		p.logger.Debug("gate open, channel auto-streams")
		return
	}
	if err := p.ch.Send(p.ctx, protocol.NewSubscribe()); err != nil {
		p.logger.Warn("sending subscribe", "error", err)
		return
	}
	p.logger.Info("subscribed upstream")
}

// Shutdown resolves every pending request with ActorDead and closes the
// channel. Safe to call more than once.
func (p *Proxy) Shutdown() {
	p.teardown(protocol.Fail(protocol.ErrorActorDead, "", "proxy shut down"))
}

func (p *Proxy) onPeerClosed(err error) {
	p.logger.Info("host went away", "error", err)
	p.teardown(protocol.Fail(protocol.ErrorChannelClosed, "", "peer closed"))
}

func (p *Proxy) teardown(failure protocol.Outcome) {
	// Releases a Request blocked in Send while holding mu.
	p.cancel()
	p.mu.Lock()
	if !p.live {
		neverStarted := !p.started
		p.started = true
		p.mu.Unlock()
		if neverStarted {
			p.registry.TearDown()
			p.inbox.Close()
			_ = p.ch.Close()
			p.tombstones.Close()
		}
		return
	}
	p.live = false
	pending := p.pending
	p.pending = make(map[uint64]*pendingCall)
	p.mu.Unlock()

	p.registry.TearDown()
	p.inbox.Close()
	if err := p.ch.Close(); err != nil {
		p.logger.Debug("closing channel", "error", err)
	}
	p.tombstones.Close()
	p.rt.Directory().Remove(p.id)
	p.rt.Metrics().EndpointDown(string(RoleProxy))
	p.rt.record(journal.Entry{Endpoint: p.cfg.Name, Type: journal.EventEndpointDown, Detail: string(failure.Kind())})

	ids := make([]uint64, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		pending[id].cb(failure)
	}
	p.logger.Info("proxy shut down", "resolved", len(ids), "reason", failure.Kind())
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		return data, nil
	}
}
