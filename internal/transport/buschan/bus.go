// ABOUTME: Relay channels over a Watermill publisher/subscriber pair
// ABOUTME: In-memory GoChannel for one process, Redis Streams across processes

// Package buschan carries relay channels over a message bus.
//
// Each session uses two topics, <session>.to-host and <session>.to-proxy.
// A proxy subscribes to its topic and announces the session on the sessions
// topic; the serving side subscribes to the host topic, binds a Host and
// answers with an accepted marker. Nothing is published to a session topic
// before its reader has subscribed. Closing an end publishes a close marker
// so the other end observes peer-closed after every message sent before it.
package buschan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-relay/internal/channel"
)

// SessionsTopic carries session announcements.
const SessionsTopic = "coven.relay.sessions"

// Metadata keys.
const (
	metaClosed   = "relay_closed"
	metaAccepted = "relay_accepted"
	metaError    = "relay_error"
	metaService  = "relay_service"
	metaSession  = "relay_session"
)

// Side selects which end of a session a channel is.
type Side string

const (
	SideProxy Side = "proxy"
	SideHost  Side = "host"
)

func (s Side) inbound(session string) string {
	if s == SideProxy {
		return session + ".to-proxy"
	}
	return session + ".to-host"
}

func (s Side) outbound(session string) string {
	if s == SideProxy {
		return session + ".to-host"
	}
	return session + ".to-proxy"
}

// Bus opens relay channels over one publisher/subscriber pair.
type Bus struct {
	pub     message.Publisher
	sub     message.Subscriber
	logger  *slog.Logger
	closers []func() error

	mu     sync.Mutex
	closed bool
}

// New wraps an existing publisher and subscriber. Publish must preserve
// per-topic order; both stay owned by the caller.
func New(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{pub: pub, sub: sub, logger: logger.With("component", "buschan")}
}

// NewMemory returns a bus backed by an in-process GoChannel. Publish waits
// for the subscriber's ack, which keeps each topic in order.
func NewMemory(logger *slog.Logger) *Bus {
	b := New(nil, nil, logger)
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewSlogLogger(b.logger))
	b.pub, b.sub = gc, gc
	b.closers = append(b.closers, gc.Close)
	return b
}

// RedisConfig configures NewRedis.
type RedisConfig struct {
	Client redis.UniversalClient
	// Group is the consumer group; processes serving the same role share it.
	Group string
	// Consumer names this process inside Group.
	Consumer string
}

// NewRedis returns a bus backed by Redis Streams.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*Bus, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Group == "" {
		return nil, errors.New("consumer group is required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = watermill.NewShortUUID()
	}

	b := New(nil, nil, logger)
	wlog := watermill.NewSlogLogger(b.logger)
	marshaller := redisstream.DefaultMarshallerUnmarshaller{}

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     cfg.Client,
		Marshaller: marshaller,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("redis publisher: %w", err)
	}
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        cfg.Client,
		Unmarshaller:  marshaller,
		ConsumerGroup: cfg.Group,
		Consumer:      cfg.Consumer,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("redis subscriber: %w", err)
	}

	b.pub, b.sub = pub, sub
	b.closers = append(b.closers, sub.Close, pub.Close)
	return b, nil
}

// Open returns side's end of session. It subscribes before returning so
// nothing the peer sends afterwards is missed.
func (b *Bus) Open(ctx context.Context, session string, side Side) (channel.Channel, error) {
	if session == "" {
		return nil, errors.New("session is required")
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, channel.ErrClosed
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := b.sub.Subscribe(subCtx, side.inbound(session))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribing %s: %w", side.inbound(session), err)
	}

	name := string(side) + ":" + session
	end := &busChannel{
		pub:    b.pub,
		topic:  side.outbound(session),
		disp:   channel.NewDispatcher(name, b.logger),
		logger: b.logger.With("channel", name),
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	go end.recvLoop(msgs)
	return end, nil
}

// Dial opens a new session to service, announces it and waits until a
// server has bound a host to it.
func (b *Bus) Dial(ctx context.Context, service string) (channel.Channel, error) {
	session := watermill.NewUUID()
	opened, err := b.Open(ctx, session, SideProxy)
	if err != nil {
		return nil, err
	}
	ch := opened.(*busChannel)

	msg := message.NewMessage(watermill.NewUUID(), nil)
	msg.Metadata.Set(metaService, service)
	msg.Metadata.Set(metaSession, session)
	msg.SetContext(ctx)
	if err := b.pub.Publish(SessionsTopic, msg); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("announcing session: %w", err)
	}

	select {
	case <-ch.ready:
		if ch.readyErr != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("connecting to %q: %w", service, ch.readyErr)
		}
	case <-ctx.Done():
		_ = ch.Close()
		return nil, ctx.Err()
	}
	b.logger.Debug("session established", "service", service, "session", session)
	return ch, nil
}

// Serve accepts announced sessions until ctx is done.
func (b *Bus) Serve(ctx context.Context, accept channel.Acceptor) error {
	announcements, err := b.sub.Subscribe(ctx, SessionsTopic)
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", SessionsTopic, err)
	}
	b.logger.Info("serving bus sessions", "topic", SessionsTopic)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-announcements:
			if !ok {
				return nil
			}
			b.acceptOne(ctx, msg, accept)
			msg.Ack()
		}
	}
}

func (b *Bus) acceptOne(ctx context.Context, msg *message.Message, accept channel.Acceptor) {
	service := msg.Metadata.Get(metaService)
	session := msg.Metadata.Get(metaSession)
	if service == "" || session == "" {
		b.logger.Warn("ignoring malformed announcement", "uuid", msg.UUID)
		return
	}

	opened, err := b.Open(ctx, session, SideHost)
	if err != nil {
		b.logger.Error("opening host end", "session", session, "error", err)
		return
	}
	ch := opened.(*busChannel)
	if err := accept(ctx, service, ch); err != nil {
		b.logger.Warn("session rejected", "service", service, "session", session, "error", err)
		ch.closeWith(err)
		return
	}
	ch.markAccepted()
	b.logger.Debug("session accepted", "service", service, "session", session)
}

// Close releases the publisher and subscriber this bus created.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
