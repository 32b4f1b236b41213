// ABOUTME: One end of a bus session implementing channel.Channel
// ABOUTME: Messages are acked once handed to the dispatcher; a close marker ends the session

package buschan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/protocol"
)

// ErrSubscriptionLost is reported as peer-closed when the inbound topic
// ends without a close marker.
var ErrSubscriptionLost = errors.New("bus subscription ended")

type busChannel struct {
	pub    message.Publisher
	topic  string
	disp   *channel.Dispatcher
	logger *slog.Logger
	cancel context.CancelFunc

	mu       sync.Mutex // serializes Publish and guards closed
	closed   bool
	peerGone atomic.Bool

	// ready is closed when the host end accepts or rejects the session.
	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error
}

func (c *busChannel) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.peerGone.Load() {
		return channel.ErrClosed
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	return c.pub.Publish(c.topic, msg)
}

func (c *busChannel) OnMessage(h channel.Handler)          { c.disp.OnMessage(h) }
func (c *busChannel) OnPeerClosed(h channel.ClosedHandler) { c.disp.OnPeerClosed(h) }

func (c *busChannel) Close() error {
	c.closeWith(nil)
	return nil
}

// closeWith closes this end and tells the peer why.
func (c *busChannel) closeWith(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if !c.peerGone.Load() {
		meta := map[string]string{metaClosed: "true"}
		if reason != nil {
			meta[metaError] = reason.Error()
		}
		c.publishMarkerLocked(meta)
	}
	c.mu.Unlock()

	c.disp.Close()
	c.cancel()
	c.signalReady(channel.ErrClosed)
}

// markAccepted tells the proxy end its host is bound.
func (c *busChannel) markAccepted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.publishMarkerLocked(map[string]string{metaAccepted: "true"})
	}
}

func (c *busChannel) publishMarkerLocked(meta map[string]string) {
	marker := message.NewMessage(watermill.NewUUID(), nil)
	for k, v := range meta {
		marker.Metadata.Set(k, v)
	}
	if err := c.pub.Publish(c.topic, marker); err != nil {
		c.logger.Debug("publishing marker", "error", err)
	}
}

func (c *busChannel) signalReady(err error) {
	c.readyOnce.Do(func() {
		c.readyErr = err
		close(c.ready)
	})
}

func (c *busChannel) recvLoop(msgs <-chan *message.Message) {
	for msg := range msgs {
		switch {
		case msg.Metadata.Get(metaAccepted) == "true":
			c.signalReady(nil)
		case msg.Metadata.Get(metaClosed) == "true":
			reason := closeReason(msg)
			c.signalReady(reasonOrClosed(reason))
			c.peerClosed(reason)
		default:
			env, err := protocol.Unmarshal(msg.Payload)
			if err != nil {
				c.logger.Warn("discarding malformed message", "uuid", msg.UUID, "error", err)
				break
			}
			c.disp.Deliver(env)
		}
		msg.Ack()
	}

	c.mu.Lock()
	local := c.closed
	c.mu.Unlock()
	if !local {
		c.signalReady(ErrSubscriptionLost)
		c.peerClosed(ErrSubscriptionLost)
	}
}

func (c *busChannel) peerClosed(err error) {
	c.peerGone.Store(true)
	c.disp.PeerClosed(err)
}

func closeReason(msg *message.Message) error {
	if reason := msg.Metadata.Get(metaError); reason != "" {
		return errors.New(reason)
	}
	return nil
}

func reasonOrClosed(err error) error {
	if err != nil {
		return err
	}
	return channel.ErrClosed
}
