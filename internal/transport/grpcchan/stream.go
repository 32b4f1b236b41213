// ABOUTME: Adapts one bidirectional gRPC stream into a relay Channel
// ABOUTME: Each frame is a BytesValue carrying one JSON-encoded envelope

// Package grpcchan carries relay channels over gRPC bidirectional streams.
//
// The wire service is coven.relay.v1.Channel with a single streaming method,
// Connect. A client opens one stream per proxy and names the target service
// in the x-relay-service header; the server hands the stream to an Acceptor
// which binds a Host to it.
package grpcchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/protocol"
)

// frameStream is the part of grpc.ServerStream and grpc.ClientStream we use.
type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamChannel is a channel.Channel backed by a gRPC stream.
type streamChannel struct {
	name   string
	stream frameStream
	disp   *channel.Dispatcher
	logger *slog.Logger

	// finish releases the stream after a local close. It runs with mu held.
	finish func()
	// abort tears the stream down so a SendMsg stuck on flow control
	// returns. Send runs it when its ctx ends mid-send; nil means no abort.
	abort func()

	mu     sync.Mutex // serializes SendMsg and guards closed
	closed bool

	done     chan struct{} // closed by Close
	recvDone chan struct{} // closed when the receive loop exits
}

func newStreamChannel(name string, stream frameStream, logger *slog.Logger, finish, abort func()) *streamChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &streamChannel{
		name:     name,
		stream:   stream,
		disp:     channel.NewDispatcher(name, logger),
		logger:   logger.With("component", "grpcchan", "channel", name),
		finish:   finish,
		abort:    abort,
		done:     make(chan struct{}),
		recvDone: make(chan struct{}),
	}
}

func (s *streamChannel) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return channel.ErrClosed
	}
	if s.abort != nil {
		stop := context.AfterFunc(ctx, s.abort)
		defer stop()
	}
	if err := s.stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, io.EOF) {
			return channel.ErrClosed
		}
		return fmt.Errorf("%w: %v", channel.ErrClosed, err)
	}
	return nil
}

func (s *streamChannel) OnMessage(h channel.Handler)          { s.disp.OnMessage(h) }
func (s *streamChannel) OnPeerClosed(h channel.ClosedHandler) { s.disp.OnPeerClosed(h) }

func (s *streamChannel) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.finish != nil {
		s.finish()
	}
	s.mu.Unlock()

	s.disp.Close()
	close(s.done)
	return nil
}

// markClosed stops further sends without signalling anyone.
func (s *streamChannel) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *streamChannel) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// recvLoop feeds inbound frames to the dispatcher until the stream ends.
func (s *streamChannel) recvLoop() {
	defer close(s.recvDone)
	for {
		var frame wrapperspb.BytesValue
		if err := s.stream.RecvMsg(&frame); err != nil {
			s.disp.PeerClosed(peerError(err, s.isClosed()))
			return
		}
		env, err := protocol.Unmarshal(frame.GetValue())
		if err != nil {
			s.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		if !s.disp.Deliver(env) {
			return
		}
	}
}

// peerError maps a stream termination onto the peer-closed error: nil for an
// orderly end, the status otherwise.
func peerError(err error, localClosed bool) error {
	if errors.Is(err, io.EOF) || localClosed {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.OK {
		return nil
	}
	return err
}
