// ABOUTME: Client side of the gRPC channel transport
// ABOUTME: Dial opens a Connect stream and waits for the server to bind a host

package grpcchan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/coven-relay/internal/channel"
)

// closeGrace bounds how long a closed client stream waits for the server to
// finish before the stream context is cancelled.
const closeGrace = 5 * time.Second

// Dial opens a channel to service over conn. ctx bounds only the handshake;
// the returned channel lives until Close or until the server goes away.
func Dial(ctx context.Context, conn grpc.ClientConnInterface, service string, logger *slog.Logger) (channel.Channel, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, ServiceHeader, service)

	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	accepted := make(chan error, 1)
	go func() {
		md, err := stream.Header()
		if err == nil && len(md.Get(acceptedHeader)) == 0 {
			// Trailers-only response: the real status comes from RecvMsg.
			err = stream.RecvMsg(new(wrapperspb.BytesValue))
			if err == nil {
				err = fmt.Errorf("server did not accept %q", service)
			}
		}
		accepted <- err
	}()

	select {
	case err := <-accepted:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connecting to %q: %w", service, err)
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	ch := newStreamChannel("grpc-proxy:"+service, stream, logger, func() {
		if err := stream.CloseSend(); err != nil {
			cancel()
			return
		}
		time.AfterFunc(closeGrace, cancel)
	}, cancel)
	go func() {
		ch.recvLoop()
		cancel()
	}()
	return ch, nil
}
