// ABOUTME: gRPC service exposing relay hosts; one Connect stream per proxy
// ABOUTME: The service descriptor is hand-written since frames are plain BytesValue messages

package grpcchan

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/channel"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "coven.relay.v1.Channel"
	// ServiceHeader names the relay service a stream wants to reach.
	ServiceHeader = "x-relay-service"
	// acceptedHeader is sent once a host is bound to the stream.
	acceptedHeader = "x-relay-accepted"

	connectMethod = "/" + ServiceName + "/Connect"
)

// ChannelServer is the server side of coven.relay.v1.Channel.
type ChannelServer interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChannelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "coven/relay/v1/channel.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ChannelServer).Connect(stream)
}

// Server hands each incoming stream to an Acceptor.
type Server struct {
	accept channel.Acceptor
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(accept channel.Acceptor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{accept: accept, logger: logger.With("component", "grpcchan")}
}

// Register adds the channel service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

// Connect serves one proxy stream until either side closes it.
func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	service := serviceFromContext(ctx)
	if service == "" {
		return status.Error(codes.InvalidArgument, "missing "+ServiceHeader+" header")
	}
	if claims := auth.FromContext(ctx); claims != nil && !claims.Allows(service) {
		s.logger.Warn("stream denied", "service", service, "subject", claims.Subject)
		return status.Errorf(codes.PermissionDenied, "token does not grant %q", service)
	}

	ch := newStreamChannel("grpc-host:"+service, stream, s.logger, nil, nil)
	if err := s.accept(ctx, service, ch); err != nil {
		ch.Close()
		if errors.Is(err, channel.ErrUnknownService) {
			return status.Errorf(codes.NotFound, "no relay service %q", service)
		}
		s.logger.Error("accepting stream", "service", service, "error", err)
		return status.Error(codes.Internal, "accepting stream failed")
	}
	if err := stream.SendHeader(metadata.Pairs(acceptedHeader, service)); err != nil {
		ch.Close()
		return err
	}

	s.logger.Debug("stream connected", "service", service)
	go ch.recvLoop()

	select {
	case <-ch.done:
	case <-ch.recvDone:
		ch.markClosed()
	case <-ctx.Done():
		ch.markClosed()
	}
	s.logger.Debug("stream finished", "service", service)
	return nil
}

func serviceFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(ServiceHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}
