// ABOUTME: Connection flags and channel setup for relayctl
// ABOUTME: Dials a relay service over gRPC or the Redis-backed message bus

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/transport/buschan"
	"github.com/2389/coven-relay/internal/transport/grpcchan"
)

const (
	transportGRPC = "grpc"
	transportBus  = "bus"
)

// connOptions holds the flags shared by every subcommand.
type connOptions struct {
	transport string
	addr      string
	redisAddr string
	token     string
	timeout   time.Duration
	verbose   bool
}

func builtinOptions() connOptions {
	return connOptions{
		transport: transportGRPC,
		addr:      "localhost:50061",
		redisAddr: "localhost:6379",
		token:     os.Getenv("COVEN_RELAY_TOKEN"),
		timeout:   30 * time.Second,
	}
}

// defaultOptions layers the local relay config, when there is one, over the
// built-in defaults.
func defaultOptions() connOptions {
	o := builtinOptions()
	path, err := config.ResolvePath()
	if err != nil {
		return o
	}
	cfg, err := config.Load(path)
	if err != nil {
		return o
	}
	o.addr = cfg.Server.GRPCAddr
	if cfg.Transport.Bus.Backend == config.BusRedis {
		o.redisAddr = cfg.Transport.Bus.Redis.Addr
	}
	if cfg.Relay.CallTimeout > 0 {
		o.timeout = cfg.Relay.CallTimeout
	}
	return o
}

// register binds the flags to o, using its current values as defaults.
func (o *connOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.transport, "transport", o.transport, "transport to use: grpc or bus")
	fs.StringVar(&o.addr, "addr", o.addr, "relayd gRPC address")
	fs.StringVar(&o.redisAddr, "redis", o.redisAddr, "Redis address for the bus transport")
	fs.StringVar(&o.token, "token", o.token, "channel token (default $COVEN_RELAY_TOKEN)")
	fs.DurationVar(&o.timeout, "timeout", o.timeout, "how long to wait for the host")
	fs.BoolVar(&o.verbose, "v", false, "log relay internals to stderr")
}

func (o *connOptions) validate() error {
	switch o.transport {
	case transportGRPC, transportBus:
	default:
		return fmt.Errorf("unknown transport %q (want grpc or bus)", o.transport)
	}
	if o.timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", o.timeout)
	}
	return nil
}

func (o *connOptions) logger() *slog.Logger {
	if !o.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// connection is an open channel plus whatever must be released after it.
type connection struct {
	ch      channel.Channel
	release func()
}

func (c *connection) Close() {
	_ = c.ch.Close()
	c.release()
}

// connect opens a channel to service on the configured transport.
func connect(ctx context.Context, opts *connOptions, service string, logger *slog.Logger) (*connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	switch opts.transport {
	case transportBus:
		return connectBus(dialCtx, opts, service, logger)
	default:
		return connectGRPC(dialCtx, opts, service, logger)
	}
}

func connectGRPC(ctx context.Context, opts *connOptions, service string, logger *slog.Logger) (*connection, error) {
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if opts.token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(auth.BearerToken{Token: opts.token}))
	}
	conn, err := grpc.NewClient(opts.addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	ch, err := grpcchan.Dial(ctx, conn, service, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &connection{ch: ch, release: func() { _ = conn.Close() }}, nil
}

func connectBus(ctx context.Context, opts *connOptions, service string, logger *slog.Logger) (*connection, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.redisAddr, err)
	}
	bus, err := buschan.NewRedis(buschan.RedisConfig{
		Client:   client,
		Group:    "relayctl-" + uuid.NewString(),
		Consumer: "relayctl",
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	ch, err := bus.Dial(ctx, service)
	if err != nil {
		_ = bus.Close()
		_ = client.Close()
		return nil, err
	}
	return &connection{ch: ch, release: func() {
		_ = bus.Close()
		_ = client.Close()
	}}, nil
}
