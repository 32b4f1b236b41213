// ABOUTME: Gateway orchestrator that runs the relay's gRPC, bus and HTTP servers
// ABOUTME: Owns the relay runtime, service catalog, journal and metrics lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/journal"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/services/ims"
	"github.com/2389/coven-relay/internal/services/pairing"
	"github.com/2389/coven-relay/internal/transport/buschan"
	"github.com/2389/coven-relay/internal/transport/grpcchan"
)

// shutdownTimeout bounds graceful shutdown once Run's context is cancelled.
const shutdownTimeout = 5 * time.Second

// Gateway orchestrates the relayd server components.
type Gateway struct {
	config  *config.Config
	logger  *slog.Logger
	runtime *relay.Runtime
	catalog *Catalog
	journal journal.Journal

	registry *prometheus.Registry

	grpcServer *grpc.Server
	httpServer *http.Server
	bus        *buschan.Bus
	redis      *redis.Client

	// pairing is kept for the simulation endpoint; nil when disabled.
	pairing *pairing.Service
	ims     *ims.Service

	// listeners are bound in Listen and consumed by Run.
	grpcLn net.Listener
	httpLn net.Listener
}

// initJournal opens the configured journal.
func initJournal(cfg config.JournalConfig) (journal.Journal, error) {
	if !cfg.Enabled {
		return journal.NewMemory(), nil
	}
	j, err := journal.NewSQLite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return j, nil
}

// createGRPCServer creates a gRPC server, with the stream auth interceptor
// when a jwt_secret is configured.
func createGRPCServer(cfg *config.Config, logger *slog.Logger) (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		opts = append(opts, grpc.ChainStreamInterceptor(auth.StreamInterceptor(verifier, logger)))
		logger.Info("channel auth enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	return grpc.NewServer(opts...), nil
}

// createBus creates the configured message bus.
func createBus(cfg config.BusConfig, logger *slog.Logger) (*buschan.Bus, *redis.Client, error) {
	if cfg.Backend != config.BusRedis {
		return buschan.NewMemory(logger), nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	bus, err := buschan.NewRedis(buschan.RedisConfig{
		Client:   client,
		Group:    cfg.Redis.Group,
		Consumer: cfg.Redis.Consumer,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return bus, client, nil
}

// New creates a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	j, err := initJournal(cfg.Journal)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt := relay.NewRuntime(relay.Options{
		Logger:       logger,
		Metrics:      metrics.New(registry),
		Journal:      j,
		TombstoneTTL: cfg.Relay.TombstoneTTL,
	})

	gw := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		runtime:  rt,
		journal:  j,
		registry: registry,
		catalog: NewCatalog(rt, relay.HostConfig{
			StrictTickets: cfg.Relay.StrictTickets,
			AutoStream:    cfg.Relay.AutoStream,
		}, logger),
	}

	if cfg.Services.IMS.Enabled {
		gw.ims = ims.New(ims.Options{
			Delay:   cfg.Services.IMS.Delay,
			Profile: cfg.Services.IMS.Profile,
			Logger:  logger,
		})
		gw.catalog.Add(ims.Name, gw.ims)
	}
	if cfg.Services.Pairing.Enabled {
		gw.pairing = pairing.New(logger)
		gw.catalog.Add(pairing.Name, gw.pairing)
	}

	if cfg.GRPCEnabled() {
		gw.grpcServer, err = createGRPCServer(cfg, logger)
		if err != nil {
			_ = j.Close()
			return nil, err
		}
		grpcchan.NewServer(gw.accept, logger).Register(gw.grpcServer)
	}

	if cfg.BusEnabled() {
		gw.bus, gw.redis, err = createBus(cfg.Transport.Bus, logger)
		if err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("creating bus: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.registerAPIRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// accept binds a host through the catalog, giving up after the configured
// handshake timeout.
func (g *Gateway) accept(ctx context.Context, service string, ch channel.Channel) error {
	if d := g.config.Relay.HandshakeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return g.catalog.Accept(ctx, service, ch)
}

// Catalog returns the service catalog.
func (g *Gateway) Catalog() *Catalog { return g.catalog }

// Runtime returns the relay runtime.
func (g *Gateway) Runtime() *relay.Runtime { return g.runtime }

// Bus returns the message bus, or nil when the bus transport is off.
func (g *Gateway) Bus() *buschan.Bus { return g.bus }

// Listen binds the gRPC and HTTP listeners. Run calls it when needed.
func (g *Gateway) Listen() error {
	if g.grpcServer != nil && g.grpcLn == nil {
		ln, err := net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
		g.grpcLn = ln
	}
	if g.httpServer.Addr != "" && g.httpLn == nil {
		ln, err := net.Listen("tcp", g.httpServer.Addr)
		if err != nil {
			if g.grpcLn != nil {
				_ = g.grpcLn.Close()
				g.grpcLn = nil
			}
			return fmt.Errorf("listening on HTTP address: %w", err)
		}
		g.httpLn = ln
	}
	return nil
}

// GRPCAddr returns the bound gRPC address, or "" before Listen.
func (g *Gateway) GRPCAddr() string {
	if g.grpcLn == nil {
		return ""
	}
	return g.grpcLn.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" before Listen.
func (g *Gateway) HTTPAddr() string {
	if g.httpLn == nil {
		return ""
	}
	return g.httpLn.Addr().String()
}

// Run starts every configured server and blocks until ctx is cancelled or
// one of them fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Listen(); err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if g.grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC server listening", "addr", g.grpcLn.Addr().String())
			if err := g.grpcServer.Serve(g.grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	if g.httpLn != nil {
		eg.Go(func() error {
			g.logger.Info("HTTP server listening", "addr", g.httpLn.Addr().String())
			if err := g.httpServer.Serve(g.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
	}

	if g.bus != nil {
		eg.Go(func() error {
			if err := g.bus.Serve(egCtx, g.accept); err != nil {
				return fmt.Errorf("bus: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown tears endpoints down first so hosts orphan their tickets and
// proxies see peer-closed, then stops the servers and closes the journal.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "runtime shutdown", g.runtime.Shutdown(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.bus != nil {
		errs = appendCloseError(errs, "bus close", g.bus.Close())
	}
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	if g.ims != nil {
		g.ims.Wait()
	}

	return errors.Join(errs...)
}
