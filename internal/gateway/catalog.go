// ABOUTME: Service catalog that binds a Host to every accepted channel
// ABOUTME: Shared by the gRPC and bus transports as their Acceptor

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/relay"
)

// Catalog maps relay service names to the service instance their hosts front.
type Catalog struct {
	rt      *relay.Runtime
	hostCfg relay.HostConfig
	logger  *slog.Logger
	seq     atomic.Uint64

	mu       sync.RWMutex
	services map[string]relay.Service
}

// NewCatalog creates an empty catalog. hostCfg is the template for every
// host; its Name is replaced per host.
func NewCatalog(rt *relay.Runtime, hostCfg relay.HostConfig, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		rt:       rt,
		hostCfg:  hostCfg,
		logger:   logger.With("component", "catalog"),
		services: make(map[string]relay.Service),
	}
}

// Add registers svc under name, replacing any previous entry.
func (c *Catalog) Add(name string, svc relay.Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = svc
}

// Service returns the instance registered under name.
func (c *Catalog) Service(name string) (relay.Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[name]
	return svc, ok
}

// Names returns the registered service names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Accept is a channel.Acceptor: it binds a new Host for service to ch.
func (c *Catalog) Accept(ctx context.Context, service string, ch channel.Channel) error {
	svc, ok := c.Service(service)
	if !ok {
		return fmt.Errorf("%w: %q", channel.ErrUnknownService, service)
	}
	if c.rt.Closed() {
		return fmt.Errorf("runtime shut down")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("accepting %s: %w", service, err)
	}

	cfg := c.hostCfg
	cfg.Name = fmt.Sprintf("%s-host-%d", service, c.seq.Add(1))
	h := relay.NewHost(c.rt, ch, cfg)
	if err := h.Init(svc); err != nil {
		_ = ch.Close()
		return fmt.Errorf("initializing %s: %w", cfg.Name, err)
	}
	c.logger.Info("host bound", "service", service, "host", cfg.Name)
	return nil
}
