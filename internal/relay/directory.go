// ABOUTME: Id-keyed registry of live relay endpoints
// ABOUTME: Tickets reach their host through it instead of holding pointers

package relay

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Role distinguishes proxies from hosts.
type Role string

const (
	RoleProxy Role = "proxy"
	RoleHost  Role = "host"
)

// Endpoint is what the Directory knows about a proxy or host.
type Endpoint interface {
	ID() string
	Name() string
	Role() Role
	Live() bool
	Shutdown()
}

// Directory maps endpoint ids to live endpoints.
type Directory struct {
	endpoints map[string]Endpoint
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewDirectory creates an empty Directory.
func NewDirectory(logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		endpoints: make(map[string]Endpoint),
		logger:    logger.With("component", "directory"),
	}
}

// Register adds e. Returns ErrDuplicateEndpoint if its id is taken.
func (d *Directory) Register(e Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.endpoints[e.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, e.ID())
	}
	d.endpoints[e.ID()] = e
	d.logger.Debug("endpoint registered",
		"id", e.ID(),
		"name", e.Name(),
		"role", e.Role(),
		"total", len(d.endpoints),
	)
	return nil
}

// Remove forgets id. Unknown ids are ignored.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, exists := d.endpoints[id]; exists {
		delete(d.endpoints, id)
		d.logger.Debug("endpoint removed",
			"id", id,
			"name", e.Name(),
			"total", len(d.endpoints),
		)
	}
}

// Lookup returns the endpoint registered under id.
func (d *Directory) Lookup(id string) (Endpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.endpoints[id]
	return e, ok
}

// Host returns the host registered under id.
func (d *Directory) Host(id string) (*Host, bool) {
	e, ok := d.Lookup(id)
	if !ok {
		return nil, false
	}
	h, ok := e.(*Host)
	return h, ok
}

// List returns every endpoint sorted by name, then id.
func (d *Directory) List() []Endpoint {
	d.mu.RLock()
	out := make([]Endpoint, 0, len(d.endpoints))
	for _, e := range d.endpoints {
		out = append(out, e)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Len returns the number of registered endpoints.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.endpoints)
}
