// ABOUTME: Process context object shared by every relay endpoint
// ABOUTME: Built once at startup and torn down explicitly, replacing package-level singletons

package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/journal"
	"github.com/2389/coven-relay/internal/metrics"
)

// Options configures a Runtime. Zero values are usable.
type Options struct {
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Journal      journal.Journal
	TombstoneTTL time.Duration
}

// Runtime carries the collaborators endpoints share.
type Runtime struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	journal      journal.Journal
	directory    *Directory
	tombstoneTTL time.Duration

	mu     sync.Mutex
	closed bool
}

// NewRuntime builds a Runtime. A nil journal discards entries and nil
// metrics record nothing.
func NewRuntime(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	j := opts.Journal
	if j == nil {
		j = journal.Discard{}
	}
	return &Runtime{
		logger:       logger,
		metrics:      opts.Metrics,
		journal:      j,
		directory:    NewDirectory(logger),
		tombstoneTTL: opts.TombstoneTTL,
	}
}

func (rt *Runtime) Logger() *slog.Logger      { return rt.logger }
func (rt *Runtime) Metrics() *metrics.Metrics { return rt.metrics }
func (rt *Runtime) Journal() journal.Journal  { return rt.journal }
func (rt *Runtime) Directory() *Directory     { return rt.directory }

// Closed reports whether Shutdown has run.
func (rt *Runtime) Closed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

// Shutdown tears down every registered endpoint, proxies first, then closes
// the journal. It is safe to call more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	endpoints := rt.directory.List()
	for _, role := range []Role{RoleProxy, RoleHost} {
		for _, e := range endpoints {
			if err := ctx.Err(); err != nil {
				return err
			}
			if e.Role() == role {
				e.Shutdown()
			}
		}
	}

	if err := rt.journal.Close(); err != nil {
		rt.logger.Warn("closing journal", "error", err)
		return err
	}
	return nil
}

// record writes e to the journal, logging instead of failing.
func (rt *Runtime) record(e journal.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.journal.Record(ctx, &e); err != nil {
		rt.logger.Warn("journal write failed",
			"endpoint", e.Endpoint,
			"type", e.Type,
			"error", err,
		)
	}
}
