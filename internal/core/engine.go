// Package core runs the grid of cores. Each core owns a disjoint set of
// slices; a request for a slice owned elsewhere is relayed to the owner
// over its bounded inbox instead of touching the slice directly.
package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/catatsuy/kiri/internal/cache"
	"github.com/catatsuy/kiri/internal/metrics"
	"github.com/catatsuy/kiri/internal/router"
)

const (
	DefaultForwardQueue  = 1024
	DefaultSweepInterval = time.Second
	DefaultSweepBatch    = 1024
)

type Config struct {
	Cores         int
	SlicesPerCore int

	// Slice is applied to every slice; its byte bounds are per slice.
	Slice cache.Config

	ForwardQueue  int
	SweepInterval time.Duration
	SweepBatch    int

	Logger *slog.Logger
}

type Engine struct {
	router *router.Router
	cores  []*Core
	next   atomic.Uint64
}

func New(cfg Config) (*Engine, error) {
	r, err := router.New(cfg.Cores, cfg.SlicesPerCore)
	if err != nil {
		return nil, err
	}
	if cfg.ForwardQueue <= 0 {
		cfg.ForwardQueue = DefaultForwardQueue
	}
	if cfg.SweepBatch < 0 {
		cfg.SweepBatch = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Engine{
		router: r,
		cores:  make([]*Core, cfg.Cores),
	}
	for i := range e.cores {
		e.cores[i] = newCore(i, cfg.SlicesPerCore, cfg, logger)
	}
	return e, nil
}

func (e *Engine) Cores() int { return len(e.cores) }

func (e *Engine) Route(key string) router.Location { return e.router.Route(key) }

// Run drives every core until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range e.cores {
		g.Go(func() error {
			return c.Run(ctx)
		})
	}
	return g.Wait()
}

// Assign picks the core that will serve a new connection.
func (e *Engine) Assign() int {
	return int((e.next.Add(1) - 1) % uint64(len(e.cores)))
}

// Exec runs fn against the slice owning key. from is the core serving the
// caller: local slices are used directly, anything else is forwarded and
// fails with ErrBusy when the owner's inbox is full.
func (e *Engine) Exec(ctx context.Context, from int, key string, fn func(*cache.Slice)) error {
	loc := e.router.Route(key)
	owner := e.cores[loc.Core]
	s := owner.slices[loc.Slice]
	if loc.Core == from {
		fn(s)
		return nil
	}
	return owner.submit(ctx, func() { fn(s) }, false)
}

// FlushAll invalidates every slice at the absolute time at (Unix
// nanoseconds). Remote cores flush their own slices.
func (e *Engine) FlushAll(ctx context.Context, from int, at int64) error {
	for _, c := range e.cores {
		flush := func() {
			for _, s := range c.slices {
				s.FlushAll(at)
			}
		}
		if c.id == from {
			flush()
			continue
		}
		if err := c.submit(ctx, flush, true); err != nil {
			return fmt.Errorf("flush core %d: %w", c.id, err)
		}
	}
	return nil
}

// Stats reads every slice's counters. Slice locks are taken one at a time.
func (e *Engine) Stats() []metrics.SliceStat {
	out := make([]metrics.SliceStat, 0, len(e.cores)*e.router.SlicesPerCore())
	for _, c := range e.cores {
		for i, s := range c.slices {
			st := s.Stats()
			out = append(out, metrics.SliceStat{
				Core:      c.id,
				Slice:     i,
				Items:     st.Items,
				Bytes:     st.Bytes,
				Evictions: st.Evictions,
				Reclaimed: st.Reclaimed,
			})
		}
	}
	return out
}
