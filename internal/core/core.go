package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/catatsuy/kiri/internal/cache"
	"github.com/catatsuy/kiri/internal/metrics"
)

var (
	ErrBusy    = errors.New("forwarding queue full")
	ErrStopped = errors.New("core stopped")
)

type task struct {
	fn   func()
	done chan struct{}
}

// Core owns a fixed set of slices. Other cores reach those slices only
// through its bounded inbox.
type Core struct {
	id     int
	slices []*cache.Slice

	inbox   chan *task
	stopped chan struct{}

	sweepInterval time.Duration
	sweepBatch    int
	logger        *slog.Logger
}

func newCore(id, slices int, cfg Config, logger *slog.Logger) *Core {
	c := &Core{
		id:            id,
		slices:        make([]*cache.Slice, slices),
		inbox:         make(chan *task, cfg.ForwardQueue),
		stopped:       make(chan struct{}),
		sweepInterval: cfg.SweepInterval,
		sweepBatch:    cfg.SweepBatch,
		logger:        logger.With("core", id),
	}
	for i := range c.slices {
		c.slices[i] = cache.NewSlice(cfg.Slice)
	}
	return c
}

func (c *Core) ID() int { return c.id }

// Run executes forwarded work and the periodic sweep until ctx is done.
// Work already queued when ctx ends still runs before Run returns.
func (c *Core) Run(ctx context.Context) error {
	defer close(c.stopped)

	var tick <-chan time.Time
	if c.sweepInterval > 0 {
		t := time.NewTicker(c.sweepInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return nil
		case t := <-c.inbox:
			c.execute(t)
		case <-tick:
			c.sweep()
		}
	}
}

func (c *Core) drain() {
	for {
		select {
		case t := <-c.inbox:
			c.execute(t)
		default:
			return
		}
	}
}

func (c *Core) execute(t *task) {
	t.fn()
	close(t.done)
}

func (c *Core) sweep() {
	total := 0
	for _, s := range c.slices {
		total += s.Sweep(c.sweepBatch)
	}
	if total > 0 {
		metrics.Swept.Add(float64(total))
		c.logger.Debug("swept expired items", "count", total)
	}
}

// submit hands fn to the core's own goroutine and waits for it to finish.
// When block is false a full inbox fails fast with ErrBusy. Once queued,
// fn runs even if the caller stops waiting.
func (c *Core) submit(ctx context.Context, fn func(), block bool) error {
	select {
	case <-c.stopped:
		metrics.Forwarded.WithLabelValues("stopped").Inc()
		return ErrStopped
	default:
	}

	t := &task{fn: fn, done: make(chan struct{})}
	if block {
		select {
		case c.inbox <- t:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped:
			metrics.Forwarded.WithLabelValues("stopped").Inc()
			return ErrStopped
		}
	} else {
		select {
		case c.inbox <- t:
		default:
			metrics.Forwarded.WithLabelValues("busy").Inc()
			return ErrBusy
		}
	}

	select {
	case <-t.done:
		metrics.Forwarded.WithLabelValues("ok").Inc()
		return nil
	case <-ctx.Done():
		metrics.Forwarded.WithLabelValues("canceled").Inc()
		return ctx.Err()
	case <-c.stopped:
		// drain may have completed fn just before stopping
		select {
		case <-t.done:
			metrics.Forwarded.WithLabelValues("ok").Inc()
			return nil
		default:
		}
		metrics.Forwarded.WithLabelValues("stopped").Inc()
		return ErrStopped
	}
}
