// Package restart owns the lifecycle of one server instance at a time so a
// process restart can be injected from outside: Kill drops every connection
// and the whole slice grid, and Restart brings up a fresh, empty instance on
// the same address.
package restart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrRunning    = errors.New("instance already running")
	ErrNotRunning = errors.New("no running instance")
)

const startTimeout = 5 * time.Second

// Instance is the part of *server.Server the coordinator drives.
type Instance interface {
	Serve(ctx context.Context) error
	Ready() <-chan struct{}
	Addr() string
}

// Factory builds a new, empty instance bound to addr.
type Factory func(addr string) (Instance, error)

type generation struct {
	inst   Instance
	cancel context.CancelFunc
	exited chan struct{}
	err    error
}

type Coordinator struct {
	factory Factory
	logger  *slog.Logger

	mu   sync.Mutex
	addr string
	cur  *generation

	gen atomic.Uint64
}

func NewCoordinator(addr string, factory Factory, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		factory: factory,
		logger:  logger,
		addr:    addr,
	}
}

// Start launches an instance and waits until it accepts connections.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return ErrRunning
	}
	return c.startLocked(ctx)
}

// Kill terminates the running instance abruptly and waits for it to
// release every connection and goroutine.
func (c *Coordinator) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killLocked()
}

// Restart kills the running instance, if any, and starts a fresh one on the
// same address.
func (c *Coordinator) Restart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil {
		if err := c.killLocked(); err != nil {
			c.logger.Warn("instance exited with error", "err", err)
		}
	}
	if err := c.startLocked(ctx); err != nil {
		return err
	}
	c.logger.Info("instance restarted", "addr", c.addr, "generation", c.gen.Load())
	return nil
}

// Addr is the bound address. A ":0" port is pinned on first start so later
// generations reuse it.
func (c *Coordinator) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Generation advances when an instance finishes starting and again when a
// kill begins, so it is odd exactly while an instance is serving.
func (c *Coordinator) Generation() uint64 {
	return c.gen.Load()
}

// Done is closed when the current instance exits for any reason. It is nil
// when nothing is running.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.exited
}

// Err reports why the current instance exited, once Done is closed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	select {
	case <-c.cur.exited:
		return c.cur.err
	default:
		return nil
	}
}

func (c *Coordinator) startLocked(ctx context.Context) error {
	inst, err := c.factory(c.addr)
	if err != nil {
		return fmt.Errorf("build instance: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g := &generation{
		inst:   inst,
		cancel: cancel,
		exited: make(chan struct{}),
	}
	go func() {
		g.err = inst.Serve(runCtx)
		close(g.exited)
	}()

	timer := time.NewTimer(startTimeout)
	defer timer.Stop()
	select {
	case <-inst.Ready():
	case <-g.exited:
		cancel()
		if g.err == nil {
			return errors.New("instance exited before ready")
		}
		return g.err
	case <-timer.C:
		cancel()
		<-g.exited
		return errors.New("instance did not become ready")
	}

	c.addr = inst.Addr()
	c.cur = g
	c.gen.Add(1)
	return nil
}

func (c *Coordinator) killLocked() error {
	if c.cur == nil {
		return ErrNotRunning
	}
	c.gen.Add(1)
	c.cur.cancel()
	<-c.cur.exited
	err := c.cur.err
	c.cur = nil
	return err
}
