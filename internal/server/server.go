package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/catatsuy/kiri/internal/cache"
	"github.com/catatsuy/kiri/internal/core"
	"github.com/catatsuy/kiri/internal/metrics"
)

const DefaultMaxItemSize = 1 << 20

var ErrInvalidConfig = errors.New("invalid server config")

var now = time.Now

type Config struct {
	ListenAddr    string
	Cores         int
	SlicesPerCore int

	// MaxBytes bounds the whole cache and is split evenly across slices.
	// 0 means unbounded.
	MaxBytes      int64
	TargetBytes   int64
	MaxItemSize   int64
	MaxEvictPerOp int

	SweepInterval time.Duration
	ForwardQueue  int

	Version string
	Verbose bool
	Logger  *slog.Logger
}

type Server struct {
	cfg    Config
	engine *core.Engine

	mu        sync.RWMutex
	listener  net.Listener
	conns     map[net.Conn]struct{}
	readyCh   chan struct{}
	readyOnce sync.Once
	closed    bool

	connWG     sync.WaitGroup
	started    time.Time
	currConns  atomic.Int64
	totalConns atomic.Int64

	logger *slog.Logger
}

// NewServer validates cfg and builds the slice grid. Nothing is bound
// until Serve.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxItemSize <= 0 {
		cfg.MaxItemSize = DefaultMaxItemSize
	}
	if cfg.MaxBytes < 0 || cfg.TargetBytes < 0 {
		return nil, fmt.Errorf("%w: negative byte limit", ErrInvalidConfig)
	}

	total := int64(cfg.Cores) * int64(cfg.SlicesPerCore)
	sliceCfg := cache.Config{
		EntryOverhead: cache.DefaultEntryOverhead,
		MaxEvictPerOp: cfg.MaxEvictPerOp,
	}
	if cfg.MaxBytes > 0 && total > 0 {
		sliceCfg.MaxBytes = cfg.MaxBytes / total
		sliceCfg.TargetBytes = cfg.TargetBytes / total
		if sliceCfg.MaxBytes < cfg.MaxItemSize {
			return nil, fmt.Errorf("%w: max bytes %s leaves %s per slice, below the item size limit %s",
				ErrInvalidConfig, humanize.IBytes(uint64(cfg.MaxBytes)),
				humanize.IBytes(uint64(sliceCfg.MaxBytes)), humanize.IBytes(uint64(cfg.MaxItemSize)))
		}
	}

	engine, err := core.New(core.Config{
		Cores:         cfg.Cores,
		SlicesPerCore: cfg.SlicesPerCore,
		Slice:         sliceCfg,
		ForwardQueue:  cfg.ForwardQueue,
		SweepInterval: cfg.SweepInterval,
		SweepBatch:    core.DefaultSweepBatch,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return &Server{
		cfg:     cfg,
		engine:  engine,
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan struct{}),
		started: now(),
		logger:  logger,
	}, nil
}

func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve binds, runs the cores and accepts connections until ctx is done or
// Close is called. It returns only after every connection and core
// goroutine has exited.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })

	collector := metrics.NewSliceCollector(s.engine.Stats)
	if err := metrics.Registry.Register(collector); err != nil {
		s.logf("slice metrics not registered: %v", err)
	} else {
		defer metrics.Registry.Unregister(collector)
	}

	s.logger.Info("listening",
		"addr", ln.Addr().String(),
		"cores", s.cfg.Cores,
		"slices_per_core", s.cfg.SlicesPerCore,
		"max_bytes", humanize.IBytes(uint64(s.cfg.MaxBytes)),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Close()
	})
	g.Go(func() error {
		// a direct Close ends the loop; take the cores down with it
		defer cancel()
		return s.acceptLoop(gctx, ln)
	})

	err = g.Wait()
	s.connWG.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.logf("temporary accept error: %v; retrying in %v", err, backoff)
				time.Sleep(backoff)
				continue
			}
			s.logger.Error("accept failed", "err", err)
			return err
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		coreID := s.engine.Assign()
		go func() {
			defer s.untrack(conn)
			s.handleConn(ctx, conn, coreID)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connWG.Add(1)
	s.currConns.Add(1)
	s.totalConns.Add(1)
	metrics.CurrConnections.Inc()
	metrics.TotalConnections.Inc()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.currConns.Add(-1)
	metrics.CurrConnections.Dec()
	s.connWG.Done()
}

// Close stops accepting and hard-closes every open connection. In-flight
// commands observe a reset rather than a partial reply.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for conn := range s.conns {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
		_ = conn.Close()
	}
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) version() string {
	if s.cfg.Version == "" {
		return "devel"
	}
	return s.cfg.Version
}

func (s *Server) logf(format string, args ...any) {
	if !s.cfg.Verbose {
		return
	}
	s.logger.Info(fmt.Sprintf(format, args...))
}
