package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/catatsuy/kiri/internal/metrics"
	"github.com/catatsuy/kiri/internal/restart"
	"github.com/catatsuy/kiri/internal/server"
)

var Version string

func version() string {
	if Version != "" {
		return Version
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}

	return info.Main.Version
}

type CLI struct {
	stdout     io.Writer
	stderr     io.Writer
	stdin      io.Reader
	isTerminal bool

	// overridable for tests
	baseCtx context.Context
	signals chan os.Signal
}

func NewCLI(stdout, stderr io.Writer, stdin io.Reader, isTerminal bool) *CLI {
	return &CLI{
		stdout:     stdout,
		stderr:     stderr,
		stdin:      stdin,
		isTerminal: isTerminal,
	}
}

func (c *CLI) Run(args []string) int {
	opts, err := parseFlags(args[1:])
	if err != nil {
		fmt.Fprintf(c.stderr, "failed to parse flags: %v\n", err)
		return 2
	}
	if opts.showVersion {
		fmt.Fprintf(c.stdout, "kiri version %s; %s\n", version(), runtime.Version())
		return 0
	}

	logger := c.newLogger(opts.verbose)

	factory := func(addr string) (restart.Instance, error) {
		srv, err := server.NewServer(server.Config{
			ListenAddr:    addr,
			Cores:         opts.cores,
			SlicesPerCore: opts.slicesPerCore,
			MaxBytes:      opts.maxBytes,
			TargetBytes:   opts.targetBytes,
			MaxItemSize:   opts.maxItemSize,
			MaxEvictPerOp: opts.maxEvictPerOp,
			SweepInterval: opts.sweepInterval,
			ForwardQueue:  opts.forwardQueue,
			Version:       version(),
			Verbose:       opts.verbose,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return srv, nil
	}

	base := c.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, stop := signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := restart.NewCoordinator(opts.listenAddr, factory, logger)
	if err := coord.Start(ctx); err != nil {
		fmt.Fprintf(c.stderr, "server failed: %v\n", err)
		return 1
	}

	if opts.metricsAddr != "" {
		shutdown, err := serveMetrics(opts.metricsAddr, logger)
		if err != nil {
			_ = coord.Kill()
			fmt.Fprintf(c.stderr, "metrics listener failed: %v\n", err)
			return 1
		}
		defer shutdown()
	}

	hup := c.signals
	if hup == nil {
		hup = make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
	}

	for {
		select {
		case <-ctx.Done():
			return c.shutdown(coord, logger)
		case <-hup:
			logger.Info("restart requested")
			if err := coord.Restart(ctx); err != nil {
				fmt.Fprintf(c.stderr, "restart failed: %v\n", err)
				return 1
			}
		case <-coord.Done():
			if ctx.Err() != nil {
				return c.shutdown(coord, logger)
			}
			err := coord.Err()
			if err == nil {
				err = errors.New("server stopped unexpectedly")
			}
			fmt.Fprintf(c.stderr, "server failed: %v\n", err)
			return 1
		}
	}
}

func (c *CLI) shutdown(coord *restart.Coordinator, logger *slog.Logger) int {
	if err := coord.Kill(); err != nil && !errors.Is(err, restart.ErrNotRunning) {
		fmt.Fprintf(c.stderr, "server failed: %v\n", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// newLogger writes text for people and JSON for collectors.
func (c *CLI) newLogger(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if c.isTerminal {
		return slog.New(slog.NewTextHandler(c.stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(c.stderr, opts))
}

func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}, nil
}
