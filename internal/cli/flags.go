package cli

import (
	"flag"
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/catatsuy/kiri/internal/core"
	"github.com/catatsuy/kiri/internal/server"
)

type options struct {
	listenAddr    string
	cores         int
	slicesPerCore int
	maxBytes      int64
	targetBytes   int64
	maxItemSize   int64
	maxEvictPerOp int
	sweepInterval time.Duration
	forwardQueue  int
	metricsAddr   string
	verbose       bool
	showVersion   bool
}

// byteSize is a flag.Value accepting humanized sizes such as 64MiB.
type byteSize struct{ n *int64 }

func (b byteSize) String() string {
	if b.n == nil || *b.n == 0 {
		return "0"
	}
	return humanize.IBytes(uint64(*b.n))
}

func (b byteSize) Set(s string) error {
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return err
	}
	*b.n = int64(v)
	return nil
}

func parseFlags(args []string) (options, error) {
	opt := options{
		maxBytes:    0,
		maxItemSize: server.DefaultMaxItemSize,
	}
	fs := flag.NewFlagSet("kiri", flag.ContinueOnError)
	fs.StringVar(&opt.listenAddr, "listen", "127.0.0.1:11211", "TCP address to listen on")
	fs.IntVar(&opt.cores, "cores", runtime.GOMAXPROCS(0), "number of cores (slice owners)")
	fs.IntVar(&opt.slicesPerCore, "slices", 4, "number of slices per core")
	fs.Var(byteSize{&opt.maxBytes}, "max-bytes", "total memory bound, e.g. 256MiB; 0 disables eviction")
	fs.Var(byteSize{&opt.targetBytes}, "target-bytes", "eviction target; defaults to 95% of max-bytes")
	fs.Var(byteSize{&opt.maxItemSize}, "max-item-size", "largest value accepted")
	fs.IntVar(&opt.maxEvictPerOp, "evict-max", 64, "max evictions per operation")
	fs.DurationVar(&opt.sweepInterval, "sweep-interval", core.DefaultSweepInterval, "period of the expired item sweep; 0 disables it")
	fs.IntVar(&opt.forwardQueue, "forward-queue", core.DefaultForwardQueue, "capacity of each core's forwarding queue")
	fs.StringVar(&opt.metricsAddr, "metrics-listen", "", "address for the Prometheus endpoint; empty disables it")
	fs.BoolVar(&opt.verbose, "verbose", false, "verbose logging")
	fs.BoolVar(&opt.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opt.cores <= 0 || opt.slicesPerCore <= 0 {
		return options{}, fmt.Errorf("cores and slices must be positive: cores=%d slices=%d", opt.cores, opt.slicesPerCore)
	}
	if opt.forwardQueue <= 0 {
		return options{}, fmt.Errorf("forward-queue must be positive: %d", opt.forwardQueue)
	}

	if opt.maxBytes > 0 && opt.targetBytes <= 0 {
		opt.targetBytes = opt.maxBytes * 95 / 100
	}

	return opt, nil
}
