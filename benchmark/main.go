package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/catatsuy/kiri/internal/server"
)

type loadConfig struct {
	addr     string
	cores    int
	slices   int
	clients  int
	keys     int
	duration time.Duration
}

type loadResult struct {
	ops     int64
	errors  int64
	casWon  int64
	casLost int64
}

func main() {
	cfg := loadConfig{}
	flag.StringVar(&cfg.addr, "listen", "127.0.0.1:0", "address for the embedded server")
	flag.IntVar(&cfg.cores, "cores", 4, "server cores")
	flag.IntVar(&cfg.slices, "slices", 4, "slices per core")
	flag.IntVar(&cfg.clients, "clients", 16, "concurrent clients")
	flag.IntVar(&cfg.keys, "keys", 1000, "key space size")
	flag.DurationVar(&cfg.duration, "duration", 5*time.Second, "load duration")
	flag.Parse()

	res, err := runLoad(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("ops=%d ops/s=%.0f errors=%d cas_won=%d cas_lost=%d\n",
		res.ops, float64(res.ops)/cfg.duration.Seconds(), res.errors, res.casWon, res.casLost)
}

func startServer(cfg loadConfig) (string, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())

	srv, err := server.NewServer(server.Config{
		ListenAddr:    cfg.addr,
		Cores:         cfg.cores,
		SlicesPerCore: cfg.slices,
	})
	if err != nil {
		cancel()
		return "", nil, err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		if err != nil {
			return "", nil, fmt.Errorf("server failed before ready: %w", err)
		}
		return "", nil, fmt.Errorf("server exited before ready")
	case <-time.After(3 * time.Second):
		cancel()
		return "", nil, fmt.Errorf("server did not become ready")
	}

	stop := func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(3 * time.Second):
			return fmt.Errorf("server shutdown timeout")
		}
	}
	return srv.Addr(), stop, nil
}

// runLoad drives a mixed get/set/incr/cas workload through gomemcache.
func runLoad(cfg loadConfig) (loadResult, error) {
	addr, stop, err := startServer(cfg)
	if err != nil {
		return loadResult{}, err
	}

	var (
		res  loadResult
		wg   sync.WaitGroup
		done = make(chan struct{})
	)
	for c := 0; c < cfg.clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(c)))
			mc := memcache.New(addr)
			for {
				select {
				case <-done:
					return
				default:
				}
				key := "key" + strconv.Itoa(rnd.Intn(cfg.keys))
				var err error
				switch rnd.Intn(4) {
				case 0:
					err = mc.Set(&memcache.Item{Key: key, Value: []byte(strconv.Itoa(c))})
				case 1:
					_, err = mc.Get(key)
				case 2:
					_, err = mc.Increment(key, 1)
				case 3:
					var it *memcache.Item
					if it, err = mc.Get(key); err == nil {
						it.Value = []byte(strconv.Itoa(c))
						switch err = mc.CompareAndSwap(it); err {
						case nil:
							atomic.AddInt64(&res.casWon, 1)
						case memcache.ErrCASConflict:
							atomic.AddInt64(&res.casLost, 1)
							err = nil
						}
					}
				}
				switch {
				case err == nil, err == memcache.ErrCacheMiss, err == memcache.ErrNotStored, isClientError(err):
				default:
					atomic.AddInt64(&res.errors, 1)
				}
				atomic.AddInt64(&res.ops, 1)
			}
		}(c)
	}

	time.Sleep(cfg.duration)
	close(done)
	wg.Wait()

	if err := stop(); err != nil {
		return res, fmt.Errorf("server stop error: %w", err)
	}
	return res, nil
}

// isClientError reports protocol-level rejections such as incr on a
// non-numeric value, which are expected under a random workload.
func isClientError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "memcache: client error: ")
}
