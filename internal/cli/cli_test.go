package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := NewCLI(&stdout, &stderr, nil, false).Run([]string{"kiri", "-version"})
	assert.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(stdout.String(), "kiri version "))
}

func TestRunInvalidFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := NewCLI(&stdout, &stderr, nil, false).Run([]string{"kiri", "-cores", "0"})
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "failed to parse flags")
}

func TestRunFailsWhenPortBound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var stdout, stderr bytes.Buffer
	code := NewCLI(&stdout, &stderr, nil, false).Run([]string{"kiri", "-listen", ln.Addr().String()})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "server failed")
}

func TestRunInvalidMemoryBound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := NewCLI(&stdout, &stderr, nil, false).Run([]string{"kiri", "-listen", freeAddr(t), "-max-bytes", "1KiB"})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "invalid server config")
}

func TestRunRestartOnHangupAndCleanExit(t *testing.T) {
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr bytes.Buffer
	cl := NewCLI(&stdout, &stderr, nil, false)
	cl.baseCtx = ctx
	cl.signals = make(chan os.Signal, 1)

	codeCh := make(chan int, 1)
	go func() {
		codeCh <- cl.Run([]string{"kiri", "-listen", addr, "-cores", "2", "-slices", "2"})
	}()

	mc := memcache.New(addr)
	require.Eventually(t, func() bool {
		return mc.Set(&memcache.Item{Key: "k", Value: []byte("v")}) == nil
	}, 3*time.Second, 10*time.Millisecond)

	cl.signals <- syscall.SIGHUP

	// after the restart the cache is empty again
	require.Eventually(t, func() bool {
		_, err := memcache.New(addr).Get("k")
		return err == memcache.ErrCacheMiss
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case code := <-codeCh:
		assert.Equal(t, 0, code, stderr.String())
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
