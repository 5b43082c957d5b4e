package server

import (
	"bufio"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCommandLineTerminators(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("a\r\nb\nc\rd\r\x00e"))
	for _, want := range []string{"a", "b", "c", "d", "e"} {
		got, err := readCommandLine(r)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReadDataBlock(t *testing.T) {
	v, err := readDataBlock(bufio.NewReader(strings.NewReader("abc\r\n")), 3)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))

	for _, in := range []string{"abcd\r\n", "abc\rX", "abcXY"} {
		_, err := readDataBlock(bufio.NewReader(strings.NewReader(in)), 3)
		assert.ErrorIs(t, err, errBadDataChunk, in)
	}
}

func TestParseStorageArgs(t *testing.T) {
	sa, err := parseStorageArgs([]string{"k", "1", "2", "3", "noreply"}, false)
	require.NoError(t, err)
	assert.Equal(t, storageArgs{key: "k", flags: 1, exptime: 2, bytes: 3, noreply: true}, sa)

	sa, err = parseStorageArgs([]string{"k", "0", "0", "3", "99"}, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), sa.cas)

	for _, args := range [][]string{
		{"k", "0", "0"},
		{"k", "-1", "0", "1"},
		{"k", "4294967296", "0", "1"},
		{"k", "0", "x", "1"},
		{"k", "0", "0", "-1"},
		{"k", "0", "0", "1", "yes"},
	} {
		_, err := parseStorageArgs(args, false)
		assert.Error(t, err, args)
	}
	_, err = parseStorageArgs([]string{"k", "0", "0", "1", "x"}, true)
	assert.Error(t, err)
}

func TestDeclaredLength(t *testing.T) {
	n, ok := declaredLength([]string{"k", "abc", "0", "5"}, false)
	require.True(t, ok)
	assert.Equal(t, 5, n)

	n, ok = declaredLength([]string{"k", "0", "0", "7", "x", "noreply"}, true)
	require.True(t, ok)
	assert.Equal(t, 7, n)

	for _, args := range [][]string{
		{"k", "0", "0"},
		{"k", "0", "0", "-1"},
		{"k", "0", "0", "x"},
		{"k", "0", "0", "1", "2", "3"},
	} {
		_, ok := declaredLength(args, false)
		assert.False(t, ok, args)
	}
}

func TestParseFlushArgs(t *testing.T) {
	for _, tc := range []struct {
		args    []string
		delay   int64
		noreply bool
		ok      bool
	}{
		{nil, 0, false, true},
		{[]string{"10"}, 10, false, true},
		{[]string{"noreply"}, 0, true, true},
		{[]string{"5", "noreply"}, 5, true, true},
		{[]string{"5", "6"}, 0, false, false},
		{[]string{"1099511627776"}, 1 << 40, false, true},
		{[]string{"-1"}, 0, false, false},
		{[]string{"1", "2", "3"}, 0, false, false},
	} {
		delay, noreply, err := parseFlushArgs(tc.args)
		if !tc.ok {
			assert.Error(t, err, tc.args)
			continue
		}
		require.NoError(t, err, tc.args)
		assert.Equal(t, tc.delay, delay)
		assert.Equal(t, tc.noreply, noreply)
	}
}

func TestValidKey(t *testing.T) {
	assert.True(t, validKey("Hello_世界"))
	assert.True(t, validKey(strings.Repeat("k", maxKeyLength)))
	assert.False(t, validKey(""))
	assert.False(t, validKey(strings.Repeat("k", maxKeyLength+1)))
	assert.False(t, validKey("a b"))
	assert.False(t, validKey("a\x01"))
	assert.False(t, validKey("a\x7f"))
}

func TestExpiryFromExptime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.Equal(t, int64(0), expiryFromExptime(0, now))
	assert.Equal(t, now.UnixNano(), expiryFromExptime(-5, now))
	assert.Equal(t, now.Add(10*time.Second).UnixNano(), expiryFromExptime(10, now))
	assert.Equal(t, now.Add(maxRelativeExptime*time.Second).UnixNano(), expiryFromExptime(maxRelativeExptime, now))
	assert.Equal(t, time.Unix(1_800_000_000, 0).UnixNano(), expiryFromExptime(1_800_000_000, now))

	// past the int64 nanosecond range
	assert.Equal(t, int64(math.MaxInt64), expiryFromExptime(10_000_000_000, now))
	assert.Equal(t, int64(math.MaxInt64), expiryFromExptime(math.MaxInt64, now))
}

func TestFlushDeadline(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.Equal(t, now.UnixNano(), flushDeadline(0, now))
	assert.Equal(t, now.Add(5*time.Second).UnixNano(), flushDeadline(5, now))
	assert.Equal(t, time.Unix(1_800_000_000, 0).UnixNano(), flushDeadline(1_800_000_000, now))
	assert.Equal(t, int64(math.MaxInt64), flushDeadline(1<<40, now))
}
