package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	maxKeyLength  = 250
	maxLineLength = 2048

	// exptime values above this are absolute Unix seconds.
	maxRelativeExptime = 60 * 60 * 24 * 30
)

var (
	errLineTooLong     = errors.New("line too long")
	errBadDataChunk    = errors.New("bad data chunk")
	errBadCommandLine  = errors.New("bad command line format")
	errInvalidKey      = errors.New("invalid key")
	errInvalidNoreply  = errors.New("invalid noreply")
	errInvalidArgCount = errors.New("wrong number of arguments")
)

type request struct {
	cmd  string
	args []string
}

func parseLine(line string) (request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return request{}, errBadCommandLine
	}
	return request{cmd: strings.ToLower(fields[0]), args: fields[1:]}, nil
}

type storageArgs struct {
	key     string
	flags   uint32
	exptime int64
	bytes   int
	cas     uint64
	noreply bool
}

// parseStorageArgs parses "<key> <flags> <exptime> <bytes> [cas] [noreply]".
// The key is validated separately so that a well-framed block can still be
// skipped when only the key is bad.
func parseStorageArgs(args []string, withCAS bool) (storageArgs, error) {
	want := 4
	if withCAS {
		want = 5
	}
	if len(args) != want && len(args) != want+1 {
		return storageArgs{}, errInvalidArgCount
	}

	var sa storageArgs
	sa.key = args[0]

	flags, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return storageArgs{}, fmt.Errorf("invalid flags")
	}
	sa.flags = uint32(flags)

	sa.exptime, err = strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return storageArgs{}, fmt.Errorf("invalid exptime")
	}

	n, err := strconv.ParseInt(args[3], 10, 32)
	if err != nil || n < 0 {
		return storageArgs{}, fmt.Errorf("invalid bytes")
	}
	sa.bytes = int(n)

	if withCAS {
		sa.cas, err = strconv.ParseUint(args[4], 10, 64)
		if err != nil {
			return storageArgs{}, fmt.Errorf("invalid cas")
		}
	}

	if len(args) == want+1 {
		if args[want] != "noreply" {
			return storageArgs{}, errInvalidNoreply
		}
		sa.noreply = true
	}
	return sa, nil
}

// declaredLength extracts <bytes> from a storage command whose other
// arguments failed to parse, so the data block that follows can be skipped.
func declaredLength(args []string, withCAS bool) (int, bool) {
	want := 4
	if withCAS {
		want = 5
	}
	if len(args) != want && len(args) != want+1 {
		return 0, false
	}
	n, err := strconv.ParseInt(args[3], 10, 32)
	if err != nil || n < 0 {
		return 0, false
	}
	return int(n), true
}

func parseDeltaArgs(args []string) (key string, delta uint64, noreply bool, err error) {
	if len(args) != 2 && len(args) != 3 {
		return "", 0, false, errInvalidArgCount
	}
	if !validKey(args[0]) {
		return "", 0, false, errInvalidKey
	}
	delta, err = strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid numeric delta argument")
	}
	noreply, err = parseNoreply(args[2:])
	if err != nil {
		return "", 0, false, err
	}
	return args[0], delta, noreply, nil
}

func parseDeleteArgs(args []string) (key string, noreply bool, err error) {
	if len(args) != 1 && len(args) != 2 {
		return "", false, errInvalidArgCount
	}
	if !validKey(args[0]) {
		return "", false, errInvalidKey
	}
	noreply, err = parseNoreply(args[1:])
	if err != nil {
		return "", false, err
	}
	return args[0], noreply, nil
}

func parseTouchArgs(args []string) (key string, exptime int64, noreply bool, err error) {
	if len(args) != 2 && len(args) != 3 {
		return "", 0, false, errInvalidArgCount
	}
	if !validKey(args[0]) {
		return "", 0, false, errInvalidKey
	}
	exptime, err = strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid exptime")
	}
	noreply, err = parseNoreply(args[2:])
	if err != nil {
		return "", 0, false, err
	}
	return args[0], exptime, noreply, nil
}

// parseFlushArgs parses "[delay] [noreply]".
func parseFlushArgs(args []string) (delay int64, noreply bool, err error) {
	if len(args) > 2 {
		return 0, false, errInvalidArgCount
	}
	if len(args) > 0 && args[len(args)-1] == "noreply" {
		noreply = true
		args = args[:len(args)-1]
	}
	if len(args) == 1 {
		delay, err = strconv.ParseInt(args[0], 10, 64)
		if err != nil || delay < 0 {
			return 0, false, fmt.Errorf("invalid delay")
		}
	} else if len(args) > 1 {
		return 0, false, errInvalidNoreply
	}
	return delay, noreply, nil
}

func parseNoreply(rest []string) (bool, error) {
	if len(rest) == 0 {
		return false, nil
	}
	if rest[0] != "noreply" {
		return false, errInvalidNoreply
	}
	return true, nil
}

func validKey(key string) bool {
	if len(key) == 0 || len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

// expiryFromExptime converts a protocol exptime into an absolute expiry in
// Unix nanoseconds: 0 never expires, negative values are already expired,
// values up to 30 days are relative seconds and larger ones are absolute
// Unix seconds. Times beyond the int64 nanosecond range saturate.
func expiryFromExptime(exptime int64, now time.Time) int64 {
	switch {
	case exptime == 0:
		return 0
	case exptime < 0:
		return now.UnixNano()
	case exptime <= maxRelativeExptime:
		return addSeconds(now.UnixNano(), exptime)
	default:
		return addSeconds(0, exptime)
	}
}

// flushDeadline converts a flush_all delay into the Unix nanosecond time
// the flush takes effect. Delays follow the exptime rules, except that 0
// means now.
func flushDeadline(delay int64, now time.Time) int64 {
	if delay <= 0 {
		return now.UnixNano()
	}
	return expiryFromExptime(delay, now)
}

// addSeconds returns base+sec seconds in nanoseconds, clamped to
// math.MaxInt64. base and sec are non-negative.
func addSeconds(base, sec int64) int64 {
	if sec > (math.MaxInt64-base)/int64(time.Second) {
		return math.MaxInt64
	}
	return base + sec*int64(time.Second)
}

// readCommandLine accepts CRLF, LF, CR and CR NUL (common telnet newline).
func readCommandLine(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer

	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && buf.Len() > 0 {
				return buf.String(), nil
			}
			return "", err
		}

		switch b {
		case '\n':
			return buf.String(), nil
		case '\r':
			next, err := r.ReadByte()
			if err == nil {
				if next != '\n' && next != 0x00 {
					if unreadErr := r.UnreadByte(); unreadErr != nil {
						return "", unreadErr
					}
				}
			} else if !errors.Is(err, io.EOF) {
				return "", err
			}
			return buf.String(), nil
		default:
			if buf.Len() >= maxLineLength {
				return "", errLineTooLong
			}
			buf.WriteByte(b)
		}
	}
}

// readDataBlock reads exactly n bytes followed by CRLF (or a bare LF).
// Anything else means the declared length did not match the payload.
func readDataBlock(r *bufio.Reader, n int) ([]byte, error) {
	value := make([]byte, n)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, err
	}

	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch b {
	case '\n':
		return value, nil
	case '\r':
		next, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if next == '\n' {
			return value, nil
		}
	}
	return nil, errBadDataChunk
}

// discardDataBlock skips a block the server refuses to store.
func discardDataBlock(r *bufio.Reader, n int) error {
	_, err := io.CopyN(io.Discard, r, int64(n)+2)
	return err
}
