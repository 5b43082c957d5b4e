package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/catatsuy/kiri/internal/cache"
	"github.com/catatsuy/kiri/internal/core"
	"github.com/catatsuy/kiri/internal/metrics"
	"github.com/catatsuy/kiri/internal/model"
)

type connState int

const (
	stateCommandLine connState = iota
	stateDataBlock
)

func (st connState) String() string {
	if st == stateDataBlock {
		return "awaiting data block"
	}
	return "awaiting command line"
}

// errCloseConn asks the loop to flush what was written and hang up.
var errCloseConn = errors.New("close connection")

// session is the per-connection protocol state machine. Commands are handled
// strictly one after another.
type session struct {
	srv   *Server
	ctx   context.Context
	id    string
	core  int
	r     *bufio.Reader
	w     *bufio.Writer
	state connState
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, coreID int) {
	defer conn.Close()

	ss := &session{
		srv:  s,
		ctx:  ctx,
		id:   uuid.NewString(),
		core: coreID,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
	s.logf("conn %s from %s assigned to core %d", ss.id, conn.RemoteAddr(), coreID)

	err := ss.serve()
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, errCloseConn):
	default:
		s.logf("conn %s closed while %s: %v", ss.id, ss.state, err)
	}
}

func (ss *session) serve() error {
	for {
		ss.state = stateCommandLine
		line, err := readCommandLine(ss.r)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				ss.clientError("", errLineTooLong.Error())
				_ = ss.w.Flush()
				return errCloseConn
			}
			return err
		}

		req, err := parseLine(line)
		if err != nil {
			ss.clientError("", err.Error())
			if err := ss.w.Flush(); err != nil {
				return err
			}
			continue
		}
		if req.cmd == "quit" {
			return nil
		}

		err = ss.dispatch(req)
		if errors.Is(err, errCloseConn) {
			_ = ss.w.Flush()
			return err
		}
		if err != nil {
			return err
		}
		if err := ss.w.Flush(); err != nil {
			return err
		}
	}
}

func (ss *session) dispatch(req request) error {
	switch req.cmd {
	case "get":
		return ss.handleGet(req.args, false)
	case "gets":
		return ss.handleGet(req.args, true)
	case "set", "add", "replace", "append", "prepend":
		return ss.handleStorage(req.cmd, req.args, false)
	case "cas":
		return ss.handleStorage(req.cmd, req.args, true)
	case "delete":
		return ss.handleDelete(req.args)
	case "incr", "decr":
		return ss.handleIncrDecr(req.cmd, req.args)
	case "touch":
		return ss.handleTouch(req.args)
	case "flush_all":
		return ss.handleFlushAll(req.args)
	case "stats":
		return ss.handleStats(req.args)
	case "version":
		return ss.reply("version", "VERSION "+ss.srv.version(), false)
	case "verbosity":
		if len(req.args) == 0 || len(req.args) > 2 {
			return ss.clientError("verbosity", errInvalidArgCount.Error())
		}
		noreply, err := parseNoreply(req.args[1:])
		if err != nil {
			return ss.clientError("verbosity", err.Error())
		}
		return ss.reply("verbosity", "OK", noreply)
	default:
		return ss.reply("unknown", "ERROR", false)
	}
}

// exec runs fn on the slice owning key and turns engine failures into
// either a reply line or a connection-fatal error.
func (ss *session) exec(key string, fn func(*cache.Slice)) (string, error) {
	err := ss.srv.engine.Exec(ss.ctx, ss.core, key, fn)
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, core.ErrBusy):
		return "SERVER_ERROR busy", nil
	default:
		// shutting down: hang up without an ambiguous reply
		return "", fmt.Errorf("%w: %v", errCloseConn, err)
	}
}

func (ss *session) handleGet(keys []string, withCAS bool) error {
	verb := "get"
	if withCAS {
		verb = "gets"
	}
	if len(keys) == 0 {
		return ss.clientError(verb, "get requires at least one key")
	}
	for _, key := range keys {
		if !validKey(key) {
			return ss.clientError(verb, errInvalidKey.Error())
		}
	}

	// collect first so a failure never leaves a half-written response
	found := make([]*model.Item, 0, len(keys))
	for _, key := range keys {
		var (
			item *model.Item
			ok   bool
		)
		line, err := ss.exec(key, func(s *cache.Slice) {
			item, ok = s.Get(key)
		})
		if err != nil {
			return err
		}
		if line != "" {
			return ss.reply(verb, line, false)
		}
		if ok {
			found = append(found, item)
		}
	}

	for _, item := range found {
		var err error
		if withCAS {
			_, err = fmt.Fprintf(ss.w, "VALUE %s %d %d %d\r\n", item.Key, item.Flags, len(item.Value), item.CAS)
		} else {
			_, err = fmt.Fprintf(ss.w, "VALUE %s %d %d\r\n", item.Key, item.Flags, len(item.Value))
		}
		if err != nil {
			return err
		}
		if _, err := ss.w.Write(item.Value); err != nil {
			return err
		}
		if _, err := ss.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	metrics.Commands.WithLabelValues(verb, "END").Inc()
	_, err := ss.w.WriteString("END\r\n")
	return err
}

func (ss *session) handleStorage(verb string, args []string, withCAS bool) error {
	sa, err := parseStorageArgs(args, withCAS)
	if err != nil {
		if n, ok := declaredLength(args, withCAS); ok {
			if err := discardDataBlock(ss.r, n); err != nil {
				return err
			}
		}
		return ss.clientError(verb, err.Error())
	}

	if !validKey(sa.key) {
		if err := discardDataBlock(ss.r, sa.bytes); err != nil {
			return err
		}
		return ss.clientError(verb, errInvalidKey.Error())
	}
	if int64(sa.bytes) > ss.srv.cfg.MaxItemSize {
		if err := discardDataBlock(ss.r, sa.bytes); err != nil {
			return err
		}
		return ss.reply(verb, "SERVER_ERROR "+cache.ErrObjectTooLarge.Error(), sa.noreply)
	}

	ss.state = stateDataBlock
	value, err := readDataBlock(ss.r, sa.bytes)
	if err != nil {
		if errors.Is(err, errBadDataChunk) {
			ss.clientError(verb, errBadDataChunk.Error())
			return errCloseConn
		}
		return err
	}
	ss.state = stateCommandLine

	expiry := expiryFromExptime(sa.exptime, now())

	var opErr error
	line, err := ss.exec(sa.key, func(s *cache.Slice) {
		switch verb {
		case "set":
			_, opErr = s.Set(sa.key, sa.flags, expiry, value)
		case "add":
			_, opErr = s.Add(sa.key, sa.flags, expiry, value)
		case "replace":
			_, opErr = s.Replace(sa.key, sa.flags, expiry, value)
		case "append":
			_, opErr = s.Append(sa.key, value)
		case "prepend":
			_, opErr = s.Prepend(sa.key, value)
		case "cas":
			_, opErr = s.CompareAndSwap(sa.key, sa.flags, expiry, value, sa.cas)
		}
	})
	if err != nil {
		return err
	}
	if line == "" {
		line = storageReply(verb, opErr)
	}
	return ss.reply(verb, line, sa.noreply)
}

func storageReply(verb string, err error) string {
	switch {
	case err == nil:
		return "STORED"
	case errors.Is(err, cache.ErrExists):
		if verb == "cas" {
			return "EXISTS"
		}
		return "NOT_STORED"
	case errors.Is(err, cache.ErrNotFound):
		if verb == "cas" {
			return "NOT_FOUND"
		}
		return "NOT_STORED"
	case errors.Is(err, cache.ErrObjectTooLarge), errors.Is(err, cache.ErrNoSpace):
		return "SERVER_ERROR " + err.Error()
	default:
		return "SERVER_ERROR internal error"
	}
}

func (ss *session) handleDelete(args []string) error {
	key, noreply, err := parseDeleteArgs(args)
	if err != nil {
		return ss.clientError("delete", err.Error())
	}

	var deleted bool
	line, err := ss.exec(key, func(s *cache.Slice) {
		deleted = s.Delete(key)
	})
	if err != nil {
		return err
	}
	if line == "" {
		line = "NOT_FOUND"
		if deleted {
			line = "DELETED"
		}
	}
	return ss.reply("delete", line, noreply)
}

func (ss *session) handleIncrDecr(verb string, args []string) error {
	key, delta, noreply, err := parseDeltaArgs(args)
	if err != nil {
		return ss.clientError(verb, err.Error())
	}

	var (
		value uint64
		opErr error
	)
	line, err := ss.exec(key, func(s *cache.Slice) {
		if verb == "incr" {
			value, opErr = s.Incr(key, delta)
		} else {
			value, opErr = s.Decr(key, delta)
		}
	})
	if err != nil {
		return err
	}
	if line == "" {
		switch {
		case opErr == nil:
			line = strconv.FormatUint(value, 10)
		case errors.Is(opErr, cache.ErrNotFound):
			line = "NOT_FOUND"
		case errors.Is(opErr, cache.ErrNotANumber):
			line = "CLIENT_ERROR " + cache.ErrNotANumber.Error()
		default:
			line = storageReply(verb, opErr)
		}
	}
	return ss.reply(verb, line, noreply)
}

func (ss *session) handleTouch(args []string) error {
	key, exptime, noreply, err := parseTouchArgs(args)
	if err != nil {
		return ss.clientError("touch", err.Error())
	}

	expiry := expiryFromExptime(exptime, now())
	var touched bool
	line, err := ss.exec(key, func(s *cache.Slice) {
		touched = s.Touch(key, expiry)
	})
	if err != nil {
		return err
	}
	if line == "" {
		line = "NOT_FOUND"
		if touched {
			line = "TOUCHED"
		}
	}
	return ss.reply("touch", line, noreply)
}

func (ss *session) handleFlushAll(args []string) error {
	delay, noreply, err := parseFlushArgs(args)
	if err != nil {
		return ss.clientError("flush_all", err.Error())
	}

	at := flushDeadline(delay, now())
	if err := ss.srv.engine.FlushAll(ss.ctx, ss.core, at); err != nil {
		return fmt.Errorf("%w: %v", errCloseConn, err)
	}
	return ss.reply("flush_all", "OK", noreply)
}

func (ss *session) handleStats(args []string) error {
	if len(args) > 0 {
		return ss.clientError("stats", "stats groups are not supported")
	}

	var (
		items     int
		bytes     int64
		evictions uint64
		reclaimed uint64
	)
	for _, st := range ss.srv.engine.Stats() {
		items += st.Items
		bytes += st.Bytes
		evictions += st.Evictions
		reclaimed += st.Reclaimed
	}

	t := now()
	stats := []struct {
		name  string
		value string
	}{
		{"pid", strconv.Itoa(os.Getpid())},
		{"uptime", strconv.FormatInt(int64(t.Sub(ss.srv.started).Seconds()), 10)},
		{"time", strconv.FormatInt(t.Unix(), 10)},
		{"version", ss.srv.version()},
		{"curr_connections", strconv.FormatInt(ss.srv.currConns.Load(), 10)},
		{"total_connections", strconv.FormatInt(ss.srv.totalConns.Load(), 10)},
		{"threads", strconv.Itoa(ss.srv.cfg.Cores)},
		{"slices_per_core", strconv.Itoa(ss.srv.cfg.SlicesPerCore)},
		{"limit_maxbytes", strconv.FormatInt(ss.srv.cfg.MaxBytes, 10)},
		{"curr_items", strconv.Itoa(items)},
		{"bytes", strconv.FormatInt(bytes, 10)},
		{"evictions", strconv.FormatUint(evictions, 10)},
		{"reclaimed", strconv.FormatUint(reclaimed, 10)},
	}
	for _, st := range stats {
		if _, err := fmt.Fprintf(ss.w, "STAT %s %s\r\n", st.name, st.value); err != nil {
			return err
		}
	}
	return ss.reply("stats", "END", false)
}

func (ss *session) reply(verb, line string, noreply bool) error {
	result, _, _ := strings.Cut(line, " ")
	if _, err := strconv.ParseUint(result, 10, 64); err == nil {
		result = "VALUE"
	}
	metrics.Commands.WithLabelValues(verb, result).Inc()

	if noreply {
		return nil
	}
	if _, err := ss.w.WriteString(line); err != nil {
		return err
	}
	_, err := ss.w.WriteString("\r\n")
	return err
}

func (ss *session) clientError(verb, msg string) error {
	if verb == "" {
		verb = "unknown"
	}
	return ss.reply(verb, "CLIENT_ERROR "+msg, false)
}
