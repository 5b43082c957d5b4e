package cache

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/catatsuy/kiri/internal/model"
)

var (
	ErrObjectTooLarge = errors.New("object too large for cache")
	ErrNoSpace        = errors.New("out of memory storing object")
	ErrNotANumber     = errors.New("cannot increment or decrement non-numeric value")
	ErrNotFound       = errors.New("item not found")
	ErrExists         = errors.New("item exists")
)

// DefaultEntryOverhead approximates the bookkeeping cost of one item.
const DefaultEntryOverhead = 64

type Config struct {
	// MaxBytes bounds the slice's accounted size. 0 means unbounded.
	MaxBytes      int64
	TargetBytes   int64
	EntryOverhead int64
	MaxEvictPerOp int
}

type Stats struct {
	Items     int
	Bytes     int64
	Evictions uint64
	Reclaimed uint64
	LastCAS   uint64
}

// Slice is one independently locked partition of the key space.
type Slice struct {
	mu sync.Mutex

	maxBytes      int64
	targetBytes   int64
	usedBytes     int64
	entryOverhead int64
	maxEvictPerOp int

	items map[string]*lruElement[*model.Item]
	lru   *lruList[*model.Item]

	// flushAt is the pending or last flush_all deadline. Items stored at
	// or before it are dead once it has passed. 0 means none.
	flushAt int64

	nextCAS   uint64
	evictions uint64
	reclaimed uint64
}

var nowNano = func() int64 { return time.Now().UnixNano() }

func NewSlice(cfg Config) *Slice {
	if cfg.MaxBytes < 0 {
		cfg.MaxBytes = 0
	}
	if cfg.MaxBytes > 0 && (cfg.TargetBytes <= 0 || cfg.TargetBytes > cfg.MaxBytes) {
		cfg.TargetBytes = cfg.MaxBytes * 95 / 100
	}
	if cfg.EntryOverhead < 0 {
		cfg.EntryOverhead = 0
	}
	if cfg.MaxEvictPerOp <= 0 {
		cfg.MaxEvictPerOp = 64
	}

	return &Slice{
		maxBytes:      cfg.MaxBytes,
		targetBytes:   cfg.TargetBytes,
		entryOverhead: cfg.EntryOverhead,
		maxEvictPerOp: cfg.MaxEvictPerOp,
		items:         make(map[string]*lruElement[*model.Item]),
		lru:           newLRUList[*model.Item](),
		nextCAS:       1,
	}
}

func (s *Slice) Get(key string) (*model.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem := s.lookupLocked(key, nowNano())
	if elem == nil {
		return nil, false
	}
	s.lru.MoveToFront(elem)

	return cloneItem(elem.Value), true
}

// Set stores value unconditionally and returns the new CAS id.
func (s *Slice) Set(key string, flags uint32, expiry int64, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.storeLocked(key, flags, expiry, cloneBytes(value), nowNano())
}

// Add stores value only when no live item exists for key.
func (s *Slice) Add(key string, flags uint32, expiry int64, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowNano()
	if s.lookupLocked(key, now) != nil {
		return 0, ErrExists
	}
	return s.storeLocked(key, flags, expiry, cloneBytes(value), now)
}

// Replace stores value only when a live item exists for key.
func (s *Slice) Replace(key string, flags uint32, expiry int64, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowNano()
	if s.lookupLocked(key, now) == nil {
		return 0, ErrNotFound
	}
	return s.storeLocked(key, flags, expiry, cloneBytes(value), now)
}

func (s *Slice) Append(key string, value []byte) (uint64, error) {
	return s.concat(key, value, false)
}

func (s *Slice) Prepend(key string, value []byte) (uint64, error) {
	return s.concat(key, value, true)
}

func (s *Slice) concat(key string, value []byte, front bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowNano()
	elem := s.lookupLocked(key, now)
	if elem == nil {
		return 0, ErrNotFound
	}
	cur := elem.Value

	joined := make([]byte, 0, len(cur.Value)+len(value))
	if front {
		joined = append(joined, value...)
		joined = append(joined, cur.Value...)
	} else {
		joined = append(joined, cur.Value...)
		joined = append(joined, value...)
	}
	return s.storeLocked(key, cur.Flags, cur.Expiry, joined, now)
}

// CompareAndSwap stores value only when the live item's CAS id equals cas.
// A missing item yields ErrNotFound and a mismatch ErrExists.
func (s *Slice) CompareAndSwap(key string, flags uint32, expiry int64, value []byte, cas uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowNano()
	elem := s.lookupLocked(key, now)
	if elem == nil {
		return 0, ErrNotFound
	}
	if elem.Value.CAS != cas {
		return 0, ErrExists
	}
	return s.storeLocked(key, flags, expiry, cloneBytes(value), now)
}

func (s *Slice) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem := s.lookupLocked(key, nowNano())
	if elem == nil {
		return false
	}
	s.removeElementLocked(elem)
	return true
}

// Incr adds delta modulo 2^64.
func (s *Slice) Incr(key string, delta uint64) (uint64, error) {
	return s.arith(key, func(cur uint64) uint64 { return cur + delta })
}

// Decr subtracts delta, clamping at zero.
func (s *Slice) Decr(key string, delta uint64) (uint64, error) {
	return s.arith(key, func(cur uint64) uint64 {
		if delta >= cur {
			return 0
		}
		return cur - delta
	})
}

func (s *Slice) arith(key string, apply func(uint64) uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowNano()
	elem := s.lookupLocked(key, now)
	if elem == nil {
		return 0, ErrNotFound
	}
	cur, ok := parseCounter(elem.Value.Value)
	if !ok {
		return 0, ErrNotANumber
	}

	next := apply(cur)
	item := elem.Value
	if _, err := s.storeLocked(key, item.Flags, item.Expiry, strconv.AppendUint(nil, next, 10), now); err != nil {
		return 0, err
	}
	return next, nil
}

// Touch replaces the expiry of a live item without changing its CAS id.
func (s *Slice) Touch(key string, expiry int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem := s.lookupLocked(key, nowNano())
	if elem == nil {
		return false
	}
	elem.Value.Expiry = expiry
	s.lru.MoveToFront(elem)
	return true
}

// FlushAll invalidates, at the absolute time at (Unix nanoseconds), every
// item stored at or before at, including items written after the call.
// A time that is not in the future clears the slice immediately. A later
// call replaces a pending deadline.
func (s *Slice) FlushAll(at int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowNano()
	if at <= now {
		s.items = make(map[string]*lruElement[*model.Item])
		s.lru.Init()
		s.usedBytes = 0
		s.flushAt = 0
		return
	}

	// settle an elapsed deadline before it is replaced
	if s.flushAt != 0 && s.flushAt <= now {
		for e := s.lru.Back(); e != nil; {
			prev := e.Prev()
			if s.deadLocked(e.Value, now) {
				s.removeElementLocked(e)
				s.reclaimed++
			}
			e = prev
		}
	}
	s.flushAt = at
}

// Sweep purges up to limit expired items, oldest first, and returns how
// many were removed. A limit of 0 scans the whole slice.
func (s *Slice) Sweep(limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowNano()
	removed := 0
	for e := s.lru.Back(); e != nil; {
		prev := e.Prev()
		if s.deadLocked(e.Value, now) {
			s.removeElementLocked(e)
			s.reclaimed++
			removed++
			if limit > 0 && removed >= limit {
				break
			}
		}
		e = prev
	}
	return removed
}

func (s *Slice) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Items:     len(s.items),
		Bytes:     s.usedBytes,
		Evictions: s.evictions,
		Reclaimed: s.reclaimed,
		LastCAS:   s.nextCAS - 1,
	}
}

// lookupLocked returns the live element for key, dropping it if expired.
func (s *Slice) lookupLocked(key string, now int64) *lruElement[*model.Item] {
	elem, ok := s.items[key]
	if !ok {
		return nil
	}
	if s.deadLocked(elem.Value, now) {
		s.removeElementLocked(elem)
		s.reclaimed++
		return nil
	}
	return elem
}

// deadLocked reports whether item is expired or caught by a flush deadline.
func (s *Slice) deadLocked(item *model.Item, now int64) bool {
	if item.Expired(now) {
		return true
	}
	return s.flushAt != 0 && s.flushAt <= now && item.Stored <= s.flushAt
}

// storeLocked takes ownership of value.
func (s *Slice) storeLocked(key string, flags uint32, expiry int64, value []byte, now int64) (uint64, error) {
	need := s.entrySize(key, value)
	if s.maxBytes > 0 && need > s.maxBytes {
		return 0, ErrObjectTooLarge
	}

	if elem := s.lookupLocked(key, now); elem != nil {
		item := elem.Value
		delta := need - item.Size
		if s.maxBytes > 0 {
			if delta > 0 {
				s.evictLocked(delta, key, now)
			}
			if s.usedBytes+delta > s.maxBytes {
				return 0, ErrNoSpace
			}
		}

		item.Value = value
		item.Flags = flags
		item.Size = need
		item.CAS = s.nextCASLocked()
		item.Expiry = expiry
		item.Stored = now
		s.usedBytes += delta
		s.lru.MoveToFront(elem)
		s.evictBestEffortLocked(key, now)
		return item.CAS, nil
	}

	if s.maxBytes > 0 {
		s.evictLocked(need, "", now)
		if s.usedBytes+need > s.maxBytes {
			return 0, ErrNoSpace
		}
	}

	item := &model.Item{
		Key:    key,
		Value:  value,
		Flags:  flags,
		Size:   need,
		CAS:    s.nextCASLocked(),
		Expiry: expiry,
		Stored: now,
	}
	s.items[key] = s.lru.PushFront(item)
	s.usedBytes += need
	s.evictBestEffortLocked(key, now)
	return item.CAS, nil
}

func (s *Slice) evictLocked(incomingDelta int64, protectKey string, now int64) {
	evicted := 0
	for s.usedBytes+incomingDelta > s.maxBytes && evicted < s.maxEvictPerOp {
		if !s.evictOneLocked(protectKey, now) {
			return
		}
		evicted++
	}

	for s.usedBytes+incomingDelta > s.targetBytes && evicted < s.maxEvictPerOp {
		if !s.evictOneLocked(protectKey, now) {
			return
		}
		evicted++
	}
}

func (s *Slice) evictBestEffortLocked(protectKey string, now int64) {
	if s.maxBytes <= 0 {
		return
	}
	evicted := 0
	for s.usedBytes > s.targetBytes && evicted < s.maxEvictPerOp {
		if !s.evictOneLocked(protectKey, now) {
			return
		}
		evicted++
	}
}

// evictOneLocked removes the best victim: an expired item if any, else the
// least recently used one.
func (s *Slice) evictOneLocked(protectKey string, now int64) bool {
	var fallback *lruElement[*model.Item]
	for elem := s.lru.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.Key == protectKey {
			continue
		}
		if s.deadLocked(elem.Value, now) {
			s.removeElementLocked(elem)
			s.reclaimed++
			return true
		}
		if fallback == nil {
			fallback = elem
		}
	}
	if fallback == nil {
		return false
	}
	s.removeElementLocked(fallback)
	s.evictions++
	return true
}

func (s *Slice) removeElementLocked(elem *lruElement[*model.Item]) {
	delete(s.items, elem.Value.Key)
	s.lru.Remove(elem)
	s.usedBytes -= elem.Value.Size
	if s.usedBytes < 0 {
		s.usedBytes = 0
	}
}

func (s *Slice) entrySize(key string, value []byte) int64 {
	return int64(len(key)+len(value)) + s.entryOverhead
}

func (s *Slice) nextCASLocked() uint64 {
	v := s.nextCAS
	s.nextCAS++
	if s.nextCAS == 0 {
		s.nextCAS = 1
	}
	return v
}

// parseCounter accepts only a non-empty run of ASCII digits that fits in
// 64 bits.
func parseCounter(value []byte) (uint64, bool) {
	if len(value) == 0 {
		return 0, false
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(string(value), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func cloneItem(item *model.Item) *model.Item {
	return &model.Item{
		Key:    item.Key,
		Value:  cloneBytes(item.Value),
		Flags:  item.Flags,
		Size:   item.Size,
		CAS:    item.CAS,
		Expiry: item.Expiry,
		Stored: item.Stored,
	}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
