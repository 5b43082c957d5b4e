package cache

// SetNowForTest overrides the slice clock (Unix nanoseconds) and returns a
// restore function.
func SetNowForTest(f func() int64) func() {
	prev := nowNano
	nowNano = f
	return func() {
		nowNano = prev
	}
}

func (s *Slice) UsedBytesForTest() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedBytes
}
