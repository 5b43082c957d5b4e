package model

type Item struct {
	Key   string
	Value []byte

	Flags uint32
	Size  int64
	CAS   uint64

	// Expiry is Unix nanoseconds. 0 means no expiration.
	Expiry int64
	// Stored is when the value was last written, in Unix nanoseconds.
	Stored int64
}

// Expired reports whether the item is logically absent at now.
func (it *Item) Expired(now int64) bool {
	return it.Expiry != 0 && it.Expiry <= now
}
