package cache

// lruList is an intrusive doubly linked list ordered from most recently used
// (front) to least recently used (back).
type lruList[T any] struct {
	root lruElement[T]
	len  int
}

type lruElement[T any] struct {
	next *lruElement[T]
	prev *lruElement[T]
	list *lruList[T]

	Value T
}

func newLRUList[T any]() *lruList[T] {
	return new(lruList[T]).Init()
}

// Init empties the list. Elements still referenced elsewhere are detached.
func (l *lruList[T]) Init() *lruList[T] {
	for e := l.root.next; e != nil && e != &l.root; {
		next := e.next
		e.next, e.prev, e.list = nil, nil, nil
		e = next
	}
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
	return l
}

func (l *lruList[T]) Len() int { return l.len }

func (l *lruList[T]) Front() *lruElement[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

func (l *lruList[T]) Back() *lruElement[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *lruList[T]) PushFront(v T) *lruElement[T] {
	e := &lruElement[T]{Value: v}
	return l.insert(e, &l.root)
}

func (l *lruList[T]) MoveToFront(e *lruElement[T]) {
	if e == nil || e.list != l || l.root.next == e {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	l.link(e, &l.root)
}

func (l *lruList[T]) Remove(e *lruElement[T]) {
	if e == nil || e.list != l {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
}

func (e *lruElement[T]) Next() *lruElement[T] {
	if e == nil || e.list == nil {
		return nil
	}
	n := e.next
	if n == &e.list.root {
		return nil
	}
	return n
}

func (e *lruElement[T]) Prev() *lruElement[T] {
	if e == nil || e.list == nil {
		return nil
	}
	p := e.prev
	if p == &e.list.root {
		return nil
	}
	return p
}

func (l *lruList[T]) insert(e, at *lruElement[T]) *lruElement[T] {
	l.link(e, at)
	e.list = l
	l.len++
	return e
}

// link places e right after at.
func (l *lruList[T]) link(e, at *lruElement[T]) {
	n := at.next
	at.next = e
	e.prev = at
	e.next = n
	n.prev = e
}
