package cache

import "testing"

func TestLRUListEmpty(t *testing.T) {
	l := newLRUList[int]()
	if got := l.Back(); got != nil {
		t.Fatalf("Back() on empty list = %v, want nil", got)
	}
	if got := l.Front(); got != nil {
		t.Fatalf("Front() on empty list = %v, want nil", got)
	}
	if l.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", l.Len())
	}
}

func TestLRUListOrderAndWalk(t *testing.T) {
	l := newLRUList[int]()

	e1 := l.PushFront(1)
	e2 := l.PushFront(2)
	e3 := l.PushFront(3) // [3 2 1]

	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}
	if l.Front() != e3 || l.Back() != e1 {
		t.Fatal("unexpected ends")
	}
	if e1.Prev() != e2 || e2.Prev() != e3 || e3.Prev() != nil {
		t.Fatal("unexpected backward walk")
	}
	if e3.Next() != e2 || e2.Next() != e1 || e1.Next() != nil {
		t.Fatal("unexpected forward walk")
	}
}

func TestLRUListMoveToFront(t *testing.T) {
	l := newLRUList[int]()

	e1 := l.PushFront(1)
	e2 := l.PushFront(2)
	e3 := l.PushFront(3)

	l.MoveToFront(e1) // [1 3 2]

	if got := l.Back(); got != e2 {
		t.Fatalf("Back() = %p, want %p", got, e2)
	}
	if e2.Prev() != e3 || e3.Prev() != e1 || e1.Prev() != nil {
		t.Fatal("unexpected order after MoveToFront")
	}
	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}
}

func TestLRUListRemoveDuringBackwardWalk(t *testing.T) {
	l := newLRUList[int]()
	for i := 0; i < 6; i++ {
		l.PushFront(i)
	}

	// drop the even values while walking from the back, the way Sweep does
	for e := l.Back(); e != nil; {
		prev := e.Prev()
		if e.Value%2 == 0 {
			l.Remove(e)
		}
		e = prev
	}

	var got []int
	for e := l.Front(); e != nil; e = e.Next() {
		got = append(got, e.Value)
	}
	want := []int{5, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLRUListInitDetaches(t *testing.T) {
	l := newLRUList[int]()
	e := l.PushFront(1)
	l.PushFront(2)

	l.Init()
	if l.Len() != 0 || l.Front() != nil {
		t.Fatal("list should be empty after Init")
	}
	if e.list != nil || e.Next() != nil || e.Prev() != nil {
		t.Fatal("element should be detached after Init")
	}
	l.Remove(e)
	if l.Len() != 0 {
		t.Fatalf("Len() after stale remove = %d, want 0", l.Len())
	}
}

func TestLRUListIgnoreInvalidElementOperations(t *testing.T) {
	l1 := newLRUList[int]()
	l2 := newLRUList[int]()
	e := l1.PushFront(1)

	l2.Remove(e)
	l2.MoveToFront(e)
	if l1.Len() != 1 {
		t.Fatalf("Len() after foreign operations = %d, want 1", l1.Len())
	}

	l1.Remove(nil)
	l1.MoveToFront(nil)
	if l1.Len() != 1 {
		t.Fatalf("Len() after nil operations = %d, want 1", l1.Len())
	}
}
