// Package handle implements the process-wide handle tables. A Handle is a
// small integer naming a table entry; 0 never names anything.
package handle

import (
	"fmt"
	"sync"

	"camserver/status"
)

// Handle packs kind, generation and slot index into 32 bits:
//
//	kind<<28 | generation<<16 | index
type Handle uint32

// Kind is the resource type encoded in a Handle. Kinds start at 1 so that no
// live handle is ever 0.
type Kind uint8

const (
	KindNone Kind = iota
	KindSource
	KindSink
	KindProperty
	KindListener
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindSink:
		return "sink"
	case KindProperty:
		return "property"
	case KindListener:
		return "listener"
	}
	return "none"
}

const (
	indexBits = 16
	genBits   = 12
	kindShift = indexBits + genBits

	// MaxEntries is the largest number of live entries a Table can hold.
	MaxEntries = 1<<indexBits - 1

	// A slot freed this many times is retired so its handles never repeat.
	maxGen = 1<<genBits - 1
)

func pack(k Kind, gen uint16, index int) Handle {
	return Handle(uint32(k)<<kindShift | uint32(gen)<<indexBits | uint32(index))
}

// Kind returns the resource kind of h.
func (h Handle) Kind() Kind { return Kind(h >> kindShift) }

// Index returns the table slot of h.
func (h Handle) Index() int { return int(h & (1<<indexBits - 1)) }

func (h Handle) gen() uint16 { return uint16(h>>indexBits) & maxGen }

func (h Handle) String() string {
	if h == 0 {
		return "none"
	}
	return fmt.Sprintf("%v#%d.%d", h.Kind(), h.Index(), h.gen())
}

type slot[T any] struct {
	value T
	refs  int32
	gen   uint16
	live  bool
}

type entry[T any] struct {
	h Handle
	v T
}

// Table is an arena of reference counted entries of one Kind. All methods
// are safe for concurrent use.
type Table[T any] struct {
	kind    Kind
	max     int
	slots   []slot[T]
	free    []int
	live    int
	retired int

	l sync.Mutex
}

// NewTable creates a table for entries of kind k holding at most max live
// entries. max <= 0 or above MaxEntries means MaxEntries.
func NewTable[T any](k Kind, max int) *Table[T] {
	if max <= 0 || max > MaxEntries {
		max = MaxEntries
	}
	return &Table[T]{
		kind: k,
		max:  max,
		// Slot 0 is never handed out so index 0 stays reserved.
		slots: make([]slot[T], 1),
	}
}

// Kind returns the kind of handles this table issues.
func (t *Table[T]) Kind() Kind { return t.kind }

// Alloc stores v with a reference count of 1.
func (t *Table[T]) Alloc(v T) (Handle, status.Code) {
	t.l.Lock()
	defer t.l.Unlock()

	var i int
	if n := len(t.free); n > 0 {
		i, t.free = t.free[n-1], t.free[:n-1]
	} else {
		if len(t.slots)-1-t.retired >= t.max || len(t.slots) > MaxEntries {
			return 0, status.ResourceUnavailable
		}
		t.slots = append(t.slots, slot[T]{})
		i = len(t.slots) - 1
	}
	s := &t.slots[i]
	s.value = v
	s.refs = 1
	s.live = true
	t.live++
	return pack(t.kind, s.gen, i), status.OK
}

// lookup returns the live slot for h. The caller must hold t.l.
func (t *Table[T]) lookup(h Handle) (*slot[T], status.Code) {
	if h == 0 {
		return nil, status.InvalidHandle
	}
	if h.Kind() != t.kind {
		return nil, status.WrongHandleSubtype
	}
	i := h.Index()
	if i <= 0 || i >= len(t.slots) {
		return nil, status.InvalidHandle
	}
	s := &t.slots[i]
	if !s.live || s.gen != h.gen() {
		return nil, status.InvalidHandle
	}
	return s, status.OK
}

// Get returns the value behind h without touching its reference count.
func (t *Table[T]) Get(h Handle) (T, status.Code) {
	t.l.Lock()
	defer t.l.Unlock()
	s, st := t.lookup(h)
	if st != status.OK {
		var zero T
		return zero, st
	}
	return s.value, status.OK
}

// Ref adds a reference to h and returns the handle the new reference should
// use, which is always h itself.
func (t *Table[T]) Ref(h Handle) (Handle, status.Code) {
	t.l.Lock()
	defer t.l.Unlock()
	s, st := t.lookup(h)
	if st != status.OK {
		return 0, st
	}
	s.refs++
	return h, status.OK
}

// Unref drops one reference to h. When the last reference goes the slot is
// freed, last is true and v is the value that was stored, so the caller can
// tear it down outside the table lock.
func (t *Table[T]) Unref(h Handle) (v T, last bool, st status.Code) {
	t.l.Lock()
	defer t.l.Unlock()
	s, st := t.lookup(h)
	if st != status.OK {
		return v, false, st
	}
	s.refs--
	if s.refs > 0 {
		return v, false, status.OK
	}
	v = s.value
	t.release(s, h.Index())
	return v, true, status.OK
}

// Remove frees h regardless of its reference count. Outstanding references
// become stale and report InvalidHandle.
func (t *Table[T]) Remove(h Handle) (T, status.Code) {
	t.l.Lock()
	defer t.l.Unlock()
	s, st := t.lookup(h)
	if st != status.OK {
		var zero T
		return zero, st
	}
	v := s.value
	t.release(s, h.Index())
	return v, status.OK
}

// release empties slot i. A slot whose generation is used up is not reused.
// The caller must hold t.l.
func (t *Table[T]) release(s *slot[T], i int) {
	var zero T
	s.value = zero
	s.refs = 0
	s.live = false
	t.live--
	if s.gen == maxGen {
		t.retired++
		return
	}
	s.gen++
	t.free = append(t.free, i)
}

// Refs returns the reference count of h, or 0 if h is not live.
func (t *Table[T]) Refs(h Handle) int {
	t.l.Lock()
	defer t.l.Unlock()
	s, st := t.lookup(h)
	if st != status.OK {
		return 0
	}
	return int(s.refs)
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.l.Lock()
	defer t.l.Unlock()
	return t.live
}

// Each calls fn for every live entry. fn runs on a snapshot taken under the
// lock, so it may call back into the table.
func (t *Table[T]) Each(fn func(h Handle, v T)) {
	t.l.Lock()
	entries := make([]entry[T], 0, t.live)
	for i := 1; i < len(t.slots); i++ {
		s := &t.slots[i]
		if s.live {
			entries = append(entries, entry[T]{pack(t.kind, s.gen, i), s.value})
		}
	}
	t.l.Unlock()

	for _, e := range entries {
		fn(e.h, e.v)
	}
}
