// Package cs wraps backend handles in owned values. Each wrapper holds one
// reference to its backend resource: Clone adds a reference, Move hands it
// over, and Close drops it. Every method records the status of the backend
// call it made, so Status always reflects the most recent operation only.
//
// A wrapper is not safe for concurrent use. Give each goroutine its own
// Clone.
package cs

import (
	"camserver/backend"
	"camserver/handle"
	"camserver/status"
)

type resource struct {
	b  *backend.Backend
	h  handle.Handle
	st status.Code
}

func (r *resource) backend() *backend.Backend {
	if r.b == nil {
		return backend.Default()
	}
	return r.b
}

// Handle returns the backend handle, 0 if the wrapper holds nothing.
func (r *resource) Handle() handle.Handle { return r.h }

// Valid reports whether the wrapper holds a resource. It says nothing about
// whether that resource is still alive in the backend.
func (r *resource) Valid() bool { return r.h != 0 }

// Status returns the result of the last operation.
func (r *resource) Status() status.Code { return r.st }

// Err returns Status as an error, nil on success.
func (r *resource) Err() error { return r.st.Err() }

func (r *resource) set(st status.Code) status.Code {
	r.st = st
	return st
}

func (r *resource) clone(ref func(handle.Handle) (handle.Handle, status.Code)) resource {
	r.st = status.OK
	if r.h == 0 {
		return resource{b: r.b}
	}
	h, st := ref(r.h)
	r.st = st
	return resource{b: r.b, h: h, st: st}
}

func (r *resource) move() resource {
	out := resource{b: r.b, h: r.h}
	r.h = 0
	r.st = status.OK
	return out
}

// close drops the reference. Failures land in the status and nowhere else.
func (r *resource) close(release func(handle.Handle) status.Code) {
	r.st = status.OK
	if r.h == 0 {
		return
	}
	r.st = release(r.h)
	r.h = 0
}

func (r *resource) equal(o *resource) bool {
	if o == nil {
		return r.h == 0
	}
	return r.h == o.h
}
