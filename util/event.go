package util

import (
	"context"
	"sync"
)

// Event is a one-shot signal. Notify may be called any number of times from
// any goroutine; waiters are released on the first call.
type Event struct {
	once sync.Once
	c    chan struct{}
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}),
	}
}

func (e *Event) Notify() {
	e.once.Do(func() { close(e.c) })
}

func (e *Event) Wait() {
	<-e.c
}

// WaitContext waits for the event or for ctx, returning ctx.Err() in the
// latter case.
func (e *Event) WaitContext(ctx context.Context) error {
	select {
	case <-e.c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed on Notify, for use in select.
func (e *Event) Done() <-chan struct{} {
	return e.c
}

func (e *Event) HasBeenNotified() bool {
	select {
	case <-e.c:
		return true
	default:
		return false
	}
}
