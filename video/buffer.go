// Package video holds frame consumers that sit between the backend and the
// HTTP layer.
package video

import (
	"time"

	"camserver/video/sink"
	"camserver/video/source"
)

// Buffer keeps the recent history of a source as frame references. Frames
// stay in their source's pool until they age out, so holding history costs
// no copies. MaxFrames bounds how much of the pool the history may pin.
type Buffer struct {
	MaxAge    time.Duration
	MaxFrames int

	// buffer contains frame history, oldest first.
	buffer []*source.Frame

	input    chan *source.Frame
	close    chan chan bool
	flush    chan sink.Sink
	flushack chan bool
	query    chan bufferQuery
	done     chan struct{}
}

type bufferQuery struct {
	at    time.Time
	reply chan *source.Frame
}

// Frames older than MaxAge are also dropped on this period when no new
// frames arrive, but never faster than minSweep.
const minSweep = 100 * time.Millisecond

// NewBuffer keeps frames younger than maxAge, at most maxFrames of them.
// maxFrames <= 0 leaves the count unbounded.
func NewBuffer(maxAge time.Duration, maxFrames int) *Buffer {
	b := &Buffer{
		MaxAge:    maxAge,
		MaxFrames: maxFrames,

		input:    make(chan *source.Frame),
		close:    make(chan chan bool),
		flush:    make(chan sink.Sink),
		flushack: make(chan bool),
		query:    make(chan bufferQuery),
		done:     make(chan struct{}),
	}
	sweep := maxAge / 2
	if sweep < minSweep {
		sweep = minSweep
	}
	go func() {
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()
		for {
			select {
			case in := <-b.input:
				// Add to buffer tail.
				b.buffer = append(b.buffer, in)
				b.expire(in.Time())
			case now := <-ticker.C:
				// A stalled source must not pin its history forever.
				b.expire(now)
			case q := <-b.query:
				q.reply <- b.at(q.at)
			case sink := <-b.flush:
				for _, f := range b.buffer {
					sink.Put(f)
				}
				b.flushack <- true
			case c := <-b.close:
				for _, f := range b.buffer {
					f.Release()
				}
				b.buffer = nil
				close(b.done)
				c <- true
				return
			}
		}
	}()
	return b
}

// expire releases frames from the head that are MaxAge old at now or that
// exceed MaxFrames.
func (b *Buffer) expire(now time.Time) {
	drop := 0
	for _, f := range b.buffer {
		over := b.MaxFrames > 0 && len(b.buffer)-drop > b.MaxFrames
		if !over && now.Sub(f.Time()) < b.MaxAge {
			break
		}
		f.Release()
		b.buffer[drop] = nil
		drop++
	}
	b.buffer = b.buffer[drop:]
}

// at returns a reference to the newest frame captured at or before t, or
// the oldest frame if all are newer.
func (b *Buffer) at(t time.Time) *source.Frame {
	if len(b.buffer) == 0 {
		return &source.Frame{}
	}
	best := b.buffer[0]
	for _, f := range b.buffer {
		if f.Time().After(t) {
			break
		}
		best = f
	}
	return best.Clone()
}

// Put adds a reference to f to the history. Frames put after Close are
// ignored.
func (b *Buffer) Put(f *source.Frame) {
	if !f.Valid() {
		return
	}
	c := f.Clone()
	select {
	case b.input <- c:
	case <-b.done:
		c.Release()
	}
}

// At returns the frame closest to t. The caller must Release it.
func (b *Buffer) At(t time.Time) *source.Frame {
	q := bufferQuery{at: t, reply: make(chan *source.Frame, 1)}
	select {
	case b.query <- q:
		return <-q.reply
	case <-b.done:
		return &source.Frame{}
	}
}

// FlushToSink hands every buffered frame to sink, oldest first.
func (b *Buffer) FlushToSink(sink sink.Sink) {
	select {
	case b.flush <- sink:
		<-b.flushack
	case <-b.done:
	}
}

// Close releases the history. Later calls are no-ops.
func (b *Buffer) Close() {
	c := make(chan bool)
	select {
	case b.close <- c:
		<-c
	case <-b.done:
	}
}
