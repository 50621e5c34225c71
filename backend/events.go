package backend

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"camserver/handle"
	"camserver/status"
)

// EventKind is a bit in a listener's interest mask.
type EventKind uint32

const (
	SourceCreated EventKind = 1 << iota
	SourceDestroyed
	SourceConnected
	SourceDisconnected
	SourceError
	SourceVideoModeChanged
	SourcePropertyCreated
	SourcePropertyValueUpdated
	SourcePropertyChoicesUpdated
	SinkSourceChanged
	SinkCreated
	SinkDestroyed
	SinkEnabled
	SinkDisabled
	// FramePublished fires for every frame and is only delivered to
	// listeners that ask for it explicitly.
	FramePublished

	SourceEvents = SourceCreated | SourceDestroyed | SourceConnected | SourceDisconnected |
		SourceError | SourceVideoModeChanged | SourcePropertyCreated |
		SourcePropertyValueUpdated | SourcePropertyChoicesUpdated
	SinkEvents = SinkSourceChanged | SinkCreated | SinkDestroyed | SinkEnabled | SinkDisabled
	AllEvents  = SourceEvents | SinkEvents
)

var eventNames = []struct {
	k    EventKind
	name string
}{
	{SourceCreated, "source_created"},
	{SourceDestroyed, "source_destroyed"},
	{SourceConnected, "source_connected"},
	{SourceDisconnected, "source_disconnected"},
	{SourceError, "source_error"},
	{SourceVideoModeChanged, "source_video_mode_changed"},
	{SourcePropertyCreated, "source_property_created"},
	{SourcePropertyValueUpdated, "source_property_value_updated"},
	{SourcePropertyChoicesUpdated, "source_property_choices_updated"},
	{SinkSourceChanged, "sink_source_changed"},
	{SinkCreated, "sink_created"},
	{SinkDestroyed, "sink_destroyed"},
	{SinkEnabled, "sink_enabled"},
	{SinkDisabled, "sink_disabled"},
	{FramePublished, "frame_published"},
}

func (k EventKind) String() string {
	for _, e := range eventNames {
		if e.k == k {
			return e.name
		}
	}
	return "unknown"
}

// ParseEventKind is the inverse of EventKind.String for single events.
func ParseEventKind(s string) (EventKind, bool) {
	for _, e := range eventNames {
		if e.name == s {
			return e.k, true
		}
	}
	return 0, false
}

// Event describes one lifecycle change. Handles may already be stale by the
// time the event is delivered; Name is always filled in.
type Event struct {
	Kind     EventKind
	Name     string
	Source   handle.Handle
	Sink     handle.Handle
	Property handle.Handle
	Message  string

	// target restricts delivery to one listener (initial state replay).
	target handle.Handle
}

// ListenerFunc receives events on the dispatcher goroutine. Events are
// delivered one at a time in emission order.
type ListenerFunc func(Event)

type listener struct {
	fn   ListenerFunc
	mask EventKind

	l       sync.Mutex
	removed bool
}

// dispatcher owns the event queue. Emitters append and never block; a single
// goroutine drains the queue.
type dispatcher struct {
	b *Backend

	l       sync.Mutex
	queue   []Event
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	anyMask atomic.Uint32
}

func newDispatcher(b *Backend) *dispatcher {
	d := &dispatcher{
		b:    b,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// wants reports whether any listener is interested in k.
func (d *dispatcher) wants(k EventKind) bool {
	return EventKind(d.anyMask.Load())&k != 0
}

func (d *dispatcher) emit(e Event) {
	if !d.wants(e.Kind) {
		return
	}
	d.l.Lock()
	if d.closed {
		d.l.Unlock()
		return
	}
	d.queue = append(d.queue, e)
	d.l.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.l.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.l.Unlock()

		for _, e := range batch {
			d.deliver(e)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-d.wake
		}
	}
}

func (d *dispatcher) deliver(e Event) {
	if e.target != 0 {
		if l, st := d.b.listeners.Get(e.target); st == status.OK {
			d.call(l, e)
		}
		return
	}
	d.b.listeners.Each(func(_ handle.Handle, l *listener) {
		d.call(l, e)
	})
}

func (d *dispatcher) call(l *listener, e Event) {
	if l.mask&e.Kind == 0 {
		return
	}
	l.l.Lock()
	defer l.l.Unlock()
	if l.removed {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("event", e.Kind).Errorf("Listener callback panicked: %v", r)
			}
		}()
		l.fn(e)
	}()
	if e.Kind != flushMarker {
		d.b.metrics.EventDelivered(e.Kind.String())
	}
}

// recomputeMask refreshes the union of all listener masks.
func (d *dispatcher) recomputeMask() {
	var m EventKind
	d.b.listeners.Each(func(_ handle.Handle, l *listener) {
		m |= l.mask
	})
	d.anyMask.Store(uint32(m))
}

func (d *dispatcher) close() {
	d.l.Lock()
	d.closed = true
	d.l.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

// AddListener registers fn for the events in mask. With immediate set, fn
// first receives a SourceCreated / SinkCreated event for every source and
// sink that already exists.
func (b *Backend) AddListener(fn ListenerFunc, mask EventKind, immediate bool) (handle.Handle, status.Code) {
	if fn == nil {
		return 0, status.EmptyValue
	}
	h, st := b.listeners.Alloc(&listener{fn: fn, mask: mask})
	if st != status.OK {
		return 0, st
	}
	b.events.recomputeMask()
	b.updateHandleMetrics()

	if immediate {
		if mask&SourceCreated != 0 {
			b.sources.Each(func(sh handle.Handle, s *sourceData) {
				b.events.emit(Event{Kind: SourceCreated, Name: s.name, Source: sh, target: h})
			})
		}
		if mask&SinkCreated != 0 {
			b.sinks.Each(func(kh handle.Handle, k *sinkData) {
				b.events.emit(Event{Kind: SinkCreated, Name: k.name, Sink: kh, target: h})
			})
		}
	}
	return h, status.OK
}

// RemoveListener unregisters a listener. When it returns the callback is not
// running and will not run again. It must not be called from the listener's
// own callback; use RemoveListenerFromCallback there.
func (b *Backend) RemoveListener(h handle.Handle) status.Code {
	l, st := b.listeners.Remove(h)
	if st != status.OK {
		return st
	}
	// Waits out an in-flight delivery.
	l.l.Lock()
	l.removed = true
	l.l.Unlock()

	b.events.recomputeMask()
	b.updateHandleMetrics()
	return status.OK
}

// RemoveListenerFromCallback unregisters the listener whose callback is
// currently running. Delivery is serial, so nothing else can be in flight.
func (b *Backend) RemoveListenerFromCallback(h handle.Handle) status.Code {
	l, st := b.listeners.Remove(h)
	if st != status.OK {
		return st
	}
	// The dispatcher holds l.l while the callback runs.
	l.removed = true
	b.events.recomputeMask()
	b.updateHandleMetrics()
	return status.OK
}

// Flush blocks until every event emitted before the call has been
// delivered. Delivery happens on the dispatcher goroutine, so Flush must not
// be called from a listener callback.
func (b *Backend) Flush() {
	ch := make(chan struct{})
	h, st := b.listeners.Alloc(&listener{
		fn:   func(Event) { close(ch) },
		mask: flushMarker,
	})
	if st != status.OK {
		return
	}
	defer b.listeners.Remove(h)

	// Bypasses emit so the marker is queued even with no interested listener.
	b.events.l.Lock()
	if b.events.closed {
		b.events.l.Unlock()
		return
	}
	b.events.queue = append(b.events.queue, Event{Kind: flushMarker, target: h})
	b.events.l.Unlock()
	select {
	case b.events.wake <- struct{}{}:
	default:
	}
	select {
	case <-ch:
	case <-b.events.done:
	}
}

const flushMarker EventKind = 1 << 31
