package cs

import (
	"camserver/backend"
	"camserver/status"
)

// SourceEvent is delivered to a SourceListener. Source and Property are
// references held for the duration of the callback only; Clone them to keep
// them. They are empty when the resource is already gone.
type SourceEvent struct {
	Kind     backend.EventKind
	Name     string
	Source   *VideoSource
	Property *VideoProperty
	Message  string
}

// SinkEvent is delivered to a SinkListener. Sink and Source follow the same
// rules as in SourceEvent.
type SinkEvent struct {
	Kind   backend.EventKind
	Name   string
	Sink   *VideoSink
	Source *VideoSource
}

type listenerResource struct {
	resource
}

func (l *listenerResource) Close() {
	l.close(l.backend().RemoveListener)
}

// CloseFromCallback unregisters the listener from inside its own callback,
// where Close would wait on itself.
func (l *listenerResource) CloseFromCallback() {
	l.close(l.backend().RemoveListenerFromCallback)
}

// SourceListener delivers source events until closed. Once Close returns the
// callback never runs again.
type SourceListener struct {
	listenerResource
}

// NewSourceListener registers fn for the source events in mask. With
// immediate set, fn first sees a SourceCreated event for every existing
// source.
func NewSourceListener(b *backend.Backend, fn func(SourceEvent), mask backend.EventKind, immediate bool) *SourceListener {
	if b == nil {
		b = backend.Default()
	}
	l := &SourceListener{}
	l.b = b
	if fn == nil {
		l.st = status.EmptyValue
		return l
	}
	l.h, l.st = b.AddListener(func(e backend.Event) {
		ev := SourceEvent{
			Kind:     e.Kind,
			Name:     e.Name,
			Source:   &VideoSource{resource{b: b}},
			Property: &VideoProperty{resource{b: b}},
			Message:  e.Message,
		}
		if e.Source != 0 {
			ev.Source.h, ev.Source.st = b.CopySource(e.Source)
		}
		if e.Property != 0 {
			ev.Property.h, ev.Property.st = b.CopyProperty(e.Property)
		}
		defer ev.Source.Close()
		defer ev.Property.Close()
		fn(ev)
	}, mask&(backend.SourceEvents|backend.FramePublished), immediate)
	return l
}

// SinkListener delivers sink events until closed.
type SinkListener struct {
	listenerResource
}

// NewSinkListener registers fn for the sink events in mask. With immediate
// set, fn first sees a SinkCreated event for every existing sink.
func NewSinkListener(b *backend.Backend, fn func(SinkEvent), mask backend.EventKind, immediate bool) *SinkListener {
	if b == nil {
		b = backend.Default()
	}
	l := &SinkListener{}
	l.b = b
	if fn == nil {
		l.st = status.EmptyValue
		return l
	}
	l.h, l.st = b.AddListener(func(e backend.Event) {
		ev := SinkEvent{
			Kind:   e.Kind,
			Name:   e.Name,
			Sink:   &VideoSink{resource{b: b}},
			Source: &VideoSource{resource{b: b}},
		}
		if e.Sink != 0 {
			ev.Sink.h, ev.Sink.st = b.CopySink(e.Sink)
		}
		if e.Source != 0 {
			ev.Source.h, ev.Source.st = b.CopySource(e.Source)
		}
		defer ev.Sink.Close()
		defer ev.Source.Close()
		fn(ev)
	}, mask&backend.SinkEvents, immediate)
	return l
}

// Move returns a listener owning l's registration and leaves l empty.
// Listeners cannot be cloned.
func (l *SourceListener) Move() *SourceListener {
	return &SourceListener{listenerResource{l.move()}}
}

func (l *SinkListener) Move() *SinkListener {
	return &SinkListener{listenerResource{l.move()}}
}
