package backend

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"camserver/handle"
	"camserver/status"
	"camserver/video/source"
)

// SinkKind tells what consumes a sink's frames.
type SinkKind int

const (
	SinkUnknown SinkKind = iota
	// SinkCv sinks are drained by user code with GrabSinkFrame or a callback.
	SinkCv
	// SinkMJPEG sinks serve frames over HTTP.
	SinkMJPEG
)

func (k SinkKind) String() string {
	switch k {
	case SinkCv:
		return "cv"
	case SinkMJPEG:
		return "mjpeg"
	}
	return "unknown"
}

// FrameFunc receives each new frame of a callback sink. The frame is
// released when the callback returns; Clone it to keep it longer.
type FrameFunc func(f *source.Frame)

type sinkData struct {
	name string
	kind SinkKind

	ctx    context.Context
	cancel context.CancelFunc

	l           sync.Mutex
	description string
	source      handle.Handle
	enabled     bool
	lastFrame   time.Time
	lastError   string
	rebound     chan struct{}
}

// CreateSink registers a sink that is not yet bound to any source.
func (b *Backend) CreateSink(name string, kind SinkKind, description string) (handle.Handle, status.Code) {
	ctx, cancel := context.WithCancel(context.Background())
	k := &sinkData{
		name:        name,
		kind:        kind,
		ctx:         ctx,
		cancel:      cancel,
		description: description,
		enabled:     true,
		rebound:     make(chan struct{}),
	}
	h, st := b.sinks.Alloc(k)
	if st != status.OK {
		cancel()
		log.WithField("sink", name).Errorf("Failed to create sink: %v", st)
		return 0, st
	}
	b.updateHandleMetrics()
	log.WithFields(log.Fields{"sink": name, "handle": h}).Infof("Created %v sink", kind)
	b.events.emit(Event{Kind: SinkCreated, Name: name, Sink: h})
	return h, status.OK
}

func (b *Backend) CreateCvSink(name string) (handle.Handle, status.Code) {
	return b.CreateSink(name, SinkCv, "")
}

// CreateCvSinkCallback creates a sink that calls fn with every new frame of
// its source on a dedicated goroutine. The goroutine ends when the sink is
// destroyed.
func (b *Backend) CreateCvSinkCallback(name string, fn FrameFunc) (handle.Handle, status.Code) {
	if fn == nil {
		return 0, status.EmptyValue
	}
	h, st := b.CreateSink(name, SinkCv, "")
	if st != status.OK {
		return 0, st
	}
	k, _ := b.sinks.Get(h)
	go b.runCallbackSink(k, fn)
	return h, status.OK
}

func (b *Backend) runCallbackSink(k *sinkData, fn FrameFunc) {
	for {
		f, st := b.waitFrame(k.ctx, k, true)
		if st != status.OK || k.ctx.Err() != nil {
			f.Release()
			return
		}
		fn(f)
		f.Release()
	}
}

func (b *Backend) CopySink(h handle.Handle) (handle.Handle, status.Code) {
	return b.sinks.Ref(h)
}

// ReleaseSink drops a reference, destroying the sink with the last one.
func (b *Backend) ReleaseSink(h handle.Handle) status.Code {
	k, last, st := b.sinks.Unref(h)
	if st != status.OK || !last {
		return st
	}
	b.destroySink(h, k)
	return status.OK
}

func (b *Backend) destroySink(h handle.Handle, k *sinkData) {
	k.cancel()
	b.updateHandleMetrics()
	log.WithFields(log.Fields{"sink": k.name, "handle": h}).Info("Destroyed sink")
	b.events.emit(Event{Kind: SinkDestroyed, Name: k.name, Sink: h})
}

func (b *Backend) sink(h handle.Handle) (*sinkData, status.Code) {
	return b.sinks.Get(h)
}

// wakeLocked releases goroutines waiting in waitFrame so they re-read the
// binding. The caller must hold k.l.
func (k *sinkData) wakeLocked() {
	close(k.rebound)
	k.rebound = make(chan struct{})
}

func (b *Backend) SinkKind(h handle.Handle) (SinkKind, status.Code) {
	k, st := b.sink(h)
	if st != status.OK {
		return SinkUnknown, st
	}
	return k.kind, status.OK
}

func (b *Backend) SinkName(h handle.Handle) (string, status.Code) {
	k, st := b.sink(h)
	if st != status.OK {
		return "", st
	}
	return k.name, status.OK
}

func (b *Backend) SinkDescription(h handle.Handle) (string, status.Code) {
	k, st := b.sink(h)
	if st != status.OK {
		return "", st
	}
	k.l.Lock()
	defer k.l.Unlock()
	return k.description, status.OK
}

// SetSinkSource binds the sink to src, or unbinds it when src is 0. Only
// the handle is stored: the sink does not keep the source alive.
func (b *Backend) SetSinkSource(h, src handle.Handle) status.Code {
	k, st := b.sink(h)
	if st != status.OK {
		return st
	}
	name := ""
	if src != 0 {
		if name, st = b.SourceName(src); st != status.OK {
			return st
		}
	}
	k.l.Lock()
	changed := k.source != src
	k.source = src
	k.lastFrame = time.Time{}
	k.wakeLocked()
	k.l.Unlock()

	if changed {
		log.WithFields(log.Fields{"sink": k.name, "source": name}).Info("Sink source changed")
		b.events.emit(Event{Kind: SinkSourceChanged, Name: k.name, Sink: h, Source: src})
	}
	return status.OK
}

// SinkSource returns a new reference to the bound source, or 0 if the sink
// is unbound or its source has been destroyed.
func (b *Backend) SinkSource(h handle.Handle) (handle.Handle, status.Code) {
	k, st := b.sink(h)
	if st != status.OK {
		return 0, st
	}
	k.l.Lock()
	src := k.source
	k.l.Unlock()
	if src == 0 {
		return 0, status.OK
	}
	r, st := b.sources.Ref(src)
	if st != status.OK {
		return 0, status.OK
	}
	return r, status.OK
}

// SinkSourceProperty looks up a property on the bound source.
func (b *Backend) SinkSourceProperty(h handle.Handle, name string) (handle.Handle, status.Code) {
	k, st := b.sink(h)
	if st != status.OK {
		return 0, st
	}
	k.l.Lock()
	src := k.source
	k.l.Unlock()
	if src == 0 {
		return 0, status.InvalidHandle
	}
	return b.SourceProperty(src, name)
}

func (b *Backend) SetSinkEnabled(h handle.Handle, enabled bool) status.Code {
	k, st := b.sink(h)
	if st != status.OK {
		return st
	}
	k.l.Lock()
	changed := k.enabled != enabled
	k.enabled = enabled
	k.wakeLocked()
	k.l.Unlock()
	if changed {
		kind := SinkDisabled
		if enabled {
			kind = SinkEnabled
		}
		b.events.emit(Event{Kind: kind, Name: k.name, Sink: h})
	}
	return status.OK
}

func (b *Backend) IsSinkEnabled(h handle.Handle) (bool, status.Code) {
	k, st := b.sink(h)
	if st != status.OK {
		return false, st
	}
	k.l.Lock()
	defer k.l.Unlock()
	return k.enabled, status.OK
}

// SinkError returns the error from the sink's last failed grab.
func (b *Backend) SinkError(h handle.Handle) (string, status.Code) {
	k, st := b.sink(h)
	if st != status.OK {
		return "", st
	}
	k.l.Lock()
	defer k.l.Unlock()
	return k.lastError, status.OK
}

// GrabSinkFrame waits for a frame newer than the last one this sink grabbed
// and returns a new reference to it. It is the only blocking call in the
// backend; ctx bounds the wait.
func (b *Backend) GrabSinkFrame(ctx context.Context, h handle.Handle) (*source.Frame, status.Code) {
	k, st := b.sink(h)
	if st != status.OK {
		return &source.Frame{}, st
	}
	f, st := b.waitFrame(ctx, k, false)
	k.l.Lock()
	if st != status.OK {
		k.lastError = st.String()
	} else {
		k.lastError = ""
	}
	k.l.Unlock()
	return f, st
}

// waitFrame blocks until the sink's source has a frame the sink has not
// seen. With unbound set, an unbound sink or a destroyed source waits for a
// new binding instead of failing.
func (b *Backend) waitFrame(ctx context.Context, k *sinkData, unbound bool) (*source.Frame, status.Code) {
	for {
		k.l.Lock()
		src, last, rebound, enabled := k.source, k.lastFrame, k.rebound, k.enabled
		k.l.Unlock()

		var s *sourceData
		st := status.InvalidHandle
		if src != 0 {
			if s, st = b.source(src); st != status.OK {
				st = status.SourceIsDisconnected
			}
		}
		if st != status.OK {
			if !unbound {
				return &source.Frame{}, st
			}
			if st := waitRebind(ctx, k, rebound); st != status.OK {
				return &source.Frame{}, st
			}
			continue
		}

		s.l.Lock()
		if s.destroyed {
			s.l.Unlock()
			if !unbound {
				return &source.Frame{}, status.SourceIsDisconnected
			}
			if st := waitRebind(ctx, k, rebound); st != status.OK {
				return &source.Frame{}, st
			}
			continue
		}
		var f *source.Frame
		if enabled && s.frame.Valid() && s.frame.Time().After(last) {
			f = s.frame.Clone()
		}
		next := s.newFrame
		s.l.Unlock()

		if f != nil {
			k.l.Lock()
			if k.source == src {
				k.lastFrame = f.Time()
			}
			k.l.Unlock()
			return f, status.OK
		}

		select {
		case <-ctx.Done():
			return &source.Frame{}, status.Timeout
		case <-k.ctx.Done():
			return &source.Frame{}, status.InvalidHandle
		case <-rebound:
		case <-next:
		}
	}
}

func waitRebind(ctx context.Context, k *sinkData, rebound <-chan struct{}) status.Code {
	select {
	case <-ctx.Done():
		return status.Timeout
	case <-k.ctx.Done():
		return status.InvalidHandle
	case <-rebound:
		return status.OK
	}
}

// EnumerateSinks returns a new reference to every live sink. The caller must
// release each one.
func (b *Backend) EnumerateSinks() []handle.Handle {
	var out []handle.Handle
	b.sinks.Each(func(h handle.Handle, _ *sinkData) {
		if r, st := b.sinks.Ref(h); st == status.OK {
			out = append(out, r)
		}
	})
	return out
}
