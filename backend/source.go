package backend

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"camserver/handle"
	"camserver/status"
	"camserver/video/source"
)

// SourceKind tells how a source is fed.
type SourceKind int

const (
	SourceUnknown SourceKind = iota
	// SourceCv sources are fed by user code through PutSourceFrame.
	SourceCv
	// SourceExternal sources are fed by a capture driver outside this package.
	SourceExternal
)

func (k SourceKind) String() string {
	switch k {
	case SourceCv:
		return "cv"
	case SourceExternal:
		return "external"
	}
	return "unknown"
}

// VideoMode is the format a source produces.
type VideoMode struct {
	Format source.PixelFormat
	Width  int
	Height int
	FPS    int
}

type sourceData struct {
	name string
	kind SourceKind
	pool *source.FramePool

	l           sync.Mutex
	description string
	mode        VideoMode
	connected   bool
	lastError   string
	frame       *source.Frame
	newFrame    chan struct{}
	destroyed   bool
	props       map[string]handle.Handle
}

// CreateSource registers a source of the given kind.
func (b *Backend) CreateSource(name string, kind SourceKind, mode VideoMode) (handle.Handle, status.Code) {
	s := &sourceData{
		name:     name,
		kind:     kind,
		pool:     source.NewFramePool(name, b.opts.MaxBuffers, b.opts.MaxFree, b.metrics.Pool(name)),
		mode:     mode,
		newFrame: make(chan struct{}),
		props:    make(map[string]handle.Handle),
	}
	// Series outlive the source until consumers release its last frame.
	s.pool.OnDrained = func() { b.metrics.Forget(name) }
	h, st := b.sources.Alloc(s)
	if st != status.OK {
		s.pool.Close()
		log.WithField("source", name).Errorf("Failed to create source: %v", st)
		return 0, st
	}
	b.updateHandleMetrics()
	log.WithFields(log.Fields{"source": name, "handle": h}).Infof("Created %v source", kind)
	b.events.emit(Event{Kind: SourceCreated, Name: name, Source: h})
	return h, status.OK
}

// CreateCvSource creates a source fed by PutSourceFrame.
func (b *Backend) CreateCvSource(name string, mode VideoMode) (handle.Handle, status.Code) {
	return b.CreateSource(name, SourceCv, mode)
}

// CopySource adds a reference to h.
func (b *Backend) CopySource(h handle.Handle) (handle.Handle, status.Code) {
	return b.sources.Ref(h)
}

// ReleaseSource drops a reference to h, destroying the source with the last
// one. Sinks bound to it are not affected beyond losing their source.
func (b *Backend) ReleaseSource(h handle.Handle) status.Code {
	s, last, st := b.sources.Unref(h)
	if st != status.OK || !last {
		return st
	}
	b.destroySource(h, s)
	return status.OK
}

func (b *Backend) destroySource(h handle.Handle, s *sourceData) {
	s.l.Lock()
	s.destroyed = true
	frame := s.frame
	s.frame = nil
	close(s.newFrame)
	props := s.props
	s.props = nil
	s.l.Unlock()

	frame.Release()
	for _, ph := range props {
		b.properties.Remove(ph)
	}
	s.pool.Close()
	b.updateHandleMetrics()

	log.WithFields(log.Fields{"source": s.name, "handle": h}).Info("Destroyed source")
	b.events.emit(Event{Kind: SourceDestroyed, Name: s.name, Source: h})
}

func (b *Backend) source(h handle.Handle) (*sourceData, status.Code) {
	return b.sources.Get(h)
}

func (b *Backend) SourceKind(h handle.Handle) (SourceKind, status.Code) {
	s, st := b.source(h)
	if st != status.OK {
		return SourceUnknown, st
	}
	return s.kind, status.OK
}

func (b *Backend) SourceName(h handle.Handle) (string, status.Code) {
	s, st := b.source(h)
	if st != status.OK {
		return "", st
	}
	return s.name, status.OK
}

func (b *Backend) SourceDescription(h handle.Handle) (string, status.Code) {
	s, st := b.source(h)
	if st != status.OK {
		return "", st
	}
	s.l.Lock()
	defer s.l.Unlock()
	return s.description, status.OK
}

func (b *Backend) SetSourceDescription(h handle.Handle, desc string) status.Code {
	s, st := b.source(h)
	if st != status.OK {
		return st
	}
	s.l.Lock()
	s.description = desc
	s.l.Unlock()
	return status.OK
}

// SourceLastFrameTime returns the capture time of the newest frame, or the
// zero time if none was published.
func (b *Backend) SourceLastFrameTime(h handle.Handle) (time.Time, status.Code) {
	s, st := b.source(h)
	if st != status.OK {
		return time.Time{}, st
	}
	return s.pool.LastFrameTime(), status.OK
}

func (b *Backend) IsSourceConnected(h handle.Handle) (bool, status.Code) {
	s, st := b.source(h)
	if st != status.OK {
		return false, st
	}
	s.l.Lock()
	defer s.l.Unlock()
	return s.connected, status.OK
}

// SetSourceConnected records the connection state and notifies listeners on
// change.
func (b *Backend) SetSourceConnected(h handle.Handle, connected bool) status.Code {
	s, st := b.source(h)
	if st != status.OK {
		return st
	}
	s.l.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.l.Unlock()
	if !changed {
		return status.OK
	}
	kind := SourceDisconnected
	if connected {
		kind = SourceConnected
	}
	log.WithField("source", s.name).Infof("Source %v", kind)
	b.events.emit(Event{Kind: kind, Name: s.name, Source: h})
	return status.OK
}

// NotifySourceError reports an out-of-band error to listeners.
func (b *Backend) NotifySourceError(h handle.Handle, msg string) status.Code {
	s, st := b.source(h)
	if st != status.OK {
		return st
	}
	s.l.Lock()
	s.lastError = msg
	s.l.Unlock()
	log.WithField("source", s.name).Warnf("Source error: %s", msg)
	b.events.emit(Event{Kind: SourceError, Name: s.name, Source: h, Message: msg})
	return status.OK
}

// SourceError returns the last error reported with NotifySourceError.
func (b *Backend) SourceError(h handle.Handle) (string, status.Code) {
	s, st := b.source(h)
	if st != status.OK {
		return "", st
	}
	s.l.Lock()
	defer s.l.Unlock()
	return s.lastError, status.OK
}

func (b *Backend) SourceVideoMode(h handle.Handle) (VideoMode, status.Code) {
	s, st := b.source(h)
	if st != status.OK {
		return VideoMode{}, st
	}
	s.l.Lock()
	defer s.l.Unlock()
	return s.mode, status.OK
}

func (b *Backend) SetSourceVideoMode(h handle.Handle, mode VideoMode) status.Code {
	s, st := b.source(h)
	if st != status.OK {
		return st
	}
	s.l.Lock()
	changed := s.mode != mode
	s.mode = mode
	s.l.Unlock()
	if changed {
		b.events.emit(Event{Kind: SourceVideoModeChanged, Name: s.name, Source: h})
	}
	return status.OK
}

// PutSourceFrame publishes img, stamped with the current time, as the
// source's newest frame. The previous frame loses the source's reference
// and is reclaimed once every consumer has released it.
func (b *Backend) PutSourceFrame(h handle.Handle, img source.Image) status.Code {
	s, st := b.source(h)
	if st != status.OK {
		return st
	}
	f, st := s.pool.Publish(img, time.Now())
	if st == status.Closed {
		// Destroyed after the lookup.
		return status.InvalidHandle
	}
	if st != status.OK {
		return st
	}

	s.l.Lock()
	if s.destroyed {
		s.l.Unlock()
		f.Release()
		return status.InvalidHandle
	}
	old := s.frame
	s.frame = f
	close(s.newFrame)
	s.newFrame = make(chan struct{})
	s.l.Unlock()

	old.Release()
	b.events.emit(Event{Kind: FramePublished, Name: s.name, Source: h})
	return status.OK
}

// SourceFrame returns a new reference to the newest frame. The caller must
// Release it. An empty Frame is returned if nothing was published yet.
func (b *Backend) SourceFrame(h handle.Handle) (*source.Frame, status.Code) {
	s, st := b.source(h)
	if st != status.OK {
		return &source.Frame{}, st
	}
	s.l.Lock()
	defer s.l.Unlock()
	return s.frame.Clone(), status.OK
}

// SourcePoolStats exposes the source's frame pool counters.
func (b *Backend) SourcePoolStats(h handle.Handle) (source.PoolStats, status.Code) {
	s, st := b.source(h)
	if st != status.OK {
		return source.PoolStats{}, st
	}
	return s.pool.Stats(), status.OK
}

// EnumerateSources returns a new reference to every live source. The caller
// must release each one.
func (b *Backend) EnumerateSources() []handle.Handle {
	var out []handle.Handle
	b.sources.Each(func(h handle.Handle, _ *sourceData) {
		if r, st := b.sources.Ref(h); st == status.OK {
			out = append(out, r)
		}
	})
	return out
}
