package cs

import (
	"context"
	"time"

	"camserver/backend"
	"camserver/handle"
	"camserver/status"
	"camserver/video/source"
)

// VideoSink is an owned reference to a backend sink.
type VideoSink struct {
	resource
}

func wrapSink(b *backend.Backend, h handle.Handle, st status.Code) *VideoSink {
	return &VideoSink{resource{b: b, h: h, st: st}}
}

// Sinks returns a wrapper for every live sink.
func Sinks(b *backend.Backend) []*VideoSink {
	if b == nil {
		b = backend.Default()
	}
	var out []*VideoSink
	for _, h := range b.EnumerateSinks() {
		out = append(out, wrapSink(b, h, status.OK))
	}
	return out
}

func (k *VideoSink) Clone() *VideoSink {
	return &VideoSink{k.clone(k.backend().CopySink)}
}

func (k *VideoSink) Move() *VideoSink {
	return &VideoSink{k.move()}
}

func (k *VideoSink) Close() {
	k.close(k.backend().ReleaseSink)
}

func (k *VideoSink) Equal(o *VideoSink) bool {
	if o == nil {
		return k.equal(nil)
	}
	return k.equal(&o.resource)
}

func (k *VideoSink) Kind() backend.SinkKind {
	v, st := k.backend().SinkKind(k.h)
	k.set(st)
	return v
}

func (k *VideoSink) Name() string {
	v, st := k.backend().SinkName(k.h)
	k.set(st)
	return v
}

func (k *VideoSink) Description() string {
	v, st := k.backend().SinkDescription(k.h)
	k.set(st)
	return v
}

// SetSource binds the sink to src, or unbinds it when src is nil or empty.
// The sink does not keep src alive.
func (k *VideoSink) SetSource(src *VideoSource) {
	var h handle.Handle
	if src != nil {
		h = src.h
	}
	k.set(k.backend().SetSinkSource(k.h, h))
}

// Source returns a new reference to the bound source. The wrapper is empty
// if the sink is unbound or its source is gone.
func (k *VideoSink) Source() *VideoSource {
	h, st := k.backend().SinkSource(k.h)
	k.set(st)
	return wrapSource(k.b, h, st)
}

// SourceProperty looks up a property of the bound source.
func (k *VideoSink) SourceProperty(name string) *VideoProperty {
	h, st := k.backend().SinkSourceProperty(k.h, name)
	k.set(st)
	return wrapProperty(k.b, h, st)
}

func (k *VideoSink) SetEnabled(enabled bool) {
	k.set(k.backend().SetSinkEnabled(k.h, enabled))
}

func (k *VideoSink) Enabled() bool {
	v, st := k.backend().IsSinkEnabled(k.h)
	k.set(st)
	return v
}

// Error returns the reason the last grab failed.
func (k *VideoSink) Error() string {
	v, st := k.backend().SinkError(k.h)
	k.set(st)
	return v
}

// CvSink is a sink drained by user code.
type CvSink struct {
	VideoSink
}

// NewCvSink creates a sink on b, or on the default backend when b is nil.
func NewCvSink(b *backend.Backend, name string) *CvSink {
	if b == nil {
		b = backend.Default()
	}
	h, st := b.CreateCvSink(name)
	return &CvSink{*wrapSink(b, h, st)}
}

// NewCvSinkCallback creates a sink that calls fn with each new frame of its
// source on a goroutine of its own. The frame is released after fn returns.
func NewCvSinkCallback(b *backend.Backend, name string, fn func(*source.Frame)) *CvSink {
	if b == nil {
		b = backend.Default()
	}
	h, st := b.CreateCvSinkCallback(name, fn)
	return &CvSink{*wrapSink(b, h, st)}
}

// NewMJPEGSink creates a sink for an HTTP stream. It is drained with
// GrabFrame like any CvSink.
func NewMJPEGSink(b *backend.Backend, name, description string) *CvSink {
	if b == nil {
		b = backend.Default()
	}
	h, st := b.CreateSink(name, backend.SinkMJPEG, description)
	return &CvSink{*wrapSink(b, h, st)}
}

func (k *CvSink) Clone() *CvSink {
	return &CvSink{*k.VideoSink.Clone()}
}

func (k *CvSink) Move() *CvSink {
	return &CvSink{*k.VideoSink.Move()}
}

// GrabFrame waits for a frame newer than the last one grabbed. It returns an
// empty frame and Timeout when ctx ends first. The caller must Release the
// frame.
func (k *CvSink) GrabFrame(ctx context.Context) *source.Frame {
	f, st := k.backend().GrabSinkFrame(ctx, k.h)
	k.set(st)
	return f
}

// GrabFrameTimeout is GrabFrame bounded by d.
func (k *CvSink) GrabFrameTimeout(d time.Duration) *source.Frame {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return k.GrabFrame(ctx)
}
