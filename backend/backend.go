// Package backend is the process-wide registry of sources, sinks,
// properties and listeners. Every resource is addressed by a handle.Handle
// and every operation reports a status.Code instead of panicking, so callers
// can always proceed with the returned zero value.
package backend

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"camserver/handle"
	"camserver/metrics"
	"camserver/status"
)

// Options configures a Backend. The zero value is usable.
type Options struct {
	// MaxBuffers and MaxFree bound each source's frame pool.
	MaxBuffers int
	MaxFree    int

	// MaxHandles bounds each handle table.
	MaxHandles int

	Metrics *metrics.Metrics
}

type Backend struct {
	opts    Options
	metrics *metrics.Metrics

	sources    *handle.Table[*sourceData]
	sinks      *handle.Table[*sinkData]
	properties *handle.Table[*propertyData]
	listeners  *handle.Table[*listener]

	events *dispatcher

	closeOnce sync.Once
}

func New(opts Options) *Backend {
	b := &Backend{
		opts:       opts,
		metrics:    opts.Metrics,
		sources:    handle.NewTable[*sourceData](handle.KindSource, opts.MaxHandles),
		sinks:      handle.NewTable[*sinkData](handle.KindSink, opts.MaxHandles),
		properties: handle.NewTable[*propertyData](handle.KindProperty, opts.MaxHandles),
		listeners:  handle.NewTable[*listener](handle.KindListener, opts.MaxHandles),
	}
	b.events = newDispatcher(b)
	return b
}

var (
	defaultOnce    sync.Once
	defaultBackend *Backend
)

// Default returns the process-wide backend, creating it on first use.
func Default() *Backend {
	defaultOnce.Do(func() {
		defaultBackend = New(Options{})
	})
	return defaultBackend
}

// SetDefault installs b as the process-wide backend. It must be called
// before the first call to Default.
func SetDefault(b *Backend) bool {
	installed := false
	defaultOnce.Do(func() {
		defaultBackend = b
		installed = true
	})
	return installed
}

func (b *Backend) updateHandleMetrics() {
	if b.metrics == nil {
		return
	}
	b.metrics.SetHandles(handle.KindSource.String(), b.sources.Len())
	b.metrics.SetHandles(handle.KindSink.String(), b.sinks.Len())
	b.metrics.SetHandles(handle.KindProperty.String(), b.properties.Len())
	b.metrics.SetHandles(handle.KindListener.String(), b.listeners.Len())
}

// Counts reports the number of live entries per kind.
func (b *Backend) Counts() map[handle.Kind]int {
	return map[handle.Kind]int{
		handle.KindSource:   b.sources.Len(),
		handle.KindSink:     b.sinks.Len(),
		handle.KindProperty: b.properties.Len(),
		handle.KindListener: b.listeners.Len(),
	}
}

// Close tears down every remaining resource regardless of outstanding
// references, delivers the resulting events and stops the dispatcher. It
// waits for the dispatcher, so it must not be called from a listener
// callback.
func (b *Backend) Close() {
	b.closeOnce.Do(func() {
		b.sinks.Each(func(h handle.Handle, _ *sinkData) {
			if k, st := b.sinks.Remove(h); st == status.OK {
				b.destroySink(h, k)
			}
		})
		b.sources.Each(func(h handle.Handle, _ *sourceData) {
			if s, st := b.sources.Remove(h); st == status.OK {
				b.destroySource(h, s)
			}
		})
		b.events.close()
		b.listeners.Each(func(h handle.Handle, _ *listener) {
			b.listeners.Remove(h)
		})
		b.updateHandleMetrics()
		log.Info("Backend closed")
	})
}
