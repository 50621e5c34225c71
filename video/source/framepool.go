package source

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"camserver/metrics"
	"camserver/status"
)

const (
	DefaultMaxBuffers = 64
	DefaultMaxFree    = 8
)

// FramePool owns the image buffers of one source. It hands out buffers for
// capture, publishes filled buffers as Frames and takes them back once the
// last Frame reference is released.
type FramePool struct {
	Name string

	// OnReclaim, if set, is called after a frame's buffer has been taken back.
	// It runs on whichever goroutine released the last reference.
	OnReclaim func(Image, time.Time)

	// OnDrained, if set, is called once after Close when the last buffer is
	// gone. Set it before the pool is shared.
	OnDrained func()

	maxBuffers int
	maxFree    int
	metrics    *metrics.PoolMetrics

	l         sync.Mutex
	allocated int
	available [][]byte
	closed    bool
	published uint64
	reclaimed uint64
	dropped   uint64
	lastFrame time.Time
	drained   bool
}

// PoolStats is a snapshot of a FramePool.
type PoolStats struct {
	Allocated   int
	Free        int
	Outstanding int
	Published   uint64
	Reclaimed   uint64
	Dropped     uint64
}

// NewFramePool creates a pool for the named source. Zero limits select the
// defaults.
func NewFramePool(name string, maxBuffers, maxFree int, m *metrics.PoolMetrics) *FramePool {
	if maxBuffers <= 0 {
		maxBuffers = DefaultMaxBuffers
	}
	if maxFree <= 0 {
		maxFree = DefaultMaxFree
	}
	if maxFree > maxBuffers {
		maxFree = maxBuffers
	}
	return &FramePool{
		Name:       name,
		maxBuffers: maxBuffers,
		maxFree:    maxFree,
		metrics:    m,
	}
}

// Alloc returns a buffer of length size, reusing a free one when possible.
func (p *FramePool) Alloc(size int) ([]byte, status.Code) {
	p.l.Lock()
	defer p.l.Unlock()
	if p.closed {
		return nil, status.Closed
	}
	return p.alloc(size)
}

func (p *FramePool) alloc(size int) ([]byte, status.Code) {
	for i, b := range p.available {
		if cap(b) >= size {
			last := len(p.available) - 1
			p.available[i] = p.available[last]
			p.available[last] = nil
			p.available = p.available[:last]
			return b[:size], status.OK
		}
	}
	if p.allocated >= p.maxBuffers {
		if len(p.available) == 0 {
			log.WithField("source", p.Name).Warnf("Frame pool exhausted at %d buffers. Perhaps a Frame isn't being released?", p.allocated)
			return nil, status.ResourceUnavailable
		}
		// Every buffer is allocated but a free one is too small; trade it in.
		last := len(p.available) - 1
		p.available[last] = nil
		p.available = p.available[:last]
		p.allocated--
	}
	p.allocated++
	p.metrics.Allocated(p.allocated)
	return make([]byte, size), status.OK
}

// Publish copies img into a pool buffer and returns the caller's reference
// to the new frame.
func (p *FramePool) Publish(img Image, t time.Time) (*Frame, status.Code) {
	p.l.Lock()
	if p.closed {
		p.l.Unlock()
		return &Frame{}, status.Closed
	}
	buf, st := p.alloc(len(img.Data))
	if st != status.OK {
		p.dropped++
		p.l.Unlock()
		p.metrics.Dropped()
		return &Frame{}, st
	}
	p.l.Unlock()

	copy(buf, img.Data)
	img.Data = buf
	return p.publish(img, t), status.OK
}

// PublishBuffer publishes a buffer previously returned by Alloc without
// copying it. The caller must not touch buf afterwards.
func (p *FramePool) PublishBuffer(img Image, t time.Time) (*Frame, status.Code) {
	p.l.Lock()
	closed := p.closed
	p.l.Unlock()
	if closed {
		p.Discard(img.Data)
		return &Frame{}, status.Closed
	}
	return p.publish(img, t), status.OK
}

func (p *FramePool) publish(img Image, t time.Time) *Frame {
	p.l.Lock()
	p.published++
	if t.After(p.lastFrame) {
		p.lastFrame = t
	}
	p.l.Unlock()
	p.metrics.Published()

	return attach(p, &frameData{time: t, image: img})
}

// Discard returns a buffer from Alloc that was never published.
func (p *FramePool) Discard(buf []byte) {
	if buf == nil {
		return
	}
	p.l.Lock()
	p.putLocked(buf)
	drained := p.drainedLocked()
	p.l.Unlock()
	p.notifyDrained(drained)
}

// putLocked keeps buf for reuse or lets it go.
func (p *FramePool) putLocked(buf []byte) {
	if p.closed || len(p.available) >= p.maxFree {
		p.allocated--
		p.metrics.Allocated(p.allocated)
		return
	}
	p.available = append(p.available, buf[:0])
}

// drainedLocked reports, once, that the pool is closed and empty.
func (p *FramePool) drainedLocked() bool {
	if !p.closed || p.allocated > 0 || p.drained {
		return false
	}
	p.drained = true
	return true
}

func (p *FramePool) notifyDrained(drained bool) {
	if drained && p.OnDrained != nil {
		p.OnDrained()
	}
}

func (p *FramePool) reclaim(d *frameData) {
	if p == nil {
		return
	}
	p.l.Lock()
	p.reclaimed++
	p.putLocked(d.image.Data)
	drained := p.drainedLocked()
	p.l.Unlock()
	p.metrics.Reclaimed()
	p.notifyDrained(drained)

	if p.OnReclaim != nil {
		p.OnReclaim(d.image, d.time)
	}
}

// LastFrameTime returns the newest capture time published, or zero.
func (p *FramePool) LastFrameTime() time.Time {
	p.l.Lock()
	defer p.l.Unlock()
	return p.lastFrame
}

func (p *FramePool) Stats() PoolStats {
	p.l.Lock()
	defer p.l.Unlock()
	return PoolStats{
		Allocated:   p.allocated,
		Free:        len(p.available),
		Outstanding: p.allocated - len(p.available),
		Published:   p.published,
		Reclaimed:   p.reclaimed,
		Dropped:     p.dropped,
	}
}

// Close drops the free buffers. Frames still referenced stay valid; their
// buffers are discarded when released.
func (p *FramePool) Close() {
	p.l.Lock()
	if p.closed {
		p.l.Unlock()
		return
	}
	p.closed = true
	p.allocated -= len(p.available)
	p.available = nil
	p.metrics.Allocated(p.allocated)
	drained := p.drainedLocked()
	p.l.Unlock()
	p.notifyDrained(drained)
}
