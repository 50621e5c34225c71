package source

import (
	"sync/atomic"
	"time"
)

// PixelFormat describes how Image.Data is laid out.
type PixelFormat int

const (
	PixelUnknown PixelFormat = iota
	PixelMJPEG
	PixelYUYV
	PixelRGB565
	PixelBGR
	PixelGray
)

func (p PixelFormat) String() string {
	switch p {
	case PixelMJPEG:
		return "mjpeg"
	case PixelYUYV:
		return "yuyv"
	case PixelRGB565:
		return "rgb565"
	case PixelBGR:
		return "bgr"
	case PixelGray:
		return "gray"
	}
	return "unknown"
}

// ParsePixelFormat is the inverse of PixelFormat.String.
func ParsePixelFormat(s string) PixelFormat {
	for p := PixelMJPEG; p <= PixelGray; p++ {
		if p.String() == s {
			return p
		}
	}
	return PixelUnknown
}

// Image is raw frame storage plus its geometry.
type Image struct {
	Width  int
	Height int
	Format PixelFormat
	Data   []byte
}

type frameData struct {
	refs  atomic.Int32
	time  time.Time
	image Image
}

// Frame is a counted reference to one published image. Frames are shared
// between goroutines by Clone, never by copying pixel data: the image bytes
// are immutable from Publish until the last reference is released, at which
// point the pool reclaims them.
//
// The zero Frame and a nil *Frame are both empty; every accessor on them
// returns a zero value.
//
// A single *Frame must not be Released concurrently with its own Clone or
// Move. Distinct *Frame values sharing a buffer are independent.
type Frame struct {
	pool *FramePool
	data atomic.Pointer[frameData]
}

func attach(p *FramePool, d *frameData) *Frame {
	f := &Frame{pool: p}
	if d != nil {
		d.refs.Add(1)
		f.data.Store(d)
	}
	return f
}

// Clone returns a new reference to the same image.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return &Frame{}
	}
	return attach(f.pool, f.data.Load())
}

// Move transfers the reference to a new Frame and leaves f empty.
func (f *Frame) Move() *Frame {
	if f == nil {
		return &Frame{}
	}
	n := &Frame{pool: f.pool}
	if d := f.data.Swap(nil); d != nil {
		n.data.Store(d)
	}
	return n
}

// Release drops this reference. The goroutine that drops the last reference
// hands the buffer back to the pool. Releasing an empty Frame is a no-op.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	d := f.data.Swap(nil)
	if d == nil {
		return
	}
	if d.refs.Add(-1) == 0 {
		f.pool.reclaim(d)
	}
}

// Valid reports whether f refers to an image.
func (f *Frame) Valid() bool {
	return f != nil && f.data.Load() != nil
}

func (f *Frame) load() *frameData {
	if f == nil {
		return nil
	}
	return f.data.Load()
}

// Size returns the payload length in bytes.
func (f *Frame) Size() int {
	if d := f.load(); d != nil {
		return len(d.image.Data)
	}
	return 0
}

// Data returns the payload. The slice must not be modified.
func (f *Frame) Data() []byte {
	if d := f.load(); d != nil {
		return d.image.Data
	}
	return nil
}

// Time returns the capture time, or the zero time for an empty Frame.
func (f *Frame) Time() time.Time {
	if d := f.load(); d != nil {
		return d.time
	}
	return time.Time{}
}

// Image returns the image header. Image.Data must not be modified.
func (f *Frame) Image() Image {
	if d := f.load(); d != nil {
		return d.image
	}
	return Image{}
}

func (f *Frame) Width() int { return f.Image().Width }
func (f *Frame) Height() int { return f.Image().Height }
func (f *Frame) PixelFormat() PixelFormat { return f.Image().Format }

// RefCount returns the number of live references to the image, 0 if empty.
func (f *Frame) RefCount() int {
	if d := f.load(); d != nil {
		return int(d.refs.Load())
	}
	return 0
}
