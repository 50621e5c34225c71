package sink

import (
	"camserver/video/source"
)

// Sink defines a destination for a stream of frames, such as an HTTP stream
// or a history buffer.
type Sink interface {
	// Put hands a frame to the sink. The caller keeps its reference; a sink
	// that needs the frame after Put returns must Clone it.
	Put(f *source.Frame)

	// Close should be called to finalize the Sink.
	Close()
}

// Func adapts a function to the Sink interface.
type Func func(f *source.Frame)

func (fn Func) Put(f *source.Frame) { fn(f) }
func (fn Func) Close()              {}
