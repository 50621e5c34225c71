package sink

import (
	"time"

	"camserver/video/source"
)

const maxGap = 2 * time.Second

// FPSNormalize wraps another Sink so that an incoming stream of variable-timed
// video is converted to fixed-rate video. Frames will be dropped or repeated
// in order to achieve the target frame rate. Repeats share the buffer of the
// last frame.
type FPSNormalize struct {
	// sink is the wrapped Sink which will receive a FPS-normalized stream.
	sink Sink

	frameDur time.Duration
	last     *source.Frame
	curFrame time.Time
}

// NewFPSNormalize creates an FPSNormalize, wrapping the provided sink and
// exporting at the given frame rate.
func NewFPSNormalize(sink Sink, fps int) *FPSNormalize {
	return &FPSNormalize{
		sink:     sink,
		frameDur: time.Second / time.Duration(fps),
		last:     &source.Frame{},
	}
}

func (f *FPSNormalize) Close() {
	f.sink.Close()
	f.last.Release()
}

func (f *FPSNormalize) keep(input *source.Frame) {
	f.last.Release()
	f.last = input.Clone()
}

func (f *FPSNormalize) Put(input *source.Frame) {
	if !input.Valid() {
		return
	}
	t := input.Time()

	if f.curFrame.IsZero() {
		f.sink.Put(input)
		f.keep(input)
		f.curFrame = t
		return
	}

	nextFrame := f.curFrame.Add(f.frameDur)
	if t.Before(nextFrame) {
		// Don't need a new frame yet. Ignore.
		return
	}
	if t.Sub(nextFrame) > maxGap {
		// The source stalled. Restart the clock instead of replaying the gap.
		f.sink.Put(input)
		f.keep(input)
		f.curFrame = t
		return
	}

	for {
		f.curFrame = nextFrame
		nextFrame = f.curFrame.Add(f.frameDur)
		if t.Before(nextFrame) {
			f.sink.Put(input)
			f.keep(input)
			return
		}
		// Missed a frame. Repeat the last one.
		f.sink.Put(f.last)
	}
}
