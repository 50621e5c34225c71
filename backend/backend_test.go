package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"camserver/handle"
	"camserver/metrics"
	"camserver/status"
	"camserver/video/source"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b := New(Options{})
	t.Cleanup(b.Close)
	return b
}

func mustSource(t *testing.T, b *Backend, name string) handle.Handle {
	t.Helper()
	h, st := b.CreateCvSource(name, VideoMode{Format: source.PixelMJPEG, Width: 4, Height: 4, FPS: 30})
	if st != status.OK {
		t.Fatalf("CreateCvSource(%q): %v", name, st)
	}
	return h
}

func mustSink(t *testing.T, b *Backend, name string) handle.Handle {
	t.Helper()
	h, st := b.CreateCvSink(name)
	if st != status.OK {
		t.Fatalf("CreateCvSink(%q): %v", name, st)
	}
	return h
}

func frameImage(b byte) source.Image {
	return source.Image{Width: 2, Height: 2, Format: source.PixelGray, Data: []byte{b, b, b, b}}
}

func TestSourceLifecycle(t *testing.T) {
	b := newBackend(t)
	h := mustSource(t, b, "front")

	if name, st := b.SourceName(h); name != "front" || st != status.OK {
		t.Errorf("SourceName = %q, %v", name, st)
	}
	c, st := b.CopySource(h)
	if st != status.OK || c != h {
		t.Fatalf("CopySource = %v, %v", c, st)
	}
	if st := b.ReleaseSource(h); st != status.OK {
		t.Fatalf("ReleaseSource: %v", st)
	}
	if _, st := b.SourceName(c); st != status.OK {
		t.Fatal("source destroyed while a copy was outstanding")
	}
	b.ReleaseSource(c)
	if name, st := b.SourceName(h); name != "" || st != status.InvalidHandle {
		t.Errorf("SourceName after destroy = %q, %v", name, st)
	}
	if st := b.ReleaseSource(h); st != status.InvalidHandle {
		t.Errorf("double release = %v", st)
	}
}

func TestZeroHandle(t *testing.T) {
	b := newBackend(t)
	if _, st := b.SourceName(0); st != status.InvalidHandle {
		t.Errorf("SourceName(0) = %v", st)
	}
	if v, st := b.IsSourceConnected(0); v || st != status.InvalidHandle {
		t.Errorf("IsSourceConnected(0) = %v, %v", v, st)
	}
	if f, st := b.SourceFrame(0); f.Valid() || st != status.InvalidHandle {
		t.Errorf("SourceFrame(0) = %v, %v", f.Valid(), st)
	}
	if _, st := b.SinkName(0); st != status.InvalidHandle {
		t.Errorf("SinkName(0) = %v", st)
	}
	if _, st := b.NumericProperty(0); st != status.InvalidHandle {
		t.Errorf("NumericProperty(0) = %v", st)
	}
	sink := mustSink(t, b, "s")
	if _, st := b.SourceName(sink); st != status.WrongHandleSubtype {
		t.Errorf("SourceName(sink handle) = %v", st)
	}
}

func TestPutSourceFrame(t *testing.T) {
	b := newBackend(t)
	h := mustSource(t, b, "cam")

	if f, st := b.SourceFrame(h); f.Valid() || st != status.OK {
		t.Fatalf("SourceFrame before publish = %v, %v", f.Valid(), st)
	}
	before := time.Now()
	if st := b.PutSourceFrame(h, frameImage(1)); st != status.OK {
		t.Fatal(st)
	}
	f, _ := b.SourceFrame(h)
	defer f.Release()
	if f.Size() != 4 || f.Data()[0] != 1 {
		t.Errorf("frame = %v", f.Data())
	}
	if f.RefCount() != 2 {
		t.Errorf("RefCount = %d, want 2 (source + caller)", f.RefCount())
	}
	ts, _ := b.SourceLastFrameTime(h)
	if ts.Before(before) {
		t.Errorf("last frame time %v before publish %v", ts, before)
	}

	// A newer frame drops the source's reference to the old one.
	b.PutSourceFrame(h, frameImage(2))
	if f.RefCount() != 1 {
		t.Errorf("old frame RefCount = %d, want 1", f.RefCount())
	}
	if f.Data()[0] != 1 {
		t.Error("old frame data changed while referenced")
	}
}

func TestReleaseSourceReclaimsFrames(t *testing.T) {
	b := newBackend(t)
	h := mustSource(t, b, "cam")
	b.PutSourceFrame(h, frameImage(1))
	f, _ := b.SourceFrame(h)
	b.ReleaseSource(h)

	if !f.Valid() || f.Data()[0] != 1 {
		t.Fatal("consumer frame invalidated by source teardown")
	}
	f.Release()
}

func TestConnectedAndError(t *testing.T) {
	b := newBackend(t)
	h := mustSource(t, b, "cam")

	var got []EventKind
	var l sync.Mutex
	lh, _ := b.AddListener(func(e Event) {
		l.Lock()
		got = append(got, e.Kind)
		l.Unlock()
	}, SourceConnected|SourceDisconnected|SourceError, false)
	defer b.RemoveListener(lh)

	b.SetSourceConnected(h, true)
	b.SetSourceConnected(h, true)
	b.NotifySourceError(h, "lost sync")
	b.SetSourceConnected(h, false)
	b.Flush()

	if c, _ := b.IsSourceConnected(h); c {
		t.Error("still connected")
	}
	if msg, _ := b.SourceError(h); msg != "lost sync" {
		t.Errorf("SourceError = %q", msg)
	}
	l.Lock()
	defer l.Unlock()
	want := []EventKind{SourceConnected, SourceError, SourceDisconnected}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestVideoMode(t *testing.T) {
	b := newBackend(t)
	h := mustSource(t, b, "cam")
	mode := VideoMode{Format: source.PixelYUYV, Width: 640, Height: 480, FPS: 30}
	b.SetSourceVideoMode(h, mode)
	if got, _ := b.SourceVideoMode(h); got != mode {
		t.Errorf("mode = %+v", got)
	}
	if k, _ := b.SourceKind(h); k != SourceCv {
		t.Errorf("kind = %v", k)
	}
	b.SetSourceDescription(h, "desk")
	if d, _ := b.SourceDescription(h); d != "desk" {
		t.Errorf("description = %q", d)
	}
}

func TestSinkWeakBinding(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	sink := mustSink(t, b, "viewer")

	if st := b.SetSinkSource(sink, src); st != status.OK {
		t.Fatal(st)
	}
	got, st := b.SinkSource(sink)
	if st != status.OK || got != src {
		t.Fatalf("SinkSource = %v, %v", got, st)
	}
	b.ReleaseSource(got)

	// The binding holds no reference: one release destroys the source.
	b.ReleaseSource(src)
	if _, st := b.SourceName(src); st != status.InvalidHandle {
		t.Fatal("sink kept the source alive")
	}
	if got, st := b.SinkSource(sink); got != 0 || st != status.OK {
		t.Errorf("SinkSource after destroy = %v, %v", got, st)
	}
	if st := b.ReleaseSink(sink); st != status.OK {
		t.Errorf("ReleaseSink = %v", st)
	}
}

func TestSinkUnbind(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	sink := mustSink(t, b, "viewer")
	b.SetSinkSource(sink, src)
	b.SetSinkSource(sink, 0)
	if got, st := b.SinkSource(sink); got != 0 || st != status.OK {
		t.Errorf("SinkSource after unbind = %v, %v", got, st)
	}
	if st := b.SetSinkSource(sink, handle.Handle(12345)); st == status.OK {
		t.Error("bound to a bogus source")
	}
}

func TestGrabSinkFrame(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	sink := mustSink(t, b, "grabber")
	b.SetSinkSource(sink, src)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if f, st := b.GrabSinkFrame(ctx, sink); f.Valid() || st != status.Timeout {
		t.Fatalf("grab with no frames = %v, %v", f.Valid(), st)
	}
	if msg, _ := b.SinkError(sink); msg == "" {
		t.Error("timeout not recorded as sink error")
	}

	got := make(chan *source.Frame, 1)
	go func() {
		f, _ := b.GrabSinkFrame(context.Background(), sink)
		got <- f
	}()
	time.Sleep(10 * time.Millisecond)
	b.PutSourceFrame(src, frameImage(7))

	select {
	case f := <-got:
		if f.Data()[0] != 7 {
			t.Errorf("grabbed %v", f.Data())
		}
		f.Release()
	case <-time.After(time.Second):
		t.Fatal("grab did not wake on publish")
	}

	// The same frame is not returned twice.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, st := b.GrabSinkFrame(ctx2, sink); st != status.Timeout {
		t.Errorf("second grab = %v, want Timeout", st)
	}
}

func TestGrabUnbound(t *testing.T) {
	b := newBackend(t)
	sink := mustSink(t, b, "idle")
	if _, st := b.GrabSinkFrame(context.Background(), sink); st != status.InvalidHandle {
		t.Errorf("grab unbound = %v", st)
	}
	src := mustSource(t, b, "cam")
	b.SetSinkSource(sink, src)
	b.ReleaseSource(src)
	if _, st := b.GrabSinkFrame(context.Background(), sink); st != status.SourceIsDisconnected {
		t.Errorf("grab from destroyed source = %v", st)
	}
}

func TestCallbackSink(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")

	frames := make(chan byte, 16)
	sink, st := b.CreateCvSinkCallback("cb", func(f *source.Frame) {
		frames <- f.Data()[0]
	})
	if st != status.OK {
		t.Fatal(st)
	}
	b.SetSinkSource(sink, src)
	b.PutSourceFrame(src, frameImage(3))

	select {
	case v := <-frames:
		if v != 3 {
			t.Errorf("callback got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}

	b.ReleaseSink(sink)
	time.Sleep(10 * time.Millisecond)
	b.PutSourceFrame(src, frameImage(4))
	select {
	case v := <-frames:
		t.Errorf("callback ran after sink release with %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSinkEnabled(t *testing.T) {
	b := newBackend(t)
	sink := mustSink(t, b, "s")
	if en, _ := b.IsSinkEnabled(sink); !en {
		t.Error("new sink disabled")
	}
	b.SetSinkEnabled(sink, false)
	if en, _ := b.IsSinkEnabled(sink); en {
		t.Error("sink still enabled")
	}
	if k, _ := b.SinkKind(sink); k != SinkCv {
		t.Errorf("kind = %v", k)
	}
}

func TestEnumerate(t *testing.T) {
	b := newBackend(t)
	mustSource(t, b, "a")
	mustSource(t, b, "b")
	mustSink(t, b, "s")

	srcs := b.EnumerateSources()
	if len(srcs) != 2 {
		t.Fatalf("EnumerateSources = %v", srcs)
	}
	for _, h := range srcs {
		if n := b.sources.Refs(h); n != 2 {
			t.Errorf("enumerated source refs = %d, want 2", n)
		}
		b.ReleaseSource(h)
	}
	sinks := b.EnumerateSinks()
	if len(sinks) != 1 {
		t.Fatalf("EnumerateSinks = %v", sinks)
	}
	b.ReleaseSink(sinks[0])
}

func TestClose(t *testing.T) {
	b := New(Options{})
	src := mustSource(t, b, "cam")
	mustSink(t, b, "s")
	b.PutSourceFrame(src, frameImage(1))
	f, _ := b.SourceFrame(src)

	var destroyed int32
	b.AddListener(func(e Event) { atomic.AddInt32(&destroyed, 1) }, SourceDestroyed|SinkDestroyed, false)
	b.Close()
	b.Close()

	if got := atomic.LoadInt32(&destroyed); got != 2 {
		t.Errorf("destroy events = %d, want 2", got)
	}
	for k, n := range b.Counts() {
		if n != 0 {
			t.Errorf("%v entries left: %d", k, n)
		}
	}
	if f.Data()[0] != 1 {
		t.Error("outstanding frame invalidated by Close")
	}
	f.Release()
}

func TestHandleMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b := New(Options{Metrics: m})
	defer b.Close()
	h := mustSource(t, b, "cam")
	if got := testutil.ToFloat64(m.HandlesLive.WithLabelValues("source")); got != 1 {
		t.Errorf("live sources = %v", got)
	}
	b.PutSourceFrame(h, frameImage(1))
	if got := testutil.ToFloat64(m.FramesPublished.WithLabelValues("cam")); got != 1 {
		t.Errorf("published = %v", got)
	}
	b.ReleaseSource(h)
	if got := testutil.ToFloat64(m.HandlesLive.WithLabelValues("source")); got != 0 {
		t.Errorf("live sources after release = %v", got)
	}
}

func TestFrameMetricsOutliveSource(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := New(Options{Metrics: m})
	defer b.Close()
	series := func() int {
		n, err := testutil.GatherAndCount(reg, "camserver_frames_in_flight")
		if err != nil {
			t.Fatal(err)
		}
		return n
	}

	h := mustSource(t, b, "cam")
	other := mustSource(t, b, "cam")
	b.PutSourceFrame(h, frameImage(1))
	f, _ := b.SourceFrame(h)
	b.ReleaseSource(h)

	if got := testutil.ToFloat64(m.FramesInFlight.WithLabelValues("cam")); got != 1 {
		t.Errorf("in flight with a consumer holding a frame = %v, want 1", got)
	}
	f.Release()
	if got := testutil.ToFloat64(m.FramesInFlight.WithLabelValues("cam")); got != 0 {
		t.Errorf("in flight after release = %v, want 0", got)
	}
	// The other source named cam still uses the series.
	if n := series(); n != 1 {
		t.Errorf("series = %d, want 1", n)
	}

	b.ReleaseSource(other)
	if n := series(); n != 0 {
		t.Errorf("series after both sources drained = %d, want 0", n)
	}
}

func TestPutSourceFrameWhileDestroyed(t *testing.T) {
	b := newBackend(t)
	h := mustSource(t, b, "cam")
	s, _ := b.source(h)
	// Teardown landing between the handle lookup and Publish.
	s.pool.Close()
	if st := b.PutSourceFrame(h, frameImage(1)); st != status.InvalidHandle {
		t.Errorf("PutSourceFrame on closing source = %v, want InvalidHandle", st)
	}
}

func TestConcurrentCopyRelease(t *testing.T) {
	b := newBackend(t)
	h := mustSource(t, b, "shared")
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c, st := b.CopySource(h)
				if st != status.OK {
					t.Errorf("CopySource: %v", st)
					return
				}
				b.PutSourceFrame(c, frameImage(byte(i)))
				b.ReleaseSource(c)
			}
		}()
	}
	wg.Wait()
	if n := b.sources.Refs(h); n != 1 {
		t.Fatalf("refs = %d, want 1", n)
	}
	stats, _ := b.SourcePoolStats(h)
	if stats.Outstanding != 1 {
		t.Errorf("outstanding buffers = %d, want 1 (the latest frame)", stats.Outstanding)
	}
}
