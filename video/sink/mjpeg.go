package sink

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"camserver/backend"
	"camserver/cs"
	"camserver/metrics"
	"camserver/status"
	"camserver/video/source"
)

// MJPEG multi-streaming, based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: %d.%06d\r\n" +
	"\r\n"

// How long a stream waits before grabbing again from an unbound sink.
const rebindInterval = 250 * time.Millisecond

type MJPEGServer struct {
	b       *backend.Backend
	metrics *metrics.Metrics

	m    map[string]*MJPEGStream
	lock sync.Mutex
}

func NewMJPEGServer(b *backend.Backend, m *metrics.Metrics) *MJPEGServer {
	return &MJPEGServer{
		b:       b,
		metrics: m,
		m:       make(map[string]*MJPEGStream),
	}
}

// NewStream creates a stream served under name and fed by src. With fps
// above zero the stream is normalized to that rate.
func (s *MJPEGServer) NewStream(name string, src *cs.VideoSource, fps int) (*MJPEGStream, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.m[name]; ok {
		return nil, fmt.Errorf("a stream named %q already exists", name)
	}

	grab := cs.NewMJPEGSink(s.b, name, "MJPEG stream")
	if err := grab.Err(); err != nil {
		return nil, fmt.Errorf("create sink for stream %q: %w", name, err)
	}
	grab.SetSource(src)
	// Nobody is listening yet.
	grab.SetEnabled(false)

	ctx, cancel := context.WithCancel(context.Background())
	ms := &MJPEGStream{
		name:    name,
		clients: make(map[chan *source.Frame]bool),
		ctl:     grab.Clone(),
		cancel:  cancel,
		done:    make(chan struct{}),
		parent:  s,
	}
	var out Sink = Func(ms.broadcast)
	if fps > 0 {
		out = NewFPSNormalize(out, fps)
	}
	go ms.run(ctx, grab, out)

	s.m[name] = ms
	return ms, nil
}

func (s *MJPEGServer) getStream(name string) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ms, ok := s.m[name]; ok {
		return ms
	}
	return nil
}

// Stream returns the stream registered under name, or nil.
func (s *MJPEGServer) Stream(name string) *MJPEGStream {
	return s.getStream(name)
}

// Names lists the registered streams.
func (s *MJPEGServer) Names() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	var names []string
	for n := range s.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close stops every stream.
func (s *MJPEGServer) Close() {
	s.lock.Lock()
	streams := make([]*MJPEGStream, 0, len(s.m))
	for _, ms := range s.m {
		streams = append(streams, ms)
	}
	s.lock.Unlock()
	for _, ms := range streams {
		ms.Close()
	}
}

// ServeHTTP implements http.Handler interface, serving MJPEG. The stream is
// selected with the name parameter or a /mjpeg/<name> path.
func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := r.Form.Get("name")
	if name == "" {
		name = strings.TrimPrefix(r.URL.Path, "/mjpeg/")
		if name == r.URL.Path {
			name = ""
		}
	}
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	stream := s.getStream(name)
	if stream == nil {
		http.Error(w, "unknown stream ID", http.StatusNotFound)
		return
	}

	clog := log.WithFields(log.Fields{"addr": r.RemoteAddr, "stream": name})
	clog.Info("MJPEG stream connected")
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)
	flusher, _ := w.(http.Flusher)

	c := make(chan *source.Frame, 1)
	stream.addClient(c)
	defer stream.removeClient(c)

	for {
		var f *source.Frame
		select {
		case f = <-c:
		case <-r.Context().Done():
			clog.Info("MJPEG stream disconnected")
			return
		case <-stream.done:
			return
		}

		t := f.Time()
		_, err := fmt.Fprintf(w, headerf, f.Size(), t.Unix(), t.Nanosecond()/1000)
		if err == nil {
			_, err = w.Write(f.Data())
		}
		f.Release()
		if err != nil {
			clog.Infof("MJPEG stream disconnected: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type MJPEGStream struct {
	name    string
	clients map[chan *source.Frame]bool

	// ctl is the handle used from HTTP goroutines; the run loop owns its own.
	ctl *cs.CvSink

	cancel context.CancelFunc
	done   chan struct{}

	parent *MJPEGServer
	lock   sync.Mutex
}

func (s *MJPEGStream) Name() string { return s.name }

func (s *MJPEGStream) run(ctx context.Context, grab *cs.CvSink, out Sink) {
	defer close(s.done)
	defer grab.Close()
	defer out.Close()

	clog := log.WithField("stream", s.name)
	warned := false
	for {
		f := grab.GrabFrame(ctx)
		if ctx.Err() != nil {
			f.Release()
			return
		}
		if st := grab.Status(); st != status.OK {
			f.Release()
			if st == status.Timeout {
				continue
			}
			// Unbound, or the source is gone. Wait for a rebind.
			select {
			case <-ctx.Done():
				return
			case <-time.After(rebindInterval):
			}
			continue
		}

		if f.PixelFormat() != source.PixelMJPEG {
			if !warned {
				clog.Warnf("Source produces %v frames; only mjpeg can be streamed: %v", f.PixelFormat(), status.UnsupportedMode)
				warned = true
			}
			f.Release()
			continue
		}
		warned = false
		out.Put(f)
		f.Release()
	}
}

// broadcast hands each client its own reference to f. The pixel data is
// shared.
func (s *MJPEGStream) broadcast(f *source.Frame) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for c := range s.clients {
		g := f.Clone()
		select {
		case c <- g:
		default:
			// Skip listeners not ready for next frame.
			g.Release()
		}
	}
}

func (s *MJPEGStream) addClient(c chan *source.Frame) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.clients[c] = true
	if len(s.clients) == 1 {
		s.ctl.SetEnabled(true)
	}
	s.parent.metrics.ClientConnected(s.name, 1)
}

func (s *MJPEGStream) removeClient(c chan *source.Frame) {
	s.lock.Lock()
	delete(s.clients, c)
	if len(s.clients) == 0 {
		s.ctl.SetEnabled(false)
	}
	s.lock.Unlock()
	s.parent.metrics.ClientConnected(s.name, -1)

	for {
		select {
		case f := <-c:
			f.Release()
		default:
			return
		}
	}
}

// Clients returns the number of connected HTTP clients.
func (s *MJPEGStream) Clients() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.clients)
}

// SetSource rebinds the stream. A nil src unbinds it.
func (s *MJPEGStream) SetSource(src *cs.VideoSource) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ctl.SetSource(src)
	return s.ctl.Err()
}

// Source returns a reference to the bound source; the caller must Close it.
func (s *MJPEGStream) Source() *cs.VideoSource {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ctl.Source()
}

// Close stops the stream, disconnects its clients and releases its sink.
func (s *MJPEGStream) Close() {
	s.cancel()
	<-s.done

	s.lock.Lock()
	s.ctl.Close()
	s.lock.Unlock()

	s.parent.lock.Lock()
	defer s.parent.lock.Unlock()
	if s.parent.m[s.name] == s {
		delete(s.parent.m, s.name)
	}
}
