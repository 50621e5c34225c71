package serve

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"camserver/backend"
	"camserver/video"
	"camserver/video/source"
)

// SnapshotServer serves a single JPEG frame of a source. With ago set, the
// frame comes from the source's history buffer, if it has one.
type SnapshotServer struct {
	B *backend.Backend

	l       sync.Mutex
	buffers map[string]*video.Buffer
}

// SetBuffer attaches the history buffer of a source. A nil buffer detaches.
func (s *SnapshotServer) SetBuffer(name string, b *video.Buffer) {
	s.l.Lock()
	defer s.l.Unlock()
	if s.buffers == nil {
		s.buffers = make(map[string]*video.Buffer)
	}
	if b == nil {
		delete(s.buffers, name)
		return
	}
	s.buffers[name] = b
}

func (s *SnapshotServer) buffer(name string) *video.Buffer {
	s.l.Lock()
	defer s.l.Unlock()
	return s.buffers[name]
}

func (s *SnapshotServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := r.Form.Get("source")
	var ago time.Duration
	if a := r.Form.Get("ago"); a != "" {
		d, err := time.ParseDuration(a)
		if err != nil || d < 0 {
			http.Error(w, fmt.Sprintf("Invalid duration %q", a), http.StatusBadRequest)
			return
		}
		ago = d
	}

	var f *source.Frame
	if buf := s.buffer(name); buf != nil && ago > 0 {
		f = buf.At(time.Now().Add(-ago))
	} else {
		src := findSource(s.B, name)
		if src == nil {
			http.Error(w, fmt.Sprintf("No source named %q", name), http.StatusNotFound)
			return
		}
		f = src.Frame()
		src.Close()
	}
	defer f.Release()

	if !f.Valid() {
		http.Error(w, fmt.Sprintf("No frame available for %q", name), http.StatusNotFound)
		return
	}
	if f.PixelFormat() != source.PixelMJPEG {
		http.Error(w, fmt.Sprintf("Frame format %v is not JPEG", f.PixelFormat()), http.StatusUnsupportedMediaType)
		return
	}

	t := f.Time()
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Timestamp", fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000))
	w.Write(f.Data())
}
