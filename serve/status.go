package serve

import (
	"encoding/json"
	"net/http"

	"camserver/backend"
	"camserver/cs"
	"camserver/video/sink"
	"camserver/video/source"
)

type PropertyEntry struct {
	Name    string
	Kind    string
	Value   interface{}
	Min     float64  `json:",omitempty"`
	Max     float64  `json:",omitempty"`
	Step    float64  `json:",omitempty"`
	Default float64  `json:",omitempty"`
	Choices []string `json:",omitempty"`
}

type SourceEntry struct {
	Name        string
	Kind        string
	Description string
	Connected   bool
	LastError   string `json:",omitempty"`
	LastFrame   int64

	Format string
	Width  int
	Height int
	FPS    int

	Pool       source.PoolStats
	Properties []*PropertyEntry
}

type SinkEntry struct {
	Name        string
	Kind        string
	Description string
	Source      string `json:",omitempty"`
	Enabled     bool
	Error       string `json:",omitempty"`
}

type StreamEntry struct {
	Name    string
	Source  string `json:",omitempty"`
	Clients int
}

type StatusResponse struct {
	Sources []*SourceEntry
	Sinks   []*SinkEntry
	Streams []*StreamEntry
}

func toPropertyEntry(p *cs.VideoProperty) *PropertyEntry {
	e := &PropertyEntry{
		Name: p.Name(),
		Kind: p.Kind().String(),
	}
	switch p.Kind() {
	case backend.PropertyBoolean:
		e.Value = p.Boolean()
	case backend.PropertyNumeric:
		e.Value = p.Numeric()
		e.Min, e.Max, e.Step, e.Default = p.Min(), p.Max(), p.Step(), p.Default()
	case backend.PropertyString:
		e.Value = p.StringValue()
	case backend.PropertyEnum:
		e.Value = p.Enum()
		e.Choices = p.Choices()
	}
	return e
}

func toSourceEntry(s *cs.VideoSource) *SourceEntry {
	mode := s.VideoMode()
	e := &SourceEntry{
		Name:        s.Name(),
		Kind:        s.Kind().String(),
		Description: s.Description(),
		Connected:   s.IsConnected(),
		LastError:   s.LastError(),
		Format:      mode.Format.String(),
		Width:       mode.Width,
		Height:      mode.Height,
		FPS:         mode.FPS,
		Pool:        s.PoolStats(),
	}
	if t := s.LastFrameTime(); !t.IsZero() {
		e.LastFrame = t.UnixNano() / 1e6
	}
	for _, p := range s.EnumerateProperties() {
		e.Properties = append(e.Properties, toPropertyEntry(p))
		p.Close()
	}
	return e
}

func toSinkEntry(k *cs.VideoSink) *SinkEntry {
	e := &SinkEntry{
		Name:        k.Name(),
		Kind:        k.Kind().String(),
		Description: k.Description(),
		Enabled:     k.Enabled(),
		Error:       k.Error(),
	}
	src := k.Source()
	defer src.Close()
	if src.Valid() {
		e.Source = src.Name()
	}
	return e
}

// StatusServer reports every source, sink and MJPEG stream as JSON.
type StatusServer struct {
	B       *backend.Backend
	Streams *sink.MJPEGServer
}

func (s *StatusServer) BuildResponse() *StatusResponse {
	resp := &StatusResponse{
		Sources: []*SourceEntry{},
		Sinks:   []*SinkEntry{},
		Streams: []*StreamEntry{},
	}
	for _, src := range cs.Sources(s.B) {
		resp.Sources = append(resp.Sources, toSourceEntry(src))
		src.Close()
	}
	for _, k := range cs.Sinks(s.B) {
		resp.Sinks = append(resp.Sinks, toSinkEntry(k))
		k.Close()
	}
	if s.Streams != nil {
		for _, name := range s.Streams.Names() {
			ms := s.Streams.Stream(name)
			if ms == nil {
				continue
			}
			e := &StreamEntry{Name: name, Clients: ms.Clients()}
			if src := ms.Source(); src.Valid() {
				e.Source = src.Name()
				src.Close()
			}
			resp.Streams = append(resp.Streams, e)
		}
	}
	return resp
}

func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	js, err := json.Marshal(s.BuildResponse())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}
