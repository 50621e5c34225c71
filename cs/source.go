package cs

import (
	"time"

	"camserver/backend"
	"camserver/handle"
	"camserver/status"
	"camserver/video/source"
)

// VideoSource is an owned reference to a backend source.
type VideoSource struct {
	resource
}

func wrapSource(b *backend.Backend, h handle.Handle, st status.Code) *VideoSource {
	return &VideoSource{resource{b: b, h: h, st: st}}
}

// Sources returns a wrapper for every live source.
func Sources(b *backend.Backend) []*VideoSource {
	if b == nil {
		b = backend.Default()
	}
	var out []*VideoSource
	for _, h := range b.EnumerateSources() {
		out = append(out, wrapSource(b, h, status.OK))
	}
	return out
}

func (s *VideoSource) Clone() *VideoSource {
	return &VideoSource{s.clone(s.backend().CopySource)}
}

// Move returns a wrapper owning s's reference and leaves s empty.
func (s *VideoSource) Move() *VideoSource {
	return &VideoSource{s.move()}
}

func (s *VideoSource) Close() {
	s.close(s.backend().ReleaseSource)
}

func (s *VideoSource) Equal(o *VideoSource) bool {
	if o == nil {
		return s.equal(nil)
	}
	return s.equal(&o.resource)
}

func (s *VideoSource) Kind() backend.SourceKind {
	v, st := s.backend().SourceKind(s.h)
	s.set(st)
	return v
}

func (s *VideoSource) Name() string {
	v, st := s.backend().SourceName(s.h)
	s.set(st)
	return v
}

func (s *VideoSource) Description() string {
	v, st := s.backend().SourceDescription(s.h)
	s.set(st)
	return v
}

// LastFrameTime returns the zero time before the first frame.
func (s *VideoSource) LastFrameTime() time.Time {
	v, st := s.backend().SourceLastFrameTime(s.h)
	s.set(st)
	return v
}

func (s *VideoSource) IsConnected() bool {
	v, st := s.backend().IsSourceConnected(s.h)
	s.set(st)
	return v
}

func (s *VideoSource) LastError() string {
	v, st := s.backend().SourceError(s.h)
	s.set(st)
	return v
}

func (s *VideoSource) VideoMode() backend.VideoMode {
	v, st := s.backend().SourceVideoMode(s.h)
	s.set(st)
	return v
}

// Property looks up a property by name. A missing property yields an empty
// wrapper and PropertyDoesNotExist.
func (s *VideoSource) Property(name string) *VideoProperty {
	h, st := s.backend().SourceProperty(s.h, name)
	s.set(st)
	return wrapProperty(s.b, h, st)
}

func (s *VideoSource) EnumerateProperties() []*VideoProperty {
	hs, st := s.backend().EnumerateSourceProperties(s.h)
	s.set(st)
	out := make([]*VideoProperty, 0, len(hs))
	for _, h := range hs {
		out = append(out, wrapProperty(s.b, h, status.OK))
	}
	return out
}

// Frame returns a reference to the newest frame, empty if none was
// published yet. The caller must Release it.
func (s *VideoSource) Frame() *source.Frame {
	f, st := s.backend().SourceFrame(s.h)
	s.set(st)
	return f
}

func (s *VideoSource) PoolStats() source.PoolStats {
	v, st := s.backend().SourcePoolStats(s.h)
	s.set(st)
	return v
}

// CvSource is a source fed by user code.
type CvSource struct {
	VideoSource
}

// NewCvSource creates a source on b, or on the default backend when b is
// nil. On failure the wrapper is empty and Status says why.
func NewCvSource(b *backend.Backend, name string, mode backend.VideoMode) *CvSource {
	if b == nil {
		b = backend.Default()
	}
	h, st := b.CreateCvSource(name, mode)
	return &CvSource{*wrapSource(b, h, st)}
}

func (s *CvSource) Clone() *CvSource {
	return &CvSource{*s.VideoSource.Clone()}
}

func (s *CvSource) Move() *CvSource {
	return &CvSource{*s.VideoSource.Move()}
}

// PutFrame publishes a copy of img as the newest frame.
func (s *CvSource) PutFrame(img source.Image) status.Code {
	return s.set(s.backend().PutSourceFrame(s.h, img))
}

func (s *CvSource) NotifyError(msg string) {
	s.set(s.backend().NotifySourceError(s.h, msg))
}

func (s *CvSource) SetConnected(connected bool) {
	s.set(s.backend().SetSourceConnected(s.h, connected))
}

func (s *CvSource) SetDescription(desc string) {
	s.set(s.backend().SetSourceDescription(s.h, desc))
}

func (s *CvSource) SetVideoMode(mode backend.VideoMode) {
	s.set(s.backend().SetSourceVideoMode(s.h, mode))
}

// CreateProperty adds a property described by spec.
func (s *CvSource) CreateProperty(spec backend.PropertySpec) *VideoProperty {
	h, st := s.backend().CreateSourceProperty(s.h, spec)
	s.set(st)
	return wrapProperty(s.b, h, st)
}

// CreateEnumProperty adds an enum property whose initial selection is def.
func (s *CvSource) CreateEnumProperty(name string, choices []string, def int) *VideoProperty {
	return s.CreateProperty(backend.PropertySpec{
		Name:    name,
		Kind:    backend.PropertyEnum,
		Max:     float64(len(choices) - 1),
		Step:    1,
		Default: float64(def),
		Choices: choices,
	})
}

func (s *CvSource) SetEnumPropertyChoices(p *VideoProperty, choices []string) {
	s.set(s.backend().SetEnumPropertyChoices(p.Handle(), choices))
}

func (s *CvSource) RemoveProperty(p *VideoProperty) {
	s.set(s.backend().RemoveSourceProperty(s.h, p.Handle()))
}

func (s *CvSource) RemovePropertyByName(name string) {
	s.set(s.backend().RemoveSourcePropertyByName(s.h, name))
}
