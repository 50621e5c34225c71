package backend

import (
	"math"
	"sync"

	"camserver/handle"
	"camserver/status"
)

// PropertyKind is the declared type of a property. Typed accessors only
// succeed against a property of the matching kind.
type PropertyKind int

const (
	PropertyNone PropertyKind = iota
	PropertyBoolean
	PropertyNumeric
	PropertyString
	PropertyEnum
)

func (k PropertyKind) String() string {
	switch k {
	case PropertyBoolean:
		return "boolean"
	case PropertyNumeric:
		return "numeric"
	case PropertyString:
		return "string"
	case PropertyEnum:
		return "enum"
	}
	return "none"
}

// PropertySpec describes a new property.
type PropertySpec struct {
	Name string
	Kind PropertyKind

	Min, Max, Step, Default float64
	Choices                 []string
	ReadOnly                bool

	// OnChange runs on the setter's goroutine after a successful write.
	OnChange func(h handle.Handle)
}

type propertyData struct {
	owner handle.Handle
	name  string
	kind  PropertyKind

	min, step, def float64
	readOnly       bool
	onChange       func(handle.Handle)

	l     sync.Mutex
	value float64
	str   string
	// max follows the choice list of enum properties.
	max     float64
	choices []string
}

func (p *propertyData) maxValue() float64 {
	p.l.Lock()
	defer p.l.Unlock()
	return p.max
}

// CreateSourceProperty adds a property to source src. Creating a property
// whose name already exists replaces the old one.
func (b *Backend) CreateSourceProperty(src handle.Handle, spec PropertySpec) (handle.Handle, status.Code) {
	s, st := b.source(src)
	if st != status.OK {
		return 0, st
	}
	if spec.Name == "" {
		return 0, status.EmptyValue
	}
	if spec.Kind == PropertyEnum && spec.Max == 0 && len(spec.Choices) > 0 {
		spec.Max = float64(len(spec.Choices) - 1)
	}
	if spec.Kind == PropertyBoolean {
		spec.Min, spec.Max, spec.Step = 0, 1, 1
	}
	p := &propertyData{
		owner:    src,
		name:     spec.Name,
		kind:     spec.Kind,
		min:      spec.Min,
		max:      spec.Max,
		step:     spec.Step,
		def:      spec.Default,
		readOnly: spec.ReadOnly,
		onChange: spec.OnChange,
		value:    spec.Default,
		choices:  append([]string(nil), spec.Choices...),
	}
	ph, st := b.properties.Alloc(p)
	if st != status.OK {
		return 0, st
	}

	s.l.Lock()
	if s.destroyed {
		s.l.Unlock()
		b.properties.Remove(ph)
		return 0, status.InvalidHandle
	}
	old, replaced := s.props[spec.Name]
	s.props[spec.Name] = ph
	s.l.Unlock()
	if replaced {
		b.properties.Remove(old)
	}
	b.updateHandleMetrics()

	b.events.emit(Event{Kind: SourcePropertyCreated, Name: spec.Name, Source: src, Property: ph})
	// The caller gets its own reference; the source keeps the other.
	return b.properties.Ref(ph)
}

// RemoveSourceProperty deletes a property by handle. Outstanding references
// become stale.
func (b *Backend) RemoveSourceProperty(src, prop handle.Handle) status.Code {
	s, st := b.source(src)
	if st != status.OK {
		return st
	}
	p, st := b.properties.Get(prop)
	if st != status.OK {
		return st
	}
	if p.owner != src {
		return status.InvalidProperty
	}
	s.l.Lock()
	if s.props[p.name] == prop {
		delete(s.props, p.name)
	}
	s.l.Unlock()
	_, st = b.properties.Remove(prop)
	b.updateHandleMetrics()
	return st
}

// RemoveSourcePropertyByName deletes a property by name.
func (b *Backend) RemoveSourcePropertyByName(src handle.Handle, name string) status.Code {
	s, st := b.source(src)
	if st != status.OK {
		return st
	}
	s.l.Lock()
	ph, ok := s.props[name]
	delete(s.props, name)
	s.l.Unlock()
	if !ok {
		return status.PropertyDoesNotExist
	}
	_, st = b.properties.Remove(ph)
	b.updateHandleMetrics()
	return st
}

// SourceProperty looks a property up by name and returns a new reference.
func (b *Backend) SourceProperty(src handle.Handle, name string) (handle.Handle, status.Code) {
	s, st := b.source(src)
	if st != status.OK {
		return 0, st
	}
	s.l.Lock()
	ph, ok := s.props[name]
	s.l.Unlock()
	if !ok {
		return 0, status.PropertyDoesNotExist
	}
	return b.properties.Ref(ph)
}

// EnumerateSourceProperties returns a new reference to every property of
// src. The caller must release each one.
func (b *Backend) EnumerateSourceProperties(src handle.Handle) ([]handle.Handle, status.Code) {
	s, st := b.source(src)
	if st != status.OK {
		return nil, st
	}
	s.l.Lock()
	hs := make([]handle.Handle, 0, len(s.props))
	for _, ph := range s.props {
		hs = append(hs, ph)
	}
	s.l.Unlock()

	out := hs[:0]
	for _, ph := range hs {
		if r, st := b.properties.Ref(ph); st == status.OK {
			out = append(out, r)
		}
	}
	return out, status.OK
}

func (b *Backend) CopyProperty(h handle.Handle) (handle.Handle, status.Code) {
	return b.properties.Ref(h)
}

// ReleaseProperty drops a reference. The owning source holds its own
// reference, so this never destroys a property that is still attached.
func (b *Backend) ReleaseProperty(h handle.Handle) status.Code {
	_, _, st := b.properties.Unref(h)
	return st
}

func (b *Backend) property(h handle.Handle) (*propertyData, status.Code) {
	return b.properties.Get(h)
}

// typed fetches h and checks its kind against any of kinds.
func (b *Backend) typed(h handle.Handle, kinds ...PropertyKind) (*propertyData, status.Code) {
	p, st := b.property(h)
	if st != status.OK {
		return nil, st
	}
	for _, k := range kinds {
		if p.kind == k {
			return p, status.OK
		}
	}
	return nil, status.WrongPropertyType
}

func (b *Backend) PropertyKind(h handle.Handle) (PropertyKind, status.Code) {
	p, st := b.property(h)
	if st != status.OK {
		return PropertyNone, st
	}
	return p.kind, status.OK
}

func (b *Backend) PropertyName(h handle.Handle) (string, status.Code) {
	p, st := b.property(h)
	if st != status.OK {
		return "", st
	}
	return p.name, status.OK
}

// PropertySource returns the handle of the owning source without adding a
// reference.
func (b *Backend) PropertySource(h handle.Handle) (handle.Handle, status.Code) {
	p, st := b.property(h)
	if st != status.OK {
		return 0, st
	}
	return p.owner, status.OK
}

func (b *Backend) BooleanProperty(h handle.Handle) (bool, status.Code) {
	p, st := b.typed(h, PropertyBoolean)
	if st != status.OK {
		return false, st
	}
	p.l.Lock()
	defer p.l.Unlock()
	return p.value != 0, status.OK
}

func (b *Backend) SetBooleanProperty(h handle.Handle, v bool) status.Code {
	p, st := b.typed(h, PropertyBoolean)
	if st != status.OK {
		return st
	}
	n := 0.0
	if v {
		n = 1
	}
	return b.setValue(h, p, n)
}

func (b *Backend) NumericProperty(h handle.Handle) (float64, status.Code) {
	p, st := b.typed(h, PropertyNumeric)
	if st != status.OK {
		return 0, st
	}
	p.l.Lock()
	defer p.l.Unlock()
	return p.value, status.OK
}

// SetNumericProperty clamps v into [min, max] and rounds it to a multiple
// of step above min.
func (b *Backend) SetNumericProperty(h handle.Handle, v float64) status.Code {
	p, st := b.typed(h, PropertyNumeric)
	if st != status.OK {
		return st
	}
	if p.step > 0 {
		v = p.min + math.Round((v-p.min)/p.step)*p.step
	}
	if max := p.maxValue(); max > p.min {
		v = math.Max(p.min, math.Min(max, v))
	}
	return b.setValue(h, p, v)
}

func (b *Backend) PropertyMin(h handle.Handle) (float64, status.Code) {
	p, st := b.typed(h, PropertyBoolean, PropertyNumeric, PropertyEnum)
	if st != status.OK {
		return 0, st
	}
	return p.min, status.OK
}

func (b *Backend) PropertyMax(h handle.Handle) (float64, status.Code) {
	p, st := b.typed(h, PropertyBoolean, PropertyNumeric, PropertyEnum)
	if st != status.OK {
		return 0, st
	}
	return p.maxValue(), status.OK
}

func (b *Backend) PropertyStep(h handle.Handle) (float64, status.Code) {
	p, st := b.typed(h, PropertyBoolean, PropertyNumeric, PropertyEnum)
	if st != status.OK {
		return 0, st
	}
	return p.step, status.OK
}

func (b *Backend) PropertyDefault(h handle.Handle) (float64, status.Code) {
	p, st := b.typed(h, PropertyBoolean, PropertyNumeric, PropertyEnum)
	if st != status.OK {
		return 0, st
	}
	return p.def, status.OK
}

func (b *Backend) StringProperty(h handle.Handle) (string, status.Code) {
	p, st := b.typed(h, PropertyString)
	if st != status.OK {
		return "", st
	}
	p.l.Lock()
	defer p.l.Unlock()
	return p.str, status.OK
}

func (b *Backend) SetStringProperty(h handle.Handle, v string) status.Code {
	p, st := b.typed(h, PropertyString)
	if st != status.OK {
		return st
	}
	if p.readOnly {
		return status.PropertyReadOnly
	}
	p.l.Lock()
	p.str = v
	p.l.Unlock()
	b.changed(h, p)
	return status.OK
}

// EnumProperty returns the index of the selected choice.
func (b *Backend) EnumProperty(h handle.Handle) (int, status.Code) {
	p, st := b.typed(h, PropertyEnum)
	if st != status.OK {
		return 0, st
	}
	p.l.Lock()
	defer p.l.Unlock()
	return int(p.value), status.OK
}

func (b *Backend) SetEnumProperty(h handle.Handle, v int) status.Code {
	p, st := b.typed(h, PropertyEnum)
	if st != status.OK {
		return st
	}
	p.l.Lock()
	n := len(p.choices)
	p.l.Unlock()
	if v < 0 || (n > 0 && v >= n) {
		return status.PropertyWriteFailed
	}
	return b.setValue(h, p, float64(v))
}

func (b *Backend) EnumPropertyChoices(h handle.Handle) ([]string, status.Code) {
	p, st := b.typed(h, PropertyEnum)
	if st != status.OK {
		return nil, st
	}
	p.l.Lock()
	defer p.l.Unlock()
	return append([]string(nil), p.choices...), status.OK
}

// SetEnumPropertyChoices replaces the choice list, resetting the selection
// if it falls off the end.
func (b *Backend) SetEnumPropertyChoices(h handle.Handle, choices []string) status.Code {
	p, st := b.typed(h, PropertyEnum)
	if st != status.OK {
		return st
	}
	p.l.Lock()
	p.choices = append([]string(nil), choices...)
	p.max = float64(len(choices) - 1)
	if int(p.value) >= len(choices) {
		p.value = 0
	}
	p.l.Unlock()
	b.events.emit(Event{Kind: SourcePropertyChoicesUpdated, Name: p.name, Source: p.owner, Property: h})
	return status.OK
}

func (b *Backend) setValue(h handle.Handle, p *propertyData, v float64) status.Code {
	if p.readOnly {
		return status.PropertyReadOnly
	}
	p.l.Lock()
	p.value = v
	p.l.Unlock()
	b.changed(h, p)
	return status.OK
}

func (b *Backend) changed(h handle.Handle, p *propertyData) {
	if p.onChange != nil {
		p.onChange(h)
	}
	b.events.emit(Event{Kind: SourcePropertyValueUpdated, Name: p.name, Source: p.owner, Property: h})
}
