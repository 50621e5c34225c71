package cs

import (
	"camserver/backend"
	"camserver/handle"
	"camserver/status"
)

// VideoProperty is an owned reference to a source property. Typed accessors
// only succeed on a property of the matching kind; otherwise they return the
// zero value and WrongPropertyType.
type VideoProperty struct {
	resource
}

func wrapProperty(b *backend.Backend, h handle.Handle, st status.Code) *VideoProperty {
	return &VideoProperty{resource{b: b, h: h, st: st}}
}

func (p *VideoProperty) Clone() *VideoProperty {
	return &VideoProperty{p.clone(p.backend().CopyProperty)}
}

func (p *VideoProperty) Move() *VideoProperty {
	return &VideoProperty{p.move()}
}

func (p *VideoProperty) Close() {
	p.close(p.backend().ReleaseProperty)
}

func (p *VideoProperty) Equal(o *VideoProperty) bool {
	if o == nil {
		return p.equal(nil)
	}
	return p.equal(&o.resource)
}

func (p *VideoProperty) Kind() backend.PropertyKind {
	v, st := p.backend().PropertyKind(p.h)
	p.set(st)
	return v
}

func (p *VideoProperty) Name() string {
	v, st := p.backend().PropertyName(p.h)
	p.set(st)
	return v
}

// Source returns a new reference to the owning source.
func (p *VideoProperty) Source() *VideoSource {
	b := p.backend()
	owner, st := b.PropertySource(p.h)
	if st != status.OK {
		p.set(st)
		return &VideoSource{resource{b: p.b}}
	}
	h, st := b.CopySource(owner)
	p.set(st)
	return wrapSource(p.b, h, st)
}

func (p *VideoProperty) Boolean() bool {
	v, st := p.backend().BooleanProperty(p.h)
	p.set(st)
	return v
}

func (p *VideoProperty) SetBoolean(v bool) {
	p.set(p.backend().SetBooleanProperty(p.h, v))
}

func (p *VideoProperty) Numeric() float64 {
	v, st := p.backend().NumericProperty(p.h)
	p.set(st)
	return v
}

// SetNumeric stores v clamped to the property's range and rounded to its
// step.
func (p *VideoProperty) SetNumeric(v float64) {
	p.set(p.backend().SetNumericProperty(p.h, v))
}

func (p *VideoProperty) Min() float64 {
	v, st := p.backend().PropertyMin(p.h)
	p.set(st)
	return v
}

func (p *VideoProperty) Max() float64 {
	v, st := p.backend().PropertyMax(p.h)
	p.set(st)
	return v
}

func (p *VideoProperty) Step() float64 {
	v, st := p.backend().PropertyStep(p.h)
	p.set(st)
	return v
}

func (p *VideoProperty) Default() float64 {
	v, st := p.backend().PropertyDefault(p.h)
	p.set(st)
	return v
}

// StringValue reads a string property.
func (p *VideoProperty) StringValue() string {
	v, st := p.backend().StringProperty(p.h)
	p.set(st)
	return v
}

func (p *VideoProperty) SetStringValue(v string) {
	p.set(p.backend().SetStringProperty(p.h, v))
}

func (p *VideoProperty) Enum() int {
	v, st := p.backend().EnumProperty(p.h)
	p.set(st)
	return v
}

func (p *VideoProperty) SetEnum(v int) {
	p.set(p.backend().SetEnumProperty(p.h, v))
}

func (p *VideoProperty) Choices() []string {
	v, st := p.backend().EnumPropertyChoices(p.h)
	p.set(st)
	return v
}
