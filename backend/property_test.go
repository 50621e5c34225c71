package backend

import (
	"fmt"
	"sync"
	"testing"

	"camserver/handle"
	"camserver/status"
)

func mustProperty(t *testing.T, b *Backend, src handle.Handle, spec PropertySpec) handle.Handle {
	t.Helper()
	h, st := b.CreateSourceProperty(src, spec)
	if st != status.OK {
		t.Fatalf("CreateSourceProperty(%q): %v", spec.Name, st)
	}
	return h
}

func TestNumericProperty(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	p := mustProperty(t, b, src, PropertySpec{
		Name: "brightness", Kind: PropertyNumeric, Min: 0, Max: 100, Step: 5, Default: 50,
	})
	defer b.ReleaseProperty(p)

	if v, st := b.NumericProperty(p); v != 50 || st != status.OK {
		t.Fatalf("default = %v, %v", v, st)
	}
	for _, tc := range []struct{ in, want float64 }{
		{42, 40},
		{43, 45},
		{-10, 0},
		{250, 100},
	} {
		b.SetNumericProperty(p, tc.in)
		if v, _ := b.NumericProperty(p); v != tc.want {
			t.Errorf("set %v: got %v, want %v", tc.in, v, tc.want)
		}
	}
	if v, _ := b.PropertyStep(p); v != 5 {
		t.Errorf("step = %v", v)
	}
	if k, _ := b.PropertyKind(p); k != PropertyNumeric {
		t.Errorf("kind = %v", k)
	}
	if owner, _ := b.PropertySource(p); owner != src {
		t.Errorf("owner = %v, want %v", owner, src)
	}
}

func TestPropertyTypeMismatch(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	p := mustProperty(t, b, src, PropertySpec{
		Name: "mode", Kind: PropertyEnum, Choices: []string{"auto", "manual"},
	})
	defer b.ReleaseProperty(p)

	if v, st := b.NumericProperty(p); v != 0 || st != status.WrongPropertyType {
		t.Errorf("NumericProperty(enum) = %v, %v", v, st)
	}
	if v, st := b.StringProperty(p); v != "" || st != status.WrongPropertyType {
		t.Errorf("StringProperty(enum) = %q, %v", v, st)
	}
	if st := b.SetBooleanProperty(p, true); st != status.WrongPropertyType {
		t.Errorf("SetBooleanProperty(enum) = %v", st)
	}
	if v, st := b.EnumProperty(p); v != 0 || st != status.OK {
		t.Errorf("EnumProperty = %v, %v", v, st)
	}

	s := mustProperty(t, b, src, PropertySpec{Name: "label", Kind: PropertyString})
	defer b.ReleaseProperty(s)
	if _, st := b.PropertyMin(s); st != status.WrongPropertyType {
		t.Errorf("PropertyMin(string) = %v", st)
	}
}

func TestEnumProperty(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	p := mustProperty(t, b, src, PropertySpec{
		Name: "white_balance", Kind: PropertyEnum, Choices: []string{"auto", "daylight", "tungsten"},
	})
	defer b.ReleaseProperty(p)

	if max, _ := b.PropertyMax(p); max != 2 {
		t.Errorf("max = %v", max)
	}
	if st := b.SetEnumProperty(p, 2); st != status.OK {
		t.Fatal(st)
	}
	if st := b.SetEnumProperty(p, 3); st != status.PropertyWriteFailed {
		t.Errorf("out of range set = %v", st)
	}
	if v, _ := b.EnumProperty(p); v != 2 {
		t.Errorf("value = %d", v)
	}

	b.SetEnumPropertyChoices(p, []string{"auto", "daylight"})
	if v, _ := b.EnumProperty(p); v != 0 {
		t.Errorf("value after shrinking choices = %d, want 0", v)
	}
	choices, _ := b.EnumPropertyChoices(p)
	choices[0] = "mutated"
	if again, _ := b.EnumPropertyChoices(p); again[0] != "auto" {
		t.Error("EnumPropertyChoices returned internal slice")
	}
}

func TestConcurrentPropertyAccess(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	p := mustProperty(t, b, src, PropertySpec{
		Name: "preset", Kind: PropertyEnum, Choices: []string{"a", "b"},
	})
	defer b.ReleaseProperty(p)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				choices := []string{"a"}
				for j := 0; j < (i+w)%5; j++ {
					choices = append(choices, fmt.Sprint(j))
				}
				b.SetEnumPropertyChoices(p, choices)
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if max, st := b.PropertyMax(p); st != status.OK || max < 0 || max > 4 {
					t.Errorf("PropertyMax = %v, %v", max, st)
					return
				}
				b.PropertyMin(p)
				b.PropertyStep(p)
				b.PropertyDefault(p)
				b.SetEnumProperty(p, 0)
			}
		}()
	}
	wg.Wait()

	b.SetEnumPropertyChoices(p, []string{"x", "y", "z"})
	if max, _ := b.PropertyMax(p); max != 2 {
		t.Errorf("max = %v, want 2", max)
	}
}

func TestReadOnlyProperty(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	p := mustProperty(t, b, src, PropertySpec{Name: "serial", Kind: PropertyString, ReadOnly: true})
	defer b.ReleaseProperty(p)
	if st := b.SetStringProperty(p, "x"); st != status.PropertyReadOnly {
		t.Errorf("SetStringProperty(read only) = %v", st)
	}
	q := mustProperty(t, b, src, PropertySpec{Name: "locked", Kind: PropertyBoolean, ReadOnly: true})
	defer b.ReleaseProperty(q)
	if st := b.SetBooleanProperty(q, true); st != status.PropertyReadOnly {
		t.Errorf("SetBooleanProperty(read only) = %v", st)
	}
}

func TestPropertyOnChange(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	var seen []handle.Handle
	p := mustProperty(t, b, src, PropertySpec{
		Name: "enabled", Kind: PropertyBoolean,
		OnChange: func(h handle.Handle) { seen = append(seen, h) },
	})
	defer b.ReleaseProperty(p)
	b.SetBooleanProperty(p, true)
	if v, _ := b.BooleanProperty(p); !v {
		t.Error("value not set")
	}
	if len(seen) != 1 {
		t.Errorf("OnChange calls = %d", len(seen))
	}
}

func TestPropertyLookup(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	p := mustProperty(t, b, src, PropertySpec{Name: "gain", Kind: PropertyNumeric, Max: 10})
	b.ReleaseProperty(p)

	// The source's own reference keeps it alive.
	q, st := b.SourceProperty(src, "gain")
	if st != status.OK {
		t.Fatal(st)
	}
	if name, _ := b.PropertyName(q); name != "gain" {
		t.Errorf("name = %q", name)
	}
	b.ReleaseProperty(q)

	if _, st := b.SourceProperty(src, "missing"); st != status.PropertyDoesNotExist {
		t.Errorf("missing property = %v", st)
	}

	props, _ := b.EnumerateSourceProperties(src)
	if len(props) != 1 {
		t.Fatalf("EnumerateSourceProperties = %v", props)
	}
	b.ReleaseProperty(props[0])
}

func TestPropertyReplaceAndRemove(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	old := mustProperty(t, b, src, PropertySpec{Name: "gain", Kind: PropertyNumeric, Max: 10})
	repl := mustProperty(t, b, src, PropertySpec{Name: "gain", Kind: PropertyString})

	if _, st := b.PropertyName(old); st != status.InvalidHandle {
		t.Errorf("replaced property still live: %v", st)
	}
	if k, _ := b.PropertyKind(repl); k != PropertyString {
		t.Errorf("kind = %v", k)
	}
	if st := b.RemoveSourcePropertyByName(src, "gain"); st != status.OK {
		t.Fatal(st)
	}
	if _, st := b.StringProperty(repl); st != status.InvalidHandle {
		t.Errorf("removed property still live: %v", st)
	}
	if st := b.RemoveSourcePropertyByName(src, "gain"); st != status.PropertyDoesNotExist {
		t.Errorf("second remove = %v", st)
	}

	other := mustSource(t, b, "other")
	p := mustProperty(t, b, other, PropertySpec{Name: "x", Kind: PropertyBoolean})
	if st := b.RemoveSourceProperty(src, p); st != status.InvalidProperty {
		t.Errorf("remove through wrong source = %v", st)
	}
	b.ReleaseProperty(p)
}

func TestPropertiesDieWithSource(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	p := mustProperty(t, b, src, PropertySpec{Name: "gain", Kind: PropertyNumeric, Max: 10})
	b.ReleaseSource(src)
	if _, st := b.NumericProperty(p); st != status.InvalidHandle {
		t.Errorf("property outlived its source: %v", st)
	}
	if st := b.ReleaseProperty(p); st != status.InvalidHandle {
		t.Errorf("release after teardown = %v", st)
	}
}

func TestSinkSourceProperty(t *testing.T) {
	b := newBackend(t)
	src := mustSource(t, b, "cam")
	p := mustProperty(t, b, src, PropertySpec{Name: "gain", Kind: PropertyNumeric, Max: 10})
	b.ReleaseProperty(p)
	sink := mustSink(t, b, "s")

	if _, st := b.SinkSourceProperty(sink, "gain"); st != status.InvalidHandle {
		t.Errorf("unbound sink property = %v", st)
	}
	b.SetSinkSource(sink, src)
	q, st := b.SinkSourceProperty(sink, "gain")
	if st != status.OK {
		t.Fatal(st)
	}
	b.ReleaseProperty(q)
}
