package absint

import (
	"fmt"
	"sort"
	"strings"
)

// SourceSet records which instruction offsets could have produced a value.
// Sets are immutable once built: Union returns a new set, so a set shared
// between two states is never mutated behind either one's back.
//
// Provenance is what connects analysis decisions back to emission sites: a
// value is boxed at its producer, so the producers of every value that
// escapes must be identifiable after the fixed point converges.
type SourceSet struct {
	origins []int // sorted, deduplicated
}

// NewSource returns a set containing a single producing offset.
func NewSource(offset int) *SourceSet {
	return &SourceSet{origins: []int{offset}}
}

// Origins returns the producing offsets in ascending order. The returned
// slice must not be modified.
func (s *SourceSet) Origins() []int {
	if s == nil {
		return nil
	}
	return s.origins
}

// Union returns a set containing the origins of both operands.
// Either operand may be nil (the empty set).
func (s *SourceSet) Union(other *SourceSet) *SourceSet {
	if s == nil || len(s.origins) == 0 {
		return other
	}
	if other == nil || len(other.origins) == 0 {
		return s
	}
	if s.Equal(other) {
		return s
	}
	merged := make([]int, 0, len(s.origins)+len(other.origins))
	merged = append(merged, s.origins...)
	merged = append(merged, other.origins...)
	sort.Ints(merged)
	out := merged[:1]
	for _, o := range merged[1:] {
		if o != out[len(out)-1] {
			out = append(out, o)
		}
	}
	return &SourceSet{origins: out}
}

// Equal reports whether both sets contain the same origins.
func (s *SourceSet) Equal(other *SourceSet) bool {
	a, b := s.Origins(), other.Origins()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders the set for diagnostic dumps.
func (s *SourceSet) String() string {
	origins := s.Origins()
	if len(origins) == 0 {
		return "{}"
	}
	parts := make([]string, len(origins))
	for i, o := range origins {
		parts[i] = fmt.Sprintf("%d", o)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ValueWithSources pairs a lattice element with the producers that could
// have pushed it. This is the unit the abstract stack and local slots are
// made of.
type ValueWithSources struct {
	Value   *AbstractValue
	Sources *SourceSet
}

// NewValue returns a value produced at a single offset.
func NewValue(v *AbstractValue, offset int) ValueWithSources {
	return ValueWithSources{Value: v, Sources: NewSource(offset)}
}

// MergeWith joins the values and unions the sources.
func (v ValueWithSources) MergeWith(other ValueWithSources) ValueWithSources {
	return ValueWithSources{
		Value:   v.Value.Merge(other.Value),
		Sources: v.Sources.Union(other.Sources),
	}
}

// Equal reports whether value and sources both match.
func (v ValueWithSources) Equal(other ValueWithSources) bool {
	return v.Value == other.Value && v.Sources.Equal(other.Sources)
}

// String renders the value for diagnostic dumps.
func (v ValueWithSources) String() string {
	if v.Value == nil {
		return "<nil>"
	}
	return v.Value.String() + v.Sources.String()
}
