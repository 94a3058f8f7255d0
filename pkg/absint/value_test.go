package absint

import (
	"testing"

	"github.com/chazu/tern/pkg/bytecode"
)

func allValues() []*AbstractValue {
	return []*AbstractValue{
		Undefined, Any, None, Bool, Int, Float, Str, List, Tuple, Map, Iter, Function,
	}
}

// ============================================================================
// Lattice laws
// ============================================================================

func TestMergeIdempotent(t *testing.T) {
	for _, v := range allValues() {
		if got := v.Merge(v); got != v {
			t.Errorf("%s.Merge(%s) = %s, want %s", v, v, got, v)
		}
	}
}

func TestMergeCommutative(t *testing.T) {
	vals := allValues()
	for _, a := range vals {
		for _, b := range vals {
			if a.Merge(b) != b.Merge(a) {
				t.Errorf("Merge not commutative for %s, %s", a, b)
			}
		}
	}
}

func TestMergeAssociative(t *testing.T) {
	vals := allValues()
	for _, a := range vals {
		for _, b := range vals {
			for _, c := range vals {
				left := a.Merge(b).Merge(c)
				right := a.Merge(b.Merge(c))
				if left != right {
					t.Errorf("Merge not associative for %s, %s, %s: %s vs %s", a, b, c, left, right)
				}
			}
		}
	}
}

func TestMergeUndefinedYieldsOtherSide(t *testing.T) {
	for _, v := range allValues() {
		if got := Undefined.Merge(v); got != v {
			t.Errorf("Undefined.Merge(%s) = %s, want %s", v, got, v)
		}
		if got := v.Merge(Undefined); got != v {
			t.Errorf("%s.Merge(Undefined) = %s, want %s", v, got, v)
		}
	}
}

func TestMergeUnlikeKindsCollapseToAny(t *testing.T) {
	tests := []struct {
		a, b *AbstractValue
	}{
		{Int, Float},
		{Int, Str},
		{Bool, None},
		{List, Tuple},
	}
	for _, tt := range tests {
		if got := tt.a.Merge(tt.b); got != Any {
			t.Errorf("%s.Merge(%s) = %s, want any", tt.a, tt.b, got)
		}
	}
}

func TestValuesAreInterned(t *testing.T) {
	if ValueFor(KindInt) != Int {
		t.Error("ValueFor(KindInt) is not the Int singleton")
	}
	if ValueFor(valueKindCount+1) != Any {
		t.Error("ValueFor out of range did not return Any")
	}
}

func TestUnboxable(t *testing.T) {
	unboxed := []*AbstractValue{Int, Float, Bool}
	for _, v := range unboxed {
		if !v.Unboxable() {
			t.Errorf("%s.Unboxable() = false, want true", v)
		}
	}
	boxed := []*AbstractValue{Undefined, Any, None, Str, List, Tuple, Map, Iter, Function}
	for _, v := range boxed {
		if v.Unboxable() {
			t.Errorf("%s.Unboxable() = true, want false", v)
		}
	}
}

// ============================================================================
// Transfer tables
// ============================================================================

func TestConstValue(t *testing.T) {
	tests := []struct {
		c    bytecode.Const
		want *AbstractValue
	}{
		{bytecode.NoneConst(), None},
		{bytecode.BoolConst(true), Bool},
		{bytecode.IntConst(7), Int},
		{bytecode.FloatConst(1.5), Float},
		{bytecode.StringConst("s"), Str},
	}
	for _, tt := range tests {
		if got := ConstValue(tt.c); got != tt.want {
			t.Errorf("ConstValue(%s) = %s, want %s", tt.c, got, tt.want)
		}
	}
}

func TestBinaryResult(t *testing.T) {
	tests := []struct {
		op   bytecode.Opcode
		l, r *AbstractValue
		want *AbstractValue
	}{
		{bytecode.OpAdd, Int, Int, Int},
		{bytecode.OpSub, Int, Int, Int},
		{bytecode.OpMul, Float, Float, Float},
		{bytecode.OpAdd, Int, Float, Float},
		{bytecode.OpDiv, Int, Int, Float},
		{bytecode.OpDiv, Float, Float, Float},
		{bytecode.OpAdd, Str, Str, Str},
		{bytecode.OpAdd, List, List, List},
		{bytecode.OpAdd, Str, Int, Any},
		{bytecode.OpMod, Any, Int, Any},
	}
	for _, tt := range tests {
		if got := BinaryResult(tt.op, tt.l, tt.r); got != tt.want {
			t.Errorf("BinaryResult(%s, %s, %s) = %s, want %s", tt.op, tt.l, tt.r, got, tt.want)
		}
	}
}

func TestUnaryResult(t *testing.T) {
	tests := []struct {
		op   bytecode.Opcode
		v    *AbstractValue
		want *AbstractValue
	}{
		{bytecode.OpNeg, Int, Int},
		{bytecode.OpNeg, Float, Float},
		{bytecode.OpNeg, Str, Any},
		{bytecode.OpNot, Any, Bool},
		{bytecode.OpNot, Int, Bool},
	}
	for _, tt := range tests {
		if got := UnaryResult(tt.op, tt.v); got != tt.want {
			t.Errorf("UnaryResult(%s, %s) = %s, want %s", tt.op, tt.v, got, tt.want)
		}
	}
}

// ============================================================================
// Source sets
// ============================================================================

func TestSourceSetUnion(t *testing.T) {
	a := NewSource(5)
	b := NewSource(2)
	u := a.Union(b)
	got := u.Origins()
	if len(got) != 2 || got[0] != 2 || got[1] != 5 {
		t.Errorf("Union origins = %v, want [2 5]", got)
	}
	// Operands are immutable.
	if len(a.Origins()) != 1 || a.Origins()[0] != 5 {
		t.Errorf("Union mutated its receiver: %v", a.Origins())
	}
}

func TestSourceSetUnionDeduplicates(t *testing.T) {
	a := NewSource(3).Union(NewSource(7))
	b := NewSource(7).Union(NewSource(9))
	u := a.Union(b)
	got := u.Origins()
	if len(got) != 3 || got[0] != 3 || got[1] != 7 || got[2] != 9 {
		t.Errorf("Union origins = %v, want [3 7 9]", got)
	}
}

func TestSourceSetUnionNilSafe(t *testing.T) {
	var empty *SourceSet
	a := NewSource(1)
	if got := empty.Union(a); !got.Equal(a) {
		t.Errorf("nil.Union(a) = %v, want %v", got, a)
	}
	if got := a.Union(empty); !got.Equal(a) {
		t.Errorf("a.Union(nil) = %v, want %v", got, a)
	}
}

func TestSourceSetEqual(t *testing.T) {
	a := NewSource(1).Union(NewSource(2))
	b := NewSource(2).Union(NewSource(1))
	if !a.Equal(b) {
		t.Errorf("%v not equal to %v", a, b)
	}
	if a.Equal(NewSource(1)) {
		t.Errorf("%v equal to %v", a, NewSource(1))
	}
}

func TestSourceSetString(t *testing.T) {
	s := NewSource(1).Union(NewSource(9))
	if got := s.String(); got != "{1,9}" {
		t.Errorf("String() = %q, want %q", got, "{1,9}")
	}
}

func TestValueWithSourcesMerge(t *testing.T) {
	a := NewValue(Int, 4)
	b := NewValue(Int, 8)
	m := a.MergeWith(b)
	if m.Value != Int {
		t.Errorf("merged value = %s, want int", m.Value)
	}
	got := m.Sources.Origins()
	if len(got) != 2 || got[0] != 4 || got[1] != 8 {
		t.Errorf("merged origins = %v, want [4 8]", got)
	}

	c := NewValue(Str, 4)
	if m2 := a.MergeWith(c); m2.Value != Any {
		t.Errorf("int/str merge value = %s, want any", m2.Value)
	}
}
