package absint

import (
	"fmt"

	"github.com/chazu/tern/pkg/bytecode"
)

// ValueKind is the type component of the abstract value lattice.
// Undefined is the before-first-assignment state of a local slot; Any is
// the top element that every merge of unlike kinds collapses to.
type ValueKind uint8

const (
	KindUndefined ValueKind = iota
	KindAny
	KindNone
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindTuple
	KindMap
	KindIter
	KindFunction

	valueKindCount
)

// String returns a human-readable name for ValueKind.
func (k ValueKind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindAny:
		return "any"
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "str"
	case KindList:
		return "list"
	case KindTuple:
		return "tuple"
	case KindMap:
		return "map"
	case KindIter:
		return "iter"
	case KindFunction:
		return "function"
	default:
		return fmt.Sprintf("ValueKind(%d)", uint8(k))
	}
}

// AbstractValue is one element of the value lattice. Values are interned:
// there is exactly one *AbstractValue per kind, so identity comparison is
// kind comparison and states stay cheap to copy.
type AbstractValue struct {
	kind ValueKind
}

var interned [valueKindCount]AbstractValue

func init() {
	for k := ValueKind(0); k < valueKindCount; k++ {
		interned[k] = AbstractValue{kind: k}
	}
}

// Interned lattice elements. Undefined is only meaningful in local slots;
// it never appears on the abstract stack.
var (
	Undefined = &interned[KindUndefined]
	Any       = &interned[KindAny]
	None      = &interned[KindNone]
	Bool      = &interned[KindBool]
	Int       = &interned[KindInt]
	Float     = &interned[KindFloat]
	Str       = &interned[KindString]
	List      = &interned[KindList]
	Tuple     = &interned[KindTuple]
	Map       = &interned[KindMap]
	Iter      = &interned[KindIter]
	Function  = &interned[KindFunction]
)

// ValueFor returns the interned value for a kind.
func ValueFor(k ValueKind) *AbstractValue {
	if k >= valueKindCount {
		return Any
	}
	return &interned[k]
}

// Kind returns the lattice kind of the value.
func (v *AbstractValue) Kind() ValueKind { return v.kind }

// String returns the kind name.
func (v *AbstractValue) String() string { return v.kind.String() }

// Unboxable reports whether values of this kind have an unboxed machine
// representation. Everything else always lives as a boxed object.
func (v *AbstractValue) Unboxable() bool {
	switch v.kind {
	case KindInt, KindFloat, KindBool:
		return true
	}
	return false
}

// Merge joins two lattice elements: equal values merge to themselves,
// anything merged with Undefined keeps the defined side (the caller tracks
// definite assignment separately), and unlike kinds collapse to Any.
// Merge is commutative, associative, and idempotent.
func (v *AbstractValue) Merge(other *AbstractValue) *AbstractValue {
	if v == other {
		return v
	}
	if v == Undefined {
		return other
	}
	if other == Undefined {
		return v
	}
	return Any
}

// ConstValue maps a constant-pool entry to its lattice element.
func ConstValue(c bytecode.Const) *AbstractValue {
	switch c.Kind {
	case bytecode.ConstNone:
		return None
	case bytecode.ConstBool:
		return Bool
	case bytecode.ConstInt:
		return Int
	case bytecode.ConstFloat:
		return Float
	case bytecode.ConstString:
		return Str
	default:
		return Any
	}
}

// BinaryResult predicts the result kind of a binary arithmetic opcode.
// Division of numbers always produces a float; everything the table does
// not cover is Any.
func BinaryResult(op bytecode.Opcode, left, right *AbstractValue) *AbstractValue {
	l, r := left.kind, right.kind
	switch op {
	case bytecode.OpAdd:
		switch {
		case l == KindInt && r == KindInt:
			return Int
		case isNumeric(l) && isNumeric(r):
			return Float
		case l == KindString && r == KindString:
			return Str
		case l == KindList && r == KindList:
			return List
		}
	case bytecode.OpSub, bytecode.OpMul, bytecode.OpMod:
		switch {
		case l == KindInt && r == KindInt:
			return Int
		case isNumeric(l) && isNumeric(r):
			return Float
		}
	case bytecode.OpDiv:
		if isNumeric(l) && isNumeric(r) {
			return Float
		}
	}
	return Any
}

// UnaryResult predicts the result kind of a unary opcode.
func UnaryResult(op bytecode.Opcode, v *AbstractValue) *AbstractValue {
	switch op {
	case bytecode.OpNeg:
		switch v.kind {
		case KindInt:
			return Int
		case KindFloat:
			return Float
		}
		return Any
	case bytecode.OpNot:
		return Bool
	}
	return Any
}

func isNumeric(k ValueKind) bool {
	return k == KindInt || k == KindFloat
}
