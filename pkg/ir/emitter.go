package ir

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Label is a position in the instruction buffer that branches can target
// before it is known. Labels are created by DefineLabel and bound exactly
// once by MarkLabel.
type Label struct {
	id int
}

// Local is a slot in the compiled method's local variable area.
type Local struct {
	index int
}

// InvalidLocal is the zero-like sentinel for an unallocated local.
var InvalidLocal = Local{index: -1}

// Index returns the slot number of the local.
func (l Local) Index() int { return l.index }

// IsValid reports whether the local refers to an allocated slot.
func (l Local) IsValid() bool { return l.index >= 0 }

// BranchType selects the condition of a branch emitted via Branch.
type BranchType uint8

const (
	BranchAlways BranchType = iota
	BranchTrue
	BranchFalse
	BranchNull
	BranchNotNull
)

// longBranchOp maps a BranchType to its long-form opcode; the short form
// is always longBranchOp+1.
func longBranchOp(bt BranchType) Opcode {
	switch bt {
	case BranchAlways:
		return OpBranch
	case BranchTrue:
		return OpBranchTrue
	case BranchFalse:
		return OpBranchFalse
	case BranchNull:
		return OpBranchNull
	case BranchNotNull:
		return OpBranchNotNull
	default:
		return OpBranch
	}
}

type labelInfo struct {
	location     int   // buffer offset the label is bound to, -1 if unbound
	pendingSites []int // offsets of 4-byte displacement operands to patch
}

// Emitter is an append-only assembler for the typed IR: it encodes
// instructions, resolves labels with forward patching, and allocates
// local slots with per-kind free-list reuse.
//
// Invariant violations (binding a label twice, double-freeing a local)
// are recorded as a sticky error rather than panicking; the compiler
// checks Err once after emission. An emitter is single-use and not safe
// for concurrent access.
type Emitter struct {
	code   []byte
	labels []labelInfo
	locals []Kind             // slot -> kind
	freed  [KindCount][]Local // per-kind LIFO free lists
	err    error
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		code: make([]byte, 0, 256),
	}
}

// Code returns the encoded instruction buffer.
func (e *Emitter) Code() []byte { return e.code }

// Len returns the current length of the instruction buffer.
func (e *Emitter) Len() int { return len(e.code) }

// Err returns the first invariant violation recorded, or nil.
func (e *Emitter) Err() error { return e.err }

func (e *Emitter) fail(format string, args ...interface{}) {
	if e.err == nil {
		e.err = fmt.Errorf(format, args...)
	}
}

// ------------------------------------------------------------------------
// Labels and branches
// ------------------------------------------------------------------------

// DefineLabel creates a new unbound label.
func (e *Emitter) DefineLabel() Label {
	e.labels = append(e.labels, labelInfo{location: -1})
	return Label{id: len(e.labels) - 1}
}

// MarkLabel binds a label to the current buffer position and back-patches
// every pending branch site recorded for it. Binding a label twice is an
// invariant violation.
func (e *Emitter) MarkLabel(l Label) {
	if l.id < 0 || l.id >= len(e.labels) {
		e.fail("ir: mark of undefined label %d", l.id)
		return
	}
	info := &e.labels[l.id]
	if info.location != -1 {
		e.fail("ir: label %d bound twice (at %d and %d)", l.id, info.location, len(e.code))
		return
	}
	info.location = len(e.code)
	for _, site := range info.pendingSites {
		// Displacement is relative to the end of the branch instruction,
		// which for the long form is four bytes past the operand start.
		disp := info.location - (site + 4)
		binary.BigEndian.PutUint32(e.code[site:], uint32(int32(disp)))
	}
	info.pendingSites = nil
}

// LabelLocation returns the bound position of a label, or -1 if unbound.
func (e *Emitter) LabelLocation(l Label) int {
	if l.id < 0 || l.id >= len(e.labels) {
		return -1
	}
	return e.labels[l.id].location
}

// Branch emits a branch to the given label. If the label is already bound
// the shortest encoding whose range covers the displacement is chosen;
// otherwise the long form is emitted and recorded for patching when the
// label is bound.
func (e *Emitter) Branch(bt BranchType, l Label) {
	if l.id < 0 || l.id >= len(e.labels) {
		e.fail("ir: branch to undefined label %d", l.id)
		return
	}
	long := longBranchOp(bt)
	info := &e.labels[l.id]
	pos := len(e.code)

	if info.location == -1 {
		// Forward branch: long form with a placeholder displacement.
		e.code = append(e.code, byte(long), 0xFF, 0xFF, 0xFF, 0xFF)
		info.pendingSites = append(info.pendingSites, pos+1)
		return
	}

	// Backward branch: displacement is known, pick the shortest form.
	shortDisp := info.location - (pos + 2)
	if shortDisp >= math.MinInt8 && shortDisp <= math.MaxInt8 {
		e.code = append(e.code, byte(long+1), byte(int8(shortDisp)))
		return
	}
	longDisp := info.location - (pos + 5)
	e.code = append(e.code, byte(long))
	e.code = binary.BigEndian.AppendUint32(e.code, uint32(int32(longDisp)))
}

// ------------------------------------------------------------------------
// Local slot allocation
// ------------------------------------------------------------------------

// DefineLocal allocates a local slot of the given kind, reusing the most
// recently freed slot of that kind when one is available.
func (e *Emitter) DefineLocal(kind Kind) Local {
	free := e.freed[kind]
	if n := len(free); n > 0 {
		l := free[n-1]
		e.freed[kind] = free[:n-1]
		return l
	}
	return e.defineLocalNoReuse(kind)
}

// defineLocalNoReuse always allocates a fresh slot.
func (e *Emitter) defineLocalNoReuse(kind Kind) Local {
	e.locals = append(e.locals, kind)
	return Local{index: len(e.locals) - 1}
}

// FreeLocal returns a slot to its kind's free list for reuse.
// Freeing a slot twice is an invariant violation.
func (e *Emitter) FreeLocal(l Local) {
	if !l.IsValid() || l.index >= len(e.locals) {
		e.fail("ir: free of invalid local %d", l.index)
		return
	}
	kind := e.locals[l.index]
	for _, freed := range e.freed[kind] {
		if freed.index == l.index {
			e.fail("ir: local %d freed twice", l.index)
			return
		}
	}
	e.freed[kind] = append(e.freed[kind], l)
}

// LocalKind returns the kind a slot was allocated with.
func (e *Emitter) LocalKind(l Local) Kind {
	if !l.IsValid() || l.index >= len(e.locals) {
		return KindVoid
	}
	return e.locals[l.index]
}

// LocalCount returns the total number of local slots allocated.
func (e *Emitter) LocalCount() int {
	return len(e.locals)
}

// LocalKinds returns the kind of every allocated slot, in slot order.
func (e *Emitter) LocalKinds() []Kind {
	kinds := make([]Kind, len(e.locals))
	copy(kinds, e.locals)
	return kinds
}

// ------------------------------------------------------------------------
// Instruction encoding
// ------------------------------------------------------------------------

// Emit appends an operand-less instruction.
func (e *Emitter) Emit(op Opcode) {
	e.code = append(e.code, byte(op))
}

// EmitLoadConst pushes the object for a constant-pool token.
func (e *Emitter) EmitLoadConst(token uint32) {
	e.code = append(e.code, byte(OpLoadConst))
	e.code = binary.BigEndian.AppendUint32(e.code, token)
}

// EmitLoadInt pushes an unboxed integer immediate.
func (e *Emitter) EmitLoadInt(v int64) {
	e.code = append(e.code, byte(OpLoadInt))
	e.code = binary.BigEndian.AppendUint64(e.code, uint64(v))
}

// EmitLoadFloat pushes an unboxed float immediate.
func (e *Emitter) EmitLoadFloat(v float64) {
	e.code = append(e.code, byte(OpLoadFloat))
	e.code = binary.BigEndian.AppendUint64(e.code, math.Float64bits(v))
}

// EmitLoadLocal pushes the value of a local slot.
func (e *Emitter) EmitLoadLocal(l Local) {
	if !l.IsValid() {
		e.fail("ir: load of invalid local")
		return
	}
	e.emitU16(OpLoadLocal, uint16(l.index))
}

// EmitStoreLocal pops into a local slot.
func (e *Emitter) EmitStoreLocal(l Local) {
	if !l.IsValid() {
		e.fail("ir: store to invalid local")
		return
	}
	e.emitU16(OpStoreLocal, uint16(l.index))
}

// EmitLoadArg pushes an argument by index.
func (e *Emitter) EmitLoadArg(index int) {
	e.emitU16(OpLoadArg, uint16(index))
}

// EmitIntCmp pops two unboxed ints and pushes a bool.
func (e *Emitter) EmitIntCmp(p CmpPred) {
	e.code = append(e.code, byte(OpIntCmp), byte(p))
}

// EmitFloatCmp pops two unboxed floats and pushes a bool.
func (e *Emitter) EmitFloatCmp(p CmpPred) {
	e.code = append(e.code, byte(OpFloatCmp), byte(p))
}

// EmitBox boxes the unboxed scalar of the given kind on top of the stack.
func (e *Emitter) EmitBox(kind Kind) {
	e.code = append(e.code, byte(OpBox), byte(kind))
}

// EmitUnbox unboxes the object on top of the stack into the given kind.
func (e *Emitter) EmitUnbox(kind Kind) {
	e.code = append(e.code, byte(OpUnbox), byte(kind))
}

// EmitCallHelper calls a runtime helper by token.
func (e *Emitter) EmitCallHelper(t HelperToken) {
	e.emitU16(OpCallHelper, uint16(t))
}

func (e *Emitter) emitU16(op Opcode, v uint16) {
	e.code = append(e.code, byte(op), byte(v>>8), byte(v))
}
