package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Assembler builds a Function incrementally. Front ends and tests emit
// instructions through it; jump operands are absolute code offsets and can
// be patched after their targets are known.
type Assembler struct {
	name     string
	code     []byte
	consts   []Const
	varNames []string
	names    []string
	params   int
}

// NewAssembler creates an empty assembler for a function with the given name.
func NewAssembler(name string) *Assembler {
	return &Assembler{
		name: name,
		code: make([]byte, 0, 64),
	}
}

// Param declares a parameter, which occupies the next local slot.
// All parameters must be declared before any plain locals.
func (a *Assembler) Param(name string) int {
	slot := a.Local(name)
	a.params = slot + 1
	return slot
}

// Local declares a local variable and returns its slot.
func (a *Assembler) Local(name string) int {
	slot := len(a.varNames)
	a.varNames = append(a.varNames, name)
	return slot
}

// Name adds a global symbol name and returns its index, deduplicating.
func (a *Assembler) Name(name string) int {
	for i, n := range a.names {
		if n == name {
			return i
		}
	}
	a.names = append(a.names, name)
	return len(a.names) - 1
}

// Const adds a constant to the pool and returns its index.
// If an equal constant already exists, returns the existing index.
func (a *Assembler) Const(c Const) int {
	for i, existing := range a.consts {
		if existing == c {
			return i
		}
	}
	a.consts = append(a.consts, c)
	return len(a.consts) - 1
}

// CurrentOffset returns the offset the next emitted instruction will have.
func (a *Assembler) CurrentOffset() int {
	return len(a.code)
}

// Emit appends a single-byte instruction and returns its offset.
func (a *Assembler) Emit(op Opcode) int {
	offset := len(a.code)
	a.code = append(a.code, byte(op))
	return offset
}

// EmitU8 appends an instruction with a one-byte operand.
func (a *Assembler) EmitU8(op Opcode, arg uint8) int {
	offset := len(a.code)
	a.code = append(a.code, byte(op), arg)
	return offset
}

// EmitU16 appends an instruction with a two-byte operand.
func (a *Assembler) EmitU16(op Opcode, arg uint16) int {
	offset := len(a.code)
	a.code = append(a.code, byte(op), byte(arg>>8), byte(arg))
	return offset
}

// EmitConst emits an OpLoadConst for the given value, pooling it.
func (a *Assembler) EmitConst(c Const) int {
	return a.EmitU16(OpLoadConst, uint16(a.Const(c)))
}

// EmitJump emits a jump-family instruction with a placeholder target.
// Returns the instruction offset for later patching with PatchJumpTo.
func (a *Assembler) EmitJump(op Opcode) int {
	return a.EmitU16(op, 0xFFFF)
}

// PatchJumpTo sets the target of a previously emitted jump to an absolute
// code offset.
func (a *Assembler) PatchJumpTo(instrOffset, target int) {
	binary.BigEndian.PutUint16(a.code[instrOffset+1:], uint16(target))
}

// PatchJump sets the target of a previously emitted jump to the current
// position.
func (a *Assembler) PatchJump(instrOffset int) {
	a.PatchJumpTo(instrOffset, len(a.code))
}

// Finish assembles the Function and validates it.
func (a *Assembler) Finish() (*Function, error) {
	fn := &Function{
		Name:       a.name,
		ParamCount: a.params,
		LocalCount: len(a.varNames),
		Code:       a.code,
		Consts:     a.consts,
		VarNames:   a.varNames,
		Names:      a.names,
	}
	if err := fn.Validate(); err != nil {
		return nil, fmt.Errorf("assembling %q: %w", a.name, err)
	}
	return fn, nil
}

// MustFinish assembles the Function and panics on validation failure.
// Intended for tests and statically known code sequences.
func (a *Assembler) MustFinish() *Function {
	fn, err := a.Finish()
	if err != nil {
		panic(err)
	}
	return fn
}
