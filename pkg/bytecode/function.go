package bytecode

import (
	"encoding/binary"
	"fmt"
)

// ConstKind identifies the type of a constant pool entry.
type ConstKind uint8

const (
	ConstNone ConstKind = iota
	ConstBool
	ConstInt
	ConstFloat
	ConstString
)

// String returns a human-readable name for ConstKind.
func (k ConstKind) String() string {
	switch k {
	case ConstNone:
		return "none"
	case ConstBool:
		return "bool"
	case ConstInt:
		return "int"
	case ConstFloat:
		return "float"
	case ConstString:
		return "string"
	default:
		return fmt.Sprintf("ConstKind(%d)", uint8(k))
	}
}

// Const is a typed literal in a function's constant pool.
type Const struct {
	Kind  ConstKind `cbor:"1,keyasint"`
	Bool  bool      `cbor:"2,keyasint,omitempty"`
	Int   int64     `cbor:"3,keyasint,omitempty"`
	Float float64   `cbor:"4,keyasint,omitempty"`
	Str   string    `cbor:"5,keyasint,omitempty"`
}

// NoneConst returns the none literal.
func NoneConst() Const { return Const{Kind: ConstNone} }

// BoolConst returns a boolean literal.
func BoolConst(b bool) Const { return Const{Kind: ConstBool, Bool: b} }

// IntConst returns an integer literal.
func IntConst(i int64) Const { return Const{Kind: ConstInt, Int: i} }

// FloatConst returns a float literal.
func FloatConst(f float64) Const { return Const{Kind: ConstFloat, Float: f} }

// StringConst returns a string literal.
func StringConst(s string) Const { return Const{Kind: ConstString, Str: s} }

// String renders the constant the way the disassembler prints it.
func (c Const) String() string {
	switch c.Kind {
	case ConstNone:
		return "none"
	case ConstBool:
		if c.Bool {
			return "true"
		}
		return "false"
	case ConstInt:
		return fmt.Sprintf("%d", c.Int)
	case ConstFloat:
		return fmt.Sprintf("%g", c.Float)
	case ConstString:
		return fmt.Sprintf("%q", c.Str)
	default:
		return c.Kind.String()
	}
}

// Function is a fully decoded unit of Tern bytecode: the input contract of
// the compiler. All tables are read-only for the duration of a compilation.
// Parameters occupy the first ParamCount local slots.
type Function struct {
	Name       string   `cbor:"1,keyasint"`
	ParamCount int      `cbor:"2,keyasint"`
	LocalCount int      `cbor:"3,keyasint"`
	Code       []byte   `cbor:"4,keyasint"`
	Consts     []Const  `cbor:"5,keyasint"`
	VarNames   []string `cbor:"6,keyasint"`
	Names      []string `cbor:"7,keyasint,omitempty"`
}

// OpcodeAt returns the opcode at the given code offset.
func (f *Function) OpcodeAt(offset int) Opcode {
	return Opcode(f.Code[offset])
}

// OperandAt returns the instruction operand at the given code offset,
// decoding one or two bytes according to the opcode's metadata.
func (f *Function) OperandAt(offset int) int {
	op := f.OpcodeAt(offset)
	switch op.OperandLen() {
	case 0:
		return 0
	case 1:
		return int(f.Code[offset+1])
	case 2:
		return int(binary.BigEndian.Uint16(f.Code[offset+1:]))
	default:
		panic(fmt.Sprintf("bytecode: opcode %s has unexpected operand length", op))
	}
}

// CodeLen returns the length of the code section.
func (f *Function) CodeLen() int {
	return len(f.Code)
}

// Validate performs structural checks on the function: known opcodes,
// in-bounds operands and jump targets, and a terminated instruction stream.
// It does not type-check; that is the abstract interpreter's job.
func (f *Function) Validate() error {
	if f.LocalCount < f.ParamCount {
		return fmt.Errorf("bytecode: function %q has %d locals but %d params", f.Name, f.LocalCount, f.ParamCount)
	}
	if len(f.VarNames) != 0 && len(f.VarNames) != f.LocalCount {
		return fmt.Errorf("bytecode: function %q has %d var names for %d locals", f.Name, len(f.VarNames), f.LocalCount)
	}
	for offset := 0; offset < len(f.Code); {
		op := f.OpcodeAt(offset)
		if !op.IsKnown() {
			return fmt.Errorf("bytecode: unknown opcode 0x%02X at offset %d", byte(op), offset)
		}
		if offset+op.InstructionLen() > len(f.Code) {
			return fmt.Errorf("bytecode: truncated %s at offset %d", op, offset)
		}
		arg := f.OperandAt(offset)
		switch op {
		case OpLoadConst:
			if arg >= len(f.Consts) {
				return fmt.Errorf("bytecode: constant index %d out of range at offset %d", arg, offset)
			}
		case OpLoadLocal, OpStoreLocal, OpDeleteLocal:
			if arg >= f.LocalCount {
				return fmt.Errorf("bytecode: local slot %d out of range at offset %d", arg, offset)
			}
		case OpLoadGlobal:
			if arg >= len(f.Names) {
				return fmt.Errorf("bytecode: name index %d out of range at offset %d", arg, offset)
			}
		case OpJump, OpJumpIfTrue, OpJumpIfFalse, OpForIter, OpContinue,
			OpSetupLoop, OpSetupExcept, OpSetupFinally:
			if arg >= len(f.Code) {
				return fmt.Errorf("bytecode: target %d out of range at offset %d", arg, offset)
			}
		}
		offset += op.InstructionLen()
	}
	if len(f.Code) == 0 {
		return fmt.Errorf("bytecode: function %q has no code", f.Name)
	}
	return nil
}

// LocalName returns the variable name for a local slot, or a placeholder
// when the name table is absent.
func (f *Function) LocalName(slot int) string {
	if slot < len(f.VarNames) {
		return f.VarNames[slot]
	}
	return fmt.Sprintf("local%d", slot)
}
