package ir

import "fmt"

// Opcode is a single instruction in the typed intermediate representation
// that the backend compiles to machine code. Unlike the source bytecode,
// IR instructions are explicitly typed: boxed object references (ptr) and
// unboxed scalars (int, float, bool) are distinct, and reference-count
// transfers are explicit instructions.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop      Opcode = 0x00 // No operation
	OpPop      Opcode = 0x01 // Discard top of stack (no reference released)
	OpDup      Opcode = 0x02 // Duplicate top of stack
	OpSwap     Opcode = 0x03 // Swap top two stack entries
	OpRotThree Opcode = 0x04 // Rotate top three: a b c -> c a b

	// ========================================================================
	// Immediates and constants (0x10-0x1F)
	// ========================================================================

	OpLoadConst Opcode = 0x10 // Push object for constant token: OpLoadConst <token:u32>
	OpLoadInt   Opcode = 0x11 // Push unboxed integer: OpLoadInt <value:i64>
	OpLoadFloat Opcode = 0x12 // Push unboxed float: OpLoadFloat <value:f64>
	OpLoadNull  Opcode = 0x13 // Push the null object reference

	// ========================================================================
	// Locals and arguments (0x20-0x2F)
	// ========================================================================

	OpLoadLocal  Opcode = 0x20 // Push local slot: OpLoadLocal <slot:u16>
	OpStoreLocal Opcode = 0x21 // Pop into local slot: OpStoreLocal <slot:u16>
	OpLoadArg    Opcode = 0x22 // Push argument: OpLoadArg <index:u16>

	// ========================================================================
	// Reference counting (0x28-0x2F)
	// ========================================================================

	OpIncRef Opcode = 0x28 // Increment refcount of top object (stack unchanged)
	OpDecRef Opcode = 0x29 // Pop top object and release it (tolerates null)

	// ========================================================================
	// Unboxed integer arithmetic (0x30-0x37)
	// ========================================================================

	OpIntAdd Opcode = 0x30
	OpIntSub Opcode = 0x31
	OpIntMul Opcode = 0x32
	OpIntDiv Opcode = 0x33
	OpIntMod Opcode = 0x34
	OpIntNeg Opcode = 0x35

	// ========================================================================
	// Unboxed float arithmetic (0x38-0x3F)
	// ========================================================================

	OpFloatAdd Opcode = 0x38
	OpFloatSub Opcode = 0x39
	OpFloatMul Opcode = 0x3A
	OpFloatDiv Opcode = 0x3B
	OpFloatNeg Opcode = 0x3C

	// ========================================================================
	// Unboxed comparison and logic (0x40-0x47)
	// ========================================================================

	OpIntCmp   Opcode = 0x40 // Pop two ints, push bool: OpIntCmp <pred:u8>
	OpFloatCmp Opcode = 0x41 // Pop two floats, push bool: OpFloatCmp <pred:u8>
	OpBoolNot  Opcode = 0x42 // Invert unboxed bool

	// ========================================================================
	// Boxing bridge (0x48-0x4F)
	// ========================================================================

	OpBox   Opcode = 0x48 // Box unboxed scalar into object: OpBox <kind:u8>
	OpUnbox Opcode = 0x49 // Unbox object into scalar: OpUnbox <kind:u8>

	// ========================================================================
	// Branches (0x50-0x5F)
	// Each branch has a long form (i32 displacement) and a short form
	// (long+1, i8 displacement). Displacements are relative to the end of
	// the branch instruction's own encoding.
	// ========================================================================

	OpBranch         Opcode = 0x50 // Unconditional
	OpBranchS        Opcode = 0x51
	OpBranchTrue     Opcode = 0x52 // Pop bool, branch if true
	OpBranchTrueS    Opcode = 0x53
	OpBranchFalse    Opcode = 0x54 // Pop bool, branch if false
	OpBranchFalseS   Opcode = 0x55
	OpBranchNull     Opcode = 0x56 // Pop object, branch if null
	OpBranchNullS    Opcode = 0x57
	OpBranchNotNull  Opcode = 0x58 // Pop object, branch if not null
	OpBranchNotNullS Opcode = 0x59

	// ========================================================================
	// Calls (0x60-0x6F)
	// ========================================================================

	OpCallHelper Opcode = 0x60 // Call runtime helper: OpCallHelper <token:u16>

	// ========================================================================
	// Return (0x70-0x7F)
	// ========================================================================

	OpReturn Opcode = 0x70 // Return top of stack to the caller
)

// Kind classifies a value slot: boxed object reference or unboxed scalar.
type Kind uint8

const (
	KindVoid  Kind = iota
	KindPtr        // Boxed object reference
	KindInt        // Unboxed 64-bit integer
	KindFloat      // Unboxed 64-bit float
	KindBool       // Unboxed boolean
)

// KindCount is the number of distinct kinds, for per-kind tables.
const KindCount = 5

// String returns a human-readable name for Kind.
func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindPtr:
		return "ptr"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// CmpPred selects the comparison performed by OpIntCmp/OpFloatCmp.
// Values match bytecode.ComparePred so the compiler can pass them through.
type CmpPred uint8

const (
	CmpLt CmpPred = 0
	CmpLe CmpPred = 1
	CmpEq CmpPred = 2
	CmpNe CmpPred = 3
	CmpGt CmpPred = 4
	CmpGe CmpPred = 5
)

// String returns a human-readable name for CmpPred.
func (p CmpPred) String() string {
	switch p {
	case CmpLt:
		return "lt"
	case CmpLe:
		return "le"
	case CmpEq:
		return "eq"
	case CmpNe:
		return "ne"
	case CmpGt:
		return "gt"
	case CmpGe:
		return "ge"
	default:
		return fmt.Sprintf("CmpPred(%d)", uint8(p))
	}
}

// OpcodeInfo provides metadata about each IR opcode.
type OpcodeInfo struct {
	Name       string
	OperandLen int // Number of operand bytes following the opcode
}

// opcodeInfoTable is initialized once and never mutated; safe to consult
// from concurrent compilations.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop:      {"NOP", 0},
	OpPop:      {"POP", 0},
	OpDup:      {"DUP", 0},
	OpSwap:     {"SWAP", 0},
	OpRotThree: {"ROT_THREE", 0},

	OpLoadConst: {"LOAD_CONST", 4},
	OpLoadInt:   {"LOAD_INT", 8},
	OpLoadFloat: {"LOAD_FLOAT", 8},
	OpLoadNull:  {"LOAD_NULL", 0},

	OpLoadLocal:  {"LOAD_LOCAL", 2},
	OpStoreLocal: {"STORE_LOCAL", 2},
	OpLoadArg:    {"LOAD_ARG", 2},

	OpIncRef: {"INCREF", 0},
	OpDecRef: {"DECREF", 0},

	OpIntAdd: {"INT_ADD", 0},
	OpIntSub: {"INT_SUB", 0},
	OpIntMul: {"INT_MUL", 0},
	OpIntDiv: {"INT_DIV", 0},
	OpIntMod: {"INT_MOD", 0},
	OpIntNeg: {"INT_NEG", 0},

	OpFloatAdd: {"FLOAT_ADD", 0},
	OpFloatSub: {"FLOAT_SUB", 0},
	OpFloatMul: {"FLOAT_MUL", 0},
	OpFloatDiv: {"FLOAT_DIV", 0},
	OpFloatNeg: {"FLOAT_NEG", 0},

	OpIntCmp:   {"INT_CMP", 1},
	OpFloatCmp: {"FLOAT_CMP", 1},
	OpBoolNot:  {"BOOL_NOT", 0},

	OpBox:   {"BOX", 1},
	OpUnbox: {"UNBOX", 1},

	OpBranch:         {"BR", 4},
	OpBranchS:        {"BR_S", 1},
	OpBranchTrue:     {"BR_TRUE", 4},
	OpBranchTrueS:    {"BR_TRUE_S", 1},
	OpBranchFalse:    {"BR_FALSE", 4},
	OpBranchFalseS:   {"BR_FALSE_S", 1},
	OpBranchNull:     {"BR_NULL", 4},
	OpBranchNullS:    {"BR_NULL_S", 1},
	OpBranchNotNull:  {"BR_NOT_NULL", 4},
	OpBranchNotNullS: {"BR_NOT_NULL_S", 1},

	OpCallHelper: {"CALL_HELPER", 2},

	OpReturn: {"RETURN", 0},
}

// GetOpcodeInfo returns metadata for an IR opcode.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// InstructionLen returns the total length of an instruction.
func (op Opcode) InstructionLen() int {
	return 1 + GetOpcodeInfo(op).OperandLen
}

// IsBranch returns true for any branch-family opcode.
func (op Opcode) IsBranch() bool {
	return op >= OpBranch && op <= OpBranchNotNullS
}

// IsShortBranch returns true for the i8-displacement branch forms.
func (op Opcode) IsShortBranch() bool {
	return op.IsBranch() && op&1 == 1
}

// AllOpcodes returns a slice of all defined IR opcodes.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}
