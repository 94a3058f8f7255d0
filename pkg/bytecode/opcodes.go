package bytecode

import "fmt"

// Opcode represents a Tern bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop      Opcode = 0x00 // No operation
	OpPop      Opcode = 0x01 // Pop top of stack
	OpDup      Opcode = 0x02 // Duplicate top of stack
	OpRotTwo   Opcode = 0x03 // Swap top two stack elements
	OpRotThree Opcode = 0x04 // Rotate top three: a b c -> c a b

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpLoadConst Opcode = 0x10 // Push constant from pool: OpLoadConst <index:u16>

	// ========================================================================
	// Local variables (0x20-0x2F)
	// ========================================================================

	OpLoadLocal   Opcode = 0x20 // Push local variable: OpLoadLocal <slot:u16>
	OpStoreLocal  Opcode = 0x21 // Pop and store to local: OpStoreLocal <slot:u16>
	OpDeleteLocal Opcode = 0x22 // Unbind local: OpDeleteLocal <slot:u16>

	// ========================================================================
	// Globals (0x28-0x2F)
	// ========================================================================

	OpLoadGlobal Opcode = 0x28 // Push global by name: OpLoadGlobal <name:u16>

	// ========================================================================
	// Arithmetic (0x30-0x3F)
	// ========================================================================

	OpAdd Opcode = 0x30 // Pop two, push sum
	OpSub Opcode = 0x31 // Pop two, push difference (a - b where b is TOS)
	OpMul Opcode = 0x32 // Pop two, push product
	OpDiv Opcode = 0x33 // Pop two, push quotient
	OpMod Opcode = 0x34 // Pop two, push remainder
	OpNeg Opcode = 0x35 // Negate top of stack

	// ========================================================================
	// Logic and comparison (0x40-0x4F)
	// ========================================================================

	OpNot     Opcode = 0x40 // Logical NOT: push true if TOS is falsy
	OpCompare Opcode = 0x41 // Pop two, push comparison result: OpCompare <pred:u8>

	// ========================================================================
	// Control flow (0x50-0x5F) - all targets are absolute code offsets
	// ========================================================================

	OpJump        Opcode = 0x50 // Unconditional jump: OpJump <target:u16>
	OpJumpIfTrue  Opcode = 0x51 // Pop, jump if truthy: OpJumpIfTrue <target:u16>
	OpJumpIfFalse Opcode = 0x52 // Pop, jump if falsy: OpJumpIfFalse <target:u16>

	// ========================================================================
	// Calls (0x60-0x6F)
	// ========================================================================

	OpCall Opcode = 0x60 // Call TOS-argc callable with argc args: OpCall <argc:u8>

	// ========================================================================
	// Containers (0x70-0x77)
	// ========================================================================

	OpBuildList  Opcode = 0x70 // Pop n values, push list: OpBuildList <n:u16>
	OpBuildTuple Opcode = 0x71 // Pop n values, push tuple: OpBuildTuple <n:u16>
	OpBuildMap   Opcode = 0x72 // Pop 2n values, push map: OpBuildMap <n:u16>

	// ========================================================================
	// Iteration (0x78-0x7F)
	// ========================================================================

	OpGetIter Opcode = 0x78 // Replace TOS with an iterator over it
	OpForIter Opcode = 0x79 // Push next item, or pop iterator and jump: OpForIter <target:u16>

	// ========================================================================
	// Block structure and exceptions (0x80-0x8F)
	// ========================================================================

	OpSetupLoop    Opcode = 0x80 // Enter loop region: OpSetupLoop <end:u16>
	OpSetupExcept  Opcode = 0x81 // Enter try with except handler: OpSetupExcept <handler:u16>
	OpSetupFinally Opcode = 0x82 // Enter try with finally handler: OpSetupFinally <handler:u16>
	OpPopBlock     Opcode = 0x83 // Leave the innermost region normally
	OpPopExcept    Opcode = 0x84 // End of an except body, restore previous exception
	OpEndFinally   Opcode = 0x85 // End of a finally body, resume pending control transfer
	OpBreak        Opcode = 0x86 // Break out of the innermost loop
	OpContinue     Opcode = 0x87 // Continue the innermost loop: OpContinue <head:u16>
	OpRaise        Opcode = 0x88 // Pop exception value and raise it

	// ========================================================================
	// Return (0xF0-0xFF)
	// ========================================================================

	OpReturn Opcode = 0xF0 // Return top of stack from the function
)

// ComparePred selects the comparison performed by OpCompare.
type ComparePred uint8

const (
	CmpLt ComparePred = 0
	CmpLe ComparePred = 1
	CmpEq ComparePred = 2
	CmpNe ComparePred = 3
	CmpGt ComparePred = 4
	CmpGe ComparePred = 5
)

// String returns a human-readable name for a comparison predicate.
func (p ComparePred) String() string {
	switch p {
	case CmpLt:
		return "<"
	case CmpLe:
		return "<="
	case CmpEq:
		return "=="
	case CmpNe:
		return "!="
	case CmpGt:
		return ">"
	case CmpGe:
		return ">="
	default:
		return fmt.Sprintf("ComparePred(%d)", uint8(p))
	}
}

// OpcodeInfo provides metadata about each opcode for analysis and validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // How many values popped from stack (-1 = variable)
	StackPush  int    // How many values pushed to stack
	OperandLen int    // Number of operand bytes following the opcode
}

// opcodeInfoTable maps opcodes to their metadata. It is initialized once and
// never mutated, so it is safe to consult from concurrent compilations.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpNop:      {"NOP", 0, 0, 0},
	OpPop:      {"POP", 1, 0, 0},
	OpDup:      {"DUP", 1, 2, 0},
	OpRotTwo:   {"ROT_TWO", 2, 2, 0},
	OpRotThree: {"ROT_THREE", 3, 3, 0},

	// Constants
	OpLoadConst: {"LOAD_CONST", 0, 1, 2},

	// Local variables
	OpLoadLocal:   {"LOAD_LOCAL", 0, 1, 2},
	OpStoreLocal:  {"STORE_LOCAL", 1, 0, 2},
	OpDeleteLocal: {"DELETE_LOCAL", 0, 0, 2},

	// Globals
	OpLoadGlobal: {"LOAD_GLOBAL", 0, 1, 2},

	// Arithmetic
	OpAdd: {"ADD", 2, 1, 0},
	OpSub: {"SUB", 2, 1, 0},
	OpMul: {"MUL", 2, 1, 0},
	OpDiv: {"DIV", 2, 1, 0},
	OpMod: {"MOD", 2, 1, 0},
	OpNeg: {"NEG", 1, 1, 0},

	// Logic and comparison
	OpNot:     {"NOT", 1, 1, 0},
	OpCompare: {"COMPARE", 2, 1, 1},

	// Control flow
	OpJump:        {"JUMP", 0, 0, 2},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 1, 0, 2},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 1, 0, 2},

	// Calls
	OpCall: {"CALL", -1, 1, 1},

	// Containers
	OpBuildList:  {"BUILD_LIST", -1, 1, 2},
	OpBuildTuple: {"BUILD_TUPLE", -1, 1, 2},
	OpBuildMap:   {"BUILD_MAP", -1, 1, 2},

	// Iteration
	OpGetIter: {"GET_ITER", 1, 1, 0},
	OpForIter: {"FOR_ITER", 0, 1, 2},

	// Block structure and exceptions
	OpSetupLoop:    {"SETUP_LOOP", 0, 0, 2},
	OpSetupExcept:  {"SETUP_EXCEPT", 0, 0, 2},
	OpSetupFinally: {"SETUP_FINALLY", 0, 0, 2},
	OpPopBlock:     {"POP_BLOCK", 0, 0, 0},
	OpPopExcept:    {"POP_EXCEPT", 0, 0, 0},
	OpEndFinally:   {"END_FINALLY", 1, 0, 0},
	OpBreak:        {"BREAK", 0, 0, 0},
	OpContinue:     {"CONTINUE", 0, 0, 2},
	OpRaise:        {"RAISE", 1, 0, 0},

	// Return
	OpReturn: {"RETURN", 1, 0, 0},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
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

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this opcode transfers control to its operand target.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJump, OpJumpIfTrue, OpJumpIfFalse, OpForIter, OpContinue:
		return true
	}
	return false
}

// IsConditionalJump returns true if this opcode may either jump or fall through.
func (op Opcode) IsConditionalJump() bool {
	switch op {
	case OpJumpIfTrue, OpJumpIfFalse, OpForIter:
		return true
	}
	return false
}

// IsBlockSetup returns true if this opcode pushes a lexical region.
func (op Opcode) IsBlockSetup() bool {
	switch op {
	case OpSetupLoop, OpSetupExcept, OpSetupFinally:
		return true
	}
	return false
}

// EndsBasicBlock returns true if no control falls through past this opcode.
func (op Opcode) EndsBasicBlock() bool {
	switch op {
	case OpJump, OpBreak, OpContinue, OpReturn, OpRaise, OpEndFinally:
		return true
	}
	return false
}

// IsKnown returns true if the opcode is part of the instruction set.
func (op Opcode) IsKnown() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
