package ir

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Disassemble returns a human-readable listing of an encoded IR buffer.
func Disassemble(code []byte) string {
	var sb strings.Builder
	for offset := 0; offset < len(code); {
		next, line := DisassembleInstruction(code, offset)
		sb.WriteString(line)
		sb.WriteString("\n")
		offset = next
	}
	return sb.String()
}

// DisassembleInstruction renders one instruction and returns the offset of
// the next one.
func DisassembleInstruction(code []byte, offset int) (int, string) {
	op := Opcode(code[offset])
	info := GetOpcodeInfo(op)
	if info.OperandLen == 0 && !strings.HasPrefix(info.Name, "UNKNOWN") {
		return offset + 1, fmt.Sprintf("%04d  %s", offset, info.Name)
	}
	if offset+op.InstructionLen() > len(code) {
		return len(code), fmt.Sprintf("%04d  %s <truncated>", offset, info.Name)
	}

	operand := code[offset+1 : offset+1+info.OperandLen]
	var detail string
	switch op {
	case OpLoadConst:
		detail = fmt.Sprintf("const[%d]", binary.BigEndian.Uint32(operand))
	case OpLoadInt:
		detail = fmt.Sprintf("%d", int64(binary.BigEndian.Uint64(operand)))
	case OpLoadFloat:
		detail = fmt.Sprintf("%g", math.Float64frombits(binary.BigEndian.Uint64(operand)))
	case OpLoadLocal, OpStoreLocal:
		detail = fmt.Sprintf("slot %d", binary.BigEndian.Uint16(operand))
	case OpLoadArg:
		detail = fmt.Sprintf("arg %d", binary.BigEndian.Uint16(operand))
	case OpIntCmp, OpFloatCmp:
		detail = CmpPred(operand[0]).String()
	case OpBox, OpUnbox:
		detail = Kind(operand[0]).String()
	case OpCallHelper:
		detail = HelperToken(binary.BigEndian.Uint16(operand)).String()
	case OpBranch, OpBranchTrue, OpBranchFalse, OpBranchNull, OpBranchNotNull:
		disp := int32(binary.BigEndian.Uint32(operand))
		detail = fmt.Sprintf("%+d (-> %04d)", disp, offset+5+int(disp))
	case OpBranchS, OpBranchTrueS, OpBranchFalseS, OpBranchNullS, OpBranchNotNullS:
		disp := int8(operand[0])
		detail = fmt.Sprintf("%+d (-> %04d)", disp, offset+2+int(disp))
	default:
		detail = fmt.Sprintf("% x", operand)
	}

	return offset + op.InstructionLen(), fmt.Sprintf("%04d  %-14s %s", offset, info.Name, detail)
}

// BranchTarget decodes the absolute target of a branch instruction at the
// given offset. It panics if the instruction is not a branch.
func BranchTarget(code []byte, offset int) int {
	op := Opcode(code[offset])
	if !op.IsBranch() {
		panic(fmt.Sprintf("ir: BranchTarget on non-branch %s at %d", op, offset))
	}
	if op.IsShortBranch() {
		return offset + 2 + int(int8(code[offset+1]))
	}
	return offset + 5 + int(int32(binary.BigEndian.Uint32(code[offset+1:])))
}
