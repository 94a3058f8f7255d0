package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the function.
func (f *Function) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; === %s ===\n", f.Name))
	if f.ParamCount > 0 {
		sb.WriteString(fmt.Sprintf("; Parameters (%d): ", f.ParamCount))
		for i := 0; i < f.ParamCount; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(f.LocalName(i))
		}
		sb.WriteString("\n")
	}
	if f.LocalCount > 0 {
		sb.WriteString(fmt.Sprintf("; Locals: %d slots\n", f.LocalCount))
	}

	if len(f.Consts) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range f.Consts {
			display := c.String()
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, display))
		}
	}
	sb.WriteString("\n")

	for offset := 0; offset < len(f.Code); {
		next, line := f.DisassembleInstruction(offset)
		sb.WriteString(line)
		sb.WriteString("\n")
		offset = next
	}

	return sb.String()
}

// DisassembleInstruction renders one instruction and returns the offset of
// the next one.
func (f *Function) DisassembleInstruction(offset int) (int, string) {
	op := f.OpcodeAt(offset)
	if !op.IsKnown() {
		return offset + 1, fmt.Sprintf("%04d  .byte 0x%02X", offset, byte(op))
	}
	if offset+op.InstructionLen() > len(f.Code) {
		return len(f.Code), fmt.Sprintf("%04d  %s <truncated>", offset, op)
	}

	arg := f.OperandAt(offset)
	var detail string
	switch op {
	case OpLoadConst:
		detail = fmt.Sprintf("%d (%s)", arg, f.Consts[arg])
	case OpLoadLocal, OpStoreLocal, OpDeleteLocal:
		detail = fmt.Sprintf("%d (%s)", arg, f.LocalName(arg))
	case OpLoadGlobal:
		detail = fmt.Sprintf("%d (%s)", arg, f.Names[arg])
	case OpCompare:
		detail = ComparePred(arg).String()
	case OpJump, OpJumpIfTrue, OpJumpIfFalse, OpForIter, OpContinue,
		OpSetupLoop, OpSetupExcept, OpSetupFinally:
		detail = fmt.Sprintf("-> %04d", arg)
	default:
		if op.OperandLen() > 0 {
			detail = fmt.Sprintf("%d", arg)
		}
	}

	if detail == "" {
		return offset + op.InstructionLen(), fmt.Sprintf("%04d  %s", offset, op)
	}
	return offset + op.InstructionLen(), fmt.Sprintf("%04d  %-14s %s", offset, op, detail)
}
