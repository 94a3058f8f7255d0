package absint

import (
	"fmt"
	"io"
	"strings"
)

// Dump writes a per-instruction rendering of the converged analysis:
// the disassembled instruction, the abstract stack flowing into it, and
// the local slots that differ from unassigned. Offsets the fixed point
// never reached are marked unreachable.
func (a *Interpreter) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "; analysis of %s (return %s)\n", a.fn.Name, a.ReturnValue()); err != nil {
		return err
	}
	for offset := 0; offset < a.fn.CodeLen(); {
		next, line := a.fn.DisassembleInstruction(offset)
		state := a.startStates[offset]
		if state == nil {
			if _, err := fmt.Fprintf(w, "%-40s ; unreachable\n", line); err != nil {
				return err
			}
			offset = next
			continue
		}
		if _, err := fmt.Fprintf(w, "%-40s ; %s%s%s\n",
			line, a.renderStack(state), renderLocals(state), a.renderBoxing(offset)); err != nil {
			return err
		}
		offset = next
	}
	return nil
}

func (a *Interpreter) renderStack(s *State) string {
	parts := make([]string, s.StackDepth())
	for i := 0; i < s.StackDepth(); i++ {
		v := s.StackAt(i)
		rendered := v.Value.String()
		if v.Value.Unboxable() && !a.SlotIsBoxed(v) {
			rendered += "!"
		}
		parts[i] = rendered
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func renderLocals(s *State) string {
	var parts []string
	for slot := 0; slot < s.LocalCount(); slot++ {
		li := s.Local(slot)
		if li.Value.Value == Undefined {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d:%s", slot, li))
	}
	if len(parts) == 0 {
		return ""
	}
	return " locals{" + strings.Join(parts, " ") + "}"
}

func (a *Interpreter) renderBoxing(offset int) string {
	if a.escaped[offset] {
		return " boxed"
	}
	return ""
}
