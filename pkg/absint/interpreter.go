package absint

import (
	"github.com/chazu/tern/pkg/bytecode"
)

// Interpreter runs a forward abstract interpretation of one function's
// bytecode to a fixed point. It computes, for every reachable offset, the
// abstract machine state flowing into that offset, plus the set of value
// producers whose results must stay boxed.
//
// An Interpreter is single-use: construct, Interpret, then query.
type Interpreter struct {
	fn     *bytecode.Function
	layout *blockLayout

	// startStates maps each reachable offset to the merged state at its
	// entry. Unreachable offsets have no entry.
	startStates map[int]*State

	// escaped records producing offsets whose results must be boxed:
	// values consumed generically, stored to locals, or crossing a merge
	// where the incoming edges disagree.
	escaped map[int]bool

	returnValue *AbstractValue
	done        bool
}

// NewInterpreter creates an interpreter for one function. The function's
// tables must not be mutated while the interpreter is in use.
func NewInterpreter(fn *bytecode.Function) *Interpreter {
	return &Interpreter{
		fn:          fn,
		startStates: make(map[int]*State),
		escaped:     make(map[int]bool),
	}
}

// Interpret validates the function, lays out its block structure, and runs
// the work-list to a fixed point. Errors wrap ErrUnsupported for bytecode
// shapes the analysis declines, or ErrInvariant for states that indicate a
// compiler bug.
func (a *Interpreter) Interpret() error {
	if err := a.fn.Validate(); err != nil {
		return err
	}
	layout, err := layoutBlocks(a.fn)
	if err != nil {
		return err
	}
	a.layout = layout

	a.startStates[0] = NewState(a.fn.LocalCount, a.fn.ParamCount)

	// FIFO work-list of linear-run start offsets. An offset is re-queued
	// only when a merge actually changes its entry state, so termination
	// follows from the lattice having finite height.
	queue := []int{0}
	queued := map[int]bool{0: true}

	flow := func(target int, s *State) error {
		changed, err := a.mergeInto(target, s)
		if err != nil {
			return err
		}
		if changed && !queued[target] {
			queued[target] = true
			queue = append(queue, target)
		}
		return nil
	}

	for len(queue) > 0 {
		start := queue[0]
		queue = queue[1:]
		queued[start] = false

		state := a.startStates[start].Clone()
		offset := start
		for offset < a.fn.CodeLen() {
			next, fallsThrough, err := a.step(offset, state, flow)
			if err != nil {
				return err
			}
			if !fallsThrough {
				break
			}
			changed, err := a.mergeInto(next, state)
			if err != nil {
				return err
			}
			if !changed {
				break
			}
			state = a.startStates[next].Clone()
			offset = next
		}
	}

	a.propagateBoxing()
	a.done = true
	return nil
}

// step applies one instruction's abstract transfer to state, reporting
// jump edges through flow. It returns the fall-through offset and whether
// control can fall through at all.
func (a *Interpreter) step(offset int, state *State, flow func(int, *State) error) (int, bool, error) {
	fn := a.fn
	op := fn.OpcodeAt(offset)
	arg := fn.OperandAt(offset)
	next := offset + op.InstructionLen()

	if need := popCount(op, arg); state.StackDepth() < need {
		return 0, false, invariantf("stack underflow at offset %d: %s needs %d, have %d",
			offset, op, need, state.StackDepth())
	}

	switch op {
	case bytecode.OpNop:
		// nothing

	case bytecode.OpPop:
		state.Pop()

	case bytecode.OpDup:
		state.Push(state.Peek(0))

	case bytecode.OpRotTwo:
		b, t := state.Peek(1), state.Peek(0)
		state.SetTop(1, t)
		state.SetTop(0, b)

	case bytecode.OpRotThree:
		c := state.Pop()
		b := state.Pop()
		v := state.Pop()
		state.Push(c)
		state.Push(v)
		state.Push(b)

	case bytecode.OpLoadConst:
		state.Push(NewValue(ConstValue(fn.Consts[arg]), offset))

	case bytecode.OpLoadLocal:
		li := state.Local(arg)
		v := li.Value.Value
		if v == Undefined {
			// Definitely unassigned: the load raises at runtime, but the
			// abstract stack never carries Undefined.
			v = Any
		}
		state.Push(ValueWithSources{Value: v, Sources: li.Value.Sources})

	case bytecode.OpStoreLocal:
		v := state.Pop()
		// Local slots are boxed object slots, so the stored value's
		// producers must box.
		a.escapeValue(v)
		state.ReplaceLocal(arg, AssignedLocal(v))

	case bytecode.OpDeleteLocal:
		state.ReplaceLocal(arg, UnassignedLocal())

	case bytecode.OpLoadGlobal:
		state.Push(NewValue(Any, offset))

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		r := state.Pop()
		l := state.Pop()
		if !kindsSpecializable(op, l.Value, r.Value) {
			a.escapeValue(l)
			a.escapeValue(r)
		}
		state.Push(NewValue(BinaryResult(op, l.Value, r.Value), offset))

	case bytecode.OpNeg:
		v := state.Pop()
		if v.Value != Int && v.Value != Float {
			a.escapeValue(v)
		}
		state.Push(NewValue(UnaryResult(op, v.Value), offset))

	case bytecode.OpNot:
		v := state.Pop()
		if v.Value != Bool {
			a.escapeValue(v)
		}
		state.Push(NewValue(Bool, offset))

	case bytecode.OpCompare:
		if arg > int(bytecode.CmpGe) {
			return 0, false, unsupportedf("comparison predicate %d at offset %d", arg, offset)
		}
		r := state.Pop()
		l := state.Pop()
		if !sameScalarPair(l.Value, r.Value) {
			a.escapeValue(l)
			a.escapeValue(r)
		}
		state.Push(NewValue(Bool, offset))

	case bytecode.OpJump:
		return 0, false, flow(arg, state)

	case bytecode.OpJumpIfTrue, bytecode.OpJumpIfFalse:
		v := state.Pop()
		if v.Value != Bool {
			a.escapeValue(v)
		}
		if err := flow(arg, state); err != nil {
			return 0, false, err
		}

	case bytecode.OpCall:
		for i := 0; i < arg; i++ {
			a.escapeValue(state.Pop())
		}
		a.escapeValue(state.Pop()) // callable
		state.Push(NewValue(Any, offset))

	case bytecode.OpBuildList, bytecode.OpBuildTuple, bytecode.OpBuildMap:
		n := arg
		if op == bytecode.OpBuildMap {
			n *= 2
		}
		for i := 0; i < n; i++ {
			a.escapeValue(state.Pop())
		}
		state.Push(NewValue(containerValue(op), offset))

	case bytecode.OpGetIter:
		a.escapeValue(state.Pop())
		state.Push(NewValue(Iter, offset))

	case bytecode.OpForIter:
		// Exhaustion edge: the iterator is popped and control jumps.
		exit := state.Clone()
		exit.Pop()
		if err := flow(arg, exit); err != nil {
			return 0, false, err
		}
		// Iteration edge: the next item joins the iterator on the stack.
		state.Push(NewValue(Any, offset))

	case bytecode.OpSetupLoop:
		// The loop end becomes reachable through BREAK edges only.

	case bytecode.OpSetupExcept, bytecode.OpSetupFinally:
		// Any instruction in the protected body may transfer to the
		// handler with the region's entry stack plus the exception.
		h := state.Clone()
		h.Push(NewValue(Any, offset))
		if err := flow(arg, h); err != nil {
			return 0, false, err
		}

	case bytecode.OpPopBlock:
		if a.layout.popBlockKind[offset] == regionFinally {
			// Normal entry into the finally body carries a completion
			// marker in the slot the exception edge uses.
			state.Push(NewValue(Any, offset))
		}

	case bytecode.OpPopExcept:
		// nothing

	case bytecode.OpEndFinally:
		state.Pop()

	case bytecode.OpBreak:
		// Leaving the loop discards everything the body pushed above the
		// loop's entry depth, the iterator included.
		if err := a.unwindToDepthOf(state, a.layout.breakSetup[offset], offset); err != nil {
			return 0, false, err
		}
		return 0, false, flow(a.layout.breakTarget[offset], state)

	case bytecode.OpContinue:
		// The head keeps the loop's working values (a for-loop's iterator),
		// so continue unwinds to the head's depth, not the SETUP's.
		if err := a.unwindToDepthOf(state, arg, offset); err != nil {
			return 0, false, err
		}
		return 0, false, flow(arg, state)

	case bytecode.OpRaise:
		a.escapeValue(state.Pop())
		return 0, false, nil

	case bytecode.OpReturn:
		v := state.Pop()
		a.escapeValue(v)
		if a.returnValue == nil {
			a.returnValue = v.Value
		} else {
			a.returnValue = a.returnValue.Merge(v.Value)
		}
		return 0, false, nil

	default:
		return 0, false, unsupportedf("opcode %s at offset %d", op, offset)
	}

	return next, true, nil
}

// unwindToDepthOf truncates the abstract stack to the depth recorded at a
// reference offset. The reference dominates the exit site (a loop's SETUP
// for break, its head for continue), so its state is always available.
func (a *Interpreter) unwindToDepthOf(state *State, ref, at int) error {
	entry := a.startStates[ref]
	if entry == nil {
		return invariantf("loop exit at offset %d before its reference offset %d was reached", at, ref)
	}
	depth := entry.StackDepth()
	if state.StackDepth() < depth {
		return invariantf("stack at offset %d shallower than loop entry (%d < %d)", at, state.StackDepth(), depth)
	}
	for state.StackDepth() > depth {
		state.Pop()
	}
	return nil
}

// mergeInto joins an incoming state into the recorded entry state for an
// offset, returning whether anything changed. Stack slots whose incoming
// edges disagree in kind or provenance are escaped on both sides, so an
// unboxed scalar never crosses a join where the edges differ.
func (a *Interpreter) mergeInto(offset int, incoming *State) (bool, error) {
	existing := a.startStates[offset]
	if existing == nil {
		a.startStates[offset] = incoming.Clone()
		return true, nil
	}

	if existing.StackDepth() != incoming.StackDepth() {
		return false, invariantf("stack depth mismatch at offset %d: %d vs %d",
			offset, existing.StackDepth(), incoming.StackDepth())
	}

	changed := false
	for i := 0; i < existing.StackDepth(); i++ {
		ex, in := existing.StackAt(i), incoming.StackAt(i)
		if ex.Equal(in) {
			continue
		}
		a.escapeValue(ex)
		a.escapeValue(in)
		existing.stack[i] = ex.MergeWith(in)
		changed = true
	}

	for slot := 0; slot < existing.LocalCount(); slot++ {
		ex, in := existing.Local(slot), incoming.Local(slot)
		if ex.Equal(in) {
			continue
		}
		merged := ex.MergeWith(in)
		if err := merged.check(slot); err != nil {
			return false, err
		}
		existing.ReplaceLocal(slot, merged)
		changed = true
	}

	return changed, nil
}

// escapeValue marks every producer of an unboxable value as escaped.
// It returns whether any producer was newly marked.
func (a *Interpreter) escapeValue(v ValueWithSources) bool {
	if v.Value == nil || !v.Value.Unboxable() {
		return false
	}
	changed := false
	for _, o := range v.Sources.Origins() {
		if !a.escaped[o] {
			a.escaped[o] = true
			changed = true
		}
	}
	return changed
}

// propagateBoxing closes the escape set after the fixed point: a producer
// whose operands turned out boxed must compute through the generic helper,
// so its own result is boxed too, which can in turn box its consumers.
// Escapes only ever accumulate, so the loop terminates.
func (a *Interpreter) propagateBoxing() {
	for {
		changed := false
		for offset, state := range a.startStates {
			op := a.fn.OpcodeAt(offset)
			switch op {
			case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
				r, l := state.Peek(0), state.Peek(1)
				if !a.specializableBinary(op, l, r) {
					if a.escapeValue(l) {
						changed = true
					}
					if a.escapeValue(r) {
						changed = true
					}
					if a.markBoxed(offset, BinaryResult(op, l.Value, r.Value)) {
						changed = true
					}
				}

			case bytecode.OpNeg:
				v := state.Peek(0)
				if a.SlotIsBoxed(v) {
					if a.markBoxed(offset, UnaryResult(op, v.Value)) {
						changed = true
					}
				}

			case bytecode.OpNot:
				v := state.Peek(0)
				if v.Value != Bool || a.SlotIsBoxed(v) {
					if a.escapeValue(v) {
						changed = true
					}
					if a.markBoxed(offset, Bool) {
						changed = true
					}
				}

			case bytecode.OpCompare:
				r, l := state.Peek(0), state.Peek(1)
				if !sameScalarPair(l.Value, r.Value) || a.SlotIsBoxed(l) || a.SlotIsBoxed(r) {
					if a.escapeValue(l) {
						changed = true
					}
					if a.escapeValue(r) {
						changed = true
					}
					if a.markBoxed(offset, Bool) {
						changed = true
					}
				}

			case bytecode.OpJumpIfTrue, bytecode.OpJumpIfFalse:
				v := state.Peek(0)
				if v.Value != Bool && a.escapeValue(v) {
					changed = true
				}

			case bytecode.OpLoadConst:
				// Boolean constants are only worth keeping unboxed when a
				// comparison produces them; literal booleans load boxed.
				if a.fn.Consts[a.fn.OperandAt(offset)].Kind == bytecode.ConstBool {
					if !a.escaped[offset] {
						a.escaped[offset] = true
						changed = true
					}
				}
			}
		}
		if !changed {
			return
		}
	}
}

// specializableBinary reports whether a binary op can be compiled on
// unboxed scalars given its converged operands.
func (a *Interpreter) specializableBinary(op bytecode.Opcode, l, r ValueWithSources) bool {
	return kindsSpecializable(op, l.Value, r.Value) && !a.SlotIsBoxed(l) && !a.SlotIsBoxed(r)
}

func (a *Interpreter) markBoxed(offset int, result *AbstractValue) bool {
	if !result.Unboxable() || a.escaped[offset] {
		return false
	}
	a.escaped[offset] = true
	return true
}

// kindsSpecializable reports whether the operand kinds alone admit an
// unboxed lowering for a binary arithmetic op. Integer division always
// goes through the generic helper because its result is a float.
func kindsSpecializable(op bytecode.Opcode, l, r *AbstractValue) bool {
	if l == Int && r == Int {
		switch op {
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpMod:
			return true
		}
		return false
	}
	if l == Float && r == Float {
		switch op {
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv:
			return true
		}
	}
	return false
}

func sameScalarPair(l, r *AbstractValue) bool {
	return (l == Int && r == Int) || (l == Float && r == Float)
}

func containerValue(op bytecode.Opcode) *AbstractValue {
	switch op {
	case bytecode.OpBuildList:
		return List
	case bytecode.OpBuildTuple:
		return Tuple
	default:
		return Map
	}
}

// popCount returns how many stack values an instruction consumes.
func popCount(op bytecode.Opcode, arg int) int {
	// FOR_ITER's metadata declares no pops because the iteration edge
	// keeps the iterator on the stack, but both edges read it.
	if op == bytecode.OpForIter {
		return 1
	}
	info := bytecode.GetOpcodeInfo(op)
	if info.StackPop >= 0 {
		return info.StackPop
	}
	switch op {
	case bytecode.OpCall:
		return arg + 1
	case bytecode.OpBuildList, bytecode.OpBuildTuple:
		return arg
	case bytecode.OpBuildMap:
		return arg * 2
	default:
		return 0
	}
}

// ------------------------------------------------------------------------
// Queries
// ------------------------------------------------------------------------

// Done reports whether Interpret has completed successfully.
func (a *Interpreter) Done() bool { return a.done }

// Function returns the function under analysis.
func (a *Interpreter) Function() *bytecode.Function { return a.fn }

// HasState reports whether an offset is reachable.
func (a *Interpreter) HasState(offset int) bool {
	_, ok := a.startStates[offset]
	return ok
}

// StateAt returns the converged entry state for an offset, or nil when the
// offset is unreachable. The returned state must not be mutated.
func (a *Interpreter) StateAt(offset int) *State {
	return a.startStates[offset]
}

// LocalAt returns the state of a local slot at an offset.
func (a *Interpreter) LocalAt(offset, slot int) (LocalInfo, bool) {
	s := a.startStates[offset]
	if s == nil || slot >= s.LocalCount() {
		return LocalInfo{}, false
	}
	return s.Local(slot), true
}

// ReturnValue returns the merged abstract return value, or Any when no
// return was reached.
func (a *Interpreter) ReturnValue() *AbstractValue {
	if a.returnValue == nil {
		return Any
	}
	return a.returnValue
}

// ShouldBox reports whether the value produced at an offset must be boxed.
// Offsets that produce nothing report false.
func (a *Interpreter) ShouldBox(offset int) bool {
	return a.escaped[offset]
}

// SlotIsBoxed reports whether a stack slot holds a boxed object at
// runtime: every kind without an unboxed representation is boxed, and an
// unboxable kind is boxed when any of its producers escaped.
func (a *Interpreter) SlotIsBoxed(v ValueWithSources) bool {
	if !v.Value.Unboxable() {
		return true
	}
	for _, o := range v.Sources.Origins() {
		if a.escaped[o] {
			return true
		}
	}
	return false
}
