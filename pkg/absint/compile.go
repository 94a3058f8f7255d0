package absint

import (
	"github.com/chazu/tern/pkg/bytecode"
	"github.com/chazu/tern/pkg/ir"
)

// Program is the compiled form of one function, ready for the backend
// bridge: encoded IR plus the bounds the code generator sizes frames with.
type Program struct {
	Name          string
	Code          []byte
	MaxStackDepth int
	LocalKinds    []ir.Kind
	ParamCount    int
}

// Compile analyzes a function and lowers it to typed IR.
func Compile(fn *bytecode.Function) (*Program, error) {
	interp := NewInterpreter(fn)
	if err := interp.Interpret(); err != nil {
		return nil, err
	}
	return CompileAnalyzed(interp)
}

// CompileAnalyzed lowers a function whose analysis already converged. The
// emission pass replays the code linearly, consulting the interpreter's
// per-offset states for stack shapes and boxing decisions.
func CompileAnalyzed(interp *Interpreter) (*Program, error) {
	if !interp.Done() {
		return nil, invariantf("emission before analysis converged")
	}
	c := &compiler{
		interp:       interp,
		fn:           interp.Function(),
		layout:       interp.layout,
		e:            ir.NewEmitter(),
		offsetLabels: make(map[int]ir.Label),
	}
	return c.compile()
}

// Completion reasons a finally body dispatches on. The reason is written
// into the handler's reason local by whichever control transfer entered
// the finally; the last write wins.
const (
	reasonNormal int64 = iota
	reasonException
	reasonReturn
	reasonBreak
	reasonContinue
)

type ehFlags uint8

const (
	ehTryExcept ehFlags = 1 << iota
	ehTryFinally
	ehReturns
	ehBreaks
	ehContinues
)

// exceptionHandler tracks one protected region for the emission pass:
// where errors raised inside it transfer, what the stack looked like at
// region entry, and the trampoline labels that free spilled stack values
// on the way to the error target.
type exceptionHandler struct {
	id    int
	back  int // enclosing handler index; -1 for the root
	flags ehFlags

	entryDepth    int
	entryKinds    []ir.Kind
	handlerOffset int // bytecode offset of the handler body; -1 for the root

	errorTarget  ir.Label
	errorUsed    bool
	raiseChain   []ir.Label // [k] entered with k objects spilled
	reraiseChain []ir.Label

	prevExc, prevVal, prevTb ir.Local
	reason                   ir.Local // finally regions only

	continueTo int // loop head a dispatched CONTINUE resumes at
}

type blockKind uint8

const (
	blockLoop blockKind = iota
	blockTry
	blockHandler
)

// blockInfo is one entry of the lexical block stack the emission pass
// maintains while walking the code.
type blockInfo struct {
	kind       blockKind
	region     regionKind
	end        int // loop: break target
	entryDepth int
	handler    int // handler governing errors raised inside this block
	owned      int // handler this region created (try and handler blocks)
}

type compiler struct {
	interp *Interpreter
	fn     *bytecode.Function
	layout *blockLayout
	e      *ir.Emitter

	stack    []ir.Kind
	maxDepth int

	blocks   []blockInfo
	handlers []*exceptionHandler

	offsetLabels map[int]ir.Label
	raiseLocals  []ir.Local // shared spill slots for the raise trampolines
	localSlots   []ir.Local // bytecode local slot -> IR local

	retValue ir.Local
	retLabel ir.Label
}

func (c *compiler) compile() (*Program, error) {
	c.retValue = c.e.DefineLocal(ir.KindPtr)
	c.retLabel = c.e.DefineLabel()

	// Handler 0 is the implicit function-level handler: an error that
	// escapes every explicit region returns null to the caller with the
	// exception left pending.
	root := &exceptionHandler{id: 0, back: -1, handlerOffset: -1, errorTarget: c.e.DefineLabel()}
	c.handlers = append(c.handlers, root)

	for target := range c.layout.jumpTargets {
		c.offsetLabels[target] = c.e.DefineLabel()
	}

	c.emitPrologue()

	fellThrough := true
	for offset := 0; offset < c.fn.CodeLen(); {
		op := c.fn.OpcodeAt(offset)
		next := offset + op.InstructionLen()

		if !c.interp.HasState(offset) {
			// Unreachable instructions emit nothing, but a region op in
			// dead code would desynchronize the block stack.
			switch op {
			case bytecode.OpSetupLoop, bytecode.OpSetupExcept, bytecode.OpSetupFinally,
				bytecode.OpPopBlock, bytecode.OpPopExcept, bytecode.OpEndFinally:
				return nil, unsupportedf("unreachable region opcode %s at offset %d", op, offset)
			}
			offset = next
			continue
		}

		if lbl, ok := c.offsetLabels[offset]; ok {
			derived, err := c.stackFromState(offset)
			if err != nil {
				return nil, err
			}
			if fellThrough && !kindsEqual(c.stack, derived) {
				return nil, invariantf("stack shape mismatch falling into offset %d: have %v, want %v",
					offset, c.stack, derived)
			}
			c.stack = derived
			c.noteDepth(len(c.stack))
			c.e.MarkLabel(lbl)
		} else if !fellThrough {
			return nil, invariantf("reachable offset %d follows a terminator but is not a jump target", offset)
		}

		if err := c.emitInstruction(offset); err != nil {
			return nil, err
		}

		fellThrough = fallsThrough(op)
		offset = next
	}

	if fellThrough {
		// Falling off the end returns null.
		c.e.Emit(ir.OpLoadNull)
		c.e.EmitStoreLocal(c.retValue)
		c.e.Branch(ir.BranchAlways, c.retLabel)
	}

	if len(c.blocks) != 0 {
		return nil, unsupportedf("%d region(s) left open at end of code", len(c.blocks))
	}

	for _, h := range c.handlers {
		c.emitHandlerEpilogue(h)
	}
	c.emitReturnEpilogue()

	if err := c.e.Err(); err != nil {
		return nil, invariantf("%v", err)
	}

	return &Program{
		Name:          c.fn.Name,
		Code:          c.e.Code(),
		MaxStackDepth: c.maxDepth,
		LocalKinds:    c.e.LocalKinds(),
		ParamCount:    c.fn.ParamCount,
	}, nil
}

// emitPrologue copies arguments into owned local slots and null-initializes
// the rest, giving unassigned locals a runtime-detectable state.
func (c *compiler) emitPrologue() {
	c.localSlots = make([]ir.Local, c.fn.LocalCount)
	for i := range c.localSlots {
		c.localSlots[i] = c.e.DefineLocal(ir.KindPtr)
	}
	c.noteDepth(1)
	for i := 0; i < c.fn.LocalCount; i++ {
		if i < c.fn.ParamCount {
			c.e.EmitLoadArg(i)
			c.e.Emit(ir.OpIncRef)
		} else {
			c.e.Emit(ir.OpLoadNull)
		}
		c.e.EmitStoreLocal(c.localSlots[i])
	}
}

func (c *compiler) emitReturnEpilogue() {
	c.e.MarkLabel(c.retLabel)
	c.noteDepth(1)
	for _, slot := range c.localSlots {
		c.e.EmitLoadLocal(slot)
		c.e.Emit(ir.OpDecRef)
	}
	c.e.EmitLoadLocal(c.retValue)
	c.e.Emit(ir.OpReturn)
}

func (c *compiler) emitInstruction(offset int) error {
	e := c.e
	fn := c.fn
	op := fn.OpcodeAt(offset)
	arg := fn.OperandAt(offset)

	switch op {
	case bytecode.OpNop:
		// nothing

	case bytecode.OpPop:
		if c.pop() == ir.KindPtr {
			e.Emit(ir.OpDecRef)
		} else {
			e.Emit(ir.OpPop)
		}

	case bytecode.OpDup:
		k := c.stack[len(c.stack)-1]
		e.Emit(ir.OpDup)
		if k == ir.KindPtr {
			e.Emit(ir.OpIncRef)
		}
		c.push(k)

	case bytecode.OpRotTwo:
		e.Emit(ir.OpSwap)
		n := len(c.stack)
		c.stack[n-2], c.stack[n-1] = c.stack[n-1], c.stack[n-2]

	case bytecode.OpRotThree:
		e.Emit(ir.OpRotThree)
		n := len(c.stack)
		c.stack[n-3], c.stack[n-2], c.stack[n-1] = c.stack[n-1], c.stack[n-3], c.stack[n-2]

	case bytecode.OpLoadConst:
		return c.emitLoadConst(offset, arg)

	case bytecode.OpLoadLocal:
		return c.emitLoadLocal(offset, arg)

	case bytecode.OpStoreLocal:
		if c.pop() != ir.KindPtr {
			return invariantf("unboxed store to local %d at offset %d", arg, offset)
		}
		c.reserve(1)
		slot := c.localSlots[arg]
		e.EmitLoadLocal(slot)
		e.Emit(ir.OpSwap)
		e.EmitStoreLocal(slot)
		e.Emit(ir.OpDecRef) // previous value, null on first store

	case bytecode.OpDeleteLocal:
		c.reserve(2)
		slot := c.localSlots[arg]
		e.EmitLoadLocal(slot)
		e.Emit(ir.OpLoadNull)
		e.EmitStoreLocal(slot)
		e.Emit(ir.OpDecRef)

	case bytecode.OpLoadGlobal:
		c.reserve(2)
		e.EmitLoadInt(int64(arg))
		e.EmitCallHelper(ir.HelperLoadGlobal)
		c.errorCheck()
		c.push(ir.KindPtr)

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		return c.emitBinary(offset, op)

	case bytecode.OpNeg:
		return c.emitNeg(offset)

	case bytecode.OpNot:
		return c.emitNot(offset)

	case bytecode.OpCompare:
		return c.emitCompare(offset, bytecode.ComparePred(arg))

	case bytecode.OpJump:
		e.Branch(ir.BranchAlways, c.offsetLabel(arg))

	case bytecode.OpJumpIfTrue, bytecode.OpJumpIfFalse:
		return c.emitCondJump(offset, op, arg)

	case bytecode.OpCall:
		c.reserve(2)
		e.EmitLoadInt(int64(arg))
		e.EmitCallHelper(ir.HelperCall)
		for i := 0; i < arg+1; i++ {
			if c.pop() != ir.KindPtr {
				return invariantf("unboxed call operand at offset %d", offset)
			}
		}
		c.errorCheck()
		c.push(ir.KindPtr)

	case bytecode.OpBuildList, bytecode.OpBuildTuple, bytecode.OpBuildMap:
		n := arg
		if op == bytecode.OpBuildMap {
			n *= 2
		}
		c.reserve(2)
		e.EmitLoadInt(int64(arg))
		e.EmitCallHelper(buildHelper(op))
		for i := 0; i < n; i++ {
			if c.pop() != ir.KindPtr {
				return invariantf("unboxed container element at offset %d", offset)
			}
		}
		c.errorCheck()
		c.push(ir.KindPtr)

	case bytecode.OpGetIter:
		if c.pop() != ir.KindPtr {
			return invariantf("unboxed iterable at offset %d", offset)
		}
		c.reserve(2)
		e.EmitCallHelper(ir.HelperGetIter)
		c.errorCheck()
		c.push(ir.KindPtr)

	case bytecode.OpForIter:
		c.reserve(2)
		haveNext := e.DefineLabel()
		e.Emit(ir.OpDup) // borrowed iterator reference for the helper
		e.EmitCallHelper(ir.HelperIterNext)
		e.Emit(ir.OpDup)
		e.Branch(ir.BranchNotNull, haveNext)
		e.Emit(ir.OpPop)    // the null result
		e.Emit(ir.OpDecRef) // the iterator
		e.Branch(ir.BranchAlways, c.offsetLabel(arg))
		e.MarkLabel(haveNext)
		c.push(ir.KindPtr)

	case bytecode.OpSetupLoop:
		c.blocks = append(c.blocks, blockInfo{
			kind:       blockLoop,
			region:     regionLoop,
			end:        arg,
			entryDepth: len(c.stack),
			handler:    c.currentHandler(),
		})

	case bytecode.OpSetupExcept, bytecode.OpSetupFinally:
		c.emitSetupHandler(op, arg)

	case bytecode.OpPopBlock:
		return c.emitPopBlock(offset)

	case bytecode.OpPopExcept:
		return c.emitPopExcept(offset)

	case bytecode.OpEndFinally:
		return c.emitEndFinally(offset)

	case bytecode.OpBreak:
		return c.emitBreak(offset)

	case bytecode.OpContinue:
		return c.emitContinue(offset, arg)

	case bytecode.OpRaise:
		if c.pop() != ir.KindPtr {
			return invariantf("unboxed exception value at offset %d", offset)
		}
		e.EmitCallHelper(ir.HelperRaise)
		c.branchRaise(false)

	case bytecode.OpReturn:
		return c.emitReturn(offset)

	default:
		return unsupportedf("opcode %s at offset %d", op, offset)
	}

	return nil
}

// ------------------------------------------------------------------------
// Loads, arithmetic, branches
// ------------------------------------------------------------------------

func (c *compiler) emitLoadConst(offset, index int) error {
	cst := c.fn.Consts[index]
	boxed := c.interp.ShouldBox(offset)
	switch {
	case cst.Kind == bytecode.ConstInt && !boxed:
		c.e.EmitLoadInt(cst.Int)
		c.push(ir.KindInt)
	case cst.Kind == bytecode.ConstFloat && !boxed:
		c.e.EmitLoadFloat(cst.Float)
		c.push(ir.KindFloat)
	default:
		c.e.EmitLoadConst(uint32(index))
		c.e.Emit(ir.OpIncRef)
		c.push(ir.KindPtr)
	}
	return nil
}

func (c *compiler) emitLoadLocal(offset, slot int) error {
	e := c.e
	e.EmitLoadLocal(c.localSlots[slot])
	li, ok := c.interp.LocalAt(offset, slot)
	if !ok {
		return invariantf("no analysis for local %d at offset %d", slot, offset)
	}
	if li.MaybeUndefined {
		// Analysis could not prove the slot assigned on every path, so the
		// load carries a null check that raises an unbound-local error.
		c.reserve(2)
		bound := e.DefineLabel()
		e.Emit(ir.OpDup)
		e.Branch(ir.BranchNotNull, bound)
		e.Emit(ir.OpPop)
		e.EmitLoadInt(int64(slot))
		e.EmitCallHelper(ir.HelperUnboundLocal)
		c.branchRaise(false)
		e.MarkLabel(bound)
	}
	e.Emit(ir.OpIncRef)
	c.push(ir.KindPtr)
	return nil
}

func (c *compiler) emitBinary(offset int, op bytecode.Opcode) error {
	rk := c.pop()
	lk := c.pop()
	boxed := c.interp.ShouldBox(offset)

	switch {
	case lk == ir.KindInt && rk == ir.KindInt && intIROp(op) != ir.OpNop:
		c.e.Emit(intIROp(op))
		c.pushMaybeBoxed(ir.KindInt, boxed)
	case lk == ir.KindFloat && rk == ir.KindFloat && floatIROp(op) != ir.OpNop:
		c.e.Emit(floatIROp(op))
		c.pushMaybeBoxed(ir.KindFloat, boxed)
	case lk == ir.KindPtr && rk == ir.KindPtr:
		c.reserve(1)
		c.e.EmitCallHelper(binaryHelper(op))
		c.errorCheck()
		c.push(ir.KindPtr)
	default:
		return invariantf("mixed operand kinds %s/%s for %s at offset %d", lk, rk, op, offset)
	}
	return nil
}

func (c *compiler) emitNeg(offset int) error {
	boxed := c.interp.ShouldBox(offset)
	switch c.pop() {
	case ir.KindInt:
		c.e.Emit(ir.OpIntNeg)
		c.pushMaybeBoxed(ir.KindInt, boxed)
	case ir.KindFloat:
		c.e.Emit(ir.OpFloatNeg)
		c.pushMaybeBoxed(ir.KindFloat, boxed)
	case ir.KindPtr:
		c.reserve(1)
		c.e.EmitCallHelper(ir.HelperNeg)
		c.errorCheck()
		c.push(ir.KindPtr)
	default:
		return invariantf("bad operand kind for NEG at offset %d", offset)
	}
	return nil
}

func (c *compiler) emitNot(offset int) error {
	switch c.pop() {
	case ir.KindBool:
		c.e.Emit(ir.OpBoolNot)
		c.pushMaybeBoxed(ir.KindBool, c.interp.ShouldBox(offset))
	case ir.KindPtr:
		c.reserve(1)
		c.e.EmitCallHelper(ir.HelperNot)
		c.errorCheck()
		c.push(ir.KindPtr)
	default:
		return invariantf("bad operand kind for NOT at offset %d", offset)
	}
	return nil
}

func (c *compiler) emitCompare(offset int, pred bytecode.ComparePred) error {
	rk := c.pop()
	lk := c.pop()
	boxed := c.interp.ShouldBox(offset)

	switch {
	case lk == ir.KindInt && rk == ir.KindInt:
		c.e.EmitIntCmp(ir.CmpPred(pred))
		c.pushMaybeBoxed(ir.KindBool, boxed)
	case lk == ir.KindFloat && rk == ir.KindFloat:
		c.e.EmitFloatCmp(ir.CmpPred(pred))
		c.pushMaybeBoxed(ir.KindBool, boxed)
	case lk == ir.KindPtr && rk == ir.KindPtr:
		c.reserve(1)
		c.e.EmitCallHelper(ir.HelperForCmp(ir.CmpPred(pred)))
		c.errorCheck()
		c.push(ir.KindPtr)
	default:
		return invariantf("mixed operand kinds %s/%s for COMPARE at offset %d", lk, rk, offset)
	}
	return nil
}

func (c *compiler) emitCondJump(offset int, op bytecode.Opcode, target int) error {
	e := c.e
	lbl := c.offsetLabel(target)
	switch c.pop() {
	case ir.KindBool:
		if op == bytecode.OpJumpIfTrue {
			e.Branch(ir.BranchTrue, lbl)
		} else {
			e.Branch(ir.BranchFalse, lbl)
		}
	case ir.KindPtr:
		// Truth-test the object: 1, 0, or -1 on error.
		c.reserve(3)
		e.EmitCallHelper(ir.HelperIsTrue)
		c.intErrorCheck()
		e.EmitLoadInt(0)
		if op == bytecode.OpJumpIfTrue {
			e.EmitIntCmp(ir.CmpNe)
		} else {
			e.EmitIntCmp(ir.CmpEq)
		}
		e.Branch(ir.BranchTrue, lbl)
	default:
		return invariantf("bad condition kind at offset %d", offset)
	}
	return nil
}

// ------------------------------------------------------------------------
// Exception regions
// ------------------------------------------------------------------------

// emitSetupHandler opens a protected region. Region entry costs no
// instructions on the normal path: the handler's machinery lives entirely
// behind the error target and the trampolines.
func (c *compiler) emitSetupHandler(op bytecode.Opcode, handlerOffset int) {
	h := &exceptionHandler{
		id:            len(c.handlers),
		back:          c.currentHandler(),
		entryDepth:    len(c.stack),
		entryKinds:    append([]ir.Kind(nil), c.stack...),
		handlerOffset: handlerOffset,
		errorTarget:   c.e.DefineLabel(),
		prevExc:       c.e.DefineLocal(ir.KindPtr),
		prevVal:       c.e.DefineLocal(ir.KindPtr),
		prevTb:        c.e.DefineLocal(ir.KindPtr),
	}
	region := regionExcept
	if op == bytecode.OpSetupFinally {
		h.flags |= ehTryFinally
		h.reason = c.e.DefineLocal(ir.KindInt)
		region = regionFinally
	} else {
		h.flags |= ehTryExcept
	}
	c.handlers = append(c.handlers, h)
	c.blocks = append(c.blocks, blockInfo{
		kind:       blockTry,
		region:     region,
		entryDepth: h.entryDepth,
		handler:    h.id,
		owned:      h.id,
	})
}

// emitPopBlock closes the innermost region on the normal path. A try
// block is transformed into its handler block rather than discarded: the
// handler body that follows still needs the region's bookkeeping.
func (c *compiler) emitPopBlock(offset int) error {
	if len(c.blocks) == 0 {
		return invariantf("POP_BLOCK at offset %d with empty block stack", offset)
	}
	b := &c.blocks[len(c.blocks)-1]
	switch b.region {
	case regionLoop:
		c.blocks = c.blocks[:len(c.blocks)-1]
	case regionExcept:
		b.kind = blockHandler
		b.handler = c.handlers[b.owned].back
	case regionFinally:
		h := c.handlers[b.owned]
		// Normal completion falls into the finally body with reason
		// Normal and a null completion marker in the exception slot.
		c.e.EmitLoadInt(reasonNormal)
		c.e.EmitStoreLocal(h.reason)
		c.e.Emit(ir.OpLoadNull)
		c.push(ir.KindPtr)
		b.kind = blockHandler
		b.handler = h.back
	}
	return nil
}

// emitPopExcept ends an except body: the previous handled exception is
// restored and the handler's spill locals go back to the free list.
func (c *compiler) emitPopExcept(offset int) error {
	b, err := c.topHandlerBlock(offset, regionExcept, "POP_EXCEPT")
	if err != nil {
		return err
	}
	h := c.handlers[b.owned]
	c.reserve(3)
	c.e.EmitLoadLocal(h.prevExc)
	c.e.EmitLoadLocal(h.prevVal)
	c.e.EmitLoadLocal(h.prevTb)
	c.e.EmitCallHelper(ir.HelperRestoreExc)
	c.e.FreeLocal(h.prevTb)
	c.e.FreeLocal(h.prevVal)
	c.e.FreeLocal(h.prevExc)
	c.blocks = c.blocks[:len(c.blocks)-1]
	return nil
}

// emitEndFinally dispatches on the reason the finally body was entered:
// normal completion falls through, a pending exception resumes unwinding,
// and return/break/continue resume their interrupted transfer, running any
// further intervening finally bodies on the way.
func (c *compiler) emitEndFinally(offset int) error {
	e := c.e
	b, err := c.topHandlerBlock(offset, regionFinally, "END_FINALLY")
	if err != nil {
		return err
	}
	h := c.handlers[b.owned]
	c.blocks = c.blocks[:len(c.blocks)-1]

	if c.pop() != ir.KindPtr {
		return invariantf("unboxed completion marker at offset %d", offset)
	}
	c.reserve(3)

	if h.errorUsed {
		noExc := e.DefineLabel()
		e.EmitLoadLocal(h.reason)
		e.EmitLoadInt(reasonException)
		e.EmitIntCmp(ir.CmpNe)
		e.Branch(ir.BranchTrue, noExc)
		// The marker is the fetched exception. Put the previous handled
		// exception back, reinstate ours as pending, and unwind outward.
		e.EmitLoadLocal(h.prevExc)
		e.EmitLoadLocal(h.prevVal)
		e.EmitLoadLocal(h.prevTb)
		e.EmitCallHelper(ir.HelperRestoreExc)
		e.EmitCallHelper(ir.HelperReRaise)
		c.branchToOuterError(h)
		e.MarkLabel(noExc)
	}

	// Every other reason carries a null marker; release it.
	e.Emit(ir.OpDecRef)

	if h.flags&ehReturns != 0 {
		skip := e.DefineLabel()
		e.EmitLoadLocal(h.reason)
		e.EmitLoadInt(reasonReturn)
		e.EmitIntCmp(ir.CmpNe)
		e.Branch(ir.BranchTrue, skip)
		c.emitReturnUnwind()
		e.MarkLabel(skip)
	}
	if h.flags&ehBreaks != 0 {
		skip := e.DefineLabel()
		e.EmitLoadLocal(h.reason)
		e.EmitLoadInt(reasonBreak)
		e.EmitIntCmp(ir.CmpNe)
		e.Branch(ir.BranchTrue, skip)
		if err := c.emitBreakUnwind(offset); err != nil {
			return err
		}
		e.MarkLabel(skip)
	}
	if h.flags&ehContinues != 0 {
		skip := e.DefineLabel()
		e.EmitLoadLocal(h.reason)
		e.EmitLoadInt(reasonContinue)
		e.EmitIntCmp(ir.CmpNe)
		e.Branch(ir.BranchTrue, skip)
		if err := c.emitContinueUnwind(offset, h.continueTo); err != nil {
			return err
		}
		e.MarkLabel(skip)
	}

	// Normal completion falls through to the code after the finally.
	c.e.FreeLocal(h.reason)
	c.e.FreeLocal(h.prevTb)
	c.e.FreeLocal(h.prevVal)
	c.e.FreeLocal(h.prevExc)
	return nil
}

func (c *compiler) emitBreak(offset int) error {
	return c.emitLoopExit(offset, reasonBreak, 0)
}

func (c *compiler) emitContinue(offset, head int) error {
	return c.emitLoopExit(offset, reasonContinue, head)
}

// emitLoopExit lowers BREAK and CONTINUE: directly when no finally
// intervenes, otherwise by entering the innermost intervening finally with
// the transfer recorded in its reason local.
func (c *compiler) emitLoopExit(offset int, rsn int64, head int) error {
	e := c.e
	for i := len(c.blocks) - 1; i >= 0; i-- {
		b := c.blocks[i]
		switch {
		case b.kind == blockLoop:
			if rsn == reasonContinue {
				// The head keeps the loop's working values (a for-loop's
				// iterator), so continue unwinds to the head's depth.
				st := c.interp.StateAt(head)
				if st == nil {
					return invariantf("continue at offset %d targets unreached head %d", offset, head)
				}
				c.freeStackAbove(st.StackDepth())
				e.Branch(ir.BranchAlways, c.offsetLabel(head))
				return nil
			}
			c.freeStackAbove(b.entryDepth)
			e.Branch(ir.BranchAlways, c.offsetLabel(b.end))
			return nil

		case b.kind == blockTry && b.region == regionFinally:
			h := c.handlers[b.owned]
			if rsn == reasonBreak {
				h.flags |= ehBreaks
			} else {
				h.flags |= ehContinues
				h.continueTo = head
			}
			c.freeStackAbove(h.entryDepth)
			e.EmitLoadInt(rsn)
			e.EmitStoreLocal(h.reason)
			e.Emit(ir.OpLoadNull)
			e.Branch(ir.BranchAlways, c.offsetLabel(h.handlerOffset))
			return nil

		case b.kind == blockHandler && b.region == regionExcept:
			// Jumping out of an except body: restore the previous handled
			// exception on the way.
			c.emitRestorePrev(c.handlers[b.owned])
		}
	}
	return invariantf("loop exit at offset %d outside any loop", offset)
}

func (c *compiler) emitReturn(offset int) error {
	if c.pop() != ir.KindPtr {
		return invariantf("unboxed return value at offset %d", offset)
	}
	c.e.EmitStoreLocal(c.retValue)
	c.emitReturnUnwind()
	return nil
}

// emitReturnUnwind transfers to the return epilogue, entering the
// innermost intervening finally first when one exists. The return value is
// already parked in the return local.
func (c *compiler) emitReturnUnwind() {
	e := c.e
	for i := len(c.blocks) - 1; i >= 0; i-- {
		b := c.blocks[i]
		switch {
		case b.kind == blockTry && b.region == regionFinally:
			h := c.handlers[b.owned]
			h.flags |= ehReturns
			c.freeStackAbove(h.entryDepth)
			e.EmitLoadInt(reasonReturn)
			e.EmitStoreLocal(h.reason)
			e.Emit(ir.OpLoadNull)
			e.Branch(ir.BranchAlways, c.offsetLabel(h.handlerOffset))
			return
		case b.kind == blockHandler && b.region == regionExcept:
			c.emitRestorePrev(c.handlers[b.owned])
		}
	}
	c.freeStackAbove(0)
	e.Branch(ir.BranchAlways, c.retLabel)
}

// emitBreakUnwind resumes a BREAK dispatched out of a finally body, and
// emitContinueUnwind the same for CONTINUE. The block stack at the
// END_FINALLY still holds the loop being exited.
func (c *compiler) emitBreakUnwind(offset int) error {
	return c.emitLoopExit(offset, reasonBreak, 0)
}

func (c *compiler) emitContinueUnwind(offset, head int) error {
	return c.emitLoopExit(offset, reasonContinue, head)
}

func (c *compiler) emitRestorePrev(h *exceptionHandler) {
	c.reserve(3)
	c.e.EmitLoadLocal(h.prevExc)
	c.e.EmitLoadLocal(h.prevVal)
	c.e.EmitLoadLocal(h.prevTb)
	c.e.EmitCallHelper(ir.HelperRestoreExc)
}

// branchToOuterError continues unwinding from a finally body whose entry
// reason was an exception: the pending exception is set again and control
// moves to the enclosing handler through its reraise trampoline.
func (c *compiler) branchToOuterError(h *exceptionHandler) {
	outer := c.handlers[h.back]
	spilled := 0
	for i := h.entryDepth - 1; i >= outer.entryDepth; i-- {
		if h.entryKinds[i] == ir.KindPtr {
			c.ensureRaiseLocal(spilled)
			c.e.EmitStoreLocal(c.raiseLocals[spilled])
			spilled++
		} else {
			c.e.Emit(ir.OpPop)
		}
	}
	c.e.Branch(ir.BranchAlways, c.chainLabel(outer, spilled, true))
}

// ------------------------------------------------------------------------
// Error checks and trampolines
// ------------------------------------------------------------------------

// errorCheck guards a fallible helper whose object result is on top of the
// runtime stack: null routes to the current handler's raise trampoline.
// The result has not been accounted on the emission stack yet.
func (c *compiler) errorCheck() {
	c.reserve(2)
	ok := c.e.DefineLabel()
	c.e.Emit(ir.OpDup)
	c.e.Branch(ir.BranchNotNull, ok)
	c.e.Emit(ir.OpPop) // the null result
	c.branchRaise(false)
	c.e.MarkLabel(ok)
}

// intErrorCheck guards a helper returning an unboxed int status where -1
// signals a pending exception.
func (c *compiler) intErrorCheck() {
	c.reserve(3)
	ok := c.e.DefineLabel()
	c.e.Emit(ir.OpDup)
	c.e.EmitLoadInt(-1)
	c.e.EmitIntCmp(ir.CmpNe)
	c.e.Branch(ir.BranchTrue, ok)
	c.e.Emit(ir.OpPop) // the status
	c.branchRaise(false)
	c.e.MarkLabel(ok)
}

// branchRaise transfers to the current handler with an exception pending.
// Live stack values above the handler's entry depth are unwound here: the
// boxed ones spill into shared locals counted by the trampoline the branch
// targets, the unboxed ones are simply dropped. The emission stack is not
// modified; the sequence runs only on the error path.
func (c *compiler) branchRaise(reraise bool) {
	h := c.handlers[c.currentHandler()]
	spilled := 0
	for i := len(c.stack) - 1; i >= h.entryDepth; i-- {
		if c.stack[i] == ir.KindPtr {
			c.ensureRaiseLocal(spilled)
			c.e.EmitStoreLocal(c.raiseLocals[spilled])
			spilled++
		} else {
			c.e.Emit(ir.OpPop)
		}
	}
	c.e.Branch(ir.BranchAlways, c.chainLabel(h, spilled, reraise))
}

// chainLabel returns the trampoline label for entering a handler with k
// spilled objects, creating the chain entries up to k on first use.
func (c *compiler) chainLabel(h *exceptionHandler, k int, reraise bool) ir.Label {
	h.errorUsed = true
	chain := &h.raiseChain
	if reraise {
		chain = &h.reraiseChain
	}
	for len(*chain) <= k {
		*chain = append(*chain, c.e.DefineLabel())
	}
	return (*chain)[k]
}

func (c *compiler) ensureRaiseLocal(i int) {
	for len(c.raiseLocals) <= i {
		c.raiseLocals = append(c.raiseLocals, c.e.DefineLocal(ir.KindPtr))
	}
}

// emitHandlerEpilogue lays down a handler's trampoline chains and error
// target after the main body. Each chain entry releases one more spilled
// stack value and falls through to the next, so total code growth per
// handler is linear in the deepest spill, not in the number of raise
// sites.
func (c *compiler) emitHandlerEpilogue(h *exceptionHandler) {
	if !h.errorUsed {
		return
	}
	e := c.e

	if len(h.raiseChain) > 0 {
		for k := len(h.raiseChain) - 1; k >= 0; k-- {
			e.MarkLabel(h.raiseChain[k])
			if k > 0 {
				e.EmitLoadLocal(c.raiseLocals[k-1])
				e.Emit(ir.OpDecRef)
			}
		}
		e.Branch(ir.BranchAlways, h.errorTarget)
	}
	for k := len(h.reraiseChain) - 1; k >= 0; k-- {
		e.MarkLabel(h.reraiseChain[k])
		if k > 0 {
			e.EmitLoadLocal(c.raiseLocals[k-1])
			e.Emit(ir.OpDecRef)
		}
	}

	e.MarkLabel(h.errorTarget)
	if h.back < 0 {
		// Function-level handler: the exception stays pending and the
		// caller sees a null result.
		c.noteDepth(1)
		e.Emit(ir.OpLoadNull)
		e.EmitStoreLocal(c.retValue)
		e.Branch(ir.BranchAlways, c.retLabel)
		return
	}

	// Explicit handler: save the previous handled exception, fetch ours,
	// and enter the handler body with it on the stack.
	c.noteDepth(h.entryDepth + 3)
	e.EmitCallHelper(ir.HelperSaveExc) // pushes exc, val, tb
	e.EmitStoreLocal(h.prevTb)
	e.EmitStoreLocal(h.prevVal)
	e.EmitStoreLocal(h.prevExc)
	e.EmitCallHelper(ir.HelperFetchExc)
	if h.flags&ehTryFinally != 0 {
		e.EmitLoadInt(reasonException)
		e.EmitStoreLocal(h.reason)
	}
	e.Branch(ir.BranchAlways, c.offsetLabel(h.handlerOffset))
}

// ------------------------------------------------------------------------
// Emission-stack bookkeeping
// ------------------------------------------------------------------------

func (c *compiler) push(k ir.Kind) {
	c.stack = append(c.stack, k)
	c.noteDepth(len(c.stack))
}

func (c *compiler) pushMaybeBoxed(k ir.Kind, boxed bool) {
	if boxed {
		c.e.EmitBox(k)
		c.push(ir.KindPtr)
		return
	}
	c.push(k)
}

func (c *compiler) pop() ir.Kind {
	k := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return k
}

// reserve accounts for transient values a sequence pushes beyond the
// tracked emission stack.
func (c *compiler) reserve(extra int) {
	c.noteDepth(len(c.stack) + extra)
}

func (c *compiler) noteDepth(d int) {
	if d > c.maxDepth {
		c.maxDepth = d
	}
}

// freeStackAbove emits releases for every tracked stack value above the
// given depth, without changing the tracked stack. Used on exit paths that
// abandon the values the surrounding code still accounts for.
func (c *compiler) freeStackAbove(depth int) {
	for i := len(c.stack) - 1; i >= depth; i-- {
		if c.stack[i] == ir.KindPtr {
			c.e.Emit(ir.OpDecRef)
		} else {
			c.e.Emit(ir.OpPop)
		}
	}
}

// stackFromState derives the emission stack kinds at an offset from the
// converged abstract state: boxed slots are object references, the rest
// carry their scalar kind.
func (c *compiler) stackFromState(offset int) ([]ir.Kind, error) {
	st := c.interp.StateAt(offset)
	if st == nil {
		return nil, invariantf("no state at offset %d", offset)
	}
	kinds := make([]ir.Kind, st.StackDepth())
	for i := range kinds {
		v := st.StackAt(i)
		if v.Value == Undefined {
			return nil, invariantf("undefined value on stack at offset %d", offset)
		}
		if c.interp.SlotIsBoxed(v) {
			kinds[i] = ir.KindPtr
			continue
		}
		switch v.Value {
		case Int:
			kinds[i] = ir.KindInt
		case Float:
			kinds[i] = ir.KindFloat
		case Bool:
			kinds[i] = ir.KindBool
		default:
			return nil, invariantf("unboxed non-scalar %s at offset %d", v.Value, offset)
		}
	}
	return kinds, nil
}

func (c *compiler) currentHandler() int {
	if len(c.blocks) == 0 {
		return 0
	}
	return c.blocks[len(c.blocks)-1].handler
}

func (c *compiler) topHandlerBlock(offset int, region regionKind, what string) (blockInfo, error) {
	if len(c.blocks) == 0 {
		return blockInfo{}, invariantf("%s at offset %d with empty block stack", what, offset)
	}
	b := c.blocks[len(c.blocks)-1]
	if b.kind != blockHandler || b.region != region {
		return blockInfo{}, invariantf("%s at offset %d outside its handler body", what, offset)
	}
	return b, nil
}

func (c *compiler) offsetLabel(target int) ir.Label {
	if lbl, ok := c.offsetLabels[target]; ok {
		return lbl
	}
	lbl := c.e.DefineLabel()
	c.offsetLabels[target] = lbl
	return lbl
}

// ------------------------------------------------------------------------
// Opcode tables
// ------------------------------------------------------------------------

func fallsThrough(op bytecode.Opcode) bool {
	switch op {
	case bytecode.OpJump, bytecode.OpBreak, bytecode.OpContinue,
		bytecode.OpReturn, bytecode.OpRaise:
		return false
	}
	return true
}

// intIROp returns the unboxed integer lowering, or OpNop when the op has
// none (integer division produces a float and stays generic).
func intIROp(op bytecode.Opcode) ir.Opcode {
	switch op {
	case bytecode.OpAdd:
		return ir.OpIntAdd
	case bytecode.OpSub:
		return ir.OpIntSub
	case bytecode.OpMul:
		return ir.OpIntMul
	case bytecode.OpMod:
		return ir.OpIntMod
	}
	return ir.OpNop
}

func floatIROp(op bytecode.Opcode) ir.Opcode {
	switch op {
	case bytecode.OpAdd:
		return ir.OpFloatAdd
	case bytecode.OpSub:
		return ir.OpFloatSub
	case bytecode.OpMul:
		return ir.OpFloatMul
	case bytecode.OpDiv:
		return ir.OpFloatDiv
	}
	return ir.OpNop
}

func binaryHelper(op bytecode.Opcode) ir.HelperToken {
	switch op {
	case bytecode.OpAdd:
		return ir.HelperAdd
	case bytecode.OpSub:
		return ir.HelperSub
	case bytecode.OpMul:
		return ir.HelperMul
	case bytecode.OpDiv:
		return ir.HelperDiv
	default:
		return ir.HelperMod
	}
}

func buildHelper(op bytecode.Opcode) ir.HelperToken {
	switch op {
	case bytecode.OpBuildList:
		return ir.HelperBuildList
	case bytecode.OpBuildTuple:
		return ir.HelperBuildTuple
	default:
		return ir.HelperBuildMap
	}
}

func kindsEqual(a, b []ir.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
