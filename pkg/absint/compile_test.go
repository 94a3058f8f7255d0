package absint

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/chazu/tern/pkg/bytecode"
	"github.com/chazu/tern/pkg/ir"
)

func compileFn(t *testing.T, fn *bytecode.Function) *Program {
	t.Helper()
	p, err := Compile(fn)
	if err != nil {
		t.Fatalf("Compile(%s) error: %v", fn.Name, err)
	}
	return p
}

// opCount tallies every opcode in an encoded IR buffer.
func opCount(code []byte) map[ir.Opcode]int {
	counts := make(map[ir.Opcode]int)
	for offset := 0; offset < len(code); {
		op := ir.Opcode(code[offset])
		counts[op]++
		offset += op.InstructionLen()
	}
	return counts
}

// helperCalls tallies the helper tokens called in an encoded IR buffer.
func helperCalls(code []byte) map[ir.HelperToken]int {
	calls := make(map[ir.HelperToken]int)
	for offset := 0; offset < len(code); {
		op := ir.Opcode(code[offset])
		if op == ir.OpCallHelper {
			calls[ir.HelperToken(binary.BigEndian.Uint16(code[offset+1:]))]++
		}
		offset += op.InstructionLen()
	}
	return calls
}

// loadIntCount counts LOAD_INT instructions carrying the given immediate.
func loadIntCount(code []byte, v int64) int {
	n := 0
	for offset := 0; offset < len(code); {
		op := ir.Opcode(code[offset])
		if op == ir.OpLoadInt && int64(binary.BigEndian.Uint64(code[offset+1:])) == v {
			n++
		}
		offset += op.InstructionLen()
	}
	return n
}

func hasBackwardBranch(code []byte) bool {
	for offset := 0; offset < len(code); {
		op := ir.Opcode(code[offset])
		if op.IsBranch() && ir.BranchTarget(code, offset) <= offset {
			return true
		}
		offset += op.InstructionLen()
	}
	return false
}

// ============================================================================
// Specialized arithmetic
// ============================================================================

func TestCompileUnboxedAddition(t *testing.T) {
	a := bytecode.NewAssembler("addconst")
	a.EmitConst(bytecode.IntConst(1))
	a.EmitConst(bytecode.IntConst(2))
	a.Emit(bytecode.OpAdd)
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	ops := opCount(p.Code)
	if ops[ir.OpIntAdd] != 1 {
		t.Errorf("INT_ADD count = %d, want 1", ops[ir.OpIntAdd])
	}
	if ops[ir.OpLoadInt] < 2 {
		t.Errorf("LOAD_INT count = %d, want at least 2", ops[ir.OpLoadInt])
	}
	// The sum is returned, so it boxes exactly once at the producer.
	if ops[ir.OpBox] != 1 {
		t.Errorf("BOX count = %d, want 1", ops[ir.OpBox])
	}
	if n := helperCalls(p.Code)[ir.HelperAdd]; n != 0 {
		t.Errorf("generic add called %d times for specialized operands", n)
	}
	if p.MaxStackDepth < 2 {
		t.Errorf("MaxStackDepth = %d, want at least 2", p.MaxStackDepth)
	}
}

func TestCompileFloatArithmetic(t *testing.T) {
	a := bytecode.NewAssembler("scale")
	a.EmitConst(bytecode.FloatConst(2.0))
	a.EmitConst(bytecode.FloatConst(3.5))
	a.Emit(bytecode.OpMul)
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	ops := opCount(p.Code)
	if ops[ir.OpFloatMul] != 1 {
		t.Errorf("FLOAT_MUL count = %d, want 1", ops[ir.OpFloatMul])
	}
	if ops[ir.OpLoadFloat] != 2 {
		t.Errorf("LOAD_FLOAT count = %d, want 2", ops[ir.OpLoadFloat])
	}
}

func TestCompileGenericDivision(t *testing.T) {
	a := bytecode.NewAssembler("divide")
	a.EmitConst(bytecode.IntConst(7))
	a.EmitConst(bytecode.IntConst(2))
	a.Emit(bytecode.OpDiv)
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	if n := helperCalls(p.Code)[ir.HelperDiv]; n != 1 {
		t.Errorf("generic div called %d times, want 1", n)
	}
	if n := opCount(p.Code)[ir.OpIntDiv]; n != 0 {
		t.Errorf("INT_DIV count = %d, want 0", n)
	}
}

// ============================================================================
// Unbound-local checks
// ============================================================================

func TestCompileElidesProvenAssignedCheck(t *testing.T) {
	a := bytecode.NewAssembler("ident")
	x := a.Param("x")
	a.EmitU16(bytecode.OpLoadLocal, uint16(x))
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	if n := helperCalls(p.Code)[ir.HelperUnboundLocal]; n != 0 {
		t.Errorf("unbound check emitted %d times for a parameter", n)
	}
	if p.ParamCount != 1 {
		t.Errorf("ParamCount = %d, want 1", p.ParamCount)
	}
}

func TestCompileKeepsMaybeUndefinedCheck(t *testing.T) {
	a := bytecode.NewAssembler("maybeset")
	flag := a.Param("flag")
	x := a.Local("x")
	a.EmitU16(bytecode.OpLoadLocal, uint16(flag))
	j := a.EmitJump(bytecode.OpJumpIfFalse)
	a.EmitConst(bytecode.IntConst(1))
	a.EmitU16(bytecode.OpStoreLocal, uint16(x))
	a.PatchJump(j)
	a.EmitU16(bytecode.OpLoadLocal, uint16(x))
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	if n := helperCalls(p.Code)[ir.HelperUnboundLocal]; n != 1 {
		t.Errorf("unbound check emitted %d times, want 1", n)
	}
}

// ============================================================================
// Loops
// ============================================================================

func TestCompileCountLoop(t *testing.T) {
	p := compileFn(t, countLoop())

	if !hasBackwardBranch(p.Code) {
		t.Error("loop compiled without a backward branch")
	}
	calls := helperCalls(p.Code)
	// The counter lives in a local, so the loop computes through the
	// generic helpers.
	if calls[ir.HelperCmpLt] != 1 {
		t.Errorf("tern_cmp_lt called %d times, want 1", calls[ir.HelperCmpLt])
	}
	if calls[ir.HelperAdd] != 1 {
		t.Errorf("tern_add called %d times, want 1", calls[ir.HelperAdd])
	}
	if calls[ir.HelperIsTrue] != 1 {
		t.Errorf("tern_is_true called %d times, want 1", calls[ir.HelperIsTrue])
	}
	if calls[ir.HelperUnboundLocal] != 0 {
		t.Error("unbound check emitted for a definitely-assigned loop counter")
	}
	// Return slot plus one bytecode local, all boxed.
	if len(p.LocalKinds) < 2 || p.LocalKinds[0] != ir.KindPtr || p.LocalKinds[1] != ir.KindPtr {
		t.Errorf("LocalKinds = %v, want leading ptr slots", p.LocalKinds)
	}
}

func TestCompileForLoopWithBreakAndContinue(t *testing.T) {
	a := bytecode.NewAssembler("iterate")
	setup := a.EmitJump(bytecode.OpSetupLoop)
	a.EmitU16(bytecode.OpBuildList, 0)
	a.Emit(bytecode.OpGetIter)
	head := a.CurrentOffset()
	fj := a.EmitJump(bytecode.OpForIter)
	a.Emit(bytecode.OpDup)
	j := a.EmitJump(bytecode.OpJumpIfFalse)
	a.Emit(bytecode.OpPop)
	a.EmitU16(bytecode.OpContinue, uint16(head))
	a.PatchJump(j)
	a.Emit(bytecode.OpPop)
	a.Emit(bytecode.OpBreak)
	a.PatchJump(fj)
	a.Emit(bytecode.OpPopBlock)
	a.PatchJump(setup)
	a.EmitConst(bytecode.NoneConst())
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	calls := helperCalls(p.Code)
	if calls[ir.HelperGetIter] != 1 || calls[ir.HelperIterNext] != 1 {
		t.Errorf("iterator helpers = %d get / %d next, want 1 each", calls[ir.HelperGetIter], calls[ir.HelperIterNext])
	}
	if !hasBackwardBranch(p.Code) {
		t.Error("continue compiled without a backward branch")
	}
}

// ============================================================================
// Exception regions
// ============================================================================

func TestCompileTryExcept(t *testing.T) {
	a := bytecode.NewAssembler("guarded")
	g := a.Name("risky")
	setup := a.EmitJump(bytecode.OpSetupExcept)
	a.EmitU16(bytecode.OpLoadGlobal, uint16(g))
	a.EmitU8(bytecode.OpCall, 0)
	a.Emit(bytecode.OpPop)
	a.Emit(bytecode.OpPopBlock)
	done := a.EmitJump(bytecode.OpJump)
	a.PatchJump(setup)
	a.Emit(bytecode.OpPop) // discard the exception object
	a.Emit(bytecode.OpPopExcept)
	a.PatchJump(done)
	a.EmitConst(bytecode.NoneConst())
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	calls := helperCalls(p.Code)
	if calls[ir.HelperSaveExc] != 1 {
		t.Errorf("tern_save_exc called %d times, want 1", calls[ir.HelperSaveExc])
	}
	if calls[ir.HelperFetchExc] != 1 {
		t.Errorf("tern_fetch_exc called %d times, want 1", calls[ir.HelperFetchExc])
	}
	// Restored once at POP_EXCEPT.
	if calls[ir.HelperRestoreExc] != 1 {
		t.Errorf("tern_restore_exc called %d times, want 1", calls[ir.HelperRestoreExc])
	}
	if calls[ir.HelperLoadGlobal] != 1 || calls[ir.HelperCall] != 1 {
		t.Errorf("body helpers = %v", calls)
	}
}

func TestCompileTryFinallyWithReturn(t *testing.T) {
	a := bytecode.NewAssembler("cleanup")
	x := a.Param("x")
	setup := a.EmitJump(bytecode.OpSetupFinally)
	a.EmitU16(bytecode.OpLoadLocal, uint16(x))
	j := a.EmitJump(bytecode.OpJumpIfFalse)
	a.EmitU16(bytecode.OpLoadLocal, uint16(x))
	a.Emit(bytecode.OpReturn)
	a.PatchJump(j)
	a.Emit(bytecode.OpPopBlock)
	a.PatchJump(setup)
	a.Emit(bytecode.OpEndFinally)
	a.EmitConst(bytecode.NoneConst())
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	calls := helperCalls(p.Code)
	// The exception arm of the dispatch restores the previous exception
	// and reinstates the fetched one.
	if calls[ir.HelperReRaise] != 1 {
		t.Errorf("tern_reraise called %d times, want 1", calls[ir.HelperReRaise])
	}
	if calls[ir.HelperRestoreExc] != 1 {
		t.Errorf("tern_restore_exc called %d times, want 1", calls[ir.HelperRestoreExc])
	}
	if calls[ir.HelperSaveExc] != 1 {
		t.Errorf("tern_save_exc called %d times, want 1", calls[ir.HelperSaveExc])
	}
	if calls[ir.HelperIsTrue] != 1 {
		t.Errorf("tern_is_true called %d times, want 1", calls[ir.HelperIsTrue])
	}
}

func TestCompileBreakThroughFinally(t *testing.T) {
	a := bytecode.NewAssembler("breakclean")
	keep := a.Param("keep")
	stop := a.Param("stop")
	setup := a.EmitJump(bytecode.OpSetupLoop)
	head := a.CurrentOffset()
	a.EmitU16(bytecode.OpLoadLocal, uint16(keep))
	exit := a.EmitJump(bytecode.OpJumpIfFalse)
	fin := a.EmitJump(bytecode.OpSetupFinally)
	a.EmitU16(bytecode.OpLoadLocal, uint16(stop))
	skip := a.EmitJump(bytecode.OpJumpIfFalse)
	a.Emit(bytecode.OpBreak)
	a.PatchJump(skip)
	a.Emit(bytecode.OpPopBlock)
	a.PatchJump(fin)
	a.Emit(bytecode.OpEndFinally)
	a.EmitU16(bytecode.OpJump, uint16(head))
	a.PatchJump(exit)
	a.Emit(bytecode.OpPopBlock)
	a.PatchJump(setup)
	a.EmitConst(bytecode.NoneConst())
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	// The break records its reason and runs the finally; the dispatch
	// compares against the same reason before leaving the loop.
	if n := loadIntCount(p.Code, reasonBreak); n != 2 {
		t.Errorf("break reason loaded %d times, want 2 (record + dispatch)", n)
	}
	if n := loadIntCount(p.Code, reasonContinue); n != 0 {
		t.Errorf("continue reason loaded %d times, want 0", n)
	}
	calls := helperCalls(p.Code)
	if calls[ir.HelperIsTrue] != 2 {
		t.Errorf("tern_is_true called %d times, want 2", calls[ir.HelperIsTrue])
	}
	// The exception arm of the dispatch is still present.
	if calls[ir.HelperSaveExc] != 1 || calls[ir.HelperReRaise] != 1 {
		t.Errorf("exception arm helpers = %d save / %d reraise, want 1 each",
			calls[ir.HelperSaveExc], calls[ir.HelperReRaise])
	}
	if !hasBackwardBranch(p.Code) {
		t.Error("loop compiled without a backward branch")
	}
}

func TestCompileContinueThroughFinally(t *testing.T) {
	a := bytecode.NewAssembler("skipclean")
	keep := a.Param("keep")
	next := a.Param("next")
	setup := a.EmitJump(bytecode.OpSetupLoop)
	head := a.CurrentOffset()
	a.EmitU16(bytecode.OpLoadLocal, uint16(keep))
	exit := a.EmitJump(bytecode.OpJumpIfFalse)
	fin := a.EmitJump(bytecode.OpSetupFinally)
	a.EmitU16(bytecode.OpLoadLocal, uint16(next))
	skip := a.EmitJump(bytecode.OpJumpIfFalse)
	a.EmitU16(bytecode.OpContinue, uint16(head))
	a.PatchJump(skip)
	a.Emit(bytecode.OpPopBlock)
	a.PatchJump(fin)
	a.Emit(bytecode.OpEndFinally)
	a.EmitU16(bytecode.OpJump, uint16(head))
	a.PatchJump(exit)
	a.Emit(bytecode.OpPopBlock)
	a.PatchJump(setup)
	a.EmitConst(bytecode.NoneConst())
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	if n := loadIntCount(p.Code, reasonContinue); n != 2 {
		t.Errorf("continue reason loaded %d times, want 2 (record + dispatch)", n)
	}
	if n := loadIntCount(p.Code, reasonBreak); n != 0 {
		t.Errorf("break reason loaded %d times, want 0", n)
	}
	calls := helperCalls(p.Code)
	if calls[ir.HelperIsTrue] != 2 {
		t.Errorf("tern_is_true called %d times, want 2", calls[ir.HelperIsTrue])
	}
	if calls[ir.HelperSaveExc] != 1 || calls[ir.HelperReRaise] != 1 {
		t.Errorf("exception arm helpers = %d save / %d reraise, want 1 each",
			calls[ir.HelperSaveExc], calls[ir.HelperReRaise])
	}
	if !hasBackwardBranch(p.Code) {
		t.Error("continue compiled without a backward branch")
	}
}

func TestCompileRaise(t *testing.T) {
	a := bytecode.NewAssembler("thrower")
	g := a.Name("Error")
	a.EmitU16(bytecode.OpLoadGlobal, uint16(g))
	a.Emit(bytecode.OpRaise)
	p := compileFn(t, a.MustFinish())

	calls := helperCalls(p.Code)
	if calls[ir.HelperRaise] != 1 {
		t.Errorf("tern_raise called %d times, want 1", calls[ir.HelperRaise])
	}
	// Nothing catches, so the function-level handler returns null.
	if n := opCount(p.Code)[ir.OpLoadNull]; n == 0 {
		t.Error("no null return path emitted for an escaping exception")
	}
}

// ============================================================================
// Rejection and bounds
// ============================================================================

func TestCompileRejectsUnsupportedShape(t *testing.T) {
	fn := &bytecode.Function{
		Name: "stray",
		Code: []byte{byte(bytecode.OpBreak), byte(bytecode.OpReturn)},
	}
	_, err := Compile(fn)
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("Compile() error = %v, want ErrUnsupported", err)
	}
}

func TestCompileRequiresConvergedAnalysis(t *testing.T) {
	a := bytecode.NewAssembler("early")
	a.EmitConst(bytecode.NoneConst())
	a.Emit(bytecode.OpReturn)
	interp := NewInterpreter(a.MustFinish())
	_, err := CompileAnalyzed(interp)
	if !errors.Is(err, ErrInvariant) {
		t.Errorf("CompileAnalyzed() error = %v, want ErrInvariant", err)
	}
}

func TestCompileProgramHeader(t *testing.T) {
	a := bytecode.NewAssembler("header")
	a.Param("a")
	a.Param("b")
	a.EmitU16(bytecode.OpLoadLocal, 0)
	a.Emit(bytecode.OpReturn)
	p := compileFn(t, a.MustFinish())

	if p.Name != "header" {
		t.Errorf("Name = %q, want %q", p.Name, "header")
	}
	if p.ParamCount != 2 {
		t.Errorf("ParamCount = %d, want 2", p.ParamCount)
	}
	if len(p.Code) == 0 {
		t.Error("empty code buffer")
	}
	if p.MaxStackDepth < 1 {
		t.Errorf("MaxStackDepth = %d, want at least 1", p.MaxStackDepth)
	}
}
