package bytecode

import (
	"strings"
	"testing"
)

// ============================================================================
// Opcode metadata
// ============================================================================

func TestAllOpcodesHaveMetadata(t *testing.T) {
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("opcode 0x%02X has no name", byte(op))
		}
		if info.OperandLen < 0 || info.OperandLen > 2 {
			t.Errorf("%s has operand length %d", info.Name, info.OperandLen)
		}
	}
}

func TestInstructionLen(t *testing.T) {
	tests := []struct {
		op   Opcode
		want int
	}{
		{OpNop, 1},
		{OpCompare, 2},
		{OpCall, 2},
		{OpLoadConst, 3},
		{OpJump, 3},
		{OpSetupFinally, 3},
	}
	for _, tt := range tests {
		if got := tt.op.InstructionLen(); got != tt.want {
			t.Errorf("%s.InstructionLen() = %d, want %d", tt.op, got, tt.want)
		}
	}
}

func TestJumpClassification(t *testing.T) {
	jumps := []Opcode{OpJump, OpJumpIfTrue, OpJumpIfFalse, OpForIter, OpContinue}
	for _, op := range jumps {
		if !op.IsJump() {
			t.Errorf("%s.IsJump() = false, want true", op)
		}
	}
	conditional := []Opcode{OpJumpIfTrue, OpJumpIfFalse, OpForIter}
	for _, op := range conditional {
		if !op.IsConditionalJump() {
			t.Errorf("%s.IsConditionalJump() = false, want true", op)
		}
	}
	if OpJump.IsConditionalJump() {
		t.Error("JUMP.IsConditionalJump() = true, want false")
	}
	for _, op := range []Opcode{OpSetupLoop, OpSetupExcept, OpSetupFinally} {
		if !op.IsBlockSetup() {
			t.Errorf("%s.IsBlockSetup() = false, want true", op)
		}
	}
}

func TestEndsBasicBlock(t *testing.T) {
	ends := []Opcode{OpJump, OpBreak, OpContinue, OpReturn, OpRaise, OpEndFinally}
	for _, op := range ends {
		if !op.EndsBasicBlock() {
			t.Errorf("%s.EndsBasicBlock() = false, want true", op)
		}
	}
	falls := []Opcode{OpAdd, OpJumpIfTrue, OpForIter, OpPopBlock}
	for _, op := range falls {
		if op.EndsBasicBlock() {
			t.Errorf("%s.EndsBasicBlock() = true, want false", op)
		}
	}
}

func TestComparePredString(t *testing.T) {
	tests := []struct {
		pred ComparePred
		want string
	}{
		{CmpLt, "<"},
		{CmpLe, "<="},
		{CmpEq, "=="},
		{CmpNe, "!="},
		{CmpGt, ">"},
		{CmpGe, ">="},
	}
	for _, tt := range tests {
		if got := tt.pred.String(); got != tt.want {
			t.Errorf("ComparePred(%d).String() = %q, want %q", tt.pred, got, tt.want)
		}
	}
}

// ============================================================================
// Assembler
// ============================================================================

func TestAssemblerBasic(t *testing.T) {
	a := NewAssembler("add2")
	x := a.Param("x")
	y := a.Param("y")
	a.EmitU16(OpLoadLocal, uint16(x))
	a.EmitU16(OpLoadLocal, uint16(y))
	a.Emit(OpAdd)
	a.Emit(OpReturn)

	fn, err := a.Finish()
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	if fn.ParamCount != 2 {
		t.Errorf("ParamCount = %d, want 2", fn.ParamCount)
	}
	if fn.LocalCount != 2 {
		t.Errorf("LocalCount = %d, want 2", fn.LocalCount)
	}
	if fn.OpcodeAt(0) != OpLoadLocal || fn.OperandAt(0) != 0 {
		t.Errorf("instruction 0 = %s %d, want LOAD_LOCAL 0", fn.OpcodeAt(0), fn.OperandAt(0))
	}
	if fn.OpcodeAt(6) != OpAdd {
		t.Errorf("opcode at 6 = %s, want ADD", fn.OpcodeAt(6))
	}
}

func TestAssemblerConstPooling(t *testing.T) {
	a := NewAssembler("consts")
	i1 := a.Const(IntConst(42))
	i2 := a.Const(IntConst(42))
	i3 := a.Const(IntConst(7))
	if i1 != i2 {
		t.Errorf("duplicate constant got indexes %d and %d", i1, i2)
	}
	if i3 == i1 {
		t.Errorf("distinct constants share index %d", i1)
	}
	s1 := a.Const(StringConst("a"))
	if s1 == i1 || s1 == i3 {
		t.Errorf("string constant reused numeric index %d", s1)
	}
}

func TestAssemblerNameDedup(t *testing.T) {
	a := NewAssembler("names")
	n1 := a.Name("print")
	n2 := a.Name("len")
	n3 := a.Name("print")
	if n1 != n3 {
		t.Errorf("Name(\"print\") = %d then %d", n1, n3)
	}
	if n2 == n1 {
		t.Errorf("distinct names share index %d", n1)
	}
}

func TestAssemblerJumpPatching(t *testing.T) {
	a := NewAssembler("branchy")
	a.EmitConst(BoolConst(true))
	j := a.EmitJump(OpJumpIfFalse)
	a.EmitConst(IntConst(1))
	a.Emit(OpReturn)
	a.PatchJump(j)
	a.EmitConst(IntConst(2))
	a.Emit(OpReturn)

	fn := a.MustFinish()
	if got := fn.OperandAt(j); got != 7 {
		t.Errorf("patched jump target = %d, want 7", got)
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestValidateRejectsUnknownOpcode(t *testing.T) {
	fn := &Function{Name: "bad", Code: []byte{0xEE}}
	if err := fn.Validate(); err == nil {
		t.Error("Validate() = nil, want error for unknown opcode")
	}
}

func TestValidateRejectsTruncatedOperand(t *testing.T) {
	fn := &Function{Name: "bad", Code: []byte{byte(OpLoadConst), 0x00}}
	if err := fn.Validate(); err == nil {
		t.Error("Validate() = nil, want error for truncated operand")
	}
}

func TestValidateRejectsOutOfRangeIndexes(t *testing.T) {
	tests := []struct {
		name string
		fn   *Function
	}{
		{"const", &Function{Name: "f", Code: []byte{byte(OpLoadConst), 0, 5, byte(OpReturn)}}},
		{"local", &Function{Name: "f", LocalCount: 1, Code: []byte{byte(OpLoadLocal), 0, 3, byte(OpReturn)}}},
		{"global", &Function{Name: "f", Code: []byte{byte(OpLoadGlobal), 0, 0, byte(OpReturn)}}},
		{"jump", &Function{Name: "f", Code: []byte{byte(OpJump), 0xFF, 0xFF}}},
	}
	for _, tt := range tests {
		if err := tt.fn.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want out-of-range error", tt.name)
		}
	}
}

func TestValidateRejectsEmptyCode(t *testing.T) {
	fn := &Function{Name: "empty"}
	if err := fn.Validate(); err == nil {
		t.Error("Validate() = nil, want error for empty code")
	}
}

func TestValidateRejectsParamLocalMismatch(t *testing.T) {
	fn := &Function{Name: "f", ParamCount: 2, LocalCount: 1, Code: []byte{byte(OpReturn)}}
	if err := fn.Validate(); err == nil {
		t.Error("Validate() = nil, want error for params exceeding locals")
	}
}

// ============================================================================
// Wire format
// ============================================================================

func TestWireRoundTrip(t *testing.T) {
	a := NewAssembler("roundtrip")
	x := a.Param("x")
	a.EmitU16(OpLoadLocal, uint16(x))
	a.EmitConst(FloatConst(2.5))
	a.Emit(OpMul)
	a.Emit(OpReturn)
	fn := a.MustFinish()

	data, err := MarshalFunction(fn)
	if err != nil {
		t.Fatalf("MarshalFunction() error: %v", err)
	}
	got, err := UnmarshalFunction(data)
	if err != nil {
		t.Fatalf("UnmarshalFunction() error: %v", err)
	}
	if got.Name != fn.Name || got.ParamCount != fn.ParamCount || got.LocalCount != fn.LocalCount {
		t.Errorf("header = (%q,%d,%d), want (%q,%d,%d)",
			got.Name, got.ParamCount, got.LocalCount, fn.Name, fn.ParamCount, fn.LocalCount)
	}
	if string(got.Code) != string(fn.Code) {
		t.Errorf("code = % X, want % X", got.Code, fn.Code)
	}
	if len(got.Consts) != len(fn.Consts) || got.Consts[1] != fn.Consts[1] {
		t.Errorf("consts = %v, want %v", got.Consts, fn.Consts)
	}
}

func TestWireEncodingIsDeterministic(t *testing.T) {
	a := NewAssembler("stable")
	a.EmitConst(IntConst(1))
	a.Emit(OpReturn)
	fn := a.MustFinish()

	d1, err := MarshalFunction(fn)
	if err != nil {
		t.Fatalf("MarshalFunction() error: %v", err)
	}
	d2, err := MarshalFunction(fn)
	if err != nil {
		t.Fatalf("MarshalFunction() error: %v", err)
	}
	if string(d1) != string(d2) {
		t.Error("two encodings of the same function differ")
	}
}

func TestUnmarshalValidates(t *testing.T) {
	bad := &Function{Name: "bad", Code: []byte{0xEE}}
	data, err := cborEncMode.Marshal(bad)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalFunction(data); err == nil {
		t.Error("UnmarshalFunction() = nil error for invalid code")
	}
}

// ============================================================================
// Disassembler
// ============================================================================

func TestDisassemble(t *testing.T) {
	a := NewAssembler("show")
	n := a.Local("n")
	a.EmitConst(IntConst(10))
	a.EmitU16(OpStoreLocal, uint16(n))
	a.EmitU16(OpLoadLocal, uint16(n))
	a.Emit(OpReturn)
	fn := a.MustFinish()

	out := fn.Disassemble()
	for _, want := range []string{"LOAD_CONST", "STORE_LOCAL", "RETURN", "n"} {
		if !strings.Contains(out, want) {
			t.Errorf("Disassemble() missing %q in:\n%s", want, out)
		}
	}
}
