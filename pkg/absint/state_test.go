package absint

import "testing"

// ============================================================================
// Local slot states
// ============================================================================

func TestLocalInfoStates(t *testing.T) {
	u := UnassignedLocal()
	if u.Value.Value != Undefined || !u.MaybeUndefined {
		t.Errorf("UnassignedLocal() = %v", u)
	}
	a := AssignedLocal(NewValue(Int, 3))
	if a.Value.Value != Int || a.MaybeUndefined {
		t.Errorf("AssignedLocal() = %v", a)
	}
}

func TestLocalInfoMerge(t *testing.T) {
	assigned := AssignedLocal(NewValue(Int, 3))
	m := assigned.MergeWith(UnassignedLocal())
	if m.Value.Value != Int {
		t.Errorf("merged value = %s, want int", m.Value.Value)
	}
	if !m.MaybeUndefined {
		t.Error("merge with unassigned path lost MaybeUndefined")
	}

	both := assigned.MergeWith(AssignedLocal(NewValue(Int, 3)))
	if both.MaybeUndefined {
		t.Error("merge of two assigned paths set MaybeUndefined")
	}
}

func TestLocalInfoCheckRejectsContradiction(t *testing.T) {
	bad := LocalInfo{Value: ValueWithSources{Value: Undefined}}
	if err := bad.check(0); err == nil {
		t.Error("check() = nil for undefined-but-assigned slot")
	}
	if err := UnassignedLocal().check(0); err != nil {
		t.Errorf("check() = %v for unassigned slot", err)
	}
}

// ============================================================================
// Copy-on-write locals
// ============================================================================

func TestLocalsVectorCopyOnWrite(t *testing.T) {
	v := NewLocalsVector(2)
	v.Replace(0, AssignedLocal(NewValue(Int, 1)))

	shared := v.Share()
	shared.Replace(0, AssignedLocal(NewValue(Str, 5)))

	if v.Get(0).Value.Value != Int {
		t.Errorf("write through shared view leaked: slot 0 = %s", v.Get(0).Value.Value)
	}
	if shared.Get(0).Value.Value != Str {
		t.Errorf("shared view slot 0 = %s, want str", shared.Get(0).Value.Value)
	}
}

func TestLocalsVectorRedundantWriteKeepsSharing(t *testing.T) {
	v := NewLocalsVector(1)
	info := AssignedLocal(NewValue(Int, 1))
	v.Replace(0, info)

	shared := v.Share()
	shared.Replace(0, info)
	if shared.cell != v.cell {
		t.Error("identical write forced a copy")
	}
}

func TestLocalsVectorEqual(t *testing.T) {
	a := NewLocalsVector(2)
	b := NewLocalsVector(2)
	if !a.Equal(b) {
		t.Error("fresh vectors not equal")
	}
	a.Replace(1, AssignedLocal(NewValue(Float, 2)))
	if a.Equal(b) {
		t.Error("diverged vectors reported equal")
	}
}

// ============================================================================
// Machine state
// ============================================================================

func TestNewStateAssignsParams(t *testing.T) {
	s := NewState(3, 1)
	p := s.Local(0)
	if p.Value.Value != Any || p.MaybeUndefined {
		t.Errorf("param slot = %v, want assigned any", p)
	}
	if l := s.Local(1); l.Value.Value != Undefined || !l.MaybeUndefined {
		t.Errorf("plain local slot = %v, want unassigned", l)
	}
}

func TestStateStackOps(t *testing.T) {
	s := NewState(0, 0)
	s.Push(NewValue(Int, 0))
	s.Push(NewValue(Str, 3))
	if s.StackDepth() != 2 {
		t.Fatalf("StackDepth() = %d, want 2", s.StackDepth())
	}
	if s.Peek(0).Value != Str || s.Peek(1).Value != Int {
		t.Errorf("Peek order wrong: %s %s", s.Peek(0).Value, s.Peek(1).Value)
	}
	if v := s.Pop(); v.Value != Str {
		t.Errorf("Pop() = %s, want str", v.Value)
	}
	if s.StackAt(0).Value != Int {
		t.Errorf("StackAt(0) = %s, want int", s.StackAt(0).Value)
	}
}

func TestStateCloneIsIndependent(t *testing.T) {
	s := NewState(1, 0)
	s.Push(NewValue(Int, 0))

	c := s.Clone()
	c.Pop()
	c.Push(NewValue(Str, 7))
	c.ReplaceLocal(0, AssignedLocal(NewValue(Bool, 9)))

	if s.StackAt(0).Value != Int {
		t.Errorf("clone write leaked into original stack: %s", s.StackAt(0).Value)
	}
	if s.Local(0).Value.Value != Undefined {
		t.Errorf("clone write leaked into original locals: %v", s.Local(0))
	}
}
