package absint

import "fmt"

// LocalInfo is the abstract state of one local variable slot. The slot is
// in one of three observable states:
//
//	definitely assigned:   Value != Undefined, MaybeUndefined == false
//	maybe unassigned:      Value != Undefined, MaybeUndefined == true
//	definitely unassigned: Value == Undefined, MaybeUndefined == true
//
// The fourth combination, Undefined with MaybeUndefined false, asserts
// that a slot both has no value and is definitely assigned; it can only be
// produced by a compiler bug and check rejects it.
type LocalInfo struct {
	Value          ValueWithSources
	MaybeUndefined bool
}

// UnassignedLocal returns the state of a slot before any store.
func UnassignedLocal() LocalInfo {
	return LocalInfo{
		Value:          ValueWithSources{Value: Undefined},
		MaybeUndefined: true,
	}
}

// AssignedLocal returns the state of a slot immediately after a store.
func AssignedLocal(v ValueWithSources) LocalInfo {
	return LocalInfo{Value: v}
}

// MergeWith joins two slot states: values merge on the lattice and the
// slot is maybe-undefined if it is on either incoming path.
func (l LocalInfo) MergeWith(other LocalInfo) LocalInfo {
	return LocalInfo{
		Value:          l.Value.MergeWith(other.Value),
		MaybeUndefined: l.MaybeUndefined || other.MaybeUndefined,
	}
}

// Equal reports whether two slot states match exactly.
func (l LocalInfo) Equal(other LocalInfo) bool {
	return l.MaybeUndefined == other.MaybeUndefined && l.Value.Equal(other.Value)
}

// check rejects the contradictory undefined-but-assigned combination.
func (l LocalInfo) check(slot int) error {
	if l.Value.Value == Undefined && !l.MaybeUndefined {
		return invariantf("local slot %d is undefined but marked definitely assigned", slot)
	}
	return nil
}

// String renders the slot state for diagnostic dumps.
func (l LocalInfo) String() string {
	if l.Value.Value == Undefined {
		return "unassigned"
	}
	if l.MaybeUndefined {
		return l.Value.String() + "?"
	}
	return l.Value.String()
}

// localsCell is the shared storage behind LocalsVector. Straight-line
// interpretation rarely touches locals, so successive states along a run
// share one cell and copy only on the first write after a share.
type localsCell struct {
	items  []LocalInfo
	shared bool
}

// LocalsVector is a copy-on-write vector of local slot states.
type LocalsVector struct {
	cell *localsCell
}

// NewLocalsVector returns a vector of n unassigned slots.
func NewLocalsVector(n int) LocalsVector {
	items := make([]LocalInfo, n)
	for i := range items {
		items[i] = UnassignedLocal()
	}
	return LocalsVector{cell: &localsCell{items: items}}
}

// Len returns the number of slots.
func (v LocalsVector) Len() int { return len(v.cell.items) }

// Get returns the state of a slot.
func (v LocalsVector) Get(slot int) LocalInfo { return v.cell.items[slot] }

// Replace sets the state of a slot, copying the storage first if it is
// shared with another state. A write of an identical value is a no-op, so
// redundant stores never force a copy.
func (v *LocalsVector) Replace(slot int, info LocalInfo) {
	if v.cell.items[slot].Equal(info) {
		return
	}
	if v.cell.shared {
		items := make([]LocalInfo, len(v.cell.items))
		copy(items, v.cell.items)
		v.cell = &localsCell{items: items}
	}
	v.cell.items[slot] = info
}

// Share returns a view of the same storage; both views copy on their next
// write.
func (v LocalsVector) Share() LocalsVector {
	v.cell.shared = true
	return LocalsVector{cell: v.cell}
}

// Equal reports whether two vectors hold identical slot states.
func (v LocalsVector) Equal(other LocalsVector) bool {
	if v.cell == other.cell {
		return true
	}
	if len(v.cell.items) != len(other.cell.items) {
		return false
	}
	for i := range v.cell.items {
		if !v.cell.items[i].Equal(other.cell.items[i]) {
			return false
		}
	}
	return true
}

// State is the abstract machine state flowing into one bytecode offset:
// the operand stack of values-with-sources and the local slot vector.
type State struct {
	stack  []ValueWithSources
	locals LocalsVector
}

// NewState returns the state at function entry: empty stack, params
// assigned, remaining locals unassigned.
func NewState(localCount, paramCount int) *State {
	s := &State{locals: NewLocalsVector(localCount)}
	for i := 0; i < paramCount && i < localCount; i++ {
		s.locals.Replace(i, AssignedLocal(ValueWithSources{Value: Any}))
	}
	return s
}

// Clone returns an independent state: the stack is copied, the locals
// share storage copy-on-write.
func (s *State) Clone() *State {
	stack := make([]ValueWithSources, len(s.stack))
	copy(stack, s.stack)
	return &State{stack: stack, locals: s.locals.Share()}
}

// Push adds a value to the abstract stack.
func (s *State) Push(v ValueWithSources) {
	s.stack = append(s.stack, v)
}

// Pop removes and returns the top of the abstract stack.
func (s *State) Pop() ValueWithSources {
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v
}

// Peek returns the n-th value from the top without popping; Peek(0) is the
// top of stack.
func (s *State) Peek(n int) ValueWithSources {
	return s.stack[len(s.stack)-1-n]
}

// SetTop replaces the n-th value from the top.
func (s *State) SetTop(n int, v ValueWithSources) {
	s.stack[len(s.stack)-1-n] = v
}

// StackDepth returns the number of values on the abstract stack.
func (s *State) StackDepth() int { return len(s.stack) }

// StackAt returns the value at absolute depth i, 0 being the bottom.
func (s *State) StackAt(i int) ValueWithSources { return s.stack[i] }

// Local returns the state of a local slot.
func (s *State) Local(slot int) LocalInfo { return s.locals.Get(slot) }

// ReplaceLocal sets the state of a local slot.
func (s *State) ReplaceLocal(slot int, info LocalInfo) {
	s.locals.Replace(slot, info)
}

// LocalCount returns the number of local slots.
func (s *State) LocalCount() int { return s.locals.Len() }

// String renders the state for diagnostic dumps.
func (s *State) String() string {
	out := "stack=["
	for i, v := range s.stack {
		if i > 0 {
			out += " "
		}
		out += v.String()
	}
	out += "]"
	return fmt.Sprintf("%s depth=%d", out, len(s.stack))
}
