package ir

import "fmt"

// HelperToken identifies a runtime helper routine callable via OpCallHelper.
// Tokens are resolved to addresses by the backend through a symbol scope
// chain; the IR never embeds raw addresses.
//
// Helpers follow the runtime's ownership convention: object arguments are
// consumed (the helper steals the reference) and object results are new
// references. Helpers that can fail return null and leave a pending
// exception in the thread state; the compiler emits an error check after
// every such call.
type HelperToken uint16

const (
	// Generic binary operators: pop two objects, push result or null.
	HelperAdd HelperToken = iota
	HelperSub
	HelperMul
	HelperDiv
	HelperMod

	// Generic unary operators.
	HelperNeg // Pop object, push negation or null
	HelperNot // Pop object, push boolean object or null

	// Comparisons: pop two objects, push boolean object or null.
	HelperCmpLt
	HelperCmpLe
	HelperCmpEq
	HelperCmpNe
	HelperCmpGt
	HelperCmpGe

	// HelperIsTrue pops an object and pushes its truth value as an
	// unboxed int: 1, 0, or -1 on error.
	HelperIsTrue

	// Calls: HelperCall pops an unboxed arg count n, then n argument
	// objects and the callable; pushes the result or null.
	HelperCall

	// Globals: HelperLoadGlobal pops an unboxed name-table index and
	// pushes the bound value or null.
	HelperLoadGlobal

	// Containers: pop an unboxed element count n, then the elements
	// (2n for maps); push the new container or null.
	HelperBuildList
	HelperBuildTuple
	HelperBuildMap

	// Iteration: HelperGetIter pops an object and pushes an iterator or
	// null. HelperIterNext pops an iterator reference (borrowed via DUP)
	// and pushes the next item, or null when the iterator is exhausted.
	HelperGetIter
	HelperIterNext

	// Exceptions. HelperRaise pops the exception object and records it as
	// the pending exception, extending its traceback. HelperReRaise pops
	// an exception object and reinstates it as pending without touching
	// the traceback. HelperSaveExc pushes the
	// previous handled-exception triple (type, value, traceback) so the
	// compiler can spill it to locals. HelperRestoreExc pops a triple and
	// reinstates it. HelperFetchExc pushes the pending exception object
	// and clears the pending state.
	HelperRaise
	HelperReRaise
	HelperSaveExc
	HelperRestoreExc
	HelperFetchExc

	// HelperUnboundLocal pops an unboxed variable-name index and records
	// an unbound-local error as the pending exception.
	HelperUnboundLocal

	helperTokenCount // must be last
)

// HelperInfo describes a helper's name and stack effect.
// Pops of -1 means the effect depends on a count argument.
type HelperInfo struct {
	Name    string
	Pops    int
	Pushes  int
	CanFail bool // Pushes null / sets pending exception on failure
}

var helperInfoTable = [helperTokenCount]HelperInfo{
	HelperAdd: {"tern_add", 2, 1, true},
	HelperSub: {"tern_sub", 2, 1, true},
	HelperMul: {"tern_mul", 2, 1, true},
	HelperDiv: {"tern_div", 2, 1, true},
	HelperMod: {"tern_mod", 2, 1, true},

	HelperNeg: {"tern_neg", 1, 1, true},
	HelperNot: {"tern_not", 1, 1, true},

	HelperCmpLt: {"tern_cmp_lt", 2, 1, true},
	HelperCmpLe: {"tern_cmp_le", 2, 1, true},
	HelperCmpEq: {"tern_cmp_eq", 2, 1, true},
	HelperCmpNe: {"tern_cmp_ne", 2, 1, true},
	HelperCmpGt: {"tern_cmp_gt", 2, 1, true},
	HelperCmpGe: {"tern_cmp_ge", 2, 1, true},

	HelperIsTrue: {"tern_is_true", 1, 1, true},

	HelperCall: {"tern_call", -1, 1, true},

	HelperLoadGlobal: {"tern_load_global", 1, 1, true},

	HelperBuildList:  {"tern_build_list", -1, 1, true},
	HelperBuildTuple: {"tern_build_tuple", -1, 1, true},
	HelperBuildMap:   {"tern_build_map", -1, 1, true},

	HelperGetIter:  {"tern_get_iter", 1, 1, true},
	HelperIterNext: {"tern_iter_next", 1, 1, false},

	HelperRaise:      {"tern_raise", 1, 0, false},
	HelperReRaise:    {"tern_reraise", 1, 0, false},
	HelperSaveExc:    {"tern_save_exc", 0, 3, false},
	HelperRestoreExc: {"tern_restore_exc", 3, 0, false},
	HelperFetchExc:   {"tern_fetch_exc", 0, 1, false},

	HelperUnboundLocal: {"tern_unbound_local", 1, 0, false},
}

// GetHelperInfo returns metadata for a helper token.
func GetHelperInfo(t HelperToken) HelperInfo {
	if int(t) < len(helperInfoTable) {
		return helperInfoTable[t]
	}
	return HelperInfo{Name: fmt.Sprintf("helper(%d)", uint16(t))}
}

// String returns the helper's runtime symbol name.
func (t HelperToken) String() string {
	return GetHelperInfo(t).Name
}

// HelperForCmp maps a comparison predicate to its generic helper.
func HelperForCmp(p CmpPred) HelperToken {
	return HelperCmpLt + HelperToken(p)
}

// HelperTokenCount returns the number of defined helper tokens.
func HelperTokenCount() int {
	return int(helperTokenCount)
}
