// Package absint is the analysis and lowering core of the Tern optimizing
// compiler. It interprets a function's bytecode abstractly, propagating
// type and definite-assignment facts over the control-flow graph to a
// fixed point, then replays the code once more to emit typed IR.
//
// The analysis drives three optimizations: arithmetic and comparisons on
// values proven int or float compile to unboxed machine operations, local
// loads proven assigned skip their unbound check, and values whose every
// consumer is type-specialized never materialize as objects. Everything
// the analysis cannot prove falls back to boxed objects and generic
// runtime helpers, never to wrong code.
//
// Exception regions lower to a zero-entry-cost scheme: entering a try
// emits no instructions, and every fallible operation instead carries a
// null check that branches to a per-handler trampoline chain which frees
// the live stack and enters the handler. Finally bodies dispatch on a
// recorded completion reason, so a single emitted finally serves normal
// exit, exceptions, return, break, and continue.
package absint
