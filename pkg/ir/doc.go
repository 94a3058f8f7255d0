// Package ir defines the typed intermediate representation emitted by the
// Tern optimizing compiler and consumed by the backend code generator.
//
// The IR is a stack machine like the source bytecode, but with the
// dynamism compiled out: every slot is either a boxed object reference or
// an unboxed scalar, reference-count transfers are explicit INCREF/DECREF
// instructions, and dynamic operations are calls to runtime helpers
// identified by token.
//
// The Emitter is a label-based assembler: branches may reference labels
// before they are bound, displacements are patched when the label is
// marked, and the shortest branch encoding that covers the displacement is
// chosen for backward branches. Local slots are allocated with a per-kind
// LIFO free list so released slots are reused before new ones are created.
//
// The package is a pure IR builder: it knows nothing about the source
// bytecode or the analysis that drives emission.
package ir
