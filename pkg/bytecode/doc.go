// Package bytecode defines the decoded instruction stream that the Tern
// optimizing compiler consumes: a stack-based instruction set with typed
// constants, named local slots, and structured loop/try/finally regions.
//
// The format is designed for:
//   - Compact representation (1-3 bytes per instruction)
//   - Fast decoding (fixed-width opcodes, simple operand formats)
//   - Easy serialization (CBOR wire format for tooling and caching)
//
// Components:
//
//   - Opcodes: ~40 stack-based instructions covering arithmetic, control
//     flow, variable access, calls, containers, iteration, and structured
//     exception regions. A read-only metadata table describes each
//     opcode's name, stack effect, and operand width.
//
//   - Function: a fully decoded function (code, constant pool, variable
//     names, local/param counts), immutable for the duration of a
//     compilation and safe to share across concurrent compilations.
//
//   - Assembler: an incremental builder with jump patching, used by front
//     ends and by compiler tests to construct functions.
//
// All jump and region operands are absolute code offsets. Regions are
// strictly nested: SETUP_LOOP/SETUP_EXCEPT/SETUP_FINALLY push a lexical
// block and POP_BLOCK pops it, mirroring the source program's nesting.
//
// This package performs no analysis; pkg/absint interprets the stream
// abstractly and pkg/ir receives the lowered result.
package bytecode
