// Package compiler orchestrates Tern's optimizing tier: profiling to find
// hot functions, analysis and lowering through absint, persistent caching
// of lowered programs, and handoff to the backend code generator.
//
// The package owns compilation policy only; everything about how a
// function is analyzed and lowered lives in absint, and everything about
// machine code lives behind the backend bridge.
package compiler
