// Package backend defines the contract between the Tern optimizing
// compiler and the external code generator that turns emitted IR into
// executable machine code.
//
// The bridge is deliberately narrow: the compiler hands over an encoded
// instruction buffer with its stack and local bounds plus a method
// signature, and receives either a callable entry point or a failure. No
// analysis happens on this boundary, which keeps the compiler testable
// against a recording stub.
package backend

import (
	"errors"
	"sync"

	"github.com/chazu/tern/pkg/ir"
)

// ErrBackendRejected indicates the code generator declined to compile the
// method (for example, its own resource limits were hit). The function is
// not malformed; callers fall back to the interpreter tier without retry.
var ErrBackendRejected = errors.New("backend rejected method")

// Signature describes a compiled method's calling convention.
type Signature struct {
	Params []ir.Kind
	Return ir.Kind
}

// Request is everything the code generator needs to compile one method.
type Request struct {
	Name          string    `cbor:"1,keyasint"`
	Code          []byte    `cbor:"2,keyasint"`
	MaxStackDepth int       `cbor:"3,keyasint"`
	LocalKinds    []ir.Kind `cbor:"4,keyasint"`
	ParamKinds    []ir.Kind `cbor:"5,keyasint"`
	ReturnKind    ir.Kind   `cbor:"6,keyasint"`
}

// LocalCount returns the number of local slots the method needs.
func (r *Request) LocalCount() int {
	return len(r.LocalKinds)
}

// Result is the code generator's answer: a callable entry point on
// success, or OK=false when the backend declined.
type Result struct {
	OK    bool
	Entry uintptr
}

// Backend is the external compilation service. CompileMethod is
// synchronous; the caller owns the request and must not mutate it until
// the call returns. Implementations must be safe for concurrent use by
// independent compilations.
type Backend interface {
	CompileMethod(req *Request, scope Scope) (Result, error)
}

// RecordingBackend is a test double that accepts every request, records
// it, and hands out distinct fake entry points.
type RecordingBackend struct {
	mu       sync.Mutex
	requests []*Request
	next     uintptr

	// Reject, when set, makes every CompileMethod report a backend
	// rejection instead of succeeding.
	Reject bool
}

// NewRecordingBackend creates an empty recording backend.
func NewRecordingBackend() *RecordingBackend {
	return &RecordingBackend{next: 0x1000}
}

// CompileMethod records the request and returns a fake entry point.
func (b *RecordingBackend) CompileMethod(req *Request, scope Scope) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Reject {
		return Result{}, ErrBackendRejected
	}

	b.requests = append(b.requests, req)
	entry := b.next
	b.next += 0x10
	return Result{OK: true, Entry: entry}, nil
}

// Requests returns the requests seen so far, oldest first.
func (b *RecordingBackend) Requests() []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Request, len(b.requests))
	copy(out, b.requests)
	return out
}
