package backend

import (
	"fmt"
	"sync"

	"github.com/chazu/tern/pkg/ir"
)

// Scope resolves runtime helper tokens for the code generator: tokens map
// to routine addresses when IR calls are lowered, and addresses map back
// to tokens when compiled code is disassembled or patched.
//
// Scopes form an explicit delegation chain rather than a type hierarchy:
// a lookup that misses in one scope is retried in its parents, in order.
type Scope interface {
	ResolveHelper(token ir.HelperToken) (uintptr, bool)
	ResolveToken(addr uintptr) (ir.HelperToken, bool)
}

// ModuleScope is a mutable token table with an ordered parent chain.
// The process-wide runtime scope sits at the root; per-module scopes
// layer user symbols on top of it.
type ModuleScope struct {
	mu      sync.RWMutex
	helpers map[ir.HelperToken]uintptr
	tokens  map[uintptr]ir.HelperToken
	parents []Scope
}

// NewModuleScope creates an empty scope delegating to the given parents,
// searched in order after the scope's own table.
func NewModuleScope(parents ...Scope) *ModuleScope {
	return &ModuleScope{
		helpers: make(map[ir.HelperToken]uintptr),
		tokens:  make(map[uintptr]ir.HelperToken),
		parents: parents,
	}
}

// Register binds a helper token to a routine address in this scope.
// Rebinding a token replaces the previous address.
func (s *ModuleScope) Register(token ir.HelperToken, addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.helpers[token]; ok {
		delete(s.tokens, old)
	}
	s.helpers[token] = addr
	s.tokens[addr] = token
}

// ResolveHelper looks the token up here, then along the parent chain.
func (s *ModuleScope) ResolveHelper(token ir.HelperToken) (uintptr, bool) {
	s.mu.RLock()
	addr, ok := s.helpers[token]
	s.mu.RUnlock()
	if ok {
		return addr, true
	}
	for _, p := range s.parents {
		if addr, ok := p.ResolveHelper(token); ok {
			return addr, true
		}
	}
	return 0, false
}

// ResolveToken looks the address up here, then along the parent chain.
func (s *ModuleScope) ResolveToken(addr uintptr) (ir.HelperToken, bool) {
	s.mu.RLock()
	token, ok := s.tokens[addr]
	s.mu.RUnlock()
	if ok {
		return token, true
	}
	for _, p := range s.parents {
		if token, ok := p.ResolveToken(addr); ok {
			return token, true
		}
	}
	return 0, false
}

// Verify checks that every helper token the IR can emit resolves in this
// scope chain. Backends call it once at start-up so missing runtime
// symbols surface before any method is compiled.
func (s *ModuleScope) Verify() error {
	for t := ir.HelperToken(0); int(t) < ir.HelperTokenCount(); t++ {
		if _, ok := s.ResolveHelper(t); !ok {
			return fmt.Errorf("backend: helper %s is unresolved", t)
		}
	}
	return nil
}
