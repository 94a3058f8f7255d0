package compiler

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/tern/pkg/absint"
	"github.com/chazu/tern/pkg/backend"
	"github.com/chazu/tern/pkg/bytecode"
	"github.com/chazu/tern/pkg/ir"
)

// Compiled is the outcome of compiling one function: the backend entry
// point together with the lowered request that produced it.
type Compiled struct {
	Name    string
	Entry   uintptr
	Request *backend.Request
}

// Compiler turns bytecode functions into compiled methods. It runs the
// analysis and lowering pass, consults the persistent program cache when
// one is attached, and hands the lowered request to the backend.
type Compiler struct {
	backend backend.Backend
	scope   backend.Scope
	store   *Store

	log commonlog.Logger
}

// New creates a compiler targeting the given backend and helper scope.
func New(be backend.Backend, scope backend.Scope) *Compiler {
	return &Compiler{
		backend: be,
		scope:   scope,
		log:     commonlog.GetLogger("tern.compiler"),
	}
}

// SetStore attaches a persistent program cache. Pass nil to detach.
func (c *Compiler) SetStore(store *Store) {
	c.store = store
}

// RequestFromProgram packages a lowered program for the backend. Every
// parameter and the return value cross the call boundary boxed.
func RequestFromProgram(p *absint.Program) *backend.Request {
	params := make([]ir.Kind, p.ParamCount)
	for i := range params {
		params[i] = ir.KindPtr
	}
	return &backend.Request{
		Name:          p.Name,
		Code:          p.Code,
		MaxStackDepth: p.MaxStackDepth,
		LocalKinds:    p.LocalKinds,
		ParamKinds:    params,
		ReturnKind:    ir.KindPtr,
	}
}

// Compile analyzes, lowers, and compiles a function. Lowering is skipped
// on a program cache hit; cache failures degrade to a recompile rather
// than failing the compilation.
func (c *Compiler) Compile(fn *bytecode.Function) (*Compiled, error) {
	req, err := c.lower(fn)
	if err != nil {
		return nil, err
	}

	result, err := c.backend.CompileMethod(req, c.scope)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", fn.Name, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("compiling %s: %w", fn.Name, backend.ErrBackendRejected)
	}

	return &Compiled{Name: fn.Name, Entry: result.Entry, Request: req}, nil
}

func (c *Compiler) lower(fn *bytecode.Function) (*backend.Request, error) {
	if c.store != nil {
		cached, ok, err := c.store.Get(fn)
		if err != nil {
			c.log.Errorf("program cache read failed for %s: %s", fn.Name, err.Error())
		} else if ok {
			c.log.Debugf("program cache hit for %s", fn.Name)
			return cached, nil
		}
	}

	program, err := absint.Compile(fn)
	if err != nil {
		return nil, fmt.Errorf("lowering %s: %w", fn.Name, err)
	}
	req := RequestFromProgram(program)

	if c.store != nil {
		if err := c.store.Put(fn, req); err != nil {
			c.log.Errorf("program cache write failed for %s: %s", fn.Name, err.Error())
		}
	}
	return req, nil
}
