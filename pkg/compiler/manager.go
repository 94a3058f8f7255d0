package compiler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/tern/pkg/absint"
	"github.com/chazu/tern/pkg/backend"
	"github.com/chazu/tern/pkg/bytecode"
)

// ManagerStats holds adaptive compilation statistics.
type ManagerStats struct {
	FunctionsCompiled uint64
	CompileFailures   uint64
	Fallbacks         uint64
	CompileTime       time.Duration
	QueueDepth        int
}

// Manager is the adaptive compilation pipeline: it watches the profiler
// for functions crossing the hot threshold, compiles them on a background
// goroutine, and publishes entry points for the dispatch loop to pick up.
// Functions the analysis cannot handle, and functions the backend
// declines, are pinned to the interpreter tier and never retried.
type Manager struct {
	compiler *Compiler
	profiler *Profiler

	// Enabled gates background compilation. When false, hot functions
	// stay on the interpreter tier.
	Enabled bool

	// LogCompilation logs each compilation at info instead of debug.
	LogCompilation bool

	pending chan *bytecode.Function
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.RWMutex
	compiled map[string]*Compiled
	seen     map[string]bool

	functionsCompiled uint64
	compileFailures   uint64
	fallbacks         uint64
	compileTimeNanos  uint64

	log commonlog.Logger
}

// NewManager wires a manager from the given configuration. The profiler's
// hot callback feeds the compile queue.
func NewManager(cfg *Config, c *Compiler) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{
		compiler:       c,
		profiler:       NewProfiler(),
		Enabled:        cfg.JIT.Enabled,
		LogCompilation: cfg.JIT.LogCompilation,
		pending:        make(chan *bytecode.Function, cfg.JIT.QueueSize),
		done:           make(chan struct{}),
		compiled:       make(map[string]*Compiled),
		seen:           make(map[string]bool),
		log:            commonlog.GetLogger("tern.manager"),
	}
	m.profiler.HotThreshold = cfg.JIT.HotThreshold
	m.profiler.OnHot = m.enqueue

	m.wg.Add(1)
	go m.worker()
	return m
}

// Profiler returns the manager's invocation profiler. The dispatch loop
// calls RecordInvocation on it at every function entry.
func (m *Manager) Profiler() *Profiler {
	return m.profiler
}

// EntryFor returns the compiled entry point for a function, if one has
// been published.
func (m *Manager) EntryFor(fn *bytecode.Function) (uintptr, bool) {
	key, err := FunctionKey(fn)
	if err != nil {
		return 0, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.compiled[key]; ok {
		return c.Entry, true
	}
	return 0, false
}

// enqueue submits a hot function for background compilation. Functions
// already queued or compiled are skipped; a full queue drops the request,
// which the profiler will not re-raise.
func (m *Manager) enqueue(fn *bytecode.Function) {
	if !m.Enabled {
		return
	}
	key, err := FunctionKey(fn)
	if err != nil {
		return
	}

	m.mu.Lock()
	if m.seen[key] {
		m.mu.Unlock()
		return
	}
	m.seen[key] = true
	m.mu.Unlock()

	select {
	case m.pending <- fn:
	default:
		m.log.Debugf("compile queue full, dropping %s", fn.Name)
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.pending:
			m.compileOne(fn)
		}
	}
}

func (m *Manager) compileOne(fn *bytecode.Function) {
	start := time.Now()
	compiled, err := m.compiler.Compile(fn)
	elapsed := time.Since(start)
	atomic.AddUint64(&m.compileTimeNanos, uint64(elapsed.Nanoseconds()))

	if err != nil {
		if errors.Is(err, absint.ErrUnsupported) || errors.Is(err, backend.ErrBackendRejected) {
			atomic.AddUint64(&m.fallbacks, 1)
			m.log.Debugf("%s stays on interpreter tier: %s", fn.Name, err.Error())
			return
		}
		atomic.AddUint64(&m.compileFailures, 1)
		m.log.Errorf("compiling %s: %s", fn.Name, err.Error())
		return
	}

	key, err := FunctionKey(fn)
	if err != nil {
		atomic.AddUint64(&m.compileFailures, 1)
		return
	}

	m.mu.Lock()
	m.compiled[key] = compiled
	m.mu.Unlock()

	atomic.AddUint64(&m.functionsCompiled, 1)
	if m.LogCompilation {
		m.log.Infof("compiled %s in %s", fn.Name, elapsed)
	} else {
		m.log.Debugf("compiled %s in %s", fn.Name, elapsed)
	}
}

// Stats returns a snapshot of compilation statistics.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		FunctionsCompiled: atomic.LoadUint64(&m.functionsCompiled),
		CompileFailures:   atomic.LoadUint64(&m.compileFailures),
		Fallbacks:         atomic.LoadUint64(&m.fallbacks),
		CompileTime:       time.Duration(atomic.LoadUint64(&m.compileTimeNanos)),
		QueueDepth:        len(m.pending),
	}
}

// Drain blocks until the compile queue is empty and the in-flight
// compilation, if any, has been published. Intended for tests.
func (m *Manager) Drain() {
	for {
		if len(m.pending) == 0 {
			m.mu.RLock()
			idle := len(m.compiled)+int(atomic.LoadUint64(&m.compileFailures))+int(atomic.LoadUint64(&m.fallbacks)) >= len(m.seen)
			m.mu.RUnlock()
			if idle {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// Stop shuts down the background worker. Pending functions are dropped.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
}

// Reset clears published entry points and profiling data. The dedup set
// is cleared too, so previously compiled functions can become hot again.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.compiled = make(map[string]*Compiled)
	m.seen = make(map[string]bool)
	m.mu.Unlock()

	m.profiler.Reset()
	atomic.StoreUint64(&m.functionsCompiled, 0)
	atomic.StoreUint64(&m.compileFailures, 0)
	atomic.StoreUint64(&m.fallbacks, 0)
	atomic.StoreUint64(&m.compileTimeNanos, 0)
}
