package compiler

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/tern/pkg/bytecode"
)

// FunctionProfile holds profiling data for a single function.
type FunctionProfile struct {
	InvocationCount uint64 // Atomic counter for invocations
	hot             uint32 // Atomic flag, set once at the threshold
}

// Hot reports whether the function has crossed the threshold.
func (fp *FunctionProfile) Hot() bool {
	return atomic.LoadUint32(&fp.hot) == 1
}

// Profiler counts function invocations to find compilation candidates.
// The interpreter tier calls RecordInvocation on every entry; when a
// function crosses the hot threshold, OnHot fires exactly once for it.
type Profiler struct {
	profiles sync.Map // *bytecode.Function -> *FunctionProfile

	// HotThreshold is the invocation count at which a function becomes a
	// compilation candidate.
	HotThreshold uint64

	// OnHot is called when a function first crosses the threshold.
	OnHot func(fn *bytecode.Function)

	hotCount uint64
}

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

// RecordInvocation increments the invocation count for a function.
// Returns true if this invocation made the function hot.
func (p *Profiler) RecordInvocation(fn *bytecode.Function) bool {
	if fn == nil {
		return false
	}

	val, _ := p.profiles.LoadOrStore(fn, &FunctionProfile{})
	profile := val.(*FunctionProfile)

	// AddUint64 hands each caller a distinct count, so exactly one
	// invocation observes the threshold itself.
	count := atomic.AddUint64(&profile.InvocationCount, 1)
	if count == p.HotThreshold {
		atomic.StoreUint32(&profile.hot, 1)
		atomic.AddUint64(&p.hotCount, 1)
		if p.OnHot != nil {
			p.OnHot(fn)
		}
		return true
	}
	return false
}

// Profile returns the profile for a function, or nil if never invoked.
func (p *Profiler) Profile(fn *bytecode.Function) *FunctionProfile {
	if val, ok := p.profiles.Load(fn); ok {
		return val.(*FunctionProfile)
	}
	return nil
}

// IsHot returns true if the function has crossed the threshold.
func (p *Profiler) IsHot(fn *bytecode.Function) bool {
	profile := p.Profile(fn)
	return profile != nil && profile.Hot()
}

// HotFunctions returns every function that has crossed the threshold.
func (p *Profiler) HotFunctions() []*bytecode.Function {
	var hot []*bytecode.Function
	p.profiles.Range(func(key, value interface{}) bool {
		if value.(*FunctionProfile).Hot() {
			hot = append(hot, key.(*bytecode.Function))
		}
		return true
	})
	return hot
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	TotalFunctions   int
	HotFunctions     int
	TotalInvocations uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(key, value interface{}) bool {
		profile := value.(*FunctionProfile)
		stats.TotalFunctions++
		stats.TotalInvocations += atomic.LoadUint64(&profile.InvocationCount)
		if profile.Hot() {
			stats.HotFunctions++
		}
		return true
	})
	return stats
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles = sync.Map{}
	atomic.StoreUint64(&p.hotCount, 0)
}
