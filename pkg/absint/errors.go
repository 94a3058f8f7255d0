package absint

import (
	"errors"
	"fmt"
)

// ErrInvariant indicates a bug in the compiler itself: a stack-shape
// mismatch at a merge point, a label bound twice, a local freed twice, or
// an undefined value marked defined. Compilation of the affected function
// is abandoned; the process is never taken down.
var ErrInvariant = errors.New("compiler invariant violated")

// ErrUnsupported indicates a bytecode shape the analysis deliberately
// does not handle. The function is rejected for optimized compilation and
// the caller is expected to fall back to the interpreter tier, which
// remains correct for all inputs.
var ErrUnsupported = errors.New("unsupported bytecode construct")

func invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

func unsupportedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}
