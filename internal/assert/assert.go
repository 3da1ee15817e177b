// Package assert provides the invariant-checking discipline used across the
// engine: conditions that must hold in correct code panic loudly instead of
// being silently tolerated.
package assert

import "fmt"

// Assert panics with a formatted message if cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// NoError panics if err is non-nil. Reserved for errors that indicate
// corruption of an invariant the caller was responsible for upholding, not
// for ordinary failures callers should handle.
func NoError(err error) {
	if err != nil {
		panic(err)
	}
}
