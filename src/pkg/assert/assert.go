package assert

import "fmt"

// Assert panics with the formatted message when cond is false.
// It guards internal invariants only; user-facing failures are errors.
func Assert(cond bool, args ...any) {
	if cond {
		return
	}

	if len(args) == 0 {
		panic("assertion failed")
	}

	format, ok := args[0].(string)
	if !ok {
		panic(fmt.Sprint(append([]any{"assertion failed: "}, args...)...))
	}
	panic(fmt.Sprintf("assertion failed: "+format, args[1:]...))
}
