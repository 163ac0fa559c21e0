// Package exprs implements a small arithmetic evaluator: logging profiles
// describe parameter conversions as arithmetic
// strings over a fixed variable set {x, y} (e.g. "x*0.25"). Rather than
// hand-roll a parser, this evaluates the expression in a sandboxed embedded
// Lua state with x and y bound as globals — Lua arithmetic syntax is a
// strict superset of the conversions seen in practice, and the interpreter
// is already in the dependency pack.
//
// This is deliberately not a general-purpose scripting runtime: Eval
// opens a fresh, minimal state per call, sets only x and y, and reads back
// a single numeric result.
package exprs

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Evaluator evaluates a fixed arithmetic expression against x/y bindings.
type Evaluator struct {
	expression string
}

// New compiles nothing up front; Lua expressions are cheap enough to parse
// per-call, and a logging profile may evaluate its conversion thousands of
// times over a long log session with different x each time.
func New(expression string) *Evaluator {
	return &Evaluator{expression: expression}
}

// Eval computes the expression's value for the given x and y.
func (e *Evaluator) Eval(x, y float64) (float64, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	// Only base arithmetic is needed; skip opening io/os/package libs so a
	// malformed or malicious conversion string cannot touch the host.
	L.SetGlobal("x", lua.LNumber(x))
	L.SetGlobal("y", lua.LNumber(y))

	if err := L.DoString("__result = (" + e.expression + ")"); err != nil {
		return 0, fmt.Errorf("exprs: evaluating %q: %w", e.expression, err)
	}

	result := L.GetGlobal("__result")
	num, ok := result.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("exprs: expression %q did not evaluate to a number, got %s", e.expression, result.Type())
	}
	return float64(num), nil
}

// String returns the original expression text.
func (e *Evaluator) String() string { return e.expression }
