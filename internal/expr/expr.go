// Package expr implements the sandboxed config-gate expression grammar:
// literals, row-indexing, comparisons, and boolean ops only. No attribute
// access, no calls, no comprehensions, no names other than "row".
// Expressions are validated and compiled once via goja, when the
// orchestrator builds its plugins; dag.Build does not compile them.
package expr

import (
	"fmt"
	"regexp"

	"github.com/dop251/goja"
)

// rejectedPattern flags syntax the grammar forbids even though the
// underlying goja parser would happily accept it: function calls (bare,
// dotted, or empty-paren), member access beyond `row[...]`, and
// comprehension-like constructs have no place in a one-line routing
// predicate. `\w+\s*\(` alone covers any identifier call — global builtins
// like isNaN(...) or parseInt(...) included, not just dotted method calls —
// since nothing in the permitted grammar ever follows an identifier with
// "(": row is only ever indexed with "[...]".
var rejectedPattern = regexp.MustCompile(`\(\s*\)|\bfunction\b|=>|\w+\s*\(|\bfor\b|\bwhile\b|\.\s*[A-Za-z_$]`)

// Expression is a compiled, sandboxed config-gate predicate.
type Expression struct {
	source string
	prog   *goja.Program
}

// Compile validates and compiles source once. It is safe to call Evaluate
// concurrently on the returned Expression from multiple goroutines, each
// using its own goja runtime internally.
func Compile(source string) (*Expression, error) {
	if err := validate(source); err != nil {
		return nil, err
	}
	prog, err := goja.Compile("gate_expr", "("+source+")", true)
	if err != nil {
		return nil, fmt.Errorf("expr: compile %q: %w", source, err)
	}
	return &Expression{source: source, prog: prog}, nil
}

// validate rejects constructs the sandbox grammar does not permit. This is
// a deliberately coarse lexical guard, not a full grammar checker — the
// permitted surface (row-indexing, comparisons, literals, booleans) is
// narrow enough that pattern-rejecting the forbidden surface is sufficient
// and keeps the gate from shipping a bespoke parser.
func validate(source string) error {
	if source == "" {
		return fmt.Errorf("expr: empty condition")
	}
	if rejectedPattern.MatchString(source) {
		return fmt.Errorf("expr: condition %q uses a construct outside the sandboxed grammar (calls, functions, loops, and attribute access are forbidden)", source)
	}
	return nil
}

// Result is the tagged outcome of evaluating a gate expression: either a
// boolean (routed to "true"/"false") or a string (used directly as a route
// label).
type Result struct {
	Bool    *bool
	String  *string
}

// Evaluate runs the compiled expression against row, exposing it as the
// single bound name "row". Any other global the embedding runtime provides
// is inaccessible — a fresh goja.Runtime is used per call specifically so
// no state or prototype pollution can leak between gate evaluations.
func (e *Expression) Evaluate(row map[string]interface{}) (Result, error) {
	vm := goja.New()
	if err := vm.Set("row", row); err != nil {
		return Result{}, fmt.Errorf("expr: bind row: %w", err)
	}
	v, err := vm.RunProgram(e.prog)
	if err != nil {
		return Result{}, fmt.Errorf("expr: evaluate %q: %w", e.source, err)
	}
	switch exported := v.Export().(type) {
	case bool:
		b := exported
		return Result{Bool: &b}, nil
	case string:
		s := exported
		return Result{String: &s}, nil
	default:
		return Result{}, fmt.Errorf("expr: condition %q produced a non-bool, non-string result", e.source)
	}
}
