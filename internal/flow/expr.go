package flow

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine wraps expr-lang with a compiled-program cache. It evaluates
// `expression` conditions and the expression form of template placeholders.
// Missing variables evaluate to nil rather than failing compilation, so a
// half-filled context never crashes a turn.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates an expression engine with an empty program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// dottedIndexRe rewrites dotted numeric list indices ("cart_items.0.name")
// into bracketed form ("cart_items[0].name") accepted by expr-lang.
var dottedIndexRe = regexp.MustCompile(`\.(\d+)`)

// Eval compiles (if needed) and runs an expression against the environment.
func (e *ExprEngine) Eval(expression string, env map[string]any) (any, error) {
	program, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("run expression %q: %w", expression, err)
	}
	return out, nil
}

// EvalBool evaluates an expression and coerces the result to a boolean via
// the same truthiness rules the template renderer uses.
func (e *ExprEngine) EvalBool(expression string, env map[string]any) (bool, error) {
	out, err := e.Eval(expression, env)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return Truthy(out), nil
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok := e.cache[expression]; ok {
		return program, nil
	}

	normalized := dottedIndexRe.ReplaceAllString(expression, "[$1]")
	program, err := expr.Compile(normalized, expr.AllowUndefinedVariables())
	if err != nil {
		slog.Error("ExprEngine compile failed", "expression", expression, "error", err)
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}
	e.cache[expression] = program
	slog.Debug("ExprEngine compiled and cached expression", "expression", expression, "cache_size", len(e.cache))
	return program, nil
}

// pathExprRe matches bare dotted paths that can be resolved with a direct
// context lookup instead of a full expression evaluation.
var pathExprRe = regexp.MustCompile(`^[A-Za-z_][\w]*(\.[\w]+)*$`)

// IsBarePath reports whether an expression is a plain dotted path.
func IsBarePath(expression string) bool {
	return pathExprRe.MatchString(strings.TrimSpace(expression))
}
