package rpcobject

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// DefaultBypassExpression is the lock-bypass rule every manager uses
// unless overridden: lock/unlock/force-unlock/is-locked plus the
// built-in introspection calls.
const DefaultBypassExpression = `method in ["lock", "unlock", "force_unlock", "is_locked", "get_methods", "get_signals"]`

const bypassEvalTimeout = 100 * time.Millisecond

// bypassEvaluator decides whether a method name is exempt from the
// object lock, evaluated via a CEL expression over a single `method`
// variable, compiled once at registration.
type bypassEvaluator struct {
	prg cel.Program
}

func newBypassEvaluator(expression string) (*bypassEvaluator, error) {
	env, err := cel.NewEnv(cel.Variable("method", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("rpcobject: cel environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rpcobject: compiling bypass expression %q: %w", expression, issues.Err())
	}
	prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return nil, fmt.Errorf("rpcobject: bypass program: %w", err)
	}
	return &bypassEvaluator{prg: prg}, nil
}

func (b *bypassEvaluator) bypasses(method string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), bypassEvalTimeout)
	defer cancel()
	out, _, err := b.prg.ContextEval(ctx, map[string]any{"method": method})
	if err != nil {
		return false
	}
	result, ok := out.Value().(bool)
	return ok && result
}
