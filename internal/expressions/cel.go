package expressions

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/rendis/ruleflow/pkg/schema"
)

// celInterruptFrequency is how many comprehension iterations CEL runs between
// checks of the evaluation context.
const celInterruptFrequency = 100

var (
	nativeMapType  = reflect.TypeOf(map[string]any{})
	nativeListType = reflect.TypeOf([]any{})
)

// CELEngine implements the Engine interface using Google's Common Expression Language.
// The rule context is bound to the single variable `context`:
//
//	context.orderAmount > 10000.0 && context.userKycStatus == "APPROVED"
//
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Compile checks that expression compiles, caching the program.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs a CEL expression with the rule context bound to `context`.
// Long comprehensions stop when ctx is cancelled.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{"context": data})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeLogic,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return celToNative(out)
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeLogic, "empty CEL expression")
	}

	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeLogic,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(celInterruptFrequency))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeLogic,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// celToNative unwraps CEL maps and lists into plain Go values so the rule
// evaluator can treat them like JSON.
func celToNative(v ref.Val) (any, error) {
	switch v.(type) {
	case traits.Mapper:
		return v.ConvertToNative(nativeMapType)
	case traits.Lister:
		return v.ConvertToNative(nativeListType)
	default:
		return v.Value(), nil
	}
}

var _ Engine = (*CELEngine)(nil)
