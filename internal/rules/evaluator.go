// Package rules interprets workflow rule trees.
//
// A rule tree is plain JSON-shaped data. An operator node is a single-key
// object {"op": [operands...]}; a bare operand is accepted in place of a
// one-element list. Every other object is an object literal whose values are
// evaluated, except "config", which is always passed through verbatim even
// when its keys look like operators. Lists evaluate element-wise; scalars are
// literals.
//
//	{"if": [
//	  {"and": [{">": [{"var": "orderAmount"}, 10000]},
//	           {"==": [{"var": "userKycStatus"}, "APPROVED"]}]},
//	  {"action": "FLAG_FOR_REVIEW", "config": {}},
//	  null
//	]}
package rules

import (
	"context"
	"fmt"

	"github.com/rendis/ruleflow/internal/expressions"
)

// MaxContainerNesting bounds how deep any walk descends through lists and
// objects, operator or not. It protects the walkers against self-referencing
// Go values that JSON can never produce.
const MaxContainerNesting = 256

// Evaluator is a pure interpreter for rule trees. It holds no mutable state
// and is safe for concurrent use.
type Evaluator struct {
	exprs *expressions.Set
}

// New creates an Evaluator. exprs may be nil, in which case the embedded
// expression operators (expr, cel, jq) are unknown.
func New(exprs *expressions.Set) *Evaluator {
	return &Evaluator{exprs: exprs}
}

// IsOperator reports whether name is an operator this evaluator understands.
func (e *Evaluator) IsOperator(name string) bool {
	if _, ok := operators[name]; ok {
		return true
	}
	_, ok := e.exprs.Get(name)
	return ok
}

// Evaluate interprets tree against data. It never mutates either argument and
// checks ctx before visiting each node, so a cancelled evaluation stops at
// the next node.
func (e *Evaluator) Evaluate(ctx context.Context, tree any, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	r := &run{ctx: ctx, ev: e, data: data}
	return r.eval(tree, "", 0)
}

// run carries the per-evaluation state through the recursive walk.
type run struct {
	ctx  context.Context
	ev   *Evaluator
	data map[string]any
}

func (r *run) eval(node any, path string, level int) (any, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	if level > MaxContainerNesting {
		return nil, structuralErrorf(pathOrRoot(path), "", "tree nesting exceeds %d levels", MaxContainerNesting)
	}

	switch n := node.(type) {
	case map[string]any:
		if op, raw, ok := singleKey(n); ok {
			if r.ev.IsOperator(op) {
				return r.apply(op, raw, path+"/"+op, level)
			}
			if op != "action" {
				return nil, structuralErrorf(pathOrRoot(path), op, "unknown operator %q", op)
			}
		}
		return r.object(n, path, level)
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			v, err := r.eval(item, fmt.Sprintf("%s/%d", path, i), level+1)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return node, nil
	}
}

// object evaluates an object literal into a fresh map.
func (r *run) object(n map[string]any, path string, level int) (any, error) {
	out := make(map[string]any, len(n))
	for k, v := range n {
		if k == "config" {
			out[k] = v
			continue
		}
		val, err := r.eval(v, path+"/"+k, level+1)
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

// apply dispatches an operator node.
func (r *run) apply(op string, raw any, path string, level int) (any, error) {
	args := operands(raw)

	if engine, ok := r.ev.exprs.Get(op); ok {
		if _, builtin := operators[op]; !builtin {
			return r.expression(engine, args, path)
		}
	}

	spec := operators[op]
	if err := spec.checkArity(op, len(args), path); err != nil {
		return nil, err
	}

	if spec.lazy {
		return spec.fn(r, args, path, level)
	}

	evaluated := make([]any, len(args))
	for i, a := range args {
		v, err := r.eval(a, fmt.Sprintf("%s/%d", path, i), level+1)
		if err != nil {
			return nil, err
		}
		evaluated[i] = v
	}
	return spec.fn(r, evaluated, path, level)
}

func (r *run) expression(engine expressions.Engine, args []any, path string) (any, error) {
	if len(args) != 1 {
		return nil, structuralErrorf(path, engine.Name(), "expects exactly 1 operand, got %d", len(args))
	}
	src, ok := args[0].(string)
	if !ok {
		return nil, structuralErrorf(path, engine.Name(), "expression must be a string, got %s", typeName(args[0]))
	}
	out, err := engine.Evaluate(r.ctx, src, r.data)
	if err != nil {
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Path: path, Op: engine.Name(), Message: err.Error(), Cause: err}
	}
	return out, nil
}

// singleKey returns the only key of m and its value.
func singleKey(m map[string]any) (string, any, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		return k, v, true
	}
	return "", nil, false
}

// operands normalizes an operator's raw value into its operand list.
func operands(raw any) []any {
	if list, ok := raw.([]any); ok {
		return list
	}
	return []any{raw}
}

func pathOrRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
