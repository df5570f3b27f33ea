package rules

import (
	"fmt"
	"sort"
)

// Check walks tree without evaluating it and reports every structural
// problem: unknown operators, wrong arity, non-string var paths and
// expressions that do not compile. It returns nil for a well-formed tree.
func (e *Evaluator) Check(tree any) []*Error {
	var errs []*Error
	e.check(tree, "", 0, &errs)
	return errs
}

func (e *Evaluator) check(node any, path string, level int, errs *[]*Error) {
	if level > MaxContainerNesting {
		*errs = append(*errs, structuralErrorf(pathOrRoot(path), "", "tree nesting exceeds %d levels", MaxContainerNesting))
		return
	}

	switch n := node.(type) {
	case map[string]any:
		if op, raw, ok := singleKey(n); ok {
			if e.IsOperator(op) {
				e.checkOperator(op, raw, path+"/"+op, level, errs)
				return
			}
			if op != "action" {
				*errs = append(*errs, structuralErrorf(pathOrRoot(path), op, "unknown operator %q", op))
				return
			}
		}
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == "config" {
				continue
			}
			e.check(n[k], path+"/"+k, level+1, errs)
		}
	case []any:
		for i, item := range n {
			e.check(item, fmt.Sprintf("%s/%d", path, i), level+1, errs)
		}
	}
}

func (e *Evaluator) checkOperator(op string, raw any, path string, level int, errs *[]*Error) {
	args := operands(raw)

	if engine, ok := e.exprs.Get(op); ok {
		if _, builtin := operators[op]; !builtin {
			if len(args) != 1 {
				*errs = append(*errs, structuralErrorf(path, op, "expects exactly 1 operand, got %d", len(args)))
				return
			}
			src, isString := args[0].(string)
			if !isString {
				*errs = append(*errs, structuralErrorf(path, op, "expression must be a string, got %s", typeName(args[0])))
				return
			}
			if err := engine.Compile(src); err != nil {
				*errs = append(*errs, &Error{Path: path, Op: op, Message: err.Error(), Structural: true, Cause: err})
			}
			return
		}
	}

	spec := operators[op]
	if err := spec.checkArity(op, len(args), path); err != nil {
		*errs = append(*errs, err.(*Error))
	}

	if (op == "var" || op == "missing") && len(args) > 0 {
		paths := args[:1]
		if op == "missing" {
			paths = args
		}
		for _, p := range paths {
			if e.isOperatorValue(p) {
				continue
			}
			if _, isList := p.([]any); isList && op == "missing" {
				continue
			}
			if _, ok := pathString(p); !ok {
				*errs = append(*errs, structuralErrorf(path, op, "path must be a string, got %s", typeName(p)))
			}
		}
	}

	for i, a := range args {
		e.check(a, fmt.Sprintf("%s/%d", path, i), level+1, errs)
	}
}

func (e *Evaluator) isOperatorValue(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	op, _, ok := singleKey(m)
	return ok && e.IsOperator(op)
}
