package rules

import (
	"fmt"
	"math"
	"strings"
)

const variadic = -1

type opFunc func(r *run, args []any, path string, level int) (any, error)

// operator describes one built-in operator: its arity bounds and whether it
// receives raw (lazy) or evaluated operands.
type operator struct {
	minArgs int
	maxArgs int
	lazy    bool
	fn      opFunc
}

func (o operator) checkArity(name string, n int, path string) error {
	if n < o.minArgs {
		return structuralErrorf(path, name, "expects at least %d operands, got %d", o.minArgs, n)
	}
	if o.maxArgs != variadic && n > o.maxArgs {
		return structuralErrorf(path, name, "expects at most %d operands, got %d", o.maxArgs, n)
	}
	return nil
}

// Arity returns the operand bounds of a built-in operator. maxArgs is -1 for
// variadic operators.
func Arity(name string) (minArgs, maxArgs int, ok bool) {
	o, ok := operators[name]
	if !ok {
		return 0, 0, false
	}
	return o.minArgs, o.maxArgs, true
}

// operators is populated in init to break the initialization cycle between
// the table and the lazy operators that recurse through run.eval.
var operators map[string]operator

func init() {
	eq := operator{2, 2, false, opEqual}
	neq := operator{2, 2, false, opNotEqual}
	lt := operator{2, 3, false, opOrdered(func(c int) bool { return c < 0 })}
	le := operator{2, 3, false, opOrdered(func(c int) bool { return c <= 0 })}
	gt := operator{2, 2, false, opOrdered(func(c int) bool { return c > 0 })}
	ge := operator{2, 2, false, opOrdered(func(c int) bool { return c >= 0 })}
	not := operator{1, 1, false, opNot}
	cond := operator{2, variadic, true, opIf}

	operators = map[string]operator{
		"var":     {1, 2, false, opVar},
		"missing": {1, variadic, false, opMissing},

		"==": eq, "equal": eq,
		"!=": neq, "notEqual": neq,
		"<": lt, "lessThan": lt,
		"<=": le, "lessOrEqual": le,
		">": gt, "greaterThan": gt,
		">=": ge, "greaterOrEqual": ge,

		"and": {1, variadic, true, opAnd},
		"or":  {1, variadic, true, opOr},
		"!":   not, "not": not,
		"!!":  {1, 1, false, opTruthy},

		"in": {2, 2, false, opIn},

		"if": cond, "?:": cond,

		"+":   {1, variadic, false, opAdd},
		"-":   {1, 2, false, opSubtract},
		"*":   {1, variadic, false, opMultiply},
		"/":   {2, 2, false, opDivide},
		"%":   {2, 2, false, opModulo},
		"min": {1, variadic, false, opMin},
		"max": {1, variadic, false, opMax},

		"cat": {1, variadic, false, opCat},
	}
}

// --- Variable access ---

func opVar(r *run, args []any, path string, _ int) (any, error) {
	p, ok := pathString(args[0])
	if !ok {
		return nil, structuralErrorf(path, "var", "path must be a string, got %s", typeName(args[0]))
	}
	v, found := lookup(r.data, p)
	if (!found || v == nil) && len(args) == 2 {
		return args[1], nil
	}
	return v, nil
}

func opMissing(r *run, args []any, path string, _ int) (any, error) {
	keys := args
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			keys = list
		}
	}
	missing := []any{}
	for _, k := range keys {
		p, ok := pathString(k)
		if !ok {
			return nil, structuralErrorf(path, "missing", "path must be a string, got %s", typeName(k))
		}
		if v, found := lookup(r.data, p); !found || v == nil || v == "" {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

// --- Comparison ---

func opEqual(_ *run, args []any, _ string, _ int) (any, error) {
	return looseEqual(args[0], args[1]), nil
}

func opNotEqual(_ *run, args []any, _ string, _ int) (any, error) {
	return !looseEqual(args[0], args[1]), nil
}

// opOrdered builds an ordering operator. Three operands mean a between-check
// a op b op c. Operands that cannot be ordered compare as false.
func opOrdered(holds func(int) bool) opFunc {
	return func(_ *run, args []any, _ string, _ int) (any, error) {
		for i := 0; i+1 < len(args); i++ {
			c, ok := compareOrdered(args[i], args[i+1])
			if !ok || !holds(c) {
				return false, nil
			}
		}
		return true, nil
	}
}

// --- Boolean ---

func opAnd(r *run, args []any, path string, level int) (any, error) {
	var last any
	for i, a := range args {
		v, err := r.eval(a, fmt.Sprintf("%s/%d", path, i), level+1)
		if err != nil {
			return nil, err
		}
		if !Truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

func opOr(r *run, args []any, path string, level int) (any, error) {
	var last any
	for i, a := range args {
		v, err := r.eval(a, fmt.Sprintf("%s/%d", path, i), level+1)
		if err != nil {
			return nil, err
		}
		if Truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

func opNot(_ *run, args []any, _ string, _ int) (any, error) {
	return !Truthy(args[0]), nil
}

func opTruthy(_ *run, args []any, _ string, _ int) (any, error) {
	return Truthy(args[0]), nil
}

// --- Membership ---

func opIn(_ *run, args []any, path string, _ int) (any, error) {
	needle, haystack := args[0], args[1]
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEqual(needle, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s), nil
	case nil:
		return false, nil
	}
	return nil, runtimeErrorf(path, "in", "cannot test membership in %s", typeName(haystack))
}

// --- Conditional ---

func opIf(r *run, args []any, path string, level int) (any, error) {
	i := 0
	for ; i+1 < len(args); i += 2 {
		c, err := r.eval(args[i], fmt.Sprintf("%s/%d", path, i), level+1)
		if err != nil {
			return nil, err
		}
		if Truthy(c) {
			return r.eval(args[i+1], fmt.Sprintf("%s/%d", path, i+1), level+1)
		}
	}
	if i < len(args) {
		return r.eval(args[i], fmt.Sprintf("%s/%d", path, i), level+1)
	}
	return nil, nil
}

// --- Arithmetic ---

func numbers(op string, args []any, path string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		n, ok := toNumber(a)
		if !ok {
			return nil, runtimeErrorf(path, op, "operand %d is %s, not a number", i, typeName(a))
		}
		out[i] = n
	}
	return out, nil
}

func opAdd(_ *run, args []any, path string, _ int) (any, error) {
	nums, err := numbers("+", args, path)
	if err != nil {
		return nil, err
	}
	var sum float64
	for _, n := range nums {
		sum += n
	}
	return sum, nil
}

func opSubtract(_ *run, args []any, path string, _ int) (any, error) {
	nums, err := numbers("-", args, path)
	if err != nil {
		return nil, err
	}
	if len(nums) == 1 {
		return -nums[0], nil
	}
	return nums[0] - nums[1], nil
}

func opMultiply(_ *run, args []any, path string, _ int) (any, error) {
	nums, err := numbers("*", args, path)
	if err != nil {
		return nil, err
	}
	product := 1.0
	for _, n := range nums {
		product *= n
	}
	return product, nil
}

func opDivide(_ *run, args []any, path string, _ int) (any, error) {
	nums, err := numbers("/", args, path)
	if err != nil {
		return nil, err
	}
	if nums[1] == 0 {
		return nil, runtimeErrorf(path, "/", "division by zero")
	}
	return nums[0] / nums[1], nil
}

func opModulo(_ *run, args []any, path string, _ int) (any, error) {
	nums, err := numbers("%", args, path)
	if err != nil {
		return nil, err
	}
	if nums[1] == 0 {
		return nil, runtimeErrorf(path, "%", "modulo by zero")
	}
	return math.Mod(nums[0], nums[1]), nil
}

func opMin(_ *run, args []any, path string, _ int) (any, error) {
	nums, err := numbers("min", args, path)
	if err != nil {
		return nil, err
	}
	m := nums[0]
	for _, n := range nums[1:] {
		m = math.Min(m, n)
	}
	return m, nil
}

func opMax(_ *run, args []any, path string, _ int) (any, error) {
	nums, err := numbers("max", args, path)
	if err != nil {
		return nil, err
	}
	m := nums[0]
	for _, n := range nums[1:] {
		m = math.Max(m, n)
	}
	return m, nil
}

// --- Strings ---

func opCat(_ *run, args []any, _ string, _ int) (any, error) {
	var b strings.Builder
	for _, a := range args {
		if a == nil {
			continue
		}
		if n, ok := toNumber(a); ok {
			fmt.Fprintf(&b, "%v", n)
			continue
		}
		fmt.Fprintf(&b, "%v", a)
	}
	return b.String(), nil
}
