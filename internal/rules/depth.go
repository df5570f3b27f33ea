package rules

// Depth returns the operator nesting depth of tree: a bare literal is 0, a
// single operator node is 1, an operator inside an operand of another is 2,
// and so on. Object literals and lists do not add depth themselves, and an
// action "config" value is data, so it never counts.
//
// The walk stops as soon as the depth passes limit, so Depth never descends
// further than limit+1 operator levels; a result greater than limit means
// "too deep" rather than an exact count.
func (e *Evaluator) Depth(tree any, limit int) int {
	return e.depth(tree, 0, limit, 0)
}

func (e *Evaluator) depth(node any, current, limit, level int) int {
	if current > limit || level > MaxContainerNesting {
		return current
	}

	switch n := node.(type) {
	case map[string]any:
		if op, raw, ok := singleKey(n); ok && e.IsOperator(op) {
			deepest := current + 1
			for _, a := range operands(raw) {
				if d := e.depth(a, current+1, limit, level+1); d > deepest {
					deepest = d
				}
				if deepest > limit {
					break
				}
			}
			return deepest
		}
		deepest := current
		for k, v := range n {
			if k == "config" {
				continue
			}
			if d := e.depth(v, current, limit, level+1); d > deepest {
				deepest = d
			}
			if deepest > limit {
				break
			}
		}
		return deepest
	case []any:
		deepest := current
		for _, item := range n {
			if d := e.depth(item, current, limit, level+1); d > deepest {
				deepest = d
			}
			if deepest > limit {
				break
			}
		}
		return deepest
	}
	return current
}
