package expressions

import (
	"context"
	"fmt"
)

// Engine evaluates an embedded expression against a rule context.
// Three implementations: Expr (arithmetic and logic), CEL (typed conditions),
// GoJQ (reshaping nested payloads).
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set is the fixed collection of engines available to rule trees, keyed by
// operator name. It is safe for concurrent use.
type Set struct {
	engines map[string]Engine
}

// NewSet builds the default engine set: expr, cel and jq.
func NewSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewSetOf(NewExprEngine(), celEngine, NewGoJQEngine()), nil
}

// NewSetOf builds a Set from explicit engines. Later engines replace earlier
// ones with the same name.
func NewSetOf(engines ...Engine) *Set {
	s := &Set{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		s.engines[e.Name()] = e
	}
	return s
}

// Get returns the engine registered under name.
func (s *Set) Get(name string) (Engine, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.engines[name]
	return e, ok
}

// Names lists the registered engine names.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.engines))
	for name := range s.engines {
		names = append(names, name)
	}
	return names
}

// MustNewSet is NewSet for package-level defaults; it panics on failure.
func MustNewSet() *Set {
	s, err := NewSet()
	if err != nil {
		panic(fmt.Sprintf("expressions: %v", err))
	}
	return s
}
