// Package sandbox runs admin-authored rule trees inside hard limits.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/ruleflow/internal/rules"
	"github.com/rendis/ruleflow/pkg/schema"
)

const (
	// DefaultMaxDepth is the deepest operator nesting a rule tree may have.
	DefaultMaxDepth = 10
	// DefaultTimeout is the wall-clock budget of one workflow evaluation.
	DefaultTimeout = 5 * time.Second
)

// Limits bounds a single evaluation.
type Limits struct {
	MaxDepth int           `json:"max_depth"`
	Timeout  time.Duration `json:"timeout"`
}

// DefaultLimits returns the production limits: depth 10, 5 seconds.
func DefaultLimits() Limits {
	return Limits{MaxDepth: DefaultMaxDepth, Timeout: DefaultTimeout}
}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	return l
}

// Evaluator is the interpreter the runner guards.
type Evaluator interface {
	Evaluate(ctx context.Context, tree any, data map[string]any) (any, error)
	Depth(tree any, limit int) int
}

var _ Evaluator = (*rules.Evaluator)(nil)

// Runner evaluates one rule tree under a depth bound and a wall-clock bound.
// It is safe for concurrent use.
type Runner struct {
	eval   Evaluator
	limits Limits
}

// NewRunner creates a Runner. Zero fields in limits fall back to the defaults.
func NewRunner(eval Evaluator, limits Limits) *Runner {
	return &Runner{eval: eval, limits: limits.withDefaults()}
}

// Limits returns the effective limits.
func (r *Runner) Limits() Limits {
	return r.limits
}

type outcome struct {
	value any
	err   error
}

// Run evaluates tree against data and extracts the action it emits, if any.
//
// The evaluation runs on its own goroutine with a context that expires at the
// deadline. Run returns at the deadline whether or not the goroutine has
// noticed; an abandoned goroutine exits at its next node check and its result
// is discarded. Every failure is a *schema.RuleflowError with code
// LOGIC_ERROR or TIMEOUT_ERROR.
func (r *Runner) Run(ctx context.Context, tree any, data map[string]any) (*schema.ActionDescriptor, error) {
	if d := r.eval.Depth(tree, r.limits.MaxDepth); d > r.limits.MaxDepth {
		return nil, schema.NewErrorf(schema.ErrCodeLogic,
			"tree too deep: operator nesting exceeds %d", r.limits.MaxDepth).
			WithDetails(map[string]any{"max_depth": r.limits.MaxDepth})
	}

	runCtx, cancel := context.WithTimeout(ctx, r.limits.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("evaluator panic: %v", rec)}
			}
		}()
		v, err := r.eval.Evaluate(runCtx, tree, data)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, r.classify(runCtx, o.err)
		}
		action, err := rules.ActionFromResult(o.value)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeLogic, err.Error()).WithCause(err)
		}
		return action, nil
	case <-runCtx.Done():
		return nil, r.timeout(runCtx.Err())
	}
}

func (r *Runner) classify(runCtx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return r.timeout(err)
	}
	if runCtx.Err() != nil {
		return r.timeout(runCtx.Err())
	}
	return schema.NewError(schema.ErrCodeLogic, err.Error()).WithCause(err)
}

func (r *Runner) timeout(cause error) error {
	msg := fmt.Sprintf("evaluation exceeded %s", r.limits.Timeout)
	if errors.Is(cause, context.Canceled) {
		msg = "evaluation cancelled"
	}
	return schema.NewError(schema.ErrCodeTimeout, msg).
		WithCause(cause).
		WithDetails(map[string]any{"timeout": r.limits.Timeout.String()})
}
