// Package validation checks rule trees and workflows at save time, before
// they can reach the dispatcher.
package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/ruleflow/internal/rules"
	"github.com/rendis/ruleflow/internal/sandbox"
	"github.com/rendis/ruleflow/pkg/schema"
)

const maxWalkNesting = rules.MaxContainerNesting

// Validator runs the save-time pipeline:
//  1. Structural: the tree is a non-empty JSON object (JSON Schema).
//  2. Shape: operators, arity, operand types, expression compilation,
//     depth and action literals.
//  3. Dry run: the tree is evaluated against an empty context under the
//     sandbox limits. Failures caused only by the missing data are ignored.
//
// Each stage runs only if the previous one passed.
type Validator struct {
	schemas *SchemaValidator
	eval    *rules.Evaluator
	runner  *sandbox.Runner
}

// New creates a Validator around the evaluator and sandbox the dispatcher uses.
func New(eval *rules.Evaluator, runner *sandbox.Runner) (*Validator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: sv, eval: eval, runner: runner}, nil
}

// Schemas exposes the JSON Schema layer for registering context schemas.
func (v *Validator) Schemas() *SchemaValidator {
	return v.schemas
}

// ValidateTree runs the full pipeline and returns every issue found.
func (v *Validator) ValidateTree(ctx context.Context, tree any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.schemas.ValidateTree(tree); err != nil {
		result.AddError("/", schema.ErrCodeValidation, "rule tree must be a non-empty object: "+schema.MessageOf(err))
		return result
	}

	result.Merge(v.validateShape(tree))
	if !result.Valid() {
		return result
	}

	result.Merge(v.dryRun(ctx, tree))
	return result
}

// ValidateLogic is the boolean save-time verdict.
func (v *Validator) ValidateLogic(ctx context.Context, tree any) schema.LogicValidation {
	result := v.ValidateTree(ctx, tree)
	return schema.LogicValidation{Valid: result.Valid(), Error: result.Summary()}
}

// Validate returns a VALIDATION_ERROR when tree is not fit to save.
func (v *Validator) Validate(ctx context.Context, tree any) error {
	return v.ValidateTree(ctx, tree).ToError()
}

// ValidateContext checks a sample context against the trigger's schema, if any.
func (v *Validator) ValidateContext(trigger schema.Trigger, data map[string]any) error {
	return v.schemas.ValidateContext(trigger, data)
}

func (v *Validator) validateShape(tree any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for _, e := range v.eval.Check(tree) {
		result.AddError(e.Path, schema.ErrCodeValidation, messageOf(e))
	}

	limit := v.runner.Limits().MaxDepth
	if d := v.eval.Depth(tree, limit); d > limit {
		result.AddError("/", schema.ErrCodeValidation,
			fmt.Sprintf("tree too deep: operator nesting exceeds %d", limit))
	}

	result.Merge(validateActions(tree))
	return result
}

func (v *Validator) dryRun(ctx context.Context, tree any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	_, err := v.runner.Run(ctx, tree, map[string]any{})
	if err == nil {
		return result
	}

	var rErr *rules.Error
	switch {
	case errors.As(err, &rErr) && !rErr.Structural:
		// Depends on data the empty context does not have.
	case schema.IsCode(err, schema.ErrCodeTimeout):
		result.AddWarning("/", schema.ErrCodeTimeout,
			"dry run against an empty context did not finish: "+schema.MessageOf(err))
	case errors.As(err, &rErr):
		result.AddError(rErr.Path, schema.ErrCodeValidation, messageOf(rErr))
	default:
		result.AddError("/", schema.ErrCodeValidation, schema.MessageOf(err))
	}
	return result
}

func messageOf(e *rules.Error) string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}
