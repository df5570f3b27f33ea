package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/ruleflow/pkg/schema"
)

// ValidateWorkflow checks a whole workflow definition: name, trigger and
// status vocabulary, then the rule tree. Tree issues are reported under
// "/logic_tree".
func (v *Validator) ValidateWorkflow(ctx context.Context, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return result
	}

	if strings.TrimSpace(wf.Name) == "" {
		result.AddError("/name", schema.ErrCodeValidation, "name is required")
	}
	if !wf.Trigger.Valid() {
		result.AddError("/trigger", schema.ErrCodeValidation, fmt.Sprintf("unknown trigger %q", wf.Trigger))
	}
	if wf.Status != "" && !wf.Status.Valid() {
		result.AddError("/status", schema.ErrCodeValidation, fmt.Sprintf("unknown status %q", wf.Status))
	}
	if wf.Priority < 0 {
		result.AddWarning("/priority", schema.ErrCodeValidation, "negative priority runs after every default-priority workflow")
	}
	if wf.IsActive && wf.Status != "" && wf.Status != schema.WorkflowStatusActive {
		result.AddWarning("/status", schema.ErrCodeValidation,
			"is_active is set but status is "+string(wf.Status)+"; the workflow will not run")
	}

	tree := v.ValidateTree(ctx, wf.LogicTree)
	for _, issue := range tree.Errors {
		result.AddError(treePath(issue.Path), issue.Code, issue.Message)
	}
	for _, issue := range tree.Warnings {
		result.AddWarning(treePath(issue.Path), issue.Code, issue.Message)
	}
	return result
}

func treePath(p string) string {
	if p == "/" || p == "" {
		return "/logic_tree"
	}
	return "/logic_tree" + p
}

