package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/ruleflow/pkg/schema"
)

// validateActions finds action literals whose type is outside the action
// vocabulary. Only literal strings are checked; a computed action is the
// dry run's business. Config values are opaque and never walked.
func validateActions(tree any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	walkActions(tree, "", 0, result)
	return result
}

func walkActions(node any, path string, level int, result *schema.ValidationResult) {
	if level > maxWalkNesting {
		return
	}
	switch n := node.(type) {
	case map[string]any:
		if raw, ok := n["action"]; ok {
			if name, isString := raw.(string); isString && name != "" && !schema.ActionType(name).Valid() {
				result.AddError(path+"/action", schema.ErrCodeValidation,
					fmt.Sprintf("unknown action type %q", name))
			}
		}
		keys := make([]string, 0, len(n))
		for k := range n {
			if k != "config" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkActions(n[k], path+"/"+k, level+1, result)
		}
	case []any:
		for i, item := range n {
			walkActions(item, fmt.Sprintf("%s/%d", path, i), level+1, result)
		}
	}
}
