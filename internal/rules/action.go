package rules

import (
	"fmt"

	"github.com/rendis/ruleflow/pkg/schema"
)

// ActionFromResult interprets the top-level value of an evaluation. A map
// with a string "action" and an optional object "config" is one action
// descriptor; any other value (nil, false, a number, a map without "action")
// means the workflow triggered nothing and yields (nil, nil).
//
// A map that names an action the vocabulary does not know, or carries a
// non-object config, is an error: the workflow meant to act but cannot.
func ActionFromResult(v any) (*schema.ActionDescriptor, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, nil
	}
	rawAction, ok := m["action"]
	if !ok || rawAction == nil {
		return nil, nil
	}

	name, ok := rawAction.(string)
	if !ok {
		return nil, fmt.Errorf("action must be a string, got %s", typeName(rawAction))
	}
	if name == "" {
		return nil, nil
	}
	action := schema.ActionType(name)
	if !action.Valid() {
		return nil, fmt.Errorf("unknown action type %q", name)
	}

	config := map[string]any{}
	switch c := m["config"].(type) {
	case nil:
	case map[string]any:
		config = CopyValue(c).(map[string]any)
	default:
		return nil, fmt.Errorf("action config must be an object, got %s", typeName(c))
	}

	return &schema.ActionDescriptor{Action: action, Config: config}, nil
}
