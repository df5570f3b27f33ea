package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/ruleflow/pkg/schema"
)

const treeSchemaURL = "https://ruleflow.dev/schemas/rule-tree.json"

// treeSchemaJSON accepts any non-empty object at the root. Operator shapes
// are checked by the rule walker, which knows the operator table.
const treeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ruleflow.dev/schemas/rule-tree.json",
  "type": "object",
  "minProperties": 1
}`

// SchemaValidator holds the compiled rule-tree schema and the optional
// per-trigger context schemas. It is safe for concurrent use.
type SchemaValidator struct {
	treeSchema *jsonschema.Schema

	mu       sync.RWMutex
	triggers map[schema.Trigger]*jsonschema.Schema
	cache    map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the rule-tree schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(treeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal rule tree schema: %w", err)
	}
	if err := c.AddResource(treeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add rule tree schema resource: %w", err)
	}
	compiled, err := c.Compile(treeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile rule tree schema: %w", err)
	}
	return &SchemaValidator{
		treeSchema: compiled,
		triggers:   make(map[schema.Trigger]*jsonschema.Schema),
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateTree checks that tree is a non-empty JSON object.
func (v *SchemaValidator) ValidateTree(tree any) error {
	doc, err := toJSONValue(tree)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "rule tree is not serializable").WithCause(err)
	}
	if err := v.treeSchema.Validate(doc); err != nil {
		return toRuleflowError(err)
	}
	return nil
}

// RegisterContextSchema attaches a JSON Schema that sample contexts for
// trigger must satisfy. Registering again replaces the previous schema.
func (v *SchemaValidator) RegisterContextSchema(trigger schema.Trigger, raw []byte) error {
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid context schema for %s", trigger).WithCause(err)
	}
	v.mu.Lock()
	v.triggers[trigger] = compiled
	v.mu.Unlock()
	return nil
}

// ValidateContext checks data against the schema registered for trigger.
// Triggers without a schema accept any context.
func (v *SchemaValidator) ValidateContext(trigger schema.Trigger, data map[string]any) error {
	v.mu.RLock()
	compiled, ok := v.triggers[trigger]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "context is not serializable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toRuleflowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *SchemaValidator) getOrCompile(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("ruleflow://context-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toRuleflowError flattens a jsonschema.ValidationError into one
// VALIDATION_ERROR listing every leaf violation.
func toRuleflowError(err error) *schema.RuleflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
