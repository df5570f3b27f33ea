package validation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ruleflow/internal/expressions"
	"github.com/rendis/ruleflow/internal/rules"
	"github.com/rendis/ruleflow/internal/sandbox"
	"github.com/rendis/ruleflow/pkg/schema"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	set, err := expressions.NewSet()
	require.NoError(t, err)
	ev := rules.New(set)
	v, err := New(ev, sandbox.NewRunner(ev, sandbox.DefaultLimits()))
	require.NoError(t, err)
	return v
}

func parseTree(t *testing.T, src string) any {
	t.Helper()
	var tree any
	require.NoError(t, json.Unmarshal([]byte(src), &tree))
	return tree
}

const flagLargeOrders = `{"if": [
	{"and": [
		{">": [{"var": "orderAmount"}, 10000]},
		{"==": [{"var": "userKycStatus"}, "APPROVED"]}
	]},
	{"action": "FLAG_FOR_REVIEW", "config": {}},
	null
]}`

func TestValidateLogic_AcceptsWellFormedTrees(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	for _, src := range []string{
		flagLargeOrders,
		`{"action": "NOTIFY", "config": {"channel": "ops"}}`,
		`{"if": [{"cel": "context.amount > 100.0"}, {"action": "APPROVE"}, null]}`,
		`{"if": [{"expr": "amount / total > 0.5"}, {"action": "REJECT"}, null]}`,
		`{"if": [{"jq": ".tags | index(\"vip\")"}, {"action": "ASSIGN_TAG", "config": {"tag": "vip"}}, null]}`,
		`{"if": [{"in": [{"var": "country"}, ["KP", "IR"]]}, {"action": "FREEZE_ACCOUNT"}, null]}`,
		`{"/": [{"var": "fee"}, {"var": "amount"}]}`,
	} {
		t.Run(src, func(t *testing.T) {
			res := v.ValidateLogic(ctx, parseTree(t, src))
			assert.True(t, res.Valid, res.Error)
			assert.Empty(t, res.Error)
		})
	}
}

func TestValidateLogic_RejectsNonObjects(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	for _, tree := range []any{nil, 42.0, "ORDER", true, []any{1.0}, map[string]any{}} {
		res := v.ValidateLogic(ctx, tree)
		assert.False(t, res.Valid, "%v", tree)
		assert.Contains(t, res.Error, "non-empty object")
	}
}

func TestValidateLogic_RejectsUnknownOperator(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateLogic(context.Background(), parseTree(t, `{"if": [{"frobnicate": [1]}, {"action": "NOTIFY"}, null]}`))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, `unknown operator "frobnicate"`)
	assert.Contains(t, res.Error, "/if/0")
}

func TestValidateLogic_RejectsWrongArity(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateLogic(context.Background(), parseTree(t, `{"==": [1]}`))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "==")
}

func TestValidateTree_ReportsAllShapeProblems(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateTree(context.Background(), parseTree(t, `{"and": [
		{"var": true},
		{"cel": "context.a >"},
		{"action": "LAUNCH_ROCKET"}
	]}`))

	require.Len(t, res.Errors, 3)
	paths := []string{res.Errors[0].Path, res.Errors[1].Path, res.Errors[2].Path}
	assert.Contains(t, paths, "/and/0/var")
	assert.Contains(t, paths, "/and/1/cel")
	assert.Contains(t, paths, "/and/2/action")

	err := res.ToError()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "validation failed with 3 errors")
}

func TestValidateTree_RejectsTooDeep(t *testing.T) {
	v := newValidator(t)
	deep := strings.Repeat(`{"!": [`, 11) + "true" + strings.Repeat("]}", 11)

	res := v.ValidateTree(context.Background(), parseTree(t, deep))
	require.False(t, res.Valid())
	assert.Contains(t, res.Summary(), "tree too deep")

	atLimit := strings.Repeat(`{"!": [`, 10) + "true" + strings.Repeat("]}", 10)
	assert.True(t, v.ValidateTree(context.Background(), parseTree(t, atLimit)).Valid())
}

func TestValidateTree_DryRunIgnoresMissingData(t *testing.T) {
	v := newValidator(t)

	// Against an empty context these fail at runtime only because the data is absent.
	for _, src := range []string{
		`{"if": [{">": [{"/": [{"var": "a"}, {"var": "b"}]}, 1]}, {"action": "NOTIFY"}, null]}`,
		`{"if": [{"cel": "context.amount > 10.0"}, {"action": "NOTIFY"}, null]}`,
		`{"if": [{"in": ["x", {"var": "n"}]}, {"action": "NOTIFY"}, null]}`,
	} {
		t.Run(src, func(t *testing.T) {
			res := v.ValidateTree(context.Background(), parseTree(t, src))
			assert.True(t, res.Valid(), res.Summary())
		})
	}
}

func TestValidateTree_DryRunCatchesBadAction(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateTree(context.Background(), parseTree(t, `{"action": "NOTIFY", "config": "ops"}`))
	assert.False(t, res.Valid())
	assert.Contains(t, res.Summary(), "config must be an object")
}

func TestValidateLogic_ConfigWithOperatorKeysRuns(t *testing.T) {
	set, err := expressions.NewSet()
	require.NoError(t, err)
	ev := rules.New(set)
	runner := sandbox.NewRunner(ev, sandbox.DefaultLimits())
	v, err := New(ev, runner)
	require.NoError(t, err)

	tests := []struct {
		name   string
		tree   string
		action schema.ActionType
		config map[string]any
	}{
		{
			name:   "max limit",
			tree:   `{"if": [{">": [{"var": "amount"}, 100]}, {"action": "APPLY_LIMIT", "config": {"max": 1000}}, null]}`,
			action: schema.ActionApplyLimit,
			config: map[string]any{"max": 1000.0},
		},
		{
			name:   "tag named in",
			tree:   `{"if": [{">": [{"var": "amount"}, 100]}, {"action": "ASSIGN_TAG", "config": {"in": "vip"}}, null]}`,
			action: schema.ActionAssignTag,
			config: map[string]any{"in": "vip"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tree := parseTree(t, tc.tree)

			verdict := v.ValidateLogic(context.Background(), tree)
			require.True(t, verdict.Valid, verdict.Error)

			action, err := runner.Run(context.Background(), tree, map[string]any{"amount": 500.0})
			require.NoError(t, err)
			require.NotNil(t, action)
			assert.Equal(t, tc.action, action.Action)
			assert.Equal(t, tc.config, action.Config)
		})
	}
}

func TestValidateTree_ConfigIsOpaque(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateTree(context.Background(), parseTree(t,
		`{"action": "WEBHOOK", "config": {"url": "https://example.com", "action": "whatever", "frobnicate": [1]}}`))
	assert.True(t, res.Valid(), res.Summary())
}

func TestValidate_ReturnsValidationError(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	require.NoError(t, v.Validate(ctx, parseTree(t, flagLargeOrders)))

	err := v.Validate(ctx, "not a tree")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidateWorkflow(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	ok := &schema.Workflow{
		Name:      "flag large orders",
		Trigger:   schema.TriggerOrderCreated,
		LogicTree: parseTree(t, flagLargeOrders),
		IsActive:  true,
		Status:    schema.WorkflowStatusActive,
	}
	assert.True(t, v.ValidateWorkflow(ctx, ok).Valid())

	bad := &schema.Workflow{
		Trigger:   "ORDER_TELEPORTED",
		Status:    "PAUSED",
		LogicTree: parseTree(t, `{"nope": [1]}`),
	}
	res := v.ValidateWorkflow(ctx, bad)
	require.False(t, res.Valid())
	paths := make([]string, len(res.Errors))
	for i, e := range res.Errors {
		paths[i] = e.Path
	}
	assert.Equal(t, []string{"/name", "/trigger", "/status", "/logic_tree"}, paths)

	assert.False(t, v.ValidateWorkflow(ctx, nil).Valid())
}

func TestValidateWorkflow_Warnings(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateWorkflow(context.Background(), &schema.Workflow{
		Name:      "draft",
		Trigger:   schema.TriggerManual,
		Priority:  -1,
		IsActive:  true,
		Status:    schema.WorkflowStatusDraft,
		LogicTree: parseTree(t, `{"action": "NOTIFY"}`),
	})
	assert.True(t, res.Valid())
	assert.Len(t, res.Warnings, 2)
}

func TestContextSchema(t *testing.T) {
	v := newValidator(t)

	require.NoError(t, v.Schemas().RegisterContextSchema(schema.TriggerOrderCreated, []byte(`{
		"type": "object",
		"required": ["orderAmount"],
		"properties": {"orderAmount": {"type": "number", "minimum": 0}}
	}`)))

	assert.NoError(t, v.ValidateContext(schema.TriggerOrderCreated, map[string]any{"orderAmount": 20000}))

	err := v.ValidateContext(schema.TriggerOrderCreated, map[string]any{"orderAmount": "lots"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = v.ValidateContext(schema.TriggerOrderCreated, nil)
	assert.Error(t, err, "required property is missing")

	assert.NoError(t, v.ValidateContext(schema.TriggerPaymentFailed, nil), "no schema registered")
}

func TestContextSchema_InvalidSchema(t *testing.T) {
	v := newValidator(t)
	err := v.Schemas().RegisterContextSchema(schema.TriggerManual, []byte(`{"type": 12}`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = v.Schemas().RegisterContextSchema(schema.TriggerManual, []byte(`not json`))
	assert.Error(t, err)
}

func TestSchemaValidator_ConcurrentUse(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{"type": "object"}`)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.Schemas().RegisterContextSchema(schema.TriggerManual, raw))
			assert.NoError(t, v.ValidateContext(schema.TriggerManual, map[string]any{"k": 1}))
			assert.True(t, v.ValidateLogic(context.Background(), map[string]any{"action": "NOTIFY"}).Valid)
		}()
	}
	wg.Wait()
	assert.Len(t, v.Schemas().cache, 1)
}
