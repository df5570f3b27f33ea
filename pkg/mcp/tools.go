package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/ruleflow/internal/store"
	"github.com/rendis/ruleflow/pkg/schema"
)

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("ruleflow.validate",
		mcp.WithDescription("Check a rule tree for structural errors without saving it"),
		mcp.WithObject("tree", mcp.Required(), mcp.Description("Rule tree to validate")),
	)
}

func testTool() mcp.Tool {
	return mcp.NewTool("ruleflow.test",
		mcp.WithDescription("Evaluate one workflow against a sample payload without recording anything"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to test")),
		mcp.WithObject("context", mcp.Description("Sample trigger payload")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("ruleflow.execute",
		mcp.WithDescription("Dispatch a trigger to every active workflow bound to it"),
		mcp.WithString("trigger", mcp.Required(), mcp.Description("Trigger type, e.g. ORDER_CREATED")),
		mcp.WithObject("context", mcp.Description("Trigger payload")),
		mcp.WithString("entity_type", mcp.Description("Type of the business entity, for the audit trail")),
		mcp.WithString("entity_id", mcp.Description("ID of the business entity, for the audit trail")),
		mcp.WithBoolean("dry_run", mcp.Description("Evaluate without recording executions")),
	)
}

func saveTool() mcp.Tool {
	return mcp.NewTool("ruleflow.save",
		mcp.WithDescription("Validate and store a new workflow"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("trigger", mcp.Required(), mcp.Description("Trigger the workflow is bound to")),
		mcp.WithObject("logic_tree", mcp.Required(), mcp.Description("Rule tree")),
		mcp.WithNumber("priority", mcp.Description("Higher runs first (default: 0)")),
		mcp.WithString("status", mcp.Enum("DRAFT", "ACTIVE", "INACTIVE", "ARCHIVED"),
			mcp.Description("Initial status (default: DRAFT)")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("ruleflow.workflows",
		mcp.WithDescription("List stored workflows"),
		mcp.WithObject("filter", mcp.Description("Optional filters: trigger, status, active_only, limit, offset")),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("ruleflow.executions",
		mcp.WithDescription("List execution records, newest first"),
		mcp.WithObject("filter", mcp.Description("Optional filters: workflow_id, trigger, entity_type, entity_id, success, since (RFC3339), limit, offset")),
	)
}

// --- Handlers ---

// handleValidate runs the validator on a candidate tree.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return mcp.NewToolResultError("engine not configured"), nil
	}
	tree, ok := req.GetArguments()["tree"]
	if !ok {
		return mcp.NewToolResultError("tree is required"), nil
	}
	return marshalResult(s.engine.ValidateLogic(ctx, tree))
}

// handleTest evaluates a single workflow, whatever its status.
func (s *Server) handleTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return mcp.NewToolResultError("engine not configured"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "context", nil)

	if s.store != nil && s.validator != nil {
		if wf, getErr := s.store.GetWorkflow(ctx, workflowID); getErr == nil {
			if ctxErr := s.validator.ValidateContext(wf.Trigger, data); ctxErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid context: %v", ctxErr)), nil
			}
		}
	}

	return marshalResult(s.engine.Test(ctx, workflowID, data))
}

// handleExecute dispatches a trigger exactly as the business flow would.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return mcp.NewToolResultError("engine not configured"), nil
	}
	raw, err := req.RequireString("trigger")
	if err != nil {
		return mcp.NewToolResultError("trigger is required"), nil
	}
	trigger := schema.Trigger(raw)
	if !trigger.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown trigger %q", raw)), nil
	}
	data := mcp.ParseStringMap(req, "context", nil)

	if s.validator != nil {
		if ctxErr := s.validator.ValidateContext(trigger, data); ctxErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid context: %v", ctxErr)), nil
		}
	}

	opts := schema.ExecuteOptions{
		EntityType: req.GetString("entity_type", ""),
		EntityID:   req.GetString("entity_id", ""),
		DryRun:     req.GetBool("dry_run", false),
	}
	result := s.engine.Execute(ctx, trigger, data, opts)
	s.logger.DebugContext(ctx, "trigger executed via tool",
		"trigger", raw, "actions", len(result.Actions), "dry_run", opts.DryRun)
	return marshalResult(result)
}

// handleSave validates and stores a new workflow with a generated id.
func (s *Server) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("store not configured"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	trigger, err := req.RequireString("trigger")
	if err != nil {
		return mcp.NewToolResultError("trigger is required"), nil
	}
	tree, ok := req.GetArguments()["logic_tree"]
	if !ok {
		return mcp.NewToolResultError("logic_tree is required"), nil
	}

	status := schema.WorkflowStatus(req.GetString("status", string(schema.WorkflowStatusDraft)))
	now := time.Now().UTC()
	wf := &schema.Workflow{
		ID:        uuid.New().String(),
		Name:      name,
		Trigger:   schema.Trigger(trigger),
		LogicTree: tree,
		Priority:  req.GetInt("priority", 0),
		IsActive:  status == schema.WorkflowStatusActive,
		Status:    status,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var warnings []schema.ValidationIssue
	if s.validator != nil {
		res := s.validator.ValidateWorkflow(ctx, wf)
		if !res.Valid() {
			return marshalError(res)
		}
		warnings = res.Warnings
	}

	if storeErr := s.store.CreateWorkflow(ctx, wf); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", storeErr)), nil
	}
	s.logger.InfoContext(ctx, "workflow saved via tool", "workflow_id", wf.ID, "trigger", trigger)

	return marshalResult(map[string]any{
		"id":       wf.ID,
		"version":  wf.Version,
		"status":   wf.Status,
		"warnings": warnings,
	})
}

// handleWorkflows lists workflows.
func (s *Server) handleWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("store not configured"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	wf := store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if trigger, ok := filter["trigger"].(string); ok {
		wf.Trigger = schema.Trigger(trigger)
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}
	if activeOnly, ok := filter["active_only"].(bool); ok {
		wf.ActiveOnly = activeOnly
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// handleExecutions lists audit records.
func (s *Server) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("store not configured"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	ef := store.ExecutionFilter{
		Limit:  extractInt(filter, "limit", 100),
		Offset: extractInt(filter, "offset", 0),
	}
	if id, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = id
	}
	if trigger, ok := filter["trigger"].(string); ok {
		ef.Trigger = schema.Trigger(trigger)
	}
	if et, ok := filter["entity_type"].(string); ok {
		ef.EntityType = et
	}
	if eid, ok := filter["entity_id"].(string); ok {
		ef.EntityID = eid
	}
	if success, ok := filter["success"].(bool); ok {
		ef.Success = &success
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		ef.Since = &t
	}

	execs, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": execs})
}

// --- Internal helpers ---

// extractInt reads an integer from a filter map, accepting JSON numbers and strings.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// marshalError returns a validation report as an error result.
func marshalError(res *schema.ValidationResult) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return mcp.NewToolResultError(res.Summary()), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}
