// Package engine dispatches business triggers to the workflows bound to them.
//
// A dispatch fetches the eligible workflows for a trigger, evaluates each one
// inside the sandbox, records every outcome and returns the emitted actions in
// priority order. Nothing a workflow or the store does can make Execute fail:
// the caller's business flow always gets a result back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rendis/ruleflow/internal/expressions"
	"github.com/rendis/ruleflow/internal/logging"
	"github.com/rendis/ruleflow/internal/recorder"
	"github.com/rendis/ruleflow/internal/rules"
	"github.com/rendis/ruleflow/internal/sandbox"
	"github.com/rendis/ruleflow/internal/store"
	"github.com/rendis/ruleflow/internal/validation"
	"github.com/rendis/ruleflow/pkg/schema"
)

// DefaultConcurrency evaluates the workflows of one dispatch sequentially.
const DefaultConcurrency = 1

// Recorder receives the outcome of every evaluation made by Execute.
// *recorder.Recorder satisfies it.
type Recorder interface {
	Record(ctx context.Context, o recorder.Outcome)
}

// Options configures an Engine.
type Options struct {
	Limits sandbox.Limits
	// MaxWorkflows caps how many workflows one dispatch evaluates.
	// Values outside (0, 100] mean 100.
	MaxWorkflows int
	// Concurrency is how many workflows of one dispatch evaluate at once.
	// Results keep priority order regardless.
	Concurrency int
	Logger      *slog.Logger
	// Evaluator replaces the rule interpreter used at dispatch time.
	// Validation always uses the built-in interpreter.
	Evaluator sandbox.Evaluator
}

func (o Options) withDefaults() Options {
	if o.MaxWorkflows <= 0 || o.MaxWorkflows > schema.MaxWorkflowsPerTrigger {
		o.MaxWorkflows = schema.MaxWorkflowsPerTrigger
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// Metrics counts dispatch activity since the engine was created.
type Metrics struct {
	Dispatches  int64 `json:"dispatches"`
	Evaluations int64 `json:"evaluations"`
	Actions     int64 `json:"actions"`
	Failures    int64 `json:"failures"`
	Timeouts    int64 `json:"timeouts"`
	StoreErrors int64 `json:"store_errors"`
	// Panics counts evaluation jobs that died inside the worker pool.
	Panics int64 `json:"panics"`
}

// Engine is the dispatcher. It is safe for concurrent use.
type Engine struct {
	source    store.WorkflowSource
	recorder  Recorder
	runner    *sandbox.Runner
	validator *validation.Validator
	opts      Options
	logger    *slog.Logger

	dispatches  atomic.Int64
	evaluations atomic.Int64
	actions     atomic.Int64
	failures    atomic.Int64
	timeouts    atomic.Int64
	storeErrors atomic.Int64
	panics      atomic.Int64
}

// New creates an Engine reading workflows from source. A nil rec disables
// recording.
func New(source store.WorkflowSource, rec Recorder, opts Options) (*Engine, error) {
	if source == nil {
		return nil, errors.New("engine: workflow source is required")
	}
	opts = opts.withDefaults()

	exprs, err := expressions.NewSet()
	if err != nil {
		return nil, fmt.Errorf("engine: build expression engines: %w", err)
	}
	eval := rules.New(exprs)
	validator, err := validation.New(eval, sandbox.NewRunner(eval, opts.Limits))
	if err != nil {
		return nil, fmt.Errorf("engine: build validator: %w", err)
	}

	var dispatchEval sandbox.Evaluator = eval
	if opts.Evaluator != nil {
		dispatchEval = opts.Evaluator
	}

	return &Engine{
		source:    source,
		recorder:  rec,
		runner:    sandbox.NewRunner(dispatchEval, opts.Limits),
		validator: validator,
		opts:      opts,
		logger:    opts.Logger.With("component", "engine"),
	}, nil
}

// Validator returns the validator backing ValidateLogic.
func (e *Engine) Validator() *validation.Validator {
	return e.validator
}

// Limits returns the effective sandbox limits.
func (e *Engine) Limits() sandbox.Limits {
	return e.runner.Limits()
}

// Metrics returns a snapshot of the dispatch counters.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		Dispatches:  e.dispatches.Load(),
		Evaluations: e.evaluations.Load(),
		Actions:     e.actions.Load(),
		Failures:    e.failures.Load(),
		Timeouts:    e.timeouts.Load(),
		StoreErrors: e.storeErrors.Load(),
		Panics:      e.panics.Load(),
	}
}

// evaluation is one workflow's outcome inside a dispatch.
type evaluation struct {
	workflow *schema.Workflow
	action   *schema.ActionDescriptor
	err      error
	duration time.Duration
	at       time.Time
}

// Execute dispatches trigger. The result always has Success true: failing
// workflows appear as failed details, and a store failure yields an empty
// result with Error set.
func (e *Engine) Execute(ctx context.Context, trigger schema.Trigger, data map[string]any, opts schema.ExecuteOptions) *schema.ExecutionResult {
	start := time.Now()
	e.dispatches.Add(1)
	ctx = logging.WithTrigger(ctx, string(trigger))
	ctx = logging.WithEntity(ctx, opts.EntityType, opts.EntityID)

	result := newResult()
	result.Success = true

	workflows, err := e.fetch(ctx, trigger)
	if err != nil {
		e.storeErrors.Add(1)
		result.Error = err.Error()
		e.logger.ErrorContext(ctx, "workflow fetch failed, dispatching nothing", "error", err)
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		return result
	}
	if len(workflows) == 0 {
		e.logger.DebugContext(ctx, "no workflows bound to trigger")
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		return result
	}

	evals := e.evaluateAll(ctx, workflows, data)

	failures := 0
	for _, ev := range evals {
		result.Details = append(result.Details, detailOf(ev))
		if ev.err != nil {
			failures++
		} else if ev.action != nil {
			result.Actions = append(result.Actions, ev.action.Action)
		}
		if !opts.DryRun && e.recorder != nil {
			e.recorder.Record(logging.WithWorkflowID(ctx, ev.workflow.ID), recorder.Outcome{
				Workflow:   ev.workflow,
				Trigger:    trigger,
				Context:    data,
				Action:     ev.action,
				Err:        ev.err,
				Duration:   ev.duration,
				EntityType: opts.EntityType,
				EntityID:   opts.EntityID,
				At:         ev.at,
			})
		}
	}
	result.WorkflowsExecuted = len(evals)
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	e.actions.Add(int64(len(result.Actions)))

	e.logger.InfoContext(ctx, "trigger dispatched",
		"workflows", len(evals),
		"actions", len(result.Actions),
		"failures", failures,
		"dry_run", opts.DryRun,
		"duration_ms", result.ExecutionTimeMs)
	return result
}

// Test evaluates a single workflow by id against data, whatever its status.
// Nothing is recorded. Success is false when the workflow cannot be loaded
// or its evaluation fails.
func (e *Engine) Test(ctx context.Context, workflowID string, data map[string]any) *schema.ExecutionResult {
	start := time.Now()
	ctx = logging.WithWorkflowID(ctx, workflowID)
	result := newResult()

	wf, err := e.load(ctx, workflowID)
	if err != nil {
		result.Error = err.Error()
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		return result
	}

	ev := e.evaluate(ctx, wf, data)
	result.Details = append(result.Details, detailOf(ev))
	result.WorkflowsExecuted = 1
	result.Success = ev.err == nil
	if ev.err != nil {
		result.Error = ev.err.Error()
	} else if ev.action != nil {
		result.Actions = append(result.Actions, ev.action.Action)
	}
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	return result
}

// ValidateLogic checks a candidate rule tree without touching the store.
func (e *Engine) ValidateLogic(ctx context.Context, tree any) schema.LogicValidation {
	return e.validator.ValidateLogic(ctx, tree)
}

func newResult() *schema.ExecutionResult {
	return &schema.ExecutionResult{
		Actions: []schema.ActionType{},
		Details: []schema.ExecutionDetail{},
	}
}

// fetch loads the dispatch set for trigger. The store's answer is re-checked:
// ineligible or mismatched workflows are dropped, the rest is ordered by
// priority descending and capped.
func (e *Engine) fetch(ctx context.Context, trigger schema.Trigger) (workflows []*schema.Workflow, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			workflows = nil
			err = schema.NewErrorf(schema.ErrCodeStore, "fetch active workflows: store panic: %v", rec)
		}
	}()

	list, err := e.source.FetchActiveWorkflows(ctx, trigger, e.opts.MaxWorkflows)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "fetch active workflows: "+schema.MessageOf(err)).WithCause(err)
	}

	eligible := make([]*schema.Workflow, 0, len(list))
	for _, wf := range list {
		if !wf.Eligible() || (wf.Trigger != "" && wf.Trigger != trigger) {
			if wf != nil {
				e.logger.DebugContext(ctx, "skipping ineligible workflow from store",
					"workflow_id", wf.ID, "status", string(wf.Status), "is_active", wf.IsActive)
			}
			continue
		}
		eligible = append(eligible, wf)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority > eligible[j].Priority
	})
	if len(eligible) > e.opts.MaxWorkflows {
		e.logger.WarnContext(ctx, "trigger has more workflows than the dispatch cap",
			"workflows", len(eligible), "cap", e.opts.MaxWorkflows)
		eligible = eligible[:e.opts.MaxWorkflows]
	}
	return eligible, nil
}

func (e *Engine) load(ctx context.Context, id string) (wf *schema.Workflow, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			wf = nil
			err = schema.NewErrorf(schema.ErrCodeStore, "get workflow: store panic: %v", rec)
		}
	}()

	wf, err = e.source.GetWorkflow(ctx, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeStore, "get workflow: "+schema.MessageOf(err)).WithCause(err)
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id).WithWorkflow(id)
	}
	return wf, nil
}

// evaluateAll runs every workflow through the pool and returns outcomes in
// input order.
func (e *Engine) evaluateAll(ctx context.Context, workflows []*schema.Workflow, data map[string]any) []evaluation {
	evals := make([]evaluation, len(workflows))

	pool := NewWorkerPool(e.opts.Concurrency)
	defer pool.Shutdown()

	next, err := pool.Each(ctx, len(workflows), func(ctx context.Context, i int) error {
		evals[i] = e.evaluate(ctx, workflows[i], data)
		return evals[i].err
	})
	e.panics.Add(pool.Metrics().Panics)

	now := time.Now().UTC()
	for i := range evals {
		switch {
		case err != nil && i >= next:
			// Never started: the dispatch context ended first.
			e.timeouts.Add(1)
			evals[i] = evaluation{
				workflow: workflows[i],
				err: schema.NewError(schema.ErrCodeTimeout, "evaluation cancelled").
					WithCause(err).WithWorkflow(workflows[i].ID),
				at: now,
			}
		case evals[i].workflow == nil:
			// The job died without producing an outcome.
			e.failures.Add(1)
			evals[i] = evaluation{
				workflow: workflows[i],
				err:      schema.NewError(schema.ErrCodeLogic, "evaluation aborted").WithWorkflow(workflows[i].ID),
				at:       now,
			}
		}
	}
	return evals
}

func (e *Engine) evaluate(ctx context.Context, wf *schema.Workflow, data map[string]any) evaluation {
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	e.evaluations.Add(1)

	start := time.Now()
	action, err := e.runner.Run(ctx, wf.LogicTree, data)
	ev := evaluation{
		workflow: wf,
		action:   action,
		duration: time.Since(start),
		at:       start.UTC(),
	}
	if err != nil {
		ev.action = nil
		ev.err = tagWorkflow(err, wf.ID)
		if schema.IsCode(err, schema.ErrCodeTimeout) {
			e.timeouts.Add(1)
		} else {
			e.failures.Add(1)
		}
		e.logger.WarnContext(ctx, "workflow evaluation failed",
			"priority", wf.Priority,
			"code", schema.CodeOf(err),
			"error", schema.MessageOf(err),
			"duration", ev.duration)
		return ev
	}

	if action != nil {
		e.logger.DebugContext(ctx, "workflow emitted action", "action", string(action.Action), "duration", ev.duration)
	} else {
		e.logger.DebugContext(ctx, "workflow emitted nothing", "duration", ev.duration)
	}
	return ev
}

func tagWorkflow(err error, id string) error {
	var rf *schema.RuleflowError
	if errors.As(err, &rf) && rf.WorkflowID == "" {
		rf.WithWorkflow(id)
	}
	return err
}

func detailOf(ev evaluation) schema.ExecutionDetail {
	d := schema.ExecutionDetail{
		WorkflowID:      ev.workflow.ID,
		WorkflowName:    ev.workflow.Name,
		Priority:        ev.workflow.Priority,
		Success:         ev.err == nil,
		ExecutionTimeMs: ev.duration.Milliseconds(),
	}
	if ev.action != nil {
		d.ActionType = ev.action.Action
		d.Config = ev.action.Config
	}
	if ev.err != nil {
		d.Error = schema.MessageOf(ev.err)
		d.ErrorCode = schema.CodeOf(ev.err)
	}
	return d
}
