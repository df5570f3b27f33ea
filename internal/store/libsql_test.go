package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ruleflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func mustTree(t *testing.T, src string) schema.RuleTree {
	t.Helper()
	var tree any
	require.NoError(t, json.Unmarshal([]byte(src), &tree))
	return tree
}

func seedWorkflow(t *testing.T, s *LibSQLStore, trigger schema.Trigger, priority int, mutate ...func(*schema.Workflow)) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{
		ID:        uuid.New().String(),
		Name:      "wf-" + string(trigger),
		Trigger:   trigger,
		LogicTree: mustTree(t, `{"action": "NOTIFY", "config": {"channel": "ops"}}`),
		Priority:  priority,
		IsActive:  true,
	}
	for _, m := range mutate {
		m(wf)
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

// --- Workflow Tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s, schema.TriggerOrderCreated, 7)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, schema.TriggerOrderCreated, got.Trigger)
	assert.Equal(t, 7, got.Priority)
	assert.True(t, got.IsActive)
	assert.Equal(t, schema.WorkflowStatusActive, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.Zero(t, got.ExecutionCount)
	assert.Nil(t, got.LastExecutedAt)

	tree, ok := got.LogicTree.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "NOTIFY", tree["action"])
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "nonexistent")
	require.Error(t, err)
	rfErr, ok := err.(*schema.RuleflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, rfErr.Code)
}

func TestFetchActiveWorkflows_FiltersAndSorts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := seedWorkflow(t, s, schema.TriggerOrderCreated, 5)
	high := seedWorkflow(t, s, schema.TriggerOrderCreated, 10)
	seedWorkflow(t, s, schema.TriggerOrderCreated, 20, func(wf *schema.Workflow) { wf.IsActive = false })
	seedWorkflow(t, s, schema.TriggerOrderCreated, 30, func(wf *schema.Workflow) { wf.Status = schema.WorkflowStatusDraft })
	seedWorkflow(t, s, schema.TriggerPaymentFailed, 40)

	list, err := s.FetchActiveWorkflows(ctx, schema.TriggerOrderCreated, 100)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, high.ID, list[0].ID)
	assert.Equal(t, low.ID, list[1].ID)
}

func TestFetchActiveWorkflows_Limit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		seedWorkflow(t, s, schema.TriggerDepositReceived, i)
	}

	list, err := s.FetchActiveWorkflows(context.Background(), schema.TriggerDepositReceived, 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{4, 3, 2}, []int{list[0].Priority, list[1].Priority, list[2].Priority})
}

func TestFetchActiveWorkflows_EqualPriorityKeepsCreationOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	first := seedWorkflow(t, s, schema.TriggerManual, 1, func(wf *schema.Workflow) { wf.CreatedAt = base })
	second := seedWorkflow(t, s, schema.TriggerManual, 1, func(wf *schema.Workflow) { wf.CreatedAt = base.Add(time.Minute) })

	list, err := s.FetchActiveWorkflows(context.Background(), schema.TriggerManual, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestFetchActiveWorkflows_Empty(t *testing.T) {
	s := newTestStore(t)
	list, err := s.FetchActiveWorkflows(context.Background(), schema.TriggerKYCApproved, 100)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerOrderUpdated, 1)

	priority := 9
	inactive := false
	require.NoError(t, s.UpdateWorkflow(ctx, wf.ID, WorkflowUpdate{
		LogicTree: mustTree(t, `{"action": "REJECT"}`),
		Priority:  &priority,
		IsActive:  &inactive,
	}))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Priority)
	assert.False(t, got.IsActive)
	assert.Equal(t, 2, got.Version, "replacing the tree bumps the version")
	assert.Equal(t, "REJECT", got.LogicTree.(map[string]any)["action"])
}

func TestUpdateWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	name := "x"
	err := s.UpdateWorkflow(context.Background(), "missing", WorkflowUpdate{Name: &name})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, schema.TriggerOrderCreated, 1)
	seedWorkflow(t, s, schema.TriggerOrderCreated, 2, func(wf *schema.Workflow) { wf.Status = schema.WorkflowStatusArchived })
	seedWorkflow(t, s, schema.TriggerUserRegistered, 3)

	list, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = s.ListWorkflows(ctx, WorkflowFilter{Trigger: schema.TriggerOrderCreated})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	archived := schema.WorkflowStatusArchived
	list, err = s.ListWorkflows(ctx, WorkflowFilter{Status: &archived})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Priority)

	list, err = s.ListWorkflows(ctx, WorkflowFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerManual, 0)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
	_, err := s.GetWorkflow(ctx, wf.ID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(s.DeleteWorkflow(ctx, wf.ID), schema.ErrCodeNotFound))
}

// --- Stats Tests ---

func TestBumpStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerPaymentReceived, 0)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.BumpStats(ctx, wf.ID, at))
	require.NoError(t, s.BumpStats(ctx, wf.ID, at))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ExecutionCount)
	require.NotNil(t, got.LastExecutedAt)
	assert.WithinDuration(t, at, *got.LastExecutedAt, time.Second)
}

func TestBumpStats_LastExecutedNeverMovesBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerPaymentReceived, 0)

	newer := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	older := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	require.NoError(t, s.BumpStats(ctx, wf.ID, newer))
	require.NoError(t, s.BumpStats(ctx, wf.ID, older))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ExecutionCount)
	require.NotNil(t, got.LastExecutedAt)
	assert.True(t, newer.Equal(*got.LastExecutedAt), "last_executed_at = %s", got.LastExecutedAt)

	later := newer.Add(time.Hour)
	require.NoError(t, s.BumpStats(ctx, wf.ID, later))
	got, err = s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, later.Equal(*got.LastExecutedAt))
}

func TestBumpStats_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerPaymentReceived, 0)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.BumpStats(ctx, wf.ID, time.Now()))
		}()
	}
	wg.Wait()

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.ExecutionCount)
}

func TestBumpStats_UnknownWorkflow(t *testing.T) {
	s := newTestStore(t)
	err := s.BumpStats(context.Background(), "ghost", time.Now())
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Execution Tests ---

func TestPersistAndListExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerWithdrawalRequested, 0)

	ok := &schema.WorkflowExecution{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		Trigger:         schema.TriggerWithdrawalRequested,
		ContextData:     json.RawMessage(`{"amount":250}`),
		Success:         true,
		Result:          &schema.ActionDescriptor{Action: schema.ActionFreezeAccount, Config: map[string]any{"hours": 24.0}},
		ExecutionTimeMs: 3,
		EntityType:      "withdrawal",
		EntityID:        "w-1",
	}
	failed := &schema.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Trigger:    schema.TriggerWithdrawalRequested,
		Success:    false,
		Error:      "division by zero",
		ErrorCode:  schema.ErrCodeLogic,
		CreatedAt:  time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, s.PersistExecution(ctx, ok))
	require.NoError(t, s.PersistExecution(ctx, failed))

	list, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ok.ID, list[0].ID, "newest first")

	got := list[0]
	assert.True(t, got.Success)
	assert.JSONEq(t, `{"amount":250}`, string(got.ContextData))
	require.NotNil(t, got.Result)
	assert.Equal(t, schema.ActionFreezeAccount, got.Result.Action)
	assert.Equal(t, 24.0, got.Result.Config["hours"])
	assert.Equal(t, "w-1", got.EntityID)

	assert.False(t, list[1].Success)
	assert.Nil(t, list[1].Result)
	assert.Equal(t, schema.ErrCodeLogic, list[1].ErrorCode)

	success := false
	list, err = s.ListExecutions(ctx, ExecutionFilter{Success: &success})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, failed.ID, list[0].ID)

	list, err = s.ListExecutions(ctx, ExecutionFilter{EntityType: "withdrawal", EntityID: "w-1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExecutionsOutliveWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, schema.TriggerManual, 0)

	require.NoError(t, s.PersistExecution(ctx, &schema.WorkflowExecution{
		ID: uuid.New().String(), WorkflowID: wf.ID, Trigger: schema.TriggerManual, Success: true,
	}))
	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))

	list, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPurgeExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, age := range []time.Duration{72 * time.Hour, 48 * time.Hour, time.Hour} {
		require.NoError(t, s.PersistExecution(ctx, &schema.WorkflowExecution{
			ID:         uuid.New().String(),
			WorkflowID: "wf",
			Trigger:    schema.TriggerManual,
			Success:    true,
			CreatedAt:  now.Add(-age),
		}))
	}

	n, err := s.PurgeExecutions(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment;\nCREATE INDEX i ON a (x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}
