package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ruleflow/pkg/schema"
)

type fakeSink struct {
	mu          sync.Mutex
	execs       []*schema.WorkflowExecution
	bumps       map[string]int
	persistErr  error
	statsErr    error
	persistHook func(ctx context.Context)
}

func newFakeSink() *fakeSink {
	return &fakeSink{bumps: map[string]int{}}
}

func (f *fakeSink) PersistExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	if f.persistHook != nil {
		f.persistHook(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	f.execs = append(f.execs, exec)
	return nil
}

func (f *fakeSink) BumpStats(_ context.Context, workflowID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return f.statsErr
	}
	f.bumps[workflowID]++
	return nil
}

func (f *fakeSink) snapshot() ([]*schema.WorkflowExecution, map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bumps := make(map[string]int, len(f.bumps))
	for k, v := range f.bumps {
		bumps[k] = v
	}
	return append([]*schema.WorkflowExecution(nil), f.execs...), bumps
}

func outcome(id string, err error) Outcome {
	o := Outcome{
		Workflow:   &schema.Workflow{ID: id, Name: id},
		Trigger:    schema.TriggerOrderCreated,
		Context:    map[string]any{"orderAmount": 1500.0},
		Duration:   12 * time.Millisecond,
		EntityType: "order",
		EntityID:   "o-1",
	}
	if err == nil {
		o.Action = &schema.ActionDescriptor{Action: schema.ActionFlagForReview, Config: map[string]any{"reason": "large"}}
	} else {
		o.Err = err
	}
	return o
}

func TestRecord_Success(t *testing.T) {
	sink := newFakeSink()
	r := New(sink, Options{})

	r.Record(context.Background(), outcome("wf-1", nil))

	execs, bumps := sink.snapshot()
	require.Len(t, execs, 1)
	e := execs[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "wf-1", e.WorkflowID)
	assert.Equal(t, schema.TriggerOrderCreated, e.Trigger)
	assert.True(t, e.Success)
	assert.Equal(t, schema.ActionFlagForReview, e.Result.Action)
	assert.Equal(t, int64(12), e.ExecutionTimeMs)
	assert.Equal(t, "order", e.EntityType)
	assert.JSONEq(t, `{"orderAmount":1500}`, string(e.ContextData))
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, 1, bumps["wf-1"])
	assert.Equal(t, int64(1), r.Stats().Written)
}

func TestRecord_FailureOutcome(t *testing.T) {
	sink := newFakeSink()
	r := New(sink, Options{})

	err := schema.NewError(schema.ErrCodeTimeout, "evaluation exceeded 5s")
	r.Record(context.Background(), outcome("wf-2", err))

	execs, bumps := sink.snapshot()
	require.Len(t, execs, 1)
	assert.False(t, execs[0].Success)
	assert.Nil(t, execs[0].Result)
	assert.Equal(t, "evaluation exceeded 5s", execs[0].Error)
	assert.Equal(t, schema.ErrCodeTimeout, execs[0].ErrorCode)
	assert.Equal(t, 1, bumps["wf-2"], "failed evaluations still count as executions")
}

func TestRecord_SwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	sink := newFakeSink()
	sink.persistErr = errors.New("disk full")
	r := New(sink, Options{Logger: slog.New(slog.NewTextHandler(&buf, nil))})

	assert.NotPanics(t, func() {
		r.Record(context.Background(), outcome("wf-3", nil))
	})

	_, bumps := sink.snapshot()
	assert.Equal(t, 1, bumps["wf-3"], "a failed insert still attempts the stats bump")
	assert.Equal(t, int64(1), r.Stats().Failed)
	assert.Contains(t, buf.String(), "sink write failed")
	assert.Contains(t, buf.String(), "disk full")
}

func TestRecord_SinkPanicIsContained(t *testing.T) {
	sink := newFakeSink()
	sink.persistHook = func(context.Context) { panic("driver bug") }
	r := New(sink, Options{})

	assert.NotPanics(t, func() {
		r.Record(context.Background(), outcome("wf-4", nil))
	})
	assert.Equal(t, int64(1), r.Stats().Failed)
}

func TestRecord_WriteTimeout(t *testing.T) {
	sink := newFakeSink()
	var sawDeadline bool
	sink.persistHook = func(ctx context.Context) {
		_, sawDeadline = ctx.Deadline()
	}
	r := New(sink, Options{WriteTimeout: time.Second})

	r.Record(context.Background(), outcome("wf-5", nil))
	assert.True(t, sawDeadline)
}

func TestRecord_IgnoresCallerCancellation(t *testing.T) {
	sink := newFakeSink()
	r := New(sink, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, outcome("wf-6", nil))

	execs, _ := sink.snapshot()
	assert.Len(t, execs, 1)
}

func TestRecord_CircuitOpensAfterFailures(t *testing.T) {
	sink := newFakeSink()
	sink.persistErr = errors.New("connection refused")
	r := New(sink, Options{Breaker: BreakerConfig{FailureThreshold: 5, Cooldown: time.Hour}})

	for i := 0; i < 5; i++ {
		r.Record(context.Background(), outcome("wf-7", nil))
	}
	assert.Equal(t, CircuitOpen, r.CircuitState(OpPersist))
	assert.Equal(t, CircuitClosed, r.CircuitState(OpStats), "circuits are per operation")

	r.Record(context.Background(), outcome("wf-7", nil))
	stats := r.Stats()
	assert.Equal(t, int64(5), stats.Failed)
	assert.Equal(t, int64(1), stats.Skipped)
}

func TestRecord_NilSinkAndNilWorkflow(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil, Options{}).Record(context.Background(), outcome("wf", nil))
	})

	sink := newFakeSink()
	New(sink, Options{}).Record(context.Background(), Outcome{})
	execs, _ := sink.snapshot()
	assert.Empty(t, execs)
}

func TestRecord_UnserializableContext(t *testing.T) {
	sink := newFakeSink()
	r := New(sink, Options{})

	o := outcome("wf-8", nil)
	o.Context = map[string]any{"ch": make(chan int)}
	r.Record(context.Background(), o)

	execs, _ := sink.snapshot()
	require.Len(t, execs, 1)
	assert.Nil(t, execs[0].ContextData)
}

func TestAsync_CloseDrains(t *testing.T) {
	sink := newFakeSink()
	r := New(sink, Options{Async: true, BufferSize: 64})

	for i := 0; i < 20; i++ {
		r.Record(context.Background(), outcome("wf-async", nil))
	}
	require.NoError(t, r.Close())

	execs, bumps := sink.snapshot()
	assert.Len(t, execs, 20)
	assert.Equal(t, 20, bumps["wf-async"])

	// After Close, records are written synchronously.
	r.Record(context.Background(), outcome("wf-async", nil))
	execs, _ = sink.snapshot()
	assert.Len(t, execs, 21)
	require.NoError(t, r.Close())
}

func TestAsync_DropsWhenFull(t *testing.T) {
	sink := newFakeSink()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	sink.persistHook = func(context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}
	r := New(sink, Options{Async: true, BufferSize: 1, WriteTimeout: 5 * time.Second})

	r.Record(context.Background(), outcome("wf-d", nil))
	<-started // writer is now blocked on the first record

	r.Record(context.Background(), outcome("wf-d", nil)) // fills the buffer
	r.Record(context.Background(), outcome("wf-d", nil)) // dropped

	close(release)
	require.NoError(t, r.Close())

	assert.Equal(t, int64(1), r.Stats().Dropped)
	execs, _ := sink.snapshot()
	assert.Len(t, execs, 2)
}

func TestExecutionJSONShape(t *testing.T) {
	sink := newFakeSink()
	New(sink, Options{}).Record(context.Background(), outcome("wf-9", nil))

	execs, _ := sink.snapshot()
	raw, err := json.Marshal(execs[0])
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "FLAG_FOR_REVIEW", m["result"].(map[string]any)["action"])
	assert.NotContains(t, m, "error")
}
