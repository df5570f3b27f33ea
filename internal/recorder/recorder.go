// Package recorder writes the audit trail of rule evaluations. It is
// fail-open: nothing it does can change what the dispatcher returns.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/ruleflow/internal/logging"
	"github.com/rendis/ruleflow/internal/store"
	"github.com/rendis/ruleflow/pkg/schema"
)

// Sink operation names, also used as circuit keys.
const (
	OpPersist = "persist"
	OpStats   = "stats"
)

const (
	DefaultWriteTimeout = 2 * time.Second
	DefaultBufferSize   = 256
)

// Outcome is one workflow evaluation as seen by the dispatcher.
type Outcome struct {
	Workflow   *schema.Workflow
	Trigger    schema.Trigger
	Context    map[string]any
	Action     *schema.ActionDescriptor
	Err        error
	Duration   time.Duration
	EntityType string
	EntityID   string
	At         time.Time
}

// Options configures a Recorder.
type Options struct {
	// WriteTimeout bounds each sink call.
	WriteTimeout time.Duration
	Breaker      BreakerConfig
	// Async hands records to a background writer. When its buffer is full
	// the record is dropped and logged.
	Async      bool
	BufferSize int
	Logger     *slog.Logger
}

// Recorder turns outcomes into WorkflowExecution records and stats bumps.
type Recorder struct {
	sink     store.ExecutionSink
	opts     Options
	logger   *slog.Logger
	breakers *Breakers

	queue     chan *schema.WorkflowExecution
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	written atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
	dropped atomic.Int64
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
	Dropped int64 `json:"dropped"`
}

// New creates a Recorder. A nil sink records nothing.
func New(sink store.ExecutionSink, opts Options) *Recorder {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Recorder{
		sink:     sink,
		opts:     opts,
		logger:   logger.With("component", "recorder"),
		breakers: NewBreakers(opts.Breaker),
	}
	if opts.Async && sink != nil {
		r.queue = make(chan *schema.WorkflowExecution, opts.BufferSize)
		r.wg.Add(1)
		go r.drain()
	}
	return r
}

// Record persists one outcome. It never returns an error and never panics;
// sink failures are logged and counted.
func (r *Recorder) Record(ctx context.Context, o Outcome) {
	if r == nil || r.sink == nil || o.Workflow == nil {
		return
	}
	exec := r.build(ctx, o)

	if r.queue == nil {
		r.write(ctx, exec)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.write(ctx, exec)
		return
	}
	select {
	case r.queue <- exec:
	default:
		r.dropped.Add(1)
		r.logger.WarnContext(ctx, "audit buffer full, execution record dropped",
			"execution_id", exec.ID, "workflow_id", exec.WorkflowID)
	}
}

// Close stops the async writer after draining buffered records.
// It is safe to call more than once and on a synchronous recorder.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		if r.queue != nil {
			close(r.queue)
		}
		r.mu.Unlock()
		r.wg.Wait()
	})
	return nil
}

// Stats returns the current counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Written: r.written.Load(),
		Failed:  r.failed.Load(),
		Skipped: r.skipped.Load(),
		Dropped: r.dropped.Load(),
	}
}

// CircuitState reports the breaker state of a sink operation.
func (r *Recorder) CircuitState(op string) CircuitState {
	return r.breakers.State(op)
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for exec := range r.queue {
		ctx := logging.WithWorkflowID(context.Background(), exec.WorkflowID)
		ctx = logging.WithTrigger(ctx, string(exec.Trigger))
		r.write(ctx, exec)
	}
}

func (r *Recorder) build(ctx context.Context, o Outcome) *schema.WorkflowExecution {
	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	exec := &schema.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      o.Workflow.ID,
		Trigger:         o.Trigger,
		Success:         o.Err == nil,
		Result:          o.Action,
		ExecutionTimeMs: o.Duration.Milliseconds(),
		EntityType:      o.EntityType,
		EntityID:        o.EntityID,
		CreatedAt:       at,
	}
	if o.Err != nil {
		exec.Error = schema.MessageOf(o.Err)
		exec.ErrorCode = schema.CodeOf(o.Err)
	}
	if o.Context != nil {
		raw, err := json.Marshal(o.Context)
		if err != nil {
			r.logger.WarnContext(ctx, "context snapshot not serializable", "error", err)
		} else {
			exec.ContextData = raw
		}
	}
	return exec
}

// write runs both sink calls independently: a failed insert still bumps stats.
// Writes are detached from the caller's cancellation so a cancelled trigger
// still leaves its audit trail.
func (r *Recorder) write(ctx context.Context, exec *schema.WorkflowExecution) {
	ctx = context.WithoutCancel(ctx)
	if r.guard(ctx, OpPersist, func(ctx context.Context) error {
		return r.sink.PersistExecution(ctx, exec)
	}) {
		r.written.Add(1)
	}
	r.guard(ctx, OpStats, func(ctx context.Context) error {
		return r.sink.BumpStats(ctx, exec.WorkflowID, exec.CreatedAt)
	})
}

func (r *Recorder) guard(ctx context.Context, op string, fn func(context.Context) error) bool {
	if err := r.breakers.Allow(op); err != nil {
		r.skipped.Add(1)
		r.logger.DebugContext(ctx, "sink write skipped", "operation", op, "reason", err.Error())
		return false
	}

	wctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()

	err := safeCall(wctx, fn)
	if err == nil {
		r.breakers.Success(op)
		return true
	}
	r.failed.Add(1)
	state := r.breakers.Failure(op)
	r.logger.WarnContext(ctx, "sink write failed",
		"operation", op, "error", err, "circuit", state.String())
	return false
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink panic: %v", rec)
		}
	}()
	return fn(ctx)
}
