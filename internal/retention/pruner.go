// Package retention prunes old execution records on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/ruleflow/internal/logging"
)

const (
	// DefaultSchedule runs the pruner daily at 03:00.
	DefaultSchedule = "0 3 * * *"
	// DefaultCheckInterval is how often the loop checks whether a run is due.
	DefaultCheckInterval = 60 * time.Second
)

// Purger deletes execution records created before a cutoff.
// *store.LibSQLStore satisfies it.
type Purger interface {
	PurgeExecutions(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config configures a Pruner.
type Config struct {
	// Schedule is a five-field cron expression.
	Schedule string
	// MaxAge is how long execution records are kept. Zero disables pruning.
	MaxAge        time.Duration
	CheckInterval time.Duration
	Logger        *slog.Logger
}

// Pruner deletes execution records older than MaxAge whenever its schedule
// comes due. Workflow rows and their stats are never touched.
type Pruner struct {
	purger   Purger
	schedule cron.Schedule
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	nextRun time.Time
	lastRun time.Time
	purged  int64
}

// Status is a snapshot of pruner activity.
type Status struct {
	Schedule string    `json:"schedule"`
	MaxAge   string    `json:"max_age"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run,omitempty"`
	Purged   int64     `json:"purged"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// New creates a Pruner. It fails on an invalid schedule.
func New(purger Purger, cfg Config) (*Pruner, error) {
	if purger == nil {
		return nil, fmt.Errorf("retention: purger is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Pruner{
		purger:   purger,
		schedule: schedule,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "retention"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start launches the background loop.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return fmt.Errorf("pruner already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.nextRun = p.schedule.Next(p.now())
	p.mu.Unlock()

	go p.loop(loopCtx)
	p.logger.Info("retention pruner started",
		"schedule", p.cfg.Schedule, "max_age", p.cfg.MaxAge.String())
	return nil
}

func (p *Pruner) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs a purge when the schedule is due and computes the next run.
func (p *Pruner) tick(ctx context.Context) {
	now := p.now()
	p.mu.Lock()
	due := !p.nextRun.After(now)
	if due {
		p.nextRun = p.schedule.Next(now)
	}
	p.mu.Unlock()

	if !due {
		return
	}
	if _, err := p.RunOnce(ctx); err != nil {
		p.logger.Error("execution purge failed", "error", err)
	}
}

// RunOnce purges records older than MaxAge now, whatever the schedule says.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	if p.cfg.MaxAge <= 0 {
		return 0, nil
	}
	now := p.now()
	cutoff := now.Add(-p.cfg.MaxAge)

	n, err := p.purger.PurgeExecutions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge executions before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	p.mu.Lock()
	p.lastRun = now
	p.purged += n
	p.mu.Unlock()

	p.logger.Info("execution records purged", "deleted", n, "cutoff", cutoff)
	return n, nil
}

// Status reports the schedule and totals so far.
func (p *Pruner) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Schedule: p.cfg.Schedule,
		MaxAge:   p.cfg.MaxAge.String(),
		NextRun:  p.nextRun,
		LastRun:  p.lastRun,
		Purged:   p.purged,
	}
}

// Stop shuts down the loop and waits for it to exit.
func (p *Pruner) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	p.logger.Info("retention pruner stopped")
	return nil
}
