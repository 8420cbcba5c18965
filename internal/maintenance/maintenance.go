// ABOUTME: Background housekeeping on a gocron scheduler: idempotency pruning and store optimize.
// ABOUTME: Jobs run in singleton mode so a slow run is never overlapped by the next tick.

// Package maintenance schedules periodic store housekeeping.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Pruner deletes idempotency records created before cutoff.
type Pruner interface {
	PruneExchanges(ctx context.Context, cutoff time.Time) (int64, error)
}

// Optimizer runs store-specific optimization.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Options configure the jobs.
type Options struct {
	// Retention is how long idempotency records are kept.
	Retention time.Duration
	// PruneInterval is how often pruning runs.
	PruneInterval time.Duration
	// OptimizeCron schedules the optimize job; empty uses daily at 04:00 UTC.
	OptimizeCron string
	// JobTimeout bounds a single job run.
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// Scheduler owns the gocron scheduler and its jobs.
type Scheduler struct {
	scheduler gocron.Scheduler
	pruner    Pruner
	optimizer Optimizer // nil when the store has nothing to optimize
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a scheduler with the prune job and, when st implements
// Optimizer, the optimize job. Call Start to begin running them.
func New(st Pruner, opts Options) (*Scheduler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "maintenance")
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.OptimizeCron == "" {
		opts.OptimizeCron = "0 4 * * *"
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = time.Minute
	}

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	m := &Scheduler{scheduler: s, pruner: st, opts: opts, logger: logger, now: time.Now}
	if o, ok := st.(Optimizer); ok {
		m.optimizer = o
	}

	if _, err := s.NewJob(
		gocron.DurationJob(opts.PruneInterval),
		gocron.NewTask(m.runPrune),
		gocron.WithName("prune-idempotency-records"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("scheduling prune job: %w", err)
	}

	if m.optimizer != nil {
		if _, err := s.NewJob(
			gocron.CronJob(opts.OptimizeCron, false),
			gocron.NewTask(m.runOptimize),
			gocron.WithName("optimize-store"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("scheduling optimize job: %w", err)
		}
	}

	return m, nil
}

// Start begins running scheduled jobs.
func (m *Scheduler) Start() {
	m.scheduler.Start()
	m.logger.Info("maintenance scheduled",
		"prune_interval", m.opts.PruneInterval,
		"retention", m.opts.Retention,
		"optimize", m.optimizer != nil)
}

// Shutdown stops the scheduler and waits for running jobs.
func (m *Scheduler) Shutdown() error {
	if err := m.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down scheduler: %w", err)
	}
	return nil
}

// Jobs lists the names of scheduled jobs.
func (m *Scheduler) Jobs() []string {
	jobs := m.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

// Prune deletes idempotency records older than the retention window.
func (m *Scheduler) Prune(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-m.opts.Retention)
	n, err := m.pruner.PruneExchanges(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning idempotency records: %w", err)
	}
	if n > 0 {
		m.logger.Info("pruned idempotency records", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (m *Scheduler) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.JobTimeout)
	defer cancel()
	if _, err := m.Prune(ctx); err != nil {
		m.logger.Error("prune job failed", "error", err)
	}
}

func (m *Scheduler) runOptimize() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.JobTimeout)
	defer cancel()
	start := time.Now()
	if err := m.optimizer.Optimize(ctx); err != nil {
		m.logger.Error("optimize job failed", "error", err)
		return
	}
	m.logger.Debug("store optimized", "duration", time.Since(start))
}
