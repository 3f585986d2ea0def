// Package jobs runs the scheduling service's periodic maintenance tasks:
// appointment reminders and the no-show sweep. The runner is plain injected
// state driven by a ticker, so tasks can be triggered and asserted directly
// in tests.
package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Task is one named periodic job. Run errors are logged and retried on the
// next due tick; they never stop the runner.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

type Runner struct {
	tasks   []Task
	logger  *slog.Logger
	tick    time.Duration
	now     func() time.Time
	lastRun map[string]time.Time
}

type RunnerConfig struct {
	// Tick is how often the runner checks for due tasks; task cadence comes
	// from each task's Every.
	Tick time.Duration
	Now  func() time.Time
}

func NewRunner(logger *slog.Logger, cfg RunnerConfig, tasks ...Task) *Runner {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		tasks:   tasks,
		logger:  logger,
		tick:    cfg.Tick,
		now:     cfg.Now,
		lastRun: make(map[string]time.Time),
	}
}

func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	r.runDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runDue(ctx)
		}
	}
}

func (r *Runner) runDue(ctx context.Context) {
	now := r.now()
	for _, task := range r.tasks {
		last, ran := r.lastRun[task.Name]
		if ran && now.Sub(last) < task.Every {
			continue
		}
		start := time.Now()
		if err := task.Run(ctx); err != nil {
			r.logger.Error("job failed", "job", task.Name, "err", err)
			continue
		}
		r.lastRun[task.Name] = now
		r.logger.Debug("job done", "job", task.Name, "took", time.Since(start))
	}
}
