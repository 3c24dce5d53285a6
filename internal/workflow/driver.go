// Package workflow drives a crawl run through its lifecycle and makes it
// resumable.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/siftlabs/sentiment-crawler/internal/metrics"
	"github.com/siftlabs/sentiment-crawler/internal/orchestrator"
	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// ErrRunExists is returned when StartRun hits a date that already has a run.
var ErrRunExists = errors.New("run already exists for date")

// keywordPlanner is satisfied by topics.Planner.
type keywordPlanner interface {
	Keywords(ctx context.Context, date pipeline.RunDate) ([]pipeline.Keyword, error)
}

// taskRunner is satisfied by orchestrator.Orchestrator.
type taskRunner interface {
	Run(ctx context.Context, tasks []pipeline.CrawlTask) (orchestrator.Totals, error)
}

// Config controls the driver.
type Config struct {
	// Platforms enabled for crawling.
	Platforms []pipeline.Platform
	// HeartbeatStale is the age past which a running task from a crashed
	// driver is reclaimed on resume.
	HeartbeatStale time.Duration
}

// Driver owns the run state machine. One run per date; a crashed or
// partially failed run is picked up with ResumeRun, which never re-crawls
// succeeded tasks.
type Driver struct {
	runs    pipeline.RunStore
	planner keywordPlanner
	runner  taskRunner
	clock   pipeline.Clock
	cfg     Config
	log     *zap.Logger
}

// New constructs a Driver.
func New(runs pipeline.RunStore, planner keywordPlanner, runner taskRunner, clock pipeline.Clock, cfg Config, log *zap.Logger) *Driver {
	if cfg.HeartbeatStale <= 0 {
		cfg.HeartbeatStale = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{runs: runs, planner: planner, runner: runner, clock: clock, cfg: cfg, log: log}
}

// StartRun executes a fresh run for the date. A date that already has a run
// is rejected; use ResumeRun.
func (d *Driver) StartRun(ctx context.Context, date pipeline.RunDate) (pipeline.CrawlRun, error) {
	if _, err := d.runs.GetRun(ctx, date); err == nil {
		return pipeline.CrawlRun{}, fmt.Errorf("%w: %s", ErrRunExists, date)
	} else if !errors.Is(err, pipeline.ErrRunNotFound) {
		return pipeline.CrawlRun{}, err
	}

	run := pipeline.CrawlRun{
		RunDate:   date,
		State:     pipeline.RunInitialized,
		StartedAt: d.clock.Now(),
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return pipeline.CrawlRun{}, err
	}
	return d.execute(ctx, run, nil)
}

// ResumeRun continues an interrupted or partially failed run. Succeeded
// tasks stay done; running tasks with a stale heartbeat are reclaimed;
// failed and exhausted tasks get a fresh attempt budget.
func (d *Driver) ResumeRun(ctx context.Context, date pipeline.RunDate) (pipeline.CrawlRun, error) {
	run, err := d.runs.GetRun(ctx, date)
	if err != nil {
		return pipeline.CrawlRun{}, err
	}

	prior, err := d.runs.ListTasks(ctx, date)
	if err != nil {
		return pipeline.CrawlRun{}, err
	}
	keep := d.reconcile(prior)
	d.log.Info("resuming run",
		zap.String("run_date", string(date)),
		zap.Int("prior_tasks", len(prior)),
		zap.Int("kept_done", len(keep)),
	)
	return d.execute(ctx, run, keep)
}

// RunStatus reports the current run state for a date.
func (d *Driver) RunStatus(ctx context.Context, date pipeline.RunDate) (pipeline.CrawlRun, error) {
	return d.runs.GetRun(ctx, date)
}

// reconcile decides which prior tasks stay settled across a resume: only
// succeeded tasks and still-live running tasks are off the table.
func (d *Driver) reconcile(prior []pipeline.CrawlTask) []pipeline.CrawlTask {
	now := d.clock.Now()
	var keep []pipeline.CrawlTask
	for _, t := range prior {
		switch {
		case t.State == pipeline.TaskSucceeded:
			keep = append(keep, t)
		case t.State == pipeline.TaskRunning && now.Sub(t.HeartbeatAt) < d.cfg.HeartbeatStale:
			// Another driver appears to own it; leave it alone this pass.
			keep = append(keep, t)
		}
	}
	return keep
}

func (d *Driver) execute(ctx context.Context, run pipeline.CrawlRun, settled []pipeline.CrawlTask) (pipeline.CrawlRun, error) {
	start := d.clock.Now()

	run.State = pipeline.RunExtractingTopics
	if err := d.runs.UpdateRun(ctx, run); err != nil {
		return run, err
	}

	keywords, err := d.planner.Keywords(ctx, run.RunDate)
	if err != nil {
		return d.fail(ctx, run, err)
	}

	tasks := orchestrator.BuildTasks(run.RunDate, keywords, d.cfg.Platforms, settled)
	for _, t := range tasks {
		if err := d.runs.SaveTask(ctx, t); err != nil {
			return d.fail(ctx, run, err)
		}
	}

	run.State = pipeline.RunCrawling
	if err := d.runs.UpdateRun(ctx, run); err != nil {
		return run, err
	}

	totals, err := d.runner.Run(ctx, tasks)
	if err != nil {
		return d.fail(ctx, run, err)
	}

	final, err := d.runs.ListTasks(ctx, run.RunDate)
	if err != nil {
		return d.fail(ctx, run, err)
	}
	summary := pipeline.Summarize(final)
	summary.ItemsInserted = totals.Inserted
	summary.ItemsUpdated = totals.Updated
	summary.ItemsUnchanged = totals.Unchanged

	run.Summary = summary
	if summary.TasksFailed > 0 || summary.TasksExhausted > 0 {
		run.State = pipeline.RunPartiallyFailed
	} else {
		run.State = pipeline.RunCompleted
	}
	finished := d.clock.Now()
	run.FinishedAt = &finished
	if err := d.runs.UpdateRun(ctx, run); err != nil {
		return run, err
	}

	metrics.ObserveRunDuration(finished.Sub(start))
	d.log.Info("run finished",
		zap.String("run_date", string(run.RunDate)),
		zap.String("state", string(run.State)),
		zap.Int("tasks_total", summary.TasksTotal),
		zap.Int("tasks_succeeded", summary.TasksSucceeded),
		zap.Int("items_inserted", summary.ItemsInserted),
	)
	return run, nil
}

// fail parks the run in partially_failed so a later ResumeRun can pick it
// up, then surfaces the cause.
func (d *Driver) fail(ctx context.Context, run pipeline.CrawlRun, cause error) (pipeline.CrawlRun, error) {
	run.State = pipeline.RunPartiallyFailed
	finished := d.clock.Now()
	run.FinishedAt = &finished
	if err := d.runs.UpdateRun(ctx, run); err != nil {
		d.log.Error("parking failed run", zap.Error(err))
	}
	return run, cause
}
