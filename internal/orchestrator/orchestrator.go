// Package orchestrator fans keywords out across platforms and drives the
// crawl tasks to a terminal state.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siftlabs/sentiment-crawler/internal/metrics"
	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// Config controls task execution.
type Config struct {
	WorkersPerPlatform int
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	// TaskTimeout bounds one attempt end to end.
	TaskTimeout time.Duration
	// MaxItemsPerTask caps posts collected per keyword; zero means no cap.
	MaxItemsPerTask int
	// MaxCommentsPerPost caps comments collected under one post.
	MaxCommentsPerPost int
	FetchComments      bool
	HeartbeatEvery     time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkersPerPlatform <= 0 {
		c.WorkersPerPlatform = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.MaxCommentsPerPost <= 0 {
		c.MaxCommentsPerPost = 20
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 30 * time.Second
	}
	return c
}

// connectorSource is satisfied by platform.Registry.
type connectorSource interface {
	Connector(p pipeline.Platform) (pipeline.Connector, error)
}

// Totals aggregates item outcomes across a run.
type Totals struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// Orchestrator executes crawl tasks with per-platform worker pools. Failures
// on one platform never stall another; within a platform a permanent
// failure aborts the platform's remaining tasks.
type Orchestrator struct {
	connectors connectorSource
	sessions   pipeline.SessionStore
	corpus     pipeline.CorpusStore
	runs       pipeline.RunStore
	scorer     pipeline.ScorePublisher
	clock      pipeline.Clock
	cfg        Config
	backoff    backoffPolicy
	log        *zap.Logger

	mu     sync.Mutex
	totals Totals
}

// New constructs an Orchestrator. The scorer may be nil when scoring is
// disabled.
func New(
	connectors connectorSource,
	sessions pipeline.SessionStore,
	corpus pipeline.CorpusStore,
	runs pipeline.RunStore,
	scorer pipeline.ScorePublisher,
	clock pipeline.Clock,
	cfg Config,
	log *zap.Logger,
) *Orchestrator {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		connectors: connectors,
		sessions:   sessions,
		corpus:     corpus,
		runs:       runs,
		scorer:     scorer,
		clock:      clock,
		cfg:        cfg,
		backoff:    newBackoffPolicy(cfg.BackoffInitial, cfg.BackoffMax),
		log:        log,
	}
}

// BuildTasks produces the keyword-by-platform task fan-out for a run. Pairs
// in settled are never rebuilt: succeeded tasks stay done, and a running
// task another driver still owns must not be re-queued or have its row
// overwritten.
func BuildTasks(date pipeline.RunDate, keywords []pipeline.Keyword, platforms []pipeline.Platform, settled []pipeline.CrawlTask) []pipeline.CrawlTask {
	skip := make(map[string]struct{}, len(settled))
	for _, t := range settled {
		skip[taskID(date, t.Platform, t.Keyword)] = struct{}{}
	}

	var tasks []pipeline.CrawlTask
	for _, kw := range keywords {
		for _, p := range platforms {
			id := taskID(date, p, kw.Text)
			if _, ok := skip[id]; ok {
				continue
			}
			tasks = append(tasks, pipeline.CrawlTask{
				ID:       id,
				Keyword:  kw.Text,
				TopicID:  kw.TopicID,
				Platform: p,
				RunDate:  date,
				State:    pipeline.TaskPending,
			})
		}
	}
	return tasks
}

func taskID(date pipeline.RunDate, p pipeline.Platform, keyword string) string {
	return fmt.Sprintf("%s/%s/%s", date, p, keyword)
}

// Run executes the tasks and returns the item totals. Every task reaches a
// terminal state before Run returns; the final task rows are in the run
// store.
func (o *Orchestrator) Run(ctx context.Context, tasks []pipeline.CrawlTask) (Totals, error) {
	byPlatform := make(map[pipeline.Platform][]pipeline.CrawlTask)
	for _, t := range tasks {
		byPlatform[t.Platform] = append(byPlatform[t.Platform], t)
	}

	var wg sync.WaitGroup
	for p, platformTasks := range byPlatform {
		wg.Add(1)
		go func(p pipeline.Platform, platformTasks []pipeline.CrawlTask) {
			defer wg.Done()
			o.runPlatform(ctx, p, platformTasks)
		}(p, platformTasks)
	}
	wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totals, ctx.Err()
}

// platformAbort is set when a platform proves unusable so queued tasks fail
// fast instead of burning attempts.
type platformAbort struct {
	mu    sync.Mutex
	class pipeline.ErrorClass
	msg   string
}

func (a *platformAbort) set(class pipeline.ErrorClass, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.class == "" {
		a.class = class
		a.msg = msg
	}
}

func (a *platformAbort) get() (pipeline.ErrorClass, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.class, a.msg
}

func (o *Orchestrator) runPlatform(ctx context.Context, p pipeline.Platform, tasks []pipeline.CrawlTask) {
	conn, err := o.connectors.Connector(p)
	if err != nil {
		for _, t := range tasks {
			o.finishTask(ctx, &t, pipeline.TaskFailed, pipeline.ClassUnknown, err.Error())
		}
		return
	}

	abort := &platformAbort{}
	queue := make(chan pipeline.CrawlTask, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	workers := o.cfg.WorkersPerPlatform
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.WorkerStarted(string(p))
			defer metrics.WorkerStopped(string(p))
			for task := range queue {
				o.runTask(ctx, conn, &task, abort)
			}
		}()
	}
	wg.Wait()
}

// runTask drives one task through its attempts to a terminal state.
func (o *Orchestrator) runTask(ctx context.Context, conn pipeline.Connector, task *pipeline.CrawlTask, abort *platformAbort) {
	for {
		if class, msg := abort.get(); class != "" {
			o.finishTask(ctx, task, pipeline.TaskFailed, class, "platform aborted: "+msg)
			return
		}
		if ctx.Err() != nil {
			o.finishTask(ctx, task, pipeline.TaskFailed, pipeline.ClassTransientNetwork, ctx.Err().Error())
			return
		}

		task.State = pipeline.TaskRunning
		task.AttemptCount++
		task.HeartbeatAt = o.clock.Now()
		if err := o.runs.SaveTask(ctx, *task); err != nil {
			o.log.Error("save task failed", zap.String("task", task.ID), zap.Error(err))
		}

		err := o.attempt(ctx, conn, task)
		if err == nil {
			o.finishTask(ctx, task, pipeline.TaskSucceeded, "", "")
			return
		}

		class := pipeline.ClassOf(err)
		task.LastError = err.Error()
		task.LastErrorClass = class
		o.log.Warn("task attempt failed",
			zap.String("task", task.ID),
			zap.Int("attempt", task.AttemptCount),
			zap.String("class", string(class)),
			zap.Error(err),
		)

		if class == pipeline.ClassAuthRejected {
			abort.set(class, err.Error())
			o.finishTask(ctx, task, pipeline.TaskFailed, class, err.Error())
			return
		}
		if !class.Retryable() {
			o.finishTask(ctx, task, pipeline.TaskFailed, class, err.Error())
			return
		}
		if task.AttemptCount >= o.cfg.MaxAttempts {
			o.finishTask(ctx, task, pipeline.TaskExhausted, class, err.Error())
			return
		}

		metrics.ObserveRetry(string(task.Platform), string(class))
		delay := o.backoff.delay(task.AttemptCount)
		task.State = pipeline.TaskPending
		task.NextEligibleAt = o.clock.Now().Add(delay)
		if err := o.runs.SaveTask(ctx, *task); err != nil {
			o.log.Error("save task failed", zap.String("task", task.ID), zap.Error(err))
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			o.finishTask(ctx, task, pipeline.TaskFailed, pipeline.ClassTransientNetwork, ctx.Err().Error())
			return
		}
	}
}

func (o *Orchestrator) finishTask(ctx context.Context, task *pipeline.CrawlTask, state pipeline.TaskState, class pipeline.ErrorClass, msg string) {
	task.State = state
	if class != "" {
		task.LastErrorClass = class
		task.LastError = msg
	}
	metrics.ObserveTaskTerminal(string(task.Platform), string(state))
	if err := o.runs.SaveTask(ctx, *task); err != nil {
		o.log.Error("save task failed", zap.String("task", task.ID), zap.Error(err))
	}
}

// attempt performs one bounded crawl attempt for the task's keyword.
func (o *Orchestrator) attempt(ctx context.Context, conn pipeline.Connector, task *pipeline.CrawlTask) error {
	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()

	stopHeartbeat := o.startHeartbeat(attemptCtx, task.ID)
	defer stopHeartbeat()

	session, err := o.sessions.Acquire(attemptCtx, task.Platform)
	if err != nil {
		return err
	}
	defer o.sessions.Release(session)

	cursor := ""
	collected := 0
	for {
		page, err := conn.Search(attemptCtx, task.Keyword, cursor, session)
		if err != nil {
			if pipeline.ClassOf(err) == pipeline.ClassAuthRejected {
				o.sessions.Invalidate(session)
			}
			return err
		}

		for _, item := range page.Items {
			if err := o.storeItem(attemptCtx, task, item); err != nil {
				return err
			}
			collected++
			task.ItemCount++
			if o.cfg.FetchComments && !item.IsComment() {
				if err := o.fetchComments(attemptCtx, conn, task, session, item.NativeID); err != nil {
					return err
				}
			}
			if o.cfg.MaxItemsPerTask > 0 && collected >= o.cfg.MaxItemsPerTask {
				return nil
			}
		}

		cursor = page.NextCursor
		if cursor == "" {
			// A clean empty sequence is a successful crawl of a quiet
			// keyword, not a failure.
			return nil
		}
	}
}

func (o *Orchestrator) fetchComments(ctx context.Context, conn pipeline.Connector, task *pipeline.CrawlTask, session *pipeline.Session, postID string) error {
	cursor := ""
	collected := 0
	for {
		page, err := conn.Comments(ctx, postID, cursor, session)
		if err != nil {
			if pipeline.ClassOf(err) == pipeline.ClassAuthRejected {
				o.sessions.Invalidate(session)
			}
			return err
		}
		for _, item := range page.Items {
			if err := o.storeItem(ctx, task, item); err != nil {
				return err
			}
			collected++
			task.ItemCount++
			if collected >= o.cfg.MaxCommentsPerPost {
				return nil
			}
		}
		cursor = page.NextCursor
		if cursor == "" {
			return nil
		}
	}
}

func (o *Orchestrator) storeItem(ctx context.Context, task *pipeline.CrawlTask, item pipeline.RawItem) error {
	outcome, err := o.corpus.Upsert(ctx, item)
	if err != nil {
		return err
	}
	metrics.ObserveItem(string(item.Platform), string(outcome))
	o.tally(outcome)

	fp := pipeline.FingerprintOf(item)
	err = o.corpus.AddProvenance(ctx, pipeline.Provenance{
		Fingerprint: fp,
		TopicID:     task.TopicID,
		Keyword:     task.Keyword,
		Platform:    task.Platform,
		RunDate:     task.RunDate,
	})
	if err != nil {
		return err
	}

	// New and edited content goes to scoring; an unchanged sighting would
	// just re-score the same text.
	if o.scorer != nil && outcome != pipeline.Unchanged {
		if err := o.scorer.Submit(ctx, fp, item); err != nil {
			metrics.ObserveScoringError()
			o.log.Warn("scoring submit failed",
				zap.String("fingerprint", string(fp)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (o *Orchestrator) tally(outcome pipeline.UpsertOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch outcome {
	case pipeline.Inserted:
		o.totals.Inserted++
	case pipeline.Updated:
		o.totals.Updated++
	case pipeline.Unchanged:
		o.totals.Unchanged++
	}
}

func (o *Orchestrator) startHeartbeat(ctx context.Context, taskID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.cfg.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := o.runs.Heartbeat(ctx, taskID, o.clock.Now()); err != nil {
					o.log.Debug("heartbeat failed", zap.String("task", taskID), zap.Error(err))
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
