package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/siftlabs/sentiment-crawler/internal/orchestrator"
	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	storemem "github.com/siftlabs/sentiment-crawler/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type stubPlanner struct {
	keywords []pipeline.Keyword
	err      error
}

func (p stubPlanner) Keywords(context.Context, pipeline.RunDate) ([]pipeline.Keyword, error) {
	return p.keywords, p.err
}

// settleRunner marks received tasks with scripted terminal states and
// records which task ids it was asked to run.
type settleRunner struct {
	runs   pipeline.RunStore
	states map[string]pipeline.TaskState
	totals orchestrator.Totals

	mu       sync.Mutex
	received [][]string
}

func (r *settleRunner) Run(ctx context.Context, tasks []pipeline.CrawlTask) (orchestrator.Totals, error) {
	var ids []string
	for _, t := range tasks {
		ids = append(ids, t.ID)
		state, ok := r.states[t.ID]
		if !ok {
			state = pipeline.TaskSucceeded
		}
		t.State = state
		t.AttemptCount++
		if state == pipeline.TaskFailed {
			t.LastErrorClass = pipeline.ClassAuthRejected
			t.LastError = "status 403"
		}
		if err := r.runs.SaveTask(ctx, t); err != nil {
			return orchestrator.Totals{}, err
		}
	}
	r.mu.Lock()
	r.received = append(r.received, ids)
	r.mu.Unlock()
	return r.totals, nil
}

func testDriver(runs pipeline.RunStore, planner keywordPlanner, runner taskRunner, clock pipeline.Clock) *Driver {
	return New(runs, planner, runner, clock, Config{
		Platforms:      []pipeline.Platform{pipeline.PlatformWeibo, pipeline.PlatformZhihu},
		HeartbeatStale: 10 * time.Minute,
	}, zap.NewNop())
}

func TestStartRunCompletes(t *testing.T) {
	t.Parallel()

	runs := storemem.NewRunStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)}
	runner := &settleRunner{runs: runs, totals: orchestrator.Totals{Inserted: 5, Unchanged: 2}}
	d := testDriver(runs, stubPlanner{keywords: []pipeline.Keyword{{Text: "房价"}}}, runner, clock)

	run, err := d.StartRun(context.Background(), "2026-03-01")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCompleted, run.State)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, 2, run.Summary.TasksTotal)
	require.Equal(t, 2, run.Summary.TasksSucceeded)
	require.Equal(t, 5, run.Summary.ItemsInserted)
	require.Equal(t, 2, run.Summary.ItemsUnchanged)
}

func TestStartRunRejectsDuplicateDate(t *testing.T) {
	t.Parallel()

	runs := storemem.NewRunStore()
	clock := &fakeClock{now: time.Now().UTC()}
	runner := &settleRunner{runs: runs}
	d := testDriver(runs, stubPlanner{keywords: []pipeline.Keyword{{Text: "房价"}}}, runner, clock)

	_, err := d.StartRun(context.Background(), "2026-03-01")
	require.NoError(t, err)

	_, err = d.StartRun(context.Background(), "2026-03-01")
	require.ErrorIs(t, err, ErrRunExists)
}

func TestStartRunParksOnPlannerFailure(t *testing.T) {
	t.Parallel()

	runs := storemem.NewRunStore()
	clock := &fakeClock{now: time.Now().UTC()}
	cause := pipeline.NewError(pipeline.ClassSourceUnavailable, "extract topics", errors.New("feed down"))
	d := testDriver(runs, stubPlanner{err: cause}, &settleRunner{runs: runs}, clock)

	_, err := d.StartRun(context.Background(), "2026-03-01")
	require.Error(t, err)

	run, err := d.RunStatus(context.Background(), "2026-03-01")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunPartiallyFailed, run.State)
}

func TestResumeSkipsSucceededTasks(t *testing.T) {
	t.Parallel()

	runs := storemem.NewRunStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)}
	runner := &settleRunner{
		runs: runs,
		states: map[string]pipeline.TaskState{
			"2026-03-01/wb/房价": pipeline.TaskFailed,
		},
	}
	d := testDriver(runs, stubPlanner{keywords: []pipeline.Keyword{{Text: "房价"}}}, runner, clock)

	run, err := d.StartRun(context.Background(), "2026-03-01")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunPartiallyFailed, run.State)
	require.Equal(t, 1, run.Summary.TasksFailed)

	// Second pass: everything the runner sees succeeds.
	runner.states = nil
	run, err = d.ResumeRun(context.Background(), "2026-03-01")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCompleted, run.State)
	require.Equal(t, 2, run.Summary.TasksSucceeded)

	// The resumed pass only re-ran the failed pair.
	require.Len(t, runner.received, 2)
	require.Equal(t, []string{"2026-03-01/wb/房价"}, runner.received[1])
}

func TestResumeReclaimsStaleRunningTask(t *testing.T) {
	t.Parallel()

	runs := storemem.NewRunStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	ctx := context.Background()

	require.NoError(t, runs.CreateRun(ctx, pipeline.CrawlRun{
		RunDate: "2026-03-01", State: pipeline.RunCrawling, StartedAt: now.Add(-time.Hour),
	}))
	// One stale running task (crashed driver) and one live one.
	require.NoError(t, runs.SaveTask(ctx, pipeline.CrawlTask{
		ID: "2026-03-01/wb/房价", Keyword: "房价", Platform: pipeline.PlatformWeibo,
		RunDate: "2026-03-01", State: pipeline.TaskRunning, HeartbeatAt: now.Add(-time.Hour),
	}))
	require.NoError(t, runs.SaveTask(ctx, pipeline.CrawlTask{
		ID: "2026-03-01/zhihu/房价", Keyword: "房价", Platform: pipeline.PlatformZhihu,
		RunDate: "2026-03-01", State: pipeline.TaskRunning, HeartbeatAt: now.Add(-time.Minute),
	}))

	runner := &settleRunner{runs: runs}
	d := testDriver(runs, stubPlanner{keywords: []pipeline.Keyword{{Text: "房价"}}}, runner, clock)

	_, err := d.ResumeRun(ctx, "2026-03-01")
	require.NoError(t, err)

	// Only the stale task was handed back to the runner.
	require.Len(t, runner.received, 1)
	require.Equal(t, []string{"2026-03-01/wb/房价"}, runner.received[0])
}
