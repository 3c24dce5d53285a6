package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	date := pipeline.RunDate("2026-03-01")

	_, err := s.GetRun(ctx, date)
	require.ErrorIs(t, err, pipeline.ErrRunNotFound)

	run := pipeline.CrawlRun{RunDate: date, State: pipeline.RunInitialized, StartedAt: time.Now().UTC()}
	require.NoError(t, s.CreateRun(ctx, run))
	require.Error(t, s.CreateRun(ctx, run))

	run.State = pipeline.RunCrawling
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, date)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCrawling, got.State)
}

func TestTasksAndHeartbeat(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	date := pipeline.RunDate("2026-03-01")

	task := pipeline.CrawlTask{ID: "t1", RunDate: date, Keyword: "物价", Platform: pipeline.PlatformWeibo, State: pipeline.TaskPending}
	require.NoError(t, s.SaveTask(ctx, task))
	require.NoError(t, s.SaveTask(ctx, pipeline.CrawlTask{ID: "t2", RunDate: date, State: pipeline.TaskPending}))
	require.NoError(t, s.SaveTask(ctx, pipeline.CrawlTask{ID: "x1", RunDate: "2026-03-02", State: pipeline.TaskPending}))

	at := time.Unix(1772200000, 0).UTC()
	require.NoError(t, s.Heartbeat(ctx, "t1", at))

	tasks, err := s.ListTasks(ctx, date)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "t1", tasks[0].ID)
	require.Equal(t, at, tasks[0].HeartbeatAt)
}

func TestRecentKeywordsWindowAndDedup(t *testing.T) {
	t.Parallel()

	s := NewTopicStore()
	ctx := context.Background()

	save := func(date pipeline.RunDate, id string, rank int, kws ...string) {
		var keywords []pipeline.Keyword
		for _, k := range kws {
			keywords = append(keywords, pipeline.Keyword{Text: k, TopicID: id})
		}
		require.NoError(t, s.SaveTopics(ctx, date, []pipeline.Topic{{ID: id, SourceRank: rank, Keywords: keywords}}))
	}

	save("2026-03-01", "a", 1, "房价", "利率")
	save("2026-02-27", "b", 1, "利率", "油价")
	save("2026-02-10", "c", 1, "过期词")

	kws, err := s.RecentKeywords(ctx, "2026-03-01", 7)
	require.NoError(t, err)

	var texts []string
	for _, k := range kws {
		texts = append(texts, k.Text)
	}
	// Newest run wins ties; the stale run falls outside the window.
	require.Equal(t, []string{"房价", "利率", "油价"}, texts)
}
