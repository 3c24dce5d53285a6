package topics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	storemem "github.com/siftlabs/sentiment-crawler/internal/store/memory"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestFeedClientMergesSources(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "weibo":
			_, _ = w.Write([]byte(`{"status":"success","items":[{"title":"房价新政出台","url":"https://e/1"},{"title":"高考分数线公布","url":"https://e/2"}]}`))
		case "zhihu":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewFeedClient(FeedConfig{BaseURL: srv.URL, Sources: []string{"weibo", "zhihu"}}, zap.NewNop())
	headlines, err := c.Headlines(context.Background())
	require.NoError(t, err)
	require.Len(t, headlines, 2)
	require.Equal(t, "房价新政出台", headlines[0].Title)
	require.Equal(t, "weibo", headlines[0].Source)
	require.Equal(t, 1, headlines[0].Rank)
}

func TestFeedClientAllSourcesDown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewFeedClient(FeedConfig{BaseURL: srv.URL, Sources: []string{"weibo"}}, zap.NewNop())
	_, err := c.Headlines(context.Background())
	require.Error(t, err)
	require.Equal(t, pipeline.ClassSourceUnavailable, pipeline.ClassOf(err))
}

func TestLLMExtractorParsesFencedAnswer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` +
			"```json\\n[{\\\"topic\\\":\\\"房价调控\\\",\\\"source_rank\\\":1,\\\"keywords\\\":[\\\"房价\\\",\\\"限购\\\"]}]\\n```" +
			`"}}]}`))
	}))
	defer srv.Close()

	e := NewLLMExtractor(LLMConfig{Endpoint: srv.URL, Model: "test-model", APIKey: "sk-test"})
	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	topics, err := e.Extract(context.Background(), []pipeline.Headline{{Title: "房价新政出台", Source: "weibo", Rank: 1}}, now)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, "房价调控", topics[0].Headline)
	require.Equal(t, "weibo", topics[0].Source)
	require.Len(t, topics[0].Keywords, 2)
	require.Equal(t, "房价", topics[0].Keywords[0].Text)
	require.Greater(t, topics[0].Keywords[0].Weight, topics[0].Keywords[1].Weight)
}

func TestLLMExtractorRejectsProse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Sure! Here are the topics..."}}]}`))
	}))
	defer srv.Close()

	e := NewLLMExtractor(LLMConfig{Endpoint: srv.URL, Model: "test-model"})
	_, err := e.Extract(context.Background(), []pipeline.Headline{{Title: "t", Rank: 1}}, time.Now())
	require.Error(t, err)
	require.Equal(t, pipeline.ClassMalformedResponse, pipeline.ClassOf(err))
}

type stubModel struct {
	topics []pipeline.Topic
	err    error
}

func (m stubModel) Extract(context.Context, []pipeline.Headline, time.Time) ([]pipeline.Topic, error) {
	return m.topics, m.err
}

type stubFeed struct {
	headlines []pipeline.Headline
	err       error
}

func (f stubFeed) Headlines(context.Context) ([]pipeline.Headline, error) {
	return f.headlines, f.err
}

func TestExtractorReusesExistingTopics(t *testing.T) {
	t.Parallel()

	store := storemem.NewTopicStore()
	date := pipeline.RunDate("2026-03-01")
	existing := []pipeline.Topic{{ID: "2026-03-01-1", Headline: "已有话题", Keywords: []pipeline.Keyword{{Text: "旧词"}}}}
	require.NoError(t, store.SaveTopics(context.Background(), date, existing))

	e := NewExtractor(
		stubFeed{err: errors.New("should not be called")},
		nil,
		stubModel{err: errors.New("should not be called")},
		store,
		fixedClock{now: time.Now()},
		zap.NewNop(),
	)
	topics, err := e.ExtractTopics(context.Background(), date)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, "2026-03-01-1", topics[0].ID)
}

func TestExtractorSnapshotsHeadlines(t *testing.T) {
	t.Parallel()

	store := storemem.NewTopicStore()
	date := pipeline.RunDate("2026-03-01")
	topic := pipeline.Topic{ID: "2026-03-01-1", Headline: "房价调控", Keywords: []pipeline.Keyword{{Text: "房价"}}}

	e := NewExtractor(
		stubFeed{headlines: []pipeline.Headline{{Title: "房价新政出台", Source: "weibo", Rank: 1}}},
		nil,
		stubModel{topics: []pipeline.Topic{topic}},
		store,
		fixedClock{now: time.Now()},
		zap.NewNop(),
	)
	topics, err := e.ExtractTopics(context.Background(), date)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Len(t, store.Headlines(date), 1)

	saved, err := store.TopicsForDate(context.Background(), date)
	require.NoError(t, err)
	require.Len(t, saved, 1)
}

type stubExtractor struct {
	topics []pipeline.Topic
	err    error
}

func (s stubExtractor) ExtractTopics(context.Context, pipeline.RunDate) ([]pipeline.Topic, error) {
	return s.topics, s.err
}

func TestPlannerFallsBackToCachedKeywords(t *testing.T) {
	t.Parallel()

	store := storemem.NewTopicStore()
	require.NoError(t, store.SaveTopics(context.Background(), "2026-02-27", []pipeline.Topic{
		{ID: "old", SourceRank: 1, Keywords: []pipeline.Keyword{{Text: "油价", TopicID: "old"}}},
	}))

	p := NewPlanner(
		stubExtractor{err: pipeline.NewError(pipeline.ClassSourceUnavailable, "extract topics", errors.New("feed down"))},
		store,
		PlannerConfig{FallbackDays: 7, DefaultKeywords: []string{"民生"}},
		zap.NewNop(),
	)
	kws, err := p.Keywords(context.Background(), "2026-03-01")
	require.NoError(t, err)
	require.Len(t, kws, 1)
	require.Equal(t, "油价", kws[0].Text)
}

func TestPlannerFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	p := NewPlanner(
		stubExtractor{err: pipeline.NewError(pipeline.ClassEmptyResult, "extract topics", errors.New("no topics"))},
		storemem.NewTopicStore(),
		PlannerConfig{FallbackDays: 7, DefaultKeywords: []string{"民生", "物价"}},
		zap.NewNop(),
	)
	kws, err := p.Keywords(context.Background(), "2026-03-01")
	require.NoError(t, err)
	require.Len(t, kws, 2)
	require.Equal(t, "民生", kws[0].Text)
}

func TestPlannerNoFallbackLeftFails(t *testing.T) {
	t.Parallel()

	extractErr := pipeline.NewError(pipeline.ClassSourceUnavailable, "extract topics", errors.New("feed down"))
	p := NewPlanner(stubExtractor{err: extractErr}, storemem.NewTopicStore(), PlannerConfig{}, zap.NewNop())

	_, err := p.Keywords(context.Background(), "2026-03-01")
	require.Error(t, err)
	require.Equal(t, pipeline.ClassSourceUnavailable, pipeline.ClassOf(err))
}

func TestPlannerCapsAndDeduplicates(t *testing.T) {
	t.Parallel()

	topics := []pipeline.Topic{
		{ID: "a", SourceRank: 1, Keywords: []pipeline.Keyword{{Text: "房价", Weight: 1}, {Text: "限购", Weight: 0.5}}},
		{ID: "b", SourceRank: 2, Keywords: []pipeline.Keyword{{Text: "房价", Weight: 1}, {Text: "利率", Weight: 0.5}}},
	}
	p := NewPlanner(stubExtractor{topics: topics}, storemem.NewTopicStore(), PlannerConfig{MaxKeywords: 2}, zap.NewNop())

	kws, err := p.Keywords(context.Background(), "2026-03-01")
	require.NoError(t, err)
	require.Len(t, kws, 2)
	require.Equal(t, "房价", kws[0].Text)
	require.Equal(t, "限购", kws[1].Text)
}
