package topics

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// headlineSourceClient is satisfied by FeedClient.
type headlineSourceClient interface {
	Headlines(ctx context.Context) ([]pipeline.Headline, error)
}

// rssSourceClient is satisfied by RSSClient.
type rssSourceClient interface {
	Headlines(ctx context.Context) []pipeline.Headline
}

// topicModel is satisfied by LLMExtractor.
type topicModel interface {
	Extract(ctx context.Context, headlines []pipeline.Headline, now time.Time) ([]pipeline.Topic, error)
}

// Extractor implements pipeline.TopicExtractor: it merges the aggregator and
// RSS headline sources, snapshots them, and asks the model for topics.
type Extractor struct {
	feed  headlineSourceClient
	rss   rssSourceClient
	model topicModel
	store pipeline.TopicStore
	clock pipeline.Clock
	log   *zap.Logger
}

// NewExtractor builds an Extractor. The rss client may be nil.
func NewExtractor(feed headlineSourceClient, rss rssSourceClient, model topicModel,
	store pipeline.TopicStore, clock pipeline.Clock, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{feed: feed, rss: rss, model: model, store: store, clock: clock, log: log}
}

// ExtractTopics discovers and persists the topic set for a date. Previously
// extracted topics for the date are returned as-is, which makes a resumed
// run reuse the same keyword plan.
func (e *Extractor) ExtractTopics(ctx context.Context, date pipeline.RunDate) ([]pipeline.Topic, error) {
	existing, err := e.store.TopicsForDate(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		e.log.Info("reusing extracted topics",
			zap.String("run_date", string(date)),
			zap.Int("topics", len(existing)),
		)
		return existing, nil
	}

	headlines, err := e.feed.Headlines(ctx)
	if err != nil {
		return nil, err
	}
	if e.rss != nil {
		headlines = append(headlines, e.rss.Headlines(ctx)...)
	}
	if len(headlines) == 0 {
		return nil, pipeline.NewError(pipeline.ClassEmptyResult, "extract topics",
			errors.New("all headline sources came back empty"))
	}
	if err := e.store.SaveHeadlines(ctx, date, headlines); err != nil {
		return nil, err
	}

	topics, err := e.model.Extract(ctx, headlines, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveTopics(ctx, date, topics); err != nil {
		return nil, err
	}
	e.log.Info("topics extracted",
		zap.String("run_date", string(date)),
		zap.Int("headlines", len(headlines)),
		zap.Int("topics", len(topics)),
	)
	return topics, nil
}

// PlannerConfig controls keyword fallback behavior.
type PlannerConfig struct {
	// MaxKeywords caps the keywords crawled per run; zero means no cap.
	MaxKeywords int
	// FallbackDays is the trailing window mined for cached keywords when
	// extraction fails.
	FallbackDays int
	// DefaultKeywords is the last-resort standing list.
	DefaultKeywords []string
}

// Planner turns the day's topics into the keyword list to crawl, degrading
// through cached and default keywords so a dead feed never kills the run.
type Planner struct {
	extractor pipeline.TopicExtractor
	store     pipeline.TopicStore
	cfg       PlannerConfig
	log       *zap.Logger
}

// NewPlanner builds a Planner.
func NewPlanner(extractor pipeline.TopicExtractor, store pipeline.TopicStore, cfg PlannerConfig, log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{extractor: extractor, store: store, cfg: cfg, log: log}
}

// Keywords produces the crawl keywords for a date. Extraction failure falls
// back to the recent-keyword window, then to the default list; only when all
// three are empty does the run fail.
func (p *Planner) Keywords(ctx context.Context, date pipeline.RunDate) ([]pipeline.Keyword, error) {
	topics, err := p.extractor.ExtractTopics(ctx, date)
	if err == nil {
		return p.cap(flatten(topics)), nil
	}

	class := pipeline.ClassOf(err)
	if class != pipeline.ClassSourceUnavailable && class != pipeline.ClassEmptyResult && class != pipeline.ClassMalformedResponse {
		return nil, err
	}
	p.log.Warn("topic extraction failed, falling back",
		zap.String("run_date", string(date)),
		zap.String("class", string(class)),
		zap.Error(err),
	)

	if p.cfg.FallbackDays > 0 {
		cached, cacheErr := p.store.RecentKeywords(ctx, date, p.cfg.FallbackDays)
		if cacheErr != nil {
			p.log.Warn("recent keyword lookup failed", zap.Error(cacheErr))
		} else if len(cached) > 0 {
			p.log.Info("using cached keywords",
				zap.String("run_date", string(date)),
				zap.Int("keywords", len(cached)),
			)
			return p.cap(cached), nil
		}
	}

	if len(p.cfg.DefaultKeywords) > 0 {
		p.log.Info("using default keywords",
			zap.String("run_date", string(date)),
			zap.Int("keywords", len(p.cfg.DefaultKeywords)),
		)
		defaults := make([]pipeline.Keyword, 0, len(p.cfg.DefaultKeywords))
		for _, text := range p.cfg.DefaultKeywords {
			defaults = append(defaults, pipeline.Keyword{Text: text, Weight: 1})
		}
		return p.cap(defaults), nil
	}

	return nil, err
}

func (p *Planner) cap(keywords []pipeline.Keyword) []pipeline.Keyword {
	if p.cfg.MaxKeywords > 0 && len(keywords) > p.cfg.MaxKeywords {
		return keywords[:p.cfg.MaxKeywords]
	}
	return keywords
}

// flatten orders keywords by topic rank, then by weight within the topic.
func flatten(topics []pipeline.Topic) []pipeline.Keyword {
	seen := make(map[string]struct{})
	var out []pipeline.Keyword
	for _, t := range topics {
		for _, kw := range t.Keywords {
			if _, dup := seen[kw.Text]; dup {
				continue
			}
			seen[kw.Text] = struct{}{}
			out = append(out, kw)
		}
	}
	return out
}
