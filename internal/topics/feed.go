// Package topics discovers trending headlines and derives crawl keywords.
package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// FeedConfig controls the hot-list aggregator client.
type FeedConfig struct {
	// BaseURL of a newsnow-style aggregator exposing /api/s?id=<source>.
	BaseURL string
	// Sources are the aggregator source ids to merge, e.g. "weibo",
	// "zhihu", "baidu".
	Sources []string
	Timeout time.Duration
}

// FeedClient pulls ranked headlines from the aggregator.
type FeedClient struct {
	cfg    FeedConfig
	client *http.Client
	log    *zap.Logger
}

// NewFeedClient builds a FeedClient.
func NewFeedClient(cfg FeedConfig, log *zap.Logger) *FeedClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FeedClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

type feedPayload struct {
	Status string `json:"status"`
	Items  []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"items"`
}

// Headlines fetches every configured source and merges the results in rank
// order. A single dead source degrades with a warning; all sources failing
// is ClassSourceUnavailable.
func (c *FeedClient) Headlines(ctx context.Context) ([]pipeline.Headline, error) {
	if c.cfg.BaseURL == "" || len(c.cfg.Sources) == 0 {
		return nil, pipeline.NewError(pipeline.ClassSourceUnavailable, "feed headlines",
			fmt.Errorf("no feed sources configured"))
	}

	var (
		merged   []pipeline.Headline
		failures int
		lastErr  error
	)
	for _, source := range c.cfg.Sources {
		headlines, err := c.fetchSource(ctx, source)
		if err != nil {
			failures++
			lastErr = err
			c.log.Warn("headline source failed",
				zap.String("source", source),
				zap.Error(err),
			)
			continue
		}
		merged = append(merged, headlines...)
	}
	if failures == len(c.cfg.Sources) {
		return nil, pipeline.NewError(pipeline.ClassSourceUnavailable, "feed headlines", lastErr)
	}
	return merged, nil
}

func (c *FeedClient) fetchSource(ctx context.Context, source string) ([]pipeline.Headline, error) {
	u := c.cfg.BaseURL + "/api/s?id=" + url.QueryEscape(source) + "&latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", source, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	var payload feedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", source, err)
	}

	headlines := make([]pipeline.Headline, 0, len(payload.Items))
	for i, item := range payload.Items {
		if item.Title == "" {
			continue
		}
		headlines = append(headlines, pipeline.Headline{
			Title:  item.Title,
			URL:    item.URL,
			Source: source,
			Rank:   i + 1,
		})
	}
	return headlines, nil
}
