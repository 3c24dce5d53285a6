package topics

import (
	"context"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// RSSClient supplements the aggregator with plain RSS/Atom feeds, typically
// wire-service news channels.
type RSSClient struct {
	feeds  []string
	parser *gofeed.Parser
	log    *zap.Logger
}

// NewRSSClient builds an RSSClient over the configured feed URLs.
func NewRSSClient(feeds []string, log *zap.Logger) *RSSClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &RSSClient{
		feeds:  feeds,
		parser: gofeed.NewParser(),
		log:    log,
	}
}

// Headlines parses every configured feed. Dead feeds degrade with a warning;
// an empty feed list is not an error, RSS is optional.
func (c *RSSClient) Headlines(ctx context.Context) []pipeline.Headline {
	var merged []pipeline.Headline
	for _, feedURL := range c.feeds {
		feed, err := c.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			c.log.Warn("rss feed failed",
				zap.String("feed", feedURL),
				zap.Error(err),
			)
			continue
		}
		for i, item := range feed.Items {
			if item.Title == "" {
				continue
			}
			merged = append(merged, pipeline.Headline{
				Title:  item.Title,
				URL:    item.Link,
				Source: "rss:" + feed.Title,
				Rank:   i + 1,
			})
		}
	}
	return merged
}
