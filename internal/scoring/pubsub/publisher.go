// Package pubsub submits persisted items for scoring via Google Cloud
// Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// Publisher implements pipeline.ScorePublisher on a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the named topic.
func New(client *pubsub.Client, topicName string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicName == "" {
		return nil, fmt.Errorf("topic name is required")
	}
	return &Publisher{topic: client.Topic(topicName)}, nil
}

// scoreMessage is the wire shape consumed by the scoring workers.
type scoreMessage struct {
	Fingerprint string           `json:"fingerprint"`
	Item        pipeline.RawItem `json:"item"`
}

// Submit publishes one item keyed by its fingerprint. The result is awaited
// so publish failures surface to the caller; the caller decides whether to
// care.
func (p *Publisher) Submit(ctx context.Context, fp pipeline.Fingerprint, item pipeline.RawItem) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(scoreMessage{Fingerprint: string(fp), Item: item})
	if err != nil {
		return fmt.Errorf("marshal score message: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"platform": string(item.Platform),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish score message: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
