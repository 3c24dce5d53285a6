package topics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// LLMConfig points at an OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// LLMExtractor turns raw headlines into topics with ranked search keywords
// via a chat-completion model.
type LLMExtractor struct {
	cfg    LLMConfig
	client *http.Client
}

// NewLLMExtractor builds an LLMExtractor.
func NewLLMExtractor(cfg LLMConfig) *LLMExtractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &LLMExtractor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

const extractionPrompt = `You are given a numbered list of trending Chinese news headlines.
Group them into distinct topics of public discussion. For each topic emit a
short label and 1-3 search keywords people would type on social platforms.
Respond with a JSON array only, no prose:
[{"topic": "...", "source_rank": <number of the most prominent headline>, "keywords": ["...", "..."]}]

Headlines:
`

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type extractedTopic struct {
	Topic      string   `json:"topic"`
	SourceRank int      `json:"source_rank"`
	Keywords   []string `json:"keywords"`
}

// Extract asks the model for topics and keywords. Keyword weight is the
// normalized position in the model's ranking, first keyword heaviest.
func (e *LLMExtractor) Extract(ctx context.Context, headlines []pipeline.Headline, now time.Time) ([]pipeline.Topic, error) {
	if e.cfg.Endpoint == "" {
		return nil, pipeline.NewError(pipeline.ClassSourceUnavailable, "llm extract",
			fmt.Errorf("no llm endpoint configured"))
	}
	if len(headlines) == 0 {
		return nil, pipeline.NewError(pipeline.ClassEmptyResult, "llm extract",
			fmt.Errorf("no headlines to extract from"))
	}

	content, err := e.complete(ctx, buildPrompt(headlines))
	if err != nil {
		return nil, err
	}

	var extracted []extractedTopic
	if err := json.Unmarshal([]byte(stripFences(content)), &extracted); err != nil {
		return nil, pipeline.NewError(pipeline.ClassMalformedResponse, "llm extract",
			fmt.Errorf("model answer is not the expected JSON: %w", err))
	}

	topics := make([]pipeline.Topic, 0, len(extracted))
	for i, et := range extracted {
		if et.Topic == "" || len(et.Keywords) == 0 {
			continue
		}
		topic := pipeline.Topic{
			ID:           fmt.Sprintf("%s-%d", pipeline.RunDateOf(now), i+1),
			Headline:     et.Topic,
			Source:       headlineSource(headlines, et.SourceRank),
			SourceRank:   et.SourceRank,
			DiscoveredAt: now,
		}
		for j, kw := range et.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			topic.Keywords = append(topic.Keywords, pipeline.Keyword{
				Text:    kw,
				TopicID: topic.ID,
				Weight:  1 - float64(j)/float64(len(et.Keywords)),
			})
		}
		if len(topic.Keywords) > 0 {
			topics = append(topics, topic)
		}
	}
	if len(topics) == 0 {
		return nil, pipeline.NewError(pipeline.ClassEmptyResult, "llm extract",
			fmt.Errorf("model produced no usable topics"))
	}
	return topics, nil
}

func (e *LLMExtractor) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    e.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", pipeline.NewError(pipeline.ClassSourceUnavailable, "llm extract", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", pipeline.NewError(pipeline.ClassSourceUnavailable, "llm extract",
			fmt.Errorf("chat endpoint status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return "", pipeline.NewError(pipeline.ClassMalformedResponse, "llm extract", err)
	}
	if len(chat.Choices) == 0 {
		return "", pipeline.NewError(pipeline.ClassMalformedResponse, "llm extract",
			fmt.Errorf("chat response has no choices"))
	}
	return chat.Choices[0].Message.Content, nil
}

func buildPrompt(headlines []pipeline.Headline) string {
	var b strings.Builder
	b.WriteString(extractionPrompt)
	for i, h := range headlines {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, h.Source, h.Title)
	}
	return b.String()
}

func headlineSource(headlines []pipeline.Headline, rank int) string {
	if rank >= 1 && rank <= len(headlines) {
		return headlines[rank-1].Source
	}
	return "llm"
}

// stripFences removes a markdown code fence the model may wrap around its
// JSON answer.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
