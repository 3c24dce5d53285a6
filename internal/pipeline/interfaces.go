package pipeline

import (
	"context"
	"errors"
	"time"
)

// OpClass distinguishes rate-governed operation classes; platforms often
// throttle search and comment fetching independently.
type OpClass string

const (
	OpSearch   OpClass = "search"
	OpComments OpClass = "comments"
)

// Connector executes the shared capability set against one platform.
// Implementations must respect the rate governor before every network call,
// surface classified errors, and never retry internally.
type Connector interface {
	Platform() Platform
	// Search returns one page of posts matching the keyword. Pass the
	// NextCursor of the previous page to continue; an empty NextCursor in
	// the result signals exhaustion.
	Search(ctx context.Context, keyword, cursor string, session *Session) (ItemPage, error)
	// Comments returns one page of comments under a post.
	Comments(ctx context.Context, postID, cursor string, session *Session) (ItemPage, error)
}

// SessionStore hands out authentication handles per platform.
type SessionStore interface {
	// Acquire blocks for a bounded wait when the pool is drained and fails
	// with ClassSessionPoolExhausted afterwards. Handles near expiry are
	// refreshed transparently.
	Acquire(ctx context.Context, platform Platform) (*Session, error)
	Release(session *Session)
	// Invalidate removes a rejected handle from the pool; the next Acquire
	// re-authenticates lazily.
	Invalidate(session *Session)
}

// Governor applies per-(platform, op-class) rate limiting with throttle
// feedback. Implementations are concurrency-safe.
type Governor interface {
	Wait(ctx context.Context, platform Platform, op OpClass) error
	ReportThrottled(platform Platform, op OpClass)
	ReportSuccess(platform Platform, op OpClass)
}

// CorpusStore persists deduplicated items and their provenance.
type CorpusStore interface {
	// Upsert is atomic and idempotent on the item's fingerprint.
	Upsert(ctx context.Context, item RawItem) (UpsertOutcome, error)
	AddProvenance(ctx context.Context, p Provenance) error
}

// RunStore holds durable run and task state; the source of truth for resume.
type RunStore interface {
	CreateRun(ctx context.Context, run CrawlRun) error
	GetRun(ctx context.Context, date RunDate) (CrawlRun, error)
	UpdateRun(ctx context.Context, run CrawlRun) error
	SaveTask(ctx context.Context, task CrawlTask) error
	ListTasks(ctx context.Context, date RunDate) ([]CrawlTask, error)
	Heartbeat(ctx context.Context, taskID string, at time.Time) error
}

// TopicStore persists topics and headline snapshots per date.
type TopicStore interface {
	SaveHeadlines(ctx context.Context, date RunDate, headlines []Headline) error
	SaveTopics(ctx context.Context, date RunDate, topics []Topic) error
	TopicsForDate(ctx context.Context, date RunDate) ([]Topic, error)
	// RecentKeywords merges deduplicated keywords from the trailing window,
	// newest first.
	RecentKeywords(ctx context.Context, until RunDate, days int) ([]Keyword, error)
}

// TopicExtractor produces the ranked topic set for a date.
type TopicExtractor interface {
	ExtractTopics(ctx context.Context, date RunDate) ([]Topic, error)
}

// ScorePublisher submits persisted items for sentiment scoring.
// Fire-and-forget: failures are logged, never retried by the pipeline.
type ScorePublisher interface {
	Submit(ctx context.Context, fp Fingerprint, item RawItem) error
}

// ArchiveStore keeps raw payloads for later inspection and returns a URI.
type ArchiveStore interface {
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Clock returns the current time (substitutable in tests).
type Clock interface {
	Now() time.Time
}

// ErrRunNotFound is returned by RunStore.GetRun for unknown dates.
var ErrRunNotFound = errors.New("run not found")
