// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"fmt"
	"time"
)

// Platform identifies one supported social network.
type Platform string

// Supported platforms. The short codes match the upstream crawl targets.
const (
	PlatformWeibo       Platform = "wb"
	PlatformDouyin      Platform = "dy"
	PlatformKuaishou    Platform = "ks"
	PlatformXiaohongshu Platform = "xhs"
	PlatformTieba       Platform = "tieba"
	PlatformZhihu       Platform = "zhihu"
	PlatformBilibili    Platform = "bili"
)

// AllPlatforms returns every supported platform in a stable order.
func AllPlatforms() []Platform {
	return []Platform{
		PlatformWeibo,
		PlatformDouyin,
		PlatformKuaishou,
		PlatformXiaohongshu,
		PlatformTieba,
		PlatformZhihu,
		PlatformBilibili,
	}
}

// ParsePlatform validates a platform code.
func ParsePlatform(s string) (Platform, error) {
	for _, p := range AllPlatforms() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported platform %q", s)
}

// RunDate keys a pipeline run; format is YYYY-MM-DD.
type RunDate string

// ParseRunDate validates and normalizes a run date string.
func ParseRunDate(s string) (RunDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return "", fmt.Errorf("invalid run date %q: %w", s, err)
	}
	return RunDate(t.Format("2006-01-02")), nil
}

// RunDateOf converts a time to its run date.
func RunDateOf(t time.Time) RunDate {
	return RunDate(t.UTC().Format("2006-01-02"))
}

// Topic is a trending subject discovered from a headline feed.
// Immutable once persisted.
type Topic struct {
	ID           string    `json:"id"`
	Headline     string    `json:"headline"`
	Source       string    `json:"source"`
	SourceRank   int       `json:"source_rank"`
	Keywords     []Keyword `json:"keywords"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Keyword is a search term derived from a Topic. The TopicID is a
// back-reference for provenance lookups, not ownership.
type Keyword struct {
	Text    string  `json:"text"`
	TopicID string  `json:"topic_id"`
	Weight  float64 `json:"weight"`
}

// Headline is one entry from a hot-topics source before extraction.
type Headline struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	Source string `json:"source"`
	Rank   int    `json:"rank"`
}

// TaskState is the lifecycle state of a CrawlTask.
type TaskState string

// Task states persisted in the run store.
const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskExhausted TaskState = "exhausted"
)

// Terminal reports whether the state permits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskExhausted:
		return true
	default:
		return false
	}
}

// CrawlTask is one keyword crawled against one platform for one run date.
// Owned exclusively by the orchestrator while the run is live.
type CrawlTask struct {
	ID             string    `json:"id"`
	Keyword        string    `json:"keyword"`
	TopicID        string    `json:"topic_id"`
	Platform       Platform  `json:"platform"`
	RunDate        RunDate   `json:"run_date"`
	State          TaskState `json:"state"`
	AttemptCount   int       `json:"attempt_count"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	HeartbeatAt    time.Time `json:"heartbeat_at"`
	ItemCount      int       `json:"item_count"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorClass ErrorClass `json:"last_error_class,omitempty"`
}

// RawItem is a single crawled post or comment. Immutable after creation;
// a comment carries the native ID of its parent post.
type RawItem struct {
	Platform  Platform  `json:"platform"`
	NativeID  string    `json:"native_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	MediaRefs []string  `json:"media_refs,omitempty"`
	PostedAt  time.Time `json:"posted_at"`
	FetchedAt time.Time `json:"fetched_at"`
}

// IsComment reports whether the item references a parent post.
func (i RawItem) IsComment() bool {
	return i.ParentID != ""
}

// UpsertOutcome describes what an idempotent corpus upsert did.
type UpsertOutcome string

const (
	Inserted  UpsertOutcome = "inserted"
	Updated   UpsertOutcome = "updated"
	Unchanged UpsertOutcome = "unchanged"
)

// Provenance links a stored item to the topic/keyword/run that surfaced it.
// Append-only; the same fingerprint may be linked from many keywords.
type Provenance struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	TopicID     string      `json:"topic_id"`
	Keyword     string      `json:"keyword"`
	Platform    Platform    `json:"platform"`
	RunDate     RunDate     `json:"run_date"`
}

// RunState is the lifecycle state of a CrawlRun.
type RunState string

const (
	RunInitialized      RunState = "initialized"
	RunExtractingTopics RunState = "extracting_topics"
	RunCrawling         RunState = "crawling"
	RunCompleted        RunState = "completed"
	RunPartiallyFailed  RunState = "partially_failed"
)

// Terminal reports whether the run has converged.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunPartiallyFailed
}

// CrawlRun is one execution of the pipeline for a date; the unit of
// resumability.
type CrawlRun struct {
	RunDate    RunDate    `json:"run_date"`
	State      RunState   `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Summary    RunSummary `json:"summary"`
}

// RunSummary aggregates task outcomes for status reporting.
type RunSummary struct {
	TasksTotal     int         `json:"tasks_total"`
	TasksSucceeded int         `json:"tasks_succeeded"`
	TasksFailed    int         `json:"tasks_failed"`
	TasksExhausted int         `json:"tasks_exhausted"`
	ItemsInserted  int         `json:"items_inserted"`
	ItemsUpdated   int         `json:"items_updated"`
	ItemsUnchanged int         `json:"items_unchanged"`
	TaskErrors     []TaskError `json:"task_errors,omitempty"`
}

// TaskError identifies a failed task with enough detail to re-run selectively.
type TaskError struct {
	Keyword  string     `json:"keyword"`
	Platform Platform   `json:"platform"`
	Class    ErrorClass `json:"class"`
	Message  string     `json:"message"`
}

// Summarize folds a task list into a RunSummary.
func Summarize(tasks []CrawlTask) RunSummary {
	sum := RunSummary{TasksTotal: len(tasks)}
	for _, t := range tasks {
		switch t.State {
		case TaskSucceeded:
			sum.TasksSucceeded++
		case TaskFailed:
			sum.TasksFailed++
		case TaskExhausted:
			sum.TasksExhausted++
		}
		if t.State == TaskFailed || t.State == TaskExhausted {
			sum.TaskErrors = append(sum.TaskErrors, TaskError{
				Keyword:  t.Keyword,
				Platform: t.Platform,
				Class:    t.LastErrorClass,
				Message:  t.LastError,
			})
		}
	}
	return sum
}

// Session is a borrowed authentication handle for one platform. Connectors
// hold a session for the duration of a request and must return it.
type Session struct {
	ID        string            `json:"id"`
	Platform  Platform          `json:"platform"`
	Cookies   map[string]string `json:"cookies"`
	UserAgent string            `json:"user_agent"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Expired reports whether the session is past its expiry minus the grace
// window.
func (s *Session) Expired(now time.Time, grace time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(grace).Before(s.ExpiresAt)
}

// ItemPage is one page of a connector's lazy item sequence. An empty
// NextCursor signals clean exhaustion of the sequence.
type ItemPage struct {
	Items      []RawItem
	NextCursor string
}
