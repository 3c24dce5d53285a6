package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOfUnwrapsWrappedErrors(t *testing.T) {
	t.Parallel()

	base := NewPlatformError(ClassThrottled, "search", PlatformWeibo, errors.New("429"))
	wrapped := fmt.Errorf("task attempt: %w", base)
	require.Equal(t, ClassThrottled, ClassOf(wrapped))
}

func TestClassOfDeadlineIsTransient(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("fetch: %w", context.DeadlineExceeded)
	require.Equal(t, ClassTransientNetwork, ClassOf(err))
}

func TestClassOfUnclassified(t *testing.T) {
	t.Parallel()

	require.Equal(t, ClassUnknown, ClassOf(errors.New("mystery")))
	require.Equal(t, ErrorClass(""), ClassOf(nil))
}

func TestRetryableClasses(t *testing.T) {
	t.Parallel()

	require.True(t, ClassThrottled.Retryable())
	require.True(t, ClassTransientNetwork.Retryable())
	require.True(t, ClassPersistenceUnavailable.Retryable())
	require.True(t, ClassSessionPoolExhausted.Retryable())
	require.False(t, ClassAuthRejected.Retryable())
	require.False(t, ClassMalformedKeyword.Retryable())
	require.False(t, ClassMalformedResponse.Retryable())
}

func TestPayloadRefOf(t *testing.T) {
	t.Parallel()

	err := &Error{Class: ClassMalformedResponse, Op: "parse", PayloadRef: "mem://payloads/x"}
	require.Equal(t, "mem://payloads/x", PayloadRefOf(fmt.Errorf("search: %w", err)))
	require.Empty(t, PayloadRefOf(errors.New("plain")))
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	tasks := []CrawlTask{
		{State: TaskSucceeded, ItemCount: 3},
		{State: TaskSucceeded},
		{State: TaskFailed, Keyword: "launch", Platform: PlatformDouyin, LastError: "auth", LastErrorClass: ClassAuthRejected},
		{State: TaskExhausted, Keyword: "new product", Platform: PlatformWeibo, LastErrorClass: ClassThrottled},
	}
	sum := Summarize(tasks)
	require.Equal(t, 4, sum.TasksTotal)
	require.Equal(t, 2, sum.TasksSucceeded)
	require.Equal(t, 1, sum.TasksFailed)
	require.Equal(t, 1, sum.TasksExhausted)
	require.Len(t, sum.TaskErrors, 2)
	require.Equal(t, ClassAuthRejected, sum.TaskErrors[0].Class)
}
