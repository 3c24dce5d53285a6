package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitExposesCollectors(t *testing.T) {
	Init()

	ObserveTaskTerminal("wb", "succeeded")
	ObserveItem("wb", "inserted")
	ObserveRetry("zhihu", "throttled")
	ObserveRateLimitDelay("wb", "search", 50*time.Millisecond)
	ObserveRunDuration(3 * time.Second)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	for _, metric := range []string{
		"crawl_tasks_total",
		"crawl_items_total",
		"crawl_task_retries_total",
		"rate_limit_delay_seconds",
		"crawl_run_duration_seconds",
	} {
		require.Contains(t, string(body), metric)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	ObserveItem("wb", "updated")
}
