package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siftlabs/sentiment-crawler/internal/metrics"
)

func TestNewBuildsServiceGraph(t *testing.T) {
	a, err := New(context.Background(), "")
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Driver)
	require.NotNil(t, a.Clock)

	// Construction registers the Prometheus collectors, so a scrape
	// exposes the pipeline metrics straight away.
	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "crawl_run_duration_seconds")
	require.Contains(t, string(body), "scoring_publish_errors_total")
}
