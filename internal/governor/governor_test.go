package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

func TestWaitProceedsWithTokens(t *testing.T) {
	t.Parallel()

	g := New(Config{SearchRPS: 100, CommentsRPS: 100, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Wait(ctx, pipeline.PlatformWeibo, pipeline.OpSearch))
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()

	g := New(Config{SearchRPS: 0.01, CommentsRPS: 0.01, Burst: 1})
	ctx := context.Background()

	// Drain the single burst token.
	require.NoError(t, g.Wait(ctx, pipeline.PlatformZhihu, pipeline.OpSearch))

	deadlineCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := g.Wait(deadlineCtx, pipeline.PlatformZhihu, pipeline.OpSearch)
	require.Error(t, err)
}

func TestThrottleHalvesAndRecoversAdditively(t *testing.T) {
	t.Parallel()

	g := New(Config{SearchRPS: 2, CommentsRPS: 2, Burst: 1, RecoveryStep: 0.5})

	g.ReportThrottled(pipeline.PlatformDouyin, pipeline.OpSearch)
	require.InDelta(t, 1.0, g.Rate(pipeline.PlatformDouyin, pipeline.OpSearch), 1e-9)

	g.ReportThrottled(pipeline.PlatformDouyin, pipeline.OpSearch)
	require.InDelta(t, 0.5, g.Rate(pipeline.PlatformDouyin, pipeline.OpSearch), 1e-9)

	g.ReportSuccess(pipeline.PlatformDouyin, pipeline.OpSearch)
	require.InDelta(t, 1.0, g.Rate(pipeline.PlatformDouyin, pipeline.OpSearch), 1e-9)

	// Recovery is clamped at the baseline.
	for i := 0; i < 10; i++ {
		g.ReportSuccess(pipeline.PlatformDouyin, pipeline.OpSearch)
	}
	require.InDelta(t, 2.0, g.Rate(pipeline.PlatformDouyin, pipeline.OpSearch), 1e-9)
}

func TestPlatformsAreIndependent(t *testing.T) {
	t.Parallel()

	g := New(Config{SearchRPS: 2, CommentsRPS: 4, Burst: 1})

	g.ReportThrottled(pipeline.PlatformWeibo, pipeline.OpSearch)
	g.ReportThrottled(pipeline.PlatformWeibo, pipeline.OpSearch)

	require.InDelta(t, 0.5, g.Rate(pipeline.PlatformWeibo, pipeline.OpSearch), 1e-9)
	require.InDelta(t, 2.0, g.Rate(pipeline.PlatformBilibili, pipeline.OpSearch), 1e-9)
	// Operation classes on the same platform are independent too.
	require.InDelta(t, 4.0, g.Rate(pipeline.PlatformWeibo, pipeline.OpComments), 1e-9)
}
