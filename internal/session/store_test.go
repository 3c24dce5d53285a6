package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingAuth struct {
	logins atomic.Int64
	ttl    time.Duration
	clock  pipeline.Clock
	err    error
}

func (a *countingAuth) Login(_ context.Context, platform pipeline.Platform) (*pipeline.Session, error) {
	if a.err != nil {
		return nil, a.err
	}
	n := a.logins.Add(1)
	return &pipeline.Session{
		ID:        string(platform) + "-" + time.Duration(n).String(),
		Platform:  platform,
		Cookies:   map[string]string{"sid": "v"},
		ExpiresAt: a.clock.Now().Add(a.ttl),
	}, nil
}

func newTestStore(t *testing.T, poolSize int, timeout time.Duration) (*Store, *countingAuth, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	auth := &countingAuth{ttl: time.Hour, clock: clock}
	store := NewStore(auth, clock, Config{
		PoolSizes:      map[pipeline.Platform]int{pipeline.PlatformWeibo: poolSize},
		AcquireTimeout: timeout,
		Grace:          2 * time.Minute,
	}, zap.NewNop())
	return store, auth, clock
}

func TestAcquireCreatesLazily(t *testing.T) {
	t.Parallel()

	store, auth, _ := newTestStore(t, 2, time.Second)
	ctx := context.Background()

	h, err := store.Acquire(ctx, pipeline.PlatformWeibo)
	require.NoError(t, err)
	require.Equal(t, pipeline.PlatformWeibo, h.Platform)
	require.EqualValues(t, 1, auth.logins.Load())

	// A release followed by a reacquire reuses the handle without logging in.
	store.Release(h)
	h2, err := store.Acquire(ctx, pipeline.PlatformWeibo)
	require.NoError(t, err)
	require.Equal(t, h.ID, h2.ID)
	require.EqualValues(t, 1, auth.logins.Load())
}

func TestAcquireBoundedWaitExhaustsPool(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t, 1, 30*time.Millisecond)
	ctx := context.Background()

	h, err := store.Acquire(ctx, pipeline.PlatformWeibo)
	require.NoError(t, err)

	_, err = store.Acquire(ctx, pipeline.PlatformWeibo)
	require.Error(t, err)
	require.Equal(t, pipeline.ClassSessionPoolExhausted, pipeline.ClassOf(err))

	// Returning the handle unblocks the next caller.
	store.Release(h)
	h2, err := store.Acquire(ctx, pipeline.PlatformWeibo)
	require.NoError(t, err)
	require.Equal(t, h.ID, h2.ID)
}

func TestAcquireWaitsForConcurrentRelease(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t, 1, 2*time.Second)
	ctx := context.Background()

	h, err := store.Acquire(ctx, pipeline.PlatformWeibo)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		store.Release(h)
	}()

	h2, err := store.Acquire(ctx, pipeline.PlatformWeibo)
	require.NoError(t, err)
	require.Equal(t, h.ID, h2.ID)
}

func TestInvalidateTriggersRelogin(t *testing.T) {
	t.Parallel()

	store, auth, _ := newTestStore(t, 1, time.Second)
	ctx := context.Background()

	h, err := store.Acquire(ctx, pipeline.PlatformWeibo)
	require.NoError(t, err)
	store.Invalidate(h)

	h2, err := store.Acquire(ctx, pipeline.PlatformWeibo)
	require.NoError(t, err)
	require.NotEqual(t, h.ID, h2.ID)
	require.EqualValues(t, 2, auth.logins.Load())
}

func TestAcquireRefreshesNearExpiry(t *testing.T) {
	t.Parallel()

	store, auth, clock := newTestStore(t, 1, time.Second)
	ctx := context.Background()

	h, err := store.Acquire(ctx, pipeline.PlatformWeibo)
	require.NoError(t, err)
	store.Release(h)

	// Inside the grace window the idle handle is replaced, not lent.
	clock.Advance(59 * time.Minute)
	h2, err := store.Acquire(ctx, pipeline.PlatformWeibo)
	require.NoError(t, err)
	require.NotEqual(t, h.ID, h2.ID)
	require.EqualValues(t, 2, auth.logins.Load())
}

func TestLoginFailureIsClassified(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	auth := &countingAuth{ttl: time.Hour, clock: clock, err: errors.New("captcha wall")}
	store := NewStore(auth, clock, Config{AcquireTimeout: time.Second}, zap.NewNop())

	_, err := store.Acquire(context.Background(), pipeline.PlatformZhihu)
	require.Error(t, err)
	require.Equal(t, pipeline.ClassAuthRejected, pipeline.ClassOf(err))
}
