// Package governor implements per-platform token-bucket rate limiting with
// throttle feedback.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/siftlabs/sentiment-crawler/internal/metrics"
	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// Config holds rate governor configuration.
type Config struct {
	SearchRPS   float64
	CommentsRPS float64
	Burst       int
	// RecoveryStep is the additive rate increase applied per reported
	// success, up to the configured baseline.
	RecoveryStep float64
}

type bucket struct {
	limiter  *rate.Limiter
	baseline rate.Limit
}

// Governor manages one token bucket per (platform, op-class) pair. Buckets
// are fully independent, so throttling on one platform never slows another.
type Governor struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
}

// New creates a Governor.
func New(cfg Config) *Governor {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.SearchRPS <= 0 {
		cfg.SearchRPS = 0.5
	}
	if cfg.CommentsRPS <= 0 {
		cfg.CommentsRPS = 1.0
	}
	if cfg.RecoveryStep <= 0 {
		cfg.RecoveryStep = 0.05
	}
	return &Governor{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
	}
}

// Wait blocks until a token is available for the pair or the context's
// deadline elapses.
func (g *Governor) Wait(ctx context.Context, platform pipeline.Platform, op pipeline.OpClass) error {
	b := g.bucket(platform, op)

	start := time.Now()
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(string(platform), string(op), waited)
	}
	return nil
}

// ReportThrottled halves the pair's refill rate in response to a 429-class
// signal. The rate never drops below a small floor so recovery stays
// possible.
func (g *Governor) ReportThrottled(platform pipeline.Platform, op pipeline.OpClass) {
	b := g.bucket(platform, op)
	g.mu.Lock()
	defer g.mu.Unlock()
	next := b.limiter.Limit() / 2
	if next < rate.Limit(0.01) {
		next = rate.Limit(0.01)
	}
	b.limiter.SetLimit(next)
}

// ReportSuccess recovers the pair's rate additively toward its baseline.
func (g *Governor) ReportSuccess(platform pipeline.Platform, op pipeline.OpClass) {
	b := g.bucket(platform, op)
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := b.limiter.Limit()
	if cur >= b.baseline {
		return
	}
	next := cur + rate.Limit(g.cfg.RecoveryStep)
	if next > b.baseline {
		next = b.baseline
	}
	b.limiter.SetLimit(next)
}

// Rate reports the pair's current refill rate in events per second.
func (g *Governor) Rate(platform pipeline.Platform, op pipeline.OpClass) float64 {
	b := g.bucket(platform, op)
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(b.limiter.Limit())
}

func (g *Governor) bucket(platform pipeline.Platform, op pipeline.OpClass) *bucket {
	key := string(platform) + "/" + string(op)
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[key]
	if !ok {
		baseline := rate.Limit(g.cfg.SearchRPS)
		if op == pipeline.OpComments {
			baseline = rate.Limit(g.cfg.CommentsRPS)
		}
		b = &bucket{
			limiter:  rate.NewLimiter(baseline, g.cfg.Burst),
			baseline: baseline,
		}
		g.buckets[key] = b
	}
	return b
}
