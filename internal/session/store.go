// Package session manages per-platform authentication handle pools.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// Authenticator performs the platform-specific login or refresh routine and
// returns a fresh session handle.
type Authenticator interface {
	Login(ctx context.Context, platform pipeline.Platform) (*pipeline.Session, error)
}

// Config controls pool behavior.
type Config struct {
	// PoolSize is the number of concurrently valid handles per platform.
	PoolSizes map[pipeline.Platform]int
	// AcquireTimeout bounds the wait when every handle is checked out.
	AcquireTimeout time.Duration
	// Grace is the window before expiry within which Acquire refreshes a
	// handle instead of lending it out.
	Grace time.Duration
}

// Store implements pipeline.SessionStore. Handles are borrowed for the
// duration of one request and returned via Release; a handle the platform
// rejects is removed with Invalidate and recreated lazily.
type Store struct {
	mu    sync.Mutex
	pools map[pipeline.Platform]*pool
	auth  Authenticator
	clock pipeline.Clock
	cfg   Config
	log   *zap.Logger
}

type pool struct {
	idle chan *pipeline.Session
	size int
	// lent counts handles in circulation (idle + borrowed).
	lent int
}

// NewStore constructs a Store.
func NewStore(auth Authenticator, clock pipeline.Clock, cfg Config, log *zap.Logger) *Store {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		pools: make(map[pipeline.Platform]*pool),
		auth:  auth,
		clock: clock,
		cfg:   cfg,
		log:   log,
	}
}

// Acquire returns a valid handle for the platform, creating or refreshing
// one as needed. It blocks for at most the configured acquire timeout when
// the pool is drained and then fails with ClassSessionPoolExhausted.
func (s *Store) Acquire(ctx context.Context, platform pipeline.Platform) (*pipeline.Session, error) {
	p := s.pool(platform)

	// Idle handle available right now.
	select {
	case h := <-p.idle:
		return s.ensureFresh(ctx, platform, h)
	default:
	}

	// Room to mint a new handle.
	if s.reserve(p) {
		h, err := s.login(ctx, platform)
		if err != nil {
			s.unreserve(p)
			return nil, err
		}
		return h, nil
	}

	// Pool at capacity: bounded wait for a return.
	timer := time.NewTimer(s.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case h := <-p.idle:
		return s.ensureFresh(ctx, platform, h)
	case <-timer.C:
		return nil, pipeline.NewPlatformError(
			pipeline.ClassSessionPoolExhausted, "session acquire", platform,
			fmt.Errorf("no handle available within %s", s.cfg.AcquireTimeout),
		)
	case <-ctx.Done():
		return nil, pipeline.NewPlatformError(
			pipeline.ClassTransientNetwork, "session acquire", platform, ctx.Err(),
		)
	}
}

// Release returns a borrowed handle to its pool.
func (s *Store) Release(h *pipeline.Session) {
	if h == nil {
		return
	}
	p := s.pool(h.Platform)
	select {
	case p.idle <- h:
	default:
		// Pool shrank since the borrow; drop the surplus handle.
		s.unreserve(p)
	}
}

// Invalidate removes a rejected handle from circulation. The next Acquire
// re-authenticates lazily.
func (s *Store) Invalidate(h *pipeline.Session) {
	if h == nil {
		return
	}
	s.unreserve(s.pool(h.Platform))
	s.log.Warn("session invalidated",
		zap.String("platform", string(h.Platform)),
		zap.String("session_id", h.ID),
	)
}

func (s *Store) ensureFresh(ctx context.Context, platform pipeline.Platform, h *pipeline.Session) (*pipeline.Session, error) {
	if !h.Expired(s.clock.Now(), s.cfg.Grace) {
		return h, nil
	}
	s.log.Info("session near expiry, refreshing",
		zap.String("platform", string(platform)),
		zap.String("session_id", h.ID),
	)
	fresh, err := s.login(ctx, platform)
	if err != nil {
		s.unreserve(s.pool(platform))
		return nil, err
	}
	return fresh, nil
}

func (s *Store) login(ctx context.Context, platform pipeline.Platform) (*pipeline.Session, error) {
	h, err := s.auth.Login(ctx, platform)
	if err != nil {
		if pipeline.ClassOf(err) != pipeline.ClassUnknown {
			return nil, err
		}
		return nil, pipeline.NewPlatformError(pipeline.ClassAuthRejected, "session login", platform, err)
	}
	if h == nil {
		return nil, pipeline.NewPlatformError(
			pipeline.ClassAuthRejected, "session login", platform, errors.New("authenticator returned no session"),
		)
	}
	return h, nil
}

func (s *Store) pool(platform pipeline.Platform) *pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[platform]
	if !ok {
		size := s.cfg.PoolSizes[platform]
		if size <= 0 {
			size = 1
		}
		p = &pool{idle: make(chan *pipeline.Session, size), size: size}
		s.pools[platform] = p
	}
	return p
}

func (s *Store) reserve(p *pool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.lent >= p.size {
		return false
	}
	p.lent++
	return true
}

func (s *Store) unreserve(p *pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.lent > 0 {
		p.lent--
	}
}
