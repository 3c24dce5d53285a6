// Package headless refreshes platform sessions with a headless browser.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// PlatformLogin describes how to reach one platform's logged-in state.
type PlatformLogin struct {
	// LoginURL is navigated with previously provisioned cookies applied;
	// the platform re-issues fresh session cookies on load.
	LoginURL string
	// SeedCookies are applied before navigation (e.g. a long-lived refresh
	// token provisioned out of band).
	SeedCookies map[string]string
	CookieDomain string
	UserAgent    string
	SessionTTL   time.Duration
}

// Config controls the headless authenticator.
type Config struct {
	MaxParallel       int
	NavigationTimeout time.Duration
	Logins            map[pipeline.Platform]PlatformLogin
}

// Authenticator implements session.Authenticator using chromedp. It drives
// a real browser through the platform's session-refresh flow and harvests
// the resulting cookies.
type Authenticator struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	clock       pipeline.Clock
}

// New creates a headless authenticator backed by chromedp.
func New(cfg Config, clock pipeline.Clock) (*Authenticator, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Authenticator{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		clock:       clock,
	}, nil
}

// Close cancels the allocator context.
func (a *Authenticator) Close() {
	a.allocCancel()
}

// Login runs the platform's refresh flow and returns a session built from
// the harvested cookies.
func (a *Authenticator) Login(ctx context.Context, platform pipeline.Platform) (*pipeline.Session, error) {
	login, ok := a.cfg.Logins[platform]
	if !ok || login.LoginURL == "" {
		return nil, pipeline.NewPlatformError(
			pipeline.ClassAuthRejected, "headless login", platform,
			fmt.Errorf("no login flow configured"),
		)
	}

	if err := a.acquire(ctx); err != nil {
		return nil, err
	}
	defer a.release()

	taskCtx, taskCancel := chromedp.NewContext(a.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, a.cfg.NavigationTimeout)
	defer cancel()

	cookies, err := a.runLogin(taskCtx, login)
	if err != nil {
		return nil, pipeline.NewPlatformError(pipeline.ClassAuthRejected, "headless login", platform, err)
	}
	if len(cookies) == 0 {
		return nil, pipeline.NewPlatformError(
			pipeline.ClassAuthRejected, "headless login", platform,
			fmt.Errorf("no cookies issued for %s", login.LoginURL),
		)
	}

	ttl := login.SessionTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &pipeline.Session{
		ID:        uuid.NewString(),
		Platform:  platform,
		Cookies:   cookies,
		UserAgent: login.UserAgent,
		ExpiresAt: a.clock.Now().Add(ttl),
	}, nil
}

func (a *Authenticator) runLogin(ctx context.Context, login PlatformLogin) (map[string]string, error) {
	cookies := map[string]string{}
	actions := []chromedp.Action{
		a.networkSetupAction(login),
		chromedp.Navigate(login.LoginURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.ActionFunc(func(ctx context.Context) error {
			got, err := storage.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("get cookies: %w", err)
			}
			for _, c := range got {
				cookies[c.Name] = c.Value
			}
			return nil
		}),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return cookies, nil
}

func (a *Authenticator) networkSetupAction(login PlatformLogin) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if login.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(login.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		for name, value := range login.SeedCookies {
			err := network.SetCookie(name, value).
				WithDomain(login.CookieDomain).
				WithPath("/").
				Do(ctx)
			if err != nil {
				return fmt.Errorf("seed cookie %s: %w", name, err)
			}
		}
		return nil
	})
}

func (a *Authenticator) acquire(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	select {
	case a.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (a *Authenticator) release() {
	if a.limiter == nil {
		return
	}
	select {
	case <-a.limiter:
	default:
	}
}
