// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	archivegcs "github.com/siftlabs/sentiment-crawler/internal/archive/gcs"
	archivelocal "github.com/siftlabs/sentiment-crawler/internal/archive/local"
	archivemem "github.com/siftlabs/sentiment-crawler/internal/archive/memory"
	"github.com/siftlabs/sentiment-crawler/internal/clock/system"
	"github.com/siftlabs/sentiment-crawler/internal/config"
	corpusmem "github.com/siftlabs/sentiment-crawler/internal/corpus/memory"
	corpuspg "github.com/siftlabs/sentiment-crawler/internal/corpus/postgres"
	"github.com/siftlabs/sentiment-crawler/internal/governor"
	"github.com/siftlabs/sentiment-crawler/internal/logging"
	"github.com/siftlabs/sentiment-crawler/internal/metrics"
	"github.com/siftlabs/sentiment-crawler/internal/orchestrator"
	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/platform"
	"github.com/siftlabs/sentiment-crawler/internal/platform/fetch"
	scoringpubsub "github.com/siftlabs/sentiment-crawler/internal/scoring/pubsub"
	"github.com/siftlabs/sentiment-crawler/internal/session"
	"github.com/siftlabs/sentiment-crawler/internal/session/headless"
	storemem "github.com/siftlabs/sentiment-crawler/internal/store/memory"
	storepg "github.com/siftlabs/sentiment-crawler/internal/store/postgres"
	"github.com/siftlabs/sentiment-crawler/internal/topics"
	"github.com/siftlabs/sentiment-crawler/internal/workflow"
)

// App holds all the shared, long-lived services for the crawl pipeline. It
// is initialized once at startup and handed to the commands that need it.
type App struct {
	Config config.Config
	Log    *zap.Logger
	Clock  pipeline.Clock
	Driver *workflow.Driver

	closers []func()
}

// New builds the full service graph from the config file at path. It fails
// fast when any critical backend cannot be initialized.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{Config: cfg, Log: log, Clock: system.New()}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	// Collectors must exist before the first task runs or /metrics scrape.
	metrics.Init()

	platforms, err := enabledPlatforms(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	archive, err := a.buildArchive(ctx, cfg.Archive)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init archive: %w", err)
	}

	gov := governor.New(governor.Config{
		SearchRPS:    cfg.RateLimit.SearchRPS,
		CommentsRPS:  cfg.RateLimit.CommentsRPS,
		Burst:        cfg.RateLimit.Burst,
		RecoveryStep: cfg.RateLimit.RecoveryStep,
	})
	client := fetch.New(fetch.Config{}, gov)

	registry, err := platform.NewRegistry(platform.Deps{
		Client:  client,
		Archive: archive,
		Clock:   a.Clock,
	}, platforms)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init connectors: %w", err)
	}

	sessions, err := a.buildSessions(cfg, platforms)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init sessions: %w", err)
	}

	corpus, runs, topicStore, err := a.buildStores(ctx, cfg.DB)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init stores: %w", err)
	}

	scorer, err := a.buildScorer(ctx, cfg.Scoring)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init scoring: %w", err)
	}

	planner := a.buildPlanner(cfg.Topics, cfg.Crawl.MaxKeywords, topicStore)

	orch := orchestrator.New(registry, sessions, corpus, runs, scorer, a.Clock, orchestrator.Config{
		WorkersPerPlatform: cfg.Crawl.WorkersPerPlatform,
		MaxAttempts:        cfg.Crawl.MaxAttempts,
		BackoffInitial:     time.Duration(cfg.Crawl.BackoffInitialMs) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.Crawl.BackoffMaxMs) * time.Millisecond,
		TaskTimeout:        cfg.TaskBudget(),
		MaxItemsPerTask:    cfg.Crawl.MaxItemsPerTask,
		MaxCommentsPerPost: cfg.Crawl.MaxCommentsPerPost,
		FetchComments:      cfg.Crawl.FetchComments,
	}, log.Named("orchestrator"))

	a.Driver = workflow.New(runs, planner, orch, a.Clock, workflow.Config{
		Platforms:      platforms,
		HeartbeatStale: cfg.HeartbeatStale(),
	}, log.Named("workflow"))

	return a, nil
}

// Close releases every service the App owns, in reverse creation order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// enabledPlatforms intersects the crawl list with per-platform enable flags.
func enabledPlatforms(cfg config.Config) ([]pipeline.Platform, error) {
	var out []pipeline.Platform
	for _, name := range cfg.Crawl.Platforms {
		p, err := pipeline.ParsePlatform(name)
		if err != nil {
			return nil, err
		}
		if pc, ok := cfg.Platforms[name]; ok && !pc.Enabled {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no platforms enabled")
	}
	return out, nil
}

func (a *App) buildArchive(ctx context.Context, cfg config.ArchiveConfig) (pipeline.ArchiveStore, error) {
	switch cfg.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.Log.Info("using GCS payload archive", zap.String("bucket", cfg.GCSBucket))
		return archivegcs.New(client, archivegcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
	case "local":
		a.Log.Info("using local payload archive", zap.String("dir", cfg.LocalDir))
		return archivelocal.New(archivelocal.Config{BaseDir: cfg.LocalDir})
	case "memory":
		return archivemem.New(), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// buildSessions constructs the session store. Platforms with a login URL go
// through the headless browser flow; the rest use statically provisioned
// cookies.
func (a *App) buildSessions(cfg config.Config, platforms []pipeline.Platform) (*session.Store, error) {
	creds := make(map[pipeline.Platform]session.Credentials)
	logins := make(map[pipeline.Platform]headless.PlatformLogin)
	poolSizes := make(map[pipeline.Platform]int)

	for _, p := range platforms {
		pc, ok := cfg.Platforms[string(p)]
		if !ok {
			continue
		}
		if pc.PoolSize > 0 {
			poolSizes[p] = pc.PoolSize
		}
		ttl := time.Duration(pc.SessionTTLSec) * time.Second
		if pc.LoginURL != "" {
			logins[p] = headless.PlatformLogin{
				LoginURL:    pc.LoginURL,
				SeedCookies: pc.Cookies,
				UserAgent:   pc.UserAgent,
				SessionTTL:  ttl,
			}
			continue
		}
		creds[p] = session.Credentials{
			Cookies:   pc.Cookies,
			UserAgent: pc.UserAgent,
			TTL:       ttl,
		}
	}

	auth := routingAuthenticator{
		static: session.NewStaticAuthenticator(creds, a.Clock),
	}
	if len(logins) > 0 {
		browser, err := headless.New(headless.Config{Logins: logins}, a.Clock)
		if err != nil {
			return nil, err
		}
		auth.browser = browser
		auth.browserFor = logins
	}

	return session.NewStore(auth, a.Clock, session.Config{
		PoolSizes:      poolSizes,
		AcquireTimeout: time.Duration(cfg.Sessions.AcquireTimeoutMs) * time.Millisecond,
		Grace:          time.Duration(cfg.Sessions.GraceSeconds) * time.Second,
	}, a.Log.Named("sessions")), nil
}

// routingAuthenticator sends platforms with a configured login flow through
// the headless browser and everything else through static cookies.
type routingAuthenticator struct {
	static     session.Authenticator
	browser    session.Authenticator
	browserFor map[pipeline.Platform]headless.PlatformLogin
}

func (r routingAuthenticator) Login(ctx context.Context, p pipeline.Platform) (*pipeline.Session, error) {
	if r.browser != nil {
		if _, ok := r.browserFor[p]; ok {
			return r.browser.Login(ctx, p)
		}
	}
	return r.static.Login(ctx, p)
}

// buildStores wires the corpus, run, and topic stores. A configured DSN
// selects Postgres; otherwise everything runs in memory, which is only
// suitable for local experiments.
func (a *App) buildStores(ctx context.Context, cfg config.DBConfig) (pipeline.CorpusStore, pipeline.RunStore, pipeline.TopicStore, error) {
	if cfg.DSN == "" {
		a.Log.Warn("no database configured, using in-memory stores")
		return corpusmem.New(), storemem.NewRunStore(), storemem.NewTopicStore(), nil
	}

	corpus, err := corpuspg.New(ctx, corpuspg.Config{
		DSN:             cfg.DSN,
		Table:           cfg.CorpusTable,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.ConnLifetime,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	a.closers = append(a.closers, corpus.Close)

	pool, err := storepg.NewPool(ctx, storepg.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.ConnLifetime,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	a.closers = append(a.closers, pool.Close)

	runs, err := storepg.NewRunStore(pool)
	if err != nil {
		return nil, nil, nil, err
	}
	topicStore, err := storepg.NewTopicStore(pool)
	if err != nil {
		return nil, nil, nil, err
	}
	return corpus, runs, topicStore, nil
}

func (a *App) buildScorer(ctx context.Context, cfg config.ScoringConfig) (pipeline.ScorePublisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })

	pub, err := scoringpubsub.New(client, cfg.TopicName)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pub.Stop)
	a.Log.Info("scoring submissions enabled", zap.String("topic", cfg.TopicName))
	return pub, nil
}

func (a *App) buildPlanner(cfg config.TopicsConfig, maxKeywords int, store pipeline.TopicStore) *topics.Planner {
	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	feed := topics.NewFeedClient(topics.FeedConfig{
		BaseURL: cfg.FeedBaseURL,
		Sources: cfg.FeedSources,
		Timeout: timeout,
	}, a.Log.Named("topics"))
	model := topics.NewLLMExtractor(topics.LLMConfig{
		Endpoint: cfg.LLMEndpoint,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
		Timeout:  timeout,
	})

	var extractor *topics.Extractor
	if len(cfg.RSSFeeds) > 0 {
		rss := topics.NewRSSClient(cfg.RSSFeeds, a.Log.Named("rss"))
		extractor = topics.NewExtractor(feed, rss, model, store, a.Clock, a.Log.Named("topics"))
	} else {
		extractor = topics.NewExtractor(feed, nil, model, store, a.Clock, a.Log.Named("topics"))
	}

	return topics.NewPlanner(extractor, store, topics.PlannerConfig{
		MaxKeywords:     maxKeywords,
		FallbackDays:    cfg.FallbackDays,
		DefaultKeywords: cfg.DefaultKeywords,
	}, a.Log.Named("planner"))
}
