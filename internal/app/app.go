// Package app builds the long-lived services of the indexer from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	pubsub "cloud.google.com/go/pubsub/v2"
	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/api"
	"github.com/JakeFAU/syllabus-indexer/internal/clock/system"
	"github.com/JakeFAU/syllabus-indexer/internal/config"
	"github.com/JakeFAU/syllabus-indexer/internal/coordination"
	"github.com/JakeFAU/syllabus-indexer/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/syllabus-indexer/internal/fetcher/colly"
	"github.com/JakeFAU/syllabus-indexer/internal/hash/sha256"
	"github.com/JakeFAU/syllabus-indexer/internal/id/uuid"
	esindex "github.com/JakeFAU/syllabus-indexer/internal/index/elasticsearch"
	memindex "github.com/JakeFAU/syllabus-indexer/internal/index/memory"
	"github.com/JakeFAU/syllabus-indexer/internal/notify"
	pubsubnotify "github.com/JakeFAU/syllabus-indexer/internal/notify/pubsub"
	"github.com/JakeFAU/syllabus-indexer/internal/notify/webhook"
	"github.com/JakeFAU/syllabus-indexer/internal/orchestrator"
	"github.com/JakeFAU/syllabus-indexer/internal/policy/ratelimit"
	redisqueue "github.com/JakeFAU/syllabus-indexer/internal/queue/redis"
	"github.com/JakeFAU/syllabus-indexer/internal/retry"
	"github.com/JakeFAU/syllabus-indexer/internal/schedule"
	"github.com/JakeFAU/syllabus-indexer/internal/source"
	"github.com/JakeFAU/syllabus-indexer/internal/storage/gcs"
	"github.com/JakeFAU/syllabus-indexer/internal/storage/local"
	"github.com/JakeFAU/syllabus-indexer/internal/storage/memory"
	"github.com/JakeFAU/syllabus-indexer/internal/storage/postgres"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
	"github.com/JakeFAU/syllabus-indexer/internal/worker"
)

// App holds the shared services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	redis  redis.UniversalClient
	queue  *redisqueue.Queue
	locker *coordination.Locker

	index    syllabus.Index
	esClient *es.Client

	runs         syllabus.RunStore
	fingerprints syllabus.FingerprintStore
	pool         *pgxpool.Pool

	blobs    syllabus.BlobStore
	notifier syllabus.Notifier

	fetcher      syllabus.Fetcher
	site         *source.Site
	orchestrator *orchestrator.Orchestrator
	detail       *orchestrator.DetailHandler

	closers []func()
}

// Option overrides a collaborator, mostly for tests.
type Option func(*App)

// WithRedis supplies an existing Redis client instead of dialing cfg.Redis.
func WithRedis(client redis.UniversalClient) Option {
	return func(a *App) { a.redis = client }
}

// WithFetcher replaces the Colly fetcher.
func WithFetcher(f syllabus.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// New builds every service named by cfg. It fails fast on the first
// backend that cannot be initialized and releases what was already built.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clock := system.New()
	ids := uuid.New()

	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		client := a.redis
		a.onClose(func() { _ = client.Close() })
	}
	a.queue = redisqueue.New(a.redis, redisqueue.Config{
		Prefix:       cfg.Redis.Prefix,
		PollInterval: cfg.Redis.PollInterval,
		Retention:    cfg.Redis.Retention,
		SeenTTL:      cfg.Redis.SeenTTL,
		Lease:        cfg.Redis.Lease,
	}, clock, ids)
	a.locker = coordination.NewLocker(a.redis, coordination.LockConfig{Prefix: cfg.Redis.Prefix + ":lock"})

	if err := a.buildIndex(); err != nil {
		return nil, err
	}
	if err := a.buildStorage(ctx, clock); err != nil {
		return nil, err
	}
	if err := a.buildArchive(ctx); err != nil {
		return nil, err
	}
	if err := a.buildNotifier(ctx); err != nil {
		return nil, err
	}

	if a.fetcher == nil {
		a.fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Source.UserAgent,
			RespectRobots: cfg.Source.RespectRobots,
			Timeout:       cfg.Source.Timeout,
			Headers:       sourceHeaders(cfg.Source),
		})
	}
	if a.site, err = source.NewSite(cfg.Source.BaseURL, a.fetcher); err != nil {
		return nil, err
	}

	a.orchestrator = orchestrator.New(a.queue, a.index, a.runs, a.site, a.locker, clock, ids, orchestrator.Config{
		Category:  cfg.Source.Category,
		PageDelay: cfg.Crawl.PageDelay,
	}, logger.Named("orchestrator"))
	a.detail = orchestrator.NewDetailHandler(a.site, a.index, orchestrator.DetailDeps{
		Blobs:        a.blobs,
		Fingerprints: a.fingerprints,
		Hasher:       sha256.New(),
		Notifier:     a.notifier,
	}, logger.Named("detail"))

	logger.Info("application services initialized",
		zap.String("index", cfg.Index.Driver),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("archive", cfg.Archive.Driver),
	)
	return a, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *App) buildIndex() error {
	prefixes := map[syllabus.Locale]string{
		syllabus.LocaleJA: a.cfg.Index.PrefixJA,
		syllabus.LocaleEN: a.cfg.Index.PrefixEN,
	}
	switch a.cfg.Index.Driver {
	case "memory":
		a.logger.Warn("using in-memory index; published generations are lost on exit")
		a.index = memindex.New()
	default:
		client, err := esindex.NewClient(esindex.Config{
			Addresses:  a.cfg.Elasticsearch.Addresses,
			Username:   a.cfg.Elasticsearch.Username,
			Password:   a.cfg.Elasticsearch.Password,
			MaxRetries: a.cfg.Elasticsearch.MaxRetries,
		}, nil)
		if err != nil {
			return err
		}
		a.esClient = client
		a.index = esindex.New(client, prefixes, a.logger.Named("index"))
	}
	return nil
}

func (a *App) buildStorage(ctx context.Context, clock syllabus.Clock) error {
	switch a.cfg.Storage.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		a.pool = pool
		a.onClose(pool.Close)
		if err := postgres.EnsureSchema(ctx, pool, a.cfg.Storage.RunsTable, a.cfg.Storage.FingerprintsTable); err != nil {
			return err
		}
		runs, err := postgres.NewRunStore(pool, a.cfg.Storage.RunsTable, clock)
		if err != nil {
			return err
		}
		fingerprints, err := postgres.NewFingerprintStore(pool, a.cfg.Storage.FingerprintsTable, clock)
		if err != nil {
			return err
		}
		a.runs, a.fingerprints = runs, fingerprints
	default:
		a.runs = memory.NewRunStore(clock)
		a.fingerprints = memory.NewFingerprintStore()
	}
	return nil
}

func (a *App) buildArchive(ctx context.Context) error {
	switch a.cfg.Archive.Driver {
	case "memory":
		a.blobs = memory.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.blobs = store
	case "gcs":
		gcsCfg := gcs.Config{
			Bucket:   a.cfg.Archive.Bucket,
			Prefix:   a.cfg.Archive.Prefix,
			Endpoint: a.cfg.Archive.Endpoint,
		}
		client, err := gcs.NewClient(ctx, gcsCfg)
		if err != nil {
			return err
		}
		a.onClose(func() { _ = client.Close() })
		store, err := gcs.New(client, gcsCfg)
		if err != nil {
			return err
		}
		a.blobs = store
	}
	return nil
}

func (a *App) buildNotifier(ctx context.Context) error {
	var targets notify.Multi
	if a.cfg.Notify.WebhookURL != "" {
		hook, err := webhook.New(a.cfg.Notify.WebhookURL, nil)
		if err != nil {
			return err
		}
		targets = append(targets, hook)
	}
	if a.cfg.Notify.PubSubProject != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.PubSubProject)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		publisher := pubsubnotify.New(client.Publisher(a.cfg.Notify.PubSubTopic))
		a.onClose(func() {
			publisher.Stop()
			_ = client.Close()
		})
		targets = append(targets, publisher)
	}
	if len(targets) > 0 {
		a.notifier = targets
	}
	return nil
}

func sourceHeaders(cfg config.SourceConfig) http.Header {
	h := http.Header{}
	if cfg.Referer != "" {
		h.Set("Referer", cfg.Referer)
	}
	if cfg.AcceptLanguage != "" {
		h.Set("Accept-Language", cfg.AcceptLanguage)
	}
	return h
}

// Config returns the configuration the services were built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Index returns the configured index backend.
func (a *App) Index() syllabus.Index { return a.index }

// Runs returns the run ledger.
func (a *App) Runs() syllabus.RunStore { return a.runs }

// Queue returns the task queue.
func (a *App) Queue() *redisqueue.Queue { return a.queue }

// Locker returns the Redis lock that serializes alias swaps.
func (a *App) Locker() *coordination.Locker { return a.locker }

// Orchestrator returns the run orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Dispatcher builds the list and detail worker pools. The list pool always
// has a single worker so list pages are fetched one at a time.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	crawl := a.cfg.Crawl
	limiter := ratelimit.New(ratelimit.Config{
		Rules: map[syllabus.TaskKind]ratelimit.Rule{
			syllabus.TaskKindList:   {Every: crawl.ListInterval, Burst: 1},
			syllabus.TaskKindDetail: ratelimit.PerSecond(crawl.DetailRate),
		},
	})
	policy := retry.NewExponentialPolicy(retry.Config{
		MaxAttempts: crawl.MaxAttempts,
		BaseDelay:   crawl.BaseBackoff,
		MaxDelay:    crawl.MaxBackoff,
	})
	logger := a.logger.Named("worker")
	heartbeat := a.cfg.Redis.Lease / 3

	runners := dispatcher.Pool(1, func() *worker.Worker {
		return worker.New(syllabus.TaskKindList, a.queue, a.orchestrator, limiter, policy, logger).
			WithHeartbeat(a.queue, heartbeat)
	})
	runners = append(runners, dispatcher.Pool(crawl.DetailConcurrency, func() *worker.Worker {
		return worker.New(syllabus.TaskKindDetail, a.queue, a.detail, limiter, policy, logger).
			WithHeartbeat(a.queue, heartbeat)
	})...)

	// Recovery only reclaims expired leases, so peers sharing the queue keep
	// their tasks.
	var recoverer dispatcher.Recoverer
	if crawl.RecoverOnStart {
		recoverer = a.queue
	}
	return dispatcher.New(runners, recoverer, a.logger.Named("dispatcher"))
}

// APIServer builds the HTTP API over the index and run ledger.
func (a *App) APIServer() *api.Server {
	return api.NewServer(api.Deps{
		Index:   a.index,
		Runs:    a.runs,
		Starter: a.orchestrator,
		Checks:  a.checks(),
	}, api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger)
}

// Scheduler returns nil when no cron expression is configured.
func (a *App) Scheduler() (*schedule.Scheduler, error) {
	if a.cfg.Schedule.Cron == "" {
		return nil, nil
	}
	return schedule.New(a.cfg.Schedule.Cron, a.cfg.Source.Category, a.orchestrator, a.runs, a.logger)
}

func (a *App) checks() map[string]api.Check {
	checks := map[string]api.Check{
		"redis": func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
	}
	if a.esClient != nil {
		client := a.esClient
		checks["elasticsearch"] = func(ctx context.Context) error {
			res, err := client.Ping(client.Ping.WithContext(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = res.Body.Close() }()
			if res.IsError() {
				return errors.New(res.Status())
			}
			return nil
		}
	}
	if a.pool != nil {
		checks["postgres"] = a.pool.Ping
	}
	return checks
}

// Close releases backends in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync on shutdown", zap.Error(err))
	}
}
