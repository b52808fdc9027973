// Package app assembles resale-sync from configuration: storage, adapters,
// the orchestrator and every background loop. The binaries under cmd/ are
// thin wrappers around it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"resale-sync/internal/alert"
	"resale-sync/internal/api"
	"resale-sync/internal/clock"
	"resale-sync/internal/config"
	"resale-sync/internal/domain"
	"resale-sync/internal/ingestion"
	"resale-sync/internal/marketplace"
	"resale-sync/internal/observability"
	"resale-sync/internal/orchestrator"
	"resale-sync/internal/pricing"
	"resale-sync/internal/queue"
	"resale-sync/internal/reconcile"
	"resale-sync/internal/retry"
	"resale-sync/internal/storage"
	chstore "resale-sync/internal/storage/clickhouse"
	"resale-sync/internal/storage/memory"
	"resale-sync/internal/storage/migrations"
	pgstore "resale-sync/internal/storage/postgres"
	"resale-sync/internal/worker"
)

const userAgent = "resale-sync/1.0"

// Stores holds every storage backend the service uses.
type Stores struct {
	Listings    storage.ListingStore
	Assets      storage.AssetStore
	Inbox       storage.EventInbox
	DeadLetters storage.DeadLetterStore
	Audit       storage.AuditStore
	Outcomes    storage.JobOutcomeStore
}

// Options for creating an App.
type Options struct {
	// Required
	Config *config.Config

	// Optional
	Logger  *zap.Logger
	Clock   clock.Clock
	Migrate bool // apply embedded migrations on connect

	// Adapters replaces the adapters built from Config.Platforms.
	Adapters []marketplace.Adapter
}

// App is the assembled service.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  clock.Clock

	Stores       Stores
	Queue        *queue.Queue
	Registry     *marketplace.Registry
	Breakers     *retry.Breakers
	Notifier     alert.Notifier
	Orchestrator *orchestrator.Orchestrator
	Pool         *worker.Pool
	Dispatcher   *ingestion.Dispatcher
	Poller       *ingestion.Poller
	Streams      []*ingestion.StreamSource
	Reconciler   *reconcile.Reconciler
	Pricing      *pricing.Loop // nil when pricing is disabled

	closers []func()
}

// New connects storage and builds every component. Call Close when done.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("app: config required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	cfg := opts.Config
	a := &App{cfg: cfg, logger: logger, clock: clk}

	if err := a.openStores(ctx, opts.Migrate); err != nil {
		a.Close()
		return nil, err
	}

	adapters := opts.Adapters
	if adapters == nil {
		var err error
		if adapters, err = buildAdapters(cfg.Platforms, clk); err != nil {
			a.Close()
			return nil, err
		}
	}
	registry, err := marketplace.NewRegistry(adapters...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Registry = registry

	if err := a.buildNotifier(); err != nil {
		a.Close()
		return nil, err
	}

	a.Breakers = retry.NewBreakers(retry.BreakerOptions{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		Clock:            clk,
		OnStateChange: func(platform string, from, to retry.BreakerState) {
			observability.UpdateBreakerState(platform, string(to))
			logger.Warn("circuit breaker state changed",
				zap.String("platform", platform),
				zap.String("from", string(from)),
				zap.String("to", string(to)))
		},
	})

	a.Queue = queue.New(clk)
	a.Orchestrator = orchestrator.New(orchestrator.Options{
		Listings:  a.Stores.Listings,
		Assets:    a.Stores.Assets,
		Queue:     a.Queue,
		Notifier:  a.Notifier,
		Clock:     clk,
		Logger:    logger,
		Platforms: registry.Names(),
	})

	policy := retry.DefaultPolicy()
	policy.MaxAttempts[domain.ActionList] = cfg.Retry.ListAttempts
	policy.MaxAttempts[domain.ActionUpdatePrice] = cfg.Retry.UpdatePriceAttempts
	policy.MaxAttempts[domain.ActionDelist] = cfg.Retry.DelistAttempts
	policy.InitialInterval = cfg.Retry.InitialInterval
	policy.MaxInterval = cfg.Retry.MaxInterval
	policy.CallTimeout = cfg.Retry.CallTimeout

	a.Pool = worker.New(worker.Options{
		Queue:         a.Queue,
		Orchestrator:  a.Orchestrator,
		Registry:      registry,
		DeadLetters:   a.Stores.DeadLetters,
		Assets:        a.Stores.Assets,
		Outcomes:      a.Stores.Outcomes,
		Notifier:      a.Notifier,
		Policy:        &policy,
		Breakers:      a.Breakers,
		Clock:         clk,
		Logger:        logger,
		Workers:       cfg.Workers.Count,
		FlushInterval: cfg.Workers.FlushInterval,
		OutcomeBatch:  cfg.Workers.OutcomeBatch,
	})

	a.Dispatcher = ingestion.NewDispatcher(ingestion.DispatcherOptions{
		Inbox:     a.Stores.Inbox,
		Applier:   a.Orchestrator,
		Clock:     clk,
		Logger:    logger,
		BatchSize: cfg.Ingestion.DispatchBatch,
		Interval:  cfg.Ingestion.DispatchInterval,
	})
	a.Poller = ingestion.NewPoller(ingestion.PollerOptions{
		Listings:    a.Stores.Listings,
		Registry:    registry,
		Inbox:       a.Stores.Inbox,
		Waker:       a.Dispatcher,
		Clock:       clk,
		Logger:      logger,
		Interval:    cfg.Ingestion.PollInterval,
		Concurrency: cfg.Ingestion.PollConcurrency,
		Timeout:     cfg.Retry.CallTimeout,
	})
	if err := a.buildStreams(); err != nil {
		a.Close()
		return nil, err
	}

	a.Reconciler = reconcile.New(reconcile.Options{
		Listings:     a.Stores.Listings,
		Orchestrator: a.Orchestrator,
		Registry:     registry,
		Audit:        a.Stores.Audit,
		Clock:        clk,
		Logger:       logger,
		Interval:     cfg.Reconcile.Interval,
		SaleTimeout:  cfg.Reconcile.SaleTimeout,
		Concurrency:  cfg.Reconcile.Concurrency,
		CallTimeout:  cfg.Retry.CallTimeout,
	})

	if cfg.Pricing.Enabled {
		if err := a.buildPricing(); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// openStores connects the configured storage backends. ClickHouse is
// optional for either driver; without it audit records and job outcomes
// stay in memory.
func (a *App) openStores(ctx context.Context, migrate bool) error {
	cfg := a.cfg.Storage

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if migrate {
			applied, err := migrations.ApplyPostgres(ctx, pool)
			if err != nil {
				return fmt.Errorf("postgres migrations: %w", err)
			}
			if len(applied) > 0 {
				a.logger.Info("postgres migrations applied", zap.Strings("files", applied))
			}
		}
		a.Stores.Listings = pgstore.NewListingStore(pool)
		a.Stores.Assets = pgstore.NewAssetStore(pool)
		a.Stores.Inbox = pgstore.NewEventInbox(pool)
		a.Stores.DeadLetters = pgstore.NewDeadLetterStore(pool)
	default:
		a.Stores.Listings = memory.NewShardedListingStore(cfg.Shards)
		a.Stores.Assets = memory.NewAssetStore()
		a.Stores.Inbox = memory.NewEventInbox()
		a.Stores.DeadLetters = memory.NewDeadLetterStore()
	}

	if cfg.ClickHouseDSN == "" {
		a.Stores.Audit = memory.NewAuditStore()
		a.Stores.Outcomes = memory.NewJobOutcomeStore()
		return nil
	}

	if migrate {
		if err := chstore.EnsureDatabase(ctx, cfg.ClickHouseDSN); err != nil {
			return err
		}
	}
	conn, err := chstore.NewConn(ctx, cfg.ClickHouseDSN)
	if err != nil {
		return fmt.Errorf("connect to clickhouse: %w", err)
	}
	a.closers = append(a.closers, func() { conn.Close() })
	if migrate {
		if _, err := migrations.ApplyClickhouse(ctx, conn); err != nil {
			return fmt.Errorf("clickhouse migrations: %w", err)
		}
	}
	a.Stores.Audit = chstore.NewAuditStore(conn)
	a.Stores.Outcomes = chstore.NewJobOutcomeStore(conn)
	return nil
}

func buildAdapters(platforms []config.PlatformConfig, clk clock.Clock) ([]marketplace.Adapter, error) {
	adapters := make([]marketplace.Adapter, 0, len(platforms))
	for _, p := range platforms {
		httpOpts := marketplace.HTTPAdapterOptions{
			Name:          p.Name,
			BaseURL:       p.BaseURL,
			APIKey:        p.APIKey,
			WebhookSecret: p.WebhookSecret,
			Timeout:       p.Timeout,
			RateLimit:     p.RateLimit,
			Burst:         p.Burst,
			UserAgent:     userAgent,
		}

		var (
			adapter marketplace.Adapter
			err     error
		)
		switch p.Kind {
		case config.KindMock:
			adapter = marketplace.NewMockAdapter(marketplace.MockAdapterOptions{
				Name:          p.Name,
				WebhookSecret: p.WebhookSecret,
				Now:           clk.Now,
			})
		case config.KindHTTP:
			adapter, err = marketplace.NewHTTPAdapter(httpOpts)
		case config.KindSignedFeed:
			adapter, err = marketplace.NewSignedFeedAdapter(marketplace.SignedFeedAdapterOptions{
				HTTPAdapterOptions: httpOpts,
				PublicKey:          p.PublicKey,
				Now:                clk.Now,
			})
		default:
			err = fmt.Errorf("unknown kind %q", p.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", p.Name, err)
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

func (a *App) buildNotifier() error {
	notifiers := alert.Multi{alert.NewLogNotifier(a.logger)}
	if a.cfg.Alert.WebhookURL != "" {
		hook, err := alert.NewWebhookNotifier(alert.WebhookNotifierOptions{
			URL:     a.cfg.Alert.WebhookURL,
			Timeout: a.cfg.Alert.Timeout,
			Logger:  a.logger,
		})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, hook)
	}
	a.Notifier = notifiers
	return nil
}

func (a *App) buildStreams() error {
	for _, p := range a.cfg.Platforms {
		if p.StreamURL == "" {
			continue
		}
		adapter, err := a.Registry.Get(p.Name)
		if err != nil {
			return err
		}
		header := http.Header{}
		if p.APIKey != "" {
			header.Set("Authorization", "Bearer "+p.APIKey)
		}
		stream, err := ingestion.NewStreamSource(ingestion.StreamOptions{
			Endpoint: p.StreamURL,
			Header:   header,
			Adapter:  adapter,
			Inbox:    a.Stores.Inbox,
			Waker:    a.Dispatcher,
			Clock:    a.clock,
			Logger:   a.logger,
		})
		if err != nil {
			return fmt.Errorf("platform %s: %w", p.Name, err)
		}
		a.Streams = append(a.Streams, stream)
	}
	return nil
}

func (a *App) buildPricing() error {
	bounds, err := a.cfg.Pricing.Bounds()
	if err != nil {
		return err
	}
	predictor, err := pricing.NewHTTPPredictor(pricing.HTTPPredictorOptions{
		URL:     a.cfg.Pricing.PredictorURL,
		APIKey:  a.cfg.Pricing.PredictorAPIKey,
		Timeout: a.cfg.Retry.CallTimeout,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}
	a.Pricing = pricing.NewLoop(pricing.LoopOptions{
		Listings:     a.Stores.Listings,
		Orchestrator: a.Orchestrator,
		Predictor:    predictor,
		Assets:       a.Stores.Assets,
		Guardrails: pricing.Guardrails{
			MinPrice:       bounds.MinPrice,
			MaxPrice:       bounds.MaxPrice,
			MaxChange:      bounds.MaxChange,
			MaxUncertainty: bounds.MaxUncertainty,
			Cooldown:       a.cfg.Pricing.Cooldown,
		},
		Clock:    a.clock,
		Logger:   a.logger,
		Interval: a.cfg.Pricing.Interval,
	})
	return nil
}

// Handler returns the HTTP surface: marketplace webhooks, the admin API and
// Prometheus metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	ingestion.NewWebhookHandler(ingestion.WebhookOptions{
		Registry:     a.Registry,
		Inbox:        a.Stores.Inbox,
		Waker:        a.Dispatcher,
		Clock:        a.clock,
		Logger:       a.logger,
		MaxBodyBytes: a.cfg.Ingestion.MaxBodyBytes,
	}).Register(mux)
	api.New(api.Options{
		Orchestrator: a.Orchestrator,
		Assets:       a.Stores.Assets,
		DeadLetters:  a.Stores.DeadLetters,
		Audit:        a.Stores.Audit,
		Queue:        a.Queue,
		Breakers:     a.Breakers,
		Platforms:    a.Registry.Names(),
		AdminToken:   a.cfg.Server.AdminToken,
		Clock:        a.clock,
		Logger:       a.logger,
	}).Register(mux)

	// promhttp negotiates its own compression.
	root := http.NewServeMux()
	root.Handle("GET /metrics", observability.Handler())
	root.Handle("/", gzhttp.GzipHandler(mux))
	return root
}

// Run starts every loop and the HTTP server and blocks until ctx is
// cancelled or a component fails. Startup first re-queues jobs for
// transitional platforms, since the queue does not survive a restart.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.Redrive(ctx); err != nil {
		return fmt.Errorf("redrive: %w", err)
	} else if n > 0 {
		a.logger.Info("re-queued jobs for in-flight listings", zap.Int("jobs", n))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Pool.Run(gctx) })
	g.Go(func() error { return a.Dispatcher.Run(gctx) })
	g.Go(func() error { return a.Poller.Run(gctx) })
	for _, s := range a.Streams {
		g.Go(func() error { return s.Run(gctx) })
	}
	g.Go(func() error { return a.Reconciler.Run(gctx) })
	if a.Pricing != nil {
		g.Go(func() error { return a.Pricing.Run(gctx) })
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.Queue.Close()
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Redrive queues the pending List or Delist for every open listing whose
// platform is mid-transition.
func (a *App) Redrive(ctx context.Context) (int, error) {
	listings, err := a.Stores.Listings.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, l := range listings {
		n, err := a.Orchestrator.RedriveStuck(ctx, l.ID)
		if err != nil {
			a.logger.Warn("redrive failed", zap.String("listing_id", l.ID), zap.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

// Close releases storage connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
