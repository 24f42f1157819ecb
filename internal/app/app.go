// Package app builds and closes the long-lived services one ingest run depends on.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-catalog-ingest/internal/api"
	"github.com/JakeFAU/anime-catalog-ingest/internal/catalog"
	"github.com/JakeFAU/anime-catalog-ingest/internal/config"
	"github.com/JakeFAU/anime-catalog-ingest/internal/discovery"
	"github.com/JakeFAU/anime-catalog-ingest/internal/fetcher"
	"github.com/JakeFAU/anime-catalog-ingest/internal/metrics"
	"github.com/JakeFAU/anime-catalog-ingest/internal/pipeline"
	"github.com/JakeFAU/anime-catalog-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/anime-catalog-ingest/internal/proxy"
	"github.com/JakeFAU/anime-catalog-ingest/internal/publisher"
	memorypublisher "github.com/JakeFAU/anime-catalog-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/anime-catalog-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/anime-catalog-ingest/internal/storage"
	gcsstorage "github.com/JakeFAU/anime-catalog-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/anime-catalog-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/anime-catalog-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/anime-catalog-ingest/internal/storage/postgres"
)

// PageCounter discovers the listing page count, either strictly or with the fallback applied.
type PageCounter interface {
	Count(ctx context.Context) (int, error)
	PageCount(ctx context.Context) int
}

// App contains the services a run needs.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	proxyClient *http.Client

	store     catalog.Store
	pool      *proxy.Pool
	pages     PageCounter
	headless  *discovery.HeadlessCounter
	archive   storage.BlobStore
	gcs       *gcsstorage.BlobStore
	publisher publisher.Publisher
	pubsub    *gcppublisher.Publisher
	runner    *pipeline.Runner
	ops       *api.Server
}

// Option customizes New.
type Option func(*App)

// WithProxyListClient sets the HTTP client used to download proxy lists.
func WithProxyListClient(c *http.Client) Option {
	return func(a *App) { a.proxyClient = c }
}

// New builds every service named by cfg. On failure the services built so far are closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:         cfg,
		logger:      logger,
		proxyClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	metrics.Init()
	a.ops = api.NewServer(logger.Named("api"))

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"store", a.setupStore},
		{"proxy pool", a.setupProxies},
		{"page discovery", a.setupDiscovery},
		{"archive", a.setupArchive},
		{"publisher", a.setupPublisher},
		{"pipeline", a.setupPipeline},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("%s init failed: %w", step.name, err)
		}
	}
	logger.Info("application services initialized",
		zap.String("db_driver", cfg.DB.Driver),
		zap.Int("proxies", a.pool.Len()),
		zap.String("archive", cfg.Archive.Provider),
		zap.String("notify", cfg.Notify.Provider),
	)
	return a, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Runner returns the pipeline runner.
func (a *App) Runner() *pipeline.Runner { return a.runner }

// Pages returns the listing page counter.
func (a *App) Pages() PageCounter { return a.pages }

// Pool returns the loaded proxy pool.
func (a *App) Pool() *proxy.Pool { return a.pool }

// Store returns the catalog store.
func (a *App) Store() catalog.Store { return a.store }

// ServeOps runs the ops server in the background when metrics.addr is set and marks it ready.
// The returned function stops the server and waits for it to exit.
func (a *App) ServeOps(ctx context.Context) func() {
	if a.cfg.Metrics.Addr == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.ops.Serve(ctx, a.cfg.Metrics.Addr); err != nil {
			a.logger.Error("ops server failed", zap.Error(err))
		}
	}()
	a.ops.SetReady(true)
	return func() {
		a.ops.SetReady(false)
		cancel()
		<-done
	}
}

// Close releases every service that holds resources. It is safe on a partially built App.
func (a *App) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) setupStore(ctx context.Context) error {
	association, err := catalog.ParseAssociationPolicy(a.cfg.Staff.AssociationRoles)
	if err != nil {
		return err
	}
	switch a.cfg.DB.Driver {
	case "memory":
		a.logger.Warn("using in-memory catalog store, nothing will be persisted")
		a.store = memorystorage.NewCatalogStore(association)
	default:
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime(),
			Association:     association,
		})
		if err != nil {
			return err
		}
		a.store = store
		a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	}
	return nil
}

func (a *App) setupProxies(ctx context.Context) error {
	configured := a.cfg.Proxy.AllSources()
	sources := make([]proxy.Source, 0, len(configured))
	for _, src := range configured {
		kind, err := proxy.ParseKind(src.Kind)
		if err != nil {
			return err
		}
		sources = append(sources, proxy.Source{URL: src.URL, Kind: kind})
	}
	if len(sources) == 0 {
		a.logger.Warn("no proxy sources configured, details and staff will abort")
	}
	pool, err := proxy.Load(ctx, a.proxyClient, sources, a.logger.Named("proxy"))
	if err != nil {
		return err
	}
	a.pool = pool
	metrics.SetProxyPoolSize(pool.Len())
	return nil
}

func (a *App) setupDiscovery(_ context.Context) error {
	cfg := discovery.Config{
		URL:       a.cfg.Discovery.URL,
		Selector:  a.cfg.Discovery.Selector,
		Fallback:  a.cfg.Discovery.FallbackPages,
		Timeout:   time.Duration(a.cfg.Discovery.TimeoutSeconds) * time.Second,
		UserAgent: a.cfg.HTTP.UserAgent,
	}
	if a.cfg.Discovery.UseProxy {
		cfg.Proxies = discoveryProxies(a.pool)
	}
	logger := a.logger.Named("discovery")
	if a.cfg.Discovery.Headless {
		a.headless = discovery.NewHeadlessCounter(cfg,
			time.Duration(a.cfg.Discovery.NavTimeoutSeconds)*time.Second, logger)
		a.pages = a.headless
		logger.Info("using headless page discovery", zap.Int("proxies", len(cfg.Proxies)))
		return nil
	}
	counter, err := discovery.NewCollyCounter(cfg, logger)
	if err != nil {
		return err
	}
	a.pages = counter
	logger.Info("using colly page discovery", zap.Int("proxies", len(cfg.Proxies)))
	return nil
}

// discoveryProxies keeps the endpoints colly and Chrome can dial.
func discoveryProxies(pool *proxy.Pool) []string {
	var out []string
	for _, e := range pool.Endpoints() {
		if e.Kind == proxy.KindHTTP || e.Kind == proxy.KindSOCKS5 {
			out = append(out, e.URL())
		}
	}
	return out
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Provider {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return err
		}
		a.gcs = store
		a.archive = store
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.Bucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return err
		}
		a.archive = store
		a.logger.Info("using local archive", zap.String("path", a.cfg.Archive.BaseDir))
	case "memory":
		a.archive = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory archive")
	default:
		a.archive = storage.Noop{}
		a.logger.Debug("raw payload archive disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Notify.Provider {
	case "pubsub":
		pub, err := gcppublisher.Open(ctx, gcppublisher.Config{
			ProjectID: a.cfg.Notify.ProjectID,
			Topic:     a.cfg.Notify.Topic,
		})
		if err != nil {
			return err
		}
		a.pubsub = pub
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
	case "memory":
		a.publisher = memorypublisher.New()
	default:
		a.publisher = publisher.Noop{}
	}
	return nil
}

func (a *App) setupPipeline(_ context.Context) error {
	backoff, err := fetcher.BackoffByName(a.cfg.HTTP.Backoff,
		time.Duration(a.cfg.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(a.cfg.HTTP.BackoffMaxMs)*time.Millisecond)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.Config{RPS: a.cfg.HTTP.RateLimitRPS, Burst: a.cfg.HTTP.RateLimitBurst})
	fetchCfg := fetcher.Config{
		UserAgent:    a.cfg.HTTP.UserAgent,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
		DialTimeout:  a.cfg.Proxy.DialTimeout(),
	}
	logger := a.logger.Named("fetcher")

	a.runner, err = pipeline.New(pipeline.Env{
		Store:         a.store,
		Pool:          a.pool,
		Fetcher:       fetcher.New(a.pool, fetchCfg, logger, fetcher.WithLimiter(limiter)),
		Direct:        fetcher.NewDirect(fetchCfg, logger.Named("direct"), fetcher.WithLimiter(limiter)),
		Pages:         a.pages,
		Archive:       a.archive,
		ArchivePrefix: a.cfg.Archive.Prefix,
		Publisher:     a.publisher,
		Topic:         a.cfg.Notify.Topic,
		Logger:        a.logger,
	}, pipeline.Config{
		Harvest: pipeline.HarvestConfig{
			URL:       a.cfg.Harvest.URL,
			WaveSize:  a.cfg.Harvest.WaveSize,
			WavePause: a.cfg.Harvest.WavePause(),
			Policy:    retryPolicy(a.cfg.Harvest.MaxAttempts, a.cfg.Harvest.Timeout(), backoff),
		},
		Details: stageConfig(a.cfg.Details, backoff),
		Staff:   stageConfig(a.cfg.Staff.StageConfig, backoff),
	})
	return err
}

func stageConfig(s config.StageConfig, backoff fetcher.BackoffFunc) pipeline.StageConfig {
	return pipeline.StageConfig{
		URL:            s.URL,
		ChunkSize:      s.ChunkSize,
		MaxConcurrency: s.MaxConcurrency,
		Policy:         retryPolicy(s.MaxAttempts, s.Timeout(), backoff),
	}
}

func retryPolicy(attempts int, timeout time.Duration, backoff fetcher.BackoffFunc) fetcher.RetryPolicy {
	return fetcher.RetryPolicy{MaxAttempts: attempts, PerAttemptTimeout: timeout, Backoff: backoff}
}
