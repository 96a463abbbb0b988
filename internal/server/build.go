package server

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/api"
	"github.com/JakeFAU/crawl-digest/internal/backend/local"
	"github.com/JakeFAU/crawl-digest/internal/backend/remote"
	"github.com/JakeFAU/crawl-digest/internal/clock/system"
	"github.com/JakeFAU/crawl-digest/internal/config"
	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/extract"
	"github.com/JakeFAU/crawl-digest/internal/fetcher/auto"
	collyfetcher "github.com/JakeFAU/crawl-digest/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-digest/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-digest/internal/hash/sha256"
	"github.com/JakeFAU/crawl-digest/internal/headless/detector"
	"github.com/JakeFAU/crawl-digest/internal/id/uuid"
	"github.com/JakeFAU/crawl-digest/internal/llm"
	anthropicllm "github.com/JakeFAU/crawl-digest/internal/llm/anthropic"
	"github.com/JakeFAU/crawl-digest/internal/llm/ollama"
	"github.com/JakeFAU/crawl-digest/internal/logging"
	"github.com/JakeFAU/crawl-digest/internal/metrics"
	"github.com/JakeFAU/crawl-digest/internal/orchestrator"
	"github.com/JakeFAU/crawl-digest/internal/pipeline"
	"github.com/JakeFAU/crawl-digest/internal/progress"
	progresssinks "github.com/JakeFAU/crawl-digest/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/crawl-digest/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-digest/internal/scrape"
	gcsstorage "github.com/JakeFAU/crawl-digest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-digest/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-digest/internal/storage/memory"
	"github.com/JakeFAU/crawl-digest/internal/storage/postgres"
	redisstore "github.com/JakeFAU/crawl-digest/internal/storage/redis"
	"github.com/JakeFAU/crawl-digest/internal/telemetry"
	"github.com/JakeFAU/crawl-digest/internal/verify"
)

// Build creates the application's dependencies. Any misconfiguration or
// unreachable required infrastructure fails here, before the service starts.
func Build(ctx context.Context, cfg config.Config, version string) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Strings("backends", cfg.Orchestrator.Backends),
		zap.String("tasks_store", cfg.Tasks.Store),
		zap.String("results_store", cfg.Results.Store),
		zap.String("render_engine", cfg.Render.Engine),
		zap.String("llm_provider", cfg.LLM.Provider),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	built, err := app.build(ctx, clock, ids)
	if err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, err
	}
	return built, nil
}

func (a *App) build(ctx context.Context, clock crawler.Clock, ids crawler.IDGenerator) (*App, error) {
	tasks, err := a.setupTaskStore(ctx)
	if err != nil {
		return nil, err
	}
	results, err := a.setupResultStore(ctx, ids)
	if err != nil {
		return nil, err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	events, err := a.setupProgress(ctx)
	if err != nil {
		return nil, err
	}
	renderer, err := a.setupRenderer()
	if err != nil {
		return nil, err
	}
	model, lister, err := a.setupModel()
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Verifier: verify.New(renderer, verify.WithTimeout(a.cfg.VerifyTimeout())),
		Scraper:  scrape.New(renderer, crawler.WaitCondition(a.cfg.Render.WaitCondition), a.cfg.ScrapeTimeout()),
		Extractor: extract.New(model, extract.Config{
			MaxContentChars: a.cfg.LLM.MaxContentChars,
			Timeout:         time.Duration(a.cfg.LLM.TimeoutSeconds) * time.Second,
			DefaultModel:    a.cfg.Crawl.Model,
			SystemPrompt:    a.cfg.Crawl.SystemPrompt,
		}, a.logger),
		Archive: archive,
		Results: results,
		Hasher:  sha256.New(),
		Clock:   clock,
		Logger:  a.logger,
	}, pipeline.Config{ArchivePrefix: a.cfg.Storage.Prefix})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	backends, err := a.setupBackends(pipe, clock)
	if err != nil {
		return nil, err
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Deps{
		Backends:  backends,
		Tasks:     tasks,
		Streams:   progress.NewStreams(a.cfg.Progress.SubscriberBuffer, a.logger.Named("progress_streams")),
		Events:    events,
		Publisher: publisher,
		Models:    lister,
		Results:   results,
		Sitemaps: collyfetcher.NewSitemapReader(collyfetcher.Config{
			UserAgent:      a.cfg.Render.UserAgent,
			DefaultTimeout: a.cfg.ScrapeTimeout(),
		}),
		Clock:  clock,
		IDs:    ids,
		Logger: a.logger,
	}, orchestrator.Config{
		PollInterval:    a.cfg.PollInterval(),
		MaxPollAttempts: a.cfg.Orchestrator.MaxPollAttempts,
		SubmitTimeout:   time.Duration(a.cfg.Orchestrator.SubmitTimeoutSeconds) * time.Second,
		HealthInterval:  time.Duration(a.cfg.Orchestrator.HealthIntervalSeconds) * time.Second,
		Topic:           a.cfg.PubSub.TopicName,
		Defaults:        a.cfg.Crawl,
		DefaultModels:   a.cfg.LLM.DefaultModels,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	a.apiServer = api.NewServer(a.orchestrator, a.cfg, a.logger)
	return a, nil
}

func (a *App) setupTaskStore(ctx context.Context) (crawler.TaskStore, error) {
	if a.cfg.Tasks.Store != "redis" {
		a.logger.Info("using in-memory task registry", zap.Duration("retention", a.cfg.Retention()))
		return memorystorage.NewTaskStore(a.cfg.Retention()), nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	store, err := redisstore.NewTaskStore(client, a.cfg.Redis.KeyPrefix, a.cfg.Retention())
	if err != nil {
		return nil, fmt.Errorf("redis task store init failed: %w", err)
	}
	a.logger.Info("using redis task registry", zap.String("addr", a.cfg.Redis.Addr))
	return store, nil
}

func (a *App) setupResultStore(ctx context.Context, ids crawler.IDGenerator) (crawler.ResultStore, error) {
	switch a.cfg.Results.Store {
	case "none":
		a.logger.Warn("result persistence disabled")
		return nil, nil
	case "redis":
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		store, err := redisstore.NewResultStore(client, a.cfg.Redis.KeyPrefix, ids)
		if err != nil {
			return nil, fmt.Errorf("redis result store init failed: %w", err)
		}
		a.logger.Info("using redis result store")
		return store, nil
	case "postgres":
		store, err := postgres.NewResultStore(ctx, postgres.ResultStoreConfig{
			DSN:             a.cfg.Database.DSN,
			Table:           a.cfg.Database.ResultsTable,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		}, ids)
		if err != nil {
			return nil, fmt.Errorf("postgres result store init failed: %w", err)
		}
		a.pgResults = store
		a.logger.Info("using postgres result store", zap.String("table", a.cfg.Database.ResultsTable))
		return store, nil
	default:
		a.logger.Info("using in-memory result store")
		return memorystorage.NewResultStore(ids), nil
	}
}

func (a *App) redisClient(ctx context.Context) (*goredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := redisstore.NewClient(ctx, redisstore.Config{
		Addr:      a.cfg.Redis.Addr,
		Password:  a.cfg.Redis.Password,
		DB:        a.cfg.Redis.DB,
		KeyPrefix: a.cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("redis init failed: %w", err)
	}
	a.redis = client
	return client, nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving pages to local disk", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case "memory":
		a.logger.Info("archiving pages in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("page archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured; task notifications disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = pubsubpublisher.New(client.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.publisher, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.PrometheusEnabled {
		sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if len(sinkList) == 0 {
		a.logger.Info("progress hub disabled: no sinks configured")
		return progress.NopEmitter{}, nil
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

func (a *App) setupRenderer() (crawler.Renderer, error) {
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:      a.cfg.Render.UserAgent,
		DefaultTimeout: a.cfg.ScrapeTimeout(),
	})
	if a.cfg.Render.Engine == "static" {
		a.logger.Info("using static renderer", zap.String("user_agent", a.cfg.Render.UserAgent))
		return static, nil
	}
	chrome, err := headless.NewChromedp(headless.Config{
		MaxParallel:    a.cfg.Render.MaxParallel,
		UserAgent:      a.cfg.Render.UserAgent,
		DefaultTimeout: a.cfg.ScrapeTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("headless renderer init failed: %w", err)
	}
	a.chrome = chrome
	if a.cfg.Render.Engine == "chromedp" {
		a.logger.Info("using headless renderer", zap.Int("max_parallel", a.cfg.Render.MaxParallel))
		return chrome, nil
	}
	renderer, err := auto.New(static, chrome, detector.NewHeuristic(a.cfg.Render.PromotionThreshold), a.logger.Named("renderer"))
	if err != nil {
		return nil, fmt.Errorf("auto renderer init failed: %w", err)
	}
	a.logger.Info("using auto renderer", zap.Int("promotion_threshold", a.cfg.Render.PromotionThreshold))
	return renderer, nil
}

func (a *App) setupModel() (crawler.LanguageModel, crawler.ModelLister, error) {
	timeout := time.Duration(a.cfg.LLM.TimeoutSeconds) * time.Second
	var (
		model  crawler.LanguageModel
		lister crawler.ModelLister
	)
	switch a.cfg.LLM.Provider {
	case "anthropic":
		var opts []option.RequestOption
		if a.cfg.LLM.BaseURL != "" && a.cfg.LLM.BaseURL != config.DefaultOllamaURL {
			opts = append(opts, option.WithBaseURL(a.cfg.LLM.BaseURL))
		}
		opts = append(opts, option.WithRequestTimeout(timeout))
		client, err := anthropicllm.New(a.cfg.LLM.APIKey, a.cfg.LLM.MaxTokens, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic client init failed: %w", err)
		}
		model, lister = client, client
	default:
		client, err := ollama.New(a.cfg.LLM.BaseURL, timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("ollama client init failed: %w", err)
		}
		model, lister = client, client
	}
	a.logger.Info("language model configured",
		zap.String("provider", a.cfg.LLM.Provider),
		zap.Float64("requests_per_second", a.cfg.LLM.RequestsPerSecond),
	)
	return llm.NewLimiter(model, a.cfg.LLM.RequestsPerSecond, a.cfg.LLM.Burst), lister, nil
}

func (a *App) setupBackends(pipe *pipeline.Pipeline, clock crawler.Clock) ([]crawler.Backend, error) {
	backends := make([]crawler.Backend, 0, len(a.cfg.Orchestrator.Backends))
	for _, name := range a.cfg.Orchestrator.Backends {
		switch name {
		case remote.Name:
			b, err := remote.New(remote.Config{
				BaseURL:  a.cfg.Remote.BaseURL,
				APIToken: a.cfg.Remote.APIToken,
				Timeout:  time.Duration(a.cfg.Remote.TimeoutSeconds) * time.Second,
				Priority: a.cfg.Remote.Priority,
			}, pipe, a.logger)
			if err != nil {
				return nil, err
			}
			backends = append(backends, b)
		case local.Name:
			b, err := local.New(local.Config{
				Concurrency:    a.cfg.Local.Concurrency,
				QueueDepth:     a.cfg.Local.QueueDepth,
				URLConcurrency: a.cfg.Local.URLConcurrency,
			}, pipe, memorystorage.NewJobStore(a.cfg.Retention()), uuid.NewPrefixed("job-"), clock, a.logger)
			if err != nil {
				return nil, err
			}
			a.local = b
			backends = append(backends, b)
		default:
			return nil, fmt.Errorf("unknown backend %q", name)
		}
	}
	return backends, nil
}
