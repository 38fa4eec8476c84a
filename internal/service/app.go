package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/calendar"
	"github.com/easeaico/memory-journal/internal/config"
	"github.com/easeaico/memory-journal/internal/journal"
	"github.com/easeaico/memory-journal/internal/llm"
	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/metrics"
	"github.com/easeaico/memory-journal/internal/reflection"
	"github.com/easeaico/memory-journal/internal/retry"
	"github.com/easeaico/memory-journal/internal/semantic"
	"github.com/easeaico/memory-journal/internal/session"
)

// App is the fully wired pipeline shared by the binaries.
type App struct {
	Config    *config.Config
	Service   *Service
	Scheduler *session.Scheduler
	Extractor *semantic.Extractor
	Sweeper   *semantic.Scheduler
	Episodes  *memory.EpisodicStore
	Semantic  *memory.SemanticStore
	Metrics   *metrics.Collector
	Logger    *zap.Logger

	embedder llm.Embedder
	closers  []func(context.Context) error
}

// Providers are the model clients the pipeline runs on.
//
// The flush path already retries a whole batch with the session policy, so
// FlushGenerator and FlushEmbedder should not retry on their own. When they
// are nil, Generator and Embedder are used.
type Providers struct {
	Generator      llm.Generator
	Embedder       llm.Embedder
	FlushGenerator llm.Generator
	FlushEmbedder  llm.Embedder
}

func (p Providers) flush() (llm.Generator, llm.Embedder) {
	gen, emb := p.FlushGenerator, p.FlushEmbedder
	if gen == nil {
		gen = p.Generator
	}
	if emb == nil {
		emb = p.Embedder
	}
	return gen, emb
}

// Build connects to the configured providers and assembles the pipeline.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Collector) (*App, error) {
	logger = logging.OrNop(logger)
	gen, emb, err := newProviders(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}

	providers, closers, err := layerProviders(cfg.LLM, gen, emb, logger)
	if err != nil {
		return nil, err
	}
	app, err := AssembleWith(ctx, cfg, providers, logger, m)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closers...)
	return app, nil
}

// layerProviders wraps the raw clients with retries and the embedding cache
// for interactive calls. The flush path gets the raw clients.
func layerProviders(cfg config.LLMConfig, gen llm.Generator, emb llm.Embedder, logger *zap.Logger) (Providers, []func(context.Context) error, error) {
	policy := retry.Policy{
		MaxTries:     cfg.MaxRetries,
		InitialDelay: cfg.RetryInitial,
		MaxDelay:     cfg.RetryMax,
		Jitter:       retry.DefaultPolicy().Jitter,
	}
	var embedder llm.Embedder = llm.NewRetryingEmbedder(emb, policy, logger)
	var closers []func(context.Context) error
	if cfg.CacheSize > 0 {
		cached, err := llm.NewCachedEmbedder(embedder, cfg.CacheSize)
		if err != nil {
			return Providers{}, nil, err
		}
		embedder = cached
		closers = append(closers, func(context.Context) error { cached.Close(); return nil })
	}
	return Providers{
		Generator:      llm.NewRetryingGenerator(gen, policy, logger),
		Embedder:       embedder,
		FlushGenerator: gen,
		FlushEmbedder:  emb,
	}, closers, nil
}

func newProviders(ctx context.Context, cfg config.LLMConfig) (llm.Generator, llm.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		c := llm.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
		return c, c, nil
	case "gemini", "":
		c, err := llm.NewGeminiClient(ctx, cfg.APIKey, cfg.EmbeddingModel, cfg.EmbeddingDim)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Assemble wires the pipeline around one generator and embedder.
func Assemble(ctx context.Context, cfg *config.Config, gen llm.Generator, embedder llm.Embedder, logger *zap.Logger, m *metrics.Collector) (*App, error) {
	return AssembleWith(ctx, cfg, Providers{Generator: gen, Embedder: embedder}, logger, m)
}

// AssembleWith wires the pipeline around providers.
func AssembleWith(ctx context.Context, cfg *config.Config, providers Providers, logger *zap.Logger, m *metrics.Collector) (*App, error) {
	gen, embedder := providers.Generator, providers.Embedder
	flushGen, flushEmbedder := providers.flush()
	logger = logging.OrNop(logger)
	app := &App{Config: cfg, Metrics: m, Logger: logger, embedder: embedder}
	built := false
	defer func() {
		if !built {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	dim := cfg.LLM.EmbeddingDim
	if dim <= 0 {
		dim = llm.EmbeddingDim
	}
	cols, err := memory.OpenCollections(ctx, cfg.Vector, dim, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	app.closers = append(app.closers, func(context.Context) error { return cols.Close() })
	app.Episodes = memory.NewEpisodicStore(cols.Episodic)
	app.Semantic = memory.NewSemanticStore(cols.Semantic)

	profiles := llm.NewProfiles(cfg.LLM.QualityModel, cfg.LLM.CheapModel)

	// Summary and embedding failures fail the flush, which the scheduler retries.
	// Labeling falls back instead of failing, so it keeps its own retries.
	summarizer := journal.NewSummarizer(flushGen, profiles.Cheap, logger)
	matcher := journal.NewMatcher(journal.MatcherConfigFrom(cfg.Match), app.Episodes, gen, profiles.Cheap, m, logger)
	consolidator := journal.NewConsolidator(summarizer, matcher, app.Episodes, flushEmbedder, m, logger)

	app.Extractor = semantic.NewExtractor(semantic.ConfigFrom(cfg.Semantic), app.Episodes, app.Semantic, gen, profiles.Quality, embedder, m, logger)
	consolidator.OnStored(app.Extractor.NotifyEpisode)

	overflow, err := newOverflow(ctx, cfg.Session)
	if err != nil {
		return nil, err
	}
	if closer, ok := overflow.(interface{ Close() error }); ok {
		app.closers = append(app.closers, func(context.Context) error { return closer.Close() })
	}

	app.Scheduler, err = session.NewScheduler(session.Config{
		IdleWindow: cfg.Session.IdleWindow,
		Retry: retry.Policy{
			MaxTries:     cfg.Session.FlushRetries,
			InitialDelay: cfg.Session.FlushInitial,
			MaxDelay:     cfg.Session.FlushMaxDelay,
			Jitter:       retry.DefaultPolicy().Jitter,
		},
		FlushTimeout: cfg.Session.FlushTimeout,
		PoolSize:     cfg.Session.WorkerPoolSize,
	}, consolidator, overflow, logger, m)
	if err != nil {
		return nil, err
	}

	app.Sweeper, err = semantic.NewScheduler(app.Extractor, semantic.StoredUsers{
		Episodes: app.Episodes,
		Semantic: app.Semantic,
		Active:   app.Scheduler.Users,
	}, cfg.Semantic.PruneSchedule, cfg.Semantic.ExtractSchedule, logger)
	if err != nil {
		return nil, err
	}

	cal, err := newCalendar(ctx, cfg.Calendar)
	if err != nil {
		return nil, err
	}

	registry, err := reflection.LoadRegistry(cfg.Reflect.AgentsFile)
	if err != nil {
		return nil, err
	}
	router, err := reflection.NewRouter(reflection.Options{
		Registry:      registry,
		Episodes:      app.Episodes,
		Semantic:      app.Semantic,
		Embedder:      embedder,
		Generator:     gen,
		Profile:       profiles.Quality,
		Calendar:      cal,
		Recorder:      app.Scheduler,
		ActionTimeout: cfg.Reflect.ActionTimeout,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	app.Service, err = New(Options{
		Turns:     app.Scheduler,
		Episodes:  app.Episodes,
		Semantic:  app.Semantic,
		Extractor: app.Extractor,
		Router:    router,
		Calendar:  cal,
		Generator: gen,
		Embedder:  embedder,
		Profile:   profiles.Quality,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	built = true
	return app, nil
}

func newOverflow(ctx context.Context, cfg config.SessionConfig) (session.OverflowStore, error) {
	if cfg.RedisAddr == "" {
		if cfg.OverflowPath == "" {
			return session.NewMemoryOverflow(), nil
		}
		return session.NewSQLiteOverflow(ctx, cfg.OverflowPath)
	}
	return session.NewRedisOverflow(ctx, session.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Key:      cfg.OverflowKey,
	})
}

func newCalendar(ctx context.Context, cfg config.CalendarConfig) (calendar.Provider, error) {
	switch cfg.Provider {
	case "", "memory":
		return calendar.NewMemoryProvider(), nil
	case "google":
		return calendar.NewGoogleProvider(ctx, calendar.GoogleConfig{
			Token:      cfg.Token,
			CalendarID: cfg.CalendarID,
			BaseURL:    cfg.BaseURL,
			TimeZone:   cfg.TimeZone,
		})
	default:
		return nil, fmt.Errorf("unknown calendar provider %q", cfg.Provider)
	}
}

// MemoryService adapts the episodic store for an adk agent scoped to userID.
func (a *App) MemoryService(userID string) *memory.Service {
	return memory.NewService(a.Episodes, a.embedder, a.Scheduler, userID)
}

// Start begins the scheduled prune and extraction sweeps.
func (a *App) Start() {
	if a.Sweeper != nil {
		a.Sweeper.Start()
	}
}

// Close flushes pending turns, waits for background extraction and releases
// every backend.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Sweeper != nil {
		errs = append(errs, a.Sweeper.Stop(ctx))
	}
	// Pending epochs flush before the stores close.
	if a.Scheduler != nil {
		errs = append(errs, a.Scheduler.Close(ctx))
	}
	if a.Extractor != nil {
		a.Extractor.Wait()
	}
	for _, fn := range a.closers {
		errs = append(errs, fn(ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
