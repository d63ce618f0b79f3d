// Command server runs the HiveMind API: the MCP tool surface, the reviewer
// and stats endpoints, the approval event stream and the background quality
// aggregation worker.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hivemind-io/hivemind/internal/api"
	"github.com/hivemind-io/hivemind/internal/services"
	"github.com/hivemind-io/hivemind/internal/worker"
	"github.com/hivemind-io/hivemind/pkg/auth"
	"github.com/hivemind-io/hivemind/pkg/common/cache"
	"github.com/hivemind-io/hivemind/pkg/common/config"
	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/embedding"
	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/notifier"
	"github.com/hivemind-io/hivemind/pkg/observability"
	"github.com/hivemind-io/hivemind/pkg/quality"
	"github.com/hivemind-io/hivemind/pkg/repository"
	"github.com/hivemind-io/hivemind/pkg/sanitize"
	"github.com/hivemind-io/hivemind/pkg/webhook"

	_ "github.com/lib/pq"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local development convenience; absent .env files are fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg)
	logger.Info("Starting HiveMind server", map[string]interface{}{
		"environment": cfg.Environment,
	})

	var metrics observability.MetricsClient
	var prom *observability.PrometheusMetricsClient
	if cfg.Metrics.Enabled {
		prom = observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace)
		metrics = prom
	} else {
		metrics = observability.NewNoopMetricsClient()
	}

	// Schema first: the server never runs against a stale schema.
	migrator, err := database.NewMigrator(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		return err
	}
	_ = migrator.Close()
	logger.Info("Database schema up to date", nil)

	db, err := database.NewDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = db.Close() }()

	appCache, err := cache.NewCache(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer func() { _ = appCache.Close() }()

	pendingRepo := repository.NewPendingRepository(db.DB())
	knowledgeRepo := repository.NewKnowledgeRepository(db.DB())
	signalRepo := repository.NewSignalRepository(db.DB())
	statsRepo := repository.NewStatsRepository(db.DB())
	webhookRepo := repository.NewWebhookRepository(db.DB())
	deploymentRepo := repository.NewDeploymentRepository(db.DB())

	// Sanitiser warms up before serving; raw PII must never reach storage.
	var ner sanitize.NERProvider
	if cfg.Sanitize.NEREndpoint != "" {
		ner = sanitize.NewHTTPNERProvider(sanitize.HTTPNERConfig{
			Endpoint: cfg.Sanitize.NEREndpoint,
			Timeout:  cfg.Sanitize.NERTimeout,
		})
	}
	sanitizer := sanitize.NewService(sanitize.Config{MaxInflight: cfg.Sanitize.MaxInflight}, ner, logger, metrics)
	if err := sanitizer.Warmup(ctx); err != nil {
		return fmt.Errorf("sanitizer warmup failed: %w", err)
	}

	// The pinned deployment identity stops a model swap from silently mixing
	// incompatible vectors.
	provider, err := newEmbeddingProvider(ctx, cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	embedder, err := embedding.NewService(embedding.ServiceConfig{
		MaxInflight: cfg.Embedding.MaxInflight,
		CacheSize:   cfg.Embedding.CacheSize,
	}, provider, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create embedding service: %w", err)
	}
	if err := embedder.PinDeploymentIdentity(ctx, deploymentRepo); err != nil {
		return err
	}

	// Approval event plumbing: one LISTEN connection feeds both the SSE hub
	// and webhook delivery.
	listener, err := repository.NewApprovalListener(cfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("failed to start approval listener: %w", err)
	}
	defer func() { _ = listener.Close() }()

	hubSource := make(chan *models.ApprovalEvent)
	hub := notifier.NewHub(notifier.Config{
		BufferSize: cfg.Notifier.BufferSize,
		Heartbeat:  cfg.Notifier.Heartbeat,
	}, hubSource, logger, metrics)
	defer hub.Close()

	var dispatcher *webhook.Dispatcher
	if cfg.Webhooks.Enabled {
		dispatcher = webhook.NewDispatcher(webhook.Config{
			Timeout:    cfg.Webhooks.Timeout,
			MaxRetries: cfg.Webhooks.MaxRetries,
			QueueSize:  cfg.Webhooks.QueueSize,
			Workers:    cfg.Webhooks.Workers,
		}, logger, metrics)
		defer dispatcher.Close()
	}

	teeDone := make(chan struct{})
	go func() {
		defer close(teeDone)
		defer close(hubSource)
		fanOutApprovals(ctx, listener, hubSource, dispatcher, webhookRepo, logger)
	}()

	authSvc := auth.NewService(auth.ServiceConfig{
		JWTSecret:     cfg.Auth.JWTSecret,
		JWTExpiration: cfg.Auth.JWTExpiration,
		CacheTTL:      cfg.Auth.CacheTTL,
	}, db.DB(), appCache, logger)

	ingest := services.NewIngestService(services.IngestConfig{
		MaxContentLength:   cfg.Ingest.MaxContentLength,
		RejectionThreshold: cfg.Sanitize.RejectionThreshold,
	}, sanitizer, pendingRepo, logger, metrics)
	retrieval := services.NewRetrievalService(services.SearchConfig{
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxLimit:     cfg.Search.MaxLimit,
	}, knowledgeRepo, signalRepo, embedder, logger, metrics)
	knowledgeSvc := services.NewKnowledgeService(knowledgeRepo, signalRepo, logger, metrics)
	approval := services.NewApprovalService(db, pendingRepo, knowledgeRepo, embedder, logger, metrics)
	prescreen := services.NewPrescreenService(services.PrescreenConfig{
		DistanceCeiling:  cfg.Prescreen.DistanceCeiling,
		DuplicatePercent: cfg.Prescreen.DuplicatePercent,
		SimilarLimit:     cfg.Prescreen.SimilarLimit,
	}, pendingRepo, knowledgeRepo, embedder, logger)
	stats := services.NewStatsService(statsRepo)

	mcpHandler, err := api.NewMCPHandler(ingest, retrieval, knowledgeSvc, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create MCP handler: %w", err)
	}

	deps := api.ServerDeps{
		Auth:    authSvc,
		MCP:     mcpHandler,
		Stream:  api.NewStreamHandler(hub, logger),
		Review:  api.NewReviewHandler(approval, prescreen),
		Stats:   api.NewStatsHandler(stats),
		DB:      db,
		Logger:  logger,
		Metrics: metrics,
	}
	if prom != nil {
		deps.MetricsHandler = promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})
	}
	server := api.NewServer(cfg.API, cfg.Environment, deps)

	aggregator := worker.NewAggregator(worker.AggregatorConfig{
		Interval:     cfg.Quality.AggregationInterval,
		HalfLifeDays: cfg.Quality.StalenessHalfLifeDays,
		Weights: quality.ScoreWeights{
			Usefulness:    cfg.Quality.WeightUsefulness,
			Popularity:    cfg.Quality.WeightPopularity,
			Freshness:     cfg.Quality.WeightFreshness,
			Contradiction: cfg.Quality.WeightContradiction,
		},
	}, signalRepo, knowledgeRepo, logger, metrics)
	go aggregator.Run(ctx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}

	<-aggregator.Done()
	_ = listener.Close()
	<-teeDone
	return nil
}

// fanOutApprovals forwards every approval event to the SSE hub and, when
// webhooks are enabled, to the owning tenant's active endpoints. It returns
// when the listener stream closes.
func fanOutApprovals(
	ctx context.Context,
	listener repository.ApprovalListener,
	hubSource chan<- *models.ApprovalEvent,
	dispatcher *webhook.Dispatcher,
	webhooks repository.WebhookRepository,
	logger observability.Logger,
) {
	for event := range listener.Events() {
		select {
		case hubSource <- event:
		case <-ctx.Done():
			return
		}

		if dispatcher == nil {
			continue
		}
		endpoints, err := webhooks.ListActive(ctx, event.TenantID, models.EventKnowledgeApproved)
		if err != nil {
			logger.Warn("Failed to list webhook endpoints", map[string]interface{}{
				"tenant_id": event.TenantID,
				"error":     err.Error(),
			})
			continue
		}
		if len(endpoints) == 0 {
			continue
		}
		dispatcher.Dispatch(&models.WebhookEvent{
			Event:           models.EventKnowledgeApproved,
			KnowledgeItemID: event.ID,
			TenantID:        event.TenantID,
			Category:        event.Category,
			Timestamp:       time.Now().UTC(),
		}, endpoints)
	}
}

func newLogger(cfg *config.Config) observability.Logger {
	logger := observability.NewStandardLogger("hivemind")
	if std, ok := logger.(*observability.StandardLogger); ok {
		switch cfg.Logging.Level {
		case "debug":
			return std.WithLevel(observability.LogLevelDebug)
		case "warn":
			return std.WithLevel(observability.LogLevelWarn)
		case "error":
			return std.WithLevel(observability.LogLevelError)
		}
	}
	return logger
}

func newEmbeddingProvider(ctx context.Context, cfg config.EmbeddingConfig) (embedding.Provider, error) {
	switch cfg.Provider {
	case "", "tei":
		return embedding.NewTEIProvider(ctx, embedding.TEIConfig{
			Endpoint:   cfg.Endpoint,
			ModelID:    cfg.ModelID,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	case "openai":
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.Endpoint,
			ModelID:    cfg.ModelID,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	case "bedrock":
		return embedding.NewBedrockProvider(ctx, embedding.BedrockConfig{
			Region:     cfg.Region,
			ModelID:    cfg.ModelID,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
