// Package main wires together the harvester service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trendscope/harvester/internal/api"
	"github.com/trendscope/harvester/internal/clock/system"
	"github.com/trendscope/harvester/internal/config"
	"github.com/trendscope/harvester/internal/dispatcher"
	"github.com/trendscope/harvester/internal/engine"
	"github.com/trendscope/harvester/internal/enrich"
	"github.com/trendscope/harvester/internal/harvest"
	"github.com/trendscope/harvester/internal/id/uuid"
	"github.com/trendscope/harvester/internal/logging"
	"github.com/trendscope/harvester/internal/metrics"
	"github.com/trendscope/harvester/internal/policy/ratelimit"
	memorypublisher "github.com/trendscope/harvester/internal/publisher/memory"
	pubsubpublisher "github.com/trendscope/harvester/internal/publisher/pubsub"
	queueMemory "github.com/trendscope/harvester/internal/queue/memory"
	"github.com/trendscope/harvester/internal/scheduler"
	"github.com/trendscope/harvester/internal/scraper"
	memoryStorage "github.com/trendscope/harvester/internal/storage/memory"
	"github.com/trendscope/harvester/internal/storage/postgres"
	"github.com/trendscope/harvester/internal/worker"
)

type stores struct {
	sources harvest.SourceStore
	content harvest.ContentStore
	history harvest.HistoryStore
	jobs    harvest.JobStore
	close   func()
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.close()

	publisher, closePublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer closePublisher()

	queue := queueMemory.NewQueue(cfg.Harvest.QueueDepth)
	clock := system.New()
	idGen := uuid.New()

	scrapeClient := scraper.New(scraper.Config{
		ReelURL:     cfg.Scraper.ReelURL,
		PostsURL:    cfg.Scraper.PostsURL,
		Limit:       cfg.Scraper.Limit,
		IGUsername:  cfg.Scraper.IGUsername,
		IGPassword:  cfg.Scraper.IGPassword,
		CallTimeout: cfg.CallTimeout(),
	}, clock, logger.Named("scraper"))

	eng := engine.New(scrapeClient, st.content, clock, logger.Named("engine"))
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:           cfg.Scraper.RequestsPerMinute / 60,
		DefaultBurst:         1,
		MaxConcurrentScrapes: cfg.Harvest.MaxConcurrentScrapes,
	})
	retry := harvest.NewExponentialRetryPolicy(cfg.Harvest.MaxAttempts)

	workerCfg := worker.Config{
		Topic:     cfg.PubSub.TopicName,
		JobBudget: cfg.JobBudget(),
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Harvest.Workers; i++ {
		workers = append(workers, worker.New(
			queue,
			st.jobs,
			st.sources,
			st.history,
			eng,
			publisher,
			limiter,
			retry,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	sched := scheduler.New(
		st.sources,
		st.history,
		st.jobs,
		dispatch,
		idGen,
		clock,
		scheduler.Config{
			CronExpr:         cfg.Scheduler.CronExpr,
			FailureBackoff:   cfg.FailureBackoff(),
			RetentionDays:    cfg.Scheduler.RetentionDays,
			DefaultFrequency: cfg.DefaultFrequency(),
		},
		logger.Named("scheduler"),
	)

	var enricher api.EnrichRunner
	if cfg.Enrich.Enabled {
		labeler, err := enrich.NewClaudeLabeler(enrich.ClaudeConfig{
			APIKey: cfg.Enrich.APIKey,
			Model:  cfg.Enrich.Model,
		}, logger.Named("labeler"))
		if err != nil {
			logger.Fatal("labeler init failed", zap.Error(err))
		}
		enricher = enrich.New(st.content, scrapeClient, labeler, clock, enrich.Config{
			BatchSize:  cfg.Enrich.BatchSize,
			BatchPause: cfg.BatchPause(),
		}, logger.Named("enrich"))
	}

	apiServer := api.NewServer(
		st.sources,
		st.history,
		st.jobs,
		sched,
		enricher,
		api.Config{AuthEnabled: cfg.Auth.Enabled, APIKey: cfg.Auth.APIKey},
		logger.Named("api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Harvest.Workers))
		dispatch.Run(ctx)
	}()

	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			logger.Fatal("scheduler start failed", zap.Error(err))
		}
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	if cfg.Scheduler.Enabled {
		sched.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

// buildStores selects in-memory or Postgres persistence. An empty DSN keeps
// everything in process, which is how local development runs.
func buildStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.DB.DSN == "" {
		return stores{
			sources: memoryStorage.NewSourceStore(),
			content: memoryStorage.NewContentStore(),
			history: memoryStorage.NewHistoryStore(),
			jobs:    memoryStorage.NewJobStore(),
			close:   func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return stores{}, fmt.Errorf("connect postgres: %w", err)
	}
	sources, err := postgres.NewSourceStore(pool)
	if err != nil {
		return stores{}, err
	}
	content, err := postgres.NewContentStore(pool)
	if err != nil {
		return stores{}, err
	}
	history, err := postgres.NewHistoryStore(pool)
	if err != nil {
		return stores{}, err
	}
	jobs, err := postgres.NewJobStore(pool)
	if err != nil {
		return stores{}, err
	}
	return stores{
		sources: sources,
		content: content,
		history: history,
		jobs:    jobs,
		close:   pool.Close,
	}, nil
}

// buildPublisher selects the Pub/Sub publisher when a project is configured
// and the in-memory recorder otherwise.
func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		return memorypublisher.New(), func() {}, nil
	}
	pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return nil, nil, err
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			logger.Error("close pubsub publisher failed", zap.Error(err))
		}
	}, nil
}
