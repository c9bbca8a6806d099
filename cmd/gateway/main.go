package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/api"
	"github.com/lalithlochan/prospector/internal/apperr"
	"github.com/lalithlochan/prospector/internal/circuitbreaker"
	"github.com/lalithlochan/prospector/internal/config"
	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/dedup"
	"github.com/lalithlochan/prospector/internal/eligibility"
	"github.com/lalithlochan/prospector/internal/engagement"
	"github.com/lalithlochan/prospector/internal/events"
	"github.com/lalithlochan/prospector/internal/grid"
	"github.com/lalithlochan/prospector/internal/observ"
	"github.com/lalithlochan/prospector/internal/places"
	"github.com/lalithlochan/prospector/internal/queue"
	"github.com/lalithlochan/prospector/internal/redis"
	"github.com/lalithlochan/prospector/internal/search"
	"github.com/lalithlochan/prospector/internal/stats"
	"github.com/lalithlochan/prospector/internal/templates"
	"github.com/lalithlochan/prospector/internal/usage"
	"github.com/lalithlochan/prospector/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting prospector gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("usage_backend", cfg.UsageBackend),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:      cfg.RedisHost,
		Port:      cfg.RedisPort,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.RedisKeyPrefix,
	}, logger)
	if err != nil {
		if cfg.UsageBackend == "redis" {
			return fmt.Errorf("USAGE_BACKEND=redis but redis is unavailable: %w", err)
		}
		logger.Warn("redis unavailable, idempotency, rate limiting and provider engagement disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Usage caps
	var counter usage.Counter = usage.NewPostgresCounter(repo)
	if cfg.UsageBackend == "redis" {
		counter = redis.NewUsageCounter(redisClient)
	}
	tracker := usage.NewTracker(counter, usage.Options{
		Limits: map[usage.Resource]usage.Limits{
			usage.ResourceSearch: {Daily: cfg.Search.DailyLimit, Monthly: cfg.Search.MonthlyLimit, PricePerThousand: cfg.Search.PricePerThousand},
			usage.ResourceDetail: {Daily: cfg.Detail.DailyLimit, Monthly: cfg.Detail.MonthlyLimit, PricePerThousand: cfg.Detail.PricePerThousand},
		},
		Warn80:   cfg.CapWarn80,
		Warn95:   cfg.CapWarn95,
		Location: cfg.Timezone,
	}, logger)

	publisher, err := events.NewPublisher(ctx, cfg.EventsTopicARN, logger)
	if err != nil {
		logger.Warn("event publisher unavailable, lifecycle events disabled", zap.Error(err))
		publisher = nil
	}

	// Search. Without credentials dry runs still work and live runs are
	// rejected as a configuration error.
	var provider search.Provider
	placesClient, err := places.New(ctx, places.Config{
		APIKey:     cfg.PlacesAPIKey,
		BaseURL:    cfg.PlacesBaseURL,
		Timeout:    time.Duration(cfg.PlacesTimeoutSeconds) * time.Second,
		MaxRetries: cfg.PlacesMaxRetries,
	}, logger)
	var cfgErr *apperr.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		logger.Warn("places provider not configured, live searches disabled", zap.String("setting", cfgErr.Setting))
	case err != nil:
		return fmt.Errorf("failed to create places client: %w", err)
	default:
		provider = placesClient
	}

	deduplicator := dedup.New(repo, dedup.Config{
		PhoneMatchDigits: cfg.PhoneMatchDigits,
		IgnoredDomains:   cfg.DedupIgnoredDomains,
	}, logger)

	orchestrator := search.NewOrchestrator(provider, tracker, deduplicator, repo, publisher, search.Config{
		RunMaxSearchCalls: cfg.Search.RunMaxCalls,
		RunMaxDetailCalls: cfg.Detail.RunMaxCalls,
		RunMaxPlaces:      cfg.RunMaxPlaces,
		Grid: grid.Options{
			Density:         cfg.GridDensity,
			MinCellRadiusKm: cfg.GridMinCellRadiusKm,
		},
	}, logger)

	// Queue
	gate := eligibility.NewGate(repo, repo, time.Now, logger)
	manager := queue.NewManager(repo, gate, queue.Config{
		DefaultDailyLimit:     cfg.DefaultDailyLimit,
		DefaultCooldownDays:   cfg.DefaultCooldownDays,
		SafeSendMinConfidence: cfg.SafeSendMinConfidence,
		Location:              cfg.Timezone,
	}, logger)

	selector := templates.NewSelector(repo, templates.Config{
		Thresholds: templates.Thresholds{
			Rating:           cfg.SmartRatingThreshold,
			Reviews:          cfg.SmartReviewThreshold,
			Design:           cfg.SmartDesignThreshold,
			Performance:      cfg.SmartPerformanceThreshold,
			MinWebsiteLength: cfg.SmartMinWebsiteLength,
		},
		FallbackAny: cfg.SmartFallbackAny,
		SenderNames: cfg.SenderNames,
		EmailFooter: cfg.EmailOptOutFooter,
		ChatFooter:  cfg.ChatOptOutFooter,
	}, logger)

	// Senders
	var emailSender worker.Sender
	sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
		Region:           cfg.AWSRegion,
		FromEmail:        cfg.SESFromEmail,
		ConfigurationSet: cfg.SESConfigurationSet,
	}, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, logging email instead", zap.Error(err))
		emailSender = worker.NewLogSender(logger)
	} else {
		breakerCfg := circuitbreaker.DefaultConfig("ses")
		breakerCfg.IsFailure = worker.IsProviderFailure
		emailSender = circuitbreaker.NewProtectedSender(sesSender, circuitbreaker.New(breakerCfg, logger), logger)
	}
	sender := worker.NewMultiSender(logger, emailSender, worker.NewChatLinkSender(logger))

	w := worker.New(repo, gate, selector, sender, publisher, logger).
		WithClaimTTL(time.Duration(cfg.WorkerClaimTTLSeconds) * time.Second)

	// Stats. Provider engagement needs the redis tallies.
	var engagementSource stats.EngagementSource
	var tally engagement.Tally
	if redisClient != nil {
		tallies := redis.NewEngagementCounter(redisClient)
		engagementSource = tallies
		tally = tallies
	}
	aggregator := stats.NewAggregator(repo, engagementSource, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	var bg sync.WaitGroup

	if cfg.WorkerEnabled {
		runner := worker.NewRunner(w, repo, worker.RunnerConfig{
			ScanInterval: time.Duration(cfg.WorkerScanSeconds) * time.Second,
			MaxCampaigns: cfg.WorkerMaxCampaigns,
			MinDelay:     time.Duration(cfg.PacingMinSeconds) * time.Second,
			MaxDelay:     time.Duration(cfg.PacingMaxSeconds) * time.Second,
		}, logger)
		bg.Add(1)
		go func() {
			defer bg.Done()
			runner.Start(bgCtx)
		}()
		logger.Info("campaign runner started")
	}

	if cfg.EngagementQueueURL != "" {
		consumer, err := engagement.NewConsumer(ctx, engagement.ConsumerConfig{
			Region:      cfg.AWSRegion,
			QueueURL:    cfg.EngagementQueueURL,
			WaitSeconds: int32(cfg.EngagementWaitSeconds),
		}, engagement.NewHandler(repo, tally, logger), logger)
		if err != nil {
			logger.Warn("engagement consumer unavailable", zap.Error(err))
		} else {
			bg.Add(1)
			go func() {
				defer bg.Done()
				consumer.Run(bgCtx)
			}()
			logger.Info("engagement consumer started", zap.String("queue_url", cfg.EngagementQueueURL))
		}
	}

	services := api.Services{
		Search: orchestrator,
		Runs:   repo,
		Queue:  manager,
		Worker: w,
		Stats:  aggregator,
		Usage:  tracker,
	}
	routerCfg := api.RouterConfig{}
	if redisClient != nil {
		services.Idempotency = redis.NewIdempotencyService(redisClient, logger)
		routerCfg.Limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: time.Minute,
		})
	}

	handler := api.NewHandler(logger, services)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     api.NewRouter(handler, routerCfg, logger),
		ReadTimeout: 15 * time.Second,
		// Searches respond only after the whole grid has been walked.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		bgCancel()
		bg.Wait()
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		bgCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		bg.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}
