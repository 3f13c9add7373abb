/**
 * @description
 * This is the main entry point for the aa-service. It loads configuration, connects
 * to PostgreSQL, Redis and RabbitMQ, builds the vendor client with its token cache,
 * wires the consent, FI, report and BSA services and starts the HTTP server and the
 * stale-consent sweep.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Status-check rate limiting.
 * - github.com/prometheus/client_golang: Metrics endpoint.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/tspclient: Client for the TSP account aggregator API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/aa-service/internal/api"
	"github.com/transfa/aa-service/internal/app"
	"github.com/transfa/aa-service/internal/config"
	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/internal/store"
	"github.com/transfa/aa-service/pkg/rabbitmq"
	"github.com/transfa/aa-service/pkg/tspclient"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "aa-service")
	slog.SetDefault(logger)
	logger.Info("starting aa-service", "port", cfg.ServerPort)

	if cfg.RunMigrations {
		if err := store.RunMigrations(cfg.DatabaseURL, logger); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	logger.Info("database connected")

	// Metrics live on a private registry so /metrics only exposes this service.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	var publisher rabbitmq.Publisher = rabbitmq.NoopPublisher{}
	var producer *rabbitmq.EventProducer
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; triggers run in-process and status events are dropped")
	} else if producer, err = rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		producer = nil
	} else {
		defer producer.Close()
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}

	var redisClient *redis.Client
	if cfg.StatusCheckRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			logger.Warn("redis url missing; status-check rate limiting disabled")
		} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
			logger.Warn("redis url parse failed; status-check rate limiting disabled", "error", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				logger.Warn("redis ping failed; status-check rate limiting disabled", "error", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				logger.Info("redis connected")
			}
		}
	}

	repository := store.NewPostgresRepository(dbpool)
	recorder := app.NewErrorRecorder(repository, logger, metrics)

	tspClient := tspclient.NewClient(cfg.TSPAPIBaseURL, logger)
	tokenCache := app.NewTokenCache(repository, tspClient, cfg.TSPEmail, cfg.TSPPassword, recorder, metrics, logger)
	tspClient.SetTokenSource(tokenCache)

	consentService := app.NewConsentService(repository, tspClient, app.ConsentDefaults{
		AAID:               cfg.DefaultAAID,
		TxnCallbackURL:     cfg.TxnCallbackURL,
		ConsentCallbackURL: cfg.ConsentCallbackURL,
	}, recorder, metrics, logger)
	fiService := app.NewFIService(repository, tspClient, cfg.TxnCallbackURL, recorder, metrics, logger)
	reportService := app.NewReportService(repository, tspClient, nil, recorder, metrics, logger)
	bsaService := app.NewBSAService(repository, tspClient, publisher, cfg.BSAWebhookURL, recorder, metrics, logger)

	triggerTimeout := time.Duration(cfg.TriggerTimeoutSeconds) * time.Second
	worker := app.NewTriggerWorker(fiService, reportService, logger)

	var dispatchPublisher rabbitmq.Publisher
	if producer != nil {
		dispatchPublisher = producer
	}
	dispatcher := app.NewRabbitTriggerDispatcher(dispatchPublisher, worker, triggerTimeout, metrics, logger)

	reconciler := app.NewReconciler(repository, tspClient, dispatcher, publisher, recorder, metrics, logger)
	if redisClient != nil {
		reconciler.SetStatusCheckRateLimiter(
			app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.StatusCheckRateLimitPerMinute,
		)
	}

	var consumer *rabbitmq.Consumer
	if producer != nil {
		consumer, err = rabbitmq.NewConsumer(cfg.RabbitMQURL, 10)
		if err != nil {
			logger.Warn("rabbitmq consumer unavailable; published triggers will wait for a consumer", "error", err)
		} else {
			triggerConsumer := app.NewTriggerConsumer(worker, triggerTimeout, logger)
			bindings := map[string]func([]byte) bool{
				domain.RoutingKeyTriggerFIFetch:        triggerConsumer.HandleMessage,
				domain.RoutingKeyTriggerReportRetrieve: triggerConsumer.HandleMessage,
			}
			if err := consumer.ConsumeWithBindings(domain.EventsExchange, cfg.TriggerQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"trigger consumer start failed\" err=%v", err)
			}
		}
	}

	sweep := app.NewStaleConsentSweep(repository, reconciler, time.Duration(cfg.StaleConsentSweepAgeMinutes)*time.Minute, logger)
	scheduler := app.NewScheduler(sweep, cfg.StaleConsentSweepSchedule, logger)
	scheduler.Start()

	handler := api.NewHandler(api.Services{
		Consents:   consentService,
		Reconciler: reconciler,
		FI:         fiService,
		Reports:    reportService,
		BSA:        bsaService,
		Tokens:     tokenCache,
	}, cfg.WebhookSecret, logger)
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		logger.Warn("webhook secret not configured; webhook signatures are not verified")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		logger.Warn("internal api key not configured; internal endpoints are unauthenticated")
	}

	router := api.NewRouter(handler, api.RouterOptions{
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()
	dispatcher.Wait()
	if consumer != nil {
		consumer.Close()
	}

	logger.Info("shutdown complete")
}
