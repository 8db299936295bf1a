package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/HookRelay/config"
	apprepository "github.com/sifan077/HookRelay/internal/app/repository"
	appserver "github.com/sifan077/HookRelay/internal/app/server"
	appservice "github.com/sifan077/HookRelay/internal/app/service"
	inthttp "github.com/sifan077/HookRelay/internal/http/handler"
	infraDiscord "github.com/sifan077/HookRelay/internal/infra/discord"
	"github.com/sifan077/HookRelay/internal/infra/logger"
	infraNATS "github.com/sifan077/HookRelay/internal/infra/nats"
	infraPrometheus "github.com/sifan077/HookRelay/internal/infra/prometheus"
	infraRedis "github.com/sifan077/HookRelay/internal/infra/redis"
	infraSQLite "github.com/sifan077/HookRelay/internal/infra/sqlite"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	isDev := os.Getenv("APP_ENV") != "production"
	log := logger.MustInit(logger.Config{
		Development: isDev,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log, err = logger.Init(logger.Config{
		Development: isDev,
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})
	if err != nil {
		logger.L().Fatal("Failed to configure logger", zap.Error(err))
	}

	log.Info("Configuration loaded successfully",
		zap.String("listen_addr", cfg.Server.Addr()),
		zap.String("sqlite_path", cfg.SQLite.Path),
		zap.Bool("redis_enabled", cfg.Redis.Enabled()),
		zap.Bool("nats_enabled", cfg.NATS.Enabled()),
		zap.Bool("prometheus_enabled", cfg.Prometheus.Enabled),
		zap.Bool("admin_api_enabled", cfg.Admin.Token != ""),
	)

	gormDB, err := infraSQLite.Open(cfg.SQLite)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatal("Failed to access underlying SQL DB", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := infraSQLite.Migrate(ctx, gormDB, log); err != nil {
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}

	dal := infraSQLite.NewDAL(sqlDB, log.Named("dal"))
	defer func() {
		if err := dal.Close(); err != nil {
			log.Warn("Failed to release cached statements", zap.Error(err))
		}
	}()
	log.Info("Database ready", zap.String("path", cfg.SQLite.Path))

	var metrics *infraPrometheus.Metrics
	if cfg.Prometheus.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = infraPrometheus.NewMetrics(reg)

		promServer := infraPrometheus.NewServer(cfg.Prometheus, reg)
		go func() {
			log.Info("Starting Prometheus metrics server",
				zap.Int("port", cfg.Prometheus.Port))
			if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Prometheus metrics server stopped unexpectedly", zap.Error(err))
			}
		}()
		defer func() {
			if err := promServer.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("Failed to close Prometheus server", zap.Error(err))
			}
		}()
	} else {
		log.Info("Prometheus metrics server disabled")
	}

	endpointRepo := apprepository.NewEndpointRepository(dal)
	linkRepo := apprepository.NewCrossServerLinkRepository(dal)
	statRepo := apprepository.NewStatRepository(dal, gormDB)
	localeRepo := apprepository.NewLocaleRepository(dal)

	registry := appservice.NewRegistry(log.Named("registry"), endpointRepo, linkRepo,
		appservice.WithEndpointHook(appservice.NewLocaleSeeder(localeRepo)),
		appservice.WithPathFilter(cfg.Relay.BloomCapacity, cfg.Relay.BloomFalsePositive),
	)
	registry.Warm(ctx)

	session, err := infraDiscord.NewSession(cfg.Discord)
	if err != nil {
		log.Fatal("Failed to create Discord session", zap.Error(err))
	}
	deliverer := appservice.NewDeliverer(infraDiscord.NewSender(session), log.Named("delivery"), cfg.Discord.FooterText)

	var statObserver appservice.StatObserver
	var relayObserver inthttp.RelayObserver
	if metrics != nil {
		statObserver = metrics
		relayObserver = metrics
	}

	batcher := appservice.NewStatBatcher(log.Named("stats"), statRepo, cfg.Stats, statObserver)
	batcher.Start()

	var recorder appservice.StatRecorder = batcher
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	if cfg.NATS.Enabled() {
		natsConn, js, err := infraNATS.Connect(cfg.NATS, log.Named("nats"))
		if err != nil {
			log.Warn("NATS unavailable, recording stats in process", zap.Error(err))
		} else {
			defer natsConn.Drain()
			consumer := appservice.NewStatConsumer(js, log.Named("stats-consumer"), batcher)
			if err := consumer.Start(consumerCtx); err != nil {
				log.Warn("Failed to start stat consumer, recording stats in process", zap.Error(err))
			} else {
				recorder = appservice.NewStatPublisher(js, log.Named("stats-publisher"))
				log.Info("Connected to NATS successfully", zap.String("url", infraNATS.BuildURL(cfg.NATS)))
			}
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = infraRedis.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Warn("Redis unavailable, using in-process rate limiter", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
			log.Info("Connected to Redis successfully")
		}
	}

	server := appserver.New(appserver.Dependencies{
		Logger:      log,
		Server:      cfg.Server,
		Relay:       cfg.Relay,
		AdminToken:  cfg.Admin.Token,
		Registry:    registry,
		Deliverer:   deliverer,
		Stats:       recorder,
		StatsReader: statRepo,
		Database:    dal,
		Redis:       redisClient,
		Observer:    relayObserver,
	})

	listenErr := make(chan error, 1)
	go func() {
		log.Info("Relay server listening", zap.String("addr", cfg.Server.Addr()))
		listenErr <- server.Listen(cfg.Server.Addr())
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-listenErr:
		if err != nil {
			log.Error("Fiber server exited", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to shut down relay server", zap.Error(err))
	}
	stopConsumer()
	if err := batcher.Stop(shutdownCtx); err != nil {
		log.Warn("Stat batcher did not flush in time", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
