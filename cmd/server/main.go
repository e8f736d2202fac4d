package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "brokerinbox/backend/internal/auth/jwt"
	"brokerinbox/backend/internal/cache"
	"brokerinbox/backend/internal/config"
	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/extraction"
	"brokerinbox/backend/internal/health"
	"brokerinbox/backend/internal/logger"
	"brokerinbox/backend/internal/matching"
	"brokerinbox/backend/internal/monitoring"
	"brokerinbox/backend/internal/objectstore"
	"brokerinbox/backend/internal/pool"
	"brokerinbox/backend/internal/security"
	"brokerinbox/backend/internal/service"
	"brokerinbox/backend/internal/smtp"
	"brokerinbox/backend/internal/storage"
	"brokerinbox/backend/internal/storage/hybrid"
	"brokerinbox/backend/internal/storage/memory"
	httptransport "brokerinbox/backend/internal/transport/http"
	"brokerinbox/backend/internal/websocket"
)

const version = "0.3.0"

// main 启动 HTTP（webhook + 审核 API）与可选的 SMTP 入站服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
		Service:     "brokerinbox",
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting brokerinbox server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 存储层
	store, fanout, err := initializeStorage(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Storage close warning", zap.Error(err))
		}
	}()

	objects, err := objectstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		log.Fatal("Failed to initialize object store", zap.Error(err))
	}
	log.Info("object store initialized", zap.String("backend", cfg.ObjectStore.Backend))

	metrics := monitoring.NewMetrics()

	// 抽取：未配置 API key 时所有文档直接进入人工审核
	var oracle extraction.Oracle = extraction.NopOracle{}
	if cfg.Extraction.APIKey != "" {
		client := extraction.NewAnthropicClient(extraction.ClientConfig{
			APIKey:     cfg.Extraction.APIKey,
			BaseURL:    cfg.Extraction.BaseURL,
			Model:      cfg.Extraction.Model,
			MaxTokens:  cfg.Extraction.MaxTokens,
			MaxRetries: cfg.Extraction.MaxRetries,
			RetryDelay: cfg.Extraction.RetryDelay,
		})
		oracle = extraction.NewExtractor(client, extraction.Options{
			Timeout:           cfg.Extraction.Timeout,
			RequestsPerSecond: cfg.Extraction.RequestsPerSecond,
			BreakerFailures:   cfg.Extraction.BreakerFailures,
			BreakerCooldown:   cfg.Extraction.BreakerCooldown,
		}, log, metrics)
		log.Info("extraction enabled", zap.String("model", cfg.Extraction.Model))
	} else {
		log.Warn("Extraction API key not configured, documents will require manual entry")
	}

	workers := pool.NewWorkerPool(cfg.Ingestion.ExtractionWorkers, cfg.Ingestion.ExtractionWorkers*16, log)
	workers.Start(ctx)
	defer workers.Stop()

	tenantCache := cache.NewLocalCache[*domain.Tenant](1000, 5*time.Minute)
	defer tenantCache.Close()
	tenants := service.NewTenantService(store, cfg.Tenant.MailDomain, tenantCache)

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("access_expiry", cfg.JWT.AccessExpiry),
	)

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, jwtManager, log)
	wsHub.UseGauge(metrics)
	if fanout != nil {
		wsHub.UseFanout(fanout)
	}

	ingestion := service.NewIngestionService(service.IngestionDeps{
		Store:    store,
		Objects:  objects,
		Oracle:   oracle,
		Matcher:  matching.NewEngine(store, log),
		Tenants:  tenants,
		Guard:    security.NewAttachmentGuard(cfg.Ingestion.MaxAttachmentBytes),
		Workers:  workers,
		Notifier: wsHub,
		Metrics:  metrics,
	}, service.IngestionOptions{
		RateLimit:         cfg.Ingestion.RateLimit,
		RateWindow:        cfg.Ingestion.RateWindow,
		ReplayTTL:         cfg.Webhook.ReplayTTL,
		UploadConcurrency: cfg.Ingestion.UploadConcurrency,
	}, log)

	healthChecker := health.NewHealthChecker(store, health.Features{
		Database:    cfg.Database.Type != "",
		Redis:       cfg.Redis.Address != "",
		Extraction:  cfg.Extraction.APIKey != "",
		ObjectStore: true,
		SMTP:        cfg.SMTP.Enabled,
	}, version, log)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:           cfg,
		IngestionService: ingestion,
		ReviewService:    service.NewReviewService(store, wsHub, metrics, log),
		InboxService:     service.NewInboxService(store, objects, cfg.ObjectStore.SignedURLTTL),
		JWTManager:       jwtManager,
		Verifier:         security.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.MaxSkew),
		WebSocketHub:     wsHub,
		Health:           healthChecker,
		Metrics:          metrics,
		Version:          version,
		Logger:           log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		backend := smtp.NewBackend(ingestion, tenants,
			smtp.NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.ConnRate),
			cfg.Ingestion.MaxBodyBytes, log)
		smtpServer = smtp.NewServer(backend, smtp.Options{
			Addr:          cfg.SMTP.BindAddr,
			Domain:        cfg.SMTP.Domain,
			AllowInsecure: cfg.Log.Development,
		})
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && groupCtx.Err() == nil {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 系统与队列指标
	group.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				metrics.UpdateSystemMetrics()
				metrics.SetExtractionQueue(workers.QueueLength())
			}
		}
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 按配置选择存储
//
// 未配置数据库时使用内存存储（开发环境）；配置了 Redis 时返回其发布订阅作为 WebSocket 扇出。
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.Store, websocket.Fanout, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil, nil
	}

	log.Info("initializing database storage",
		zap.String("database_type", cfg.Database.Type),
		zap.String("redis_address", cfg.Redis.Address),
	)
	store, err := hybrid.NewStoreWithType(&cfg.Database, &cfg.Redis, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create hybrid store: %w", err)
	}

	if rc := store.Cache(); rc != nil {
		return store, rc, nil
	}
	return store, nil, nil
}
