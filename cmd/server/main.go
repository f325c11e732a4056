package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"familyhub/internal/agents"
	"familyhub/internal/config"
	"familyhub/internal/engine"
	"familyhub/internal/eventbus"
	"familyhub/internal/handlers"
	"familyhub/internal/health"
	"familyhub/internal/jobs"
	"familyhub/internal/logging"
	"familyhub/internal/metrics"
	"familyhub/internal/orchestrator"
	"familyhub/internal/recovery"
	"familyhub/internal/resource"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logging.Component("server")

func main() {
	// .env must be read before the logger picks its format from ENVIRONMENT
	envErr := godotenv.Load()
	logging.Init()

	log.Info("🚀 Starting FamilyHub Server...")
	if envErr != nil {
		log.Debugf("⚠️  No .env file found or error loading it: %v", envErr)
	} else {
		log.Info("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.WithFields(map[string]interface{}{
		"port":        cfg.Port,
		"environment": cfg.Environment,
		"instance":    cfg.InstanceID,
	}).Info("📋 Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthService := health.NewService(health.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	})

	st, err := openStores(ctx, cfg, healthService)
	if err != nil {
		log.WithError(err).Fatal("❌ Failed to open stores")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Model catalog and engine
	catalog, err := config.LoadModelCatalog(cfg.ModelCatalogPath)
	if err != nil {
		log.WithError(err).Fatal("❌ Failed to load model catalog")
	}
	gateway, err := newGateway(cfg, healthService)
	if err != nil {
		log.WithError(err).Fatal("❌ Failed to configure model backend")
	}
	eng := engine.New(engine.Options{
		Gateway:    gateway,
		Catalog:    catalog,
		KV:         st.kv,
		CacheTTL:   cfg.ResponseCacheTTL,
		Metrics:    m,
		InstanceID: cfg.InstanceID,
	})
	log.WithFields(map[string]interface{}{
		"provider": cfg.ModelProvider,
		"pool":     cfg.ModelPoolSize,
		"default":  catalog.Default,
	}).Info("✅ Model engine ready")

	if err := config.WatchModelCatalog(ctx, cfg.ModelCatalogPath, eng.SetCatalog); err != nil {
		log.WithError(err).Warn("⚠️  Model catalog hot reload disabled")
	} else {
		log.Infof("👀 Watching %s for model catalog changes", cfg.ModelCatalogPath)
	}

	go func() {
		warmCtx, warmCancel := context.WithTimeout(ctx, 2*time.Minute)
		defer warmCancel()
		if err := eng.WarmModels(warmCtx); err != nil {
			log.WithError(err).Warn("⚠️  Model warm-up incomplete")
		}
	}()

	mem, err := newMemory(cfg, st)
	if err != nil {
		log.WithError(err).Fatal("❌ Failed to initialize memory layer")
	}

	resources := resource.New(resource.Options{
		Limits: resource.Limits{
			MaxSessions:            cfg.MaxSessions,
			SessionTimeout:         cfg.SessionTimeout,
			IdleThreshold:          cfg.IdleThreshold,
			MemoryThresholdBytes:   uint64(cfg.MemoryThresholdMB) << 20,
			CPUThresholdPercent:    cfg.CPUThresholdPercent,
			SessionPressurePercent: cfg.SessionPressurePercent,
			CleanupInterval:        cfg.CleanupInterval,
			MonitorInterval:        cfg.MonitorInterval,
			InputRatePerSecond:     cfg.InputRatePerSecond,
			InputBurst:             cfg.InputBurst,
		},
		KV:      st.kv,
		Health:  healthService,
		Metrics: m,
	})

	// Event delivery
	bus := eventbus.New(eventbus.Options{
		BufferCap: cfg.EventBufferCap,
		KV:        st.kv,
		Breaker:   healthService.Breaker(health.DependencyTransport),
		Metrics:   m,
	})
	var relay *eventbus.RedisRelay
	if cfg.EnableRelay {
		if st.redis == nil {
			log.Warn("⚠️  EVENT_RELAY_ENABLED requires REDIS_URL - relay disabled")
		} else {
			relay = eventbus.NewRedisRelay(st.redis, cfg.InstanceID)
			if err := relay.Start(); err != nil {
				log.WithError(err).Fatal("❌ Failed to start event relay")
			}
			bus.AttachRelay(relay)
			log.Info("✅ Event relay started")
		}
	}

	// Agents share one recovery operation registry with the orchestrator
	recoveryOps := recovery.NewOperations(cfg.RecoveryGCDelay, m)
	transcriber := newTranscriber(cfg, healthService)
	if transcriber == nil {
		log.Warn("⚠️  SPEECH_API_KEY not set - voice sessions fall back to text")
	}
	registry := agents.NewDefaultRegistry(agents.Deps{
		Engine:   eng,
		Memory:   mem,
		Recovery: recovery.NewModelRecovery(eng, recoveryOps),
	}, transcriber)

	orch, err := orchestrator.New(orchestrator.Options{
		Agents:       registry,
		Memory:       mem,
		Resources:    resources,
		Bus:          bus,
		KV:           st.kv,
		Docs:         st.docs,
		Engine:       eng,
		Metrics:      m,
		RecoveryOps:  recoveryOps,
		QueueSize:    cfg.SessionQueueSize,
		EventBacklog: cfg.StreamBacklogCap,
	})
	if err != nil {
		log.WithError(err).Fatal("❌ Failed to initialize orchestrator")
	}

	// Periodic work rides on the resource manager's scheduler
	if err := resources.Every("context_preload", cfg.PreloadInterval, func(ctx context.Context) {
		if n, err := mem.PreloadActiveUsers(ctx); err != nil {
			log.WithError(err).Warn("⚠️  Context preload failed")
		} else if n > 0 {
			log.Debugf("📥 Preloaded context for %d users", n)
		}
	}); err != nil {
		log.WithError(err).Fatal("❌ Failed to schedule context preload")
	}
	if err := resources.Every("model_metrics_flush", cfg.MetricsFlushEvery, func(ctx context.Context) {
		if err := eng.FlushMetrics(ctx); err != nil {
			log.WithError(err).Warn("⚠️  Model metrics flush failed")
		}
	}); err != nil {
		log.WithError(err).Fatal("❌ Failed to schedule metrics flush")
	}
	if err := resources.Start(ctx); err != nil {
		log.WithError(err).Fatal("❌ Failed to start resource manager")
	}

	jobScheduler := jobs.NewJobScheduler()
	retentionJob, err := jobs.NewRetentionCleanupJob(mem, cfg.RetentionDays, cfg.RetentionSchedule)
	if err != nil {
		log.WithError(err).Fatal("❌ Invalid retention schedule")
	}
	jobScheduler.Register("retention_cleanup", retentionJob)
	jobScheduler.Register("dependency_health", jobs.NewDependencyHealthChecker(healthService, cfg.MonitorInterval))
	if err := jobScheduler.Start(); err != nil {
		log.WithError(err).Fatal("❌ Failed to start job scheduler")
	}

	// HTTP
	app := fiber.New(fiber.Config{
		AppName:      "FamilyHub v1.0",
		ReadTimeout:  cfg.ModelTimeout + 30*time.Second,
		WriteTimeout: cfg.ModelTimeout + 30*time.Second,
		IdleTimeout:  5 * time.Minute,
		BodyLimit:    25 * 1024 * 1024, // voice clips arrive base64 encoded
	})
	app.Use(recover.New())
	app.Use(logger.New())

	prom := fiberprometheus.New("familyhub")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)
	log.Info("📊 Prometheus metrics endpoint enabled at /metrics")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,X-User-ID",
		AllowCredentials: cfg.AllowedOrigins != "*",
	}))

	users := newAdminGrant(mem, cfg.AdminUserIDs)
	healthHandler := handlers.NewHealthHandler(healthService, resources, bus).WithJobs(jobScheduler)
	sessionHandler := handlers.NewSessionHandler(orch, users)
	wsHandler := handlers.NewWebSocketHandler(orch, bus, m)

	app.Get("/health", healthHandler.Handle)

	createLimiter := limiter.New(limiter.Config{
		Max:        20,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID := c.Get("X-User-ID"); userID != "" {
				return "session-create:" + userID
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			m.RecordRateLimited()
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many sessions created. Please wait a moment.",
			})
		},
	})

	api := app.Group("/api")
	api.Post("/sessions", createLimiter, sessionHandler.Create)
	api.Get("/sessions/:id", sessionHandler.Get)
	api.Delete("/sessions/:id", sessionHandler.Delete)

	app.Use("/ws/sessions/:id", wsHandler.Upgrade)
	app.Get("/ws/sessions/:id", websocket.New(wsHandler.Handle, websocket.Config{
		Origins: strings.Split(cfg.AllowedOrigins, ","),
	}))

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("🛑 Shutting down server...")

		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Warn("⚠️  Error shutting down HTTP server")
		}

		jobScheduler.Stop()
		if err := resources.Stop(); err != nil {
			log.WithError(err).Warn("⚠️  Error stopping resource manager")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("⚠️  Sessions did not drain before timeout")
		}

		if relay != nil {
			if err := relay.Stop(); err != nil {
				log.WithError(err).Warn("⚠️  Error stopping event relay")
			}
		}
		cancel()
		st.close(shutdownCtx)
		log.Info("👋 Shutdown complete")
	}()

	log.WithField("port", cfg.Port).Info("✅ Server listening")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.WithError(err).Fatal("❌ Server stopped")
	}
	<-shutdownDone
}
