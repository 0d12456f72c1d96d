// Command orchestrator runs the workflow orchestration engine: it wires
// the Persistence Store, Signal Bus, Event Bus, Shard Manager, Model
// Router, Phase Config Loader, Phase Coordinator, and Mothership
// Orchestrator behind the HTTP Surface. Grounded on the teacher's
// cmd/main.go bootstrap-then-activate pattern: a minimal /health
// listener answers immediately while dependencies initialize, and the
// real router takes over once everything is wired.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/apex-build/orchestrator/internal/auth"
	"github.com/apex-build/orchestrator/internal/cache"
	"github.com/apex-build/orchestrator/internal/config"
	"github.com/apex-build/orchestrator/internal/dispatch"
	"github.com/apex-build/orchestrator/internal/engine"
	"github.com/apex-build/orchestrator/internal/events"
	"github.com/apex-build/orchestrator/internal/handlers"
	"github.com/apex-build/orchestrator/internal/logging"
	"github.com/apex-build/orchestrator/internal/metrics"
	"github.com/apex-build/orchestrator/internal/modelrouter"
	"github.com/apex-build/orchestrator/internal/mothership"
	"github.com/apex-build/orchestrator/internal/phaseconfig"
	"github.com/apex-build/orchestrator/internal/phasecoordinator"
	"github.com/apex-build/orchestrator/internal/shard"
	"github.com/apex-build/orchestrator/internal/signalbus"
	"github.com/apex-build/orchestrator/internal/store"
	"github.com/apex-build/orchestrator/internal/websocket"
)

func main() {
	logging.Init()
	defer logging.Sync()

	if err := godotenv.Load(); err != nil {
		logging.S().Info("no .env file found, using environment variables")
	}

	port := getEnv("PORT", "8080")

	var startupReady atomic.Bool
	var activeRouter atomic.Value
	bootstrapRouter := gin.New()
	bootstrapRouter.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "starting", "ready": startupReady.Load()})
	})
	activeRouter.Store(bootstrapRouter)

	serverErrors := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              ":" + port,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			activeRouter.Load().(*gin.Engine).ServeHTTP(w, r)
		}),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	logging.S().Infow("bootstrap listener started", "port", port)

	secretsConfig := config.MustValidateSecrets()

	db, err := store.NewDatabase(&store.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
		DBName:   getEnv("DB_NAME", "apex_orchestrator"),
		SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		TimeZone: getEnv("DB_TIMEZONE", "UTC"),
	})
	if err != nil {
		log.Fatalf("orchestrator: connecting to database: %v", err)
	}
	defer db.Close()

	var redisCache *cache.RedisCache
	if redisURL := secretsConfig.RedisURL; redisURL != "" {
		rc, err := cache.NewRedisCacheFromURL(redisURL, cache.DefaultCacheConfig())
		if err != nil {
			logging.S().Warnw("redis unavailable, phase-config/run-status/model-health caches fall back to in-memory", "error", err)
		} else {
			redisCache = rc
		}
	}

	runs := store.NewRunStore(db)
	heartbeats := store.NewHeartbeatStore(db)
	shardStore := store.NewShardStore(db)
	modelStore := store.NewModelCatalogStore(db)
	signalStore := store.NewSignalStore(db)
	eventStore := store.NewEventStore(db)

	authService := auth.NewTenantAuthService(secretsConfig.JWTSecret)

	signals := signalbus.New(signalStore)
	bus := events.New(eventStore)

	shardManager := shard.New(shardStore, shardStore, shard.RuntimeResourceSource{})

	backendAuth := modelrouter.NewBackendAuth()
	var modelCatalog modelrouter.Catalog = modelStore
	var runStatusCache *cache.RunStatusCache
	var phaseCache phaseconfig.Cache
	if redisCache != nil {
		modelCatalog = cache.NewCachedCatalog(modelStore, cache.NewModelHealthCache(redisCache))
		runStatusCache = cache.NewRunStatusCache(redisCache)
		phaseCache = cache.NewPhaseConfigCache(redisCache)
	}
	router := modelrouter.New(modelCatalog, modelStore, backendAuth)
	loader := phaseconfig.NewLoader(getEnv("PHASE_CONFIG_DIR", "./phases"), phaseCache)

	dispatchClient := dispatch.New(dispatch.Config{
		ExecutorURL:  os.Getenv("EXECUTOR_URL"),
		GateURL:      os.Getenv("GATE_URL"),
		ArtifactsURL: os.Getenv("ARTIFACTS_URL"),
	})

	phaseStore := store.NewPhaseStore(db)
	coordinator := phasecoordinator.New(
		phaseStore,
		signals,
		router,
		bus,
		dispatchClient.Execute,
		dispatchClient.Evaluate,
		dispatchClient.Persist,
	)

	orchestrator := mothership.New(runs, signals, bus, coordinator.RunPhase).WithStatusCache(runStatusCache)
	eng := engine.New(shardManager, loader, orchestrator)

	ginRouter := handlers.NewRouter(handlers.RouterDeps{
		Runs:        runs,
		Heartbeats:  heartbeats,
		Monitor:     nil,
		Signals:     signals,
		AuthService: authService,
	})

	collector := metrics.NewSystemMetricsCollector(db.DB, 15*time.Second)
	ctx, cancelCollector := context.WithCancel(context.Background())
	collector.Start(ctx)

	wsHub := websocket.NewHub(bus)
	ginRouter.GET("/ws/events", wsHub.ServeWS)

	activeRouter.Store(ginRouter)
	startupReady.Store(true)
	logging.S().Infow("orchestrator ready",
		"port", port,
		"production", secretsConfig.IsProduction,
		"engine_ready", eng != nil,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("orchestrator: server failed to start: %v", err)
	case sig := <-quit:
		logging.S().Infow("received signal, shutting down", "signal", sig.String())
	}

	cancelCollector()
	wsHub.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.S().Warnw("http server shutdown error", "error", err)
	}
	logging.S().Info("orchestrator stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
