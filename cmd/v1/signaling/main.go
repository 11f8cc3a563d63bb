package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/auth"
	"github.com/huddlekit/signaling/internal/v1/bus"
	"github.com/huddlekit/signaling/internal/v1/config"
	"github.com/huddlekit/signaling/internal/v1/health"
	"github.com/huddlekit/signaling/internal/v1/logging"
	"github.com/huddlekit/signaling/internal/v1/media"
	"github.com/huddlekit/signaling/internal/v1/middleware"
	"github.com/huddlekit/signaling/internal/v1/ratelimit"
	"github.com/huddlekit/signaling/internal/v1/room"
	"github.com/huddlekit/signaling/internal/v1/tracing"
	"github.com/huddlekit/signaling/internal/v1/transport"
	"github.com/huddlekit/signaling/internal/v1/types"
)

// workerDeathGrace gives in-flight requests and log flushing a moment
// before the process exits after a media worker dies.
const workerDeathGrace = 2 * time.Second

func main() {
	// Load .env for local development. Paths cover running from the repo
	// root and from the cmd directory.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx := context.Background()

	if cfg.OtelEnabled {
		tp, err := tracing.InitTracer(ctx, "sfu-signaling", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	// --- Auth ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		if cfg.DevelopmentMode {
			logging.Warn(ctx, "Development mode: auth credentials missing, auto-enabling SKIP_AUTH")
			skipAuth = true
		} else {
			logging.Error(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
			os.Exit(1)
		}
	}

	var validator types.TokenValidator
	if skipAuth {
		logging.Warn(ctx, "Authentication DISABLED - do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Error(ctx, "Failed to create auth validator", zap.Error(err))
			os.Exit(1)
		}
		logging.Info(ctx, "Auth validator initialized",
			zap.String("domain", cfg.Auth0Domain),
			zap.String("audience", cfg.Auth0Audience))
		validator = v
	}

	// --- Redis bus (optional cross-instance fan-out) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode", zap.Error(err))
			busService = nil
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}

	// --- Media worker pool ---
	// A dead worker strands every room pinned to it, so the instance exits
	// and lets the orchestrator restart it.
	onWorkerDied := func(err error) {
		logging.Error(ctx, "Media worker died, exiting", zap.Error(err))
		logging.Sync()
		time.Sleep(workerDeathGrace)
		os.Exit(1)
	}
	pool, err := media.NewPool(ctx, cfg.WorkerCount, media.Settings{
		Bin:        cfg.WorkerBin,
		LogLevel:   cfg.LogLevel,
		RTCMinPort: cfg.RTCMinPort,
		RTCMaxPort: cfg.RTCMaxPort,
	}, onWorkerDied)
	if err != nil {
		logging.Error(ctx, "Failed to start media worker pool", zap.Error(err))
		os.Exit(1)
	}
	logging.Info(ctx, "Media worker pool started", zap.Int("workers", pool.Size()))

	// --- Rate limiting ---
	rateLimiter, err := ratelimit.New(cfg.RateLimitWsIP, cfg.RateLimitWsUser, busService.Client())
	if err != nil {
		logging.Error(ctx, "Failed to create rate limiter", zap.Error(err))
		os.Exit(1)
	}

	// --- Hub ---
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	hub := transport.NewHub(transport.Options{
		Validator: validator,
		Bus:       busService,
		Workers:   pool,
		Media: room.MediaConfig{
			MediaCodecs: types.Opaque(cfg.RouterMediaCodecs),
			Transport: media.WebRtcTransportOptions{
				ListenIP:                   cfg.WebRTCListenIP,
				AnnouncedIP:                cfg.WebRTCAnnouncedIP,
				EnableUDP:                  cfg.WebRTCEnableUDP,
				EnableTCP:                  cfg.WebRTCEnableTCP,
				PreferUDP:                  cfg.WebRTCPreferUDP,
				InitialAvailableOutBitrate: cfg.InitialAvailableOutBitrate,
			},
			MaxIncomingBitrate: cfg.MaxIncomingBitrate,
		},
		RateLimiter:    rateLimiter,
		AllowedOrigins: allowedOrigins,
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
	})

	// --- HTTP surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OtelEnabled {
		router.Use(otelgin.Middleware("sfu-signaling"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService, pool)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Signaling server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during hub shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	pool.Close()

	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exiting")
}
