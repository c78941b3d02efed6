package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/labcoord/coordinator/internal/v1/admin"
	"github.com/labcoord/coordinator/internal/v1/audit"
	"github.com/labcoord/coordinator/internal/v1/auth"
	"github.com/labcoord/coordinator/internal/v1/bus"
	"github.com/labcoord/coordinator/internal/v1/config"
	"github.com/labcoord/coordinator/internal/v1/coordinator"
	"github.com/labcoord/coordinator/internal/v1/grace"
	"github.com/labcoord/coordinator/internal/v1/health"
	"github.com/labcoord/coordinator/internal/v1/logging"
	"github.com/labcoord/coordinator/internal/v1/middleware"
	"github.com/labcoord/coordinator/internal/v1/probe"
	"github.com/labcoord/coordinator/internal/v1/ratelimit"
	"github.com/labcoord/coordinator/internal/v1/registry"
	"github.com/labcoord/coordinator/internal/v1/scenes"
	"github.com/labcoord/coordinator/internal/v1/session"
	"github.com/labcoord/coordinator/internal/v1/tracing"
	"github.com/labcoord/coordinator/internal/v1/transport"
	"github.com/labcoord/coordinator/internal/v1/types"
)

const sweepInterval = 10 * time.Second

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "serve":
		os.Exit(runServe(args))
	case "replay-audit":
		os.Exit(runReplayAudit(args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected serve or replay-audit)\n", command)
		os.Exit(2)
	}
}

func loadDotenv(configPath string) {
	if configPath != "" {
		if err := godotenv.Load(configPath); err != nil {
			slog.Error("failed to load config file", "path", configPath, "error", err)
			os.Exit(1)
		}
		slog.Info("loaded environment from", "path", configPath)
		return
	}

	// Try multiple paths to handle different ways of running the binary.
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment from", "path", path)
			return
		}
	}
	slog.Warn("no .env file found, relying on environment variables")
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.String("port", "", "listen port (overrides PORT)")
	configPath := fs.String("config", "", "path to an env-format config file")
	_ = fs.Parse(args)

	loadDotenv(*configPath)
	if *port != "" {
		os.Setenv("PORT", *port)
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	if err := logging.Initialize(cfg.GoEnv == "development"); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		return 1
	}

	ctx := context.Background()

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "experiment-coordinator", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing", zap.Error(err))
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	// --- External collaborators ---
	var redisService *bus.Service
	if cfg.RedisEnabled {
		redisService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "failed to connect to redis", zap.Error(err))
			return 1
		}
		defer redisService.Close()
	}

	var redisClient *redis.Client
	if redisService != nil {
		redisClient = redisService.Client()
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to build rate limiter", zap.Error(err))
		return 1
	}

	validator, err := auth.NewValidator(cfg.JWTSecret, 0)
	if err != nil {
		logging.Error(ctx, "failed to build token validator", zap.Error(err))
		return 1
	}

	var scenesClient *scenes.Client
	if cfg.SceneServiceAddr != "" {
		scenesClient = scenes.NewClient(cfg.SceneServiceAddr, 30*time.Second)
	}

	// --- Core components, leaves first ---
	reg := registry.New()
	graceTable := grace.New(cfg.LoadingTimeout)
	probes := probe.New(cfg.ProbeTimeout)
	relay := session.NewRelay()
	auditSink := audit.NewSink(cfg.AuditOutputDir)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	hub := transport.NewHub(validator, reg, limiter, nil, allowedOrigins, cfg.PingInterval, cfg.PingTimeout)

	sessions := session.NewManager(reg, hub, cfg.AuditRetention, cfg.ParticipantRetention)
	if scenesClient != nil {
		sessions.SetMessageResolver(scenesClient)
	}

	aggregator := admin.NewAggregator(sessions, reg)
	sessions.SetObserver(aggregator)
	aggregator.EnableBroadcast(500*time.Millisecond, func(envelope types.Envelope) {
		hub.EmitToScene("admin", envelope)
	})

	dispatcher := coordinator.New(reg, graceTable, probes, sessions, relay, aggregator, auditSink, scenesClient, hub, cfg.ExperimentID)
	hub.SetDispatcher(dispatcher)

	// --- Periodic maintenance ---
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				dispatcher.Sweep(ctx, time.Now(), cfg.AuditRetention)
			case <-sweepDone:
				return
			}
		}
	}()

	// --- HTTP server ---
	if cfg.GoEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OtelCollectorAddr != "" {
		router.Use(otelgin.Middleware("experiment-coordinator"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/hub/:sceneId", hub.ServeWs)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(redisService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	aggregator.RegisterRoutes(&router.RouterGroup, bearerAuth(validator))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "coordinator listening on :"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	close(sweepDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "forced shutdown", zap.Error(err))
		return 1
	}

	logging.Info(ctx, "coordinator exiting")
	return 0
}

// bearerAuth guards the admin read API with the coordinator's own token
// validator.
func bearerAuth(validator *auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if _, err := validator.ValidateToken(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func runReplayAudit(args []string) int {
	fs := flag.NewFlagSet("replay-audit", flag.ExitOnError)
	configPath := fs.String("config", "", "path to an env-format config file")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: coordinator replay-audit [--config path] <session_id>")
		return 2
	}
	sessionID := types.SessionID(fs.Arg(0))

	loadDotenv(*configPath)
	outDir := os.Getenv("AUDIT_OUTPUT_DIR")
	if outDir == "" {
		outDir = "data"
	}
	experimentID := os.Getenv("EXPERIMENT_ID")
	if experimentID == "" {
		experimentID = "default"
	}

	record, recomputed, matches, err := audit.Replay(outDir, experimentID, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		return 1
	}

	fmt.Printf("session:   %s\n", record.SessionID)
	fmt.Printf("subjects:  %d expected, %d exported\n", len(record.Expected), len(record.Exports))
	fmt.Printf("stored:    %s\n", record.Parity.Status)
	fmt.Printf("recomputed: %s (desyncs=%d divergences=%d missing=%d)\n",
		recomputed.Status, len(recomputed.DesyncRecords), len(recomputed.DivergenceRecords), len(recomputed.MissingSubjects))

	if !matches {
		fmt.Fprintln(os.Stderr, "MISMATCH: stored parity verdict does not reproduce")
		return 1
	}
	fmt.Println("verdict reproduces")
	return 0
}
