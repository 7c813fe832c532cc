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
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/castwire/streamhub/internal/v1/bus"
	"github.com/castwire/streamhub/internal/v1/cache"
	"github.com/castwire/streamhub/internal/v1/config"
	"github.com/castwire/streamhub/internal/v1/health"
	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/middleware"
	"github.com/castwire/streamhub/internal/v1/ratelimit"
	"github.com/castwire/streamhub/internal/v1/room"
	"github.com/castwire/streamhub/internal/v1/shard"
	"github.com/castwire/streamhub/internal/v1/store"
	"github.com/castwire/streamhub/internal/v1/tracing"
	"github.com/castwire/streamhub/internal/v1/transport"
	"github.com/castwire/streamhub/pkg/sfu"
)

// serverLoad is the payload published on the load-balance channel so peers
// and external balancers can see how busy this instance is.
type serverLoad struct {
	ServerID    string `json:"serverId"`
	Rooms       int    `json:"rooms"`
	Users       int    `json:"users"`
	Connections int    `json:"connections"`
}

func main() {
	// Load .env file for local development. Try multiple paths to handle
	// different ways of running the binary.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server.
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevMode()); err != nil {
		slog.Error("Logger initialization failed", "error", err)
		os.Exit(1)
	}

	if cfg.DevMode() {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Tracing (optional) ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "streamhub-signaling", cfg.GoEnv, cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			slog.Info("✅ OTLP tracing initialized", "collector", cfg.OTLPEndpoint)
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutCtx); err != nil {
					slog.Error("Tracer shutdown failed", "error", err)
				}
			}()
		}
	}

	// --- Shared store (optional) ---
	// Without it the hub serves the degenerate single-instance deployment:
	// no pub/sub, no snapshots, no cross-server relay.
	var st *store.Service
	if cfg.ClusterMode() {
		st, err = store.NewService(cfg.StoreAddrs, cfg.StorePassword)
		if err != nil {
			slog.Error("Failed to connect to store, running in single-instance mode", "error", err)
			st = nil
		} else {
			slog.Info("✅ Shared store initialized", "addrs", cfg.StoreAddrs)
			st.StartHealthLoop(ctx, 30*time.Second)
		}
	} else {
		slog.Info("Running in single-instance mode (no store configured)")
	}

	// --- Bus ---
	// The load reporter closes over the manager pointer, which is assigned
	// below; the first heartbeat fires well after startup completes.
	var mgr *room.Manager
	var b *bus.Bus
	if st != nil {
		b = bus.New(st, cfg.ServerID, bus.WithLoadReporter(func() any {
			load := serverLoad{ServerID: cfg.ServerID}
			if mgr != nil {
				load.Rooms, load.Users = mgr.Counts()
				load.Connections = load.Users
			}
			return load
		}))
	}

	// --- Shard router ---
	var fleet shard.ActiveLister
	if b != nil {
		fleet = b
	}
	router := shard.NewRouter(cfg.ShardCount, cfg.ShardRangeStart, cfg.ShardRangeEnd, cfg.ServerID, fleet)

	// --- Cache ---
	var cacheOpts []cache.Option
	if cfg.DBURL != "" {
		db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
		if err != nil {
			slog.Error("Failed to open database, durable cache disabled", "error", err)
		} else {
			durable, err := cache.NewDurable(db)
			if err != nil {
				slog.Error("Failed to migrate durable cache schema", "error", err)
			} else {
				slog.Info("✅ Durable cache level initialized")
				cacheOpts = append(cacheOpts, cache.WithDurable(durable))
			}
		}
	}
	ch := cache.New(st, cacheOpts...)
	ch.Start(ctx)
	if b != nil {
		ch.BindInvalidator(b)
	}

	// --- Rate limiting ---
	throttle := ratelimit.NewThrottle(cfg.ThrottleCPUPct, cfg.ThrottleMemPct, cfg.ThrottleFactor)
	limiter, err := ratelimit.New(cfg.TierOverrides, ratelimit.WithThrottle(throttle))
	if err != nil {
		slog.Error("Invalid tier overrides", "error", err)
		os.Exit(1)
	}
	limiter.Start(ctx)

	// --- Rooms and transport ---
	mgr = room.NewManager(cfg.ServerID, st, b, ch, room.WithApprovalTimeout(cfg.ApprovalTimeout))
	hub := transport.NewHub(cfg.ServerID, mgr, limiter,
		transport.WithShardRouter(router),
		transport.WithBus(b),
		transport.WithMaxConnections(cfg.MaxConnections),
		transport.WithDevMode(cfg.DevMode()),
		transport.WithAllowedOrigins(cfg.CORSOrigins),
	)
	hub.Run(ctx)
	if b != nil {
		b.Start(ctx)
	}

	// --- SFU client (optional) ---
	var sfuClient *sfu.Client
	if cfg.EnableSFU {
		sfuClient = sfu.NewClient(cfg.SFUHTTPURL, cfg.SFUGRPCAddr)
		slog.Info("✅ SFU client initialized", "url", cfg.SFUHTTPURL)
	}

	// --- HTTP server ---
	if !cfg.DevMode() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())
	if cfg.OTLPEndpoint != "" {
		engine.Use(otelgin.Middleware("streamhub-signaling"))
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	engine.Use(cors.New(corsConfig))

	// The connect gate throttles upgrade attempts per IP before the
	// per-message budgets take over.
	var gateClient goredis.UniversalClient
	if st != nil {
		gateClient = st.Client()
	}
	gateStore, err := middleware.NewGateStore(gateClient)
	if err != nil {
		slog.Error("Failed to create connect gate store", "error", err)
		os.Exit(1)
	}
	gate, err := middleware.ConnectGate(gateStore, cfg.WSConnectRate)
	if err != nil {
		slog.Error("Invalid WS connect rate", "error", err)
		os.Exit(1)
	}

	engine.GET("/ws", gate, hub.ServeWs)

	healthHandler := health.NewHandler(cfg.ServerID, mgr, st, sfuClient)
	engine.GET("/api/health", healthHandler.Health)
	engine.GET("/api/health/live", healthHandler.Liveness)
	engine.GET("/api/health/ready", healthHandler.Readiness)
	engine.GET("/api/rooms", healthHandler.Rooms)
	engine.GET("/api/rooms/:roomId", healthHandler.Room)
	engine.GET("/rooms/:roomId/rtp-capabilities", healthHandler.RtpCapabilities)

	// Prometheus metrics endpoint
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Graceful shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Signaling server starting", "port", cfg.Port, "serverId", cfg.ServerID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// Give in-flight requests and close frames 30 seconds to finish.
	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close every room and WebSocket session first so clients get a close
	// frame instead of a dropped TCP connection.
	if err := hub.Shutdown(shutCtx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Stop background loops before the store goes away.
	stop()

	if b != nil {
		b.Stop(shutCtx)
	}
	if st != nil {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store connection", "error", err)
		} else {
			slog.Info("Store connection closed")
		}
	}

	slog.Info("Server exiting")
}
