package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	intDatabase "eventsync-backend/internal/database"
	"eventsync-backend/internal/domain"
	callHandler "eventsync-backend/internal/handler/http/call"
	pushHandler "eventsync-backend/internal/handler/http/push"
	wsHandler "eventsync-backend/internal/handler/ws"
	"eventsync-backend/internal/middleware"
	"eventsync-backend/internal/repository/cockroach"
	redisRepo "eventsync-backend/internal/repository/redis"
	callService "eventsync-backend/internal/service/call"
	"eventsync-backend/internal/service/invitation"
	"eventsync-backend/internal/service/presence"
	"eventsync-backend/internal/service/signaling"
	"eventsync-backend/pkg/constants"
	pkgDatabase "eventsync-backend/pkg/database"
	"eventsync-backend/pkg/env"
	"eventsync-backend/pkg/jwt"
	"eventsync-backend/pkg/logger"
	"eventsync-backend/pkg/metrics"
	"eventsync-backend/pkg/push"
)

// invitationPusher adapts the push service to the invitation ledger
type invitationPusher struct {
	svc *push.Service
}

func (p *invitationPusher) NotifyIncomingInvitation(ctx context.Context, inviteeID, callID, inviterID uuid.UUID, kind domain.CallKind) error {
	p.svc.NotifyIncomingInvitation(ctx, inviteeID, callID, inviterID, string(kind))
	return nil
}

func main() {
	ctx := context.Background()

	// 1. Initialize structured logging
	if err := logger.Init(&logger.Config{
		Level:  env.GetString("LOG_LEVEL", "info"),
		Format: env.GetString("LOG_FORMAT", "json"),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. Setup JWT Manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}

	jwtManager := jwt.NewJWTManager(jwtSecret, constants.AccessTokenExpiry)

	productionMode := os.Getenv("ENV") == "production"

	// 3. Connect to CockroachDB for call audit records with retry logic
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     env.GetInt("DB_PORT", 26257),
		User:     env.GetString("DB_USER", "root"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "eventsync"),
		SSLMode:  env.GetString("DB_SSLMODE", "disable"),
	}

	var db *pkgDatabase.CockroachDB
	var err error

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
	if err == nil {
		log.Println("✅ Connected to CockroachDB")
	} else {
		for attempt := 2; attempt <= maxRetries; attempt++ {
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			if delay > maxDelay {
				delay = maxDelay
			}
			log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt, err, delay)
			time.Sleep(delay)

			db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
			if err == nil {
				log.Printf("✅ Connected to CockroachDB (attempt %d/%d)", attempt, maxRetries)
				break
			}
		}
	}

	if err != nil {
		log.Printf("Warning: Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
		log.Println("Running in limited mode without call audit persistence")
	}

	var auditLog callService.AuditLog
	if db != nil {
		defer db.Close()
		auditLog = cockroach.NewCallAuditRepository(db.Pool)
	}

	// 4. Initialize Redis for push token storage
	redisConfig := &intDatabase.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}

	var pushSvc *push.Service
	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
		log.Println("Running without push notifications for offline invitees")
	} else {
		log.Println("✅ Connected to Redis")
		defer redisDB.Close()
		go redisDB.StartHealthCheck(ctx, 10*time.Second)

		// 5. Initialize Push Service
		pushProvider, err := push.NewProvider()
		if err != nil {
			if productionMode {
				log.Fatalf("❌ Fatal: failed to initialize push provider: %v", err)
			}
			log.Printf("Warning: failed to initialize push provider, using mock: %v", err)
			pushProvider = &push.MockProvider{}
		}
		pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)
		pushSvc = push.NewService(pushProvider, pushTokenRepo)
	}

	// 6. Wire the call service core
	registry := callService.NewRegistry()
	notifier := presence.NewNotifier()
	relay := signaling.NewRelay(registry, notifier)

	var pusher invitation.Pusher
	if pushSvc != nil {
		pusher = &invitationPusher{svc: pushSvc}
	}
	ledger := invitation.NewLedger(notifier, pusher)
	ledger.Start()
	defer ledger.Stop()

	coordinator := callService.NewCoordinator(registry, notifier, relay, ledger, auditLog,
		callService.LoadICEServersFromEnv())
	coordinator.StartCleanup(env.GetDuration("STALE_CALL_SWEEP_INTERVAL", 10*time.Minute))
	defer coordinator.StopCleanup()

	// 7. Initialize Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 8. Initialize Handlers
	callHdlr := callHandler.NewHandler(coordinator)
	callHub := wsHandler.NewCallHub(coordinator, notifier)

	// 9. Setup Gin Router
	router := gin.New() // Don't use Default() to have full control

	trustedProxies := []string{}
	if productionMode {
		trustedProxies = []string{env.GetString("TRUSTED_PROXY", "10.0.0.0/8")}
	} else {
		trustedProxies = []string{"127.0.0.1"}
	}
	router.SetTrustedProxies(trustedProxies)

	// Apply global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})

	// Metrics endpoint (for Prometheus scraping)
	router.GET("/metrics", middleware.MetricsHandler())

	// Call routes (all require authentication)
	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.GET("/status", callHdlr.GetStatus)
		v1.GET("/ice-servers", callHdlr.GetICEServers)
		v1.GET("/invitations/pending", callHdlr.GetPendingInvitations)
		v1.POST("/invitations/:id/respond", callHdlr.RespondInvitation)
		v1.GET("/:id", callHdlr.GetCall)
		v1.GET("/:id/participants", callHdlr.GetParticipants)
		v1.POST("/:id/end", callHdlr.EndCall)

		// WebSocket endpoint for call coordination and WebRTC signaling
		v1.GET("/ws", callHub.ServeWS)
	}

	if pushSvc != nil {
		pushHdlr := pushHandler.NewHandler(pushSvc)
		pushGroup := router.Group("/v1/push")
		pushGroup.Use(middleware.AuthMiddleware(jwtManager))
		{
			pushGroup.POST("/tokens", pushHdlr.RegisterToken)
			pushGroup.DELETE("/tokens/:id", pushHdlr.UnregisterToken)
		}
	}

	// 10. Start server
	port := env.GetString("PORT", "8083")
	addr := fmt.Sprintf(":%s", port)

	log.Printf("🚀 Call Service starting on port %s\n", port)
	log.Println("📡 Call coordination WebSocket: /v1/calls/ws")
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
