package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	intDatabase "duocall-backend/internal/database"
	callHandler "duocall-backend/internal/handler/http/call"
	wsHandler "duocall-backend/internal/handler/ws"
	"duocall-backend/internal/middleware"
	"duocall-backend/internal/repository/cassandra"
	"duocall-backend/internal/repository/cockroach"
	"duocall-backend/internal/repository/redis"
	callService "duocall-backend/internal/service/call"
	"duocall-backend/internal/signaling"
	"duocall-backend/pkg/constants"
	pkgDatabase "duocall-backend/pkg/database"
	"duocall-backend/pkg/env"
	"duocall-backend/pkg/jwt"
	"duocall-backend/pkg/logger"
	"duocall-backend/pkg/metrics"
	"duocall-backend/pkg/push"
)

func main() {
	// 1. Logging
	logger.InitDefault()
	defer logger.Sync()

	// 2. Setup JWT Manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}

	jwtManager := jwt.NewJWTManager(jwtSecret, constants.AccessTokenExpiry, constants.RefreshTokenExpiry)

	// 3. Connect to Cassandra with authentication
	cassandraConfig := &intDatabase.CassandraConfig{
		Hosts:    []string{env.GetString("CASSANDRA_HOST", "localhost")},
		Keyspace: env.GetString("CASSANDRA_KEYSPACE", "duocall_ks"),
		Username: env.GetStringFromFile("CASSANDRA_USER", ""),
		Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
		Timeout:  10 * time.Second,
	}
	cassandraDB, err := intDatabase.NewCassandraDBWithConfig(cassandraConfig)
	if err != nil {
		log.Fatalf("Failed to connect to Cassandra: %v", err)
	}
	defer cassandraDB.Close()

	log.Println("✅ Connected to Cassandra")

	// Initialize Redis metrics before connecting to Redis
	intDatabase.InitRedisMetrics()

	// 4. Connect to Redis with degraded mode support
	redisConfig := &intDatabase.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}

	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisDB.Close()

	log.Println("✅ Connected to Redis")

	// Start background Redis health check
	go redisDB.StartHealthCheck(context.Background(), 10*time.Second)

	// 5. Connect to CockroachDB
	cockroachConfig := &pkgDatabase.CockroachConfig{
		Host:     env.GetString("COCKROACH_HOST", "localhost"),
		Port:     env.GetInt("COCKROACH_PORT", 26257),
		User:     env.GetString("COCKROACH_USER", "root"),
		Password: env.GetStringFromFile("COCKROACH_PASSWORD", ""),
		Database: env.GetString("COCKROACH_DATABASE", "duocall_db"),
		SSLMode:  env.GetString("COCKROACH_SSLMODE", "disable"),
	}

	cockroachDB, err := pkgDatabase.NewCockroachDB(context.Background(), cockroachConfig)
	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB: %v", err)
	}
	defer cockroachDB.Close()

	log.Println("✅ Connected to CockroachDB")

	// 6. Initialize Repositories
	callRepo := cockroach.NewCallRepository(cockroachDB.Pool)
	conversationRepo := cockroach.NewConversationRepository(cockroachDB.Pool)
	callEventRepo := cassandra.NewCallEventRepository(cassandraDB.Session)
	presenceRepo := redis.NewPresenceRepository(redisDB)
	pushTokenRepo := redis.NewPushTokenRepository(redisDB)

	// 7. Initialize Metrics
	appMetrics := metrics.NewMetrics("signaling-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 8. Signaling core
	registry := signaling.NewRegistry()
	callRouter := signaling.NewRouter(registry)
	ringer := signaling.NewRinger(constants.CallRingWindow)

	// 9. Push fallback for unreachable callees (optional)
	var alerter callService.CallAlerter
	if providers := push.NewProvidersFromEnv(); len(providers) > 0 {
		alerter = push.NewService(pushTokenRepo, appMetrics, providers...)
		log.Printf("✅ Push providers configured: %d", len(providers))
	} else {
		log.Println("⚠️ No push providers configured, offline callees get no alert")
	}

	// 10. WebSocket hub and call service
	callHub := wsHandler.NewCallHub(registry, presenceRepo, appMetrics)
	callSvc := callService.NewService(callRepo, conversationRepo, callRouter, ringer, callHub, callEventRepo, alerter, appMetrics)
	callHub.SetCallService(callSvc)

	callHdlr := callHandler.NewHandler(callRepo, callEventRepo)

	// 11. Setup Gin Router
	router := gin.New() // Don't use Default() to have full control

	// Configure trusted proxies for production
	trustedProxies := []string{}
	if env := os.Getenv("ENV"); env == "production" {
		trustedProxies = []string{}
	} else {
		trustedProxies = []string{"127.0.0.1"}
	}
	router.SetTrustedProxies(trustedProxies)

	// Apply global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":         "healthy",
			"service":        "signaling-service",
			"redis_degraded": redisDB.IsDegraded(),
			"time":           time.Now().UTC(),
		})
	})

	// Metrics endpoint (for Prometheus scraping)
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	// Revocation checker
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)

	// Per-user rate limiting, fail-open when Redis degrades
	rateLimiter := middleware.NewRateLimiter(redisDB.Client, env.GetInt("RATE_LIMIT_PER_MINUTE", 120), time.Minute)

	// Signaling routes (all require authentication)
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	v1.Use(rateLimiter.Middleware())
	{
		// WebSocket endpoint (call lifecycle + WebRTC signaling)
		v1.GET("/ws/signaling", callHub.ServeWS)

		// Call history endpoints
		v1.GET("/calls", callHdlr.GetCallHistory)
		v1.GET("/calls/:id", callHdlr.GetCall)
		v1.GET("/calls/:id/events", callHdlr.GetCallEvents)
	}

	// 12. Start server
	port := env.GetString("PORT", "8085")
	addr := fmt.Sprintf(":%s", port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Signaling Service starting on port %s\n", port)
		log.Println("📡 WebSocket endpoint: /v1/ws/signaling")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
