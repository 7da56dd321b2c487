package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/config"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/handler"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/middleware"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/pkg/logger"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/queue"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/service"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/worker"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully")

	// Initialize services
	minioSvc, err := service.NewMinioService(&cfg.Minio)
	if err != nil {
		slog.Error("failed to initialize MINIO service", "error", err)
		os.Exit(1)
	}

	// Ensure bucket exists
	if err := minioSvc.EnsureBucket(context.Background()); err != nil {
		slog.Error("failed to ensure MINIO bucket", "error", err)
		os.Exit(1)
	}

	extractSvc := service.NewExtractService(&cfg.Extract)
	analyzerSvc := service.NewAnalyzerService(&cfg.Analyzer)

	store, err := buildStore(cfg)
	if err != nil {
		slog.Error("failed to initialize record store", "error", err)
		os.Exit(1)
	}

	jobQueue, err := buildQueue(cfg)
	if err != nil {
		slog.Error("failed to initialize job queue", "error", err)
		os.Exit(1)
	}

	// Start the analysis worker pool
	pool := worker.NewPool(
		cfg.Workers.PoolSize,
		time.Duration(cfg.Workers.PollIntervalMs)*time.Millisecond,
		jobQueue,
		store,
		analyzerSvc,
	)
	pool.Start(context.Background())

	// Initialize handlers
	authHandler := handler.NewAuthHandler(cfg)
	rfpHandler := handler.NewRFPHandler(store, minioSvc, extractSvc, jobQueue, cfg.Server.MaxUploadMB)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New() // Use New() instead of Default() to avoid default middleware

	// Add custom middleware
	router.Use(middleware.RequestID())                 // Request ID for tracing
	router.Use(middleware.Recovery())                  // Panic recovery
	router.Use(middleware.RequestLogger())             // Access logging
	router.Use(corsMiddleware())                       // CORS
	router.Use(middleware.RateLimit(100, time.Minute)) // Rate limiting: 100 requests per minute

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Public routes
	api := router.Group("/api")
	{
		api.POST("/auth/login", authHandler.Login)
	}

	// Protected routes
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.POST("/rfps", rfpHandler.Upload)
		protected.GET("/rfps", rfpHandler.List)
		protected.GET("/rfps/:id", rfpHandler.Get)
		protected.GET("/rfps/:id/status", rfpHandler.GetStatus)
		protected.POST("/rfps/:id/reanalyze", rfpHandler.Reanalyze)
		protected.DELETE("/rfps/:id", rfpHandler.Delete)
	}

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Let in-flight analysis jobs settle before exiting
	pool.Stop()

	slog.Info("server exited gracefully")
}

// buildStore selects the record store from config: in-memory for development,
// Postgres for durable deployments.
func buildStore(cfg *config.Config) (service.RecordStore, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return service.NewMemoryStore(), nil
	case "postgres":
		store, err := service.NewPostgresStore(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

// buildQueue selects the job queue from config: in-memory for development,
// Redis for durable deployments.
func buildQueue(cfg *config.Config) (queue.Queue, error) {
	opts := queue.Options{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BaseBackoff:       time.Duration(cfg.Queue.BaseBackoffSeconds) * time.Second,
		MaxBackoff:        time.Duration(cfg.Queue.MaxBackoffSeconds) * time.Second,
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilityTimeoutSeconds) * time.Second,
	}

	switch cfg.Queue.Driver {
	case "", "memory":
		return queue.NewMemory(opts), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return queue.NewRedis(rdb, opts), nil
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.Queue.Driver)
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
