package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/agency-collab/backend/api/handlers"
	"github.com/agency-collab/backend/internal/db"
	"github.com/agency-collab/backend/internal/metrics"
	"github.com/agency-collab/backend/internal/repository"
	"github.com/agency-collab/backend/internal/ws"
)

func main() {
	// Load .env if present; real environment takes precedence
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	port := getEnv("PORT", "8080")
	dbPath := getEnv("DB_PATH", "data/collab.db")
	redisAddr := os.Getenv("REDIS_ADDR")

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()

	// Initialize repository
	sessionRepo := repository.NewSessionRepository(database)

	// Initialize collaboration service
	collabService := ws.NewService(sessionRepo)
	defer collabService.Close()

	// Optional cross-instance fanout
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		collabService.EnableBridge(rdb)
		log.Printf("Cross-instance bridge enabled via Redis at %s", redisAddr)
	}

	// Initialize handlers
	sessionHandler := handlers.NewSessionHandler(sessionRepo, collabService)
	wsHandler := handlers.NewWebSocketHandler(collabService)

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// API routes
	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down server...")
		collabService.Close()
		db.CloseDB()
		os.Exit(0)
	}()

	// Start server
	log.Printf("Starting collaboration server on port %s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
