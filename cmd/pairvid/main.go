package main

import (
	"context"
	"log"
	"time"

	"github.com/pairvid/pairvid/config"
	"github.com/pairvid/pairvid/internal/geo"
	"github.com/pairvid/pairvid/internal/handlers"
	"github.com/pairvid/pairvid/internal/matching"
	"github.com/pairvid/pairvid/internal/redisstore"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rdb, err := redisstore.New(ctx, cfg.Redis)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	log.Println("Redis connection established")

	// Wire the matchmaking engine to the live-session registry
	registry := handlers.NewRegistry()
	engine := matching.NewEngine(cfg.Matching, registry, matching.NewRedisKarma(rdb))
	sigRouter := handlers.NewRouter(engine, registry)
	resolver := geo.NewResolver(cfg.Geo, rdb)
	server := handlers.NewSignalingServer(cfg.JWTSecret, engine, sigRouter, resolver, registry)

	// Periodic matching passes run for the life of the process
	done := make(chan struct{})
	defer close(done)
	go engine.Run(done)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "waiting": engine.Waiting()})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))
	}

	// WebSocket signaling endpoint; the CONNECT frame carries the token
	router.GET("/ws", server.HandleWS)

	// Start server
	log.Printf("Starting matchmaking server on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
