package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/craftroom/relay/config"
	"github.com/craftroom/relay/internal/auth"
	"github.com/craftroom/relay/internal/call"
	"github.com/craftroom/relay/internal/document"
	"github.com/craftroom/relay/internal/gateway"
	"github.com/craftroom/relay/internal/handlers"
	"github.com/craftroom/relay/internal/middleware"
	"github.com/craftroom/relay/internal/presence"
	"github.com/craftroom/relay/internal/rooms"
	"github.com/craftroom/relay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	rdb, err := store.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()
	log.Println("Redis connection established")

	jwt := auth.NewJWT(cfg.JWTSecret)
	registry := gateway.NewRegistry()
	broadcaster := rooms.NewBroadcaster()

	bus := store.NewPresenceBus(rdb, uuid.New().String())
	tracker := presence.NewTracker(store.NewPresenceStore(rdb, cfg.PresenceTTL), broadcaster, bus)
	bus.Subscribe(ctx, tracker.ApplyRemote)
	go tracker.RefreshLoop(ctx, cfg.PresenceTTL/4)

	engine := document.NewEngine(broadcaster, store.NewSnapshotStore(rdb), cfg.DocumentGrace, cfg.SnapshotDebounce)
	callStore := store.NewCallStore(rdb)
	calls := call.NewManager(registry, broadcaster, callStore)

	server := handlers.NewServer(
		jwt,
		store.NewAccessChecker(rdb),
		registry,
		broadcaster,
		tracker,
		engine,
		calls,
		callStore,
	)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", handlers.Login(jwt))

		authed := apiGroup.Group("", middleware.Authenticated(jwt))
		authed.GET("/calls/:callId", server.GetCall)
		authed.GET("/documents/:room", server.GetDocument)
		authed.POST("/documents/:room/seed", server.SeedDocument)
	}

	wsGroup := router.Group("/ws")
	{
		// Collaboration endpoint - the room path segment is
		// {kind}:{scopeId}[:{resourceId}].
		wsGroup.GET("/collab/:room", server.HandleCollab)
	}

	log.Printf("Starting collaboration relay on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
