package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/printcal/backend/internal/api/handlers"
	"github.com/printcal/backend/internal/cache/redis"
	"github.com/printcal/backend/internal/chat"
	"github.com/printcal/backend/internal/ingestion"
	"github.com/printcal/backend/internal/kg/extractor"
	"github.com/printcal/backend/internal/llm"
	"github.com/printcal/backend/internal/metrics"
	"github.com/printcal/backend/internal/middleware/ratelimit"
	"github.com/printcal/backend/internal/middleware/security"
	"github.com/printcal/backend/internal/middleware/validation"
	"github.com/printcal/backend/internal/retrieval"
	"github.com/printcal/backend/internal/search"
	"github.com/printcal/backend/internal/storage/sqlite"
	"github.com/printcal/backend/pkg/config"
	appLogger "github.com/printcal/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting printer calibration assistant API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var cacheClient *redis.Client
	if cfg.Redis.Enabled {
		cacheClient, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable, retrieval cache disabled", zap.Error(err))
			cacheClient = nil
		} else {
			defer cacheClient.Close()
		}
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.MaxInputChars,
	)

	kgExtractor := extractor.New(llmClient, llmClient, sqliteClient)

	lexicalSearcher := search.NewLexicalSearcher(sqliteClient)
	vectorSearcher := search.NewVectorSearcher(sqliteClient, sqliteClient, llmClient)
	hybridSearcher := search.NewHybridSearcher(lexicalSearcher, vectorSearcher, search.HybridConfig{
		LexicalWeight:   cfg.Retrieval.LexicalWeight,
		VectorWeight:    cfg.Retrieval.VectorWeight,
		VectorThreshold: cfg.Retrieval.VectorThreshold,
	})

	engine := retrieval.NewEngine(sqliteClient, llmClient, llmClient, retrieval.Config{
		TraversalDepth: cfg.Retrieval.TraversalDepth,
	})

	processor := ingestion.NewProcessor(sqliteClient, llmClient, kgExtractor)

	// A nil *redis.Client must stay a nil interface inside the service.
	var chatCache chat.ContextCache
	if cacheClient != nil {
		chatCache = cacheClient
	}
	chatService := chat.NewService(sqliteClient, llmClient, engine, chatCache, kgExtractor, chat.Config{
		TopK:         cfg.Retrieval.TopK,
		PreviewChars: cfg.Retrieval.PreviewChars,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-Session-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))

	limiter := ratelimit.New(ratelimit.Config{})
	defer limiter.Stop()

	chatHandler := handlers.NewChatHandler(chatService)
	wsHandler := handlers.NewWebSocketHandler(chatService)
	documentHandler := handlers.NewDocumentHandler(processor, cacheClient)
	searchHandler := handlers.NewSearchHandler(lexicalSearcher, vectorSearcher, hybridSearcher, cacheClient)

	api := app.Group("/api/v1")
	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{}))

	api.Post("/chat", chatHandler.HandleChat)
	api.Get("/chat/sessions/:id/messages", chatHandler.GetSessionMessages)

	api.Post("/documents", documentHandler.UploadDocument)
	api.Post("/documents/embeddings/backfill", documentHandler.BackfillEmbeddings)

	api.Get("/search", searchHandler.HandleSearch)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if err := sqliteClient.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chat", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
