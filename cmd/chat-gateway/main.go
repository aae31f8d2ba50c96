package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatgate/chatgate/internal/chat"
	"github.com/chatgate/chatgate/internal/chat/api"
	"github.com/chatgate/chatgate/internal/common/config"
	"github.com/chatgate/chatgate/internal/common/httpmw"
	"github.com/chatgate/chatgate/internal/common/logger"
	"github.com/chatgate/chatgate/internal/conversation"
	"github.com/chatgate/chatgate/internal/dify"
	"github.com/chatgate/chatgate/internal/events/bus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting chat gateway...")

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Conversation mirror storage: sqlite when configured, in-memory otherwise
	var repo conversation.Repository
	if cfg.Database.Path != "" {
		sqliteRepo, err := conversation.NewSQLiteRepository(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open conversation database", zap.Error(err))
		}
		repo = sqliteRepo
		log.Info("Using sqlite conversation mirror", zap.String("path", cfg.Database.Path))
	} else {
		repo = conversation.NewMemoryRepository()
		log.Info("Using in-memory conversation mirror")
	}
	defer repo.Close()

	mirror := conversation.NewMirror(repo, log)
	if err := mirror.Start(eventBus); err != nil {
		log.Fatal("Failed to start conversation mirror", zap.Error(err))
	}

	// 5. Providers
	difyClient := dify.NewClient(cfg.Dify, log)

	var fallback chat.Fallback
	if cfg.OpenAI.APIKey != "" {
		fallback = chat.NewOpenAIFallback(cfg.OpenAI, log)
		log.Info("OpenAI fallback configured", zap.String("model", cfg.OpenAI.Model))
	}

	chatSvc := chat.NewService(difyClient, fallback, eventBus, cfg.Dify.UseDify(), log)
	log.Info("Chat service initialized", zap.Bool("prefer_dify", cfg.Dify.UseDify()))

	// 6. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log))

	api.SetupRoutes(router, chatSvc, difyClient, mirror, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 7. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down chat gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	mirror.Stop()

	log.Info("Chat gateway stopped")
}
