package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxtalk/fluxtalk/internal/api"
	"github.com/fluxtalk/fluxtalk/internal/chat"
	"github.com/fluxtalk/fluxtalk/internal/config"
	"github.com/fluxtalk/fluxtalk/internal/db"
	"github.com/fluxtalk/fluxtalk/internal/index"
	"github.com/fluxtalk/fluxtalk/internal/llm"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, found, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("failed to load config", zap.Error(err))
	}

	newLogger := zap.NewProduction
	if cfg.Log.Development {
		newLogger = zap.NewDevelopment
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger, _ := newLogger()
	defer logger.Sync()

	if !found {
		logger.Warn("config.yaml not found, using environment and defaults")
	}

	policy, err := chat.ParsePolicy(cfg.Chat.UnknownConversation)
	if err != nil {
		logger.Fatal("invalid chat.unknown_conversation", zap.Error(err))
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.Database.Path))
	}
	defer database.Close()

	indexStore, err := index.Open(cfg.Index.Path, logger,
		index.WithChunking(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap))
	if err != nil {
		logger.Fatal("failed to initialize document index",
			zap.Error(err),
			zap.String("indexPath", cfg.Index.Path))
	}
	defer indexStore.Close()

	dispatcher := llm.New(logger, llm.WithTimeout(cfg.Model.Timeout))
	chatService := chat.New(database, dispatcher, policy, logger)
	handler := api.NewHandler(chatService, indexStore, logger)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewRouter(handler, logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("unknownConversation", string(policy)),
			zap.Duration("modelTimeout", cfg.Model.Timeout))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
