package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"petsync/internal/api"
	"petsync/internal/config"
	"petsync/internal/logger"
	"petsync/internal/remote"
	"petsync/internal/store"
	"petsync/internal/sync"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting pet sync service")

	// Init Local Store. Storage failure degrades to memory-only mode;
	// the service keeps running, it just loses durability.
	ctx := context.Background()
	var localStore store.Store = store.NewSQLiteStore(cfg.Storage)
	degraded := false
	if err := localStore.Init(ctx); err != nil {
		logger.Log.Warn("Local store unavailable, degrading to memory-only", zap.Error(err))
		localStore = store.NewMemoryStore()
		degraded = true
	}
	defer localStore.Close()

	// Init Remote Client
	remoteClient := remote.NewHTTPClient(cfg.Remote)

	// Init Sync Manager
	syncManager := sync.NewManager(cfg, localStore, remoteClient)
	if degraded {
		syncManager.MarkDegraded()
	}
	if err := syncManager.Start(); err != nil {
		logger.Log.Fatal("Failed to start sync manager", zap.Error(err))
	}
	defer syncManager.Close()

	// Init API
	handler := api.NewHandler(syncManager, cfg.Server)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown", zap.Error(err))
	}
	syncManager.Stop()
}
