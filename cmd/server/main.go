package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"journal-sync-service/internal/api"
	"journal-sync-service/internal/config"
	"journal-sync-service/internal/logger"
	"journal-sync-service/internal/store"
	"journal-sync-service/internal/sync"
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

	logger.Log.Info("Starting Journal Sync Service")

	// Init Local Store
	localStore, err := store.NewStore(cfg.Storage)
	if err != nil {
		logger.Log.Fatal("Failed to init local store", zap.Error(err))
	}
	defer localStore.Close()

	// Init Sync Manager
	transport := sync.NewHTTPTransport(cfg.Sync.RemoteBaseURL, cfg.Network.ProbeTimeout)
	reporter := sync.NewLogReporter()
	manager := sync.NewManager(cfg, localStore, transport, transport, reporter)
	manager.Run()
	defer manager.Stop()

	// Init API
	handler := api.NewHandler(manager, cfg.Server)
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
	server.Close()
}
