// Package main is the entry point for the agentlab gateway: it bridges
// HTTP/SSE/WebSocket clients to per-session agent subprocesses spoken to
// over stdio JSON-RPC.
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

	"github.com/agentlab/agentlab/internal/acp"
	"github.com/agentlab/agentlab/internal/common/config"
	"github.com/agentlab/agentlab/internal/common/httpmw"
	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/common/tracing"
	"github.com/agentlab/agentlab/internal/gateway/httpapi"
	"github.com/agentlab/agentlab/internal/gateway/wsapi"
	"github.com/agentlab/agentlab/internal/session"
)

const serverName = "agentlab-gateway"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting agentlab gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, closeBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	st, closeStore, err := newStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer closeStore()

	mgr := session.NewManager(newAgentDialer(cfg), session.ManagerConfig{
		ClientInfo:      clientInfo(),
		PromptStartRace: cfg.Gateway.PromptStartRace(),
		BufferCap:       cfg.Gateway.EventBufferCap,
	}, log)

	registry := session.NewRegistry(mgr, st, eventBus, session.RegistryConfig{
		ReconcileInterval: cfg.Gateway.ReconcileIntervalDuration(),
		Monitor: session.MonitorConfig{
			CompletionGrace: cfg.Gateway.CompletionGrace(),
		},
	}, log)
	go registry.Run(ctx)

	hub := wsapi.NewHub(log)
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to attach websocket hub to event bus", zap.Error(err))
	}
	go hub.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpapi.CORS())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))

	api := httpapi.New(mgr, registry, st, cfg, log)
	api.RegisterRoutes(router)
	router.GET("/ws", wsapi.Handler(hub, log))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Gateway listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	mgr.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Gateway stopped")
}

func clientInfo() acp.ClientInfo {
	return acp.ClientInfo{
		Name:    "agentlab-gateway",
		Title:   "AgentLab Gateway",
		Version: version,
	}
}
