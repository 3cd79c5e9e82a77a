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
	"golang.org/x/sync/errgroup"

	"github.com/statbridge/statbridge/internal/bridge/api"
	"github.com/statbridge/statbridge/internal/bridge/ws"
	"github.com/statbridge/statbridge/internal/common/config"
	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/events/bus"
	"github.com/statbridge/statbridge/internal/mcpserver"
	"github.com/statbridge/statbridge/internal/session"
	"github.com/statbridge/statbridge/internal/stream"
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

	log.Info("starting statbridge",
		zap.String("engine_path", cfg.Engine.InstallPath),
		zap.String("engine_edition", cfg.Engine.Edition))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 4. Session manager over worker child processes
	spawner := session.NewProcessSpawner(cfg.Engine, cfg.Sessions, log)
	manager := session.NewManager(cfg.Sessions, spawner, eventBus, log)
	if err := manager.Start(); err != nil {
		log.Fatal("failed to start session manager", zap.Error(err))
	}

	// 5. MCP server (run_selection / run_file + notifications)
	levels := stream.NewLevelRegistry()
	mcpSrv := mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, manager, levels, log)
	if err := mcpSrv.Start(ctx); err != nil {
		log.Fatal("failed to start MCP server", zap.Error(err))
	}
	log.Info("MCP endpoints ready",
		zap.String("sse", mcpSrv.SSEEndpoint()),
		zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))

	// 6. WebSocket event stream
	hub := ws.NewHub(eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("failed to start websocket hub", zap.Error(err))
	}

	// 7. Admin HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	v1group := router.Group("/api/v1")
	api.SetupRoutes(v1group, manager, cfg.Sessions.GraphsDir, log)

	handler := api.NewHandler(manager, cfg.Sessions.GraphsDir, log)
	router.GET("/health", handler.HealthCheck)
	router.GET("/ws", func(c *gin.Context) {
		hub.HandleConnection(c.Writer, c.Request)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("shutting down", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
		hub.Stop()
		manager.Stop()
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("statbridge stopped")
}
