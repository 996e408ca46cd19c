// Command agent-manager runs the multi-tenant agent execution engine: the
// Agent Manager, Model Registry, Kernel Manager, and the thin HTTP/WebSocket
// surface in front of them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/agentmanager"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/config"
	"github.com/kandev/agentkernel/internal/eventbus"
	"github.com/kandev/agentkernel/internal/eventbus/natsbus"
	"github.com/kandev/agentkernel/internal/httpapi"
	"github.com/kandev/agentkernel/internal/kernelmanager"
	"github.com/kandev/agentkernel/internal/modelregistry"
	"github.com/kandev/agentkernel/internal/streaming"
	"github.com/kandev/agentkernel/internal/usageaudit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agent kernel runtime")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New("agent-manager", 100, log)

	natsBridge, err := natsbus.Connect(cfg.NATS, "agentkernel.events", log)
	if err != nil {
		log.Warn("failed to connect nats event mirror, continuing without it", zap.Error(err))
	} else if natsBridge != nil {
		natsBridge.Attach(bus)
		defer natsBridge.Close()
	}

	ledger, err := usageaudit.Connect(ctx, cfg.Postgres, log)
	if err != nil {
		log.Warn("failed to connect usage audit ledger, continuing without it", zap.Error(err))
	} else if ledger != nil {
		defer ledger.Close()
	}

	var dockerCli *client.Client
	if cfg.Docker.Enabled {
		dockerCli, err = client.NewClientWithOpts(client.WithHost(cfg.Docker.Host), client.WithAPIVersionNegotiation())
		if err != nil {
			log.Warn("failed to initialize docker client, docker-backed kernels disabled", zap.Error(err))
			cfg.Docker.Enabled = false
		} else if _, pingErr := dockerCli.Ping(ctx); pingErr != nil {
			log.Warn("docker daemon unreachable, docker-backed kernels disabled", zap.Error(pingErr))
			cfg.Docker.Enabled = false
			dockerCli = nil
		} else {
			defer dockerCli.Close()
			log.Info("connected to docker daemon")
		}
	}

	registry := modelregistry.New(modelregistry.Options{
		DefaultModelID:    cfg.AgentManager.DefaultModelID,
		AllowCustomModels: cfg.AgentManager.AllowCustomModels,
	}, bus, log)

	kernels := kernelmanager.New(kernelmanager.Options{
		DefaultKernelType: cfg.Kernel.DefaultLang,
		ListenerCap:       cfg.Kernel.ListenerCap,
		InterruptWait:     time.Duration(cfg.Kernel.InterruptWaitMs) * time.Millisecond,
		DockerClient:      dockerCli,
		DockerConfig:      cfg.Docker,
	}, log)
	defer kernels.Shutdown()

	agents := agentmanager.New(agentmanager.Options{
		MaxAgents:             cfg.AgentManager.MaxAgents,
		MaxAgentsPerNamespace: cfg.AgentManager.MaxAgentsPerNamespace,
		DefaultMaxSteps:       cfg.AgentManager.DefaultMaxSteps,
		MaxStepsCap:           cfg.AgentManager.MaxStepsCap,
		AgentDataDirectory:    cfg.AgentManager.AgentDataDirectory,
		AutoSaveConversations: cfg.AgentManager.AutoSaveConversations,
	}, registry, kernels, bus, log)
	agents.SetLedger(ledger)

	hub := streaming.NewHub(log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpapi.Recovery(log), httpapi.RequestLogger(log), httpapi.ErrorHandler(log), httpapi.CORS())

	v1 := router.Group("/api/v1")
	httpapi.SetupRoutes(v1, agents, registry, hub, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agent kernel runtime")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	agents.DestroyAll(nil)
	log.Info("agent kernel runtime stopped")
}
