// Package main is the entry point for the Shadow orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/bgservices"
	"github.com/shadowrealm/shadow/internal/chat"
	"github.com/shadowrealm/shadow/internal/checkpoint"
	"github.com/shadowrealm/shadow/internal/cleanup"
	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/fswatch"
	"github.com/shadowrealm/shadow/internal/llm"
	"github.com/shadowrealm/shadow/internal/pr"
	"github.com/shadowrealm/shadow/internal/sandbox"
	"github.com/shadowrealm/shadow/internal/server"
	"github.com/shadowrealm/shadow/internal/streaming"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
	"github.com/shadowrealm/shadow/internal/taskinit"
	"github.com/shadowrealm/shadow/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

// chatWorkspace adapts the workspace manager to the chat engine's view.
// The manager returns concrete git services; the engine wants its own
// narrow interface.
type chatWorkspace struct {
	manager *workspace.Manager
}

func (w chatWorkspace) Executor(task *models.Task) executor.Executor {
	return w.manager.Executor(task)
}

func (w chatWorkspace) Git(task *models.Task) chat.GitOps {
	return w.manager.Git(task)
}

func (w chatWorkspace) WatcherControl(task *models.Task) fswatch.Control {
	return w.manager.WatcherControl(task)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

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

	log.Info("starting shadow orchestrator",
		zap.String("mode", cfg.Agent.Mode),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	stores := store.New(db)
	defer stores.Close()

	streamBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to create stream bus", zap.Error(err))
	}
	defer streamBus.Close()

	var provisioner sandbox.Provisioner
	if cfg.Agent.AgentMode() == config.ModeRemote {
		provisioner, err = sandbox.NewDockerProvisioner(cfg.Sandbox, cfg.Agent.SidecarPort, log)
		if err != nil {
			log.Fatal("failed to create sandbox provisioner", zap.Error(err))
		}
	}

	manager := workspace.NewManager(cfg, provisioner, streamBus, log)
	llmClient := llm.NewAnthropicClient(cfg.LLM.AnthropicAPIKey, log)

	services := bgservices.NewManager(log,
		bgservices.NewShadowWiki(manager.Executor, llmClient, stores, cfg.Agent.DefaultModel, log),
		bgservices.NewIndexing(manager.Executor, log),
	)

	initEngine := taskinit.NewEngine(manager, stores, streamBus, services, log)
	checkpoints := checkpoint.NewService(stores, streamBus, log)

	var prService *pr.Service
	if cfg.GitHub.Token != "" {
		host := pr.NewGitHubHost(cfg.GitHub.Token)
		prService = pr.NewService(host, stores, llmClient,
			func(task *models.Task) pr.GitInfo { return manager.Git(task) },
			cfg.Agent.DefaultModel, log)
	} else {
		prService = pr.NewService(nil, stores, llmClient, nil, cfg.Agent.DefaultModel, log)
		log.Info("no github token configured, pull requests disabled")
	}

	engine := chat.NewEngine(stores, streamBus, llmClient, chatWorkspace{manager},
		checkpoints, prService, cfg.Agent.DefaultModel, cfg.Cleanup.IdleDelayDuration(), log)

	// Only sandboxes cost money while idle; local checkouts stay on
	// disk for instant follow-ups.
	if cfg.Agent.AgentMode() == config.ModeRemote {
		sweeper := cleanup.NewSweeper(stores, manager, engine, services, streamBus, cfg.Cleanup.SweepIntervalDuration(), log)
		go sweeper.Run(ctx)
	}

	terminals := func(taskID string) streaming.Terminal {
		task, err := stores.Tasks.Get(context.Background(), taskID)
		if err != nil {
			return nil
		}
		if remote, ok := manager.Executor(task).(*executor.RemoteExecutor); ok {
			return remote
		}
		return nil
	}
	hub := streaming.NewHub(stores, streamBus, engine, initEngine, terminals, log)

	srv := server.New(&cfg.Server, stores, engine, initEngine, hub.HandleWebSocket, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}
	services.Wait()
	log.Info("shadow orchestrator stopped")
}
