package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/capability"
	"github.com/spec-kit/support-pipeline/internal/config"
	"github.com/spec-kit/support-pipeline/internal/events"
	"github.com/spec-kit/support-pipeline/internal/notify"
	"github.com/spec-kit/support-pipeline/internal/observability"
	"github.com/spec-kit/support-pipeline/internal/persistence"
	"github.com/spec-kit/support-pipeline/internal/pipeline"
	"github.com/spec-kit/support-pipeline/internal/queue"
	"github.com/spec-kit/support-pipeline/internal/repository"
	"github.com/spec-kit/support-pipeline/internal/service"
	"github.com/spec-kit/support-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	pool := pg.PoolHandle()
	if pool == nil {
		logger.Fatal("worker requires POSTGRES_DSN")
	}

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pool, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redisConn := persistence.NewRedis(cfg.Redis, logger)
	defer redisConn.Close()
	if err := redisConn.Ping(ctx); err != nil {
		logger.Fatal("worker requires redis", zap.Error(err))
	}

	dispatcher := events.NewInMemoryDispatcher()
	events.NewRedisBridge(redisConn.Client, "events", logger).Attach(dispatcher)
	notify.NewNotifier(cfg.Notify, logger).Attach(dispatcher)

	ticketRepo := repository.NewTicketRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	agentRepo := repository.NewAgentRepository(pool)
	categoryRepo := repository.NewCategoryRepository(pool)
	orgRepo := repository.NewOrganizationRepository(pool)

	streams, err := queue.NewStreamsQueue(ctx, redisConn.Client, cfg.Queue)
	if err != nil {
		logger.Fatal("failed to attach task stream", zap.Error(err))
	}

	assignment := service.NewAssignmentService(service.AssignmentDependencies{
		Agents:           agentRepo,
		Dispatcher:       dispatcher,
		Metrics:          metrics,
		Logger:           logger,
		DefaultTicketCap: cfg.Pipeline.DefaultAgentTicketCap,
	})
	ticketService := service.NewTicketService(service.TicketDependencies{
		Tickets:    ticketRepo,
		Messages:   messageRepo,
		Categories: categoryRepo,
		Assignment: assignment,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,

		DefaultResolutionSLAMinutes: cfg.Pipeline.DefaultResolutionSLAMinutes,
	})

	capClient := capability.NewHTTPClient(cfg.Capability, metrics)
	orchestrator := pipeline.NewOrchestrator(pipeline.Dependencies{
		Tickets:       ticketRepo,
		Messages:      messageRepo,
		Categories:    categoryRepo,
		Organizations: orgRepo,
		Assignment:    assignment,
		Classifier:    capClient,
		Retriever:     capClient,
		Generator:     capClient,
		Producer:      streams,
		Dispatcher:    dispatcher,
		Metrics:       metrics,
		Logger:        logger,
		Pipeline:      cfg.Pipeline,
		MaxAttempts:   cfg.Queue.MaxAttempts,
	})

	go worker.NewSweeper(ticketRepo, streams, ticketService, cfg.Pipeline, logger).Run(ctx)

	processor := worker.NewProcessor(streams, orchestrator, cfg.Pipeline.WorkerCount, logger)
	go processor.Run(ctx)

	logger.Info("worker started",
		zap.Int("workers", cfg.Pipeline.WorkerCount),
		zap.String("stream", cfg.Queue.Stream),
	)

	waitForShutdown(logger)
	cancel()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
