package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/support-pipeline/internal/api/http"
	"github.com/spec-kit/support-pipeline/internal/api/http/handlers"
	"github.com/spec-kit/support-pipeline/internal/auth"
	"github.com/spec-kit/support-pipeline/internal/capability"
	"github.com/spec-kit/support-pipeline/internal/config"
	"github.com/spec-kit/support-pipeline/internal/events"
	"github.com/spec-kit/support-pipeline/internal/intake"
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

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redisConn := persistence.NewRedis(cfg.Redis, logger)
	defer redisConn.Close()

	dispatcher := events.NewInMemoryDispatcher()
	if redisConn.Ping(ctx) == nil {
		events.NewRedisBridge(redisConn.Client, "events", logger).Attach(dispatcher)
	}
	notify.NewNotifier(cfg.Notify, logger).Attach(dispatcher)

	pool := pg.PoolHandle()
	embedded := pool == nil

	var (
		ticketRepo   repository.TicketRepository
		messageRepo  repository.MessageRepository
		agentRepo    repository.AgentRepository
		categoryRepo repository.CategoryRepository
		orgRepo      repository.OrganizationRepository
	)
	if embedded {
		logger.Warn("running in embedded mode with in-memory stores")
		ticketRepo = repository.NewMemoryTicketRepository()
		messageRepo = repository.NewMemoryMessageRepository()
		agentRepo = repository.NewMemoryAgentRepository()
		categoryRepo = repository.NewMemoryCategoryRepository()
		orgRepo = repository.NewMemoryOrganizationRepository()
	} else {
		ticketRepo = repository.NewTicketRepository(pool)
		messageRepo = repository.NewMessageRepository(pool)
		agentRepo = repository.NewAgentRepository(pool)
		categoryRepo = repository.NewCategoryRepository(pool)
		orgRepo = repository.NewOrganizationRepository(pool)
	}

	var (
		producer   queue.Producer
		localQueue *queue.LocalQueue
	)
	if embedded {
		localQueue = queue.NewLocalQueue(cfg.Queue.LocalBuffer, cfg.Queue.MaxAttempts, logger)
		producer = localQueue
	} else {
		streams, err := queue.NewStreamsQueue(ctx, redisConn.Client, cfg.Queue)
		if err != nil {
			logger.Fatal("failed to attach task stream", zap.Error(err))
		}
		producer = streams
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
	adapter := intake.NewAdapter(intake.Dependencies{
		Organizations: orgRepo,
		Tickets:       ticketRepo,
		Messages:      messageRepo,
		Producer:      producer,
		Dispatcher:    dispatcher,
		Metrics:       metrics,
		Logger:        logger,
	})

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret)
	authMiddleware := auth.NewAuthMiddleware(tokens, agentRepo)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redisConn),
		Intake:         handlers.NewIntakeHandler(adapter, orgRepo),
		Tickets:        handlers.NewTicketsHandler(ticketService),
		AuthMiddleware: authMiddleware,
	})

	// embedded mode has no separate worker process, so the pipeline runs
	// in-process off the local queue
	if embedded {
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
			Producer:      producer,
			Dispatcher:    dispatcher,
			Metrics:       metrics,
			Logger:        logger,
			Pipeline:      cfg.Pipeline,
			MaxAttempts:   cfg.Queue.MaxAttempts,
		})
		go worker.NewProcessor(localQueue, orchestrator, cfg.Pipeline.WorkerCount, logger).Run(ctx)
		go worker.NewSweeper(ticketRepo, producer, ticketService, cfg.Pipeline, logger).Run(ctx)
	}

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
