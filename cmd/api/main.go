package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograder/internal/config"
	"github.com/noah-isme/gema-autograder/internal/database"
	"github.com/noah-isme/gema-autograder/internal/expansion"
	"github.com/noah-isme/gema-autograder/internal/grading"
	"github.com/noah-isme/gema-autograder/internal/handler"
	"github.com/noah-isme/gema-autograder/internal/middleware"
	"github.com/noah-isme/gema-autograder/internal/repository"
	"github.com/noah-isme/gema-autograder/internal/router"
	"github.com/noah-isme/gema-autograder/internal/sandbox"
	"github.com/noah-isme/gema-autograder/internal/service"
	"github.com/noah-isme/gema-autograder/pkg/executor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL, database.PoolConfig{MaxOpenConns: cfg.RegradeConcurrency * 4})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("%v", err)
	}

	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	languages, err := sandbox.LoadRegistryFile(cfg.LanguagesFile)
	if err != nil {
		log.Fatalf("failed to load language registry: %v", err)
	}

	backend, closeBackend, err := newExecutor(cfg, logger)
	if err != nil {
		log.Fatalf("failed to create executor: %v", err)
	}
	defer closeBackend()

	runner := sandbox.NewRunner(backend, languages, sandbox.Config{
		WorkspaceRoot:  cfg.WorkspaceRoot,
		MemoryLimitMB:  int64(cfg.CodeRunMemoryMB),
		CPUShares:      int64(cfg.CodeRunCPUShares),
		PidsLimit:      int64(cfg.CodeRunPidsLimit),
		MaxOutputBytes: int64(cfg.MaxOutputBytes),
		DefaultTimeout: cfg.ExecutionTimeout,
	}, logger)
	expander := expansion.NewExpander(runner, logger)
	engine := grading.NewEngine(runner, logger)

	validate := validator.New(validator.WithRequiredStructEnabled())

	questionRepo := repository.NewQuestionRepository(db)
	testStateRepo := repository.NewTestStateRepository(db)
	progressRepo := repository.NewProgressRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)

	testStates, err := service.NewTestStateService(questionRepo, testStateRepo, expander, redisClient, service.TestStateConfig{
		CacheTTL: cfg.TestStateCacheTTL,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create test state service: %v", err)
	}

	events := service.NewFeedbackPublisher(redisClient, natsConn, cfg.EventsChannel, logger)
	questionService := service.NewQuestionService(questionRepo, testStates, languages, validate, logger)
	submissionService := service.NewSubmissionService(
		questionRepo,
		progressRepo,
		submissionRepo,
		service.NewAnswerGraders(testStates, engine),
		languages,
		events,
		validate,
		service.SubmissionConfig{RegradeConcurrency: cfg.RegradeConcurrency},
		logger,
	)

	questionHandler := handler.NewQuestionHandler(questionService, submissionService, validate, logger)
	submissionHandler := handler.NewSubmissionHandler(submissionService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSOrigins,
		AccessLog:    os.Stdout,
	})
	router.Register(app, cfg, router.Dependencies{
		QuestionHandler:   questionHandler,
		SubmissionHandler: submissionHandler,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
		Languages:         languages.IDs,
		SubmitRateLimit:   cfg.SubmitRateLimit,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().Str("address", cfg.HTTPAddress()).Str("executor", cfg.ExecutorBackend).Strs("languages", languages.IDs()).Msg("grader started")
	waitForShutdown(app)
}

func newExecutor(cfg config.Config, logger zerolog.Logger) (executor.Executor, func(), error) {
	if cfg.ExecutorBackend == config.ExecutorProcess {
		logger.Warn().Msg("process executor runs submissions without isolation")
		return executor.NewProcessExecutor(executor.ProcessConfig{
			Timeout: cfg.ExecutionTimeout,
			Logger:  logger,
		}), func() {}, nil
	}

	docker, err := executor.NewDockerExecutor(executor.DockerConfig{
		Host:          cfg.DockerHost,
		Timeout:       cfg.ExecutionTimeout,
		MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
		CPUShares:     int64(cfg.CodeRunCPUShares),
		PidsLimit:     int64(cfg.CodeRunPidsLimit),
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return docker, func() { _ = docker.Close() }, nil
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
