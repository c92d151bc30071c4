package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/jobstream/internal/api/handler"
	"github.com/cuongbtq/jobstream/internal/api/router"
	"github.com/cuongbtq/jobstream/internal/auth"
	"github.com/cuongbtq/jobstream/internal/config"
	"github.com/cuongbtq/jobstream/internal/directory"
	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/cuongbtq/jobstream/internal/lifecycle"
	"github.com/cuongbtq/jobstream/internal/queue"
	"github.com/cuongbtq/jobstream/internal/realtime"
	"github.com/cuongbtq/jobstream/internal/resultbus"
	"github.com/cuongbtq/jobstream/internal/storage"
	"github.com/cuongbtq/jobstream/internal/stream"
	"github.com/cuongbtq/jobstream/internal/worker"
	"github.com/cuongbtq/jobstream/shared/logger"
	"github.com/cuongbtq/jobstream/shared/postgresql"
	"github.com/cuongbtq/jobstream/shared/rabbitmq"
	"github.com/cuongbtq/jobstream/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	healthChecks := make(map[string]handler.HealthCheckFunc)
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				appLogger.Warn("Failed to close resource", slog.Any("error", err))
			}
		}
	}()

	// Job store
	var jobStore domain.JobStore
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		closers = append(closers, dbClient.Close)
		healthChecks["database"] = dbClient.HealthCheck

		pgStore := storage.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)
		if cfg.Database.AutoMigrate {
			if err := pgStore.EnsureSchema(context.Background()); err != nil {
				return fmt.Errorf("failed to create job schema: %w", err)
			}
		}
		jobStore = pgStore
		appLogger.Info("Database connection established")
	default:
		jobStore = storage.NewMemoryStore()
		appLogger.Warn("Using in-memory job store, jobs are lost on restart")
	}

	// Work queue
	var opener queue.Opener
	switch cfg.Queue.Driver {
	case config.DriverRabbitMQ:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		closers = append(closers, rabbitClient.Close)
		healthChecks["rabbitmq"] = func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return rabbitmq.ErrNotConnected
			}
			return nil
		}
		opener = queue.NewRabbitOpener(rabbitClient)
		appLogger.Info("RabbitMQ connection established")
	default:
		opener = queue.NewMemoryOpener(cfg.Queue.MemoryCapacity)
	}
	broker := queue.NewBroker(opener, appLogger.Logger)
	closers = append(closers, broker.Close)

	// Result channels
	var transport resultbus.Transport
	switch cfg.Redis.Driver {
	case config.DriverRedis:
		redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		closers = append(closers, redisClient.Close)
		healthChecks["redis"] = redisClient.HealthCheck
		transport = resultbus.NewRedisTransport(redisClient.GetClient())
		appLogger.Info("Redis connection established")
	default:
		transport = resultbus.NewMemoryTransport()
	}
	bus := resultbus.New(transport, cfg.Stream.BufferSize, appLogger.Logger)
	closers = append(closers, bus.Close)

	jobs := lifecycle.NewService(jobStore, broker, appLogger.Logger,
		lifecycle.WithQueueName(cfg.Queue.DefaultQueue),
		lifecycle.WithResultPublisher(bus),
	)

	// Profile and membership directory
	dirDB, err := directory.Open(cfg.Directory.Driver, cfg.Directory.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize directory: %w", err)
	}
	dirStore := directory.NewStore(dirDB)
	if cfg.Directory.AutoMigrate {
		if err := dirStore.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to migrate directory: %w", err)
		}
	}
	healthChecks["directory"] = dirStore.HealthCheck

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithLeeway(cfg.Auth.Leeway),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	gateway := realtime.NewGateway(verifier, dirStore, dirStore, realtime.Config{
		SendBuffer:       cfg.Realtime.SendBuffer,
		MaxMessageLength: cfg.Realtime.MaxMessageLength,
		MaxFrameBytes:    cfg.Realtime.MaxFrameBytes,
		PingInterval:     cfg.Realtime.PingInterval,
		PongWait:         cfg.Realtime.PongWait,
		WriteWait:        cfg.Realtime.WriteWait,
		AllowedOrigins:   cfg.Realtime.AllowedOrigins,
	}, appLogger.Logger)

	// Embedded worker
	var embedded *worker.Worker
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	errChan := make(chan error, 1)
	if cfg.Worker.Embedded {
		embedded, err = initEmbeddedWorker(workerCtx, cfg, broker, jobs, bus, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize embedded worker: %w", err)
		}
		go func() {
			if err := embedded.Start(workerCtx); err != nil {
				errChan <- err
			}
		}()
	}

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		ServiceName:    cfg.App.Name,
		Logger:         appLogger.Logger,
		Jobs:           jobs,
		Stream:         stream.NewHandler(jobs, bus, appLogger.Logger, cfg.Stream.HeartbeatInterval),
		Realtime:       gateway,
		HealthChecks:   healthChecks,
		StreamTopics:   func() int { return len(bus.Topics()) },
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	})

	// Create HTTP server. Result streams stay open for the life of a job, so
	// write_timeout is usually 0.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		slog.Bool("embedded_worker", cfg.Worker.Embedded),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server failed: %w", err)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Service error", slog.Any("error", runErr))
	}

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Sockets are hijacked connections that Shutdown does not track
	gateway.Close()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		if runErr == nil {
			runErr = err
		}
	}

	if embedded != nil {
		cancelWorker()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer stopCancel()
		if err := embedded.Stop(stopCtx); err != nil {
			appLogger.Warn("Embedded worker did not stop cleanly", slog.Any("error", err))
		}
	}

	appLogger.Info("Server shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueDurable:       cfg.Queues.Durable,
		QueueAutoDelete:    cfg.Queues.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRedis initializes the Redis client behind the result channels
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	redisConfig := &redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return redis.NewClient(redisConfig, logger)
}

// initEmbeddedWorker runs the job pipeline in-process over the memory queues
func initEmbeddedWorker(ctx context.Context, cfg *config.Config, broker *queue.Broker, jobs *lifecycle.Service, bus *resultbus.Bus, logger *slog.Logger) (*worker.Worker, error) {
	queues := make([]worker.MemoryQueue, 0, len(cfg.Worker.Queues))
	for _, name := range cfg.Worker.Queues {
		h, err := broker.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		mem, ok := h.(*queue.MemoryHandle)
		if !ok {
			return nil, fmt.Errorf("queue %q is not an in-memory queue", name)
		}
		queues = append(queues, mem)
	}

	return worker.NewWorker(&worker.Config{
		Logger:       logger,
		Jobs:         jobs,
		Results:      bus,
		Source:       worker.NewMemorySource(logger, queues...),
		Executors:    worker.DefaultRegistry(cfg.Worker.StepInterval),
		WorkerID:     "embedded-" + ulid.Make().String(),
		Concurrency:  cfg.Worker.Concurrency,
		MaxJobs:      cfg.Worker.MaxJobs,
		JobTimeout:   cfg.Worker.JobTimeout,
		PollInterval: cfg.Worker.CancelPollInterval,
	}), nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
