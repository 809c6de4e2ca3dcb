package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/reviewpulse/credit-engine/internal/api"
	"github.com/reviewpulse/credit-engine/internal/config"
	"github.com/reviewpulse/credit-engine/internal/services/accounts"
	"github.com/reviewpulse/credit-engine/internal/services/credits"
	"github.com/reviewpulse/credit-engine/internal/services/cycle"
	"github.com/reviewpulse/credit-engine/internal/services/database"
	"github.com/reviewpulse/credit-engine/internal/services/features"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

// Server represents a credit engine server instance.
type Server struct {
	config *config.Config
	app    *fiber.App
	redis  *redis.Client
	db     *database.DB
}

type serverServices struct {
	creditsService  *credits.Service
	accountsService *accounts.Service
	controller      *cycle.Controller
	meter           *features.Meter
}

// NewServer creates a new Server instance with the given configuration.
// The cfg parameter is required and must not be nil.
func NewServer(cfg *config.Config) *Server {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile() to create config")
	}

	return &Server{config: cfg}
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogLevel(s.config)

	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}
	listenAddr := ":" + port

	s.app = createFiberApp(s.config)

	// === Infrastructure Setup ===
	db, err := database.New(*s.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	defer func() {
		if err := s.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}()

	s.redis, err = createRedisClient(s.config)
	if err != nil {
		return err
	}
	if s.redis != nil {
		defer func() {
			if err := s.redis.Close(); err != nil {
				fiberlog.Errorf("Failed to close Redis client: %v", err)
			}
		}()
	}

	// === Services Initialization ===
	services, err := initializeServices(s.db, s.redis, s.config)
	if err != nil {
		return err
	}

	// === Middleware Setup ===
	setupMiddleware(s.app, s.config)

	// === Routes Setup ===
	setupRoutes(s.app, s.config, services, s.db, s.redis)

	fmt.Printf("Credit engine starting on %s\n", listenAddr)
	fmt.Printf("   Environment: %s\n", s.config.Server.Environment)
	fmt.Printf("   Go version: %s\n", runtime.Version())
	fmt.Printf("   GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))

	// Graceful shutdown handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// In-process scheduler: belt and braces next to the external cron
	// trigger, both gated by the same idempotency keys.
	interval := time.Duration(0)
	if s.config.Cycle.ScheduleInterval != "" {
		if d, err := time.ParseDuration(s.config.Cycle.ScheduleInterval); err == nil {
			interval = d
		} else {
			fiberlog.Warnf("Invalid cycle schedule_interval %q, using default", s.config.Cycle.ScheduleInterval)
		}
	}
	scheduler := cycle.NewScheduler(services.controller, interval)
	go scheduler.Start(ctx)
	defer scheduler.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := s.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		fiberlog.Info("Context cancelled, starting shutdown...")
	}

	fiberlog.Info("Server shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownErrChan := make(chan error, 1)
	go func() {
		shutdownErrChan <- s.app.ShutdownWithTimeout(30 * time.Second)
	}()

	select {
	case err := <-shutdownErrChan:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		fiberlog.Info("Server shutdown completed successfully")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}

	return nil
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:           "CreditEngine v1.0",
		EnablePrintRoutes: !isProd,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		CaseSensitive:     true,
		StrictRouting:     false,
		Network:           "tcp",
		ServerHeader:      "CreditEngine",
	})
}

func initializeServices(db *database.DB, redisClient *redis.Client, cfg *config.Config) (*serverServices, error) {
	creditsService := credits.NewService(db.DB, cfg.Plans)
	if err := creditsService.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate credit tables: %w", err)
	}

	accountsService := accounts.NewService(db.DB)
	if err := accountsService.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate account tables: %w", err)
	}

	lockTTL := time.Duration(cfg.Cycle.LockTTLMinutes) * time.Minute
	lock := cycle.NewRunLock(redisClient, lockTTL)

	controller := cycle.NewController(creditsService, accountsService, lock, cfg.Cycle.Concurrency)
	meter := features.NewMeter(creditsService, cfg.Features)

	return &serverServices{
		creditsService:  creditsService,
		accountsService: accountsService,
		controller:      controller,
		meter:           meter,
	}, nil
}

func setupMiddleware(app *fiber.App, cfg *config.Config) {
	isProd := cfg.IsProduction()
	allowedOrigins := cfg.Server.AllowedOrigins

	// Recover middleware (must be first)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:               1000,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return fmt.Errorf("1000 requests per minute")
		},
	}))

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Cron-Secret",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
		MaxAge:           86400,
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
	}))
}

func setupLogLevel(cfg *config.Config) {
	logLevel := cfg.GetNormalizedLogLevel()

	switch logLevel {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "info":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	case "fatal":
		fiberlog.SetLevel(fiberlog.LevelFatal)
	case "panic":
		fiberlog.SetLevel(fiberlog.LevelPanic)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
		fiberlog.Warnf("Unknown log level '%s', defaulting to 'info'", logLevel)
	}

	fiberlog.Infof("Log level set to: %s", logLevel)
}

func createRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		fiberlog.Info("Redis not configured - cycle run lock disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.ConnMaxLifetime = 30 * time.Minute
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opt)

	return testRedisConnectionWithRetry(client)
}

func testRedisConnectionWithRetry(client *redis.Client) (*redis.Client, error) {
	const maxAttempts = 3
	const baseDelay = 1 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()

		if err == nil {
			fiberlog.Infof("Redis connection established successfully (attempt %d/%d)", attempt, maxAttempts)
			return client, nil
		}

		fiberlog.Warnf("Redis connection failed (attempt %d/%d): %v", attempt, maxAttempts, err)

		if attempt < maxAttempts {
			delay := time.Duration(attempt) * baseDelay
			fiberlog.Infof("Retrying Redis connection in %v...", delay)
			time.Sleep(delay)
		}
	}

	if err := client.Close(); err != nil {
		fiberlog.Errorf("Failed to close Redis client after connection failures: %v", err)
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts", maxAttempts)
}

func setupRoutes(app *fiber.App, cfg *config.Config, services *serverServices, db *database.DB, redisClient *redis.Client) {
	healthHandler := api.NewHealthHandler(db, redisClient)
	app.Get("/health", healthHandler.HealthCheck)

	creditsHandler := api.NewCreditsHandler(services.creditsService)
	creditsGroup := app.Group("/admin/credits")
	creditsGroup.Get("/balance/:account_id", creditsHandler.GetBalance)
	creditsGroup.Post("/check", creditsHandler.CheckCredits)
	creditsGroup.Post("/grant", creditsHandler.GrantCredits)
	creditsGroup.Get("/transactions/:account_id", creditsHandler.GetTransactionHistory)

	featuresHandler := api.NewFeaturesHandler(services.meter)
	v1Group := app.Group("/v1")
	v1Group.Post("/features/:feature/charge", featuresHandler.Charge)

	cycleHandler := api.NewCycleHandler(services.controller, cfg.Cycle.CronSecret)
	app.Post("/internal/cron/monthly-cycle", cycleHandler.Trigger)
}
