// Package server assembles the semantic cache service: configuration,
// Redis-backed stores, the metrics database, the orchestrator and the HTTP
// surface, with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/Egham-7/adaptive-cache/internal/api"
	"github.com/Egham-7/adaptive-cache/internal/config"
	"github.com/Egham-7/adaptive-cache/internal/services/cache"
	"github.com/Egham-7/adaptive-cache/internal/services/database"
	"github.com/Egham-7/adaptive-cache/internal/services/embeddings"
	"github.com/Egham-7/adaptive-cache/internal/services/faststore"
	"github.com/Egham-7/adaptive-cache/internal/services/metrics"
	"github.com/Egham-7/adaptive-cache/internal/services/vectorstore"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 30 * time.Second

// Server is one semantic cache service instance.
type Server struct {
	config       *config.Config
	app          *fiber.App
	redis        *redis.Client
	db           *database.DB
	orchestrator *cache.Orchestrator
	recorder     *metrics.Recorder
}

// New creates a Server for the given configuration. The cfg parameter is
// required and must not be nil.
func New(cfg *config.Config) *Server {
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

	if err := s.initializeInfrastructure(); err != nil {
		return err
	}
	defer s.closeInfrastructure()

	if err := s.initializeServices(); err != nil {
		return err
	}
	defer s.orchestrator.Close()
	defer s.recorder.Stop()

	setupMiddleware(s.app, s.config)
	s.setupRoutes()

	fmt.Printf("AdaptiveCache starting on %s\n", listenAddr)
	fmt.Printf("   Environment: %s\n", s.config.Server.Environment)
	fmt.Printf("   Go version: %s\n", runtime.Version())

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
	}

	fiberlog.Info("Server shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownErrChan := make(chan error, 1)
	go func() {
		shutdownErrChan <- s.app.ShutdownWithTimeout(shutdownTimeout)
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

func (s *Server) initializeInfrastructure() error {
	redisClient, err := createRedisClient(s.config)
	if err != nil {
		return err
	}
	s.redis = redisClient

	db, err := database.New(*s.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect metrics database: %w", err)
	}
	s.db = db

	return nil
}

func (s *Server) closeInfrastructure() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			fiberlog.Errorf("Failed to close Redis client: %v", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}
}

func (s *Server) initializeServices() error {
	recorder := metrics.NewRecorder(s.db.DB, s.config.Metrics.PoolSize(), s.config.Metrics.Buffer())
	if err := recorder.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate metrics schema: %w", err)
	}
	s.recorder = recorder

	embedder, err := embeddings.NewOpenAIEmbedder(s.config.Embeddings)
	if err != nil {
		return err
	}

	orchestrator, err := cache.NewOrchestrator(
		s.config.Cache,
		faststore.New(s.redis),
		vectorstore.New(s.redis),
		embedder,
		recorder,
	)
	if err != nil {
		return err
	}
	s.orchestrator = orchestrator

	return nil
}

func (s *Server) setupRoutes() {
	healthHandler := api.NewHealthHandler(s.redis, s.db, s.orchestrator)
	s.app.Get("/health", healthHandler.HealthCheck)

	cacheHandler := api.NewCacheHandler(s.orchestrator)
	cacheHandler.RegisterRoutes(s.app, "/v1/cache")
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:           "AdaptiveCache v1.0",
		EnablePrintRoutes: !isProd,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		ReadBufferSize:    8192,
		WriteBufferSize:   8192,
		CaseSensitive:     true,
		ServerHeader:      "AdaptiveCache",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config) {
	isProd := cfg.IsProduction()

	// Recover middleware (must be first)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
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

	if cfg.Server.AllowedOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.Server.AllowedOrigins,
		}))
	} else {
		app.Use(cors.New())
	}
}

func setupLogLevel(cfg *config.Config) {
	logLevel := cfg.GetLogLevel()

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
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
	}
}

func createRedisClient(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.MaxRetries = 3

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// The cache fails open; a Redis outage at boot degrades lookups to
		// misses instead of blocking startup.
		fiberlog.Errorf("Redis unreachable at startup, cache will run degraded: %v", err)
	}

	return client, nil
}
