package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-proc-approvals/internal/client"
	"github.com/pesio-ai/be-proc-approvals/internal/config"
	"github.com/pesio-ai/be-proc-approvals/internal/database"
	"github.com/pesio-ai/be-proc-approvals/internal/handler"
	"github.com/pesio-ai/be-proc-approvals/internal/logger"
	"github.com/pesio-ai/be-proc-approvals/internal/metrics"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
	"github.com/pesio-ai/be-proc-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-proc-approvals/internal/service"
	"github.com/pesio-ai/be-proc-approvals/internal/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(cfg.Service.Name, cfg.Service.Version, cfg.Tracing.OutputFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownTracing(flushCtx); err != nil {
				log.Warn().Err(err).Msg("Tracing shutdown failed")
			}
		}()
	}

	// Initialize storage and the role directory
	var (
		store     repository.Store
		directory service.Directory
		ready     = func(context.Context) error { return nil }
	)
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		if cfg.Database.EnsureSchema {
			if err := db.EnsureSchema(ctx); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply database schema")
			}
		}
		store = repository.NewPostgresStore(db)
		ready = db.Ping
		if cfg.Directory.Source == config.DirectoryPostgres {
			directory = repository.NewUserDirectoryRepository(db)
		}
	case config.StorageMemory:
		store = memory.New()
		log.Warn().Msg("Using in-memory storage; state is lost on restart")
	}
	if directory == nil {
		directory = client.NewStaticDirectory(cfg.Directory)
	}

	// Event publishing
	var publisher service.EventPublisher = client.NewNotificationPublisher(nil, cfg.NATS.SubjectPrefix, log.Logger)
	if cfg.NATS.Enabled {
		nc, err := client.ConnectNATS(cfg.NATS, cfg.Service.Name, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		publisher = client.NewNotificationPublisher(nc, cfg.NATS.SubjectPrefix, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS publisher initialized")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Initialize services
	catalog := service.NewCatalogService(store, log.Component("catalog"))
	if cfg.Catalog.SeedFile != "" {
		n, err := catalog.LoadSeedFile(ctx, cfg.Catalog.SeedFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.Catalog.SeedFile).Msg("Failed to load workflow catalog")
		}
		log.Info().Int("published", n).Str("file", cfg.Catalog.SeedFile).Msg("Workflow catalog loaded")
	}

	engine := service.NewApprovalEngine(store, directory, log.Component("engine"),
		service.WithPublisher(publisher),
		service.WithMetrics(m),
	)

	scheduler := service.NewEscalationScheduler(engine, cfg.Scheduler.TickInterval, log.Component("scheduler"))
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Escalation scheduler stopped")
		}
	}()

	// Setup HTTP routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(handler.RequestLogger(log.Component("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	handler.NewHTTPHandler(engine, catalog, log.Component("http")).Routes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(engine, catalog, log.Logger).Register(grpcServer)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()
	cancel()
	<-schedulerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}
