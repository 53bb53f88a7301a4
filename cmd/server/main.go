package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/otcheredev/ris-dimse-node/internal/adapters"
	"github.com/otcheredev/ris-dimse-node/internal/cache"
	"github.com/otcheredev/ris-dimse-node/internal/config"
	"github.com/otcheredev/ris-dimse-node/internal/database"
	"github.com/otcheredev/ris-dimse-node/internal/handlers"
	"github.com/otcheredev/ris-dimse-node/internal/metrics"
	"github.com/otcheredev/ris-dimse-node/internal/middleware"
	"github.com/otcheredev/ris-dimse-node/internal/repository"
	"github.com/otcheredev/ris-dimse-node/internal/scp"
	"github.com/otcheredev/ris-dimse-node/internal/services"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
	"github.com/otcheredev/ris-dimse-node/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting DIMSE node")

	// Connect to database
	if err := database.Connect(cfg.Database); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Initialize cache
	var cacheImpl cache.Cache
	if cfg.Cache.Enabled {
		if cfg.Cache.Type == "redis" {
			cacheImpl, err = cache.NewRedisCache(cfg.Redis)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to connect to Redis")
			}
			log.Info().Msg("Redis cache initialized")
		} else {
			cacheImpl = cache.NewMemoryCache()
			log.Info().Msg("Memory cache initialized")
		}
		defer cacheImpl.Close()
	} else {
		log.Info().Msg("Query result cache disabled")
	}

	// Metrics
	var observer dimse.Observer
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		observer = collector
	}

	// Initialize repositories
	nodeRepo := repository.NewNodeRepository()
	auditRepo := repository.NewAuditRepository()
	indexRepo := repository.NewIndexRepository()

	// Initialize adapter factory
	adapterFactory := adapters.NewAdapterFactory(adapters.Options{
		CallingAETitle: cfg.DIMSE.CallingAETitle,
		MaxPDULength:   cfg.DIMSE.MaxPDULength,
		PoolSize:       cfg.DIMSE.PoolSize,
		PoolIdleTime:   cfg.DIMSE.PoolIdleTimeout,
		Observer:       observer,
		Logger:         logger.Component("scu"),
	})
	defer adapterFactory.CloseAll()

	// Initialize services
	nodeService := services.NewNodeService(nodeRepo, auditRepo, adapterFactory, cacheImpl, cfg.Cache.TTL)
	indexService := services.NewIndexService(indexRepo)

	// DICOM listener
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var scpServer *dimse.Server
	var workers *dimse.WorkerPool
	var scpDone chan error // nil blocks forever when the listener is off
	if cfg.DIMSE.Enabled {
		scpDone = make(chan error, 1)
		dispatcher := dimse.NewDispatcher()
		dispatcher.Register(dimse.VerificationSOPClass, dimse.VerificationService{})
		scp.NewFindService(indexRepo, logger.Component("scp")).Register(dispatcher)

		workers = dimse.NewWorkerPool(cfg.DIMSE.Workers)
		scpServer = dimse.NewServer(dimse.AssociationConfig{
			CalledAET:    cfg.DIMSE.AETitle,
			Timeout:      cfg.DIMSE.Timeout,
			MaxPDULength: cfg.DIMSE.MaxPDULength,
			Executor:     workers,
			Observer:     observer,
		}, dispatcher,
			dimse.WithServerLogger(logger.Component("dimse")),
			dimse.WithMaxAssociations(cfg.DIMSE.MaxAssociations),
		)

		dimseAddr := fmt.Sprintf("%s:%d", cfg.DIMSE.Host, cfg.DIMSE.Port)
		listener, err := net.Listen("tcp", dimseAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", dimseAddr).Msg("Failed to open DICOM listener")
		}

		go func() {
			log.Info().
				Str("addr", dimseAddr).
				Str("ae_title", cfg.DIMSE.AETitle).
				Msg("DICOM listener starting")
			scpDone <- scpServer.Serve(ctx, listener)
		}()
	}

	// Initialize handlers
	var listenerStatus handlers.ListenerStatus
	var associationLister handlers.AssociationLister
	if scpServer != nil {
		listenerStatus = scpServer
		associationLister = scpServer
	}
	healthHandler := handlers.NewHealthHandler(database.Ping, listenerStatus)
	managementHandler := handlers.NewManagementHandler(nodeService)
	queryHandler := handlers.NewQueryHandler(nodeService)
	associationsHandler := handlers.NewAssociationsHandler(associationLister, adapterFactory)
	indexHandler := handlers.NewIndexHandler(indexService)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	if collector != nil {
		r.Use(middleware.Metrics(collector))
	}
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints (no authentication required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Connection testing (no tenant ID required)
		r.Post("/nodes/test", managementHandler.TestConnection)

		// Local index served to inbound C-FIND
		r.Post("/index/studies", indexHandler.IndexStudy)
		r.Post("/index/series", indexHandler.IndexSeries)
		r.Post("/index/instances", indexHandler.IndexInstance)

		r.Get("/associations", associationsHandler.List)

		r.Group(func(r chi.Router) {
			r.Use(middleware.TenantID)

			// Remote nodes
			r.Post("/nodes", managementHandler.CreateNode)
			r.Get("/nodes", managementHandler.GetNodes)
			r.Get("/nodes/{id}", managementHandler.GetNode)
			r.Delete("/nodes/{id}", managementHandler.DeleteNode)
			r.Post("/nodes/{id}/echo", managementHandler.EchoNode)

			// C-FIND against a node
			r.Get("/nodes/{id}/patients", queryHandler.FindPatients)
			r.Get("/nodes/{id}/studies", queryHandler.FindStudies)
			r.Get("/nodes/{id}/studies/{studyUID}/series", queryHandler.FindSeries)
			r.Get("/nodes/{id}/studies/{studyUID}/series/{seriesUID}/instances", queryHandler.FindInstances)

			r.Get("/audit", managementHandler.GetAuditLogs)
		})
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal or a listener failure
	select {
	case <-ctx.Done():
	case err := <-scpDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("DICOM listener stopped")
		}
	}
	stop()

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if workers != nil {
		if err := workers.Wait(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("DIMSE operations still running at shutdown")
		}
	}

	log.Info().Msg("Server stopped")
}
