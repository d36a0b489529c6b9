package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicomweb-gateway/internal/app"
	"github.com/otcheredev/dicomweb-gateway/internal/bridge"
	"github.com/otcheredev/dicomweb-gateway/internal/config"
	"github.com/otcheredev/dicomweb-gateway/internal/handlers"
	"github.com/otcheredev/dicomweb-gateway/internal/middleware"
	"github.com/otcheredev/dicomweb-gateway/pkg/logger"
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
	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	defer lg.Close()
	lg.Info().Str("local_aet", cfg.DIMSE.LocalAETitle).Msg("Starting DICOMweb gateway")

	gw, err := app.New(cfg, lg.Logger)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize gateway")
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw.RunBackground(ctx)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(gw.Store.Root(), gw.DB, gw.Coordinator.Limiter())
	dicomwebHandler := handlers.NewDICOMWebHandler(gw.Finder, gw.Gateway, lg.Logger)
	managementHandler := handlers.NewManagementHandler(gw.Peers, lg.Logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery(lg.Logger))
	r.Use(middleware.Logging(lg.Logger))
	r.Use(chimiddleware.Compress(5, "application/json", "application/dicom+json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type", "Content-Location"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// DICOMweb endpoints
	r.Route("/rs", dicomwebHandler.Routes)
	r.Get("/wadouri", dicomwebHandler.WadoURI)

	// Management API
	r.Route("/api/v1", managementHandler.Routes)

	// WebSocket bridge
	if cfg.Bridge.URL != "" {
		b := bridge.New(bridge.Config{
			URL:       cfg.Bridge.URL,
			Token:     cfg.Bridge.Token,
			ChunkSize: cfg.Bridge.ChunkSize,
		}, gw.Finder, gw.Gateway, lg.Logger)
		go b.Run(ctx)
		lg.Info().Str("url", cfg.Bridge.URL).Msg("WebSocket bridge enabled")
	}

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
		lg.Info().Str("addr", addr).Int("peers", len(gw.Registry.Peers())).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error().Err(err).Msg("Server failed to start")
			stop()
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	lg.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("Server forced to shutdown")
		os.Exit(1)
	}

	lg.Info().Msg("Server stopped")
}
