// Package main is the entry point for the IonMap server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ionmap/server/internal/api"
	"github.com/ionmap/server/internal/cache"
	"github.com/ionmap/server/internal/config"
	"github.com/ionmap/server/internal/data/imzml"
	"github.com/ionmap/server/internal/render"
	"github.com/ionmap/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	filePath := flag.String("file", "", "Path to an imzML file (overrides configured datasets)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// A -file argument replaces the configured datasets with a single one.
	if *filePath != "" {
		cfg.Data.DefaultDataset = "default"
		cfg.Data.Datasets = map[string]config.DatasetConfig{
			"default": {ImzMLPath: *filePath},
		}
	}

	log.Printf("Starting IonMap server on port %d", cfg.Server.Port)

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB:  cfg.Cache.ImageSizeMB,
		ImageTTL:          time.Duration(cfg.Cache.ImageTTLMinutes) * time.Minute,
		SpectrumCacheSize: cfg.Cache.SpectrumCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize image renderer (shared across all datasets)
	renderer := render.NewImageRenderer(render.Config{
		Width:           cfg.Render.Width,
		Height:          cfg.Render.Height,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	// Initialize each dataset
	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		if _, err := os.Stat(ds.ImzMLPath); err != nil {
			log.Fatalf("Dataset %q: imzML file not found: %s", datasetID, ds.ImzMLPath)
		}

		reader, err := imzml.NewReader(ds.ImzMLPath)
		if err != nil {
			log.Fatalf("Failed to initialize imzML reader for dataset %q: %v", datasetID, err)
		}
		defer reader.Close()

		md := reader.Metadata()
		log.Printf("  [%s] Loaded from: %s", datasetID, ds.ImzMLPath)
		log.Printf("    Mode: %s, Spectra: %d, Grid: %dx%d", md.Mode, md.SpectrumCount, md.PixelsX, md.PixelsY)

		svc, err := service.NewIonImageService(service.IonImageServiceConfig{
			DatasetID: datasetID,
			Source:    reader,
			Cache:     cacheManager,
			Renderer:  renderer,
			HalfWidth: cfg.View.HalfWidth,
		})
		if err != nil {
			log.Fatalf("Failed to initialize ion-image service for dataset %q: %v", datasetID, err)
		}

		mzMin, mzMax := svc.MzRange()
		log.Printf("    m/z range: [%g, %g]", mzMin, mzMax)

		registry.Register(datasetID, svc)
		registry.SetMetadata(datasetID, md)
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
