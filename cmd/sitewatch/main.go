// Command sitewatch runs the tracking service: the HTTP session API, the
// SQLite store and, when configured, the Kafka detection ingest.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safesite-data/sitewatch/internal/api"
	"github.com/safesite-data/sitewatch/internal/config"
	"github.com/safesite-data/sitewatch/internal/embed"
	"github.com/safesite-data/sitewatch/internal/ingest"
	"github.com/safesite-data/sitewatch/internal/session"
	"github.com/safesite-data/sitewatch/internal/storage"
	"github.com/safesite-data/sitewatch/internal/version"
)

var (
	listen     = flag.String("listen", "", "Listen address (overrides SITEWATCH_LISTEN_ADDR)")
	tuningPath = flag.String("tuning", "", "Tuning JSON file (overrides SITEWATCH_TUNING_PATH)")
)

func main() {
	flag.Parse()
	log.Printf("sitewatch %s", version.String())

	cfg := config.Load()
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *tuningPath != "" {
		cfg.TuningPath = *tuningPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	tuning, err := cfg.Tuning()
	if err != nil {
		log.Fatalf("failed to load tuning: %v", err)
	}

	db, err := storage.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", cfg.DBPath, err)
	}
	defer db.Close()

	if err := db.MigrateUp(cfg.MigrationsDir); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessCfg := config.SessionConfig(tuning)
	if cfg.EmbedModelPath != "" {
		embedder, err := embed.NewONNXEmbedder(embed.ONNXConfig{
			ModelPath:   cfg.EmbedModelPath,
			LibraryPath: cfg.OnnxLibraryPath,
			FeatureDim:  tuning.GetFeatureDim(),
		})
		if err != nil {
			log.Fatalf("failed to load appearance model: %v", err)
		}
		defer embedder.Close()
		sessCfg.Embedder = embedder
	}

	manager := session.NewManager(sessCfg, tuning.GetFrameQueueDepth())
	server := api.NewServer(ctx, manager, db, tuning.GetRepeatOffenderThreshold())

	if ingest.Enabled() {
		consumer, err := ingest.NewConsumer(ingest.ConfigFromEnv(), manager)
		if err != nil {
			log.Fatalf("failed to start kafka ingest: %v", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("kafka ingest stopped: %v", err)
				stop()
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
