package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gwi.com/pdfqa/internal/api"
	"gwi.com/pdfqa/internal/config"
	"gwi.com/pdfqa/internal/core"
	"gwi.com/pdfqa/internal/index"
	"gwi.com/pdfqa/internal/ingest"
	"gwi.com/pdfqa/internal/llm"
	"gwi.com/pdfqa/internal/store"
)

func main() {
	// Command line flags for data ingestion and index maintenance
	ingestFlag := flag.Bool("ingest", false, "Ingest the files given as arguments and exit")
	clearIndexFlag := flag.Bool("clear-index", false, "Delete the persisted vector index before loading")
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Debug().Msg("Service starting in DEBUG mode")

	if err := run(cfg, *ingestFlag, *clearIndexFlag, flag.Args()); err != nil {
		log.Fatal().Err(err).Msg("Service failed")
	}
}

func run(cfg *config.Config, ingestOnly, clearIndex bool, paths []string) error {
	ctx := context.Background()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	// Initialize model providers
	providers, err := llm.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize model providers: %w", err)
	}
	defer providers.Close()

	// Load the vector index built with the configured embedder
	ix := index.New(providers.Embedder.Fingerprint(), dbStore)
	if clearIndex {
		if err := ix.DeleteAll(ctx); err != nil {
			return fmt.Errorf("failed to clear index: %w", err)
		}
		if err := dbStore.DeleteDocuments(ctx); err != nil {
			return fmt.Errorf("failed to clear documents: %w", err)
		}
		log.Info().Msg("Persisted index cleared")
	}
	if err := ix.Load(ctx); err != nil {
		if errors.Is(err, index.ErrSchemaMismatch) {
			return fmt.Errorf("%w (restart with -clear-index to rebuild)", err)
		}
		return fmt.Errorf("failed to load index: %w", err)
	}
	if ix.Len() == 0 {
		log.Warn().Msg("Vector index is empty. Upload documents before asking questions.")
	}

	chunker := ingest.NewChunker(ingest.WithChunkSize(cfg.ChunkSize), ingest.WithOverlap(cfg.ChunkOverlap))
	ingestor := ingest.NewIngestor(ingest.DefaultRegistry(), chunker, cfg.MaxFileSizeBytes)
	chatService := core.NewChatService(cfg, ingestor, providers.Embedder, providers.Chat, ix, dbStore)

	// Handle data ingestion if flag is set
	if ingestOnly {
		if len(paths) == 0 {
			return errors.New("-ingest needs at least one file argument")
		}
		log.Info().Int("files", len(paths)).Msg("Starting data ingestion process...")
		results, err := chatService.IngestPaths(ctx, paths)
		if err != nil {
			return err
		}
		failed := 0
		for _, r := range results {
			if !r.OK() {
				failed++
			}
		}
		log.Info().Int("ingested", len(results)-failed).Int("failed", failed).Msg("Data ingestion complete. Exiting.")
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed to ingest", failed, len(results))
		}
		return nil
	}

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(chatService, cfg.MaxFileSizeBytes)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.GenerateTimeout*time.Duration(cfg.MaxRetries+1) + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Msg("Starting server. Press Ctrl+C to quit.")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("Server exiting gracefully")
	return nil
}
