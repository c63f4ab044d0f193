package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/not-nullexception/image-reducer/config"
	"github.com/not-nullexception/image-reducer/internal/api/router"
	"github.com/not-nullexception/image-reducer/internal/artifact"
	"github.com/not-nullexception/image-reducer/internal/artifact/memory"
	"github.com/not-nullexception/image-reducer/internal/artifact/minio"
	"github.com/not-nullexception/image-reducer/internal/logger"
	"github.com/not-nullexception/image-reducer/internal/metrics"
	imageprocessor "github.com/not-nullexception/image-reducer/internal/processor/image"
	"github.com/not-nullexception/image-reducer/internal/session"
	"github.com/not-nullexception/image-reducer/internal/tracing"
	"github.com/not-nullexception/image-reducer/internal/worker"
)

func main() {
	// Canceled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	logger.Setup(&cfg.Log)

	// Setup tracing
	shutdownTracing, err := tracing.Init(ctx, &cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	defer shutdownTracing(context.Background())

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	// Create artifact store
	store, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to create artifact store")
	}
	defer store.Close()

	opts, err := session.OptionsFromConfig(&cfg.Reducer)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid reducer defaults")
	}

	pool := worker.New(cfg.Worker.MaxWorkers)
	processor := imageprocessor.New(pool)
	manager := session.NewManager(store, processor, opts, cfg.Session.TTL)

	r := router.Setup(cfg, manager, store, pool)

	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("address", server.Addr).Str("storage", cfg.Storage.Backend).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		manager.Run(gctx, cfg.Session.SweepInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}

		// Let running compressions land before releasing every reference
		pool.Stop()
		manager.Close(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server stopped with error")
		return
	}

	log.Info().Msg("API server stopped")
}

func newStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageMinIO:
		return minio.NewStore(ctx, &cfg.MinIO)
	default:
		return memory.NewStore(router.ArtifactPath), nil
	}
}
