package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/genomic-intake-server/internal/api"
	"github.com/genomic-intake-server/internal/blob"
	"github.com/genomic-intake-server/internal/config"
	"github.com/genomic-intake-server/internal/domain"
	"github.com/genomic-intake-server/internal/events"
	"github.com/genomic-intake-server/internal/handler"
	"github.com/genomic-intake-server/internal/logging"
	"github.com/genomic-intake-server/internal/metrics"
	"github.com/genomic-intake-server/internal/server"
	"github.com/genomic-intake-server/internal/signature"
	"github.com/genomic-intake-server/internal/store"
	"github.com/genomic-intake-server/pkg/fasta"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	if err := configManager.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to prepare data directories: %v", err)
	}

	cfg := configManager.GetConfig()
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logCloser.Close()

	if file := configManager.ConfigFileUsed(); file != "" {
		logger.WithField("file", file).Info("Loaded configuration file")
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Genomic intake server failed")
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("Genomic intake server stopped")
}

func run(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) error {
	index, err := signature.Load(cfg.Signatures.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to load disease signatures: %w", err)
	}
	screener, err := signature.NewScreener(index, cfg.Signatures.CacheSize, logger)
	if err != nil {
		return fmt.Errorf("failed to create screener: %w", err)
	}

	records, err := store.Open(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer records.Close()

	blobs, err := blob.Open(ctx, cfg.Blob, logger)
	if err != nil {
		return fmt.Errorf("failed to open payload store: %w", err)
	}

	publisher, err := events.Open(cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("failed to open detection event stream: %w", err)
	}
	defer publisher.Close()

	policy := fasta.Lenient
	if cfg.Validation.StrictFasta {
		policy = fasta.Strict
	}

	m := metrics.New()
	h := handler.New(handler.Dependencies{
		Store:     records,
		Blobs:     blobs,
		Screener:  screener,
		Validator: fasta.NewValidator(policy),
		Publisher: publisher,
		Metrics:   m,
		Logger:    logger,
		Config: handler.Config{
			IdleTimeout:     cfg.Server.IdleTimeout,
			CommandTimeout:  cfg.Server.CommandTimeout,
			MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
			PublishTimeout:  cfg.Events.PublishTimeout,
		},
	})

	acceptor := server.NewAcceptor(cfg.Server, h, m, logger)
	if err := acceptor.Listen(); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"address":      acceptor.Addr().String(),
		"tls":          cfg.Server.TLSEnabled,
		"storage":      cfg.Storage.Driver,
		"blob_store":   cfg.Blob.Driver,
		"signatures":   index.Len(),
		"fasta_policy": policy.String(),
	}).Info("Starting genomic intake server")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The acceptor is stopped through Shutdown so in-flight commands get
		// the configured grace period.
		err := acceptor.Serve(context.Background())
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := acceptor.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Intake listener did not drain in time")
		}
		return nil
	})

	if cfg.API.Enabled {
		adminAPI := api.NewServer(api.Dependencies{
			Config:      cfg.API,
			Screener:    screener,
			Store:       records,
			Connections: acceptor,
			Metrics:     m,
			Logger:      logger,
			Debug:       logger.IsLevelEnabled(logrus.DebugLevel),
		})
		g.Go(func() error {
			return adminAPI.Start(gctx)
		})
	}

	return g.Wait()
}
