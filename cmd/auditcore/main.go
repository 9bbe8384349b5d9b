// Package main starts the audit core HTTP server.
//
// Startup order: load config, connect PostgreSQL, run migrations, then wire
// the chain recorder, export pipeline, and WebSocket hub before serving.
// SIGINT/SIGTERM triggers a graceful drain of in-flight requests, export
// workers, and WebSocket clients.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/thorbis/audit-core/internal/api"
	"github.com/thorbis/audit-core/internal/chain"
	"github.com/thorbis/audit-core/internal/config"
	"github.com/thorbis/audit-core/internal/db"
	"github.com/thorbis/audit-core/internal/db/migrations"
	"github.com/thorbis/audit-core/internal/dbpool"
	"github.com/thorbis/audit-core/internal/export"
	"github.com/thorbis/audit-core/internal/idempotency"
	"github.com/thorbis/audit-core/internal/signing"
	"github.com/thorbis/audit-core/internal/store"
	"github.com/thorbis/audit-core/internal/ws"
)

const (
	shutdownTimeout     = 10 * time.Second
	idemPurgeInterval   = time.Hour
	exportFileRoutePath = "/api/audit/files"
	exportSignerName    = "thorbis-audit-core"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("unknown LOG_LEVEL, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	pool, err := dbpool.NewPool(ctx, cfg.DatabaseURL.Value())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	base := store.Base{Pool: pool, Log: log}
	events := store.NewEventStore(base)
	jobs := store.NewExportJobStore(base)
	idemRecords := store.NewIdempotencyStore(base)

	keys, err := signing.NewStaticProvider(cfg.EventSigningKey.Value())
	if err != nil {
		return fmt.Errorf("loading event signing key: %w", err)
	}
	eventSigner := signing.NewEventSigner(keys)

	exportSigner, err := signing.NewExportSigner(cfg.ExportSigningKey.Value(), exportSignerName)
	if err != nil {
		return fmt.Errorf("loading export signing key: %w", err)
	}

	recorder := chain.NewRecorder(events, eventSigner, log)
	verifier := chain.NewVerifier(eventSigner)

	urlSecret, err := hex.DecodeString(cfg.ExportURLSecret.Value())
	if err != nil {
		log.WithError(err).Fatal("decoding export URL secret")
	}

	blobs, err := export.NewLocalStore(cfg.ExportDir, exportFileRoutePath, urlSecret)
	if err != nil {
		return fmt.Errorf("opening export directory: %w", err)
	}

	hub := ws.NewHub(log)

	pipeline := export.NewPipeline(jobs, events, verifier, exportSigner, blobs, hub, log, export.Config{
		Workers:     cfg.ExportWorkers,
		JobDeadline: cfg.ExportJobDeadline,
		URLTTL:      cfg.ExportURLTTL,
		ExpiryDays:  cfg.ExportExpiryDays,
	})

	guard := idempotency.NewGuard(idemRecords, cfg.IdempotencyTTL, log)

	router := api.NewRouter(ctx, &api.RouterDeps{
		Log:          log,
		Pool:         pool,
		Hub:          hub,
		Recorder:     recorder,
		Events:       events,
		Verifier:     verifier,
		Exports:      pipeline,
		Files:        blobs,
		Guard:        guard,
		TenantLookup: &base,
		CORSOrigins:  cfg.CORSOrigins,
		Version:      config.Version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)

		return nil
	})

	g.Go(func() error {
		pipeline.Run(gctx)

		return nil
	})

	g.Go(func() error {
		purgeIdempotencyRecords(gctx, idemRecords, log)

		return nil
	})

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":    cfg.Addr(),
			"version": config.Version,
		}).Info("audit core listening")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		hub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	})

	return g.Wait()
}

// purgeIdempotencyRecords deletes expired idempotency records on a fixed
// cadence until the context is cancelled.
func purgeIdempotencyRecords(ctx context.Context, records *store.IdempotencyStore, log *logrus.Logger) {
	ticker := time.NewTicker(idemPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := records.PurgeExpired(ctx)
			if err != nil {
				log.WithError(err).Warn("purging idempotency records")

				continue
			}
			if n > 0 {
				log.WithField("deleted", n).Debug("purged idempotency records")
			}
		}
	}
}
