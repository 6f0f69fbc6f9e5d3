// Command server runs the impulse HTTP API: it loads configuration, opens the
// metadata store and the object store, wires the upload pipeline and serves
// it until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/impulse-backend/internal/config"
	httpapi "github.com/tbourn/impulse-backend/internal/http"
	"github.com/tbourn/impulse-backend/internal/observability"
	"github.com/tbourn/impulse-backend/internal/repo"
	"github.com/tbourn/impulse-backend/internal/storage"
	"github.com/tbourn/impulse-backend/internal/sysutil"
	"github.com/tbourn/impulse-backend/internal/transform"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := sysutil.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty).
		With().Str("service", cfg.OTEL.ServiceName).Str("version", version).Logger()
	zlog.Logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server exited cleanly")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	shutdownTelemetry, err := observability.SetupOTel(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}

	ffmpeg := sysutil.FirstNonEmpty(cfg.Transform.FFmpegPath, transform.DefaultFFmpegPath)
	if _, ok := sysutil.LookupTool(ffmpeg); !ok {
		log.Warn().Str("ffmpeg", ffmpeg).Msg("ffmpeg not found; only WAV audio can be compressed")
	}
	stage := transform.NewStage(
		transform.NewImageResizer(cfg.Transform.ImageMaxDimension, cfg.Transform.ImageJPEGQuality),
		transform.NewAudioCompressor(cfg.Transform.AudioMaxChannels, cfg.Transform.AudioMaxSampleRate,
			cfg.Transform.AudioBitrate, ffmpeg),
	)

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	reconciler := httpapi.RegisterRoutes(engine, httpapi.Deps{
		DB:          db,
		Store:       store,
		Transformer: stage,
		Log:         log,
	}, cfg)

	if cfg.Reconcile.Enabled {
		go reconciler.Run(ctx)
		go purgeIdempotency(ctx, db, cfg.Reconcile.Interval, log)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("db_driver", cfg.DBDriver).
			Str("storage_driver", cfg.Storage.Driver).
			Str("location_policy", cfg.LocationPolicy.String()).
			Msg("impulse API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return err
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func openDatabase(cfg config.Config) (*gorm.DB, error) {
	dsn := cfg.DBPath
	if cfg.DBDriver == repo.DriverPostgres {
		dsn = cfg.DatabaseURL
	}
	db, err := repo.Open(cfg.DBDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			return nil, fmt.Errorf("enable db tracing: %w", err)
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func openStorage(ctx context.Context, cfg config.Config, log zerolog.Logger) (storage.Gateway, error) {
	sc := cfg.Storage
	if sc.Driver == config.StorageMemory {
		log.Warn().Msg("using in-memory object storage; uploads are lost on restart")
		return storage.NewMemoryGateway(sc.Bucket, sc.Endpoint), nil
	}
	g, err := storage.NewS3Gateway(ctx, storage.S3Config{
		Endpoint:        sc.Endpoint,
		APIURL:          sc.APIURL,
		Region:          sc.Region,
		Bucket:          sc.Bucket,
		AccessKeyID:     sc.AccessKeyID,
		SecretAccessKey: sc.SecretAccessKey,
		UsePathStyle:    sc.UsePathStyle,
		Timeout:         sc.Timeout,
		MaxAttempts:     sc.MaxAttempts,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	return g, nil
}

// purgeIdempotency drops expired idempotency records every interval.
func purgeIdempotency(ctx context.Context, db *gorm.DB, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency records")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("expired idempotency records removed")
			}
		}
	}
}

func loadEnvFiles() {
	for _, path := range []string{".env", "../.env"} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
