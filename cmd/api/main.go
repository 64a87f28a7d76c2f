package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"intakeflow/api/internal/app"
	"intakeflow/api/internal/archive"
	"intakeflow/api/internal/catalog"
	"intakeflow/api/internal/config"
	"intakeflow/api/internal/logging"
	"intakeflow/api/internal/search"
	"intakeflow/api/internal/statuscache"
	"intakeflow/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("intake api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", zap.Int("count", applied))

	var opts []app.Option

	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := statuscache.NewRedisCache(ctx, cfg.RedisURL, cfg.StatusCacheTTL)
		if err != nil {
			logger.Warn("status cache disabled", zap.Error(err))
		} else {
			defer cache.Close()
			opts = append(opts, app.WithStatusCache(cache))
			logger.Info("status cache enabled", zap.Duration("ttl", cfg.StatusCacheTTL))
		}
	}

	if strings.TrimSpace(cfg.Archive.Endpoint) != "" {
		sink, err := archive.NewS3Archive(ctx, archive.Options{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			logger.Warn("submission archive disabled", zap.Error(err))
		} else {
			opts = append(opts, app.WithArchive(sink))
			logger.Info("submission archive enabled", zap.String("bucket", cfg.Archive.Bucket))
		}
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), logger)
	defer searchService.Close()
	go searchService.ReindexAllFromPG(ctx)
	opts = append(opts, app.WithSearch(searchService))

	service := app.New(cfg, catalog.Default(), store.NewPostgresStore(db), logger, opts...)
	defer service.Wait()

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin:     cfg.CORSOrigin,
		JWTSecret:      []byte(cfg.JWTSecret),
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("intake api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
