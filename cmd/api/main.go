package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"spanlab/api/internal/app"
	"spanlab/api/internal/config"
	"spanlab/api/internal/drafts"
	"spanlab/api/internal/export"
	"spanlab/api/internal/logging"
	"spanlab/api/internal/search"
	"spanlab/api/internal/store"
	"spanlab/api/internal/versions"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogJSON, logging.ParseLevel(cfg.LogLevel))
	ctx := context.Background()

	db, dataStore, err := openStore(ctx, cfg)
	if err != nil {
		fatal("database setup failed", err)
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		fatal("failed to create repos dir", err)
	}

	var pgfts *search.PgFTS
	if dataStore.Dialect() == store.Postgres {
		pgfts = search.NewPgFTS(db)
	}
	var primary search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		primary = meiliClient
	}
	searchService := search.NewService(primary, pgfts)
	if primary != nil && pgfts != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	deps := app.Dependencies{
		Store:    dataStore,
		Versions: versions.New(cfg.ReposDir),
		Search:   searchService,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		draftStore, err := drafts.NewRedisStore(cfg.RedisURL, cfg.DraftTTL)
		if err != nil {
			fatal("redis connection failed", err)
		}
		defer draftStore.Close()
		deps.Drafts = draftStore
		slog.Info("drafts stored in redis")
	} else {
		slog.Warn("REDIS_URL unset, drafts live only in memory")
	}

	var artifacts export.ArtifactStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := export.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			fatal("export storage setup failed", err)
		}
		artifacts = minioStore
		slog.Info("export artifacts stored in minio", "bucket", cfg.MinioBucket)
	}
	deps.Export = export.NewService(artifacts, cfg.ExportURLTTL)

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("spanlab API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	searchService.Wait()
}

// openStore picks SQLite for "sqlite:" URLs and Postgres otherwise, then
// applies migrations.
func openStore(ctx context.Context, cfg config.Config) (*sql.DB, *store.SQLStore, error) {
	if path, ok := cfg.SQLitePath(); ok {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		db, err := store.OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		if err := store.ApplyMigrations(ctx, db, store.SQLite, store.SQLiteMigrations()); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		slog.Info("using sqlite store", "path", path)
		return db, store.NewSQLiteStore(db), nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.ApplyMigrationsDir(ctx, db, store.Postgres, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store.NewPostgresStore(db), nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
