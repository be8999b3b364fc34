// Package app builds the object graph shared by the server, the worker and
// the command line tool.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/suPer8Hu/tablechat/internal/ai"
	"github.com/suPer8Hu/tablechat/internal/cache"
	"github.com/suPer8Hu/tablechat/internal/chat"
	"github.com/suPer8Hu/tablechat/internal/config"
	"github.com/suPer8Hu/tablechat/internal/db"
	"github.com/suPer8Hu/tablechat/internal/sandbox"
	"github.com/suPer8Hu/tablechat/internal/session"
	"github.com/suPer8Hu/tablechat/internal/store/blob"
	"github.com/suPer8Hu/tablechat/internal/store/redisstore"
	"github.com/suPer8Hu/tablechat/internal/versionlog"
	"gorm.io/gorm"
)

type App struct {
	Cfg      config.Config
	DB       *gorm.DB
	Redis    *redisstore.Store
	Blobs    *blob.Store
	Log      *versionlog.Log
	Sessions *session.Manager
	Cache    *cache.Cache
	Registry *ai.Registry
	Chat     *chat.Service
	Logger   *slog.Logger
}

// Registry registers every configured provider.
func Registry(cfg config.Config) (*ai.Registry, error) {
	providers, err := cfg.Providers()
	if err != nil {
		return nil, err
	}
	reg := ai.NewRegistry()
	for name, p := range providers {
		spec := ai.Spec{
			Kind:    p.Kind,
			BaseURL: p.BaseURL,
			Model:   p.Model,
			APIKey:  p.APIKey,
			SiteURL: cfg.OpenRouterSiteURL,
			AppName: cfg.OpenRouterAppName,
		}
		if err := reg.RegisterSpec(name, spec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// New connects to the database and Redis and wires the services. The caller
// owns the returned App and must Close it.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := Registry(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		closeDB(gdb)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rds, err := redisstore.New(ctx, redisstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  cfg.RedisTimeout,
		Prefix:   cfg.RedisPrefix,
	})
	if err != nil {
		closeDB(gdb)
		return nil, err
	}

	blobs, err := blob.New(cfg.StateDir)
	if err != nil {
		_ = rds.Close()
		closeDB(gdb)
		return nil, err
	}

	a := Wire(cfg, gdb, rds, blobs, reg, logger)
	return a, nil
}

// Wire assembles the services over already opened stores. Tests use it with
// miniredis and an in-memory database.
func Wire(cfg config.Config, gdb *gorm.DB, rds *redisstore.Store, blobs *blob.Store, reg *ai.Registry, logger *slog.Logger) *App {
	loc := cfg.Location()
	vlog := versionlog.New(rds, blobs, versionlog.Options{
		SampleSize: cfg.FingerprintSample,
		Location:   loc,
		Logger:     logger,
	})
	sessions := session.NewManager(vlog, logger)
	c := cache.New(rds, cache.Options{TTL: cfg.CacheTTL, Location: loc})
	runner := sandbox.New(cfg.SandboxTimeout, logger)

	svc := chat.NewService(chat.NewRepo(gdb), reg, sessions, c, runner, chat.Options{
		ContextWindowSize: cfg.ChatContextWindowSize,
		DefaultProvider:   cfg.AIProvider,
		DefaultModel:      cfg.AIModel,
		Logger:            logger,
	})

	return &App{
		Cfg:      cfg,
		DB:       gdb,
		Redis:    rds,
		Blobs:    blobs,
		Log:      vlog,
		Sessions: sessions,
		Cache:    c,
		Registry: reg,
		Chat:     svc,
		Logger:   logger,
	}
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

func closeDB(gdb *gorm.DB) {
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
