// Package app wires the process: logger, configuration, the selected
// store backend behind metrics instrumentation, and the operational HTTP
// router.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelsec/kestrel-backend/internal/observability"
	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/server"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/store/match"
	"github.com/kestrelsec/kestrel-backend/internal/store/registry"
)

type App struct {
	Log    *logger.Logger
	Cfg    Config
	Store  store.Store
	Router *gin.Engine
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading configuration...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	observability.Init()

	st, err := registry.Open(log, registry.Config{
		Backend:            cfg.Backend,
		MultiTenant:        cfg.MultiTenant,
		DefaultTenant:      cfg.DefaultTenant,
		BulkLimit:          cfg.BulkLimit,
		QueryLimitMax:      cfg.QueryLimitMax,
		OperationTimeoutMS: cfg.OperationTimeoutMS,
		TextFields:         match.FieldMap(cfg.IndexTextualFields),
		CacheKeyPrefix:     cfg.CacheKeyPrefix,
		CacheTTLs:          cfg.CacheTTLs,
		LocalCacheEntries:  cfg.LocalCacheEntries,
		RedisAddr:          cfg.RedisAddr,
		RedisPassword:      cfg.RedisPassword,
		RedisDB:            cfg.RedisDB,
		RelationalDSN:      cfg.RelationalDSN,
		Neo4jURI:           cfg.Neo4jURI,
		Neo4jUser:          cfg.Neo4jUser,
		Neo4jPassword:      cfg.Neo4jPassword,
		Neo4jDatabase:      cfg.Neo4jDatabase,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open backend %q: %w", cfg.Backend, err)
	}
	st = instrumentStore(cfg.Backend, st)

	initCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.OperationTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := st.Initialize(initCtx); err != nil {
		log.Sync()
		return nil, fmt.Errorf("initialize backend %q: %w", cfg.Backend, err)
	}
	log.Info("store backend ready", "backend", cfg.Backend)

	router := server.NewRouter(server.RouterConfig{
		Log:     log,
		Store:   st,
		LogMode: cfg.LogMode,
	})

	return &App{
		Log:    log,
		Cfg:    cfg,
		Store:  st,
		Router: router,
	}, nil
}

func (a *App) Run() error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Log.Info("listening", "addr", a.Cfg.HTTPAddr)
	return a.Router.Run(a.Cfg.HTTPAddr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Warn("store close failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
