package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"pastelite/cfg"
	"pastelite/pkg/clock"
	"pastelite/pkg/seal"
	"pastelite/svc/api"
	"pastelite/svc/db"
	"pastelite/svc/svc"
	"pastelite/svc/util"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().
		Str("backend", c.StoreBackend).
		Bool("test_mode", c.TestMode).
		Strs("allowed_origins", c.AllowedOrigins).
		Msg("starting pastelite")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var provider seal.Provider
	if c.Seal.Provider != cfg.SealNone {
		provider, err = seal.NewProvider(ctx, c.Seal)
		if err != nil {
			util.Fatal().Err(err).Str("provider", c.Seal.Provider).Msg("failed to initialize seal provider")
			os.Exit(1)
		}
		util.Info().Str("provider", provider.Name()).Msg("seal provider initialized")
	}

	store, sqlDB, err := openStore(ctx, c, provider)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.StoreBackend).Msg("failed to initialize store")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("backend", c.StoreBackend).Msg("store initialized")

	var codec seal.Codec
	if provider != nil {
		sealer, err := seal.NewSealer(provider, c.Seal.KeyCacheSize, c.Seal.KeyCacheTTL)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize sealer")
			os.Exit(1)
		}
		defer sealer.Close()
		codec = sealer
		util.Info().Int("key_cache", c.Seal.KeyCacheSize).Msg("paste sealing enabled")
	}

	clk := clock.New(c.TestMode)
	if clk.TestMode() {
		util.Warn().Msg("TEST_MODE enabled, X-Test-Now-Ms overrides the clock")
	}
	pasteSvc := svc.NewPaste(store, clk, util.NewNanoID(), codec, svc.Opts{
		BaseURL:      c.BaseURL,
		MaxPasteSize: c.MaxPasteSize,
	})

	server, err := api.NewServer(c, pasteSvc, clk)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize server")
		os.Exit(1)
	}

	var workers sync.WaitGroup
	if sqlDB != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			sqlDB.RunWALMaintenance(ctx, c.WALCheckpointInterval)
		}()
		util.Info().Dur("interval", c.WALCheckpointInterval).Msg("WAL maintenance worker started")
	}
	if c.ReaperInterval > 0 {
		reaper := svc.NewReaper(store, clk, c.ReaperInterval, c.ReaperRetention)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := reaper.Run(ctx); err != nil {
				util.Error().Err(err).Msg("reaper stopped")
			}
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	cancel()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		util.Info().Msg("background workers stopped")
	case <-shutdownCtx.Done():
		util.Warn().Msg("background workers did not stop gracefully")
	}
	util.Info().Msg("Shutdown complete")
}

// openStore builds the configured backend. The SQLite handle is returned
// separately so the caller can run WAL maintenance on it.
func openStore(ctx context.Context, c *cfg.Cfg, provider seal.Provider) (db.Store, *db.SQLite, error) {
	switch c.StoreBackend {
	case cfg.BackendSQLite:
		s, err := db.NewSQLite(c.DatabaseURL, db.SQLiteOpts{
			Driver:       c.SQLiteDriver,
			MaxOpenConns: c.DBMaxOpenConns,
			MaxIdleConns: c.DBMaxIdleConns,
			QueryTimeout: c.StoreTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		util.Info().
			Str("dsn", util.RedactURL(c.DatabaseURL)).
			Str("driver", c.SQLiteDriver).
			Bool("remote", db.IsRemoteSQL(c.DatabaseURL)).
			Msg("sqlite store opened")
		return s, s, nil
	case cfg.BackendRedis:
		password := c.RedisPassword.Value()
		if c.RedisPasswordSecret != "" {
			if provider == nil {
				return nil, nil, errors.New("REDIS_PASSWORD_SECRET set without a seal provider")
			}
			secret, err := provider.Secret(ctx, c.RedisPasswordSecret)
			if err != nil {
				return nil, nil, errors.Wrap(err, "resolve redis password")
			}
			password = secret
		}
		r, err := db.NewRedis(db.RedisOpts{
			URL:      c.RedisURL,
			TLS:      c.RedisTLS,
			Username: c.RedisUsername,
			Password: password,
			Timeout:  c.StoreTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	case cfg.BackendBolt:
		b, err := db.NewBolt(c.BoltPath, c.StoreTimeout)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	case cfg.BackendMemory:
		util.Warn().Msg("memory store selected, pastes do not survive a restart")
		return db.NewMemory(), nil, nil
	}
	return nil, nil, errors.Errorf("unknown store backend %q", c.StoreBackend)
}

// healthcheck probes the local liveness endpoint for container health checks.
func healthcheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/api/healthz")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
