package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"shakerin/backend/internal/cache"
	"shakerin/backend/internal/config"
	"shakerin/backend/internal/httpapi"
	"shakerin/backend/internal/report"
	"shakerin/backend/internal/service"
	"shakerin/backend/internal/store"
	"shakerin/backend/internal/store/kv"
	"shakerin/backend/internal/store/memory"
	pgstore "shakerin/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using process environment")
	}

	cfg := config.Load()
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("repository unavailable")
	}

	dashboardCache := cache.DashboardCache(cache.NoopDashboardCache{})
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisDashboardCache(cfg.RedisURL, cfg.RedisKeyPrefix)
		if err == nil {
			err = redisCache.Ping(ctx)
		}
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, dashboard cache disabled")
		} else {
			dashboardCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info().Msg("cache: redis")
		}
	} else {
		log.Info().Msg("cache: noop")
	}

	reports := report.NewEngine(dashboardCache, cfg.DashboardCacheTTL(), cfg.LowStockThreshold)
	svc := service.New(repo, reports)
	if err := svc.EnsureSeedAdmin(ctx, cfg.SeedAdminPassword); err != nil {
		log.Fatal().Err(err).Msg("seed admin account")
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), svc)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.LoginRateLimit)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Str("backend", cfg.StoreBackend).Msg("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// openRepository connects the configured backend. A backend that is
// configured but unreachable is fatal; there is no silent fallback to memory.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, []func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("repository: postgres")
		return pg, []func() error{pg.Close}, nil
	case config.BackendRedis:
		kvStore, err := kv.New(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("repository: redis")
		return kvStore, []func() error{kvStore.Close}, nil
	default:
		log.Info().Bool("demo_catalog", cfg.SeedDemoCatalog).Msg("repository: in-memory")
		if cfg.SeedDemoCatalog {
			return memory.NewSeeded(), nil, nil
		}
		return memory.New(), nil, nil
	}
}

var weakPasswords = map[string]bool{
	"admin": true, "admin123": true, "password": true, "password1": true,
	"12345678": true, "123456789": true, "qwerty123": true, "changeme": true,
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if !cfg.IsProduction() {
		return nil
	}
	if err := validatePasswordStrength(cfg.SeedAdminPassword); err != nil {
		return fmt.Errorf("SEED_ADMIN_PASSWORD is too weak: %w", err)
	}
	return nil
}

// validatePasswordStrength rejects short passwords, a single repeated
// character and entries from a known-weak list.
func validatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("at least 8 characters required")
	}
	if weakPasswords[strings.ToLower(password)] {
		return fmt.Errorf("common password not allowed")
	}
	if strings.Count(password, password[:1]) == len(password) {
		return fmt.Errorf("repeated-character password not allowed")
	}
	return nil
}
