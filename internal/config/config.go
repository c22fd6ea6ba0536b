package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Port                     string
	AppEnv                   string
	AllowedOrigin            string
	StoreBackend             string
	DatabaseURL              string
	RedisURL                 string
	RedisKeyPrefix           string
	AuthSecret               string
	AccessTokenTTLMinutes    int
	SeedAdminPassword        string
	SeedDemoCatalog          bool
	LowStockThreshold        int
	DashboardCacheTTLSeconds int
	LoginRateLimit           int
}

// Load reads configuration from the environment, with an optional .env file
// in the working directory underneath it.
func Load() Config {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("REDIS_KEY_PREFIX", "shakerin:")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 720)
	v.SetDefault("SEED_DEMO_CATALOG", false)
	v.SetDefault("LOW_STOCK_THRESHOLD", 5)
	v.SetDefault("DASHBOARD_CACHE_TTL_SECONDS", 15)
	v.SetDefault("LOGIN_RATE_LIMIT", 5)

	// A missing .env is normal outside local development.
	_ = v.ReadInConfig()

	cfg := Config{
		Port:                     strings.TrimSpace(v.GetString("PORT")),
		AppEnv:                   strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV"))),
		AllowedOrigin:            strings.TrimSpace(v.GetString("ALLOWED_ORIGIN")),
		StoreBackend:             strings.ToLower(strings.TrimSpace(v.GetString("STORE_BACKEND"))),
		DatabaseURL:              strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisURL:                 strings.TrimSpace(v.GetString("REDIS_URL")),
		RedisKeyPrefix:           v.GetString("REDIS_KEY_PREFIX"),
		AuthSecret:               strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes:    positiveOr(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 720),
		SeedAdminPassword:        v.GetString("SEED_ADMIN_PASSWORD"),
		SeedDemoCatalog:          v.GetBool("SEED_DEMO_CATALOG"),
		LowStockThreshold:        positiveOr(v.GetInt("LOW_STOCK_THRESHOLD"), 5),
		DashboardCacheTTLSeconds: positiveOr(v.GetInt("DASHBOARD_CACHE_TTL_SECONDS"), 15),
		LoginRateLimit:           positiveOr(v.GetInt("LOGIN_RATE_LIMIT"), 5),
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) DashboardCacheTTL() time.Duration {
	return time.Duration(c.DashboardCacheTTLSeconds) * time.Second
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_BACKEND=postgres needs DATABASE_URL")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("STORE_BACKEND=redis needs REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q, want memory, postgres or redis", c.StoreBackend)
	}
	return nil
}

func positiveOr(value int, fallback int) int {
	if value < 1 {
		return fallback
	}
	return value
}
