// Package config loads server configuration from an optional YAML file with
// environment-variable overrides. Every knob has a usable default so a bare
// binary starts against the in-memory store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Backend is one of memory, remote, postgres.
	Backend          string        `yaml:"backend"`
	URL              string        `yaml:"url"`
	ServiceKey       string        `yaml:"service_key"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	PostgresDSN      string        `yaml:"postgres_dsn"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Channel       string        `yaml:"channel"`
}

type JobsConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend:          "memory",
			Timeout:          10 * time.Second,
			MaxAttempts:      3,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Cache: CacheConfig{
			TTL: 30 * time.Second,
		},
		Jobs: JobsConfig{
			PollInterval:      5 * time.Second,
			SweepInterval:     time.Minute,
			ReconcileSchedule: "0 * * * *",
		},
		RateLimit: RateLimitConfig{
			RPS:   20,
			Burst: 40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the config file at path (optional) and applies environment
// overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "remote":
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the remote backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "ECONOMY_SERVER_ADDR")
	setString(&cfg.Store.Backend, "ECONOMY_STORE_BACKEND")
	setString(&cfg.Store.URL, "ECONOMY_STORE_URL")
	setString(&cfg.Store.ServiceKey, "ECONOMY_STORE_SERVICE_KEY")
	setString(&cfg.Store.PostgresDSN, "ECONOMY_POSTGRES_DSN")
	setString(&cfg.Cache.RedisAddr, "ECONOMY_REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "ECONOMY_REDIS_PASSWORD")
	setString(&cfg.Cache.Channel, "ECONOMY_CACHE_CHANNEL")
	setString(&cfg.Auth.JWTSecret, "ECONOMY_JWT_SECRET")
	setString(&cfg.Jobs.ReconcileSchedule, "ECONOMY_RECONCILE_SCHEDULE")
	setString(&cfg.Log.Level, "ECONOMY_LOG_LEVEL")
	setString(&cfg.Log.Format, "ECONOMY_LOG_FORMAT")

	setDuration(&cfg.Cache.TTL, "ECONOMY_CACHE_TTL")
	setDuration(&cfg.Jobs.SweepInterval, "ECONOMY_SWEEP_INTERVAL")
	setDuration(&cfg.Jobs.PollInterval, "ECONOMY_JOB_POLL_INTERVAL")
	setDuration(&cfg.Store.Timeout, "ECONOMY_STORE_TIMEOUT")

	setInt(&cfg.Cache.RedisDB, "ECONOMY_REDIS_DB")
	setInt(&cfg.Store.MaxAttempts, "ECONOMY_STORE_MAX_ATTEMPTS")
	setFloat(&cfg.RateLimit.RPS, "ECONOMY_RATE_LIMIT_RPS")
	setInt(&cfg.RateLimit.Burst, "ECONOMY_RATE_LIMIT_BURST")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
