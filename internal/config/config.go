package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	GRPC     GRPCConfig
	DB       DatabaseConfig
	Logging  LoggingConfig
	Dispatch DispatchConfig
	Registry RegistryConfig
	Feed     FeedConfig
	Audit    AuditConfig
	Devices  DevicesConfig
	Redis    RedisConfig
	Tracing  TracingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	RateLimitRPS int
	CORSOrigins  []string
}

type GRPCConfig struct {
	Port int
}

type DatabaseConfig struct {
	Path string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type DispatchConfig struct {
	Timeout        time.Duration
	MaxConcurrency int
	AlertPath      string
}

type RegistryConfig struct {
	HeartbeatWindow time.Duration
	SweepInterval   time.Duration
}

type FeedConfig struct {
	Limit          int
	RefreshTimeout time.Duration
}

type AuditConfig struct {
	Workers    int
	BufferSize int
}

type DevicesConfig struct {
	Timeout time.Duration
}

// RedisConfig enables the cross-instance change relay when Addr is set.
type RedisConfig struct {
	Addr    string
	Channel string
}

type TracingConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "localhost"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			RateLimitRPS: getEnvInt("RATE_LIMIT_RPS", 20),
			CORSOrigins:  getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		GRPC: GRPCConfig{
			Port: getEnvInt("GRPC_PORT", 50051),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/lab-alerts.db"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Dispatch: DispatchConfig{
			Timeout:        getEnvDuration("DISPATCH_TIMEOUT", 4*time.Second),
			MaxConcurrency: getEnvInt("DISPATCH_MAX_CONCURRENCY", 32),
			AlertPath:      getEnv("RECEIVER_ALERT_PATH", "/alert"),
		},
		Registry: RegistryConfig{
			HeartbeatWindow: getEnvDuration("HEARTBEAT_WINDOW", 45*time.Second),
			SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 15*time.Second),
		},
		Feed: FeedConfig{
			Limit:          getEnvInt("FEED_LIMIT", 50),
			RefreshTimeout: getEnvDuration("FEED_REFRESH_TIMEOUT", 5*time.Second),
		},
		Audit: AuditConfig{
			Workers:    getEnvInt("AUDIT_WORKERS", 2),
			BufferSize: getEnvInt("AUDIT_BUFFER", 64),
		},
		Devices: DevicesConfig{
			Timeout: getEnvDuration("DEVICE_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:    getEnv("REDIS_ADDR", ""),
			Channel: getEnv("REDIS_CHANNEL", "lab-alerts:changes"),
		},
		Tracing: TracingConfig{
			Enabled: getEnvBool("TRACING_ENABLED", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.GRPC.Port < 1 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid grpc port: %d", c.GRPC.Port)
	}
	if c.Server.RateLimitRPS < 1 {
		return fmt.Errorf("rate limit must be at least 1 request per second")
	}

	if err := validateLogging(c.Logging); err != nil {
		return err
	}

	if c.Dispatch.Timeout < time.Second || c.Dispatch.Timeout > 30*time.Second {
		return fmt.Errorf("dispatch timeout must be between 1s and 30s, got %s", c.Dispatch.Timeout)
	}
	if c.Dispatch.MaxConcurrency < 1 {
		return fmt.Errorf("dispatch concurrency must be at least 1")
	}
	if !strings.HasPrefix(c.Dispatch.AlertPath, "/") {
		return fmt.Errorf("receiver alert path must start with /: %s", c.Dispatch.AlertPath)
	}

	if c.Registry.HeartbeatWindow < 5*time.Second {
		return fmt.Errorf("heartbeat window must be at least 5s")
	}
	if c.Registry.SweepInterval < time.Second {
		return fmt.Errorf("sweep interval must be at least 1s")
	}

	if c.Feed.Limit < 1 || c.Feed.Limit > 500 {
		return fmt.Errorf("feed limit must be between 1 and 500, got %d", c.Feed.Limit)
	}
	if c.Feed.RefreshTimeout <= 0 {
		return fmt.Errorf("feed refresh timeout must be positive")
	}

	if c.Audit.Workers < 1 || c.Audit.BufferSize < 0 {
		return fmt.Errorf("invalid audit pool size: %d workers, %d buffer", c.Audit.Workers, c.Audit.BufferSize)
	}
	if c.Devices.Timeout <= 0 {
		return fmt.Errorf("device timeout must be positive")
	}

	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("invalid log format: %s", l.Format)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
