package config

import (
	"fmt"
	"net/url"
	"time"
)

// ReceiverConfig configures the standalone alert receiver.
type ReceiverConfig struct {
	Name              string
	Host              string
	Port              int
	AdvertiseAddr     string
	HubURL            string
	HeartbeatInterval time.Duration
	History           int
	Logging           LoggingConfig
}

func LoadReceiver() (*ReceiverConfig, error) {
	cfg := &ReceiverConfig{
		Name:              getEnv("RECEIVER_NAME", ""),
		Host:              getEnv("RECEIVER_HOST", "0.0.0.0"),
		Port:              getEnvInt("RECEIVER_PORT", 8080),
		AdvertiseAddr:     getEnv("RECEIVER_ADVERTISE_ADDR", "127.0.0.1"),
		HubURL:            getEnv("HUB_URL", "http://localhost:8080"),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 20*time.Second),
		History:           getEnvInt("RECEIVER_HISTORY", 50),
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ReceiverConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("RECEIVER_NAME is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid receiver port: %d", c.Port)
	}
	if c.AdvertiseAddr == "" {
		return fmt.Errorf("advertise address is required")
	}
	u, err := url.Parse(c.HubURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid hub url: %s", c.HubURL)
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("heartbeat interval must be at least 1s")
	}
	if c.History < 1 {
		return fmt.Errorf("receiver history must be at least 1")
	}
	return validateLogging(c.Logging)
}
