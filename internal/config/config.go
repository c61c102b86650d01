package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Peer service endpoints: REST base URL and WebSocket URL for the
	// persistent channel. Empty PEER_WS_URL disables the outbound dialer,
	// for deployments where only the peer dials in.
	PeerURL   string `mapstructure:"PEER_URL"`
	PeerWSURL string `mapstructure:"PEER_WS_URL"`

	// ServiceTokenSecret signs and verifies bearer tokens; both services
	// share it. ServiceToken is presented on outbound calls to the peer.
	ServiceTokenSecret string `mapstructure:"SERVICE_TOKEN_SECRET"`
	ServiceToken       string `mapstructure:"SERVICE_TOKEN"`

	AckTimeout           time.Duration `mapstructure:"ACK_TIMEOUT"`
	KeepAliveInterval    time.Duration `mapstructure:"KEEPALIVE_INTERVAL"`
	ReconnectMinInterval time.Duration `mapstructure:"RECONNECT_MIN_INTERVAL"`
	FallbackMaxAttempts  int           `mapstructure:"FALLBACK_MAX_ATTEMPTS"`
	FallbackBaseBackoff  time.Duration `mapstructure:"FALLBACK_BASE_BACKOFF"`
	ResyncInterval       time.Duration `mapstructure:"RESYNC_INTERVAL"`

	BreakerThreshold int           `mapstructure:"BREAKER_THRESHOLD"`
	BreakerRecovery  time.Duration `mapstructure:"BREAKER_RECOVERY"`
	CacheTTL         time.Duration `mapstructure:"CACHE_TTL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ACK_TIMEOUT", "5s")
	v.SetDefault("KEEPALIVE_INTERVAL", "30s")
	v.SetDefault("RECONNECT_MIN_INTERVAL", "10s")
	v.SetDefault("FALLBACK_MAX_ATTEMPTS", 3)
	v.SetDefault("FALLBACK_BASE_BACKOFF", "500ms")
	v.SetDefault("RESYNC_INTERVAL", "30s")
	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("BREAKER_RECOVERY", "30s")
	v.SetDefault("CACHE_TTL", "5m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"PEER_URL", "PEER_WS_URL", "SERVICE_TOKEN_SECRET", "SERVICE_TOKEN",
		"ACK_TIMEOUT", "KEEPALIVE_INTERVAL", "RECONNECT_MIN_INTERVAL",
		"FALLBACK_MAX_ATTEMPTS", "FALLBACK_BASE_BACKOFF", "RESYNC_INTERVAL",
		"BREAKER_THRESHOLD", "BREAKER_RECOVERY", "CACHE_TTL",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ServiceTokenSecret == "" {
		return nil, fmt.Errorf("SERVICE_TOKEN_SECRET is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}
