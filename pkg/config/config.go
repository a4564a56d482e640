package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Channel struct {
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
		ReconnectAttempts int           `yaml:"reconnect_attempts"`
		ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
		MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	} `yaml:"channel"`

	Call struct {
		ConnectingTimeout time.Duration `yaml:"connecting_timeout"`
	} `yaml:"call"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Enabled   bool   `yaml:"enabled"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled             bool    `yaml:"enabled"`
		MessagesPerSecond   float64 `yaml:"messages_per_second"`
		Burst               int     `yaml:"burst"`
		MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	if c.Channel.ConnectTimeout <= 0 {
		return fmt.Errorf("channel.connect_timeout must be > 0")
	}
	if c.Channel.ReconnectAttempts < 0 {
		return fmt.Errorf("channel.reconnect_attempts must be >= 0")
	}
	if c.Channel.ReconnectDelay <= 0 {
		return fmt.Errorf("channel.reconnect_delay must be > 0")
	}
	if c.Channel.MaxReconnectDelay < c.Channel.ReconnectDelay {
		return fmt.Errorf("channel.max_reconnect_delay must be >= channel.reconnect_delay")
	}

	if c.Call.ConnectingTimeout <= 0 {
		return fmt.Errorf("call.connecting_timeout must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name must not be empty when tracing.enabled=true")
		}
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.max_message_size_bytes must be >= 0")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file is not an error: defaults are used.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Channel.ConnectTimeout = 10 * time.Second
	cfg.Channel.ReconnectAttempts = 5
	cfg.Channel.ReconnectDelay = 500 * time.Millisecond
	cfg.Channel.MaxReconnectDelay = 10 * time.Second

	cfg.Call.ConnectingTimeout = 45 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "popya-signal"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.MessagesPerSecond = 50
	cfg.RateLimiting.Burst = 100
	cfg.RateLimiting.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("POPYA_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("POPYA_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("POPYA_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if secret := os.Getenv("POPYA_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
