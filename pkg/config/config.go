package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// Empty means the hostname.
		InstanceID string `yaml:"instance_id"`
	} `yaml:"server"`

	Signal struct {
		Path             string        `yaml:"path"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		SendBufferSize   int           `yaml:"send_buffer_size"`
		RequireToken     bool          `yaml:"require_token"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	} `yaml:"signal"`

	Presence struct {
		SystemNotices bool `yaml:"system_notices"`
		MaxChatLength int  `yaml:"max_chat_length"`
		// 0 means unlimited.
		MaxParticipants int `yaml:"max_participants"`
	} `yaml:"presence"`

	Mesh struct {
		ServerURL          string        `yaml:"server_url"`
		DialDelay          time.Duration `yaml:"dial_delay"`
		StreamRetryDelay   time.Duration `yaml:"stream_retry_delay"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		SweepInterval      time.Duration `yaml:"sweep_interval"`
		ReconnectAttempts  int           `yaml:"reconnect_attempts"`
		ICEServers         []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"mesh"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		Password        string        `yaml:"password"`
		DB              int           `yaml:"db"`
		PoolSize        int           `yaml:"pool_size"`
		MinIdleConns    int           `yaml:"min_idle_conns"`
		DialTimeout     time.Duration `yaml:"dial_timeout"`
		OpTimeout       time.Duration `yaml:"op_timeout"`
		KeyPrefix       string        `yaml:"key_prefix"`
		PresenceChannel string        `yaml:"presence_channel"`
		DirectoryTTL    time.Duration `yaml:"directory_ttl"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		DevTokens      bool          `yaml:"dev_tokens"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	// Presence
	if c.Presence.MaxChatLength <= 0 {
		return fmt.Errorf("presence.max_chat_length must be > 0")
	}
	if c.Presence.MaxParticipants < 0 {
		return fmt.Errorf("presence.max_participants must be >= 0")
	}

	// Mesh
	if c.Mesh.DialDelay < 0 {
		return fmt.Errorf("mesh.dial_delay must be >= 0")
	}
	if c.Mesh.StreamRetryDelay <= 0 {
		return fmt.Errorf("mesh.stream_retry_delay must be > 0")
	}
	if c.Mesh.NegotiationTimeout < 0 {
		return fmt.Errorf("mesh.negotiation_timeout must be >= 0")
	}
	if c.Mesh.SweepInterval <= 0 {
		return fmt.Errorf("mesh.sweep_interval must be > 0")
	}
	if c.Mesh.ReconnectAttempts < 0 {
		return fmt.Errorf("mesh.reconnect_attempts must be >= 0")
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.PresenceChannel == "" {
			return fmt.Errorf("redis.presence_channel must not be empty when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBufferSize = 256
	cfg.Signal.HandshakeTimeout = 10 * time.Second

	cfg.Presence.SystemNotices = true
	cfg.Presence.MaxChatLength = 500

	cfg.Mesh.ServerURL = "ws://localhost:8080/ws"
	cfg.Mesh.DialDelay = time.Second
	cfg.Mesh.StreamRetryDelay = time.Second
	cfg.Mesh.NegotiationTimeout = 30 * time.Second
	cfg.Mesh.SweepInterval = 5 * time.Second
	cfg.Mesh.ReconnectAttempts = 5

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 2
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.OpTimeout = 3 * time.Second
	cfg.Redis.KeyPrefix = "meshroom:"
	cfg.Redis.PresenceChannel = "meshroom:presence"
	cfg.Redis.DirectoryTTL = 10 * time.Minute

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}
	cfg.Auth.DevTokens = true

	// Rate limiting is disabled by default, the message size cap is not.
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHROOM_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if id := os.Getenv("MESHROOM_INSTANCE_ID"); id != "" {
		c.Server.InstanceID = id
	}
	if url := os.Getenv("MESHROOM_SERVER_URL"); url != "" {
		c.Mesh.ServerURL = url
	}
	if level := os.Getenv("MESHROOM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MESHROOM_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("MESHROOM_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("MESHROOM_SYSTEM_NOTICES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Presence.SystemNotices = b
		}
	}
	if v := os.Getenv("MESHROOM_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
}
