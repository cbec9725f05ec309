// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret or API key pepper.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Relay     RelayConfig     `json:"relay,omitempty"`
	Session   SessionConfig   `json:"session,omitempty"`
	Alerts    AlertsConfig    `json:"alerts,omitempty"`
	PubSub    PubSubConfig    `json:"pubsub,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWKSIssuer   string        `json:"jwks_issuer,omitempty"`
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	KeyPepper    string        `json:"key_pepper"` // server-side secret mixed into API key digests
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver          string   `json:"driver"`                     // "sqlite" (default) or "postgres"
	DSN             string   `json:"dsn"`                        // e.g. "sessionforge.db" or ":memory:"
	OutputRetention Duration `json:"output_retention,omitempty"` // stored session output retention
	AuditRetention  Duration `json:"audit_retention,omitempty"`  // audit event retention; defaults to OutputRetention
}

// RelayConfig defines WebSocket relay behavior.
type RelayConfig struct {
	MaxAgentMsgBytes   int64    `json:"max_agent_msg_bytes,omitempty"`   // default 1MB
	MaxBrowserMsgBytes int64    `json:"max_browser_msg_bytes,omitempty"` // default 64KB
	OutboundQueueSize  int      `json:"outbound_queue_size,omitempty"`   // per-connection; default 256
	MaxBrowserConns    int      `json:"max_browser_conns,omitempty"`     // per user; default 10
	PingInterval       Duration `json:"ping_interval,omitempty"`         // default 30s
	PongTimeout        Duration `json:"pong_timeout,omitempty"`          // default 2x ping interval
}

// SessionConfig defines session behavior.
type SessionConfig struct {
	MaxPerUser  int      `json:"max_per_user,omitempty"` // active sessions per user; 0 = unlimited
	IdleTimeout Duration `json:"idle_timeout,omitempty"` // optimistic stop for idle sessions; 0 disables
}

// AlertsConfig defines machine metric alert thresholds. A zero threshold
// disables that alert.
type AlertsConfig struct {
	CPUPercent    float64  `json:"cpu_percent,omitempty"`
	MemoryPercent float64  `json:"memory_percent,omitempty"`
	DiskPercent   float64  `json:"disk_percent,omitempty"`
	Cooldown      Duration `json:"cooldown,omitempty"` // per machine+metric; default 5m
}

// PubSubConfig selects the event fan-out backend.
type PubSubConfig struct {
	Backend       string `json:"backend,omitempty"` // "memory" (default) or "redis"
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.KeyPepper == "" {
		return fmt.Errorf("auth.key_pepper is required")
	}
	if len(c.Auth.KeyPepper) < 32 {
		return fmt.Errorf("auth.key_pepper must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.KeyPepper] {
		return fmt.Errorf("auth.key_pepper is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	if c.PubSub.Backend == "redis" && c.PubSub.RedisAddr == "" {
		return fmt.Errorf("pubsub.redis_addr is required when backend is redis")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "sessionforge.db"
	}
	if c.Storage.OutputRetention.Duration == 0 {
		c.Storage.OutputRetention.Duration = 7 * 24 * time.Hour
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour
	}
	if c.Relay.MaxAgentMsgBytes == 0 {
		c.Relay.MaxAgentMsgBytes = 1024 * 1024 // 1MB
	}
	if c.Relay.MaxBrowserMsgBytes == 0 {
		c.Relay.MaxBrowserMsgBytes = 64 * 1024 // 64KB
	}
	if c.Relay.OutboundQueueSize == 0 {
		c.Relay.OutboundQueueSize = 256
	}
	if c.Relay.MaxBrowserConns == 0 {
		c.Relay.MaxBrowserConns = 10
	}
	if c.Relay.PingInterval.Duration == 0 {
		c.Relay.PingInterval.Duration = 30 * time.Second
	}
	if c.Relay.PongTimeout.Duration == 0 {
		c.Relay.PongTimeout.Duration = 2 * c.Relay.PingInterval.Duration
	}
	if c.PubSub.Backend == "" {
		c.PubSub.Backend = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}
