package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/utils"
)

// Config holds the agent's configuration.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Team     TeamConfig     `mapstructure:"team"`
	Rotation RotationConfig `mapstructure:"rotation"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	API      APIConfig      `mapstructure:"api"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// AgentConfig controls the local key agent.
type AgentConfig struct {
	ConfigDir string `mapstructure:"config_dir"`
	// KeyFiles are private key files loaded into the local store at startup.
	KeyFiles      []string `mapstructure:"key_files"`
	WatchKeyFiles bool     `mapstructure:"watch_key_files"`
	// RequireOnlineForLocalKeys refuses local signing while the gateway is unreachable.
	RequireOnlineForLocalKeys bool          `mapstructure:"require_online_for_local_keys"`
	SocketPath                string        `mapstructure:"socket_path"`
	RemoteName                string        `mapstructure:"remote_name"`
	AuthorizeText             string        `mapstructure:"authorize_text"`
	CheckInterval             time.Duration `mapstructure:"check_interval"`
	DeviceKeyRefresh          time.Duration `mapstructure:"device_key_refresh"`
}

// GatewayConfig is the pairing gateway used for first authorization.
type GatewayConfig struct {
	Hostname          string        `mapstructure:"hostname"`
	Port              int           `mapstructure:"port"`
	StrictTLS         bool          `mapstructure:"strict_tls"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	SignRatePerMinute int           `mapstructure:"sign_rate_per_minute"`
	SignBurst         int           `mapstructure:"sign_burst"`
}

// TeamConfig is the key-management domain.
type TeamConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Hostname         string        `mapstructure:"hostname"`
	Port             int           `mapstructure:"port"`
	StrictTLS        bool          `mapstructure:"strict_tls"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency"`
}

// RotationConfig controls where rotated keys are written.
type RotationConfig struct {
	KeyDir       string        `mapstructure:"key_dir"`
	Passphrase   string        `mapstructure:"passphrase"`
	ExpiryWindow time.Duration `mapstructure:"expiry_window"`
}

// StorageConfig selects the device-state backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // sqlite | vault
	Path    string `mapstructure:"path"`
	// EncryptionSecret enables at-rest encryption of the device key and token.
	EncryptionSecret string `mapstructure:"encryption_secret"`
}

type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	MountPath  string `mapstructure:"mount_path"`
	SecretPath string `mapstructure:"secret_path"`
}

// CacheConfig controls the device-key cache.
type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	UseRedis bool          `mapstructure:"use_redis"`
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// APIConfig is the loopback control API.
type APIConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ListenAddr  string `mapstructure:"listen_addr"`
	EnablePprof bool   `mapstructure:"enable_pprof"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	Environment    string  `mapstructure:"environment"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// AuditConfig configures the optional Kafka key-lifecycle sink.
type AuditConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Gateway.Hostname == "" {
		return errors.ErrInvalidRequest("gateway.hostname is required")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return errors.ErrInvalidRequest(fmt.Sprintf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Gateway.RequestTimeout <= 0 {
		return errors.ErrInvalidRequest("gateway.request_timeout must be positive")
	}
	if c.Team.Enabled && c.Team.Hostname == "" {
		return errors.ErrInvalidRequest("team.hostname is required when team sync is enabled")
	}
	switch c.Storage.Backend {
	case "sqlite":
	case "vault":
		if c.Vault.Address == "" {
			return errors.ErrInvalidRequest("vault.address is required for the vault storage backend")
		}
	default:
		return errors.ErrInvalidRequest(fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Cache.UseRedis && c.Redis.Address == "" {
		return errors.ErrInvalidRequest("redis.address is required when cache.use_redis is set")
	}
	if c.Audit.Enabled && (len(c.Audit.Brokers) == 0 || c.Audit.Topic == "") {
		return errors.ErrInvalidRequest("audit.brokers and audit.topic are required when audit is enabled")
	}
	return nil
}

// StateDir returns the expanded per-user state directory.
func (c *Config) StateDir() string {
	return utils.ExpandHome(c.Agent.ConfigDir)
}

// DatabasePath returns the sqlite path, defaulting into the state directory.
func (c *Config) DatabasePath() string {
	if c.Storage.Path != "" {
		return utils.ExpandHome(c.Storage.Path)
	}
	return filepath.Join(c.StateDir(), "agent.db")
}
