package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/turtacn/keyagent/pkg/constants"
)

// LoadConfig loads the configuration from file and environment variables.
// An explicit configFile overrides the search path.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/" + constants.DefaultConfigDir)
		v.AddConfigPath("/etc/keyagent/")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("KEYAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.config_dir", "~/"+constants.DefaultConfigDir)
	v.SetDefault("agent.key_files", []string{})
	v.SetDefault("agent.watch_key_files", true)
	v.SetDefault("agent.require_online_for_local_keys", true)
	v.SetDefault("agent.socket_path", "~/"+constants.DefaultConfigDir+"/agent.sock")
	v.SetDefault("agent.remote_name", constants.DefaultRemoteName)
	v.SetDefault("agent.authorize_text", constants.DefaultAuthorizeText)
	v.SetDefault("agent.check_interval", constants.DefaultCheckInterval)
	v.SetDefault("agent.device_key_refresh", constants.DefaultDeviceKeyRefresh)

	v.SetDefault("gateway.hostname", constants.DefaultGatewayHostname)
	v.SetDefault("gateway.port", constants.DefaultGatewayPort)
	v.SetDefault("gateway.strict_tls", true)
	v.SetDefault("gateway.request_timeout", constants.DefaultRequestTimeout)
	v.SetDefault("gateway.sign_rate_per_minute", 30)
	v.SetDefault("gateway.sign_burst", 5)

	v.SetDefault("team.enabled", false)
	v.SetDefault("team.hostname", "")
	v.SetDefault("team.port", 443)
	v.SetDefault("team.strict_tls", true)
	v.SetDefault("team.request_timeout", "30s")
	v.SetDefault("team.probe_concurrency", constants.DefaultProbeConcurrency)

	v.SetDefault("rotation.key_dir", "~/.ssh")
	v.SetDefault("rotation.passphrase", "")
	v.SetDefault("rotation.expiry_window", constants.ExpiryWarningWindow)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.encryption_secret", "")

	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", constants.DeviceStateSecretPath)

	v.SetDefault("cache.ttl", constants.DefaultDeviceKeyCacheTTL)
	v.SetDefault("cache.use_redis", false)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "keyagent:devicekeys:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stderr")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen_addr", "127.0.0.1:7623")
	v.SetDefault("api.enable_pprof", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.service_name", "keyagent")
	v.SetDefault("tracing.environment", "desktop")
	v.SetDefault("tracing.sampling_rate", 1.0)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.brokers", []string{})
	v.SetDefault("audit.topic", "keyagent.key-lifecycle")
	v.SetDefault("audit.write_timeout", "10s")
}
