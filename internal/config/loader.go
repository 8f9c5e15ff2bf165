package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "DEEPINSIGHT"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: envPrefix,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: envPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (DEEPINSIGHT_*)
// 3. Project config (.deepinsight/config.yaml)
// 4. User config (~/.config/deepinsight/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".deepinsight")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "deepinsight"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("server.host", "localhost")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.cors_origins", []string{"*"})
	l.v.SetDefault("server.shutdown_timeout", "10s")

	l.v.SetDefault("approval.poll_interval", "3s")
	l.v.SetDefault("approval.timeout", "300s")
	l.v.SetDefault("approval.max_revisions", 10)
	l.v.SetDefault("approval.keepalive_every", 2)
	l.v.SetDefault("approval.key_prefix", "deep-insight")

	l.v.SetDefault("mailbox.backend", "memory")
	l.v.SetDefault("mailbox.path", ".deepinsight/mailbox.db")
	l.v.SetDefault("mailbox.dir", ".deepinsight/mailbox")
	l.v.SetDefault("mailbox.redis_addrs", []string{"localhost:6379"})
	l.v.SetDefault("mailbox.redis_db", 0)
	l.v.SetDefault("mailbox.s3_bucket", "")
	l.v.SetDefault("mailbox.s3_region", "us-east-1")
	l.v.SetDefault("mailbox.s3_endpoint", "")
	l.v.SetDefault("mailbox.s3_profile", "")
	l.v.SetDefault("mailbox.s3_access_key_id", "")
	l.v.SetDefault("mailbox.s3_secret_access_key", "")

	l.v.SetDefault("session.provisioner", "static")
	l.v.SetDefault("session.idle_threshold", "10m")
	l.v.SetDefault("session.reap_interval", "1m")
	l.v.SetDefault("session.provision_ceiling", "60s")
	l.v.SetDefault("session.probe_interval", "2s")
	l.v.SetDefault("session.execute_timeout", "300s")
	l.v.SetDefault("session.retry_attempts", 3)
	l.v.SetDefault("session.static_workers", []string{"http://localhost:8000"})
	l.v.SetDefault("session.docker_image", "")
	l.v.SetDefault("session.docker_port", 8000)
	l.v.SetDefault("session.process_command", []string{})

	l.v.SetDefault("worker.request_timeout", "30s")

	l.v.SetDefault("agents.provider", "scripted")
	l.v.SetDefault("agents.model", "")
	l.v.SetDefault("agents.base_url", "")
	l.v.SetDefault("agents.api_key", "")
	l.v.SetDefault("agents.temperature", 0.2)
	l.v.SetDefault("agents.max_tool_iterations", 8)

	l.v.SetDefault("store.backend", "memory")
	l.v.SetDefault("store.path", ".deepinsight/requests.db")

	l.v.SetDefault("events.retention", "10m")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
