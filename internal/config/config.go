package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Approval ApprovalConfig `mapstructure:"approval" yaml:"approval"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox" yaml:"mailbox"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Worker   WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	Agents   AgentsConfig   `mapstructure:"agents" yaml:"agents"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `mapstructure:"host" yaml:"host"`
	Port            int      `mapstructure:"port" yaml:"port"`
	CORSOrigins     []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ApprovalConfig configures the plan approval gate.
type ApprovalConfig struct {
	PollInterval   string `mapstructure:"poll_interval" yaml:"poll_interval"`
	Timeout        string `mapstructure:"timeout" yaml:"timeout"`
	MaxRevisions   int    `mapstructure:"max_revisions" yaml:"max_revisions"`
	KeepaliveEvery int    `mapstructure:"keepalive_every" yaml:"keepalive_every"`
	KeyPrefix      string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// MailboxConfig selects and configures the feedback mailbox backend.
type MailboxConfig struct {
	Backend    string   `mapstructure:"backend" yaml:"backend"`
	Path       string   `mapstructure:"path" yaml:"path"`
	Dir        string   `mapstructure:"dir" yaml:"dir"`
	RedisAddrs []string `mapstructure:"redis_addrs" yaml:"redis_addrs"`
	RedisDB    int      `mapstructure:"redis_db" yaml:"redis_db"`
	S3Bucket   string   `mapstructure:"s3_bucket" yaml:"s3_bucket"`
	S3Region   string   `mapstructure:"s3_region" yaml:"s3_region"`
	S3Endpoint string   `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`
	S3Profile  string   `mapstructure:"s3_profile" yaml:"s3_profile"`
	// Static credentials; when empty the default AWS chain is used.
	S3AccessKeyID     string `mapstructure:"s3_access_key_id" yaml:"-"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key" yaml:"-"`
}

// SessionConfig configures remote execution sessions.
type SessionConfig struct {
	Provisioner      string   `mapstructure:"provisioner" yaml:"provisioner"`
	IdleThreshold    string   `mapstructure:"idle_threshold" yaml:"idle_threshold"`
	ReapInterval     string   `mapstructure:"reap_interval" yaml:"reap_interval"`
	ProvisionCeiling string   `mapstructure:"provision_ceiling" yaml:"provision_ceiling"`
	ProbeInterval    string   `mapstructure:"probe_interval" yaml:"probe_interval"`
	ExecuteTimeout   string   `mapstructure:"execute_timeout" yaml:"execute_timeout"`
	RetryAttempts    int      `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	StaticWorkers    []string `mapstructure:"static_workers" yaml:"static_workers"`
	DockerImage      string   `mapstructure:"docker_image" yaml:"docker_image"`
	DockerPort       int      `mapstructure:"docker_port" yaml:"docker_port"`
	ProcessCommand   []string `mapstructure:"process_command" yaml:"process_command"`
}

// WorkerConfig configures the HTTP client used to reach workers.
type WorkerConfig struct {
	RequestTimeout string `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// AgentsConfig configures the agent step provider.
type AgentsConfig struct {
	Provider          string  `mapstructure:"provider" yaml:"provider"`
	Model             string  `mapstructure:"model" yaml:"model"`
	BaseURL           string  `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string  `mapstructure:"api_key" yaml:"-"`
	Temperature       float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxToolIterations int     `mapstructure:"max_tool_iterations" yaml:"max_tool_iterations"`
}

// StoreConfig configures request persistence.
type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	Retention string `mapstructure:"retention" yaml:"retention"`
}

// Addr returns host:port for the HTTP listener.
func (c ServerConfig) Addr() string {
	return joinHostPort(c.Host, c.Port)
}

// ShutdownTimeoutDuration parses ShutdownTimeout.
func (c ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(c.ShutdownTimeout, 10*time.Second)
}

// PollIntervalDuration parses PollInterval.
func (c ApprovalConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, 3*time.Second)
}

// TimeoutDuration parses Timeout.
func (c ApprovalConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 300*time.Second)
}

// IdleThresholdDuration parses IdleThreshold.
func (c SessionConfig) IdleThresholdDuration() time.Duration {
	return parseDuration(c.IdleThreshold, 10*time.Minute)
}

// ReapIntervalDuration parses ReapInterval.
func (c SessionConfig) ReapIntervalDuration() time.Duration {
	return parseDuration(c.ReapInterval, time.Minute)
}

// ProvisionCeilingDuration parses ProvisionCeiling.
func (c SessionConfig) ProvisionCeilingDuration() time.Duration {
	return parseDuration(c.ProvisionCeiling, time.Minute)
}

// ProbeIntervalDuration parses ProbeInterval.
func (c SessionConfig) ProbeIntervalDuration() time.Duration {
	return parseDuration(c.ProbeInterval, 2*time.Second)
}

// ExecuteTimeoutDuration parses ExecuteTimeout.
func (c SessionConfig) ExecuteTimeoutDuration() time.Duration {
	return parseDuration(c.ExecuteTimeout, 300*time.Second)
}

// RequestTimeoutDuration parses RequestTimeout.
func (c WorkerConfig) RequestTimeoutDuration() time.Duration {
	return parseDuration(c.RequestTimeout, 30*time.Second)
}

// RetentionDuration parses Retention.
func (c EventsConfig) RetentionDuration() time.Duration {
	return parseDuration(c.Retention, 10*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
