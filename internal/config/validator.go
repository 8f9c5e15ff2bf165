package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateServer(&cfg.Server)
	v.validateApproval(&cfg.Approval)
	v.validateMailbox(&cfg.Mailbox)
	v.validateSession(&cfg.Session)
	v.validateDuration("worker.request_timeout", cfg.Worker.RequestTimeout)
	v.validateAgents(&cfg.Agents)
	v.validateStore(&cfg.Store)
	v.validateDuration("events.retention", cfg.Events.Retention)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateOneOf(field, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.addError(field, value, "must be one of: "+strings.Join(allowed, ", "))
}

func (v *Validator) validateDuration(field, value string) {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return
	}
	if d <= 0 {
		v.addError(field, value, "must be positive")
	}
}

func (v *Validator) validateLog(cfg *LogConfig) {
	v.validateOneOf("log.level", cfg.Level, "debug", "info", "warn", "error")
	v.validateOneOf("log.format", cfg.Format, "auto", "text", "json")
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 0 and 65535")
	}
	v.validateDuration("server.shutdown_timeout", cfg.ShutdownTimeout)
}

func (v *Validator) validateApproval(cfg *ApprovalConfig) {
	v.validateDuration("approval.poll_interval", cfg.PollInterval)
	v.validateDuration("approval.timeout", cfg.Timeout)

	if cfg.MaxRevisions < 0 {
		v.addError("approval.max_revisions", cfg.MaxRevisions, "must be non-negative")
	}
	if cfg.KeepaliveEvery < 1 {
		v.addError("approval.keepalive_every", cfg.KeepaliveEvery, "must be at least 1")
	}
	if cfg.KeyPrefix == "" || strings.HasSuffix(cfg.KeyPrefix, "/") {
		v.addError("approval.key_prefix", cfg.KeyPrefix, "must be non-empty without a trailing slash")
	}
}

func (v *Validator) validateMailbox(cfg *MailboxConfig) {
	v.validateOneOf("mailbox.backend", cfg.Backend, "memory", "sqlite", "redis", "s3", "file")

	switch cfg.Backend {
	case "sqlite":
		if cfg.Path == "" {
			v.addError("mailbox.path", cfg.Path, "required for sqlite backend")
		}
	case "file":
		if cfg.Dir == "" {
			v.addError("mailbox.dir", cfg.Dir, "required for file backend")
		}
	case "redis":
		if len(cfg.RedisAddrs) == 0 {
			v.addError("mailbox.redis_addrs", cfg.RedisAddrs, "at least one address required")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			v.addError("mailbox.s3_bucket", cfg.S3Bucket, "required for s3 backend")
		}
	}
}

func (v *Validator) validateSession(cfg *SessionConfig) {
	v.validateOneOf("session.provisioner", cfg.Provisioner, "static", "docker", "process")
	v.validateDuration("session.idle_threshold", cfg.IdleThreshold)
	v.validateDuration("session.reap_interval", cfg.ReapInterval)
	v.validateDuration("session.provision_ceiling", cfg.ProvisionCeiling)
	v.validateDuration("session.probe_interval", cfg.ProbeInterval)
	v.validateDuration("session.execute_timeout", cfg.ExecuteTimeout)

	execTimeout, errExec := time.ParseDuration(cfg.ExecuteTimeout)
	idle, errIdle := time.ParseDuration(cfg.IdleThreshold)
	if errExec == nil && errIdle == nil && execTimeout > 0 && idle > 0 && execTimeout >= idle {
		v.addError("session.execute_timeout", cfg.ExecuteTimeout, "must be shorter than session.idle_threshold")
	}

	if cfg.RetryAttempts < 1 || cfg.RetryAttempts > 10 {
		v.addError("session.retry_attempts", cfg.RetryAttempts, "must be between 1 and 10")
	}

	switch cfg.Provisioner {
	case "static":
		if len(cfg.StaticWorkers) == 0 {
			v.addError("session.static_workers", cfg.StaticWorkers, "at least one worker required")
		}
	case "docker":
		if cfg.DockerImage == "" {
			v.addError("session.docker_image", cfg.DockerImage, "required for docker provisioner")
		}
		if cfg.DockerPort <= 0 || cfg.DockerPort > 65535 {
			v.addError("session.docker_port", cfg.DockerPort, "must be between 1 and 65535")
		}
	case "process":
		if len(cfg.ProcessCommand) == 0 {
			v.addError("session.process_command", cfg.ProcessCommand, "required for process provisioner")
		}
	}
}

func (v *Validator) validateAgents(cfg *AgentsConfig) {
	v.validateOneOf("agents.provider", cfg.Provider, "scripted", "openai", "anthropic", "ollama")

	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		v.addError("agents.temperature", cfg.Temperature, "must be between 0 and 2")
	}
	if cfg.MaxToolIterations < 1 {
		v.addError("agents.max_tool_iterations", cfg.MaxToolIterations, "must be at least 1")
	}
	if cfg.Provider == "ollama" && cfg.Model == "" {
		v.addError("agents.model", cfg.Model, "required for ollama provider")
	}
}

func (v *Validator) validateStore(cfg *StoreConfig) {
	v.validateOneOf("store.backend", cfg.Backend, "memory", "sqlite")
	if cfg.Backend == "sqlite" && cfg.Path == "" {
		v.addError("store.path", cfg.Path, "required for sqlite backend")
	}
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
