package session

import (
	"fmt"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/config"
)

// NewProvisioner builds the provisioner selected by cfg.Provisioner.
func NewProvisioner(cfg config.SessionConfig, reset Resetter) (Provisioner, error) {
	switch cfg.Provisioner {
	case "", "static":
		return NewStatic(cfg.StaticWorkers, reset)
	case "docker":
		return NewDocker(cfg.DockerImage, cfg.DockerPort)
	case "process":
		return NewProcess(cfg.ProcessCommand)
	default:
		return nil, fmt.Errorf("unknown session provisioner %q", cfg.Provisioner)
	}
}

// ConfigFrom maps the session section of the application config.
func ConfigFrom(cfg config.SessionConfig) Config {
	return Config{
		ProvisionCeiling: cfg.ProvisionCeilingDuration(),
		ProbeInterval:    cfg.ProbeIntervalDuration(),
		ExecuteTimeout:   cfg.ExecuteTimeoutDuration(),
	}
}

var (
	_ Provisioner = (*Static)(nil)
	_ Provisioner = (*Docker)(nil)
	_ Provisioner = (*Process)(nil)

	_ OrphanRemover = (*Docker)(nil)
)
