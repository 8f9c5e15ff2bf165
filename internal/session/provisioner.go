package session

import (
	"context"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/adapters/worker"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Spec describes the worker a session needs.
type Spec struct {
	RequestID core.RequestID
	SessionID string
}

// Instance is a provisioned worker reachable at Address.
type Instance struct {
	ID      string
	Address string
}

// Provisioner starts and stops workers. Teardown must be safe to call on an
// instance whose worker never became healthy.
type Provisioner interface {
	Name() string
	Provision(ctx context.Context, spec Spec) (Instance, error)
	Teardown(ctx context.Context, inst Instance) error
}

// OrphanRemover is implemented by provisioners whose workers can outlive
// the process that started them.
type OrphanRemover interface {
	RemoveOrphans(ctx context.Context) (int, error)
}

// WorkerClient is the worker transport used by the coordinator.
type WorkerClient interface {
	Health(ctx context.Context, addr string) (worker.Health, error)
	OpenSession(ctx context.Context, addr, sessionID string) error
	Execute(ctx context.Context, addr, sessionID string, cmd core.Command) (core.ExecutionResult, error)
}

// Resetter clears worker state when a pooled worker is returned.
type Resetter interface {
	Reset(ctx context.Context, addr string) error
}

var _ WorkerClient = (*worker.Client)(nil)
var _ Resetter = (*worker.Client)(nil)
