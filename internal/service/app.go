package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/adapters/mailbox"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/adapters/store"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/adapters/worker"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/agents"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/approval"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/config"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/events"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/logging"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/session"
)

// App is a fully wired runtime together with the resources it owns.
type App struct {
	Runtime *Runtime
	Bus     *events.Bus
	Metrics *MetricsCollector
	Mailbox core.Mailbox
	Store   core.RequestStore
	Reaper  *session.Reaper

	Provisioner string
}

// NewApp builds every component from cfg. Call Close to release them.
func NewApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	mb, err := mailbox.New(ctx, cfg.Mailbox)
	if err != nil {
		return nil, fmt.Errorf("creating mailbox: %w", err)
	}
	st, err := store.New(cfg.Store)
	if err != nil {
		_ = mb.Close()
		return nil, fmt.Errorf("creating request store: %w", err)
	}
	closeAll := func() {
		_ = st.Close()
		_ = mb.Close()
	}

	agent, err := agents.New(cfg.Agents, logger.Logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	client := worker.New(
		worker.WithRequestTimeout(cfg.Worker.RequestTimeoutDuration()),
		worker.WithLogger(logger.WithComponent("worker").Logger),
	)
	prov, err := session.NewProvisioner(cfg.Session, client)
	if err != nil {
		closeAll()
		return nil, err
	}
	if o, ok := prov.(session.OrphanRemover); ok {
		n, err := o.RemoveOrphans(ctx)
		if err != nil {
			logger.Warn("removing orphaned workers", "provisioner", prov.Name(), "error", err)
		} else if n > 0 {
			logger.Info("removed orphaned workers", "provisioner", prov.Name(), "count", n)
		}
	}

	bus := events.New(cfg.Events.RetentionDuration())
	metrics := NewMetricsCollector(bus)
	coord := session.NewCoordinator(session.ConfigFrom(cfg.Session), prov, client,
		session.WithLogger(logger.WithComponent("sessions").Logger),
		session.WithPublisher(metrics),
	)

	rt, err := NewRuntime(RuntimeDeps{
		Agent:    agent,
		Sessions: coord,
		Mailbox:  mb,
		Store:    st,
		Bus:      bus,
		Metrics:  metrics,
		Approval: approval.Config{
			PollInterval:   cfg.Approval.PollIntervalDuration(),
			Timeout:        cfg.Approval.TimeoutDuration(),
			MaxRevisions:   cfg.Approval.MaxRevisions,
			KeepaliveEvery: cfg.Approval.KeepaliveEvery,
			KeyPrefix:      cfg.Approval.KeyPrefix,
		},
		Retry:             SessionRetryPolicy(cfg.Session.RetryAttempts),
		MaxToolIterations: cfg.Agents.MaxToolIterations,
		Retention:         cfg.Events.RetentionDuration(),
		Logger:            logger,
	})
	if err != nil {
		bus.Close()
		closeAll()
		return nil, err
	}

	reaper := session.NewReaper(coord, cfg.Session.IdleThresholdDuration(), cfg.Session.ReapIntervalDuration(),
		nil, logger.WithComponent("reaper").Logger)

	return &App{
		Runtime:     rt,
		Bus:         bus,
		Metrics:     metrics,
		Mailbox:     mb,
		Store:       st,
		Reaper:      reaper,
		Provisioner: coord.Provisioner(),
	}, nil
}

// Start begins background maintenance.
func (a *App) Start() error {
	return a.Reaper.Start()
}

// Close shuts the runtime down and releases every owned resource.
func (a *App) Close(ctx context.Context) error {
	a.Reaper.Stop()
	err := a.Runtime.Shutdown(ctx)
	a.Bus.Close()
	return errors.Join(err, a.Store.Close(), a.Mailbox.Close())
}
