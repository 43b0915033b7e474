// Package app assembles the engine: storage, event bus, executor stack,
// service layer, and the two background loops, with one place that owns
// startup order and shutdown.
package app

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentcal/internal/events"
	"github.com/aristath/agentcal/internal/executor"
	applog "github.com/aristath/agentcal/internal/log"
	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/prompt"
	"github.com/aristath/agentcal/internal/reconcile"
	"github.com/aristath/agentcal/internal/scheduler"
	"github.com/aristath/agentcal/internal/service"
)

// App is the assembled engine.
type App struct {
	Config  Config
	Store   *persistence.Store
	Bus     *events.Bus
	Service *service.Service
	Sched   *scheduler.Dispatcher
	Syncer  *reconcile.Syncer

	log *logrus.Logger
}

// New opens the store and wires every component. The background loops are
// not started until Run.
func New(ctx context.Context, cfg Config) (*App, error) {
	store, err := persistence.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	if _, err := store.SetMaxConcurrentAgents(ctx, cfg.MaxConcurrentAgents); err != nil {
		store.Close()
		return nil, err
	}

	bus := events.NewBus()
	exec := executor.NewBreakerExecutor(&executor.ScriptExecutor{ScriptsDir: cfg.ScriptsDir})

	svc := service.New(store, bus, exec, prompt.Heuristic{})
	sched := scheduler.NewDispatcher(store, bus, exec, cfg.SchedulerInterval)
	syncer := reconcile.NewSyncer(store, bus, cfg.LedgerPath, cfg.SyncInterval)
	svc.BindScheduler(sched)
	svc.BindReconciler(syncer)

	return &App{
		Config:  cfg,
		Store:   store,
		Bus:     bus,
		Service: svc,
		Sched:   sched,
		Syncer:  syncer,
		log:     applog.GetLogger(),
	}, nil
}

// Run starts the scheduler and reconciler loops and blocks until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.log.WithFields(logrus.Fields{
		"db":                 a.Config.DBPath,
		"scheduler_interval": a.Config.SchedulerInterval,
		"sync_interval":      a.Config.SyncInterval,
	}).Info("engine starting")

	g.Go(func() error { return a.Sched.Run(ctx) })
	g.Go(func() error { return a.Syncer.Run(ctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases the store and the event bus.
func (a *App) Close() {
	a.Bus.Close()
	if err := a.Store.Close(); err != nil {
		a.log.WithError(err).Warn("closing store failed")
	}
}
