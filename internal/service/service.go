// Package service is the operation layer: every mutation of the task
// store, from the API surface or the CLI, goes through here so that
// validation, transition side effects, stat aggregation, and event
// publication happen once and identically regardless of caller.
package service

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/agentcal/internal/events"
	"github.com/aristath/agentcal/internal/executor"
	"github.com/aristath/agentcal/internal/graph"
	applog "github.com/aristath/agentcal/internal/log"
	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/prompt"
)

// Triggerer requests an immediate pass of a background loop.
type Triggerer interface {
	Trigger()
}

// Service wires the store, graph resolver, executor, interpreter, and
// event bus together behind the operation surface.
type Service struct {
	store  *persistence.Store
	graph  *graph.Resolver
	bus    *events.Bus
	exec   executor.Executor
	interp prompt.Interpreter
	log    *logrus.Logger

	scheduler Triggerer
	reconcile Triggerer
}

// New builds a Service. The scheduler and reconcile triggers may be nil
// when the corresponding loop is not running (tests, one-shot CLI use).
func New(store *persistence.Store, bus *events.Bus, exec executor.Executor, interp prompt.Interpreter) *Service {
	return &Service{
		store:  store,
		graph:  graph.NewResolver(store),
		bus:    bus,
		exec:   exec,
		interp: interp,
		log:    applog.GetLogger(),
	}
}

// BindScheduler attaches the dispatch loop's trigger.
func (s *Service) BindScheduler(t Triggerer) { s.scheduler = t }

// BindReconciler attaches the reconcile loop's trigger.
func (s *Service) BindReconciler(t Triggerer) { s.reconcile = t }

func (s *Service) kickScheduler() {
	if s.scheduler != nil {
		s.scheduler.Trigger()
	}
}

// TriggerSync requests an immediate reconciliation pass.
func (s *Service) TriggerSync() {
	if s.reconcile != nil {
		s.reconcile.Trigger()
	}
}

// OptStr marks a nullable string field as present in an update. Set false
// leaves the stored value alone; Set true with a nil Value clears it.
type OptStr struct {
	Set   bool
	Value *string
}

// OptInt is OptStr for nullable integer fields.
type OptInt struct {
	Set   bool
	Value *int
}

// OptTime is OptStr for nullable timestamp fields.
type OptTime struct {
	Set   bool
	Value *time.Time
}
