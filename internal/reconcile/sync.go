package reconcile

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aristath/agentcal/internal/events"
	"github.com/aristath/agentcal/internal/lifecycle"
	applog "github.com/aristath/agentcal/internal/log"
	"github.com/aristath/agentcal/internal/persistence"
	"github.com/aristath/agentcal/internal/task"
)

// DefaultInterval is how often the reconciler scans the ledger.
const DefaultInterval = 10 * time.Second

// Result summarizes one reconciliation pass. It is always returned, even
// when individual records or the whole read fail.
type Result struct {
	Source   *string   `json:"source"`
	Scanned  int       `json:"scanned"`
	Created  int       `json:"created"`
	Updated  int       `json:"updated"`
	Skipped  int       `json:"skipped"`
	Errors   []string  `json:"errors"`
	SyncedAt time.Time `json:"synced_at"`
}

// Syncer periodically merges the ledger into the store. All writes for one
// pass share a single transaction; events are published only after it
// commits.
type Syncer struct {
	store      *persistence.Store
	bus        *events.Bus
	log        *logrus.Logger
	ledgerPath string
	interval   time.Duration

	trigger  chan struct{}
	inFlight atomic.Bool
}

// NewSyncer builds a reconciler. ledgerPath may be empty, in which case the
// conventional locations are searched on every pass.
func NewSyncer(store *persistence.Store, bus *events.Bus, ledgerPath string, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Syncer{
		store:      store,
		bus:        bus,
		log:        applog.GetLogger(),
		ledgerPath: ledgerPath,
		interval:   interval,
		trigger:    make(chan struct{}, 1),
	}
}

// Trigger requests an immediate pass. Non-blocking; a pending request is
// collapsed into one.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled. A tick that arrives while the previous
// pass is still in flight is skipped.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case <-s.trigger:
			s.tick(ctx)
		}
	}
}

func (s *Syncer) tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)

	result := s.SyncOnce(ctx)
	if len(result.Errors) > 0 {
		s.log.WithField("errors", result.Errors).Warn("reconcile pass finished with errors")
	}
}

// SyncOnce runs a single ledger-to-store pass and returns its summary.
func (s *Syncer) SyncOnce(ctx context.Context) *Result {
	now := time.Now().UTC()
	result := &Result{Errors: []string{}, SyncedAt: now}

	source := ResolveLedgerPath(s.ledgerPath)
	if source == "" {
		result.Errors = append(result.Errors, ledgerFileName+" not found")
		return result
	}
	result.Source = &source

	records, err := ReadLedger(source)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.Scanned = len(records)

	var pending []events.Event
	err = s.store.WithTx(ctx, func(tx *persistence.Store) error {
		for _, record := range records {
			emitted, err := s.applyRecord(ctx, tx, record, now, result)
			if err != nil {
				return err
			}
			pending = append(pending, emitted...)
		}
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, errors.Wrap(err, "reconcile transaction").Error())
		return result
	}

	for _, event := range pending {
		s.bus.Publish(event)
	}
	return result
}

// applyRecord merges one ledger record. Returned events are published by
// the caller after the transaction commits.
func (s *Syncer) applyRecord(ctx context.Context, tx *persistence.Store, record Record, now time.Time, result *Result) ([]events.Event, error) {
	normalized, ok := Normalize(record)
	if !ok {
		result.Skipped++
		return nil, nil
	}

	existing, err := tx.GetTask(ctx, normalized.ID)
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		return nil, err
	}

	var emitted []events.Event
	if agentEvent, err := s.ensureAgent(ctx, tx, normalized, now); err != nil {
		return nil, err
	} else if agentEvent != nil {
		emitted = append(emitted, *agentEvent)
	}

	if existing == nil {
		created := normalized.toTask(now)
		if err := tx.CreateTask(ctx, created); err != nil {
			return nil, err
		}
		status := string(normalized.Status)
		if err := tx.AppendTaskEvent(ctx, normalized.ID, lifecycle.EventSyncedCreated, nil, &status, now); err != nil {
			return nil, err
		}
		fresh, err := tx.GetTask(ctx, normalized.ID)
		if err != nil {
			return nil, err
		}
		result.Created++
		emitted = append(emitted, events.TaskEvent{
			Type: events.EventTypeTaskCreated, Task: fresh, Source: "sync", Timestamp: now,
		})
		return emitted, nil
	}

	changed, err := fieldsChanged(existing, normalized)
	if err != nil {
		return nil, err
	}
	depsChanged := strings.Join(existing.DependsOn, ",") != strings.Join(normalized.DependsOn, ",")
	if !changed && !depsChanged {
		return emitted, nil
	}

	oldStatus := existing.Status
	normalized.apply(existing, now)
	if err := tx.UpdateTask(ctx, existing); err != nil {
		return nil, err
	}
	if depsChanged {
		if err := tx.ReplaceDependencies(ctx, normalized.ID, normalized.DependsOn); err != nil {
			return nil, err
		}
	}
	if oldStatus != normalized.Status {
		old, next := string(oldStatus), string(normalized.Status)
		if err := tx.AppendTaskEvent(ctx, normalized.ID, lifecycle.EventStatusChanged, &old, &next, now); err != nil {
			return nil, err
		}
	}

	fresh, err := tx.GetTask(ctx, normalized.ID)
	if err != nil {
		return nil, err
	}
	result.Updated++
	emitted = append(emitted, events.TaskEvent{
		Type: taskEventType(fresh.Status), Task: fresh, Source: "sync", Timestamp: now,
	})
	return emitted, nil
}

func taskEventType(status task.Status) string {
	switch status {
	case task.StatusCompleted:
		return events.EventTypeTaskCompleted
	case task.StatusFailed:
		return events.EventTypeTaskFailed
	default:
		return events.EventTypeTaskUpdated
	}
}

// ensureAgent upserts the agent referenced by a record, busy when the
// record says running and idle otherwise. Returns a status event when the
// visible agent state changed.
func (s *Syncer) ensureAgent(ctx context.Context, tx *persistence.Store, n *Normalized, now time.Time) (*events.AgentStatusEvent, error) {
	if n.AgentID == nil {
		return nil, nil
	}

	before, err := tx.GetAgent(ctx, *n.AgentID)
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		return nil, err
	}

	status := task.AgentIdle
	var currentTaskID *string
	if n.Status == task.StatusRunning {
		status = task.AgentBusy
		currentTaskID = &n.ID
	}

	name := ""
	if n.AgentName != nil {
		name = *n.AgentName
	} else if before == nil {
		short := *n.AgentID
		if len(short) > 8 {
			short = short[:8]
		}
		name = "Agent " + short
	}

	projectID := persistence.DefaultProjectID
	agent := &task.Agent{
		ID:            *n.AgentID,
		ProjectID:     &projectID,
		Name:          name,
		Kind:          n.AgentKind,
		Status:        status,
		CurrentTaskID: currentTaskID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}

	after, err := tx.GetAgent(ctx, *n.AgentID)
	if err != nil {
		return nil, err
	}
	if before != nil &&
		before.Status == after.Status &&
		before.Kind == after.Kind &&
		strPtrEqual(before.CurrentTaskID, after.CurrentTaskID) {
		return nil, nil
	}
	return &events.AgentStatusEvent{Agent: after, Source: "sync", Timestamp: now}, nil
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// fingerprint is the comparable projection of a task used to decide
// whether a ledger record differs from the stored row. Nullable fields are
// encoded as strings so that nil and zero values hash differently.
type fingerprint struct {
	Title                string
	Description          string
	Status               task.Status
	Priority             task.Priority
	AgentKind            task.AgentKind
	AgentID              string
	Branch               string
	RetryCount           int
	MaxRetries           int
	ScheduledAt          string
	StartedAt            string
	CompletedAt          string
	EstimatedDurationMin int
	ActualDurationMin    string
	Session              string
	WorkdirPath          string
	LogPath              string
}

func fpStr(p *string) string {
	if p == nil {
		return "\x00"
	}
	return *p
}

func fpInt(p *int) string {
	if p == nil {
		return "\x00"
	}
	return strconv.Itoa(*p)
}

func fpTime(p *time.Time) string {
	if p == nil {
		return "\x00"
	}
	return p.UTC().Format(time.RFC3339Nano)
}

func fieldsChanged(existing *task.Task, n *Normalized) (bool, error) {
	current := fingerprint{
		Title:                existing.Title,
		Description:          existing.Description,
		Status:               existing.Status,
		Priority:             existing.Priority,
		AgentKind:            existing.AgentKind,
		AgentID:              fpStr(existing.AgentID),
		Branch:               fpStr(existing.Branch),
		RetryCount:           existing.RetryCount,
		MaxRetries:           existing.MaxRetries,
		ScheduledAt:          fpTime(existing.ScheduledAt),
		StartedAt:            fpTime(existing.StartedAt),
		CompletedAt:          fpTime(existing.CompletedAt),
		EstimatedDurationMin: existing.EstimatedDurationMin,
		ActualDurationMin:    fpInt(existing.ActualDurationMin),
		Session:              fpStr(existing.Session),
		WorkdirPath:          fpStr(existing.WorkdirPath),
		LogPath:              fpStr(existing.LogPath),
	}
	incoming := fingerprint{
		Title:                n.Title,
		Description:          n.Description,
		Status:               n.Status,
		Priority:             n.Priority,
		AgentKind:            n.AgentKind,
		AgentID:              fpStr(n.AgentID),
		Branch:               fpStr(n.Branch),
		RetryCount:           n.RetryCount,
		MaxRetries:           n.MaxRetries,
		ScheduledAt:          fpTime(n.ScheduledAt),
		StartedAt:            fpTime(n.StartedAt),
		CompletedAt:          fpTime(n.CompletedAt),
		EstimatedDurationMin: n.EstimatedDurationMin,
		ActualDurationMin:    fpInt(n.ActualDurationMin),
		Session:              fpStr(n.Session),
		WorkdirPath:          fpStr(n.WorkdirPath),
		LogPath:              fpStr(n.LogPath),
	}

	a, err := hashstructure.Hash(current, hashstructure.FormatV2, nil)
	if err != nil {
		return false, errors.Wrap(err, "hash stored task")
	}
	b, err := hashstructure.Hash(incoming, hashstructure.FormatV2, nil)
	if err != nil {
		return false, errors.Wrap(err, "hash ledger record")
	}
	return a != b, nil
}

// toTask materializes a brand-new task row from a ledger record.
func (n *Normalized) toTask(now time.Time) *task.Task {
	return &task.Task{
		ID:                   n.ID,
		ProjectID:            persistence.DefaultProjectID,
		Title:                n.Title,
		Description:          n.Description,
		Status:               n.Status,
		Priority:             n.Priority,
		AgentKind:            n.AgentKind,
		AgentID:              n.AgentID,
		Branch:               n.Branch,
		RetryCount:           n.RetryCount,
		MaxRetries:           n.MaxRetries,
		ScheduledAt:          n.ScheduledAt,
		StartedAt:            n.StartedAt,
		CompletedAt:          n.CompletedAt,
		EstimatedDurationMin: n.EstimatedDurationMin,
		ActualDurationMin:    n.ActualDurationMin,
		Session:              n.Session,
		WorkdirPath:          n.WorkdirPath,
		LogPath:              n.LogPath,
		DependsOn:            n.DependsOn,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// apply overwrites the mutable fields of an existing row with the record's
// values, preserving identity and created_at.
func (n *Normalized) apply(t *task.Task, now time.Time) {
	t.Title = n.Title
	t.Description = n.Description
	t.Status = n.Status
	t.Priority = n.Priority
	t.AgentKind = n.AgentKind
	t.AgentID = n.AgentID
	t.Branch = n.Branch
	t.RetryCount = n.RetryCount
	t.MaxRetries = n.MaxRetries
	t.ScheduledAt = n.ScheduledAt
	t.StartedAt = n.StartedAt
	t.CompletedAt = n.CompletedAt
	t.EstimatedDurationMin = n.EstimatedDurationMin
	t.ActualDurationMin = n.ActualDurationMin
	t.Session = n.Session
	t.WorkdirPath = n.WorkdirPath
	t.LogPath = n.LogPath
	t.UpdatedAt = now
}
