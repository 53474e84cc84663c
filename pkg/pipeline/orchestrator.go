package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Dispatcher hands a stage attempt to whatever executes it. Dispatch returns as
// soon as the attempt is handed off; the result comes back later as an Event.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

type DispatcherFunc func(ctx context.Context, req DispatchRequest) error

func (f DispatcherFunc) Dispatch(ctx context.Context, req DispatchRequest) error {
	return f(ctx, req)
}

// EventHandler consumes run events. *Orchestrator is the production one.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) (*Document, error)
}

// Orchestrator drives runs. It keeps no per-run state between calls: every
// event loads the run document, computes the transition, and persists it with a
// revision guard before dispatching or publishing anything. Any number of
// orchestrators may serve the same runs concurrently.
type Orchestrator struct {
	store      DocumentStore
	registry   *Registry
	machine    *StateMachine
	edits      *EditController
	dispatcher Dispatcher
	publisher  ProgressPublisher
	metrics    Metrics
	logger     *slog.Logger
	storeRetry StoreRetry
	policy     RetryPolicy
	now        func() time.Time
	newID      func() string
}

type Option func(*Orchestrator)

func WithDispatcher(d Dispatcher) Option {
	return func(o *Orchestrator) {
		o.dispatcher = d
	}
}

func WithProgressPublisher(p ProgressPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

func WithStoreRetry(r StoreRetry) Option {
	return func(o *Orchestrator) {
		o.storeRetry = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

func NewOrchestrator(store DocumentStore, registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		registry:   registry,
		publisher:  NopPublisher,
		metrics:    NopMetrics,
		logger:     slog.Default(),
		storeRetry: DefaultStoreRetry(),
		policy:     DefaultRetryPolicy(),
		now:        time.Now,
		newID:      uuid.NewString,
	}

	for _, opt := range opts {
		opt(o)
	}

	o.machine = NewStateMachine(registry, o.policy)
	o.edits = NewEditController(registry)
	return o
}

// SetDispatcher wires the dispatcher after construction, for dispatchers that
// need the orchestrator to report results back to.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// HandleEvent applies ev to its run. Revision conflicts are resolved by
// reloading and recomputing, so a nil error means the event has been fully
// taken into account, possibly as a no-op. The returned document is the state
// the event was applied to or produced.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) (*Document, error) {
	started := o.now()
	log := o.logger.With("run_id", ev.RunID, "event", string(ev.Kind))
	if ev.StageID != "" {
		log = log.With("stage", ev.StageID)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := o.load(ctx, ev.RunID)
		if err != nil {
			return nil, err
		}

		tr, err := o.machine.Apply(current, ev, o.now())
		if err != nil {
			return current, err
		}
		if !tr.Changed() {
			log.Debug("event changed nothing", "revision", current.Revision)
			return current, nil
		}

		err = o.storeRetry.Do(ctx, func() error {
			return o.store.PutIfRevision(ctx, tr.Doc, current.Revision)
		})
		if errors.Is(err, ErrRevisionConflict) {
			o.metrics.IncConflict(ev.Kind)
			log.Debug("revision conflict, reloading", "expected", current.Revision)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persist run %s: %w", ev.RunID, err)
		}

		log.Debug("transition persisted", "revision", tr.Doc.Revision, "status", string(tr.Doc.Status))
		o.metrics.ObserveTransition(ev.Kind, o.now().Sub(started))
		o.afterPersist(ctx, ev, current, tr)
		return tr.Doc, nil
	}
}

func (o *Orchestrator) load(ctx context.Context, runID string) (*Document, error) {
	var doc *Document
	err := o.storeRetry.Do(ctx, func() error {
		var err error
		doc, err = o.store.Get(ctx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if doc.Pipeline != o.registry.Name() {
		return nil, fmt.Errorf("run %s uses pipeline %q, orchestrator serves %q", runID, doc.Pipeline, o.registry.Name())
	}
	return doc, nil
}

// afterPersist performs the side effects of a persisted transition. A failed
// dispatch is only logged: the attempt is recorded in the document, so the
// sweep times it out and retries it.
func (o *Orchestrator) afterPersist(ctx context.Context, ev Event, prev *Document, tr Transition) {
	log := o.logger.With("run_id", tr.Doc.RunID, "revision", tr.Doc.Revision)

	if ev.Kind == EventStageFailed {
		if e, ok := tr.Doc.StageErrors[ev.StageID]; ok && e.Attempts == ev.Attempt {
			o.metrics.IncStageFailure(ev.StageID, e.Kind)
			if tr.Doc.Status == RunStatusFailed {
				log.Error("stage failed, run stopped", "stage", ev.StageID, "kind", string(e.Kind), "error", e.Message)
			} else {
				log.Warn("stage failed, retrying", "stage", ev.StageID, "kind", string(e.Kind), "attempt", e.Attempts, "error", e.Message)
			}
		}
	}

	for _, req := range tr.Dispatch {
		o.metrics.IncDispatch(req.StageID, req.Attempt)
		if o.dispatcher == nil {
			log.Error("cannot dispatch stage", "stage", req.StageID, "error", ErrDispatcherNotSet)
			continue
		}
		if err := o.dispatcher.Dispatch(ctx, req); err != nil {
			log.Error("dispatch failed, left to the timeout sweep", "stage", req.StageID, "attempt", req.Attempt, "error", err)
		}
	}

	for _, p := range tr.Progress {
		o.publisher.Publish(p)
	}

	if tr.Doc.Status.IsTerminal() && !prev.Status.IsTerminal() {
		o.metrics.IncRunFinished(tr.Doc.Status)
		log.Info("run finished", "status", string(tr.Doc.Status), "failed_stage", tr.Doc.FailedStage, "reason", tr.Doc.FailureReason)
	}
}

// StartRun creates a run for input and dispatches its first step.
func (o *Orchestrator) StartRun(ctx context.Context, ownerID string, input RunInput) (string, error) {
	doc := NewDocument(o.newID(), ownerID, o.registry.Name(), input.clone(), o.now())
	return o.launch(ctx, doc)
}

func (o *Orchestrator) launch(ctx context.Context, doc *Document) (string, error) {
	err := o.storeRetry.Do(ctx, func() error {
		return o.store.Create(ctx, doc)
	})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	if _, err := o.HandleEvent(ctx, Event{Kind: EventStart, RunID: doc.RunID}); err != nil {
		return doc.RunID, fmt.Errorf("start run %s: %w", doc.RunID, err)
	}
	return doc.RunID, nil
}

func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*Document, error) {
	var doc *Document
	err := o.storeRetry.Do(ctx, func() error {
		var err error
		doc, err = o.store.Get(ctx, runID)
		return err
	})
	return doc, err
}

// PauseRun stops the run at its next stage boundary.
func (o *Orchestrator) PauseRun(ctx context.Context, runID string) error {
	_, err := o.HandleEvent(ctx, Event{Kind: EventPause, RunID: runID})
	return err
}

// ResumeRun re-dispatches a paused run from its recorded position, or
// withdraws a pause that has not taken effect yet.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) error {
	_, err := o.HandleEvent(ctx, Event{Kind: EventResume, RunID: runID})
	return err
}

// CancelRun fails the run before its next dispatch. In-flight stages are not
// interrupted.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	_, err := o.HandleEvent(ctx, Event{Kind: EventCancel, RunID: runID})
	return err
}

// ReleaseJoin claims a group that has joined without being released.
func (o *Orchestrator) ReleaseJoin(ctx context.Context, runID, groupID string) error {
	_, err := o.HandleEvent(ctx, Event{Kind: EventJoin, RunID: runID, StageID: groupID})
	return err
}

// StartEditSession starts a new run that re-executes the pipeline from the
// earliest stage named in instructions, reusing the baseline's upstream outputs.
func (o *Orchestrator) StartEditSession(ctx context.Context, baselineRunID string, instructions map[string]string) (string, error) {
	baseline, err := o.load(ctx, baselineRunID)
	if err != nil {
		return "", err
	}

	doc, err := o.edits.Derive(baseline, o.newID(), instructions, o.now())
	if err != nil {
		return "", err
	}

	o.logger.Info("edit session created",
		"run_id", doc.RunID,
		"baseline", baseline.RunID,
		"baseline_revision", baseline.Revision,
		"restart_at", doc.CurrentStage)
	return o.launch(ctx, doc)
}
