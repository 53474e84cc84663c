package pipeline

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Transition is the outcome of applying one event to a document: the next
// revision to persist, the stage attempts to dispatch once it is persisted and
// the progress to publish. A zero Transition means the event changed nothing.
type Transition struct {
	Doc      *Document
	Dispatch []DispatchRequest
	Progress []ProgressEvent
}

func (t Transition) Changed() bool {
	return t.Doc != nil
}

// StateMachine is the pure transition function of a run. It never touches the
// store or the network, and applying the same event to the same document always
// yields the same transition apart from timestamps.
type StateMachine struct {
	registry *Registry
	barrier  *BarrierCoordinator
	policy   RetryPolicy
}

func NewStateMachine(registry *Registry, policy RetryPolicy) *StateMachine {
	return &StateMachine{
		registry: registry,
		barrier:  NewBarrierCoordinator(registry),
		policy:   policy,
	}
}

// Apply computes the transition ev causes on current. current is not modified.
func (m *StateMachine) Apply(current *Document, ev Event, now time.Time) (Transition, error) {
	if current == nil {
		return Transition{}, ErrRunNotFound
	}
	if ev.RunID != "" && ev.RunID != current.RunID {
		return Transition{}, fmt.Errorf("event for run %s applied to run %s", ev.RunID, current.RunID)
	}

	t := &txn{m: m, doc: current.Clone(), now: now}

	var err error
	switch ev.Kind {
	case EventStart:
		err = t.start()
	case EventStageCompleted:
		err = t.completed(ev)
	case EventStageFailed:
		err = t.failed(ev)
	case EventPause:
		err = t.pause()
	case EventResume:
		err = t.resume()
	case EventCancel:
		err = t.cancel()
	case EventJoin:
		err = t.join(ev.StageID)
	default:
		err = fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err != nil {
		return Transition{}, err
	}
	return t.finish(current.Revision), nil
}

type scheduled struct {
	stageID string
	attempt int
	delay   time.Duration
}

// txn accumulates the effects of one event on a private copy of the document.
type txn struct {
	m        *StateMachine
	doc      *Document
	now      time.Time
	changed  bool
	dispatch []scheduled
	progress []ProgressEvent
}

func (t *txn) emit(stageID string, status ProgressStatus, format string, args ...any) {
	t.progress = append(t.progress, ProgressEvent{
		RunID:     t.doc.RunID,
		StageID:   stageID,
		Status:    status,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: t.now,
	})
}

func (t *txn) setStatus(to RunStatus) error {
	if err := t.doc.setStatus(to); err != nil {
		return err
	}
	t.changed = true
	return nil
}

func (t *txn) start() error {
	if t.doc.Status != RunStatusPending {
		return nil
	}
	if t.doc.CancelRequested {
		return t.fail("", FailureReasonCancelled)
	}

	step := t.doc.PendingStages
	if len(step) == 0 {
		step = t.m.registry.Entry()
	}
	t.doc.PendingStages = nil

	if err := t.setStatus(RunStatusRunning); err != nil {
		return err
	}
	t.emit("", ProgressStarted, "run started")
	return t.advance(step)
}

// advance is the stage boundary: cancellation and pause are honored here and
// nowhere else.
func (t *txn) advance(step []string) error {
	if t.doc.CancelRequested {
		return t.fail("", FailureReasonCancelled)
	}

	if len(step) == 0 {
		t.doc.CurrentStage = ""
		if err := t.setStatus(RunStatusCompleted); err != nil {
			return err
		}
		t.emit("", ProgressCompleted, "run completed")
		return nil
	}

	position := t.m.registry.Position(step)
	t.doc.CurrentStage = position

	if t.doc.PauseRequested {
		t.doc.PauseRequested = false
		t.doc.PendingStages = slices.Clone(step)
		if err := t.setStatus(RunStatusPaused); err != nil {
			return err
		}
		t.emit("", ProgressPaused, "run paused before %s", position)
		return nil
	}

	for _, id := range step {
		t.schedule(id, 1, 0)
		t.emit(id, ProgressStarted, "stage dispatched")
	}
	return nil
}

func (t *txn) schedule(stageID string, attempt int, delay time.Duration) {
	t.doc.Dispatches[stageID] = Dispatch{
		Attempt:      attempt,
		DispatchedAt: t.now,
		NotBefore:    t.now.Add(delay),
	}
	t.dispatch = append(t.dispatch, scheduled{stageID: stageID, attempt: attempt, delay: delay})
	t.changed = true
}

func (t *txn) fail(stageID, reason string) error {
	t.doc.FailedStage = stageID
	t.doc.FailureReason = reason
	t.doc.Dispatches = make(map[string]Dispatch)
	t.doc.PendingStages = nil
	t.doc.PauseRequested = false
	t.dispatch = nil
	if err := t.setStatus(RunStatusFailed); err != nil {
		return err
	}
	t.emit("", ProgressFailed, "run failed: %s", reason)
	return nil
}

func (t *txn) completed(ev Event) error {
	spec, ok := t.m.registry.Stage(ev.StageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, ev.StageID)
	}
	if t.doc.HasOutput(spec.ID) {
		return nil
	}

	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("stage %s returned a payload that is not valid JSON", spec.ID)
	}
	output := StageOutput{
		Payload:     append(json.RawMessage(nil), payload...),
		Attempt:     ev.Attempt,
		CompletedAt: t.now,
	}

	if t.doc.Status.IsTerminal() {
		output.Late = true
		t.doc.StageOutputs[spec.ID] = output
		delete(t.doc.Dispatches, spec.ID)
		t.changed = true
		return nil
	}

	d, inFlight := t.doc.Dispatches[spec.ID]
	if !inFlight {
		return nil
	}
	if output.Attempt == 0 {
		output.Attempt = d.Attempt
	}

	t.doc.StageOutputs[spec.ID] = output
	delete(t.doc.Dispatches, spec.ID)
	t.changed = true
	t.emit(spec.ID, ProgressCompleted, "stage completed on attempt %d", output.Attempt)

	if spec.Group != "" {
		if !t.m.barrier.Claim(t.doc, spec.Group) {
			return nil
		}
		return t.advance(t.m.registry.AfterJoin(spec.Group))
	}
	return t.advance(t.m.registry.Next(spec.ID))
}

func (t *txn) failed(ev Event) error {
	spec, ok := t.m.registry.Stage(ev.StageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, ev.StageID)
	}
	if t.doc.HasOutput(spec.ID) || t.doc.Status.IsTerminal() {
		return nil
	}
	d, inFlight := t.doc.Dispatches[spec.ID]
	if !inFlight || ev.Attempt != d.Attempt {
		return nil
	}

	kind := ev.Failure
	if kind == "" {
		kind = FailureApplication
	}
	msg := ev.Error
	if msg == "" {
		msg = "stage failed"
	}

	t.doc.StageErrors[spec.ID] = StageError{
		Message:    msg,
		Kind:       kind,
		Retryable:  ev.Retryable,
		Attempts:   d.Attempt,
		OccurredAt: t.now,
	}
	t.changed = true

	if t.m.policy.ShouldRetry(kind, ev.Retryable, d.Attempt, spec.MaxAttempts) {
		if t.doc.CancelRequested {
			return t.fail("", FailureReasonCancelled)
		}
		delay := t.m.policy.Delay(d.Attempt)
		t.schedule(spec.ID, d.Attempt+1, delay)
		t.emit(spec.ID, ProgressRetrying, "attempt %d failed (%s): %s; retrying in %s", d.Attempt, kind, msg, delay)
		return nil
	}

	t.emit(spec.ID, ProgressFailed, "attempt %d failed (%s): %s", d.Attempt, kind, msg)
	return t.fail(spec.ID, msg)
}

func (t *txn) pause() error {
	switch {
	case t.doc.Status.IsTerminal():
		return fmt.Errorf("%w: cannot pause a %s run", ErrInvalidTransition, t.doc.Status)
	case t.doc.Status == RunStatusPaused, t.doc.PauseRequested:
		return nil
	}
	t.doc.PauseRequested = true
	t.changed = true
	return nil
}

func (t *txn) resume() error {
	switch t.doc.Status {
	case RunStatusCompleted, RunStatusFailed:
		return fmt.Errorf("%w: cannot resume a %s run", ErrInvalidTransition, t.doc.Status)
	case RunStatusPaused:
		step := t.doc.PendingStages
		t.doc.PendingStages = nil
		if err := t.setStatus(RunStatusRunning); err != nil {
			return err
		}
		t.emit("", ProgressResumed, "run resumed at %s", t.doc.CurrentStage)
		return t.advance(step)
	}

	if t.doc.PauseRequested {
		t.doc.PauseRequested = false
		t.changed = true
	}
	return nil
}

func (t *txn) cancel() error {
	switch t.doc.Status {
	case RunStatusCompleted:
		return fmt.Errorf("%w: cannot cancel a completed run", ErrInvalidTransition)
	case RunStatusFailed:
		return nil
	case RunStatusPending, RunStatusPaused:
		t.doc.CancelRequested = true
		return t.fail("", FailureReasonCancelled)
	}

	if t.doc.CancelRequested {
		return nil
	}
	t.doc.CancelRequested = true
	t.changed = true
	return nil
}

func (t *txn) join(groupID string) error {
	if _, ok := t.m.registry.Group(groupID); !ok {
		return fmt.Errorf("%w: group %s", ErrUnknownStage, groupID)
	}
	if t.doc.Status != RunStatusRunning {
		return nil
	}
	if !t.m.barrier.Claim(t.doc, groupID) {
		return nil
	}
	t.changed = true
	return t.advance(t.m.registry.AfterJoin(groupID))
}

func (t *txn) finish(base int64) Transition {
	if !t.changed {
		return Transition{}
	}

	t.doc.Revision = base + 1
	t.doc.UpdatedAt = t.now

	for i := range t.progress {
		t.progress[i].Revision = t.doc.Revision
	}

	reqs := make([]DispatchRequest, 0, len(t.dispatch))
	for _, s := range t.dispatch {
		reqs = append(reqs, DispatchRequest{
			RunID:   t.doc.RunID,
			StageID: s.stageID,
			Attempt: s.attempt,
			Delay:   s.delay,
			Input:   BuildStageRequest(t.doc, t.m.registry, s.stageID, s.attempt),
		})
	}

	return Transition{
		Doc:      t.doc,
		Dispatch: reqs,
		Progress: t.progress,
	}
}
