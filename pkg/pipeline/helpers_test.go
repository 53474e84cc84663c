package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// abcd is A -> {B, C} -> D.
func abcdRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(Definition{
		Name: "abcd",
		Stages: []StageSpec{
			{ID: "A"},
			{ID: "B", After: []string{"A"}, Group: "G"},
			{ID: "C", After: []string{"A"}, Group: "G"},
			{ID: "D", After: []string{"B", "C"}, Timeout: 10 * time.Second},
		},
		Groups: []GroupSpec{{ID: "G", Next: "D"}},
	})
	require.NoError(t, err)
	return r
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []DispatchRequest
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return d.err
}

func (d *recordingDispatcher) all() []DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DispatchRequest(nil), d.reqs...)
}

func (d *recordingDispatcher) count(stageID string) int {
	n := 0
	for _, r := range d.all() {
		if r.StageID == stageID {
			n++
		}
	}
	return n
}

func (d *recordingDispatcher) last(stageID string) DispatchRequest {
	var out DispatchRequest
	for _, r := range d.all() {
		if r.StageID == stageID {
			out = r
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (p *recordingPublisher) Publish(ev ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) all() []ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProgressEvent(nil), p.events...)
}

type countingMetrics struct {
	nopMetrics
	conflicts atomic.Int64
	finished  atomic.Int64
}

func (m *countingMetrics) IncConflict(EventKind)    { m.conflicts.Add(1) }
func (m *countingMetrics) IncRunFinished(RunStatus) { m.finished.Add(1) }

// gatedStore makes the first n Get calls wait for each other, so that n
// concurrent orchestrator invocations all start from the same revision.
type gatedStore struct {
	*MemoryStore
	gets  atomic.Int64
	n     int64
	ready sync.WaitGroup
}

func newGatedStore(inner *MemoryStore, n int) *gatedStore {
	s := &gatedStore{MemoryStore: inner, n: int64(n)}
	s.ready.Add(n)
	return s
}

func (s *gatedStore) Get(ctx context.Context, runID string) (*Document, error) {
	doc, err := s.MemoryStore.Get(ctx, runID)
	if s.gets.Add(1) <= s.n {
		s.ready.Done()
		s.ready.Wait()
	}
	return doc, err
}

type harness struct {
	orch       *Orchestrator
	store      *MemoryStore
	dispatcher *recordingDispatcher
	publisher  *recordingPublisher
	metrics    *countingMetrics
	clock      *fakeClock
	registry   *Registry
}

func newHarness(t *testing.T, registry *Registry, store DocumentStore) *harness {
	t.Helper()
	h := &harness{
		dispatcher: &recordingDispatcher{},
		publisher:  &recordingPublisher{},
		metrics:    &countingMetrics{},
		clock:      newFakeClock(),
		registry:   registry,
	}
	if store == nil {
		h.store = NewMemoryStore()
		store = h.store
	}
	ids := atomic.Int64{}
	h.orch = NewOrchestrator(store, registry,
		WithDispatcher(h.dispatcher),
		WithProgressPublisher(h.publisher),
		WithMetrics(h.metrics),
		WithClock(h.clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("run-%d", ids.Add(1)) }),
	)
	return h
}

func (h *harness) complete(t *testing.T, runID, stageID string, attempt int) *Document {
	t.Helper()
	doc, err := h.orch.HandleEvent(context.Background(), Event{
		Kind:    EventStageCompleted,
		RunID:   runID,
		StageID: stageID,
		Attempt: attempt,
		Payload: json.RawMessage(fmt.Sprintf(`{"stage":%q}`, stageID)),
	})
	require.NoError(t, err)
	return doc
}

func (h *harness) fail(t *testing.T, runID, stageID string, attempt int, kind FailureKind, retryable bool) *Document {
	t.Helper()
	doc, err := h.orch.HandleEvent(context.Background(), Event{
		Kind:      EventStageFailed,
		RunID:     runID,
		StageID:   stageID,
		Attempt:   attempt,
		Error:     stageID + " broke",
		Failure:   kind,
		Retryable: retryable,
	})
	require.NoError(t, err)
	return doc
}

func (h *harness) get(t *testing.T, runID string) *Document {
	t.Helper()
	doc, err := h.orch.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return doc
}
