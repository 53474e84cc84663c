package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(nil)

	c.ObserveTransition(pipeline.EventStageCompleted, 5*time.Millisecond)
	c.IncConflict(pipeline.EventStageCompleted)
	c.IncConflict(pipeline.EventStageCompleted)
	c.IncDispatch("layout", 1)
	c.IncDispatch("layout", 2)
	c.IncStageFailure("layout", pipeline.FailureInfrastructure)
	c.IncRunFinished(pipeline.RunStatusFailed)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.conflicts.WithLabelValues("stage_completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dispatches.WithLabelValues("layout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("layout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageFailures.WithLabelValues("layout", "infrastructure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.transitions))
}

func TestCollector_ObserveSweep(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveSweep(pipeline.SweepReport{Scanned: 7, TimedOut: 2, Released: 1})
	c.ObserveSweep(pipeline.SweepReport{Scanned: 3, TimedOut: 1, Errors: 1})

	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeRuns))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.sweepTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweepReleases))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweepErrors))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(nil)
	rm := NewRequestMetrics(c.Registerer())
	rm.Record("/health", 200, time.Millisecond)
	c.IncRunFinished(pipeline.RunStatusCompleted)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `stagepipe_runs_finished_total{status="completed"} 1`)
	assert.Contains(t, string(body), `stagepipe_http_requests_total{code="200",route="/health"} 1`)
}

func TestCollector_WiredIntoOrchestrator(t *testing.T) {
	c := NewCollector(nil)
	reg, err := pipeline.NewRegistry(pipeline.Definition{
		Name:   "single",
		Stages: []pipeline.StageSpec{{ID: "only"}},
	})
	require.NoError(t, err)
	orch := pipeline.NewOrchestrator(pipeline.NewMemoryStore(), reg,
		pipeline.WithDispatcher(pipeline.DispatcherFunc(func(context.Context, pipeline.DispatchRequest) error { return nil })),
		pipeline.WithMetrics(c))

	ctx := context.Background()
	runID, err := orch.StartRun(ctx, "", pipeline.RunInput{})
	require.NoError(t, err)
	_, err = orch.HandleEvent(ctx, pipeline.Event{
		RunID: runID, Kind: pipeline.EventStageCompleted, StageID: "only", Attempt: 1, Payload: []byte(`1`),
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("only")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("completed")))
}
