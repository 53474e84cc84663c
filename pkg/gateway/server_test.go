package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/stagepipe/pkg/gateway/middleware"
	"github.com/jguan/stagepipe/pkg/infra/eventbus"
	"github.com/jguan/stagepipe/pkg/infra/metrics"
	"github.com/jguan/stagepipe/pkg/pipeline"
)

func abcd(t *testing.T) *pipeline.Registry {
	t.Helper()
	r, err := pipeline.NewRegistry(pipeline.Definition{
		Name: "abcd",
		Stages: []pipeline.StageSpec{
			{ID: "A"},
			{ID: "B", After: []string{"A"}, Group: "G"},
			{ID: "C", After: []string{"A"}, Group: "G"},
			{ID: "D", After: []string{"B", "C"}},
		},
		Groups: []pipeline.GroupSpec{{ID: "G", Next: "D"}},
	})
	require.NoError(t, err)
	return r
}

type fakeHistory struct {
	mu     sync.Mutex
	events []pipeline.ProgressEvent
	last   eventbus.QueryFilter
}

func (h *fakeHistory) Publish(ev pipeline.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *fakeHistory) Query(_ context.Context, filter eventbus.QueryFilter) ([]pipeline.ProgressEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = filter
	var out []pipeline.ProgressEvent
	for _, ev := range h.events {
		if ev.RunID == filter.RunID && (filter.StageID == "" || ev.StageID == filter.StageID) {
			out = append(out, ev)
		}
	}
	return out, nil
}

type testEnv struct {
	orch    *pipeline.Orchestrator
	bus     *eventbus.InMemoryBus
	history *fakeHistory
	handler http.Handler
}

func newTestEnv(t *testing.T, mutate func(*ServerConfig)) *testEnv {
	t.Helper()

	bus := eventbus.NewInMemoryBus(eventbus.WithWorkerCount(1))
	t.Cleanup(func() { _ = bus.Close() })
	history := &fakeHistory{}

	orch := pipeline.NewOrchestrator(pipeline.NewMemoryStore(), abcd(t),
		pipeline.WithDispatcher(pipeline.DispatcherFunc(func(context.Context, pipeline.DispatchRequest) error { return nil })),
		pipeline.WithProgressPublisher(pipeline.PublisherFunc(func(ev pipeline.ProgressEvent) {
			history.Publish(ev)
			bus.Publish(ev)
		})),
	)

	collector := metrics.NewCollector(prometheus.NewRegistry())
	cfg := DefaultServerConfig()
	cfg.History = history
	cfg.Bus = bus
	cfg.Metrics = collector.Handler()
	cfg.Requests = metrics.NewRequestMetrics(collector.Registerer())
	if mutate != nil {
		mutate(&cfg)
	}

	return &testEnv{
		orch:    orch,
		bus:     bus,
		history: history,
		handler: NewServer(orch, cfg).Handler(),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", ContentTypeJSON)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), ContentTypeJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func (e *testEnv) start(t *testing.T) string {
	t.Helper()
	rec, resp := e.do(t, http.MethodPost, "/api/v1/runs", StartRunRequest{OwnerID: "u1", Prompt: "a modal"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.True(t, resp.Success)
	return resp.Data.(map[string]any)["run_id"].(string)
}

func decodeDoc(t *testing.T, resp Response) pipeline.Document {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var doc pipeline.Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func completion(stage string) StageEventRequest {
	return StageEventRequest{
		Kind:    pipeline.EventStageCompleted,
		StageID: stage,
		Attempt: 1,
		Payload: json.RawMessage(`{"ok":true}`),
	}
}

func TestServer_StartAndGetRun(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.start(t)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/runs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeDoc(t, resp)
	assert.Equal(t, id, doc.RunID)
	assert.Equal(t, "u1", doc.OwnerID)
	assert.Equal(t, pipeline.RunStatusRunning, doc.Status)
	assert.Contains(t, doc.Dispatches, "A")
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))
	require.NotNil(t, resp.Meta)
	assert.Equal(t, rec.Header().Get(middleware.HeaderRequestID), resp.Meta.RequestID)
}

func TestServer_StartRunValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/runs", StartRunRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"prompt":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_BodyLimit(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.MaxBodyBytes = 16 })

	rec, _ := env.do(t, http.MethodPost, "/api/v1/runs", StartRunRequest{Prompt: strings.Repeat("x", 64)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RunNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/runs/missing"},
		{http.MethodPost, "/api/v1/runs/missing/pause"},
		{http.MethodPost, "/api/v1/runs/missing/cancel"},
		{http.MethodGet, "/api/v1/runs/missing/progress"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec, resp := env.do(t, tc.method, tc.path, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeRunNotFound, resp.Error.Code)
		})
	}
}

func TestServer_StageEventsDriveRun(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.start(t)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/events", completion("A"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decodeDoc(t, resp)
	assert.Contains(t, doc.StageOutputs, "A")
	assert.Contains(t, doc.Dispatches, "B")
	assert.Contains(t, doc.Dispatches, "C")

	// A redelivered completion changes nothing.
	rec, resp = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/events", completion("A"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, doc.Revision, decodeDoc(t, resp).Revision)

	for _, stage := range []string{"B", "C", "D"} {
		rec, _ = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/events", completion(stage))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	_, resp = env.do(t, http.MethodGet, "/api/v1/runs/"+id, nil)
	assert.Equal(t, pipeline.RunStatusCompleted, decodeDoc(t, resp).Status)
}

func TestServer_StageEventValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.start(t)

	tests := []struct {
		name string
		body StageEventRequest
		code int
	}{
		{"control kind rejected", StageEventRequest{Kind: pipeline.EventCancel, StageID: "A", Attempt: 1}, http.StatusBadRequest},
		{"missing stage", StageEventRequest{Kind: pipeline.EventStageCompleted, Attempt: 1}, http.StatusBadRequest},
		{"missing attempt", StageEventRequest{Kind: pipeline.EventStageCompleted, StageID: "A"}, http.StatusBadRequest},
		{"unknown stage", StageEventRequest{Kind: pipeline.EventStageFailed, StageID: "Z", Attempt: 1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/events", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_PauseResumeCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.start(t)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeDoc(t, resp).PauseRequested)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/events", completion("A"))
	require.Equal(t, http.StatusOK, rec.Code)

	_, resp = env.do(t, http.MethodGet, "/api/v1/runs/"+id, nil)
	doc := decodeDoc(t, resp)
	assert.Equal(t, pipeline.RunStatusPaused, doc.Status)
	assert.ElementsMatch(t, []string{"B", "C"}, doc.PendingStages)

	rec, resp = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc = decodeDoc(t, resp)
	assert.Equal(t, pipeline.RunStatusRunning, doc.Status)
	assert.Contains(t, doc.Dispatches, "B")

	rec, resp = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeDoc(t, resp).CancelRequested)

	// The run stops once the group in flight has drained.
	for _, stage := range []string{"B", "C"} {
		rec, _ = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/events", completion(stage))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	_, resp = env.do(t, http.MethodGet, "/api/v1/runs/"+id, nil)
	doc = decodeDoc(t, resp)
	assert.Equal(t, pipeline.RunStatusFailed, doc.Status)
	assert.Equal(t, pipeline.FailureReasonCancelled, doc.FailureReason)

	rec, resp = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrCodeInvalidTransition, resp.Error.Code)
}

func TestServer_EditSession(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.start(t)

	// B's upstream A has no output yet.
	rec, resp := env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/edit", EditRequest{Instructions: map[string]string{"B": "bigger"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeBaseline, resp.Error.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/events", completion("A"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/edit", EditRequest{Instructions: map[string]string{"B": "bigger"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	data := resp.Data.(map[string]any)
	assert.Equal(t, id, data["baseline"])
	editID := data["run_id"].(string)
	assert.NotEqual(t, id, editID)

	_, resp = env.do(t, http.MethodGet, "/api/v1/runs/"+editID, nil)
	doc := decodeDoc(t, resp)
	assert.Contains(t, doc.StageOutputs, "A")
	require.NotNil(t, doc.Baseline)
	assert.Equal(t, id, doc.Baseline.RunID)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/edit", EditRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/edit", EditRequest{Instructions: map[string]string{"nope": "x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeUnknownStage, resp.Error.Code)
}

func TestServer_ProgressHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.start(t)
	env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/events", completion("A"))

	rec, resp := env.do(t, http.MethodGet, "/api/v1/runs/"+id+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := resp.Data.([]any)
	require.NotEmpty(t, events)
	first := events[0].(map[string]any)
	assert.Equal(t, id, first["run_id"])
	assert.Equal(t, string(pipeline.ProgressStarted), first["status"])

	rec, _ = env.do(t, http.MethodGet, "/api/v1/runs/"+id+"/progress?stage=A&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "A", env.history.last.StageID)
	assert.Equal(t, 5, env.history.last.Limit)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/runs/"+id+"/progress?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ProgressHistoryDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.History = nil })
	id := env.start(t)

	rec, _ := env.do(t, http.MethodGet, "/api/v1/runs/"+id+"/progress", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_ProgressStream(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	id := env.start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/runs/"+id+"/progress", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", ContentTypeSSE)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, ContentTypeSSE, resp.Header.Get("Content-Type"))

	for _, stage := range []string{"A", "B", "C", "D"} {
		_, err := env.orch.HandleEvent(ctx, pipeline.Event{
			Kind: pipeline.EventStageCompleted, RunID: id, StageID: stage, Attempt: 1, Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	var (
		progress int
		done     bool
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: progress" {
			progress++
		}
		if line == "event: done" {
			done = true
			break
		}
	}
	assert.True(t, done, "stream should end when the run completes")
	assert.GreaterOrEqual(t, progress, 2)
}

func TestServer_ProgressStreamFinishedRun(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.History = nil })
	id := env.start(t)
	env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil)
	env.do(t, http.MethodPost, "/api/v1/runs/"+id+"/events", StageEventRequest{
		Kind: pipeline.EventStageFailed, StageID: "A", Attempt: 1, Error: "boom",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id+"/progress?follow=true", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: done")
}

func TestServer_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.GreaterOrEqual(t, health.Requests.TotalRequests, int64(1))

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stagepipe_http_requests_total")
}

func TestServer_Auth(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.AuthConfig.APIKeys = []string{"k1"} })

	rec, _ := env.do(t, http.MethodGet, "/api/v1/runs/x", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/x", nil)
	req.Header.Set("Authorization", "Bearer k1")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.RateLimitPerMin = 2 })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec, _ := env.do(t, http.MethodGet, "/api/v1/runs/x", nil)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)
}

func TestServer_ServeStop(t *testing.T) {
	srv := NewServer(newTestEnv(t, nil).orch, ServerConfig{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop(context.Background()))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
