package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/stagepipe/pkg/config"
	"github.com/jguan/stagepipe/pkg/infra/eventbus"
	"github.com/jguan/stagepipe/pkg/infra/store"
	"github.com/jguan/stagepipe/pkg/pipeline"
)

// stageService is a fake stage function host. Stages listed in gates block
// until their gate is closed.
type stageService struct {
	mu     sync.Mutex
	calls  []string
	auth   []string
	gates  map[string]chan struct{}
	server *httptest.Server
}

func newStageService(t *testing.T, gated ...string) *stageService {
	t.Helper()
	s := &stageService{gates: map[string]chan struct{}{}}
	for _, id := range gated {
		s.gates[id] = make(chan struct{})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /stages/{stage}", func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.StageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.calls = append(s.calls, r.PathValue("stage"))
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		gate := s.gates[req.StageID]
		s.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		payload, _ := json.Marshal(map[string]string{"stage": req.StageID, "instructions": req.Instructions})
		json.NewEncoder(w).Encode(pipeline.StageResponse{Payload: payload})
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.mu.Lock()
		for id, gate := range s.gates {
			close(gate)
			delete(s.gates, id)
		}
		s.mu.Unlock()
		s.server.Close()
	})
	return s
}

func (s *stageService) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gate, ok := s.gates[id]; ok {
		close(gate)
		delete(s.gates, id)
	}
}

func (s *stageService) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func testConfig(t *testing.T, backend, stageURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Store.Backend = backend
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "data", "stagepipe.db")
	cfg.Stages.EndpointTemplate = stageURL + "/stages/{stage}"
	cfg.Stages.Endpoints = nil
	cfg.Pipeline.RetryBaseD = time.Millisecond
	cfg.Pipeline.RetryMaxD = 5 * time.Millisecond
	cfg.Progress.FlushPeriodD = 10 * time.Millisecond
	cfg.Sweep.GraceD = time.Millisecond
	return cfg
}

func buildTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := BuildApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func waitStatus(t *testing.T, app *App, runID string, want pipeline.RunStatus) *pipeline.Document {
	t.Helper()
	var doc *pipeline.Document
	require.Eventually(t, func() bool {
		d, err := app.Orchestrator.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		doc = d
		return d.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return doc
}

func TestBuildApp_MemoryRunsToCompletion(t *testing.T) {
	stages := newStageService(t)
	cfg := testConfig(t, config.BackendMemory, stages.server.URL)
	cfg.Stages.AuthToken = "stage-secret"
	cfg.General.InstanceID = "node1"

	app := buildTestApp(t, cfg)
	assert.Nil(t, app.History)
	assert.Equal(t, "ui-component", app.Registry.Name())

	runID, err := app.Orchestrator.StartRun(context.Background(), "owner-1", pipeline.RunInput{Prompt: "a login form"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(runID, "node1-"))

	doc := waitStatus(t, app, runID, pipeline.RunStatusCompleted)
	assert.Len(t, doc.StageOutputs, 7)
	assert.Len(t, stages.called(), 7)

	stages.mu.Lock()
	for _, h := range stages.auth {
		assert.Equal(t, "Bearer stage-secret", h)
	}
	stages.mu.Unlock()
}

func TestBuildApp_SQLiteRecordsProgress(t *testing.T) {
	stages := newStageService(t)
	cfg := testConfig(t, config.BackendSQLite, stages.server.URL)

	app := buildTestApp(t, cfg)
	require.NotNil(t, app.History)
	assert.IsType(t, &store.CachedStore{}, app.Store)

	runID, err := app.Orchestrator.StartRun(context.Background(), "", pipeline.RunInput{Prompt: "a card"})
	require.NoError(t, err)
	waitStatus(t, app, runID, pipeline.RunStatusCompleted)

	require.Eventually(t, func() bool {
		events, err := app.History.Query(context.Background(), eventbus.QueryFilter{RunID: runID})
		if err != nil || len(events) == 0 {
			return false
		}
		last := events[len(events)-1]
		return last.StageID == "" && last.Status == pipeline.ProgressCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBuildApp_UnknownBackend(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory, "http://127.0.0.1:1")
	cfg.Store.Backend = "etcd"
	_, err := BuildApp(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}

func TestBuildApp_DefinitionFile(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory, "http://127.0.0.1:1")
	cfg.Pipeline.DefinitionFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := BuildApp(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load registry")
}

func TestApp_ServerConfig(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory, "http://127.0.0.1:1")
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.API.APIKey = " k1, ,k2 "
	cfg.API.RateLimitPerMin = 30

	app := buildTestApp(t, cfg)
	sc := app.ServerConfig()
	assert.Equal(t, "127.0.0.1:0", sc.Addr)
	assert.Equal(t, []string{"k1", "k2"}, sc.AuthConfig.APIKeys)
	assert.Equal(t, 30, sc.RateLimitPerMin)
	assert.NotNil(t, sc.Metrics)
	assert.NotNil(t, sc.Requests)
	assert.Nil(t, sc.History)
}

func TestSplitKeys(t *testing.T) {
	assert.Nil(t, splitKeys(""))
	assert.Equal(t, []string{"a"}, splitKeys("a"))
	assert.Equal(t, []string{"a", "b"}, splitKeys("a, b,"))
}

func TestRunIDGenerator(t *testing.T) {
	plain := runIDGenerator("")()
	assert.Len(t, plain, 36)

	gen := runIDGenerator("east")
	a, b := gen(), gen()
	assert.True(t, strings.HasPrefix(a, "east-"))
	assert.NotEqual(t, a, b)
}

func TestStageRouter(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory, "http://stages.local")
	cfg.Stages.Endpoints = map[string]string{"validation": "http://validator.local/run"}

	router := stageRouter(cfg, pipeline.DefaultRegistry())

	fn, ok := router.Route("validation")
	require.True(t, ok)
	assert.Equal(t, "http://validator.local/run", fn.(interface{ Endpoint() string }).Endpoint())

	fn, ok = router.Route("layout")
	require.True(t, ok)
	assert.Equal(t, "http://stages.local/stages/layout", fn.(interface{ Endpoint() string }).Endpoint())
}
