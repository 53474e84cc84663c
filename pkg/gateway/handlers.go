package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jguan/stagepipe/pkg/infra/eventbus"
	"github.com/jguan/stagepipe/pkg/infra/logger"
	"github.com/jguan/stagepipe/pkg/pipeline"
)

// RunService is the run-control API the gateway exposes. *pipeline.Orchestrator
// implements it.
type RunService interface {
	StartRun(ctx context.Context, ownerID string, input pipeline.RunInput) (string, error)
	GetRun(ctx context.Context, runID string) (*pipeline.Document, error)
	PauseRun(ctx context.Context, runID string) error
	ResumeRun(ctx context.Context, runID string) error
	CancelRun(ctx context.Context, runID string) error
	StartEditSession(ctx context.Context, baselineRunID string, instructions map[string]string) (string, error)
	HandleEvent(ctx context.Context, ev pipeline.Event) (*pipeline.Document, error)
}

// ProgressHistory answers progress queries. *eventbus.PersistentBus implements it.
type ProgressHistory interface {
	Query(ctx context.Context, filter eventbus.QueryFilter) ([]pipeline.ProgressEvent, error)
}

type StartRunRequest struct {
	OwnerID          string            `json:"owner_id"`
	Prompt           string            `json:"prompt"`
	Params           map[string]any    `json:"params,omitempty"`
	EditInstructions map[string]string `json:"edit_instructions,omitempty"`
}

type EditRequest struct {
	Instructions map[string]string `json:"instructions"`
}

// StageEventRequest reports the outcome of a stage executed outside the
// process, for example by a worker that pulled the dispatch from a queue.
type StageEventRequest struct {
	Kind      pipeline.EventKind   `json:"kind"`
	StageID   string               `json:"stage_id"`
	Attempt   int                  `json:"attempt"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	Error     string               `json:"error,omitempty"`
	Failure   pipeline.FailureKind `json:"failure,omitempty"`
	Retryable bool                 `json:"retryable,omitempty"`
}

type RunCreated struct {
	RunID    string `json:"run_id"`
	Baseline string `json:"baseline,omitempty"`
}

const streamBuffer = 64

type handlers struct {
	runs    RunService
	history ProgressHistory
	bus     eventbus.Bus
}

func (h *handlers) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.startRun)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.getRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/pause", h.control(h.runs.PauseRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", h.control(h.runs.ResumeRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.control(h.runs.CancelRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/edit", h.edit)
	mux.HandleFunc("POST /api/v1/runs/{id}/events", h.stageEvent)
	mux.HandleFunc("GET /api/v1/runs/{id}/progress", h.progress)
}

func runID(r *http.Request) (*http.Request, string) {
	id := r.PathValue("id")
	return r.WithContext(logger.SetRunID(r.Context(), id)), id
}

func (h *handlers) startRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req StartRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, start, err)
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, r, start, http.StatusBadRequest, ErrCodeInvalidRequest, "prompt is required")
		return
	}

	id, err := h.runs.StartRun(r.Context(), req.OwnerID, pipeline.RunInput{
		Prompt:           req.Prompt,
		Params:           req.Params,
		EditInstructions: req.EditInstructions,
	})
	if err != nil {
		writeError(w, r, start, err)
		return
	}
	writeJSON(w, r, start, http.StatusAccepted, RunCreated{RunID: id})
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r, id := runID(r)

	doc, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, r, start, err)
		return
	}
	writeJSON(w, r, start, http.StatusOK, doc)
}

// control wraps pause, resume and cancel; each answers with the document as
// persisted after the request.
func (h *handlers) control(action func(ctx context.Context, runID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r, id := runID(r)

		if err := action(r.Context(), id); err != nil {
			writeError(w, r, start, err)
			return
		}
		doc, err := h.runs.GetRun(r.Context(), id)
		if err != nil {
			writeError(w, r, start, err)
			return
		}
		writeJSON(w, r, start, http.StatusOK, doc)
	}
}

func (h *handlers) edit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r, baseline := runID(r)

	var req EditRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, start, err)
		return
	}
	if len(req.Instructions) == 0 {
		writeJSONError(w, r, start, http.StatusBadRequest, ErrCodeInvalidRequest, "instructions are required")
		return
	}

	id, err := h.runs.StartEditSession(r.Context(), baseline, req.Instructions)
	if err != nil {
		writeError(w, r, start, err)
		return
	}
	writeJSON(w, r, start, http.StatusAccepted, RunCreated{RunID: id, Baseline: baseline})
}

func (h *handlers) stageEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r, id := runID(r)

	var req StageEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, start, err)
		return
	}
	switch req.Kind {
	case pipeline.EventStageCompleted, pipeline.EventStageFailed:
	default:
		writeJSONError(w, r, start, http.StatusBadRequest, ErrCodeInvalidRequest,
			fmt.Sprintf("kind must be %q or %q", pipeline.EventStageCompleted, pipeline.EventStageFailed))
		return
	}
	if req.StageID == "" || req.Attempt < 1 {
		writeJSONError(w, r, start, http.StatusBadRequest, ErrCodeInvalidRequest, "stage_id and a positive attempt are required")
		return
	}

	doc, err := h.runs.HandleEvent(logger.SetStage(r.Context(), req.StageID), pipeline.Event{
		Kind:      req.Kind,
		RunID:     id,
		StageID:   req.StageID,
		Attempt:   req.Attempt,
		Payload:   req.Payload,
		Error:     req.Error,
		Failure:   req.Failure,
		Retryable: req.Retryable,
	})
	if err != nil {
		writeError(w, r, start, err)
		return
	}
	writeJSON(w, r, start, http.StatusOK, doc)
}

func (h *handlers) progress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r, id := runID(r)

	doc, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, r, start, err)
		return
	}

	if wantsStream(r) {
		if h.bus == nil {
			writeJSONError(w, r, start, http.StatusNotImplemented, ErrCodeInvalidRequest, "live progress is not enabled")
			return
		}
		h.stream(w, r, doc)
		return
	}

	if h.history == nil {
		writeJSONError(w, r, start, http.StatusNotImplemented, ErrCodeInvalidRequest, "progress history is not enabled")
		return
	}
	filter, err := parseProgressFilter(r, id)
	if err != nil {
		writeError(w, r, start, err)
		return
	}
	events, err := h.history.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, start, err)
		return
	}
	if events == nil {
		events = []pipeline.ProgressEvent{}
	}
	writeJSON(w, r, start, http.StatusOK, events)
}

func parseProgressFilter(r *http.Request, id string) (eventbus.QueryFilter, error) {
	q := r.URL.Query()
	filter := eventbus.QueryFilter{
		RunID:   id,
		StageID: q.Get("stage"),
		Status:  pipeline.ProgressStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, NewErrorInfo(ErrCodeInvalidRequest, "limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

type progressKey struct {
	revision int64
	stage    string
	status   pipeline.ProgressStatus
}

// stream sends recorded history first, then live events, as server-sent
// events. The stream ends when the run finishes or the client goes away.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request, doc *pipeline.Document) {
	id := doc.RunID
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading history so nothing published in between is lost.
	live, err := eventbus.Stream(ctx, h.bus, id, streamBuffer)
	if err != nil {
		writeError(w, r, time.Now(), err)
		return
	}

	var history []pipeline.ProgressEvent
	if h.history != nil {
		history, err = h.history.Query(ctx, eventbus.QueryFilter{RunID: id})
		if err != nil {
			logger.WithContext(ctx).Warn("progress history unavailable", "error", err)
		}
	}

	flusher, ok := startSSE(w)
	if !ok {
		writeJSONError(w, r, time.Now(), http.StatusInternalServerError, ErrCodeInternalError, "streaming unsupported")
		return
	}

	seen := make(map[progressKey]bool, len(history))
	for _, ev := range history {
		seen[progressKey{ev.Revision, ev.StageID, ev.Status}] = true
		if writeSSEEvent(w, "progress", ev) != nil {
			return
		}
		if finishesRun(ev) {
			writeSSEEvent(w, "done", map[string]string{"run_id": id})
			flusher.Flush()
			return
		}
	}
	if doc.Status.IsTerminal() {
		writeSSEEvent(w, "done", map[string]string{"run_id": id})
		flusher.Flush()
		return
	}
	flusher.Flush()

	for ev := range live {
		if seen[progressKey{ev.Revision, ev.StageID, ev.Status}] {
			continue
		}
		if writeSSEEvent(w, "progress", ev) != nil {
			return
		}
		if finishesRun(ev) {
			writeSSEEvent(w, "done", map[string]string{"run_id": id})
			flusher.Flush()
			return
		}
		flusher.Flush()
	}
}

func finishesRun(ev pipeline.ProgressEvent) bool {
	return ev.StageID == "" && (ev.Status == pipeline.ProgressCompleted || ev.Status == pipeline.ProgressFailed)
}
