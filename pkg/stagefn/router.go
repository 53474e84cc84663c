package stagefn

import (
	"context"
	"fmt"
	"strings"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

// FuncTable is an in-process stage function per stage id.
type FuncTable map[string]pipeline.StageFunc

func (t FuncTable) Invoke(ctx context.Context, req pipeline.StageRequest) (pipeline.StageResponse, error) {
	fn, ok := t[req.StageID]
	if !ok {
		return pipeline.StageResponse{Error: fmt.Sprintf("no function registered for stage %q", req.StageID)}, nil
	}
	return fn(ctx, req)
}

// Router picks the stage function for each request by stage id, falling back
// to a default when a stage has no explicit route.
type Router struct {
	routes   map[string]pipeline.StageFunction
	fallback pipeline.StageFunction
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]pipeline.StageFunction)}
}

// NewEndpointRouter routes every stage to an HTTPFunction built from template,
// where "{stage}" is replaced by the stage id.
func NewEndpointRouter(template string, stages []string) *Router {
	r := NewRouter()
	for _, id := range stages {
		r.Handle(id, NewHTTPFunction(strings.ReplaceAll(template, "{stage}", id)))
	}
	return r
}

func (r *Router) Handle(stageID string, fn pipeline.StageFunction) {
	r.routes[stageID] = fn
}

func (r *Router) HandleFunc(stageID string, fn func(ctx context.Context, req pipeline.StageRequest) (pipeline.StageResponse, error)) {
	r.routes[stageID] = pipeline.StageFunc(fn)
}

func (r *Router) SetFallback(fn pipeline.StageFunction) {
	r.fallback = fn
}

func (r *Router) Route(stageID string) (pipeline.StageFunction, bool) {
	if fn, ok := r.routes[stageID]; ok {
		return fn, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

func (r *Router) Invoke(ctx context.Context, req pipeline.StageRequest) (pipeline.StageResponse, error) {
	fn, ok := r.Route(req.StageID)
	if !ok {
		return pipeline.StageResponse{Error: fmt.Sprintf("no route for stage %q", req.StageID)}, nil
	}
	return fn.Invoke(ctx, req)
}
