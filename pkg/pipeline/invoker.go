package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StageRequest is the slice of a run document a stage function sees.
type StageRequest struct {
	RunID        string                     `json:"run_id"`
	Pipeline     string                     `json:"pipeline"`
	StageID      string                     `json:"stage_id"`
	Attempt      int                        `json:"attempt"`
	Prompt       string                     `json:"prompt"`
	Params       map[string]any             `json:"params,omitempty"`
	Upstream     map[string]json.RawMessage `json:"upstream,omitempty"`
	Instructions string                     `json:"instructions,omitempty"`
}

// StageResponse is what a stage function reports when it ran to completion.
// A non-empty Error is an application failure.
type StageResponse struct {
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// StageFunction runs one stage. A returned error means the stage could not be
// reached or did not finish; it is treated as an infrastructure failure.
// Implementations must tolerate being called more than once for the same attempt.
type StageFunction interface {
	Invoke(ctx context.Context, req StageRequest) (StageResponse, error)
}

// StageFunc adapts a plain function to StageFunction.
type StageFunc func(ctx context.Context, req StageRequest) (StageResponse, error)

func (f StageFunc) Invoke(ctx context.Context, req StageRequest) (StageResponse, error) {
	return f(ctx, req)
}

// BuildStageRequest extracts the input for stageID from doc: the run input,
// every transitive upstream output and any edit instruction for the stage.
func BuildStageRequest(doc *Document, registry *Registry, stageID string, attempt int) StageRequest {
	req := StageRequest{
		RunID:    doc.RunID,
		Pipeline: doc.Pipeline,
		StageID:  stageID,
		Attempt:  attempt,
		Prompt:   doc.Input.Prompt,
		Params:   doc.Input.clone().Params,
	}
	for _, id := range registry.Upstream(stageID) {
		out, ok := doc.StageOutputs[id]
		if !ok {
			continue
		}
		if req.Upstream == nil {
			req.Upstream = make(map[string]json.RawMessage)
		}
		req.Upstream[id] = append(json.RawMessage(nil), out.Payload...)
	}
	if instr, ok := doc.Input.EditInstructions[stageID]; ok {
		req.Instructions = instr
	}
	return req
}

type Outcome string

const (
	OutcomeSucceeded             Outcome = "succeeded"
	OutcomeApplicationFailure    Outcome = "application_failure"
	OutcomeInfrastructureFailure Outcome = "infrastructure_failure"
)

// Result is the normalized outcome of one stage attempt.
type Result struct {
	RunID    string
	StageID  string
	Attempt  int
	Outcome  Outcome
	Payload  json.RawMessage
	Failure  *StageFailure
	Duration time.Duration
}

// Event converts the result into the orchestrator event that reports it.
func (r Result) Event() Event {
	ev := Event{
		RunID:   r.RunID,
		StageID: r.StageID,
		Attempt: r.Attempt,
	}
	if r.Outcome == OutcomeSucceeded {
		ev.Kind = EventStageCompleted
		ev.Payload = r.Payload
		return ev
	}
	ev.Kind = EventStageFailed
	if r.Failure != nil {
		ev.Error = r.Failure.Message
		ev.Failure = r.Failure.Kind
		ev.Retryable = r.Failure.Retryable
	}
	return ev
}

// Invoker calls stage functions under the registry timeout and classifies the
// outcome.
type Invoker struct {
	registry *Registry
	fn       StageFunction
}

func NewInvoker(registry *Registry, fn StageFunction) *Invoker {
	return &Invoker{registry: registry, fn: fn}
}

func (i *Invoker) Invoke(ctx context.Context, req DispatchRequest) Result {
	start := time.Now()
	result := Result{
		RunID:   req.RunID,
		StageID: req.StageID,
		Attempt: req.Attempt,
	}

	spec, ok := i.registry.Stage(req.StageID)
	if !ok {
		result.Outcome = OutcomeApplicationFailure
		result.Failure = &StageFailure{
			StageID: req.StageID,
			Kind:    FailureApplication,
			Message: fmt.Sprintf("unknown stage %q", req.StageID),
			Cause:   ErrUnknownStage,
		}
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	type reply struct {
		resp StageResponse
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("stage function panicked: %v", r)}
			}
		}()
		resp, err := i.fn.Invoke(callCtx, req.Input)
		done <- reply{resp: resp, err: err}
	}()

	var rep reply
	select {
	case rep = <-done:
	case <-callCtx.Done():
		rep = reply{err: callCtx.Err()}
	}
	result.Duration = time.Since(start)

	switch {
	case rep.err != nil:
		result.Outcome = OutcomeInfrastructureFailure
		msg := rep.err.Error()
		if errors.Is(rep.err, context.DeadlineExceeded) {
			msg = FailureReasonTimeout
		}
		result.Failure = &StageFailure{
			StageID: req.StageID,
			Kind:    FailureInfrastructure,
			Message: msg,
			Cause:   rep.err,
		}
	case rep.resp.Error != "":
		result.Outcome = OutcomeApplicationFailure
		result.Failure = &StageFailure{
			StageID:   req.StageID,
			Kind:      FailureApplication,
			Retryable: rep.resp.Retryable,
			Message:   rep.resp.Error,
		}
	default:
		result.Outcome = OutcomeSucceeded
		result.Payload = rep.resp.Payload
		if len(result.Payload) == 0 {
			result.Payload = json.RawMessage("null")
		}
	}
	return result
}
