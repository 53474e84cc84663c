package pipeline

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

var allowedTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusFailed},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusPaused},
	RunStatusPaused:  {RunStatusRunning, RunStatusFailed},
}

// CanTransition reports whether a run may move from one status to another.
// Pending and paused runs may only fail through cancellation.
func CanTransition(from, to RunStatus) bool {
	if from == to {
		return true
	}
	return slices.Contains(allowedTransitions[from], to)
}

// NewDocument returns a pending run document at revision 0.
func NewDocument(runID, ownerID, pipelineName string, input RunInput, now time.Time) *Document {
	return &Document{
		RunID:        runID,
		OwnerID:      ownerID,
		Pipeline:     pipelineName,
		Revision:     0,
		Status:       RunStatusPending,
		StageOutputs: make(map[string]StageOutput),
		StageErrors:  make(map[string]StageError),
		Dispatches:   make(map[string]Dispatch),
		JoinClaimed:  make(map[string]bool),
		Input:        input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy. Payloads are copied byte for byte.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.StageOutputs = make(map[string]StageOutput, len(d.StageOutputs))
	for k, v := range d.StageOutputs {
		v.Payload = slices.Clone(v.Payload)
		c.StageOutputs[k] = v
	}
	c.StageErrors = maps.Clone(d.StageErrors)
	if c.StageErrors == nil {
		c.StageErrors = make(map[string]StageError)
	}
	c.Dispatches = maps.Clone(d.Dispatches)
	if c.Dispatches == nil {
		c.Dispatches = make(map[string]Dispatch)
	}
	c.JoinClaimed = maps.Clone(d.JoinClaimed)
	if c.JoinClaimed == nil {
		c.JoinClaimed = make(map[string]bool)
	}
	c.PendingStages = slices.Clone(d.PendingStages)
	c.Input = d.Input.clone()
	if d.Baseline != nil {
		b := *d.Baseline
		b.Targets = slices.Clone(d.Baseline.Targets)
		c.Baseline = &b
	}
	return &c
}

func (in RunInput) clone() RunInput {
	out := in
	if in.Params != nil {
		// Params come from JSON, so a JSON round trip is a faithful deep copy.
		if raw, err := json.Marshal(in.Params); err == nil {
			var params map[string]any
			if json.Unmarshal(raw, &params) == nil {
				out.Params = params
			}
		}
	}
	out.EditInstructions = maps.Clone(in.EditInstructions)
	return out
}

// HasOutput reports whether the stage has a recorded output.
func (d *Document) HasOutput(stageID string) bool {
	_, ok := d.StageOutputs[stageID]
	return ok
}

// InFlight returns the stage ids with an outstanding dispatch, sorted.
func (d *Document) InFlight() []string {
	ids := make([]string, 0, len(d.Dispatches))
	for id := range d.Dispatches {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// DecodeOutput unmarshals the recorded output of stageID into T.
func DecodeOutput[T any](d *Document, stageID string) (T, error) {
	var out T
	o, ok := d.StageOutputs[stageID]
	if !ok {
		return out, fmt.Errorf("%w: no output for %s", ErrUnknownStage, stageID)
	}
	if err := json.Unmarshal(o.Payload, &out); err != nil {
		return out, fmt.Errorf("decode output of %s: %w", stageID, err)
	}
	return out, nil
}

// setStatus applies a status change, refusing moves the lifecycle forbids.
func (d *Document) setStatus(to RunStatus) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	d.Status = to
	return nil
}
