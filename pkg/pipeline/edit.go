package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// EditController derives edit-session runs from a baseline run.
type EditController struct {
	registry *Registry
}

func NewEditController(registry *Registry) *EditController {
	return &EditController{registry: registry}
}

// Derive builds the pending document of an edit session. instructions maps
// each targeted stage to its free-text modification. The new run re-executes
// the step holding the earliest target and everything after it; outputs of the
// stages strictly upstream of that step are copied from baseline, which is left
// untouched.
func (c *EditController) Derive(baseline *Document, runID string, instructions map[string]string, now time.Time) (*Document, error) {
	if baseline == nil {
		return nil, ErrRunNotFound
	}
	if baseline.Pipeline != c.registry.Name() {
		return nil, fmt.Errorf("baseline run %s uses pipeline %q, not %q", baseline.RunID, baseline.Pipeline, c.registry.Name())
	}
	if len(instructions) == 0 {
		return nil, fmt.Errorf("%w: edit session needs at least one target stage", ErrUnknownStage)
	}

	targets := slices.Sorted(maps.Keys(instructions))
	for _, id := range targets {
		if _, ok := c.registry.Stage(id); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, id)
		}
	}

	earliest := c.registry.Earliest(targets)
	step := c.registry.Step(earliest)
	upstream := c.registry.Upstream(earliest)

	input := baseline.Input.clone()
	input.EditInstructions = maps.Clone(instructions)

	doc := NewDocument(runID, baseline.OwnerID, baseline.Pipeline, input, now)
	for _, id := range upstream {
		out, ok := baseline.StageOutputs[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no output in run %s", ErrBaselineIncomplete, id, baseline.RunID)
		}
		out.Payload = slices.Clone(out.Payload)
		out.Late = false
		doc.StageOutputs[id] = out
	}

	// Joins wholly upstream of the restart point are already satisfied.
	copied := make(map[string]bool, len(upstream))
	for _, id := range upstream {
		copied[id] = true
	}
	for _, id := range upstream {
		spec, _ := c.registry.Stage(id)
		if spec.Group == "" || doc.JoinClaimed[spec.Group] {
			continue
		}
		whole := true
		for _, m := range c.registry.Members(spec.Group) {
			if !copied[m] {
				whole = false
				break
			}
		}
		if whole {
			doc.JoinClaimed[spec.Group] = true
		}
	}

	doc.PendingStages = step
	doc.CurrentStage = c.registry.Position(step)
	doc.Baseline = &Baseline{
		RunID:    baseline.RunID,
		Revision: baseline.Revision,
		Targets:  targets,
	}
	return doc, nil
}
