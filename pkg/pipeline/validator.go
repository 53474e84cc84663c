package pipeline

import (
	"fmt"
	"slices"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

func (r *ValidationResult) add(field, format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// RegistryValidator checks that a Definition describes a chain of steps, each
// step being a single stage or a parallel group joined into one downstream stage.
type RegistryValidator struct{}

func NewRegistryValidator() *RegistryValidator {
	return &RegistryValidator{}
}

func (v *RegistryValidator) Validate(def Definition) *ValidationResult {
	result := &ValidationResult{
		Valid:  true,
		Errors: []ValidationError{},
	}

	if def.Name == "" {
		result.add("name", "pipeline name is empty")
	}

	if !v.validateStages(def, result) {
		return result
	}
	v.validateDependencies(def, result)
	if !result.Valid {
		return result
	}
	v.validateGroups(def, result)
	v.validateSteps(def, result)

	return result
}

func (v *RegistryValidator) validateStages(def Definition, result *ValidationResult) bool {
	if len(def.Stages) == 0 {
		result.add("stages", "no stages defined")
		return false
	}

	ids := make(map[string]int)
	for i, s := range def.Stages {
		if s.ID == "" {
			result.add(fmt.Sprintf("stages[%d].id", i), "stage ID is empty")
			continue
		}
		if first, exists := ids[s.ID]; exists {
			result.add(fmt.Sprintf("stages[%d].id", i), "duplicate stage ID '%s' (first defined at stages[%d])", s.ID, first)
		}
		ids[s.ID] = i

		if s.Timeout < 0 {
			result.add(fmt.Sprintf("stages.%s.timeout", s.ID), "timeout cannot be negative")
		}
		if s.MaxAttempts < 0 {
			result.add(fmt.Sprintf("stages.%s.max_attempts", s.ID), "max_attempts cannot be negative")
		}
	}
	return result.Valid
}

func (v *RegistryValidator) validateDependencies(def Definition, result *ValidationResult) {
	order := make(map[string]int)
	for i, s := range def.Stages {
		order[s.ID] = i
	}

	for _, s := range def.Stages {
		for _, dep := range s.After {
			if dep == s.ID {
				result.add(fmt.Sprintf("stages.%s.after", s.ID), "stage cannot depend on itself")
				continue
			}
			if _, ok := order[dep]; !ok {
				result.add(fmt.Sprintf("stages.%s.after", s.ID), "dependency '%s' references non-existent stage", dep)
			}
		}
	}
	if !result.Valid {
		return
	}

	if err := v.detectCycles(def); err != nil {
		result.add("stages", "%s", err.Error())
		return
	}

	for _, s := range def.Stages {
		for _, dep := range s.After {
			if order[dep] > order[s.ID] {
				result.add(fmt.Sprintf("stages.%s.after", s.ID), "dependency '%s' is declared after the stage", dep)
			}
		}
	}
}

func (v *RegistryValidator) detectCycles(def Definition) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	stageMap := make(map[string]StageSpec)
	for _, s := range def.Stages {
		stageMap[s.ID] = s
	}

	var path []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range stageMap[id].After {
			if !visited[dep] {
				if dfs(dep) {
					return true
				}
			} else if recStack[dep] {
				path = append(path, dep)
				return true
			}
		}

		recStack[id] = false
		path = path[:len(path)-1]
		return false
	}

	for _, s := range def.Stages {
		if visited[s.ID] {
			continue
		}
		path = nil
		if dfs(s.ID) {
			return fmt.Errorf("circular dependency detected: %s", strings.Join(path, " -> "))
		}
	}
	return nil
}

func (v *RegistryValidator) validateGroups(def Definition, result *ValidationResult) {
	declared := make(map[string]GroupSpec)
	for i, g := range def.Groups {
		if g.ID == "" {
			result.add(fmt.Sprintf("groups[%d].id", i), "group ID is empty")
			continue
		}
		if _, dup := declared[g.ID]; dup {
			result.add(fmt.Sprintf("groups[%d].id", i), "duplicate group ID '%s'", g.ID)
		}
		declared[g.ID] = g
	}

	stages := make(map[string]StageSpec)
	members := make(map[string][]StageSpec)
	for _, s := range def.Stages {
		stages[s.ID] = s
		if s.Group == "" {
			continue
		}
		if _, ok := declared[s.Group]; !ok {
			result.add(fmt.Sprintf("stages.%s.group", s.ID), "group '%s' is not declared", s.Group)
			continue
		}
		members[s.Group] = append(members[s.Group], s)
	}

	for _, g := range def.Groups {
		ms := members[g.ID]
		if len(ms) < 2 {
			result.add(fmt.Sprintf("groups.%s", g.ID), "parallel group needs at least two member stages, has %d", len(ms))
			continue
		}
		for _, m := range ms[1:] {
			if !sameSet(m.After, ms[0].After) {
				result.add(fmt.Sprintf("stages.%s.after", m.ID), "members of group '%s' must share predecessors", g.ID)
			}
		}

		memberIDs := make([]string, len(ms))
		for i, m := range ms {
			memberIDs[i] = m.ID
		}

		if g.Next != "" {
			next, ok := stages[g.Next]
			if !ok {
				result.add(fmt.Sprintf("groups.%s.next", g.ID), "next stage '%s' does not exist", g.Next)
				continue
			}
			if !sameSet(next.After, memberIDs) {
				result.add(fmt.Sprintf("stages.%s.after", next.ID), "must list exactly the members of group '%s'", g.ID)
			}
		}

		for _, s := range def.Stages {
			if s.ID == g.Next {
				continue
			}
			for _, dep := range s.After {
				if slices.Contains(memberIDs, dep) {
					result.add(fmt.Sprintf("stages.%s.after", s.ID), "'%s' belongs to group '%s'; only its next stage may follow it", dep, g.ID)
				}
			}
		}
	}
}

// validateSteps checks that the entry and the successors of every non-group
// stage form exactly one step.
func (v *RegistryValidator) validateSteps(def Definition, result *ValidationResult) {
	byID := make(map[string]StageSpec)
	successors := make(map[string][]StageSpec)
	var entry []StageSpec
	for _, s := range def.Stages {
		byID[s.ID] = s
		if len(s.After) == 0 {
			entry = append(entry, s)
		}
		for _, dep := range s.After {
			successors[dep] = append(successors[dep], s)
		}
	}

	joins := make(map[string]bool)
	for _, g := range def.Groups {
		if g.Next != "" {
			joins[g.Next] = true
		}
	}
	for _, s := range def.Stages {
		if len(s.After) > 1 && !joins[s.ID] {
			result.add(fmt.Sprintf("stages.%s.after", s.ID), "a stage with several predecessors must be the next stage of a group")
		}
	}

	if !isSingleStep(entry, def) {
		result.add("stages", "the first step must be one stage or exactly one whole group")
	}

	for _, s := range def.Stages {
		if s.Group != "" {
			continue
		}
		next := successors[s.ID]
		if len(next) > 0 && !isSingleStep(next, def) {
			result.add(fmt.Sprintf("stages.%s", s.ID), "successors must be one stage or exactly one whole group")
		}
	}
}

func isSingleStep(step []StageSpec, def Definition) bool {
	if len(step) == 0 {
		return false
	}
	if len(step) == 1 {
		return step[0].Group == ""
	}
	group := step[0].Group
	if group == "" {
		return false
	}
	count := 0
	for _, s := range def.Stages {
		if s.Group == group {
			count++
		}
	}
	for _, s := range step {
		if s.Group != group {
			return false
		}
	}
	return count == len(step)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
