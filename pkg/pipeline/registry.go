package pipeline

import (
	"fmt"
	"slices"
	"time"
)

const (
	DefaultStageTimeout = 60 * time.Second
	DefaultMaxAttempts  = 3
)

// StageSpec is one row of the stage table.
type StageSpec struct {
	ID          string        `yaml:"id" json:"id"`
	After       []string      `yaml:"after,omitempty" json:"after,omitempty"`
	Group       string        `yaml:"group,omitempty" json:"group,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

// GroupSpec names a parallel group and the single stage triggered on its join.
// An empty Next makes the group the last step of the pipeline.
type GroupSpec struct {
	ID   string `yaml:"id" json:"id"`
	Next string `yaml:"next,omitempty" json:"next,omitempty"`
}

type Definition struct {
	Name   string      `yaml:"name" json:"name"`
	Stages []StageSpec `yaml:"stages" json:"stages"`
	Groups []GroupSpec `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// Registry is the immutable, validated stage graph. It holds no run state, so
// the same Registry serves any number of concurrent runs.
type Registry struct {
	name       string
	stages     []StageSpec
	index      map[string]int
	groups     map[string]GroupSpec
	members    map[string][]string
	successors map[string][]string
	entry      []string
}

// NewRegistry applies defaults to def, validates it and builds the lookup tables.
func NewRegistry(def Definition) (*Registry, error) {
	def = normalizeDefinition(def)

	result := NewRegistryValidator().Validate(def)
	if !result.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, result.Errors)
	}

	r := &Registry{
		name:       def.Name,
		stages:     slices.Clone(def.Stages),
		index:      make(map[string]int, len(def.Stages)),
		groups:     make(map[string]GroupSpec, len(def.Groups)),
		members:    make(map[string][]string),
		successors: make(map[string][]string),
	}

	for i, s := range r.stages {
		r.index[s.ID] = i
		if s.Group != "" {
			r.members[s.Group] = append(r.members[s.Group], s.ID)
		}
		if len(s.After) == 0 {
			r.entry = append(r.entry, s.ID)
		}
		for _, dep := range s.After {
			r.successors[dep] = append(r.successors[dep], s.ID)
		}
	}
	for _, g := range def.Groups {
		r.groups[g.ID] = g
	}

	return r, nil
}

// MustRegistry is NewRegistry for definitions known to be valid.
func MustRegistry(def Definition) *Registry {
	r, err := NewRegistry(def)
	if err != nil {
		panic(err)
	}
	return r
}

func normalizeDefinition(def Definition) Definition {
	out := Definition{
		Name:   def.Name,
		Stages: make([]StageSpec, len(def.Stages)),
		Groups: slices.Clone(def.Groups),
	}
	for i, s := range def.Stages {
		s.After = slices.Clone(s.After)
		if s.Timeout == 0 {
			s.Timeout = DefaultStageTimeout
		}
		if s.MaxAttempts == 0 {
			s.MaxAttempts = DefaultMaxAttempts
		}
		out.Stages[i] = s
	}
	return out
}

func (r *Registry) Name() string { return r.name }

// Definition returns the normalized definition the registry was built from.
func (r *Registry) Definition() Definition {
	groups := make([]GroupSpec, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	slices.SortFunc(groups, func(a, b GroupSpec) int { return r.groupOrder(a.ID) - r.groupOrder(b.ID) })
	return Definition{Name: r.name, Stages: r.Stages(), Groups: groups}
}

func (r *Registry) groupOrder(id string) int {
	if m := r.members[id]; len(m) > 0 {
		return r.index[m[0]]
	}
	return len(r.stages)
}

// Stages returns the stages in declaration (topological) order.
func (r *Registry) Stages() []StageSpec {
	out := make([]StageSpec, len(r.stages))
	for i, s := range r.stages {
		s.After = slices.Clone(s.After)
		out[i] = s
	}
	return out
}

func (r *Registry) Stage(id string) (StageSpec, bool) {
	i, ok := r.index[id]
	if !ok {
		return StageSpec{}, false
	}
	s := r.stages[i]
	s.After = slices.Clone(s.After)
	return s, true
}

func (r *Registry) Group(id string) (GroupSpec, bool) {
	g, ok := r.groups[id]
	return g, ok
}

// Members returns the stages of a parallel group in declaration order.
func (r *Registry) Members(groupID string) []string {
	return slices.Clone(r.members[groupID])
}

// Entry returns the first step: one stage or every member of one group.
func (r *Registry) Entry() []string {
	return slices.Clone(r.entry)
}

// Next returns the step that follows stageID. For a member of a parallel group
// it returns nil: the group's successor is released only by its join.
func (r *Registry) Next(stageID string) []string {
	s, ok := r.Stage(stageID)
	if !ok || s.Group != "" {
		return nil
	}
	return slices.Clone(r.successors[stageID])
}

// AfterJoin returns the stage released when groupID joins, or nil if the group
// ends the pipeline.
func (r *Registry) AfterJoin(groupID string) []string {
	g, ok := r.groups[groupID]
	if !ok || g.Next == "" {
		return nil
	}
	return []string{g.Next}
}

// Step returns every stage that must run together with stageID.
func (r *Registry) Step(stageID string) []string {
	s, ok := r.Stage(stageID)
	if !ok {
		return nil
	}
	if s.Group != "" {
		return r.Members(s.Group)
	}
	return []string{stageID}
}

// Position names a step: the group id for a parallel step, otherwise the stage id.
func (r *Registry) Position(step []string) string {
	if len(step) == 0 {
		return ""
	}
	if s, ok := r.Stage(step[0]); ok && s.Group != "" {
		return s.Group
	}
	return step[0]
}

// Upstream returns every stage stageID transitively depends on, in declaration order.
func (r *Registry) Upstream(stageID string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		s, ok := r.Stage(id)
		if !ok {
			return
		}
		for _, dep := range s.After {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(stageID)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b string) int { return r.index[a] - r.index[b] })
	return out
}

// Earliest returns the target declared first, or "" if none is known.
func (r *Registry) Earliest(targets []string) string {
	best, bestIdx := "", len(r.stages)
	for _, t := range targets {
		if i, ok := r.index[t]; ok && i < bestIdx {
			best, bestIdx = t, i
		}
	}
	return best
}
