package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DefaultPipeline(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, "ui-component", r.Name())
	assert.Len(t, r.Stages(), 7)
	assert.Equal(t, []string{"signatures"}, r.Entry())
	assert.Equal(t, []string{"state"}, r.Next("signatures"))
	assert.Equal(t, []string{"layout", "styling"}, r.Next("state"))
	assert.Nil(t, r.Next("layout"))
	assert.Equal(t, []string{"layout", "styling"}, r.Members("render"))
	assert.Equal(t, []string{"assembly"}, r.AfterJoin("render"))
	assert.Equal(t, []string{"validation"}, r.Next("assembly"))
	assert.Empty(t, r.Next("finalization"))

	assert.Equal(t, []string{"layout", "styling"}, r.Step("styling"))
	assert.Equal(t, "render", r.Position([]string{"layout", "styling"}))
	assert.Equal(t, "assembly", r.Position([]string{"assembly"}))

	assert.Equal(t, []string{"signatures", "state", "layout", "styling"}, r.Upstream("assembly"))
	assert.Equal(t, []string{"signatures", "state"}, r.Upstream("styling"))
	assert.Empty(t, r.Upstream("signatures"))

	assert.Equal(t, "state", r.Earliest([]string{"validation", "state", "nope"}))
	assert.Empty(t, r.Earliest([]string{"nope"}))

	v, ok := r.Stage("validation")
	require.True(t, ok)
	assert.Equal(t, 3, v.MaxAttempts)
}

func TestRegistry_Defaults(t *testing.T) {
	r, err := NewRegistry(Definition{
		Name:   "single",
		Stages: []StageSpec{{ID: "only"}},
	})
	require.NoError(t, err)

	s, ok := r.Stage("only")
	require.True(t, ok)
	assert.Equal(t, DefaultStageTimeout, s.Timeout)
	assert.Equal(t, DefaultMaxAttempts, s.MaxAttempts)
	assert.Nil(t, r.Next("only"))
	assert.Nil(t, r.AfterJoin("none"))
}

func TestRegistry_TerminalGroup(t *testing.T) {
	r, err := NewRegistry(Definition{
		Name: "fanout",
		Stages: []StageSpec{
			{ID: "a"},
			{ID: "b", After: []string{"a"}, Group: "g"},
			{ID: "c", After: []string{"a"}, Group: "g"},
		},
		Groups: []GroupSpec{{ID: "g"}},
	})
	require.NoError(t, err)
	assert.Nil(t, r.AfterJoin("g"))
}

func TestRegistryValidator(t *testing.T) {
	tests := []struct {
		name  string
		def   Definition
		field string
	}{
		{
			name:  "missing name",
			def:   Definition{Stages: []StageSpec{{ID: "a"}}},
			field: "name",
		},
		{
			name:  "no stages",
			def:   Definition{Name: "x"},
			field: "stages",
		},
		{
			name:  "duplicate id",
			def:   Definition{Name: "x", Stages: []StageSpec{{ID: "a"}, {ID: "a"}}},
			field: "stages[1].id",
		},
		{
			name:  "negative timeout",
			def:   Definition{Name: "x", Stages: []StageSpec{{ID: "a", Timeout: -time.Second}}},
			field: "stages.a.timeout",
		},
		{
			name:  "missing dependency",
			def:   Definition{Name: "x", Stages: []StageSpec{{ID: "a", After: []string{"ghost"}}}},
			field: "stages.a.after",
		},
		{
			name:  "self dependency",
			def:   Definition{Name: "x", Stages: []StageSpec{{ID: "a", After: []string{"a"}}}},
			field: "stages.a.after",
		},
		{
			name: "cycle",
			def: Definition{Name: "x", Stages: []StageSpec{
				{ID: "a", After: []string{"b"}},
				{ID: "b", After: []string{"a"}},
			}},
			field: "stages",
		},
		{
			name: "declared out of order",
			def: Definition{Name: "x", Stages: []StageSpec{
				{ID: "b", After: []string{"a"}},
				{ID: "a"},
			}},
			field: "stages.b.after",
		},
		{
			name: "fork without a group",
			def: Definition{Name: "x", Stages: []StageSpec{
				{ID: "a"},
				{ID: "b", After: []string{"a"}},
				{ID: "c", After: []string{"a"}},
			}},
			field: "stages.a",
		},
		{
			name: "join without a group",
			def: Definition{Name: "x", Stages: []StageSpec{
				{ID: "a"},
				{ID: "b", After: []string{"a"}},
				{ID: "c", After: []string{"a", "b"}},
			}},
			field: "stages.c.after",
		},
		{
			name: "undeclared group",
			def: Definition{Name: "x", Stages: []StageSpec{
				{ID: "a"},
				{ID: "b", After: []string{"a"}, Group: "g"},
			}},
			field: "stages.b.group",
		},
		{
			name: "group of one",
			def: Definition{Name: "x", Stages: []StageSpec{
				{ID: "a"},
				{ID: "b", After: []string{"a"}, Group: "g"},
			}, Groups: []GroupSpec{{ID: "g"}}},
			field: "groups.g",
		},
		{
			name: "members with different predecessors",
			def: Definition{Name: "x", Stages: []StageSpec{
				{ID: "a"},
				{ID: "z", After: []string{"a"}},
				{ID: "b", After: []string{"z"}, Group: "g"},
				{ID: "c", After: []string{"a"}, Group: "g"},
			}, Groups: []GroupSpec{{ID: "g"}}},
			field: "stages.c.after",
		},
		{
			name: "next does not join every member",
			def: Definition{Name: "x", Stages: []StageSpec{
				{ID: "a"},
				{ID: "b", After: []string{"a"}, Group: "g"},
				{ID: "c", After: []string{"a"}, Group: "g"},
				{ID: "d", After: []string{"b"}},
			}, Groups: []GroupSpec{{ID: "g", Next: "d"}}},
			field: "stages.d.after",
		},
		{
			name: "missing next stage",
			def: Definition{Name: "x", Stages: []StageSpec{
				{ID: "a"},
				{ID: "b", After: []string{"a"}, Group: "g"},
				{ID: "c", After: []string{"a"}, Group: "g"},
			}, Groups: []GroupSpec{{ID: "g", Next: "d"}}},
			field: "groups.g.next",
		},
		{
			name: "two entry stages",
			def: Definition{Name: "x", Stages: []StageSpec{
				{ID: "a"},
				{ID: "b"},
			}},
			field: "stages",
		},
	}

	v := NewRegistryValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(normalizeDefinition(tt.def))
			require.False(t, result.Valid)

			fields := make([]string, 0, len(result.Errors))
			for _, e := range result.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)

			_, err := NewRegistry(tt.def)
			assert.True(t, errors.Is(err, ErrInvalidRegistry))
		})
	}
}

func TestRegistryValidator_GroupEntry(t *testing.T) {
	r, err := NewRegistry(Definition{
		Name: "parallel-start",
		Stages: []StageSpec{
			{ID: "x", Group: "g"},
			{ID: "y", Group: "g"},
			{ID: "z", After: []string{"x", "y"}},
		},
		Groups: []GroupSpec{{ID: "g", Next: "z"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, r.Entry())
	assert.Equal(t, "g", r.Position(r.Entry()))
}
