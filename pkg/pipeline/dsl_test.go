package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const abcdYAML = `
name: abcd
stages:
  - id: A
  - id: B
    after: [A]
    group: G
  - id: C
    after: [A]
    group: G
  - id: D
    after: [B, C]
    timeout: 90s
    max_attempts: 2
groups:
  - id: G
    next: D
`

const abcdJSON = `{
  "name": "abcd",
  "stages": [
    {"id": "A"},
    {"id": "B", "after": ["A"], "group": "G"},
    {"id": "C", "after": ["A"], "group": "G"},
    {"id": "D", "after": ["B", "C"], "timeout": "90s", "max_attempts": 2}
  ],
  "groups": [{"id": "G", "next": "D"}]
}`

func TestParseRegistry(t *testing.T) {
	for _, tc := range []struct {
		format string
		data   string
	}{
		{"yaml", abcdYAML},
		{"json", abcdJSON},
	} {
		t.Run(tc.format, func(t *testing.T) {
			r, err := ParseRegistry([]byte(tc.data), tc.format)
			require.NoError(t, err)

			assert.Equal(t, "abcd", r.Name())
			assert.Equal(t, []string{"B", "C"}, r.Members("G"))
			d, ok := r.Stage("D")
			require.True(t, ok)
			assert.Equal(t, 90*time.Second, d.Timeout)
			assert.Equal(t, 2, d.MaxAttempts)
		})
	}

	t.Run("empty input", func(t *testing.T) {
		_, err := ParseRegistryYAML(nil)
		assert.ErrorIs(t, err, ErrEmptyRegistryInput)
		_, err = ParseRegistryJSON([]byte{})
		assert.ErrorIs(t, err, ErrEmptyRegistryInput)
	})

	t.Run("malformed input", func(t *testing.T) {
		_, err := ParseRegistryYAML([]byte("stages: [unterminated"))
		assert.ErrorIs(t, err, ErrInvalidRegistry)
		_, err = ParseRegistryJSON([]byte(`{"name": "x", "stages": [{"id": "a", "timeout": "soon"}]}`))
		assert.ErrorIs(t, err, ErrInvalidRegistry)
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := ParseRegistry([]byte(abcdYAML), "xml")
		assert.Error(t, err)
	})
}

func TestLoadRegistryFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "abcd.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(abcdYAML), 0o644))
	r, err := LoadRegistryFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "abcd", r.Name())

	jsonPath := filepath.Join(dir, "abcd.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(abcdJSON), 0o644))
	r, err = LoadRegistryFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, r.AfterJoin("G"))

	_, err = LoadRegistryFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	r, err = LoadRegistryReader(strings.NewReader(abcdYAML), "yml")
	require.NoError(t, err)
	assert.Len(t, r.Stages(), 4)
}

func TestPredefinedRegistries(t *testing.T) {
	assert.Equal(t, []string{DefaultPipeline}, ListPredefinedRegistries())

	_, err := LoadPredefinedRegistry("nope")
	assert.Error(t, err)
}

func TestRegistry_ToYAML(t *testing.T) {
	orig := DefaultRegistry()
	data, err := orig.ToYAML()
	require.NoError(t, err)

	parsed, err := ParseRegistryYAML(data)
	require.NoError(t, err)
	assert.Equal(t, orig.Definition(), parsed.Definition())
}
