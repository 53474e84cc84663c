package pipeline

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// DefaultPipeline is the built-in UI component generation pipeline.
const DefaultPipeline = "ui-component"

var predefinedTemplates = map[string]string{
	DefaultPipeline: "templates/ui-component.yaml",
}

// jsonStageSpec mirrors StageSpec with a string timeout so that JSON
// definitions read the same as YAML ones.
type jsonStageSpec struct {
	ID          string   `json:"id"`
	After       []string `json:"after,omitempty"`
	Group       string   `json:"group,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
}

func ParseRegistryYAML(data []byte) (*Registry, error) {
	if len(data) == 0 {
		return nil, ErrEmptyRegistryInput
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	return NewRegistry(def)
}

func ParseRegistryJSON(data []byte) (*Registry, error) {
	if len(data) == 0 {
		return nil, ErrEmptyRegistryInput
	}

	var raw struct {
		Name   string          `json:"name"`
		Stages []jsonStageSpec `json:"stages"`
		Groups []GroupSpec     `json:"groups"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}

	def := Definition{Name: raw.Name, Groups: raw.Groups}
	for _, s := range raw.Stages {
		spec := StageSpec{ID: s.ID, After: s.After, Group: s.Group, MaxAttempts: s.MaxAttempts}
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, fmt.Errorf("%w: stages.%s.timeout: %v", ErrInvalidRegistry, s.ID, err)
			}
			spec.Timeout = d
		}
		def.Stages = append(def.Stages, spec)
	}
	return NewRegistry(def)
}

func ParseRegistry(data []byte, format string) (*Registry, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return ParseRegistryYAML(data)
	case "json":
		return ParseRegistryJSON(data)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	format := "yaml"
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		format = "json"
	}
	return ParseRegistry(data, format)
}

func LoadRegistryReader(r io.Reader, format string) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}
	return ParseRegistry(data, format)
}

// LoadPredefinedRegistry returns a built-in pipeline by name.
func LoadPredefinedRegistry(name string) (*Registry, error) {
	path, exists := predefinedTemplates[name]
	if !exists {
		return nil, fmt.Errorf("pipeline template not found: %s", name)
	}

	data, err := templateFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}
	return ParseRegistryYAML(data)
}

// DefaultRegistry returns the built-in UI component pipeline.
func DefaultRegistry() *Registry {
	r, err := LoadPredefinedRegistry(DefaultPipeline)
	if err != nil {
		panic(err)
	}
	return r
}

func ListPredefinedRegistries() []string {
	names := make([]string, 0, len(predefinedTemplates))
	for name := range predefinedTemplates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ToYAML renders the registry in the format ParseRegistryYAML accepts.
func (r *Registry) ToYAML() ([]byte, error) {
	type yamlStage struct {
		ID          string   `yaml:"id"`
		After       []string `yaml:"after,omitempty,flow"`
		Group       string   `yaml:"group,omitempty"`
		Timeout     string   `yaml:"timeout"`
		MaxAttempts int      `yaml:"max_attempts"`
	}
	def := r.Definition()
	out := struct {
		Name   string      `yaml:"name"`
		Stages []yamlStage `yaml:"stages"`
		Groups []GroupSpec `yaml:"groups,omitempty"`
	}{Name: def.Name, Groups: def.Groups}
	for _, s := range def.Stages {
		out.Stages = append(out.Stages, yamlStage{
			ID:          s.ID,
			After:       s.After,
			Group:       s.Group,
			Timeout:     s.Timeout.String(),
			MaxAttempts: s.MaxAttempts,
		})
	}
	return yaml.Marshal(out)
}
