package llm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "llmops/internal/errors"
)

// ModelSpec describes one invokable model.
type ModelSpec struct {
	ID            string `json:"id" yaml:"id"`
	Provider      string `json:"provider" yaml:"provider"`
	Name          string `json:"name" yaml:"name"`
	BaseURL       string `json:"base_url,omitempty" yaml:"base_url"`
	APIKeyEnv     string `json:"-" yaml:"api_key_env"`
	APIKey        string `json:"-" yaml:"-"`
	ContextWindow int    `json:"context_window,omitempty" yaml:"context_window"`
	MaxTokens     int    `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Default       bool   `json:"default" yaml:"default"`
}

type catalogFile struct {
	Models []ModelSpec `yaml:"models"`
}

// Registry is the catalog of configured models.
type Registry struct {
	models map[string]ModelSpec
	order  []string
	defID  string
}

// NewRegistry builds a registry holding the default model plus any catalog entries.
// Catalog entries with the same ID replace the default's settings.
func NewRegistry(defaultModel ModelSpec, catalog []ModelSpec) (*Registry, error) {
	r := &Registry{models: map[string]ModelSpec{}}

	if defaultModel.ID == "" {
		defaultModel.ID = defaultModel.Name
	}
	if defaultModel.ID != "" {
		defaultModel.Default = true
		if err := r.add(defaultModel); err != nil {
			return nil, err
		}
	}

	for _, spec := range catalog {
		if err := r.add(spec); err != nil {
			return nil, err
		}
		if spec.Default {
			r.defID = spec.ID
		}
	}

	if r.defID == "" && defaultModel.ID != "" {
		r.defID = defaultModel.ID
	}
	if r.defID == "" && len(r.order) > 0 {
		r.defID = r.order[0]
	}
	for modelID, spec := range r.models {
		spec.Default = modelID == r.defID
		r.models[modelID] = spec
	}
	return r, nil
}

func (r *Registry) add(spec ModelSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("model entry without id")
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if spec.Provider == "" {
		spec.Provider = ProviderOpenAI
	}
	if _, exists := r.models[spec.ID]; !exists {
		r.order = append(r.order, spec.ID)
	}
	r.models[spec.ID] = spec
	return nil
}

// LoadCatalog reads a models.yaml file. A missing file yields no entries.
// api_key_env is resolved through lookup.
func LoadCatalog(path string, lookup func(string) (string, bool)) ([]ModelSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for i := range file.Models {
		if env := strings.TrimSpace(file.Models[i].APIKeyEnv); env != "" {
			file.Models[i].APIKey, _ = lookup(env)
		}
	}
	return file.Models, nil
}

// List returns all models, default first, then by ID.
func (r *Registry) List() []ModelSpec {
	out := make([]ModelSpec, 0, len(r.models))
	for _, modelID := range r.order {
		out = append(out, r.models[modelID])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Default != out[j].Default {
			return out[i].Default
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a model by ID.
func (r *Registry) Get(modelID string) (ModelSpec, error) {
	spec, ok := r.models[modelID]
	if !ok {
		return ModelSpec{}, apperrors.NotFound("model %s", modelID)
	}
	return spec, nil
}

// Default returns the default model.
func (r *Registry) Default() (ModelSpec, error) {
	if r.defID == "" {
		return ModelSpec{}, apperrors.NotFound("no models configured")
	}
	return r.models[r.defID], nil
}

// Resolve returns the model for modelID, or the default when modelID is empty.
func (r *Registry) Resolve(modelID string) (ModelSpec, error) {
	if strings.TrimSpace(modelID) == "" {
		return r.Default()
	}
	return r.Get(modelID)
}
