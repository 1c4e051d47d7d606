package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lkarlslund/chatgate/pkg/apierr"
)

// DefaultAlias names the model used when a caller does not ask for one.
// Kimi K2 Thinking is the most capable entry of the built-in table.
const DefaultAlias = "kimi"

type Entry struct {
	Alias       string `toml:"alias" yaml:"alias" json:"alias"`
	ID          string `toml:"id" yaml:"id" json:"id"`
	Name        string `toml:"name,omitempty" yaml:"name,omitempty" json:"name,omitempty"`
	Description string `toml:"description,omitempty" yaml:"description,omitempty" json:"description,omitempty"`
}

func DefaultEntries() []Entry {
	return []Entry{
		{Alias: "glm", ID: "zai-org/GLM-4.6", Name: "GLM 4.6", Description: "Zhipu general purpose model"},
		{Alias: "deepseek", ID: "deepseek-ai/DeepSeek-V3.2", Name: "DeepSeek V3.2", Description: "Latest DeepSeek model with excellent performance"},
		{Alias: "kimi", ID: "moonshotai/Kimi-K2-Thinking", Name: "Moonshot Kimi K2", Description: "Advanced thinking model with strong reasoning capabilities"},
		{Alias: "qwen", ID: "Qwen/Qwen3-VL-8B-Instruct", Name: "Qwen3 VL 8B", Description: "Alibaba vision-language model"},
		{Alias: "llama", ID: "meta-llama/Llama-3.3-70B-Instruct", Name: "Llama 3.3 70B", Description: "Meta's powerful open-source model"},
	}
}

// Registry maps short aliases to upstream model ids. It is never mutated
// after NewRegistry returns, so concurrent lookups need no locking.
type Registry struct {
	byAlias   map[string]string
	known     map[string]struct{}
	entries   []Entry
	defaultID string
}

func NewRegistry(entries []Entry, defaultAlias string) (*Registry, error) {
	if len(entries) == 0 {
		return nil, errors.New("model table cannot be empty")
	}
	r := &Registry{
		byAlias: make(map[string]string, len(entries)),
		known:   make(map[string]struct{}, len(entries)),
		entries: make([]Entry, 0, len(entries)),
	}
	for _, e := range entries {
		e.Alias = strings.TrimSpace(e.Alias)
		e.ID = strings.TrimSpace(e.ID)
		e.Name = strings.TrimSpace(e.Name)
		e.Description = strings.TrimSpace(e.Description)
		if e.Alias == "" {
			return nil, errors.New("model alias cannot be empty")
		}
		if e.ID == "" {
			return nil, fmt.Errorf("model alias %q has an empty id", e.Alias)
		}
		if _, ok := r.byAlias[e.Alias]; ok {
			return nil, fmt.Errorf("duplicate model alias %q", e.Alias)
		}
		r.byAlias[e.Alias] = e.ID
		r.known[e.ID] = struct{}{}
		r.entries = append(r.entries, e)
	}
	sort.SliceStable(r.entries, func(i, j int) bool { return r.entries[i].Alias < r.entries[j].Alias })

	defaultAlias = strings.TrimSpace(defaultAlias)
	if defaultAlias == "" {
		defaultAlias = DefaultAlias
	}
	id, ok := r.byAlias[defaultAlias]
	if !ok {
		return nil, fmt.Errorf("default model alias %q is not in the model table", defaultAlias)
	}
	r.defaultID = id
	return r, nil
}

// MustDefault returns the built-in registry.
func MustDefault() *Registry {
	r, err := NewRegistry(DefaultEntries(), DefaultAlias)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the upstream id for candidate. Aliases map to their id,
// ids (optionally pinned to an upstream provider with a ":provider" suffix)
// pass through unchanged and an empty candidate yields the default.
func (r *Registry) Resolve(candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return r.defaultID, nil
	}
	if id, ok := r.byAlias[candidate]; ok {
		return id, nil
	}
	if r.IsCanonical(candidate) {
		return candidate, nil
	}
	if idx := strings.LastIndex(candidate, ":"); idx > 0 && idx < len(candidate)-1 {
		if r.IsCanonical(candidate[:idx]) {
			return candidate, nil
		}
	}
	return "", apierr.UnknownModel(candidate)
}

func (r *Registry) IsCanonical(id string) bool {
	_, ok := r.known[id]
	return ok
}

func (r *Registry) Default() string {
	return r.defaultID
}

func (r *Registry) Catalog() []Entry {
	return append([]Entry(nil), r.entries...)
}
