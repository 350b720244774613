// Package models is the Model List component (spec §6 GET /models): the
// registry of upstream model metadata everything else in the pipeline
// consults — supported_endpoints for the responses bridge (§4.8.4), token
// budgets for the truncator (§4.8.7), and vendor/family/tier for the
// fallback rubric (§4.11).
package models

import (
	"strings"

	"github.com/Laisky/codeassist-proxy/internal/dialect"
	"github.com/Laisky/codeassist-proxy/internal/retry"
)

// Model is one entry in the upstream model registry.
type Model struct {
	ID                 string
	Vendor             string
	Family             string
	Tier               int // lower is smaller/cheaper, used by the same-family fallback preference
	IsCodex            bool
	IsPreview          bool
	SupportedEndpoints []string // "/chat/completions", "/responses", "/embeddings"

	MaxPromptTokens        int
	MaxContextWindowTokens int
	MaxOutputTokens        int
}

// Registry is the process-wide, read-only model list. Production wiring
// loads it once at startup (from a models endpoint or a static table);
// tests construct one directly.
type Registry struct {
	models []Model
	byID   map[string]Model
}

// NewRegistry builds a Registry from a fixed model list.
func NewRegistry(list []Model) *Registry {
	r := &Registry{models: list, byID: make(map[string]Model, len(list))}
	for _, m := range list {
		r.byID[m.ID] = m
	}
	return r
}

// Default returns the built-in registry for the proprietary code-assistant
// backend this proxy fronts: a small family of general chat models plus
// "codex" reasoning models that only speak the responses dialect.
func Default() *Registry {
	return NewRegistry([]Model{
		{
			ID: "gpt-4.1", Vendor: "upstream", Family: "gpt-4.1", Tier: 2,
			SupportedEndpoints:     []string{"/chat/completions", "/embeddings"},
			MaxContextWindowTokens: 128_000, MaxOutputTokens: 16_384,
		},
		{
			ID: "gpt-4.1-mini", Vendor: "upstream", Family: "gpt-4.1", Tier: 1,
			SupportedEndpoints:     []string{"/chat/completions", "/embeddings"},
			MaxContextWindowTokens: 128_000, MaxOutputTokens: 16_384,
		},
		{
			ID: "gpt-4.1-nano", Vendor: "upstream", Family: "gpt-4.1", Tier: 0,
			SupportedEndpoints:     []string{"/chat/completions", "/embeddings"},
			MaxContextWindowTokens: 128_000, MaxOutputTokens: 16_384,
		},
		{
			ID: "o4-mini-codex", Vendor: "upstream", Family: "o4-codex", Tier: 1, IsCodex: true,
			SupportedEndpoints:     []string{"/responses"},
			MaxContextWindowTokens: 200_000, MaxOutputTokens: 100_000,
		},
		{
			ID: "o4-mini-codex-high", Vendor: "upstream", Family: "o4-codex", Tier: 2, IsCodex: true,
			SupportedEndpoints:     []string{"/responses"},
			MaxContextWindowTokens: 200_000, MaxOutputTokens: 100_000,
		},
		{
			ID: "o3-codex-preview", Vendor: "upstream", Family: "o3-codex", Tier: 1, IsCodex: true, IsPreview: true,
			SupportedEndpoints:     []string{"/responses"},
			MaxContextWindowTokens: 200_000, MaxOutputTokens: 100_000,
		},
		{
			ID: "text-embedding-3-small", Vendor: "upstream", Family: "text-embedding-3", Tier: 0,
			SupportedEndpoints: []string{"/embeddings"},
		},
	})
}

// Lookup returns the model registered under id.
func (r *Registry) Lookup(id string) (Model, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// List returns every registered model.
func (r *Registry) List() []Model {
	return r.models
}

// Available reports whether id names a registered model — the
// availability predicate retry.ResolveFallbackChain needs.
func (r *Registry) Available(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// ToInfo projects a Model onto the rubric retry.FindSibling scores
// against.
func ToInfo(m Model) retry.ModelInfo {
	return retry.ModelInfo{
		ID: m.ID, Vendor: m.Vendor, Family: m.Family, Tier: m.Tier,
		IsCodex: m.IsCodex, IsPreview: m.IsPreview, SupportedEndpoints: m.SupportedEndpoints,
	}
}

// ToLimits projects a Model onto the budget shape the truncator consumes.
func ToLimits(m Model) dialect.ModelLimits {
	return dialect.ModelLimits{
		MaxPromptTokens:        m.MaxPromptTokens,
		MaxContextWindowTokens: m.MaxContextWindowTokens,
		MaxOutputTokens:        m.MaxOutputTokens,
	}
}

// Infos projects the whole registry onto the fallback rubric's input
// shape, for retry.FindSibling's registry argument.
func (r *Registry) Infos() []retry.ModelInfo {
	out := make([]retry.ModelInfo, len(r.models))
	for i, m := range r.models {
		out[i] = ToInfo(m)
	}
	return out
}

// NormalizeModelID lower-cases and trims an incoming model id so registry
// lookups are tolerant of client-side casing/whitespace drift.
func NormalizeModelID(id string) string {
	return strings.TrimSpace(strings.ToLower(id))
}
