package modelregistry

import (
	"testing"

	"github.com/kandev/agentkernel/internal/apperrors"
)

type stubUsage struct{ counts map[string]int }

func (s *stubUsage) CountAgentsUsing(model, baseURL string) int {
	return s.counts[model+"|"+baseURL]
}

func newTestRegistry(opts Options) *Registry {
	return New(opts, nil, nil)
}

func TestResolveExplicitSettingsWins(t *testing.T) {
	r := newTestRegistry(Options{AllowCustomModels: true, DefaultModelID: "gpt"})
	r.AddModel("gpt", ModelSettings{Model: "gpt-4", BaseURL: "https://api.openai.com"})

	custom := ModelSettings{Model: "claude-3", BaseURL: "https://api.anthropic.com"}
	resolved, err := r.ResolveModelSettings(nil, &custom)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Model != "claude-3" {
		t.Fatalf("expected explicit settings to win, got %+v", resolved)
	}
}

func TestResolveExplicitSettingsRejectedWhenCustomModelsDisallowed(t *testing.T) {
	r := newTestRegistry(Options{AllowCustomModels: false})
	custom := ModelSettings{Model: "claude-3"}

	_, err := r.ResolveModelSettings(nil, &custom)
	if err == nil {
		t.Fatal("expected an error when custom model settings are disallowed")
	}
	if appErr, ok := err.(*apperrors.AppError); !ok || appErr.Code != "MODEL_DISALLOWED" {
		t.Fatalf("expected a MODEL_DISALLOWED AppError, got %v", err)
	}
}

func TestResolveByExplicitModelID(t *testing.T) {
	r := newTestRegistry(Options{})
	r.AddModel("gpt", ModelSettings{Model: "gpt-4", BaseURL: "https://api.openai.com"})

	id := "gpt"
	resolved, err := r.ResolveModelSettings(&id, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Model != "gpt-4" {
		t.Fatalf("expected gpt-4, got %+v", resolved)
	}
}

func TestResolveFallsBackToConfiguredDefaultModelID(t *testing.T) {
	r := newTestRegistry(Options{DefaultModelID: "gpt"})
	r.AddModel("gpt", ModelSettings{Model: "gpt-4"})

	resolved, err := r.ResolveModelSettings(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Model != "gpt-4" {
		t.Fatalf("expected fallback to defaultModelId, got %+v", resolved)
	}
}

func TestResolveFallsBackToAmbientDefaultSettings(t *testing.T) {
	r := newTestRegistry(Options{DefaultModelSettings: ModelSettings{Model: "fallback-model"}})

	resolved, err := r.ResolveModelSettings(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Model != "fallback-model" {
		t.Fatalf("expected ambient default settings, got %+v", resolved)
	}
}

func TestResolveByIDRejectsDisallowedModel(t *testing.T) {
	r := newTestRegistry(Options{AllowedModels: map[string]bool{"gpt": true}})
	r.AddModel("claude", ModelSettings{Model: "claude-3"})

	id := "claude"
	_, err := r.ResolveModelSettings(&id, nil)
	if err == nil {
		t.Fatal("expected an error for a model id outside AllowedModels")
	}
}

func TestResolveByIDNotFound(t *testing.T) {
	r := newTestRegistry(Options{})
	id := "missing"
	_, err := r.ResolveModelSettings(&id, nil)
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRemoveModelRejectedWhenInUse(t *testing.T) {
	r := newTestRegistry(Options{})
	r.AddModel("gpt", ModelSettings{Model: "gpt-4", BaseURL: "https://api.openai.com"})
	r.SetUsageLookup(&stubUsage{counts: map[string]int{"gpt-4|https://api.openai.com": 2}})

	_, err := r.RemoveModel("gpt")
	if err == nil {
		t.Fatal("expected ModelInUse error")
	}
	if !r.HasModel("gpt") {
		t.Fatal("model must not be removed while in use")
	}
}

func TestRemoveModelSucceedsWhenUnused(t *testing.T) {
	r := newTestRegistry(Options{})
	r.AddModel("gpt", ModelSettings{Model: "gpt-4"})
	r.SetUsageLookup(&stubUsage{})

	removed, err := r.RemoveModel("gpt")
	if err != nil || !removed {
		t.Fatalf("expected removal to succeed, got removed=%v err=%v", removed, err)
	}
	if r.HasModel("gpt") {
		t.Fatal("model should be gone")
	}
}

func TestUpdateModelDoesNotRetroactivelyMutateResolvedCopies(t *testing.T) {
	r := newTestRegistry(Options{})
	r.AddModel("gpt", ModelSettings{Model: "gpt-4"})

	id := "gpt"
	resolved, _ := r.ResolveModelSettings(&id, nil)

	r.UpdateModel("gpt", ModelSettings{Model: "gpt-4-turbo"})

	if resolved.Model != "gpt-4" {
		t.Fatalf("previously resolved settings must not change, got %+v", resolved)
	}
	entry, _ := r.GetModel("gpt")
	if entry.ModelSettings.Model != "gpt-4-turbo" {
		t.Fatalf("registry entry should reflect the update, got %+v", entry)
	}
}

func TestGetModelStatsSortsByUsageThenRecency(t *testing.T) {
	r := newTestRegistry(Options{})
	r.AddModel("low", ModelSettings{Model: "low-model"})
	r.AddModel("high", ModelSettings{Model: "high-model"})
	r.AddModel("recent", ModelSettings{Model: "recent-model"})
	r.SetUsageLookup(&stubUsage{counts: map[string]int{"high-model|": 5, "low-model|": 1, "recent-model|": 1}})

	// Resolving stamps lastUsed, so "recent" outranks "low" at equal usage.
	id := "recent"
	if _, err := r.ResolveModelSettings(&id, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := r.GetModelStats()
	if len(stats) != 3 || stats[0].Entry.ID != "high" {
		t.Fatalf("expected high-usage model first, got %+v", stats)
	}
	if stats[1].Entry.ID != "recent" || stats[2].Entry.ID != "low" {
		t.Fatalf("expected the recently used model ahead of the unused one at equal usage, got %+v", stats)
	}
}

func TestRedactedAPIKeyMasksNonEmptyKey(t *testing.T) {
	s := ModelSettings{APIKey: "sk-secret"}
	if s.RedactedAPIKey() != "****" {
		t.Fatalf("expected masked key, got %q", s.RedactedAPIKey())
	}
	empty := ModelSettings{}
	if empty.RedactedAPIKey() != "" {
		t.Fatalf("expected empty redaction for empty key, got %q", empty.RedactedAPIKey())
	}
}
