// Package modelregistry implements the Model Registry (spec component C2):
// a named catalog of ModelSettings with usage accounting, consulted by the
// Agent Manager whenever it resolves a model for an agent.
//
// Grounded on the teacher's internal/agent/registry (a map keyed by string
// id, guarded by a mutex, seeded with defaults) generalized from agent-type
// configs to chat-completion endpoint settings, and on
// haasonsaas-nexus/internal/models/catalog.go for the shape of per-entry
// usage bookkeeping (count references, sort by usage then recency).
package modelregistry

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/apperrors"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/eventbus"
)

// Event types emitted on the registry's bus.
const (
	EventModelAdded   = "MODEL_ADDED"
	EventModelRemoved = "MODEL_REMOVED"
	EventModelUpdated = "MODEL_UPDATED"
)

// ModelSettings describes how to talk to a chat-completion endpoint. It has
// value semantics: every accessor on Registry returns a copy so downstream
// mutation can never alias the stored entry (spec §9, "return-by-copy model
// settings").
type ModelSettings struct {
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Clone returns a value copy. ModelSettings has no reference fields, so a
// plain struct copy already has clone semantics; Clone exists to make that
// guarantee explicit at call sites instead of relying on the reader to know it.
func (s ModelSettings) Clone() ModelSettings { return s }

// key returns the (model, baseURL) pair used as the equality key for usage
// accounting per spec §3/§4.2.
func (s ModelSettings) key() pairKey { return pairKey{model: s.Model, baseURL: s.BaseURL} }

// RedactedAPIKey returns APIKey in masked form ("" when unset), for logging
// or reporting to callers. Grounded on the teacher's credential-pattern
// classification (internal/agent/credentials): any non-empty key is masked
// to a fixed-length placeholder rather than echoed back.
func (s ModelSettings) RedactedAPIKey() string {
	if s.APIKey == "" {
		return ""
	}
	return "****"
}

type pairKey struct {
	model   string
	baseURL string
}

// Entry is a ModelRegistryEntry: { id, modelSettings, created, lastUsed? }.
type Entry struct {
	ID            string
	ModelSettings ModelSettings
	Created       time.Time
	LastUsed      *time.Time
}

// Clone returns a deep-enough copy of the entry (ModelSettings is a value
// type, and LastUsed is copied by value through a fresh pointer).
func (e Entry) Clone() Entry {
	c := e
	c.ModelSettings = e.ModelSettings.Clone()
	if e.LastUsed != nil {
		t := *e.LastUsed
		c.LastUsed = &t
	}
	return c
}

// AgentUsageLookup is consulted by Registry to determine which (model,
// baseURL) pairs are currently in use by live agents. The Agent Manager
// implements this by scanning its agent map; the registry never imports the
// agent manager package to avoid a dependency cycle.
type AgentUsageLookup interface {
	// CountAgentsUsing returns how many agents have resolved settings whose
	// (model, baseURL) pair equals the one given.
	CountAgentsUsing(model, baseURL string) int
}

// Options configures model resolution fallbacks (spec §4.2 resolveModelSettings).
type Options struct {
	DefaultModelID       string
	DefaultModelSettings ModelSettings
	AllowedModels        map[string]bool // nil means "no restriction"
	AllowCustomModels    bool
}

// Registry is the Model Registry control plane.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	opts   Options
	usage  AgentUsageLookup
	bus    *eventbus.Bus
	logger *logger.Logger
}

// New creates an empty registry. usage may be nil until the Agent Manager
// wires itself in (see SetUsageLookup) — resolution still works, only
// removeModel's in-use check and getModelStats degrade to "0 agents".
func New(opts Options, bus *eventbus.Bus, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		opts:    opts,
		bus:     bus,
		logger:  log.WithFields(zap.String("component", "model-registry")),
	}
}

// SetUsageLookup wires the Agent Manager's usage lookup in after construction,
// avoiding a circular constructor dependency between the two packages.
func (r *Registry) SetUsageLookup(u AgentUsageLookup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = u
}

// AddModel inserts a new entry. Returns false (no event emitted) if id exists.
func (r *Registry) AddModel(id string, settings ModelSettings) bool {
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return false
	}
	entry := &Entry{ID: id, ModelSettings: settings.Clone(), Created: time.Now().UTC()}
	r.entries[id] = entry
	r.mu.Unlock()

	r.logger.Info("model added", zap.String("model_id", id))
	if r.bus != nil {
		r.bus.Emit(EventModelAdded, entry.Clone())
	}
	return true
}

// RemoveModel deletes an entry, rejecting with ModelInUse if any agent's
// (model, baseURL) pair matches it. Returns false if the id is absent.
func (r *Registry) RemoveModel(id string) (bool, error) {
	r.mu.Lock()
	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return false, nil
	}

	count := 0
	if r.usage != nil {
		count = r.usage.CountAgentsUsing(entry.ModelSettings.Model, entry.ModelSettings.BaseURL)
	}
	if count > 0 {
		r.mu.Unlock()
		return false, apperrors.ModelInUse(
			"Cannot remove model " + id + ": it is being used by " + strconv.Itoa(count) + " agent(s)")
	}

	delete(r.entries, id)
	r.mu.Unlock()

	r.logger.Info("model removed", zap.String("model_id", id))
	if r.bus != nil {
		r.bus.Emit(EventModelRemoved, entry.Clone())
	}
	return true, nil
}

// UpdateModel replaces settings in place. Existing agents keep whatever
// ModelSettings they already resolved — updateModel never retroactively
// changes a running agent (spec §4.2, §8 boundary behavior).
func (r *Registry) UpdateModel(id string, settings ModelSettings) bool {
	r.mu.Lock()
	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	oldSettings := entry.ModelSettings
	entry.ModelSettings = settings.Clone()
	r.mu.Unlock()

	r.logger.Info("model updated", zap.String("model_id", id))
	if r.bus != nil {
		r.bus.Emit(EventModelUpdated, map[string]any{"id": id, "old": oldSettings, "new": settings.Clone()})
	}
	return true
}

func (r *Registry) GetModel(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return entry.Clone(), true
}

func (r *Registry) HasModel(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) ListModels() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Clone())
	}
	return out
}

// ResolveModelSettings implements the 4-branch resolution logic of spec §4.2.
func (r *Registry) ResolveModelSettings(modelID *string, settings *ModelSettings) (ModelSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1. explicit custom settings
	if settings != nil {
		if !r.opts.AllowCustomModels {
			return ModelSettings{}, apperrors.ModelDisallowed(
				"Custom model settings are not allowed. Use a model ID from the registry.")
		}
		return settings.Clone(), nil
	}

	// 2. explicit model id
	if modelID != nil {
		return r.resolveByIDLocked(*modelID)
	}

	// 3. configured default model id
	if r.opts.DefaultModelID != "" {
		return r.resolveByIDLocked(r.opts.DefaultModelID)
	}

	// 4. ambient default settings
	return r.opts.DefaultModelSettings.Clone(), nil
}

func (r *Registry) resolveByIDLocked(id string) (ModelSettings, error) {
	if r.opts.AllowedModels != nil && !r.opts.AllowedModels[id] {
		return ModelSettings{}, apperrors.ModelDisallowed("model id " + id + " is not in the allowed list")
	}
	entry, ok := r.entries[id]
	if !ok {
		return ModelSettings{}, apperrors.NotFound("model", id)
	}
	now := time.Now().UTC()
	entry.LastUsed = &now
	return entry.ModelSettings.Clone(), nil
}

// ModelStat is one row of getModelStats output.
type ModelStat struct {
	Entry       Entry
	AgentsUsing int
}

// GetModelStats returns per-model usage counts sorted by
// (agentsUsing desc, lastUsed desc, created desc).
func (r *Registry) GetModelStats() []ModelStat {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]ModelStat, 0, len(r.entries))
	for _, e := range r.entries {
		count := 0
		if r.usage != nil {
			count = r.usage.CountAgentsUsing(e.ModelSettings.Model, e.ModelSettings.BaseURL)
		}
		stats = append(stats, ModelStat{Entry: e.Clone(), AgentsUsing: count})
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].AgentsUsing != stats[j].AgentsUsing {
			return stats[i].AgentsUsing > stats[j].AgentsUsing
		}
		li, lj := stats[i].Entry.LastUsed, stats[j].Entry.LastUsed
		if li == nil && lj != nil {
			return false
		}
		if li != nil && lj == nil {
			return true
		}
		if li != nil && lj != nil && !li.Equal(*lj) {
			return li.After(*lj)
		}
		return stats[i].Entry.Created.After(stats[j].Entry.Created)
	})
	return stats
}
