// Package agentmanager implements the Agent Manager (spec component C6):
// the quota, namespace, and model-resolution control plane over Agents. It
// consults the Model Registry for settings resolution and the Kernel
// Manager for kernel attach/detach, but never imports either as a hard
// constructor dependency beyond what their public interfaces expose —
// AgentManager implements modelregistry.AgentUsageLookup so the registry can
// query it back without a circular import.
//
// Grounded on the teacher's internal/agent/lifecycle.Manager: the
// instances map guarded by a single mutex, the publishEvent-after-
// mutation discipline, and the cleanup-over-stale-entries shape all
// carry over, retargeted from container-task lifecycle to agent
// quota/namespace/model-resolution lifecycle.
package agentmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/agent"
	"github.com/kandev/agentkernel/internal/apperrors"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/convstore"
	"github.com/kandev/agentkernel/internal/envmask"
	"github.com/kandev/agentkernel/internal/eventbus"
	"github.com/kandev/agentkernel/internal/kernel"
	"github.com/kandev/agentkernel/internal/kernelmanager"
	"github.com/kandev/agentkernel/internal/modelregistry"
	"github.com/kandev/agentkernel/internal/usageaudit"
)

// Event type names emitted on the Agent Manager's bus (spec §4.6, §5).
const (
	EventAgentCreated = "AGENT_CREATED"
	EventAgentUpdated = "AGENT_UPDATED"
	EventAgentError   = "AGENT_ERROR"
	EventAgentDestroyed = "AGENT_DESTROYED"
)

// Supported kernel languages an agent's kernelType may resolve to (spec
// §4.6 attachKernelToAgent).
const (
	KernelTypePython     = "PYTHON"
	KernelTypeTypeScript = "TYPESCRIPT"
	KernelTypeJavaScript = "JAVASCRIPT"
)

func kernelLang(kernelType string) (string, bool) {
	switch strings.ToUpper(kernelType) {
	case KernelTypePython:
		return kernelmanager.TypePython, true
	case KernelTypeTypeScript:
		return kernelmanager.TypeTypeScript, true
	case KernelTypeJavaScript:
		return kernelmanager.TypeJavaScript, true
	default:
		return "", false
	}
}

// Options configures the Agent Manager (spec §4.6).
type Options struct {
	MaxAgents             int
	MaxAgentsPerNamespace int
	DefaultMaxSteps       int
	MaxStepsCap           int
	AgentDataDirectory    string
	AutoSaveConversations bool
}

func (o *Options) applyDefaults() {
	if o.MaxAgents <= 0 {
		o.MaxAgents = 50
	}
	if o.MaxAgentsPerNamespace <= 0 {
		o.MaxAgentsPerNamespace = 10
	}
	if o.DefaultMaxSteps <= 0 {
		o.DefaultMaxSteps = 10
	}
	if o.MaxStepsCap <= 0 {
		o.MaxStepsCap = 10
	}
	if o.AgentDataDirectory == "" {
		o.AgentDataDirectory = "./agent_data"
	}
}

// Manager is the Agent Manager control plane (spec component C6).
type Manager struct {
	opts     Options
	registry *modelregistry.Registry
	kernels  *kernelmanager.Manager
	bus      *eventbus.Bus
	logger   *logger.Logger

	mu     sync.RWMutex
	agents map[string]*agent.Agent // keyed by effective id

	ledger *usageaudit.Ledger
}

// New constructs an Agent Manager and registers it with the Model Registry's
// usage-lookup hook.
func New(opts Options, registry *modelregistry.Registry, kernels *kernelmanager.Manager, bus *eventbus.Bus, log *logger.Logger) *Manager {
	opts.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		opts:     opts,
		registry: registry,
		kernels:  kernels,
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "agent-manager")),
		agents:   make(map[string]*agent.Agent),
	}
	if registry != nil {
		registry.SetUsageLookup(m)
	}
	return m
}

// SetLedger wires in an optional usage-audit ledger; a nil ledger disables
// auditing (usageaudit.Ledger's methods all tolerate a nil receiver).
func (m *Manager) SetLedger(ledger *usageaudit.Ledger) { m.ledger = ledger }

func (m *Manager) recordResolution(ctx context.Context, agentID string, settings modelregistry.ModelSettings) {
	if m.ledger == nil {
		return
	}
	m.ledger.Record(ctx, usageaudit.Entry{AgentID: agentID, Model: settings.Model, BaseURL: settings.BaseURL, ResolvedAt: time.Now().UTC()})
}

// CountAgentsUsing implements modelregistry.AgentUsageLookup.
func (m *Manager) CountAgentsUsing(model, baseURL string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, a := range m.agents {
		if a.ModelSettings.Model == model && a.ModelSettings.BaseURL == baseURL {
			count++
		}
	}
	return count
}

func (m *Manager) emit(eventType string, data any) {
	if m.bus != nil {
		m.bus.Emit(eventType, data)
	}
}

func effectiveID(namespace, id string) string {
	if namespace == "" {
		return id
	}
	return namespace + ":" + id
}

func namespacePrefix(namespace string) string { return namespace + ":" }

// CreateAgent implements createAgent (spec §4.6).
func (m *Manager) CreateAgent(cfg agent.Config) (string, error) {
	if cfg.ID == "" {
		return "", apperrors.Validation("Agent ID is required")
	}
	if cfg.Name == "" {
		return "", apperrors.Validation("Agent name is required")
	}
	if strings.Contains(cfg.ID, ":") {
		return "", apperrors.Validation("Agent ID cannot contain colons")
	}

	effID := effectiveID(cfg.Namespace, cfg.ID)

	m.mu.Lock()
	if _, exists := m.agents[effID]; exists {
		m.mu.Unlock()
		return "", apperrors.Conflict(fmt.Sprintf("agent %q already exists", effID))
	}
	if len(m.agents) >= m.opts.MaxAgents {
		m.mu.Unlock()
		return "", apperrors.QuotaExceeded(fmt.Sprintf("Maximum number of agents (%d) reached", m.opts.MaxAgents))
	}
	if cfg.Namespace != "" {
		count := m.countNamespaceLocked(cfg.Namespace)
		if count >= m.opts.MaxAgentsPerNamespace {
			m.mu.Unlock()
			return "", apperrors.QuotaExceeded(fmt.Sprintf(
				"Maximum number of agents per namespace (%d) reached for namespace %q", m.opts.MaxAgentsPerNamespace, cfg.Namespace))
		}
	}
	m.mu.Unlock()

	resolved, err := m.registry.ResolveModelSettings(cfg.ModelID, cfg.ModelSettings)
	if err != nil {
		return "", err
	}
	m.recordResolution(context.Background(), effID, resolved)

	maxSteps := m.opts.DefaultMaxSteps
	if cfg.MaxSteps != nil {
		maxSteps = *cfg.MaxSteps
	}
	if maxSteps > m.opts.MaxStepsCap {
		maxSteps = m.opts.MaxStepsCap
	}

	a := agent.New(effID, cfg.Namespace, cfg, resolved, maxSteps)

	m.mu.Lock()
	m.agents[effID] = a
	m.mu.Unlock()

	m.logger.Info("agent created", zap.String("agent_id", effID))
	m.emit(EventAgentCreated, map[string]any{"agentId": effID})

	if cfg.AutoAttachKernel && cfg.KernelType != "" && m.kernels != nil {
		if err := m.AttachKernelToAgent(effID, cfg.KernelType); err != nil {
			if apperrors.IsStartupError(err) {
				m.mu.Lock()
				delete(m.agents, effID)
				m.mu.Unlock()
				m.logger.Warn("rolling back agent creation after startup script failure",
					zap.String("agent_id", effID), zap.Error(err))
				m.emit(EventAgentError, map[string]any{"agentId": effID, "error": err.Error()})
				return "", err
			}
			m.logger.Warn("auto-attach failed, keeping agent without a kernel",
				zap.String("agent_id", effID), zap.Error(err))
			m.emit(EventAgentError, map[string]any{"agentId": effID, "error": err.Error()})
		}
	}

	return effID, nil
}

func (m *Manager) countNamespaceLocked(namespace string) int {
	prefix := namespacePrefix(namespace)
	count := 0
	for id := range m.agents {
		if strings.HasPrefix(id, prefix) {
			count++
		}
	}
	return count
}

// GetAgent returns the agent stored at effective id.
func (m *Manager) GetAgent(id string) (*agent.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// AgentExists reports whether id is present.
func (m *Manager) AgentExists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[id]
	return ok
}

// GetAgentIDs returns every effective id currently stored.
func (m *Manager) GetAgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	return ids
}

// AgentSummary is one row of ListAgents: the effective id split back into
// its bare id and namespace (spec §4.6 "strips the namespace prefix").
type AgentSummary struct {
	ID        string
	Namespace string
	Agent     *agent.Agent
}

// ListAgents lists every agent, optionally filtered to one namespace.
func (m *Manager) ListAgents(namespace *string) []AgentSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentSummary, 0, len(m.agents))
	for effID, a := range m.agents {
		ns, bareID := splitEffectiveID(effID)
		if namespace != nil && ns != *namespace {
			continue
		}
		out = append(out, AgentSummary{ID: bareID, Namespace: ns, Agent: a})
	}
	return out
}

func splitEffectiveID(effID string) (namespace, id string) {
	if idx := strings.Index(effID, ":"); idx >= 0 {
		return effID[:idx], effID[idx+1:]
	}
	return "", effID
}

// UpdateAgent implements updateAgent (spec §4.6): re-resolves model settings
// before delegating to agent.UpdateConfig when the partial touches them.
func (m *Manager) UpdateAgent(id string, p agent.Partial) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return apperrors.NotFound("agent", id)
	}

	var resolved *modelregistry.ModelSettings
	if p.ModelID != nil || p.ModelSettings != nil {
		settings, err := m.registry.ResolveModelSettings(p.ModelID, p.ModelSettings)
		if err != nil {
			return err
		}
		resolved = &settings
		m.recordResolution(context.Background(), id, settings)
	}

	a.UpdateConfig(p, resolved)
	a.Touch()
	m.emit(EventAgentUpdated, map[string]any{"agentId": id})
	return nil
}

// DestroyAgent implements destroyAgent (spec §4.6).
func (m *Manager) DestroyAgent(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.agents, id)
	m.mu.Unlock()

	if a.Kernel != nil && m.kernels != nil {
		if err := m.kernels.DestroyKernel(a.Kernel.ID); err != nil {
			m.logger.Warn("failed to destroy kernel during agent destruction",
				zap.String("agent_id", id), zap.Error(err))
		}
	}
	a.Destroy()

	m.logger.Info("agent destroyed", zap.String("agent_id", id))
	m.emit(EventAgentDestroyed, map[string]any{"agentId": id})
	return nil
}

// DestroyAll destroys every agent, optionally restricted to one namespace
// (spec §4.6 destroyAll, §5 "fan-out" suspension point).
func (m *Manager) DestroyAll(namespace *string) []error {
	ids := m.GetAgentIDs()
	var filtered []string
	for _, id := range ids {
		ns, _ := splitEffectiveID(id)
		if namespace != nil && ns != *namespace {
			continue
		}
		filtered = append(filtered, id)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range filtered {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.DestroyAgent(id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("destroy %s: %w", id, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errs
}

// AttachKernelToAgent implements attachKernelToAgent (spec §4.6).
func (m *Manager) AttachKernelToAgent(agentID, kernelType string) error {
	m.mu.RLock()
	a, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	if a.Kernel != nil {
		return apperrors.Validation(fmt.Sprintf("agent %q already has a kernel attached; detach it first", agentID))
	}
	if m.kernels == nil {
		return apperrors.Internal("no kernel manager is configured", nil)
	}

	lang, ok := kernelLang(kernelType)
	if !ok {
		return apperrors.Validation("unsupported kernel type: " + kernelType)
	}

	k, err := m.kernels.CreateKernel(context.Background(), lang)
	if err != nil {
		return err
	}

	env := a.KernelEnvirons
	if len(env) > 0 {
		m.logger.Debug("injecting environment into kernel",
			zap.String("agent_id", agentID), zap.String("kernel_id", k.ID), zap.Any("env", envmask.MaskedKeys(env)))
		if err := k.Initialize(context.Background(), kernel.InitOptions{Env: env}); err != nil {
			_ = m.kernels.DestroyKernel(k.ID)
			return err
		}
	}

	a.KernelType = kernelType
	if err := a.AttachKernel(k); err != nil {
		if !apperrors.IsStartupError(err) {
			_ = m.kernels.DestroyKernel(k.ID)
		}
		return err
	}
	a.Touch()
	return nil
}

// DetachKernelFromAgent implements detachKernelFromAgent (spec §4.6).
func (m *Manager) DetachKernelFromAgent(agentID string) error {
	m.mu.RLock()
	a, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}

	if a.Kernel != nil && m.kernels != nil {
		if err := m.kernels.DestroyKernel(a.Kernel.ID); err != nil {
			m.logger.Warn("failed to destroy kernel on detach", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	a.DetachKernel()
	a.Touch()
	return nil
}

func conversationFilePath(dir, filename string) string { return filepath.Join(dir, filename) }

// SaveConversation implements saveConversation (spec §4.7, §6).
func (m *Manager) SaveConversation(agentID string, filename *string) (string, error) {
	a, ok := m.GetAgent(agentID)
	if !ok {
		return "", apperrors.NotFound("agent", agentID)
	}

	if err := os.MkdirAll(m.opts.AgentDataDirectory, 0o755); err != nil {
		m.logger.Warn("failed to ensure agent data directory", zap.Error(err))
	}

	name := filename
	data := convstore.ConversationData{
		AgentID:  agentID,
		Messages: toStoredMessages(a.ConversationHistory),
		SavedAt:  time.Now().UTC(),
		Metadata: map[string]string{"agentName": a.Name, "agentDescription": a.Description},
	}
	path, err := convstore.Save(m.opts.AgentDataDirectory, agentID, name, data)
	if err != nil {
		return "", err
	}
	return path, nil
}

// LoadConversation implements loadConversation (spec §4.6): a nil filename
// scans the data directory for the newest matching save.
func (m *Manager) LoadConversation(agentID string, filename *string) error {
	a, ok := m.GetAgent(agentID)
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}

	data := convstore.Load(m.opts.AgentDataDirectory, agentID, filename)
	a.SetConversationHistory(fromStoredMessages(data.Messages))
	return nil
}

// ClearConversation implements clearConversation (spec §4.6). Per
// SPEC_FULL.md's Open Question Decision, this routes through the same
// SetConversationHistory method setConversationHistory uses, rather than
// zeroing the field directly.
func (m *Manager) ClearConversation(agentID string) error {
	a, ok := m.GetAgent(agentID)
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	a.ClearConversation()
	return nil
}

// SetConversationHistory implements setConversationHistory (spec §4.6).
func (m *Manager) SetConversationHistory(agentID string, msgs []agent.ChatMessage) error {
	a, ok := m.GetAgent(agentID)
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	a.SetConversationHistory(msgs)
	return nil
}

func toStoredMessages(msgs []agent.ChatMessage) []convstore.Message {
	out := make([]convstore.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = convstore.Message{Role: msg.Role, Content: msg.Content}
	}
	return out
}

func fromStoredMessages(msgs []convstore.Message) []agent.ChatMessage {
	out := make([]agent.ChatMessage, len(msgs))
	for i, msg := range msgs {
		out[i] = agent.ChatMessage{Role: msg.Role, Content: msg.Content}
	}
	return out
}

// CleanupOldAgentsInNamespace implements cleanupOldAgentsInNamespace (spec
// §4.6): keeps the keepCount most recently used agents in namespace, destroys
// the rest, and keeps going even if an individual destroy fails.
func (m *Manager) CleanupOldAgentsInNamespace(namespace string, keepCount int) int {
	if keepCount <= 0 {
		keepCount = 5
	}
	summaries := m.ListAgents(&namespace)
	sort.Slice(summaries, func(i, j int) bool {
		return activityTime(summaries[i].Agent).Before(activityTime(summaries[j].Agent))
	})

	removed := 0
	if len(summaries) <= keepCount {
		return removed
	}
	toRemove := summaries[:len(summaries)-keepCount]
	for _, s := range toRemove {
		effID := effectiveID(namespace, s.ID)
		if err := m.DestroyAgent(effID); err != nil {
			m.logger.Warn("failed to remove stale agent during namespace cleanup",
				zap.String("agent_id", effID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

func activityTime(a *agent.Agent) time.Time {
	if a.LastUsed != nil {
		return *a.LastUsed
	}
	return a.Created
}

// Stats summarizes the Agent Manager's global state (spec §4.6 getStats).
type Stats struct {
	TotalAgents     int
	AgentsByNS      map[string]int
	AgentsWithKernel int
}

func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{AgentsByNS: make(map[string]int)}
	for id, a := range m.agents {
		stats.TotalAgents++
		ns, _ := splitEffectiveID(id)
		stats.AgentsByNS[ns]++
		if a.Kernel != nil {
			stats.AgentsWithKernel++
		}
	}
	return stats
}

// GetModelStats delegates to the Model Registry (spec §4.6 getModelStats).
func (m *Manager) GetModelStats() []modelregistry.ModelStat {
	return m.registry.GetModelStats()
}
