// Package agent implements the Agent (spec component C5): the lifecycle
// holder for a single conversational worker, optionally bound to a kernel.
// An Agent never reaches into the Agent Manager's map directly — the
// AgentManager type (internal/agentmanager) is the only code that stores and
// looks Agents up by effective id.
//
// Grounded on the teacher's internal/agent/lifecycle.Manager, which held
// per-instance agent state (task id, container id, status) in a single
// struct guarded by the manager's mutex; that per-instance shape is what
// this package factors out as its own type, generalized from a container
// handle to a model-settings-plus-kernel handle.
package agent

import (
	"context"
	"time"

	"github.com/kandev/agentkernel/internal/apperrors"
	"github.com/kandev/agentkernel/internal/kernel"
	"github.com/kandev/agentkernel/internal/modelregistry"
)

// ChatMessage is a structural record carried opaquely by the core (spec §3).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config is AgentConfig (spec §3): the caller-supplied blueprint for a new
// Agent, before namespace composition and model resolution.
type Config struct {
	ID               string
	Namespace        string
	Name             string
	Description      string
	ModelID          *string
	ModelSettings    *modelregistry.ModelSettings
	MaxSteps         *int
	KernelType       string
	AutoAttachKernel bool
	StartupScript    string
	KernelEnvirons   map[string]*string
}

// Partial is the set of fields updateAgent/updateConfig may change. A nil
// pointer field means "leave unchanged".
type Partial struct {
	Name          *string
	Description   *string
	ModelID       *string
	ModelSettings *modelregistry.ModelSettings
	MaxSteps      *int
	StartupScript *string
}

// Agent is the resolved, running instance (spec §3 "Agent").
type Agent struct {
	ID             string // effective id: namespace:id, or id
	Namespace      string
	Name           string
	Description    string
	KernelType     string
	Kernel         *kernel.Kernel // weak reference into the Kernel Manager
	ModelSettings  modelregistry.ModelSettings
	MaxSteps       int
	StartupScript  string
	KernelEnvirons map[string]*string

	ConversationHistory []ChatMessage
	Created             time.Time
	LastUsed            *time.Time

	startupErr error
}

// New constructs an Agent. The caller (AgentManager.CreateAgent) has already
// computed effectiveID and resolved modelSettings/maxSteps.
func New(effectiveID, namespace string, cfg Config, resolved modelregistry.ModelSettings, maxSteps int) *Agent {
	return &Agent{
		ID:             effectiveID,
		Namespace:      namespace,
		Name:           cfg.Name,
		Description:    cfg.Description,
		KernelType:     cfg.KernelType,
		ModelSettings:  resolved,
		MaxSteps:       maxSteps,
		StartupScript:  cfg.StartupScript,
		KernelEnvirons: cfg.KernelEnvirons,
		Created:        time.Now().UTC(),
	}
}

// UpdateConfig applies a Partial in place. Re-resolution of ModelID/
// ModelSettings happens in the Agent Manager before this is called; Agent
// itself just accepts whatever resolved ModelSettings it's handed.
func (a *Agent) UpdateConfig(p Partial, resolved *modelregistry.ModelSettings) {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if resolved != nil {
		a.ModelSettings = resolved.Clone()
	}
	if p.MaxSteps != nil {
		a.MaxSteps = *p.MaxSteps
	}
	if p.StartupScript != nil {
		a.StartupScript = *p.StartupScript
	}
}

// Touch stamps LastUsed to now. The Agent Manager calls it after
// UpdateAgent, AttachKernelToAgent and DetachKernelFromAgent; conversation
// changes do not stamp it.
func (a *Agent) Touch() {
	now := time.Now().UTC()
	a.LastUsed = &now
}

// AttachKernel binds a kernel instance, running the startup script (if any)
// against it first. A startup-script failure is reported as an
// *apperrors.StartupError so callers (the Agent Manager's auto-attach path)
// can distinguish it from a generic attach failure and decide whether to
// roll back agent creation (spec §4.6, §7 taxonomy item 3).
func (a *Agent) AttachKernel(k *kernel.Kernel) error {
	if a.StartupScript != "" {
		result, err := k.Execute(context.Background(), a.StartupScript, nil)
		if err != nil {
			startupErr := apperrors.NewStartupError(a.ID, "startup script failed to execute", err)
			a.startupErr = startupErr
			return startupErr
		}
		if !result.Success {
			reason := "startup script raised an error"
			if result.Error != nil {
				reason = result.Error.Ename + ": " + result.Error.Evalue
			}
			startupErr := apperrors.NewStartupError(a.ID, reason, nil)
			a.startupErr = startupErr
			return startupErr
		}
	}
	a.Kernel = k
	return nil
}

// DetachKernel clears the held kernel reference. It does not destroy the
// kernel — that is the Kernel Manager's job, invoked by the Agent Manager
// before calling DetachKernel.
func (a *Agent) DetachKernel() {
	a.Kernel = nil
}

// Destroy clears transient state. The Agent Manager is responsible for
// destroying any attached kernel and removing the Agent from its map.
func (a *Agent) Destroy() {
	a.Kernel = nil
}

// GetStartupError returns the startup error recorded by the most recent
// AttachKernel call, or nil.
func (a *Agent) GetStartupError() error { return a.startupErr }

// SetConversationHistory replaces the transcript wholesale (spec §4.6
// setConversationHistory). Clearing via ClearConversation routes through
// this same method (see SPEC_FULL.md Open Question Decisions) rather than
// zeroing the field directly, so both paths share one invariant-enforcing
// choke point.
func (a *Agent) SetConversationHistory(msgs []ChatMessage) {
	a.ConversationHistory = append([]ChatMessage(nil), msgs...)
}

// ClearConversation empties the transcript.
func (a *Agent) ClearConversation() {
	a.SetConversationHistory(nil)
}

// AppendMessage adds one message to the transcript.
func (a *Agent) AppendMessage(msg ChatMessage) {
	a.ConversationHistory = append(a.ConversationHistory, msg)
}
