package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/agent"
	"github.com/kandev/agentkernel/internal/agentmanager"
	"github.com/kandev/agentkernel/internal/apperrors"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/modelregistry"
)

// Handler holds the control planes the HTTP surface delegates to.
type Handler struct {
	agents *agentmanager.Manager
	models *modelregistry.Registry
	logger *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(agents *agentmanager.Manager, models *modelregistry.Registry, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{agents: agents, models: models, logger: log.WithFields(zap.String("component", "http-api"))}
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
}

// --- agents ---

type createAgentRequest struct {
	ID               string             `json:"id" binding:"required"`
	Namespace        string             `json:"namespace"`
	Name             string             `json:"name" binding:"required"`
	Description      string             `json:"description"`
	ModelID          *string            `json:"modelId"`
	ModelSettings    *modelSettingsBody `json:"modelSettings"`
	MaxSteps         *int               `json:"maxSteps"`
	KernelType       string             `json:"kernelType"`
	AutoAttachKernel bool               `json:"autoAttachKernel"`
	StartupScript    string             `json:"startupScript"`
}

type modelSettingsBody struct {
	Model       string  `json:"model"`
	BaseURL     string  `json:"baseUrl"`
	APIKey      string  `json:"apiKey"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
}

func (b *modelSettingsBody) toSettings() *modelregistry.ModelSettings {
	if b == nil {
		return nil
	}
	return &modelregistry.ModelSettings{
		Model: b.Model, BaseURL: b.BaseURL, APIKey: b.APIKey,
		Temperature: b.Temperature, MaxTokens: b.MaxTokens, TopP: b.TopP,
	}
}

// CreateAgent handles POST /agents.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	effID, err := h.agents.CreateAgent(agent.Config{
		ID: req.ID, Namespace: req.Namespace, Name: req.Name, Description: req.Description,
		ModelID: req.ModelID, ModelSettings: req.ModelSettings.toSettings(), MaxSteps: req.MaxSteps,
		KernelType: req.KernelType, AutoAttachKernel: req.AutoAttachKernel, StartupScript: req.StartupScript,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": effID})
}

// GetAgent handles GET /agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	id := c.Param("id")
	a, ok := h.agents.GetAgent(id)
	if !ok {
		respondError(c, apperrors.NotFound("agent", id))
		return
	}
	c.JSON(http.StatusOK, toAgentResponse(a))
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	var ns *string
	if v := c.Query("namespace"); v != "" {
		ns = &v
	}
	summaries := h.agents.ListAgents(ns)
	out := make([]gin.H, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, gin.H{"id": s.ID, "namespace": s.Namespace, "agent": toAgentResponse(s.Agent)})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out, "total": len(out)})
}

type updateAgentRequest struct {
	Name          *string            `json:"name"`
	Description   *string            `json:"description"`
	ModelID       *string            `json:"modelId"`
	ModelSettings *modelSettingsBody `json:"modelSettings"`
	MaxSteps      *int               `json:"maxSteps"`
	StartupScript *string            `json:"startupScript"`
}

// UpdateAgent handles PATCH /agents/:id.
func (h *Handler) UpdateAgent(c *gin.Context) {
	id := c.Param("id")
	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}
	err := h.agents.UpdateAgent(id, agent.Partial{
		Name: req.Name, Description: req.Description, ModelID: req.ModelID,
		ModelSettings: req.ModelSettings.toSettings(), MaxSteps: req.MaxSteps, StartupScript: req.StartupScript,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent updated"})
}

// DestroyAgent handles DELETE /agents/:id.
func (h *Handler) DestroyAgent(c *gin.Context) {
	id := c.Param("id")
	if err := h.agents.DestroyAgent(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent destroyed"})
}

type attachKernelRequest struct {
	KernelType string `json:"kernelType" binding:"required"`
}

// AttachKernel handles POST /agents/:id/kernel.
func (h *Handler) AttachKernel(c *gin.Context) {
	id := c.Param("id")
	var req attachKernelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}
	if err := h.agents.AttachKernelToAgent(id, req.KernelType); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "kernel attached"})
}

// DetachKernel handles DELETE /agents/:id/kernel.
func (h *Handler) DetachKernel(c *gin.Context) {
	id := c.Param("id")
	if err := h.agents.DetachKernelFromAgent(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "kernel detached"})
}

// SaveConversation handles POST /agents/:id/conversation/save.
func (h *Handler) SaveConversation(c *gin.Context) {
	id := c.Param("id")
	var filename *string
	if v := c.Query("filename"); v != "" {
		filename = &v
	}
	path, err := h.agents.SaveConversation(id, filename)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

// LoadConversation handles POST /agents/:id/conversation/load.
func (h *Handler) LoadConversation(c *gin.Context) {
	id := c.Param("id")
	var filename *string
	if v := c.Query("filename"); v != "" {
		filename = &v
	}
	if err := h.agents.LoadConversation(id, filename); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation loaded"})
}

// ClearConversation handles DELETE /agents/:id/conversation.
func (h *Handler) ClearConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.agents.ClearConversation(id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation cleared"})
}

func toAgentResponse(a *agent.Agent) gin.H {
	kernelID := ""
	if a.Kernel != nil {
		kernelID = a.Kernel.ID
	}
	return gin.H{
		"id":            a.ID,
		"name":          a.Name,
		"description":   a.Description,
		"kernelType":    a.KernelType,
		"kernelId":      kernelID,
		"modelSettings": gin.H{"model": a.ModelSettings.Model, "baseUrl": a.ModelSettings.BaseURL, "apiKey": a.ModelSettings.RedactedAPIKey()},
		"maxSteps":      a.MaxSteps,
		"created":       a.Created,
		"lastUsed":      a.LastUsed,
		"messageCount":  len(a.ConversationHistory),
	}
}

// --- models ---

type addModelRequest struct {
	ID       string            `json:"id" binding:"required"`
	Settings modelSettingsBody `json:"settings"`
}

// AddModel handles POST /models.
func (h *Handler) AddModel(c *gin.Context) {
	var req addModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}
	ok := h.models.AddModel(req.ID, *req.Settings.toSettings())
	if !ok {
		respondError(c, apperrors.Conflict("model "+req.ID+" already exists"))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "model added"})
}

// RemoveModel handles DELETE /models/:id.
func (h *Handler) RemoveModel(c *gin.Context) {
	id := c.Param("id")
	removed, err := h.models.RemoveModel(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !removed {
		respondError(c, apperrors.NotFound("model", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "model removed"})
}

// ListModels handles GET /models.
func (h *Handler) ListModels(c *gin.Context) {
	entries := h.models.ListModels()
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{"id": e.ID, "model": e.ModelSettings.Model, "baseUrl": e.ModelSettings.BaseURL, "created": e.Created, "lastUsed": e.LastUsed})
	}
	c.JSON(http.StatusOK, gin.H{"models": out, "total": len(out)})
}

// GetModelStats handles GET /models/stats.
func (h *Handler) GetModelStats(c *gin.Context) {
	stats := h.models.GetModelStats()
	out := make([]gin.H, 0, len(stats))
	for _, s := range stats {
		out = append(out, gin.H{"id": s.Entry.ID, "agentsUsing": s.AgentsUsing})
	}
	c.JSON(http.StatusOK, gin.H{"stats": out})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
