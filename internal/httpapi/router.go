package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kandev/agentkernel/internal/agentmanager"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/modelregistry"
	"github.com/kandev/agentkernel/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SetupRoutes wires the Agent Manager and Model Registry control planes
// under router, the /api/v1 group, plus a /ws streaming endpoint backed by
// hub.
func SetupRoutes(router *gin.RouterGroup, agents *agentmanager.Manager, models *modelregistry.Registry, hub *streaming.Hub, log *logger.Logger) {
	handler := NewHandler(agents, models, log)

	router.GET("/health", handler.HealthCheck)

	agentsGroup := router.Group("/agents")
	{
		agentsGroup.POST("", handler.CreateAgent)
		agentsGroup.GET("", handler.ListAgents)
		agentsGroup.GET("/:id", handler.GetAgent)
		agentsGroup.PATCH("/:id", handler.UpdateAgent)
		agentsGroup.DELETE("/:id", handler.DestroyAgent)
		agentsGroup.POST("/:id/kernel", handler.AttachKernel)
		agentsGroup.DELETE("/:id/kernel", handler.DetachKernel)
		agentsGroup.POST("/:id/conversation/save", handler.SaveConversation)
		agentsGroup.POST("/:id/conversation/load", handler.LoadConversation)
		agentsGroup.DELETE("/:id/conversation", handler.ClearConversation)
	}

	modelsGroup := router.Group("/models")
	{
		modelsGroup.POST("", handler.AddModel)
		modelsGroup.GET("", handler.ListModels)
		modelsGroup.GET("/stats", handler.GetModelStats)
		modelsGroup.DELETE("/:id", handler.RemoveModel)
	}

	router.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed")
			return
		}
		client := streaming.NewClient(hub, conn, log)
		go client.WritePump()
		client.ReadPump()
	})
}
