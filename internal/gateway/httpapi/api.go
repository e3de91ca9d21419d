// Package httpapi is the gateway's HTTP surface: session lifecycle, message
// sending with recovery, the SSE event stream, history and replay
// checkpoints, and workspace file access. Every session-scoped route is
// addressed by the X-Lab-Session-Id header.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/common/config"
	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/session"
	"github.com/agentlab/agentlab/internal/store"
)

// SessionHeader addresses the session every scoped route acts on.
const SessionHeader = "X-Lab-Session-Id"

// API wires the session manager, registry, and store into HTTP handlers.
type API struct {
	mgr      *session.Manager
	registry *session.Registry
	store    store.Store
	cfg      *config.Config
	log      *logger.Logger
}

// New creates the HTTP API.
func New(mgr *session.Manager, registry *session.Registry, st store.Store, cfg *config.Config, log *logger.Logger) *API {
	return &API{
		mgr:      mgr,
		registry: registry,
		store:    st,
		cfg:      cfg,
		log:      log.WithComponent("httpapi"),
	}
}

// RegisterRoutes attaches all routes to the engine.
func (a *API) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", a.health)
	r.GET("/agents", a.listAgents)
	r.GET("/models", a.listModels)

	scoped := r.Group("/", a.requireSession())
	{
		scoped.POST("/sessions", a.createSession)
		scoped.DELETE("/sessions", a.deleteSession)
		scoped.POST("/messages", a.sendMessage)
		scoped.POST("/model", a.setModel)
		scoped.POST("/cancel", a.cancelPrompt)
		scoped.POST("/questions/:id/reply", a.ackInteraction)
		scoped.POST("/questions/:id/reject", a.ackInteraction)
		scoped.POST("/permissions/:id/reply", a.ackInteraction)
		scoped.GET("/events", a.streamEvents)
		scoped.GET("/history", a.getHistory)
		scoped.GET("/tasks", a.getTasks)
		scoped.GET("/files/status", a.fileStatus)
		scoped.GET("/files/list", a.fileList)
		scoped.GET("/files/read", a.fileRead)
		scoped.GET("/replay-checkpoint", a.getCheckpoint)
		scoped.POST("/replay-checkpoint", a.saveCheckpoint)
	}
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sessionID returns the validated session id the middleware stored.
func sessionID(c *gin.Context) string {
	return c.GetString(sessionIDKey)
}

func errorJSON(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func (a *API) logError(c *gin.Context, msg string, err error) {
	a.log.WithContext(c.Request.Context()).Error(msg,
		zap.String("session_id", sessionID(c)), zap.Error(err))
}
