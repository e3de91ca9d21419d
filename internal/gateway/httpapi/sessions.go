package httpapi

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/agentlab/agentlab/internal/acp"
	"github.com/agentlab/agentlab/internal/session"
	"github.com/agentlab/agentlab/internal/store"
)

type createSessionRequest struct {
	ProjectID    string `json:"projectId,omitempty"`
	WorkspaceDir string `json:"workspaceDir,omitempty"`
	Title        string `json:"title,omitempty"`
	Model        string `json:"model,omitempty"`
}

type createSessionResponse struct {
	SessionID      string `json:"sessionId"`
	AgentSessionID string `json:"agentSessionId"`
	Status         string `json:"status"`
}

// createSession is idempotent: repeated calls for the same session id return
// the same agent session without spawning a second subprocess.
func (a *API) createSession(c *gin.Context) {
	id := sessionID(c)
	ctx := c.Request.Context()

	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	row, err := a.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrSessionNotFound) {
		workspace := req.WorkspaceDir
		if workspace == "" {
			workspace = filepath.Join(a.cfg.Agent.WorkspaceRoot, id)
		}
		row = &store.Session{
			ID:           id,
			ProjectID:    req.ProjectID,
			WorkspaceDir: &workspace,
			Status:       store.StatusPending,
		}
		if req.Title != "" {
			row.Title = &req.Title
		}
		if err := a.store.CreateSession(ctx, row); err != nil {
			a.logError(c, "session row create failed", err)
			errorJSON(c, http.StatusInternalServerError, err.Error())
			return
		}
	} else if err != nil {
		a.logError(c, "session lookup failed", err)
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}

	phaseCtx, cancel := context.WithTimeout(ctx, a.cfg.Gateway.PhaseTimeoutDuration())
	defer cancel()
	agentID, err := a.mgr.CreateSession(phaseCtx, id, a.sessionOptions(row, req.Model))
	if err != nil {
		a.logError(c, "agent session create failed", err)
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}

	if err := a.store.SetAgentSessionID(ctx, id, &agentID); err != nil {
		a.logError(c, "agent session id persist failed", err)
	}
	if err := a.store.SetSessionStatus(ctx, id, store.StatusRunning); err != nil {
		a.logError(c, "session status update failed", err)
	}
	if _, err := a.registry.Ensure(ctx, id); err != nil {
		a.logError(c, "monitor attach failed", err)
	}

	c.JSON(http.StatusOK, createSessionResponse{
		SessionID:      id,
		AgentSessionID: agentID,
		Status:         store.StatusRunning,
	})
}

// sessionOptions assembles the spawn options from the stored row and the
// agent configuration.
func (a *API) sessionOptions(row *store.Session, model string) session.SessionOptions {
	opts := session.SessionOptions{
		SystemPrompt: a.cfg.Agent.SystemPrompt,
		Model:        model,
	}
	if opts.Model == "" {
		opts.Model = a.cfg.Agent.DefaultModel
	}
	if row.WorkspaceDir != nil {
		opts.Cwd = *row.WorkspaceDir
	} else {
		opts.Cwd = filepath.Join(a.cfg.Agent.WorkspaceRoot, row.ID)
	}
	if row.AgentSessionID != nil {
		opts.LoadSessionID = *row.AgentSessionID
	}
	if url := a.cfg.Agent.McpServerURL; url != "" {
		opts.McpServers = []acp.McpServer{{Name: "agentlab", Type: "http", URL: url}}
	}
	return opts
}

// deleteSession tears down the subprocess and removes derived state. The
// event log is append-only and stays.
func (a *API) deleteSession(c *gin.Context) {
	id := sessionID(c)
	ctx := c.Request.Context()

	if err := a.store.SetSessionStatus(ctx, id, store.StatusDeleting); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		a.logError(c, "session status update failed", err)
	}

	a.registry.Remove(id)
	if err := a.mgr.DestroySession(ctx, id); err != nil {
		a.logError(c, "agent session destroy failed", err)
	}

	if err := a.store.DeleteMetadata(ctx, id); err != nil {
		a.logError(c, "metadata delete failed", err)
	}
	if err := a.store.DeleteTasks(ctx, id); err != nil {
		a.logError(c, "task delete failed", err)
	}
	if err := a.store.DeleteReplayCheckpoint(ctx, id); err != nil {
		a.logError(c, "checkpoint delete failed", err)
	}
	if err := a.store.DeleteSession(ctx, id); err != nil {
		a.logError(c, "session row delete failed", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (a *API) getTasks(c *gin.Context) {
	tasks, err := a.store.GetTasks(c.Request.Context(), sessionID(c))
	if err != nil {
		a.logError(c, "task load failed", err)
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

func (a *API) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agents": []gin.H{
			{
				"id":      "claude-code",
				"name":    "Claude Code",
				"command": a.cfg.Agent.Command,
			},
		},
	})
}

func (a *API) listModels(c *gin.Context) {
	models := []gin.H{}
	if m := a.cfg.Agent.DefaultModel; m != "" {
		models = append(models, gin.H{"id": m, "default": true})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
