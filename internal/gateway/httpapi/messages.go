package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/acp"
	"github.com/agentlab/agentlab/internal/store"
)

// recoverableErrors are matched by substring against failures from the
// session layer. Any hit means the subprocess (or its agent-side session) is
// unusable and a teardown-plus-respawn may succeed where a retry on the same
// process will not.
var recoverableErrors = []string{
	"Request failed with status 500",
	"agent process exited",
	"no session for server",
	"process stdin not available",
	"timed out",
	"no conversation found",
	"session not found",
	"session did not end in result",
	"processtransport is not ready for writing",
}

func isRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range recoverableErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

type sendMessageRequest struct {
	Message string `json:"message" binding:"required"`
	Model   string `json:"model,omitempty"`
}

// sendMessage delivers one user message with recovery: a recoverable
// failure tears the subprocess down, clears the stale agent session id, and
// retries with a fresh spawn, up to the configured attempt count.
func (a *API) sendMessage(c *gin.Context) {
	id := sessionID(c)
	ctx := c.Request.Context()

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	baseSeq, err := a.store.GetMaxSequence(ctx, id)
	if err != nil {
		baseSeq = -1
	}

	var lastErr error
	emitEcho := true
	attempts := a.cfg.Gateway.SendAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = a.trySend(ctx, id, req, emitEcho)
		if lastErr == nil {
			c.JSON(http.StatusOK, gin.H{"status": "accepted"})
			return
		}
		if !isRecoverable(lastErr) {
			break
		}
		a.log.Warn("send attempt failed, recovering",
			zap.String("session_id", id),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		// The monitor is bound to the subprocess being torn down; drop it so
		// the retry attaches a fresh one to the respawn.
		a.registry.Remove(id)
		if err := a.mgr.DestroySession(ctx, id); err != nil {
			a.log.Warn("recovery destroy failed", zap.String("session_id", id), zap.Error(err))
		}
		// A stale agent session id would make the respawn resume a
		// conversation the agent no longer has.
		if err := a.store.SetAgentSessionID(ctx, id, nil); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			a.log.Warn("agent session id clear failed", zap.String("session_id", id), zap.Error(err))
		}
		// The failed attempt's user_message echo may already be in the log
		// (Remove drains the monitor before returning); re-emitting on the
		// retry would persist the user's text twice.
		if emitEcho && a.userMessageLogged(ctx, id, baseSeq) {
			emitEcho = false
		}
	}

	a.logError(c, "message send failed", lastErr)
	errorJSON(c, http.StatusInternalServerError, lastErr.Error())
}

// userMessageLogged reports whether a synthetic user_message landed in the
// log after the given sequence.
func (a *API) userMessageLogged(ctx context.Context, id string, after int64) bool {
	events, err := a.store.GetAgentEvents(ctx, id, after)
	if err != nil {
		return false
	}
	for _, ev := range events {
		var env acp.Envelope
		if json.Unmarshal(ev.EventData, &env) != nil || env.Method != acp.MethodSessionUpdate {
			continue
		}
		var note acp.SessionNotification
		if json.Unmarshal(env.Params, &note) != nil {
			continue
		}
		if note.Update.SessionUpdate == acp.UpdateUserMessage {
			return true
		}
	}
	return false
}

// trySend is one attempt: ensure the subprocess exists, then prompt. Each
// phase gets its own timeout.
func (a *API) trySend(ctx context.Context, id string, req sendMessageRequest, emitEcho bool) error {
	row, err := a.store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if !a.mgr.HasSession(id) {
		ensureCtx, cancel := context.WithTimeout(ctx, a.cfg.Gateway.PhaseTimeoutDuration())
		agentID, err := a.mgr.CreateSession(ensureCtx, id, a.sessionOptions(row, req.Model))
		cancel()
		if err != nil {
			return err
		}
		if err := a.store.SetAgentSessionID(ctx, id, &agentID); err != nil {
			a.log.Warn("agent session id persist failed", zap.String("session_id", id), zap.Error(err))
		}
		if err := a.store.SetSessionStatus(ctx, id, store.StatusRunning); err != nil {
			a.log.Warn("session status update failed", zap.String("session_id", id), zap.Error(err))
		}
		if _, err := a.registry.Ensure(ctx, id); err != nil {
			a.log.Warn("monitor attach failed", zap.String("session_id", id), zap.Error(err))
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.Gateway.PhaseTimeoutDuration())
	defer cancel()
	if emitEcho {
		return a.mgr.SendMessage(sendCtx, id, req.Message)
	}
	return a.mgr.ResendMessage(sendCtx, id, req.Message)
}

type setModelRequest struct {
	Model string `json:"model" binding:"required"`
}

func (a *API) setModel(c *gin.Context) {
	id := sessionID(c)

	var req setModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.cfg.Gateway.PhaseTimeoutDuration())
	defer cancel()
	if err := a.mgr.SetSessionModel(ctx, id, req.Model); err != nil {
		a.logError(c, "model change failed", err)
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "model": req.Model})
}

// ackInteraction answers the question and permission reply routes. Both
// resolve inside the session manager, which auto-answers the agent, so the
// endpoints acknowledge the client's decision without acting on it.
func (a *API) ackInteraction(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": c.Param("id")})
}

// cancelPrompt is idempotent: cancelling with nothing in flight still
// answers 200.
func (a *API) cancelPrompt(c *gin.Context) {
	id := sessionID(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.cfg.Gateway.PhaseTimeoutDuration())
	defer cancel()
	if err := a.mgr.CancelPrompt(ctx, id); err != nil {
		a.logError(c, "cancel failed", err)
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}
