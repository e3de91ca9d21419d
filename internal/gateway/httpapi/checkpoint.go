package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentlab/agentlab/internal/store"
	"github.com/agentlab/agentlab/internal/stream"
)

type saveCheckpointRequest struct {
	ParserVersion int             `json:"parserVersion"`
	LastSequence  int64           `json:"lastSequence"`
	ReplayState   json.RawMessage `json:"replayState"`
}

// saveCheckpoint persists the client's replay position. Checkpoints from a
// different accumulator version are rejected so a parser change forces a
// full replay instead of resuming a projection the new code cannot extend.
func (a *API) saveCheckpoint(c *gin.Context) {
	id := sessionID(c)

	var req saveCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ParserVersion != stream.ParserVersion {
		errorJSON(c, http.StatusBadRequest, "Unsupported replay parser version")
		return
	}

	cp := &store.ReplayCheckpoint{
		SessionID:     id,
		ParserVersion: req.ParserVersion,
		LastSequence:  req.LastSequence,
		ReplayState:   req.ReplayState,
	}
	if err := a.store.UpsertReplayCheckpoint(c.Request.Context(), cp); err != nil {
		a.logError(c, "checkpoint save failed", err)
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved", "lastSequence": req.LastSequence})
}

// getCheckpoint returns the saved checkpoint; checkpoints from an older
// parser version are reported as absent.
func (a *API) getCheckpoint(c *gin.Context) {
	id := sessionID(c)

	cp, err := a.store.GetReplayCheckpoint(c.Request.Context(), id)
	if err != nil {
		a.logError(c, "checkpoint load failed", err)
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	if cp == nil || cp.ParserVersion != stream.ParserVersion {
		errorJSON(c, http.StatusNotFound, "no checkpoint")
		return
	}
	c.JSON(http.StatusOK, cp)
}
