package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/acp"
	"github.com/agentlab/agentlab/internal/session"
)

const (
	sseBufferCap      = 256
	sseHeartbeat      = 15 * time.Second
	headerLastEventID = "Last-Event-ID"
)

// streamEvents serves the session's live envelope stream over SSE. Each
// frame carries the log sequence as the SSE id. The stream opens at
// max(sequence)+1: history replay belongs to /history, and the offset query
// parameter (or Last-Event-ID) is advisory. An offset ahead of the log head
// raises the dedupe floor so a reconnecting client never sees a frame twice.
func (a *API) streamEvents(c *gin.Context) {
	id := sessionID(c)
	ctx := c.Request.Context()

	mon, err := a.registry.Ensure(ctx, id)
	if err != nil {
		a.logError(c, "monitor attach failed", err)
		errorJSON(c, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		errorJSON(c, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	// Subscribe before reading the head so nothing falls into the gap; a
	// frame persisted in between is already covered by the head and skipped.
	frames := make(chan session.SequencedEnvelope, sseBufferCap)
	unsubscribe := mon.Subscribe(func(seq int64, env *acp.Envelope) {
		select {
		case frames <- session.SequencedEnvelope{Sequence: seq, Envelope: env}:
		default:
			// Slow client; it recovers via /history on reconnect.
		}
	})
	defer unsubscribe()

	lastSent, err := a.store.GetMaxSequence(ctx, id)
	if err != nil {
		a.logError(c, "sequence head load failed", err)
		lastSent = -1
	}
	for _, v := range []string{c.Query("offset"), c.GetHeader(headerLastEventID)} {
		if v == "" {
			continue
		}
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > lastSent {
			lastSent = parsed
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()
		case frame := <-frames:
			if frame.Sequence <= lastSent {
				continue
			}
			raw, err := json.Marshal(frame.Envelope)
			if err != nil {
				a.log.Warn("frame marshal failed", zap.Error(err))
				continue
			}
			writeSSEFrame(c, frame.Sequence, raw)
			lastSent = frame.Sequence
			flusher.Flush()
		}
	}
}

func writeSSEFrame(c *gin.Context, seq int64, data []byte) {
	fmt.Fprintf(c.Writer, "id: %d\ndata: %s\n\n", seq, data)
}

type historyEvent struct {
	Sequence  int64           `json:"sequence"`
	EventData json.RawMessage `json:"eventData"`
}

// getHistory returns persisted envelopes with sequence > after, ascending,
// as a bare array.
func (a *API) getHistory(c *gin.Context) {
	id := sessionID(c)
	ctx := c.Request.Context()

	after := int64(-1)
	if v := c.Query("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid after parameter")
			return
		}
		after = parsed
	}

	events, err := a.store.GetAgentEvents(ctx, id, after)
	if err != nil {
		a.logError(c, "history load failed", err)
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]historyEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, historyEvent{Sequence: ev.Sequence, EventData: ev.EventData})
	}
	c.JSON(http.StatusOK, out)
}
