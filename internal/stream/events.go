// Package stream turns raw ACP envelopes into ordered domain events and
// assembles those events into message lists. The translator and accumulator
// here are shared by the server-side projector and the replay path, so both
// produce identical output for the same envelope prefix.
package stream

import (
	"encoding/json"

	"github.com/agentlab/agentlab/internal/acp"
)

// Domain event types.
const (
	EventTurnStarted         = "turn.started"
	EventTurnEnded           = "turn.ended"
	EventItemStarted         = "item.started"
	EventItemDelta           = "item.delta"
	EventItemCompleted       = "item.completed"
	EventError               = "error"
	EventQuestionRequested   = "question.requested"
	EventQuestionResolved    = "question.resolved"
	EventPermissionRequested = "permission.requested"
	EventPermissionResolved  = "permission.resolved"
	EventSessionStarted      = "session.started"
	EventSessionEnded        = "session.ended"
)

// Roles and item kinds.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	KindMessage    = "message"
	KindToolCall   = "tool_call"
	KindToolResult = "tool_result"
)

// Part types.
const (
	PartText       = "text"
	PartToolCall   = "tool_call"
	PartToolResult = "tool_result"
	PartReasoning  = "reasoning"
	PartFileRef    = "file_ref"
	PartImage      = "image"
	PartStatus     = "status"
)

// Tool call statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Event is one domain event. Sequence is the log sequence of the envelope
// that produced it; Index distinguishes the events of one envelope, so the
// pair is a stable identity across replay and live delivery.
type Event struct {
	Type     string    `json:"type"`
	Sequence int64     `json:"sequence"`
	Index    int       `json:"index"`
	Data     EventData `json:"data"`
}

// EventData is the payload union; fields are populated per event type.
type EventData struct {
	Item       *Item           `json:"item,omitempty"`
	ItemID     string          `json:"itemId,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	StopReason string          `json:"stopReason,omitempty"`
	Error      *acp.RPCError   `json:"error,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Item is a structured sub-unit of a turn.
type Item struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Kind  string `json:"kind"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is a flat tagged union of content part variants, discriminated by
// Type. tool_call uses ID/Name/Input/Status; tool_result uses
// ToolCallID/Output/Error.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Status string          `json:"status,omitempty"`

	ToolCallID string `json:"toolCallId,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IsTool reports whether the part is tool activity.
func (p *Part) IsTool() bool {
	return p.Type == PartToolCall || p.Type == PartToolResult
}

// Message is one entry of the accumulated conversation.
type Message struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}
