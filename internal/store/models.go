// Package store persists gateway state: the session registry, the
// append-only agent event log, session metadata, task projections, and
// replay checkpoints.
package store

import (
	"encoding/json"
	"time"
)

// Session statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusPooled   = "pooled"
	StatusDeleting = "deleting"
)

// Inference statuses.
const (
	InferenceIdle       = "idle"
	InferenceGenerating = "generating"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// Session is one gateway session row. AgentSessionID is the id the agent
// subprocess assigned; nil until the first successful newSession.
type Session struct {
	ID             string    `db:"id" json:"id"`
	ProjectID      string    `db:"project_id" json:"projectId"`
	AgentSessionID *string   `db:"agent_session_id" json:"agentSessionId,omitempty"`
	WorkspaceDir   *string   `db:"workspace_dir" json:"workspaceDir,omitempty"`
	Status         string    `db:"status" json:"status"`
	Title          *string   `db:"title" json:"title,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// AgentEvent is one entry of the append-only event log. EventData is the
// raw JSON-RPC envelope; it is never mutated after insert.
type AgentEvent struct {
	SessionID string          `db:"session_id" json:"sessionId"`
	Sequence  int64           `db:"sequence" json:"sequence"`
	EventData json.RawMessage `db:"event_data" json:"eventData"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// SessionMetadata holds the derived per-session state transports publish.
type SessionMetadata struct {
	SessionID       string    `db:"session_id" json:"sessionId"`
	InferenceStatus string    `db:"inference_status" json:"inferenceStatus"`
	LastMessage     *string   `db:"last_message" json:"lastMessage,omitempty"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

// SessionTask is one entry of the task-list projection derived from
// TodoWrite/TaskCreate/TaskUpdate tool invocations.
type SessionTask struct {
	ID             string    `db:"id" json:"id"`
	SessionID      string    `db:"session_id" json:"sessionId"`
	ExternalID     *string   `db:"external_id" json:"externalId,omitempty"`
	Content        string    `db:"content" json:"content"`
	Status         string    `db:"status" json:"status"`
	Priority       *string   `db:"priority" json:"priority,omitempty"`
	Position       int       `db:"position" json:"position"`
	SourceToolName string    `db:"source_tool_name" json:"sourceToolName"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// ReplayCheckpoint is a client's saved replay position, versioned by the
// accumulator parser so a parser change forces a full replay.
type ReplayCheckpoint struct {
	SessionID     string          `db:"session_id" json:"sessionId"`
	ParserVersion int             `db:"parser_version" json:"parserVersion"`
	LastSequence  int64           `db:"last_sequence" json:"lastSequence"`
	ReplayState   json.RawMessage `db:"replay_state" json:"replayState"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}
