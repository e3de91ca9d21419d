package store

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned for lookups of unknown sessions.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore manages the session registry.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByStatus(ctx context.Context, status string) ([]*Session, error)
	SetAgentSessionID(ctx context.Context, id string, agentSessionID *string) error
	SetSessionStatus(ctx context.Context, id string, status string) error
	DeleteSession(ctx context.Context, id string) error
}

// EventLogStore is the append-only agent event log.
type EventLogStore interface {
	// StoreAgentEvent inserts one envelope at the given sequence.
	StoreAgentEvent(ctx context.Context, sessionID string, sequence int64, envelope []byte) error

	// GetMaxSequence returns the highest stored sequence, -1 when empty.
	GetMaxSequence(ctx context.Context, sessionID string) (int64, error)

	// GetAgentEvents returns events with sequence > afterSequence in
	// ascending order. Pass -1 for the full log.
	GetAgentEvents(ctx context.Context, sessionID string, afterSequence int64) ([]AgentEvent, error)
}

// MetadataStore holds the authoritative inference status and last-message
// preview. Readers get idle/nil defaults for missing rows.
type MetadataStore interface {
	SetInferenceStatus(ctx context.Context, sessionID string, status string) error
	SetLastMessage(ctx context.Context, sessionID string, text string) error
	GetMetadata(ctx context.Context, sessionID string) (*SessionMetadata, error)
	DeleteMetadata(ctx context.Context, sessionID string) error
}

// TaskStore holds the task-list projection.
type TaskStore interface {
	// ReplaceTasks swaps the session's task list atomically (TodoWrite).
	ReplaceTasks(ctx context.Context, sessionID string, tasks []SessionTask) error

	// UpsertTask inserts or updates one task, matched by external id
	// (TaskCreate/TaskUpdate).
	UpsertTask(ctx context.Context, task *SessionTask) error

	GetTasks(ctx context.Context, sessionID string) ([]SessionTask, error)
	DeleteTasks(ctx context.Context, sessionID string) error
}

// CheckpointStore holds per-session replay checkpoints.
type CheckpointStore interface {
	// GetReplayCheckpoint returns nil when no checkpoint exists.
	GetReplayCheckpoint(ctx context.Context, sessionID string) (*ReplayCheckpoint, error)
	UpsertReplayCheckpoint(ctx context.Context, cp *ReplayCheckpoint) error
	DeleteReplayCheckpoint(ctx context.Context, sessionID string) error
}

// Store groups all gateway persistence behind one handle.
type Store interface {
	SessionStore
	EventLogStore
	MetadataStore
	TaskStore
	CheckpointStore
}
