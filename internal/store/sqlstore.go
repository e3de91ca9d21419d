package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentlab/agentlab/internal/common/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	agent_session_id TEXT,
	workspace_dir TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	title TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_events (
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_data TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS session_metadata (
	session_id TEXT PRIMARY KEY,
	inference_status TEXT NOT NULL DEFAULT 'idle',
	last_message TEXT,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_tasks (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	external_id TEXT,
	content TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority TEXT,
	position INTEGER NOT NULL DEFAULT 0,
	source_tool_name TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_tasks_session ON session_tasks(session_id);

CREATE TABLE IF NOT EXISTS acp_replay_checkpoints (
	session_id TEXT PRIMARY KEY,
	parser_version INTEGER NOT NULL,
	last_sequence INTEGER NOT NULL,
	replay_state TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// SQLStore implements Store over sqlx. Writes go through the writer handle
// (a single connection for SQLite), reads through the reader pool. Queries
// are written with ? placeholders and rebound per driver, so the same store
// serves both the sqlite and postgres drivers.
type SQLStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
	log    *logger.Logger
}

// NewSQLStore wraps the database handles. When reader is nil the writer
// serves reads too.
func NewSQLStore(writer, reader *sqlx.DB, log *logger.Logger) *SQLStore {
	if reader == nil {
		reader = writer
	}
	return &SQLStore{
		writer: writer,
		reader: reader,
		log:    log.WithComponent("store"),
	}
}

// InitSchema creates all tables when missing.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	if _, err := s.writer.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// CreateSession inserts a session row.
func (s *SQLStore) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	query := s.writer.Rebind(`
		INSERT INTO sessions (id, project_id, agent_session_id, workspace_dir, status, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.writer.ExecContext(ctx, query,
		sess.ID, sess.ProjectID, sess.AgentSessionID, sess.WorkspaceDir, sess.Status, sess.Title, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns the session or ErrSessionNotFound.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	query := s.reader.Rebind(`SELECT * FROM sessions WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &sess, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessionsByStatus returns all sessions in the given status.
func (s *SQLStore) ListSessionsByStatus(ctx context.Context, status string) ([]*Session, error) {
	var sessions []*Session
	query := s.reader.Rebind(`SELECT * FROM sessions WHERE status = ? ORDER BY created_at`)
	if err := s.reader.SelectContext(ctx, &sessions, query, status); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// SetAgentSessionID records (or clears, with nil) the agent-assigned id.
func (s *SQLStore) SetAgentSessionID(ctx context.Context, id string, agentSessionID *string) error {
	query := s.writer.Rebind(`UPDATE sessions SET agent_session_id = ?, updated_at = ? WHERE id = ?`)
	res, err := s.writer.ExecContext(ctx, query, agentSessionID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set agent session id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetSessionStatus updates the lifecycle status.
func (s *SQLStore) SetSessionStatus(ctx context.Context, id string, status string) error {
	query := s.writer.Rebind(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := s.writer.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes the session row.
func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	query := s.writer.Rebind(`DELETE FROM sessions WHERE id = ?`)
	if _, err := s.writer.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// StoreAgentEvent appends one envelope to the log.
func (s *SQLStore) StoreAgentEvent(ctx context.Context, sessionID string, sequence int64, envelope []byte) error {
	query := s.writer.Rebind(`
		INSERT INTO agent_events (session_id, sequence, event_data, created_at)
		VALUES (?, ?, ?, ?)`)
	_, err := s.writer.ExecContext(ctx, query, sessionID, sequence, string(envelope), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store agent event: %w", err)
	}
	return nil
}

// GetMaxSequence returns the highest sequence for the session, -1 if none.
func (s *SQLStore) GetMaxSequence(ctx context.Context, sessionID string) (int64, error) {
	var max int64
	query := s.reader.Rebind(`SELECT COALESCE(MAX(sequence), -1) FROM agent_events WHERE session_id = ?`)
	if err := s.reader.GetContext(ctx, &max, query, sessionID); err != nil {
		return -1, fmt.Errorf("get max sequence: %w", err)
	}
	return max, nil
}

// GetAgentEvents returns events after the given sequence, ascending.
func (s *SQLStore) GetAgentEvents(ctx context.Context, sessionID string, afterSequence int64) ([]AgentEvent, error) {
	var events []AgentEvent
	query := s.reader.Rebind(`
		SELECT session_id, sequence, event_data, created_at
		FROM agent_events
		WHERE session_id = ? AND sequence > ?
		ORDER BY sequence`)
	if err := s.reader.SelectContext(ctx, &events, query, sessionID, afterSequence); err != nil {
		return nil, fmt.Errorf("get agent events: %w", err)
	}
	return events, nil
}

// SetInferenceStatus upserts the session's inference status.
func (s *SQLStore) SetInferenceStatus(ctx context.Context, sessionID string, status string) error {
	query := s.writer.Rebind(`
		INSERT INTO session_metadata (session_id, inference_status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET inference_status = excluded.inference_status, updated_at = excluded.updated_at`)
	if _, err := s.writer.ExecContext(ctx, query, sessionID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("set inference status: %w", err)
	}
	return nil
}

// SetLastMessage upserts the session's last-message preview.
func (s *SQLStore) SetLastMessage(ctx context.Context, sessionID string, text string) error {
	query := s.writer.Rebind(`
		INSERT INTO session_metadata (session_id, inference_status, last_message, updated_at)
		VALUES (?, 'idle', ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET last_message = excluded.last_message, updated_at = excluded.updated_at`)
	if _, err := s.writer.ExecContext(ctx, query, sessionID, text, time.Now().UTC()); err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	return nil
}

// GetMetadata returns the metadata row, defaulting to idle when missing.
func (s *SQLStore) GetMetadata(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	var md SessionMetadata
	query := s.reader.Rebind(`SELECT * FROM session_metadata WHERE session_id = ?`)
	if err := s.reader.GetContext(ctx, &md, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &SessionMetadata{SessionID: sessionID, InferenceStatus: InferenceIdle}, nil
		}
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	return &md, nil
}

// DeleteMetadata removes the metadata row.
func (s *SQLStore) DeleteMetadata(ctx context.Context, sessionID string) error {
	query := s.writer.Rebind(`DELETE FROM session_metadata WHERE session_id = ?`)
	if _, err := s.writer.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

// ReplaceTasks swaps the session's task list in one transaction.
func (s *SQLStore) ReplaceTasks(ctx context.Context, sessionID string, tasks []SessionTask) error {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tasks: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	del := tx.Rebind(`DELETE FROM session_tasks WHERE session_id = ?`)
	if _, err := tx.ExecContext(ctx, del, sessionID); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}

	ins := tx.Rebind(`
		INSERT INTO session_tasks (id, session_id, external_id, content, status, priority, position, source_tool_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	now := time.Now().UTC()
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, ins,
			t.ID, sessionID, t.ExternalID, t.Content, t.Status, t.Priority, t.Position, t.SourceToolName, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace tasks: %w", err)
	}
	return nil
}

// UpsertTask updates the task matched by external id, inserting when new.
func (s *SQLStore) UpsertTask(ctx context.Context, task *SessionTask) error {
	now := time.Now().UTC()
	if task.ExternalID != nil {
		upd := s.writer.Rebind(`
			UPDATE session_tasks
			SET content = ?, status = ?, priority = ?, position = ?, source_tool_name = ?, updated_at = ?
			WHERE session_id = ? AND external_id = ?`)
		res, err := s.writer.ExecContext(ctx, upd,
			task.Content, task.Status, task.Priority, task.Position, task.SourceToolName, now,
			task.SessionID, task.ExternalID)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	ins := s.writer.Rebind(`
		INSERT INTO session_tasks (id, session_id, external_id, content, status, priority, position, source_tool_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.writer.ExecContext(ctx, ins,
		task.ID, task.SessionID, task.ExternalID, task.Content, task.Status, task.Priority, task.Position, task.SourceToolName, now); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTasks returns the session's tasks ordered by position.
func (s *SQLStore) GetTasks(ctx context.Context, sessionID string) ([]SessionTask, error) {
	var tasks []SessionTask
	query := s.reader.Rebind(`SELECT * FROM session_tasks WHERE session_id = ? ORDER BY position, id`)
	if err := s.reader.SelectContext(ctx, &tasks, query, sessionID); err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTasks removes all tasks for the session.
func (s *SQLStore) DeleteTasks(ctx context.Context, sessionID string) error {
	query := s.writer.Rebind(`DELETE FROM session_tasks WHERE session_id = ?`)
	if _, err := s.writer.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	return nil
}

// GetReplayCheckpoint returns nil when no checkpoint exists.
func (s *SQLStore) GetReplayCheckpoint(ctx context.Context, sessionID string) (*ReplayCheckpoint, error) {
	var cp ReplayCheckpoint
	query := s.reader.Rebind(`SELECT * FROM acp_replay_checkpoints WHERE session_id = ?`)
	if err := s.reader.GetContext(ctx, &cp, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get replay checkpoint: %w", err)
	}
	return &cp, nil
}

// UpsertReplayCheckpoint writes the client's replay position.
func (s *SQLStore) UpsertReplayCheckpoint(ctx context.Context, cp *ReplayCheckpoint) error {
	query := s.writer.Rebind(`
		INSERT INTO acp_replay_checkpoints (session_id, parser_version, last_sequence, replay_state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			parser_version = excluded.parser_version,
			last_sequence = excluded.last_sequence,
			replay_state = excluded.replay_state,
			updated_at = excluded.updated_at`)
	if _, err := s.writer.ExecContext(ctx, query,
		cp.SessionID, cp.ParserVersion, cp.LastSequence, string(cp.ReplayState), time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert replay checkpoint: %w", err)
	}
	return nil
}

// DeleteReplayCheckpoint removes the session's checkpoint.
func (s *SQLStore) DeleteReplayCheckpoint(ctx context.Context, sessionID string) error {
	query := s.writer.Rebind(`DELETE FROM acp_replay_checkpoints WHERE session_id = ?`)
	if _, err := s.writer.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("delete replay checkpoint: %w", err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
