package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMemorySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.GetSession(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, m.CreateSession(ctx, &Session{ID: "s1", ProjectID: "p1", Status: StatusPending}))

	s, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s.Status)
	assert.Nil(t, s.AgentSessionID)
	assert.False(t, s.CreatedAt.IsZero())

	require.NoError(t, m.SetAgentSessionID(ctx, "s1", strPtr("agent-abc")))
	require.NoError(t, m.SetSessionStatus(ctx, "s1", StatusRunning))

	s, err = m.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, s.AgentSessionID)
	assert.Equal(t, "agent-abc", *s.AgentSessionID)
	assert.Equal(t, StatusRunning, s.Status)

	// Clearing the agent binding marks the session for a fresh connect.
	require.NoError(t, m.SetAgentSessionID(ctx, "s1", nil))
	s, err = m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, s.AgentSessionID)

	require.NoError(t, m.DeleteSession(ctx, "s1"))
	_, err = m.GetSession(ctx, "s1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemorySessionCopySemantics(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "s1", Status: StatusRunning}))

	s, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	s.Status = StatusDeleting

	again, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, again.Status)
}

func TestMemoryListSessionsByStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "a", Status: StatusRunning}))
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "b", Status: StatusPending}))
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "c", Status: StatusRunning}))

	running, err := m.ListSessionsByStatus(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)

	pooled, err := m.ListSessionsByStatus(ctx, StatusPooled)
	require.NoError(t, err)
	assert.Empty(t, pooled)
}

func TestMemoryEventLog(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	max, err := m.GetMaxSequence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), max)

	for i := int64(0); i < 5; i++ {
		env, merr := json.Marshal(map[string]int64{"seq": i})
		require.NoError(t, merr)
		require.NoError(t, m.StoreAgentEvent(ctx, "s1", i, env))
	}

	max, err = m.GetMaxSequence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), max)

	all, err := m.GetAgentEvents(ctx, "s1", -1)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, ev := range all {
		assert.Equal(t, int64(i), ev.Sequence)
	}

	tail, err := m.GetAgentEvents(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(3), tail[0].Sequence)
	assert.Equal(t, int64(4), tail[1].Sequence)

	other, err := m.GetAgentEvents(ctx, "s2", -1)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryMetadataDefaults(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	md, err := m.GetMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, InferenceIdle, md.InferenceStatus)
	assert.Nil(t, md.LastMessage)

	require.NoError(t, m.SetInferenceStatus(ctx, "s1", InferenceGenerating))
	require.NoError(t, m.SetLastMessage(ctx, "s1", "working on it"))

	md, err = m.GetMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, InferenceGenerating, md.InferenceStatus)
	require.NotNil(t, md.LastMessage)
	assert.Equal(t, "working on it", *md.LastMessage)

	require.NoError(t, m.DeleteMetadata(ctx, "s1"))
	md, err = m.GetMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, InferenceIdle, md.InferenceStatus)
}

func TestMemoryReplaceTasks(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.ReplaceTasks(ctx, "s1", []SessionTask{
		{ID: "t1", Content: "first", Status: TaskInProgress, Position: 0, SourceToolName: "TodoWrite"},
		{ID: "t2", Content: "second", Status: TaskPending, Position: 1, SourceToolName: "TodoWrite"},
	}))

	tasks, err := m.GetTasks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "first", tasks[0].Content)
	assert.Equal(t, "s1", tasks[0].SessionID)

	// A replace swaps the whole list.
	require.NoError(t, m.ReplaceTasks(ctx, "s1", []SessionTask{
		{ID: "t3", Content: "only", Status: TaskCompleted, Position: 0, SourceToolName: "TodoWrite"},
	}))
	tasks, err = m.GetTasks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "only", tasks[0].Content)
}

func TestMemoryUpsertTaskByExternalID(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.UpsertTask(ctx, &SessionTask{
		ID: "row-1", SessionID: "s1", ExternalID: strPtr("task-9"),
		Content: "write docs", Status: TaskPending, SourceToolName: "TaskCreate",
	}))
	require.NoError(t, m.UpsertTask(ctx, &SessionTask{
		ID: "row-2", SessionID: "s1", ExternalID: strPtr("task-9"),
		Content: "write docs", Status: TaskCompleted, SourceToolName: "TaskUpdate",
	}))

	tasks, err := m.GetTasks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	// The original row id survives the update.
	assert.Equal(t, "row-1", tasks[0].ID)
	assert.Equal(t, TaskCompleted, tasks[0].Status)

	// A different external id is a new row.
	require.NoError(t, m.UpsertTask(ctx, &SessionTask{
		ID: "row-3", SessionID: "s1", ExternalID: strPtr("task-10"),
		Content: "review", Status: TaskPending, SourceToolName: "TaskCreate",
	}))
	tasks, err = m.GetTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestMemoryTaskOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.ReplaceTasks(ctx, "s1", []SessionTask{
		{ID: "t2", Content: "second", Position: 1},
		{ID: "t1", Content: "first", Position: 0},
	}))

	tasks, err := m.GetTasks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "first", tasks[0].Content)
	assert.Equal(t, "second", tasks[1].Content)
}

func TestMemoryReplayCheckpoint(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	cp, err := m.GetReplayCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	state := json.RawMessage(`{"messages":[]}`)
	require.NoError(t, m.UpsertReplayCheckpoint(ctx, &ReplayCheckpoint{
		SessionID:     "s1",
		ParserVersion: 1,
		LastSequence:  41,
		ReplayState:   state,
	}))

	cp, err = m.GetReplayCheckpoint(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(41), cp.LastSequence)
	assert.False(t, cp.UpdatedAt.IsZero())

	// Upsert replaces the previous checkpoint.
	require.NoError(t, m.UpsertReplayCheckpoint(ctx, &ReplayCheckpoint{
		SessionID:     "s1",
		ParserVersion: 1,
		LastSequence:  55,
		ReplayState:   state,
	}))
	cp, err = m.GetReplayCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(55), cp.LastSequence)

	require.NoError(t, m.DeleteReplayCheckpoint(ctx, "s1"))
	cp, err = m.GetReplayCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}
