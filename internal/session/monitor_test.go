package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/agentlab/internal/acp"
	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/events/bus"
	"github.com/agentlab/agentlab/internal/store"
	"github.com/agentlab/agentlab/internal/stream"
)

type monitorFixture struct {
	mgr   *Manager
	store *store.MemoryStore
	bus   bus.EventBus
	mon   *Monitor
}

func newMonitorFixture(t *testing.T, agent *fakeAgent) *monitorFixture {
	t.Helper()

	mgr := newTestManager(t, agent)
	st := store.NewMemoryStore()
	eb := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eb.Close)

	_, err := mgr.CreateSession(context.Background(), "srv-1", SessionOptions{})
	require.NoError(t, err)

	mon := NewMonitor("srv-1", mgr, st, eb, MonitorConfig{CompletionGrace: 50 * time.Millisecond}, logger.Default())
	require.NoError(t, mon.Start(context.Background()))
	t.Cleanup(mon.Stop)

	return &monitorFixture{mgr: mgr, store: st, bus: eb, mon: mon}
}

func (f *monitorFixture) waitForSequence(t *testing.T, atLeast int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		max, err := f.store.GetMaxSequence(context.Background(), "srv-1")
		return err == nil && max >= atLeast
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMonitorPersistsDenseSequences(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1", promptChunks: []string{"Hello ", "world"}}
	f := newMonitorFixture(t, agent)

	require.NoError(t, f.mgr.SendMessage(context.Background(), "srv-1", "hi"))

	// started + user_message + 2 chunks + result
	f.waitForSequence(t, 4)

	events, err := f.store.GetAgentEvents(context.Background(), "srv-1", -1)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Sequence)
		var env acp.Envelope
		require.NoError(t, json.Unmarshal(ev.EventData, &env))
	}

	var first acp.Envelope
	require.NoError(t, json.Unmarshal(events[0].EventData, &first))
	assert.Equal(t, stream.MethodSessionStarted, first.Method)
}

func TestMonitorProjectionAndMetadata(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1", promptChunks: []string{"Hello ", "world"}}
	f := newMonitorFixture(t, agent)

	require.NoError(t, f.mgr.SendMessage(context.Background(), "srv-1", "hi"))
	f.waitForSequence(t, 4)

	require.Eventually(t, func() bool {
		msgs := f.mon.Messages()
		return len(msgs) == 2
	}, 3*time.Second, 10*time.Millisecond)

	msgs := f.mon.Messages()
	assert.Equal(t, stream.RoleUser, msgs[0].Role)
	assert.Equal(t, stream.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world", msgs[1].Parts[0].Text)

	require.Eventually(t, func() bool {
		md, err := f.store.GetMetadata(context.Background(), "srv-1")
		return err == nil && md.InferenceStatus == store.InferenceIdle &&
			md.LastMessage != nil && *md.LastMessage == "Hello world"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMonitorPublishesSequencedFrames(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1", promptChunks: []string{"ok"}}

	mgr := newTestManager(t, agent)
	st := store.NewMemoryStore()
	eb := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eb.Close)

	var mu sync.Mutex
	var frames []*bus.Event
	sub, err := eb.Subscribe("session.srv-1.events", func(ctx context.Context, event *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, event)
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	_, err = mgr.CreateSession(context.Background(), "srv-1", SessionOptions{})
	require.NoError(t, err)

	mon := NewMonitor("srv-1", mgr, st, eb, MonitorConfig{}, logger.Default())
	require.NoError(t, mon.Start(context.Background()))
	t.Cleanup(mon.Stop)

	require.NoError(t, mgr.SendMessage(context.Background(), "srv-1", "hi"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 4
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, event := range frames {
		frame, ok := event.Data.(SequencedEnvelope)
		require.True(t, ok)
		assert.GreaterOrEqual(t, frame.Sequence, int64(0))
		require.NotNil(t, frame.Envelope)
	}
}

func TestMonitorSubscriberSeesLiveFrames(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1", promptChunks: []string{"ok"}}
	f := newMonitorFixture(t, agent)

	var mu sync.Mutex
	var seqs []int64
	unsub := f.mon.Subscribe(func(seq int64, env *acp.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, seq)
	})
	defer unsub()

	require.NoError(t, f.mgr.SendMessage(context.Background(), "srv-1", "hi"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) >= 3
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		assert.Equal(t, seqs[i-1]+1, seqs[i])
	}
}

func TestMonitorReplaysLogOnStart(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1"}
	mgr := newTestManager(t, agent)
	st := store.NewMemoryStore()

	_, err := mgr.CreateSession(context.Background(), "srv-1", SessionOptions{})
	require.NoError(t, err)

	// Seed the log as a previous monitor incarnation would have.
	content, _ := json.Marshal(acp.ContentBlock{Type: "text", Text: "from before"})
	env, err := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: "agent-1",
		Update: acp.SessionUpdate{
			SessionUpdate: acp.UpdateAgentMessageChunk,
			Content:       content,
		},
	})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, st.StoreAgentEvent(context.Background(), "srv-1", 0, raw))

	mon := NewMonitor("srv-1", mgr, st, nil, MonitorConfig{}, logger.Default())
	require.NoError(t, mon.Start(context.Background()))
	t.Cleanup(mon.Stop)

	msgs := mon.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "from before", msgs[0].Parts[0].Text)
}

func TestMonitorCompletionDebounce(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1", promptChunks: []string{"done"}}

	mgr := newTestManager(t, agent)
	st := store.NewMemoryStore()
	eb := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eb.Close)

	var mu sync.Mutex
	completions := 0
	sub, err := eb.Subscribe("session.srv-1.completed", func(ctx context.Context, event *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		completions++
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	_, err = mgr.CreateSession(context.Background(), "srv-1", SessionOptions{})
	require.NoError(t, err)

	mon := NewMonitor("srv-1", mgr, st, eb, MonitorConfig{CompletionGrace: 30 * time.Millisecond}, logger.Default())
	require.NoError(t, mon.Start(context.Background()))
	t.Cleanup(mon.Stop)

	require.NoError(t, mgr.SendMessage(context.Background(), "srv-1", "hi"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completions == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The grace elapsed once; no further signal without a new turn.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, completions)
}

func TestMonitorDetectsTodoWrite(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1"}
	f := newMonitorFixture(t, agent)

	content := json.RawMessage(`{"todos":[
		{"content":"first step","status":"in_progress","priority":"high"},
		{"content":"second step","status":"pending"}
	]}`)
	env, err := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: "agent-1",
		Update: acp.SessionUpdate{
			SessionUpdate: acp.UpdateToolCall,
			ToolCallID:    "todo-1",
			Title:         "Update todo list",
			Status:        "completed",
			RawInput:      content,
			Meta:          &acp.Meta{ClaudeCode: &acp.ClaudeCodeMeta{ToolName: "TodoWrite"}},
		},
	})
	require.NoError(t, err)

	// Feed through the manager path so the monitor sequences it.
	s := f.mgr.get("srv-1")
	require.NotNil(t, s)
	s.HandleNotification(env)

	require.Eventually(t, func() bool {
		tasks, terr := f.store.GetTasks(context.Background(), "srv-1")
		return terr == nil && len(tasks) == 2
	}, 3*time.Second, 10*time.Millisecond)

	tasks, err := f.store.GetTasks(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "first step", tasks[0].Content)
	assert.Equal(t, store.TaskInProgress, tasks[0].Status)
	require.NotNil(t, tasks[0].Priority)
	assert.Equal(t, "high", *tasks[0].Priority)
	assert.Equal(t, "second step", tasks[1].Content)
	assert.Equal(t, store.TaskPending, tasks[1].Status)
	assert.Equal(t, "TodoWrite", tasks[0].SourceToolName)
}

func TestMonitorDetectsTaskCreateAndUpdate(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1"}
	f := newMonitorFixture(t, agent)

	s := f.mgr.get("srv-1")
	require.NotNil(t, s)

	create, err := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: "agent-1",
		Update: acp.SessionUpdate{
			SessionUpdate: acp.UpdateToolCall,
			ToolCallID:    "task-call-1",
			RawInput:      json.RawMessage(`{"taskId":"T-1","subject":"write docs","status":"pending"}`),
			Meta:          &acp.Meta{ClaudeCode: &acp.ClaudeCodeMeta{ToolName: "TaskCreate"}},
		},
	})
	require.NoError(t, err)
	s.HandleNotification(create)

	update, err := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: "agent-1",
		Update: acp.SessionUpdate{
			SessionUpdate: acp.UpdateToolCall,
			ToolCallID:    "task-call-2",
			RawInput:      json.RawMessage(`{"taskId":"T-1","subject":"write docs","status":"completed"}`),
			Meta:          &acp.Meta{ClaudeCode: &acp.ClaudeCodeMeta{ToolName: "TaskUpdate"}},
		},
	})
	require.NoError(t, err)
	s.HandleNotification(update)

	require.Eventually(t, func() bool {
		tasks, terr := f.store.GetTasks(context.Background(), "srv-1")
		return terr == nil && len(tasks) == 1 && tasks[0].Status == store.TaskCompleted
	}, 3*time.Second, 10*time.Millisecond)

	tasks, err := f.store.GetTasks(context.Background(), "srv-1")
	require.NoError(t, err)
	require.NotNil(t, tasks[0].ExternalID)
	assert.Equal(t, "T-1", *tasks[0].ExternalID)
	assert.Equal(t, "write docs", tasks[0].Content)
}

func TestMonitorIgnoresUnnamedTools(t *testing.T) {
	agent := &fakeAgent{t: t, sessionID: "agent-1"}
	f := newMonitorFixture(t, agent)

	s := f.mgr.get("srv-1")
	require.NotNil(t, s)

	env, err := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: "agent-1",
		Update: acp.SessionUpdate{
			SessionUpdate: acp.UpdateToolCall,
			ToolCallID:    "plain-1",
			Title:         "Read file",
			RawInput:      json.RawMessage(`{"path":"main.go"}`),
		},
	})
	require.NoError(t, err)
	s.HandleNotification(env)

	f.waitForSequence(t, 1)
	tasks, err := f.store.GetTasks(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
