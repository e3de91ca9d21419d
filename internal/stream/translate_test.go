package stream

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/agentlab/internal/acp"
)

func chunkEnv(t *testing.T, text string) *acp.Envelope {
	t.Helper()
	content, err := json.Marshal(acp.ContentBlock{Type: "text", Text: text})
	require.NoError(t, err)
	env, err := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: "s1",
		Update: acp.SessionUpdate{
			SessionUpdate: acp.UpdateAgentMessageChunk,
			Content:       content,
		},
	})
	require.NoError(t, err)
	return env
}

func userEnv(t *testing.T, text string) *acp.Envelope {
	t.Helper()
	content, err := json.Marshal(acp.ContentBlock{Type: "text", Text: text})
	require.NoError(t, err)
	env, err := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: "s1",
		Update: acp.SessionUpdate{
			SessionUpdate: acp.UpdateUserMessage,
			Content:       content,
		},
	})
	require.NoError(t, err)
	return env
}

func toolCallEnv(t *testing.T, id, title, toolName string) *acp.Envelope {
	t.Helper()
	update := acp.SessionUpdate{
		SessionUpdate: acp.UpdateToolCall,
		ToolCallID:    id,
		Title:         title,
		Status:        "in_progress",
		RawInput:      json.RawMessage(`{"path":"main.go"}`),
	}
	if toolName != "" {
		update.Meta = &acp.Meta{ClaudeCode: &acp.ClaudeCodeMeta{ToolName: toolName}}
	}
	env, err := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: "s1",
		Update:    update,
	})
	require.NoError(t, err)
	return env
}

func toolUpdateEnv(t *testing.T, id, status, output string) *acp.Envelope {
	t.Helper()
	update := acp.SessionUpdate{
		SessionUpdate: acp.UpdateToolCallUpdate,
		ToolCallID:    id,
		Status:        status,
	}
	if output != "" {
		content, err := json.Marshal([]acp.ContentBlock{{Type: "text", Text: output}})
		require.NoError(t, err)
		update.Content = content
	}
	env, err := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: "s1",
		Update:    update,
	})
	require.NoError(t, err)
	return env
}

func resultEnv(t *testing.T, stopReason string) *acp.Envelope {
	t.Helper()
	env, err := acp.NewResult(acp.PromptResult{StopReason: stopReason})
	require.NoError(t, err)
	return env
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestTranslatorTextTurn(t *testing.T) {
	tr := NewTranslator()

	events := tr.Translate(1, chunkEnv(t, "Hello "))
	assert.Equal(t, []string{EventTurnStarted, EventItemStarted, EventItemDelta}, eventTypes(events))
	assert.Equal(t, "assistant-1-1", events[1].Data.Item.ID)
	assert.Equal(t, "Hello ", events[2].Data.Delta)

	events = tr.Translate(2, chunkEnv(t, "world"))
	assert.Equal(t, []string{EventItemDelta}, eventTypes(events))
	assert.Equal(t, "assistant-1-1", events[0].Data.ItemID)

	events = tr.Translate(3, resultEnv(t, acp.StopReasonEndTurn))
	assert.Equal(t, []string{EventItemCompleted, EventTurnEnded}, eventTypes(events))
	assert.Equal(t, "assistant-1-1", events[0].Data.ItemID)
	assert.Equal(t, acp.StopReasonEndTurn, events[1].Data.StopReason)
}

func TestTranslatorEventIdentity(t *testing.T) {
	tr := NewTranslator()
	events := tr.Translate(7, chunkEnv(t, "hi"))
	for i, ev := range events {
		assert.Equal(t, int64(7), ev.Sequence)
		assert.Equal(t, i, ev.Index)
	}
}

func TestTranslatorUserMessage(t *testing.T) {
	tr := NewTranslator()

	events := tr.Translate(1, userEnv(t, "do the thing"))
	require.Equal(t, []string{EventItemStarted, EventItemCompleted}, eventTypes(events))
	assert.Equal(t, "user-1-1", events[0].Data.Item.ID)
	assert.Equal(t, RoleUser, events[0].Data.Item.Role)
	require.Len(t, events[0].Data.Item.Parts, 1)
	assert.Equal(t, "do the thing", events[0].Data.Item.Parts[0].Text)
}

func TestTranslatorUserMessageDoesNotOpenTurn(t *testing.T) {
	tr := NewTranslator()

	tr.Translate(1, userEnv(t, "go"))
	events := tr.Translate(2, chunkEnv(t, "on it"))
	// turn.started is synthesized on the first agent activity, not on the
	// echoed user message.
	assert.Equal(t, EventTurnStarted, events[0].Type)
}

func TestTranslatorToolCall(t *testing.T) {
	tr := NewTranslator()

	events := tr.Translate(1, toolCallEnv(t, "t1", "Read file", "Read"))
	require.Equal(t, []string{EventTurnStarted, EventItemStarted}, eventTypes(events))
	item := events[1].Data.Item
	assert.Equal(t, "t1", item.ID)
	assert.Equal(t, KindToolCall, item.Kind)
	require.Len(t, item.Parts, 1)
	assert.Equal(t, "Read", item.Parts[0].Name)
	assert.Equal(t, StatusInProgress, item.Parts[0].Status)
}

func TestTranslatorToolCallDedup(t *testing.T) {
	tr := NewTranslator()

	first := tr.Translate(1, toolCallEnv(t, "t1", "Read file", ""))
	require.NotEmpty(t, first)

	second := tr.Translate(2, toolCallEnv(t, "t1", "Read file", ""))
	assert.Empty(t, second)
}

func TestTranslatorToolUpdateTerminal(t *testing.T) {
	tr := NewTranslator()
	tr.Translate(1, toolCallEnv(t, "t1", "Run", ""))

	events := tr.Translate(2, toolUpdateEnv(t, "t1", "completed", "all good"))
	require.Equal(t, []string{EventItemStarted, EventItemCompleted}, eventTypes(events))
	item := events[0].Data.Item
	assert.Equal(t, "t1-result", item.ID)
	assert.Equal(t, KindToolResult, item.Kind)
	assert.Equal(t, "all good", item.Parts[0].Output)
	assert.Empty(t, item.Parts[0].Error)
}

func TestTranslatorToolUpdateFailed(t *testing.T) {
	tr := NewTranslator()
	tr.Translate(1, toolCallEnv(t, "t1", "Run", ""))

	events := tr.Translate(2, toolUpdateEnv(t, "t1", "failed", "exit 1"))
	require.NotEmpty(t, events)
	assert.Equal(t, "exit 1", events[0].Data.Item.Parts[0].Error)
}

func TestTranslatorToolUpdateProgressIgnored(t *testing.T) {
	tr := NewTranslator()
	tr.Translate(1, toolCallEnv(t, "t1", "Run", ""))

	// Non-terminal with no output carries nothing renderable.
	events := tr.Translate(2, toolUpdateEnv(t, "t1", "in_progress", ""))
	assert.Empty(t, events)
}

func TestTranslatorErrorEnvelope(t *testing.T) {
	tr := NewTranslator()
	env := &acp.Envelope{JSONRPC: "2.0", Error: &acp.RPCError{Code: -32603, Message: "boom"}}

	events := tr.Translate(1, env)
	require.Equal(t, []string{EventError}, eventTypes(events))
	assert.Equal(t, "boom", events[0].Data.Error.Message)
}

func TestTranslatorForwardedMethods(t *testing.T) {
	tr := NewTranslator()

	env, err := acp.NewNotification(MethodSessionStarted, map[string]string{"sessionId": "x"})
	require.NoError(t, err)
	events := tr.Translate(1, env)
	require.Len(t, events, 1)
	assert.Equal(t, EventSessionStarted, events[0].Type)

	perm := &acp.Envelope{JSONRPC: "2.0", Method: acp.MethodRequestPermission, Params: json.RawMessage(`{}`)}
	events = tr.Translate(2, perm)
	require.Len(t, events, 1)
	assert.Equal(t, EventPermissionRequested, events[0].Type)

	custom, err := acp.NewNotification("session/custom_thing", map[string]string{})
	require.NoError(t, err)
	events = tr.Translate(3, custom)
	require.Len(t, events, 1)
	assert.Equal(t, "session/custom_thing", events[0].Type)
}

func TestTranslatorSecondTurnRestarts(t *testing.T) {
	tr := NewTranslator()

	tr.Translate(1, chunkEnv(t, "first"))
	tr.Translate(2, resultEnv(t, acp.StopReasonEndTurn))

	events := tr.Translate(3, chunkEnv(t, "second"))
	require.Equal(t, []string{EventTurnStarted, EventItemStarted, EventItemDelta}, eventTypes(events))
	assert.Equal(t, fmt.Sprintf("assistant-2-%d", 3), events[1].Data.Item.ID)
}
