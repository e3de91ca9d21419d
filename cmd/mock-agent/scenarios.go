package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentlab/agentlab/internal/acp"
)

const chunkDelay = 30 * time.Millisecond

// runScenario streams a canned response picked by keywords in the prompt,
// then answers the prompt request with a stop reason.
func (a *mockAgent) runScenario(id *int64, params acp.PromptParams) {
	prompt := promptText(params)

	switch {
	case strings.Contains(prompt, "error"):
		a.respondError(id, acp.CodeInternalError, "Request failed with status 500")
		return

	case strings.Contains(prompt, "tool"):
		a.toolScenario(params.SessionID)

	case strings.Contains(prompt, "permission"):
		if !a.permissionScenario(params.SessionID) {
			a.respond(id, acp.PromptResult{StopReason: acp.StopReasonCancelled})
			return
		}
		a.chunk(params.SessionID, "Permission granted, done.")

	case strings.Contains(prompt, "todo"):
		a.todoScenario(params.SessionID)

	default:
		a.textScenario(params.SessionID)
	}

	a.respond(id, acp.PromptResult{StopReason: acp.StopReasonEndTurn})
}

func promptText(params acp.PromptParams) string {
	var sb strings.Builder
	for _, block := range params.Prompt {
		sb.WriteString(block.Text)
	}
	return strings.ToLower(sb.String())
}

func (a *mockAgent) textScenario(sid string) {
	for _, text := range []string{"Hello! ", "This is the mock agent ", "streaming a response."} {
		a.chunk(sid, text)
		time.Sleep(chunkDelay)
	}
}

func (a *mockAgent) toolScenario(sid string) {
	a.chunk(sid, "Let me check that file. ")
	time.Sleep(chunkDelay)

	a.update(sid, acp.SessionUpdate{
		SessionUpdate: acp.UpdateToolCall,
		ToolCallID:    fmt.Sprintf("tool-%d", time.Now().UnixNano()),
		Title:         "Read main.go",
		Kind:          "read",
		Status:        "in_progress",
		RawInput:      json.RawMessage(`{"path":"main.go"}`),
	})
	time.Sleep(chunkDelay)

	a.chunk(sid, "The file looks fine.")
}

func (a *mockAgent) todoScenario(sid string) {
	meta := &acp.Meta{ClaudeCode: &acp.ClaudeCodeMeta{ToolName: "TodoWrite"}}
	a.notify(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: sid,
		Update: acp.SessionUpdate{
			SessionUpdate: acp.UpdateToolCall,
			ToolCallID:    fmt.Sprintf("todo-%d", time.Now().UnixNano()),
			Title:         "Update todo list",
			Status:        "completed",
			RawInput:      json.RawMessage(`{"todos":[{"content":"first step","status":"in_progress"},{"content":"second step","status":"pending"}]}`),
			Meta:          meta,
		},
	})
	a.chunk(sid, "Todo list updated.")
}

// permissionScenario asks the gateway for permission and reads lines until
// the answer arrives. Returns false when the request was denied.
func (a *mockAgent) permissionScenario(sid string) bool {
	a.nextID++
	reqID := a.nextID
	raw, _ := json.Marshal(acp.RequestPermissionParams{
		SessionID: sid,
		ToolCall:  &acp.ToolCallRef{ToolCallID: "perm-tool-1", Title: "Run command"},
		Options: []acp.PermissionOption{
			{OptionID: "allow-once", Name: "Allow once", Kind: acp.PermissionAllowOnce},
			{OptionID: "allow-always", Name: "Allow always", Kind: acp.PermissionAllowAlways},
			{OptionID: "reject", Name: "Reject", Kind: acp.PermissionRejectOnce},
		},
	})
	_ = a.enc.Encode(acp.Envelope{JSONRPC: "2.0", ID: &reqID, Method: acp.MethodRequestPermission, Params: raw})

	for a.scanner.Scan() {
		line := a.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env acp.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		if !env.IsResponse() || env.ID == nil || *env.ID != reqID {
			continue
		}
		var result acp.RequestPermissionResult
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return false
		}
		return result.Outcome.Outcome == acp.OutcomeSelected
	}
	return false
}

func (a *mockAgent) chunk(sid, text string) {
	content, _ := json.Marshal(acp.ContentBlock{Type: "text", Text: text})
	a.update(sid, acp.SessionUpdate{
		SessionUpdate: acp.UpdateAgentMessageChunk,
		Content:       content,
	})
}

func (a *mockAgent) update(sid string, update acp.SessionUpdate) {
	a.notify(acp.MethodSessionUpdate, acp.SessionNotification{SessionID: sid, Update: update})
}
