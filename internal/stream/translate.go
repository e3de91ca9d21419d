package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentlab/agentlab/internal/acp"
)

// Synthetic notification methods emitted by the session manager alongside
// the agent's own traffic.
const (
	MethodSessionStarted     = "session/started"
	MethodSessionEnded       = "session/ended"
	MethodPermissionResolved = "session/permission_resolved"
	MethodQuestionRequested  = "session/request_question"
	MethodQuestionResolved   = "session/question_resolved"
)

// forwardedMethods maps notification methods straight to domain event types.
var forwardedMethods = map[string]string{
	MethodSessionStarted:        EventSessionStarted,
	MethodSessionEnded:          EventSessionEnded,
	MethodPermissionResolved:    EventPermissionResolved,
	MethodQuestionRequested:     EventQuestionRequested,
	MethodQuestionResolved:      EventQuestionResolved,
	acp.MethodRequestPermission: EventPermissionRequested,
}

// Translator maps one envelope to zero or more ordered domain events.
// It is deterministic given a sequence prefix: the only state it keeps is
// the active item id, a turn counter, and the set of tool call ids already
// started (tool_call updates repeat the id and must not restart the item).
// One Translator serves one envelope stream and must not be shared.
type Translator struct {
	turnOpen      bool
	turnCounter   int
	activeItemID  string
	seenToolCalls map[string]bool
}

// NewTranslator creates a translator for one envelope stream.
func NewTranslator() *Translator {
	return &Translator{seenToolCalls: make(map[string]bool)}
}

// Translate maps the envelope at the given log sequence to domain events.
// Unknown update variants yield nothing; unknown notification methods are
// forwarded verbatim with the method as the event type.
func (t *Translator) Translate(seq int64, env *acp.Envelope) []Event {
	var out []Event
	emit := func(typ string, data EventData) {
		out = append(out, Event{Type: typ, Sequence: seq, Index: len(out), Data: data})
	}

	switch {
	case env.Error != nil:
		emit(EventError, EventData{Error: env.Error})

	case len(env.Result) > 0:
		var res acp.PromptResult
		if err := json.Unmarshal(env.Result, &res); err == nil && res.StopReason != "" {
			if t.activeItemID != "" {
				emit(EventItemCompleted, EventData{ItemID: t.activeItemID})
				t.activeItemID = ""
			}
			emit(EventTurnEnded, EventData{StopReason: res.StopReason})
			t.turnOpen = false
		}

	case env.Method == acp.MethodSessionUpdate:
		var note acp.SessionNotification
		if err := json.Unmarshal(env.Params, &note); err != nil {
			return nil
		}
		t.translateUpdate(seq, &note, emit)

	case env.Method != "":
		typ, ok := forwardedMethods[env.Method]
		if !ok {
			typ = env.Method
		}
		emit(typ, EventData{Raw: env.Params})
	}

	return out
}

func (t *Translator) translateUpdate(seq int64, note *acp.SessionNotification, emit func(string, EventData)) {
	u := &note.Update

	switch u.SessionUpdate {
	case acp.UpdateAgentMessageChunk:
		block, err := u.ContentBlockValue()
		if err != nil || block == nil || block.Text == "" {
			return
		}
		t.openTurn(emit)
		if t.activeItemID == "" {
			t.activeItemID = fmt.Sprintf("assistant-%d-%d", t.turnCounter, seq)
			emit(EventItemStarted, EventData{Item: &Item{
				ID:   t.activeItemID,
				Role: RoleAssistant,
				Kind: KindMessage,
			}})
		}
		emit(EventItemDelta, EventData{ItemID: t.activeItemID, Delta: block.Text})

	case acp.UpdateUserMessage:
		var text string
		if block, err := u.ContentBlockValue(); err == nil && block != nil {
			text = block.Text
		}
		item := &Item{
			ID:   fmt.Sprintf("user-%d-%d", t.turnCounter+1, seq),
			Role: RoleUser,
			Kind: KindMessage,
		}
		if text != "" {
			item.Parts = []Part{{Type: PartText, Text: text}}
		}
		emit(EventItemStarted, EventData{Item: item})
		emit(EventItemCompleted, EventData{ItemID: item.ID, Item: item})
		t.activeItemID = ""

	case acp.UpdateToolCall:
		if u.ToolCallID == "" || t.seenToolCalls[u.ToolCallID] {
			return
		}
		t.seenToolCalls[u.ToolCallID] = true
		t.openTurn(emit)

		name := u.Title
		if meta := updateMeta(note, u); meta != nil && meta.ToolName != "" {
			name = meta.ToolName
		}
		emit(EventItemStarted, EventData{Item: &Item{
			ID:   u.ToolCallID,
			Role: RoleAssistant,
			Kind: KindToolCall,
			Parts: []Part{{
				Type:   PartToolCall,
				ID:     u.ToolCallID,
				Name:   name,
				Input:  u.RawInput,
				Status: StatusInProgress,
			}},
		}})
		// Subsequent raw text belongs to a continuation of this tool item.
		t.activeItemID = u.ToolCallID

	case acp.UpdateToolCallUpdate:
		if u.ToolCallID == "" {
			return
		}
		terminal := u.Status == "completed" || u.Status == "failed" || u.Status == "error"
		output := toolOutput(u)
		if !terminal && output == "" {
			return
		}

		resultID := u.ToolCallID + "-result"
		part := Part{
			Type:       PartToolResult,
			ToolCallID: u.ToolCallID,
			Output:     output,
		}
		if u.Status == "failed" || u.Status == "error" {
			part.Error = output
			if part.Error == "" {
				part.Error = u.Status
			}
		}
		item := &Item{
			ID:    resultID,
			Role:  RoleAssistant,
			Kind:  KindToolResult,
			Parts: []Part{part},
		}
		emit(EventItemStarted, EventData{Item: item})
		emit(EventItemCompleted, EventData{ItemID: resultID, Item: item})
		// Later text deltas target the call so the call, its result, and the
		// follow-up text stay in one step.
		t.activeItemID = u.ToolCallID
	}
}

// openTurn emits turn.started before the first agent activity of a turn.
func (t *Translator) openTurn(emit func(string, EventData)) {
	if t.turnOpen {
		return
	}
	t.turnOpen = true
	t.turnCounter++
	emit(EventTurnStarted, EventData{})
}

// updateMeta returns the claudeCode meta from the update or, failing that,
// the notification envelope.
func updateMeta(note *acp.SessionNotification, u *acp.SessionUpdate) *acp.ClaudeCodeMeta {
	if u.Meta != nil && u.Meta.ClaudeCode != nil {
		return u.Meta.ClaudeCode
	}
	if note.Meta != nil && note.Meta.ClaudeCode != nil {
		return note.Meta.ClaudeCode
	}
	return nil
}

// toolOutput concatenates the text of a tool update's content blocks.
func toolOutput(u *acp.SessionUpdate) string {
	blocks, err := u.ContentBlockList()
	if err != nil || len(blocks) == 0 {
		// tool_call_update content may also be a single block
		if block, berr := u.ContentBlockValue(); berr == nil && block != nil {
			return block.Text
		}
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text)
	}
	return sb.String()
}
