package stream

import (
	"fmt"
)

// ParserVersion identifies the accumulator's reduction semantics. Replay
// checkpoints saved under a different version are rejected so clients
// rebuild from the full log instead of resuming a stale projection.
const ParserVersion = 1

type appliedKey struct {
	seq int64
	idx int
}

// Accumulator is a deterministic reducer from an ordered domain event
// stream to a message list. It is idempotent under re-feed of any prefix:
// events are identified by (sequence, index), so replaying history and then
// switching to live delivery yields the same output as one concatenated
// stream.
type Accumulator struct {
	messages []*Message
	byID     map[string]*Message

	// itemToMessage routes item deltas and completions to the message
	// currently holding the item's content.
	itemToMessage map[string]string

	currentAssistantID string
	applied            map[appliedKey]bool

	// orphans counts tool_result parts with no matching tool_call in the
	// same message. Tolerated, rendered as error.
	orphans map[string]bool
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		byID:          make(map[string]*Message),
		itemToMessage: make(map[string]string),
		applied:       make(map[appliedKey]bool),
		orphans:       make(map[string]bool),
	}
}

// Apply folds one event into the message list. Events already applied
// (same sequence and index) are ignored.
func (a *Accumulator) Apply(ev Event) {
	key := appliedKey{ev.Sequence, ev.Index}
	if a.applied[key] {
		return
	}
	a.applied[key] = true

	switch ev.Type {
	case EventTurnStarted:
		a.currentAssistantID = ""
	case EventItemStarted:
		a.applyItemStarted(ev)
	case EventItemDelta:
		a.applyItemDelta(ev)
	case EventItemCompleted:
		a.applyItemCompleted(ev)
	}
}

func (a *Accumulator) applyItemStarted(ev Event) {
	item := ev.Data.Item
	if item == nil {
		return
	}

	switch {
	case item.Role == RoleUser && item.Kind == KindMessage:
		a.appendMessage(item.ID, RoleUser, clonedParts(item.Parts))
		a.itemToMessage[item.ID] = item.ID

	case item.Kind == KindMessage:
		msg := a.appendMessage(item.ID, RoleAssistant, clonedParts(item.Parts))
		a.currentAssistantID = msg.ID
		a.itemToMessage[item.ID] = item.ID

	case item.Kind == KindToolCall || item.Kind == KindToolResult:
		if a.currentAssistantID == "" {
			// Tool activity with no surrounding assistant message renders
			// as its own step.
			msg := a.appendMessage(item.ID, RoleAssistant, clonedParts(item.Parts))
			a.currentAssistantID = msg.ID
			a.itemToMessage[item.ID] = item.ID
			a.resolveToolStatuses(msg)
			return
		}
		msg := a.byID[a.currentAssistantID]
		msg.Parts = append(msg.Parts, clonedParts(item.Parts)...)
		a.itemToMessage[item.ID] = msg.ID
		a.resolveToolStatuses(msg)
	}
}

func (a *Accumulator) applyItemDelta(ev Event) {
	itemID := ev.Data.ItemID
	if itemID == "" {
		return
	}

	msgID, ok := a.itemToMessage[itemID]
	if !ok {
		// Delta without a started item: start a fresh assistant message.
		msg := a.appendMessage(itemID, RoleAssistant, []Part{{Type: PartText, Text: ev.Data.Delta}})
		a.currentAssistantID = msg.ID
		a.itemToMessage[itemID] = msg.ID
		return
	}
	msg := a.byID[msgID]

	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].IsTool() {
		a.splitAfterTools(msg, itemID, ev)
		return
	}

	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == PartText {
		msg.Parts[n-1].Text += ev.Data.Delta
	} else {
		msg.Parts = append(msg.Parts, Part{Type: PartText, Text: ev.Data.Delta})
	}
}

// splitAfterTools starts a continuation assistant step when text arrives
// after tool activity: the item's tool parts move into the new step so the
// tool call and the text that follows it render as one bubble, and the
// preceding text keeps its own.
func (a *Accumulator) splitAfterTools(msg *Message, itemID string, ev Event) {
	newID := fmt.Sprintf("%s-cont-%d", itemID, ev.Sequence)

	var kept, moved []Part
	for _, p := range msg.Parts {
		if p.IsTool() && (p.ID == itemID || p.ToolCallID == itemID || p.ID == itemID+"-result") {
			if p.Type == PartToolCall && p.Status == StatusInProgress {
				// Text after the call means the tool has finished.
				p.Status = StatusCompleted
			}
			moved = append(moved, p)
		} else {
			kept = append(kept, p)
		}
	}
	msg.Parts = kept

	moved = append(moved, Part{Type: PartText, Text: ev.Data.Delta})
	cont := a.appendMessage(newID, RoleAssistant, moved)

	a.itemToMessage[itemID] = newID
	if _, ok := a.itemToMessage[itemID+"-result"]; ok {
		a.itemToMessage[itemID+"-result"] = newID
	}
	a.currentAssistantID = cont.ID
	a.resolveToolStatuses(cont)
}

func (a *Accumulator) applyItemCompleted(ev Event) {
	itemID := ev.Data.ItemID
	if itemID == "" {
		return
	}
	msgID, ok := a.itemToMessage[itemID]
	if !ok {
		return
	}
	msg := a.byID[msgID]
	if len(msg.Parts) == 0 && ev.Data.Item != nil {
		msg.Parts = clonedParts(ev.Data.Item.Parts)
	}
	a.resolveToolStatuses(msg)
}

// resolveToolStatuses settles tool_call statuses against the tool_results
// present in the same message, and flags orphan results.
func (a *Accumulator) resolveToolStatuses(msg *Message) {
	calls := make(map[string]bool)
	for _, p := range msg.Parts {
		if p.Type == PartToolCall {
			calls[p.ID] = true
		}
	}

	results := make(map[string]*Part)
	for i := range msg.Parts {
		p := &msg.Parts[i]
		if p.Type != PartToolResult {
			continue
		}
		results[p.ToolCallID] = p
		if !calls[p.ToolCallID] {
			p.Status = StatusError
			a.orphans[msg.ID+"/"+p.ToolCallID] = true
		}
	}

	for i := range msg.Parts {
		p := &msg.Parts[i]
		if p.Type != PartToolCall {
			continue
		}
		res, ok := results[p.ID]
		if !ok {
			continue
		}
		if res.Error != "" {
			p.Status = StatusError
		} else {
			p.Status = StatusCompleted
		}
	}
}

func (a *Accumulator) appendMessage(id, role string, parts []Part) *Message {
	if existing, ok := a.byID[id]; ok {
		return existing
	}
	msg := &Message{ID: id, Role: role, Parts: parts}
	a.messages = append(a.messages, msg)
	a.byID[id] = msg
	return msg
}

// Messages returns a copy of the accumulated list in order.
func (a *Accumulator) Messages() []Message {
	out := make([]Message, 0, len(a.messages))
	for _, m := range a.messages {
		out = append(out, Message{ID: m.ID, Role: m.Role, Parts: clonedParts(m.Parts)})
	}
	return out
}

// OrphanResults reports how many tool_results arrived with no matching
// tool_call in their message.
func (a *Accumulator) OrphanResults() int {
	return len(a.orphans)
}

func clonedParts(parts []Part) []Part {
	if len(parts) == 0 {
		return nil
	}
	out := make([]Part, len(parts))
	copy(out, parts)
	return out
}
